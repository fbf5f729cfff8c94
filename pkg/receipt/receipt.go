// Package receipt keeps the append-only audit ledger of event outcomes: one
// JSON record per line, strict append order, never mutated or deleted.
package receipt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ActionStatus records how one pipeline step ended within a receipt.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionSkipped ActionStatus = "skipped"
	ActionFailed  ActionStatus = "failed"
)

// Action is one step attempted for an event.
type Action struct {
	Type    string       `json:"type"`
	Status  ActionStatus `json:"status"`
	Details string       `json:"details,omitempty"`
}

// Receipt is the immutable record of one event's terminal outcome.
type Receipt struct {
	ID             string    `json:"id"`
	EventID        string    `json:"event_id"`
	Timestamp      time.Time `json:"timestamp"`
	Classification string    `json:"classification"`
	Confidence     float64   `json:"confidence"`
	Actions        []Action  `json:"actions"`
	Files          []string  `json:"files,omitempty"`
	CommitID       string    `json:"commit_id,omitempty"`
	Summary        string    `json:"summary,omitempty"`
}

// Ledger appends receipts to a JSONL file. Appends are synchronous: when
// Append returns nil the receipt is on disk, which is what lets the executor
// treat a terminal outcome as recorded exactly once.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// NewLedger opens (creating parent directories for) the ledger at path.
func NewLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Ledger{path: path}, nil
}

func (l *Ledger) Path() string {
	return l.path
}

// Append writes one receipt as a single line at the end of the ledger.
func (l *Ledger) Append(r Receipt) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append receipt: %w", err)
	}
	return nil
}

// All reads every receipt in append order. A missing ledger file reads as
// empty. Unparseable lines are skipped rather than failing the whole read.
func (l *Ledger) All() ([]Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var receipts []Receipt
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Receipt
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		receipts = append(receipts, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return receipts, nil
}

// Tail returns the last n receipts in append order.
func (l *Ledger) Tail(n int) ([]Receipt, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	if n <= 0 || len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}
