package receipt

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(filepath.Join(t.TempDir(), "receipts", "receipts.jsonl"))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func TestAppendOrder(t *testing.T) {
	l := testLedger(t)

	const n = 5
	for i := 0; i < n; i++ {
		r := Receipt{
			EventID:        fmt.Sprintf("evt-%d", i),
			Timestamp:      time.Now().UTC(),
			Classification: "idea",
			Confidence:     0.8,
			Actions: []Action{
				{Type: "store", Status: ActionSuccess, Details: "committed"},
				{Type: "notify", Status: ActionSkipped},
				{Type: "chat", Status: ActionSuccess},
			},
		}
		if err := l.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := l.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != n {
		t.Fatalf("got %d receipts, want %d", len(all), n)
	}
	for i, r := range all {
		if want := fmt.Sprintf("evt-%d", i); r.EventID != want {
			t.Fatalf("receipt %d out of order: got %q, want %q", i, r.EventID, want)
		}
	}
}

func TestAllMissingFile(t *testing.T) {
	l := testLedger(t)
	all, err := l.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("got %d receipts from missing ledger", len(all))
	}
}

func TestAllSkipsCorruptLines(t *testing.T) {
	l := testLedger(t)
	if err := l.Append(Receipt{EventID: "evt-1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	if err := l.Append(Receipt{EventID: "evt-2"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := l.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 || all[0].EventID != "evt-1" || all[1].EventID != "evt-2" {
		t.Fatalf("got %+v", all)
	}
}

func TestTail(t *testing.T) {
	l := testLedger(t)
	for i := 0; i < 10; i++ {
		if err := l.Append(Receipt{EventID: fmt.Sprintf("evt-%d", i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tail, err := l.Tail(3)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(tail) != 3 || tail[0].EventID != "evt-7" || tail[2].EventID != "evt-9" {
		t.Fatalf("got %+v", tail)
	}

	all, err := l.Tail(0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("Tail(0) returned %d receipts", len(all))
	}
}
