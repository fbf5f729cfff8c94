package record

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrNotFound means a write targeted an event_id with no record. Records are
// only written by their lock holder, so this is always a caller bug.
var ErrNotFound = errors.New("record: no such event")

const defaultRetention = 30 * 24 * time.Hour

// Store persists execution records in SQLite. One row per event_id; the
// conditional create in TryAcquireLock is the only cross-worker coordination,
// after which the lock holder is the sole writer.
type Store struct {
	db        *sql.DB
	retention time.Duration
	nowFn     func() time.Time
}

// Open opens (creating if needed) the record database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open record db: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS execution_records (
		event_id          TEXT PRIMARY KEY,
		status            TEXT NOT NULL,
		step_store        TEXT NOT NULL DEFAULT 'pending',
		step_notify       TEXT NOT NULL DEFAULT 'pending',
		step_chat         TEXT NOT NULL DEFAULT 'pending',
		last_error        TEXT NOT NULL DEFAULT '',
		commit_id         TEXT NOT NULL DEFAULT '',
		notify_message_id TEXT NOT NULL DEFAULT '',
		chat_reply_id     TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL,
		expires_at        TIMESTAMP NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create record schema: %w", err)
	}

	return &Store{db: db, retention: defaultRetention, nowFn: time.Now}, nil
}

// WithRetention overrides how long records are kept before PurgeExpired may
// remove them. Retention is a garbage-collection hint, not correctness.
func (s *Store) WithRetention(d time.Duration) *Store {
	if d > 0 {
		s.retention = d
	}
	return s
}

func (s *Store) withNow(nowFn func() time.Time) *Store {
	if nowFn != nil {
		s.nowFn = nowFn
	}
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AcquireResult is the outcome of TryAcquireLock.
type AcquireResult struct {
	// Acquired is true when this call created the record and the caller owns
	// execution for the event.
	Acquired bool
	Record   *Record
}

// TryAcquireLock atomically creates the record for eventID if absent. Exactly
// one concurrent caller per event observes Acquired=true; the rest get the
// existing record.
func (s *Store) TryAcquireLock(eventID string) (AcquireResult, error) {
	now := s.nowFn().UTC()
	res, err := s.db.Exec(
		`INSERT INTO execution_records (event_id, status, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		eventID, StatusReceived, now, now, now.Add(s.retention),
	)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire lock for %s: %w", eventID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire lock for %s: %w", eventID, err)
	}

	rec, err := s.Get(eventID)
	if err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Acquired: n > 0, Record: rec}, nil
}

// Get returns the record for eventID, or nil when none exists.
func (s *Store) Get(eventID string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT event_id, status, step_store, step_notify, step_chat,
		        last_error, commit_id, notify_message_id, chat_reply_id,
		        created_at, updated_at, expires_at
		 FROM execution_records WHERE event_id = ?`, eventID)

	var r Record
	err := row.Scan(
		&r.EventID, &r.Status, &r.StepStoreState, &r.StepNotifyState, &r.StepChatState,
		&r.LastError, &r.CommitID, &r.NotifyMessageID, &r.ChatReplyID,
		&r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", eventID, err)
	}
	return &r, nil
}

// Patch carries the fields UpdateState merges into a record. Nil fields are
// left untouched. Only the lock holder calls this, so last-writer-wins is
// safe; no compare-and-swap beyond the initial create is needed.
type Patch struct {
	Status          *Status
	LastError       *string
	CommitID        *string
	NotifyMessageID *string
	ChatReplyID     *string
}

// UpdateState merges patch into the record for eventID.
func (s *Store) UpdateState(eventID string, patch Patch) error {
	set := "updated_at = ?"
	args := []interface{}{s.nowFn().UTC()}

	if patch.Status != nil {
		set += ", status = ?"
		args = append(args, *patch.Status)
	}
	if patch.LastError != nil {
		set += ", last_error = ?"
		args = append(args, *patch.LastError)
	}
	if patch.CommitID != nil {
		set += ", commit_id = ?"
		args = append(args, *patch.CommitID)
	}
	if patch.NotifyMessageID != nil {
		set += ", notify_message_id = ?"
		args = append(args, *patch.NotifyMessageID)
	}
	if patch.ChatReplyID != nil {
		set += ", chat_reply_id = ?"
		args = append(args, *patch.ChatReplyID)
	}

	args = append(args, eventID)
	res, err := s.db.Exec("UPDATE execution_records SET "+set+" WHERE event_id = ?", args...)
	if err != nil {
		return fmt.Errorf("update record %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record %s: %w", eventID, err)
	}
	if n == 0 {
		return fmt.Errorf("update record %s: %w", eventID, ErrNotFound)
	}
	return nil
}

// MarkStep sets one step's status. A step that already reached succeeded is
// never downgraded; statuses are monotonic within a record's lifetime.
func (s *Store) MarkStep(eventID string, step Step, status StepStatus) error {
	col, err := stepColumn(step)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		"UPDATE execution_records SET %s = ?, updated_at = ? WHERE event_id = ? AND %s != ?",
		col, col)
	res, err := s.db.Exec(query, status, s.nowFn().UTC(), eventID, StepSucceeded)
	if err != nil {
		return fmt.Errorf("mark step %s=%s for %s: %w", step, status, eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark step %s=%s for %s: %w", step, status, eventID, err)
	}
	if n == 0 {
		// Zero rows is the monotonic no-op when the step already reached
		// succeeded; anything else means the record does not exist.
		rec, getErr := s.Get(eventID)
		if getErr != nil {
			return getErr
		}
		if rec == nil {
			return fmt.Errorf("mark step %s=%s for %s: %w", step, status, eventID, ErrNotFound)
		}
	}
	return nil
}

// GetCompletedSteps returns the skip set for eventID. A missing record yields
// the zero value: nothing completed.
func (s *Store) GetCompletedSteps(eventID string) (CompletedSteps, error) {
	rec, err := s.Get(eventID)
	if err != nil || rec == nil {
		return CompletedSteps{}, err
	}
	return rec.Completed(), nil
}

// MarkPartialFailure records a mid-pipeline failure, preserving whichever
// steps already succeeded so the next attempt resumes instead of repeating.
func (s *Store) MarkPartialFailure(eventID, errMsg string) error {
	st := StatusPartialFailure
	return s.UpdateState(eventID, Patch{Status: &st, LastError: &errMsg})
}

// MarkCompleted transitions the record to its successful terminal state.
func (s *Store) MarkCompleted(eventID string) error {
	st := StatusSucceeded
	empty := ""
	return s.UpdateState(eventID, Patch{Status: &st, LastError: &empty})
}

// MarkFailedPermanent transitions the record to its failed terminal state.
func (s *Store) MarkFailedPermanent(eventID, errMsg string) error {
	st := StatusFailedPermanent
	return s.UpdateState(eventID, Patch{Status: &st, LastError: &errMsg})
}

// PurgeExpired removes records whose retention horizon has passed. Returns
// how many rows were deleted.
func (s *Store) PurgeExpired() (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM execution_records WHERE expires_at < ? AND status IN (?, ?)",
		s.nowFn().UTC(), StatusSucceeded, StatusFailedPermanent)
	if err != nil {
		return 0, fmt.Errorf("purge expired records: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns record counts grouped by status, for health reporting.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM execution_records GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count records: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// StuckExecuting lists records left in executing longer than staleAfter,
// which usually means a worker died mid-pipeline.
func (s *Store) StuckExecuting(staleAfter time.Duration) ([]*Record, error) {
	cutoff := s.nowFn().UTC().Add(-staleAfter)
	rows, err := s.db.Query(
		`SELECT event_id FROM execution_records
		 WHERE status = ? AND updated_at < ? ORDER BY updated_at`,
		StatusExecuting, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list stuck records: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

func stepColumn(step Step) (string, error) {
	switch step {
	case StepStore:
		return "step_store", nil
	case StepNotify:
		return "step_notify", nil
	case StepChat:
		return "step_chat", nil
	}
	return "", fmt.Errorf("unknown step: %q", step)
}
