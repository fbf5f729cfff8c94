package record

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTryAcquireLockFirstWins(t *testing.T) {
	s := openTestStore(t)

	first, err := s.TryAcquireLock("evt-1")
	if err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if !first.Acquired {
		t.Fatal("first caller did not acquire")
	}
	if first.Record.Status != StatusReceived {
		t.Fatalf("new record status %q, want %q", first.Record.Status, StatusReceived)
	}

	second, err := s.TryAcquireLock("evt-1")
	if err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if second.Acquired {
		t.Fatal("second caller acquired an existing record")
	}
	if second.Record == nil || second.Record.EventID != "evt-1" {
		t.Fatalf("second caller got record %+v", second.Record)
	}
}

func TestTryAcquireLockConcurrent(t *testing.T) {
	s := openTestStore(t)

	const workers = 8
	var wg sync.WaitGroup
	acquired := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TryAcquireLock("evt-race")
			if err != nil {
				t.Errorf("TryAcquireLock: %v", err)
				return
			}
			acquired <- res.Acquired
		}()
	}
	wg.Wait()
	close(acquired)

	wins := 0
	for ok := range acquired {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("got %d lock owners, want exactly 1", wins)
	}
}

func TestMarkStepMonotonic(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.TryAcquireLock("evt-2"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}

	if err := s.MarkStep("evt-2", StepStore, StepSucceeded); err != nil {
		t.Fatalf("MarkStep: %v", err)
	}
	// A succeeded step must never be reset.
	if err := s.MarkStep("evt-2", StepStore, StepInProgress); err != nil {
		t.Fatalf("MarkStep: %v", err)
	}

	rec, err := s.Get("evt-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.StepStoreState != StepSucceeded {
		t.Fatalf("step regressed to %q", rec.StepStoreState)
	}
}

func TestCompletedStepsProjection(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.TryAcquireLock("evt-3"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}

	if err := s.MarkStep("evt-3", StepStore, StepSucceeded); err != nil {
		t.Fatalf("MarkStep: %v", err)
	}
	if err := s.MarkStep("evt-3", StepNotify, StepSkipped); err != nil {
		t.Fatalf("MarkStep: %v", err)
	}
	if err := s.MarkStep("evt-3", StepChat, StepFailed); err != nil {
		t.Fatalf("MarkStep: %v", err)
	}

	got, err := s.GetCompletedSteps("evt-3")
	if err != nil {
		t.Fatalf("GetCompletedSteps: %v", err)
	}
	want := CompletedSteps{Store: true, Notify: true, Chat: false}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGetCompletedStepsMissingRecord(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetCompletedSteps("absent")
	if err != nil {
		t.Fatalf("GetCompletedSteps: %v", err)
	}
	if got != (CompletedSteps{}) {
		t.Fatalf("got %+v for missing record", got)
	}
}

func TestPartialFailurePreservesSteps(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.TryAcquireLock("evt-4"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if err := s.MarkStep("evt-4", StepStore, StepSucceeded); err != nil {
		t.Fatalf("MarkStep: %v", err)
	}

	if err := s.MarkPartialFailure("evt-4", "chat: rate limited"); err != nil {
		t.Fatalf("MarkPartialFailure: %v", err)
	}

	rec, err := s.Get("evt-4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusPartialFailure {
		t.Fatalf("status %q, want %q", rec.Status, StatusPartialFailure)
	}
	if rec.LastError != "chat: rate limited" {
		t.Fatalf("last error %q", rec.LastError)
	}
	if rec.StepStoreState != StepSucceeded {
		t.Fatalf("store step lost: %q", rec.StepStoreState)
	}
	if !CanRetry(rec) {
		t.Fatal("partial failure should be retryable")
	}
}

func TestTerminalTransitions(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.TryAcquireLock("evt-ok"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if err := s.MarkCompleted("evt-ok"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	rec, _ := s.Get("evt-ok")
	if rec.Status != StatusSucceeded || !rec.Status.Terminal() {
		t.Fatalf("status %q", rec.Status)
	}
	if CanRetry(rec) {
		t.Fatal("succeeded record should not be retryable")
	}

	if _, err := s.TryAcquireLock("evt-bad"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if err := s.MarkFailedPermanent("evt-bad", "validation failed"); err != nil {
		t.Fatalf("MarkFailedPermanent: %v", err)
	}
	rec, _ = s.Get("evt-bad")
	if rec.Status != StatusFailedPermanent || !rec.Status.Terminal() {
		t.Fatalf("status %q", rec.Status)
	}
}

func TestUpdateStateMergesFields(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.TryAcquireLock("evt-5"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}

	st := StatusExecuting
	commit := "abc123"
	if err := s.UpdateState("evt-5", Patch{Status: &st, CommitID: &commit}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	msgID := "ntf-9"
	if err := s.UpdateState("evt-5", Patch{NotifyMessageID: &msgID}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	rec, _ := s.Get("evt-5")
	if rec.Status != StatusExecuting || rec.CommitID != "abc123" || rec.NotifyMessageID != "ntf-9" {
		t.Fatalf("merged record %+v", rec)
	}
}

func TestUpdateStateUnknownEvent(t *testing.T) {
	s := openTestStore(t)

	st := StatusExecuting
	if err := s.UpdateState("evt-missing", Patch{Status: &st}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateState on unknown event = %v, want ErrNotFound", err)
	}
}

func TestMarkStepUnknownEvent(t *testing.T) {
	s := openTestStore(t)

	if err := s.MarkStep("evt-missing", StepStore, StepInProgress); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkStep on unknown event = %v, want ErrNotFound", err)
	}

	// The monotonic no-op on a known record stays error-free.
	if _, err := s.TryAcquireLock("evt-known"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if err := s.MarkStep("evt-known", StepStore, StepSucceeded); err != nil {
		t.Fatalf("MarkStep: %v", err)
	}
	if err := s.MarkStep("evt-known", StepStore, StepInProgress); err != nil {
		t.Fatalf("MarkStep downgrade no-op: %v", err)
	}
}

func TestReclaimableStaleExecuting(t *testing.T) {
	now := time.Now()
	rec := &Record{Status: StatusExecuting, UpdatedAt: now.Add(-20 * time.Minute)}

	if !Reclaimable(rec, 10*time.Minute, now) {
		t.Fatal("stale executing record should be reclaimable")
	}
	if Reclaimable(rec, 30*time.Minute, now) {
		t.Fatal("fresh executing record reclaimed")
	}
	rec.Status = StatusSucceeded
	if Reclaimable(rec, 10*time.Minute, now) {
		t.Fatal("terminal record reclaimed")
	}
}

func TestPurgeExpired(t *testing.T) {
	s := openTestStore(t).WithRetention(time.Hour)

	base := time.Now().UTC().Add(-48 * time.Hour)
	s.withNow(func() time.Time { return base })
	if _, err := s.TryAcquireLock("evt-old"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if err := s.MarkCompleted("evt-old"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	// Unfinished records survive GC even past the horizon.
	if _, err := s.TryAcquireLock("evt-old-partial"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if err := s.MarkPartialFailure("evt-old-partial", "boom"); err != nil {
		t.Fatalf("MarkPartialFailure: %v", err)
	}

	s.withNow(time.Now)
	if _, err := s.TryAcquireLock("evt-new"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}

	n, err := s.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
	if rec, _ := s.Get("evt-old"); rec != nil {
		t.Fatal("expired terminal record survived purge")
	}
	if rec, _ := s.Get("evt-old-partial"); rec == nil {
		t.Fatal("retryable record purged")
	}
	if rec, _ := s.Get("evt-new"); rec == nil {
		t.Fatal("fresh record purged")
	}
}

func TestCountByStatusAndStuck(t *testing.T) {
	s := openTestStore(t)

	past := time.Now().UTC().Add(-time.Hour)
	s.withNow(func() time.Time { return past })
	if _, err := s.TryAcquireLock("evt-stuck"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	st := StatusExecuting
	if err := s.UpdateState("evt-stuck", Patch{Status: &st}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	s.withNow(time.Now)
	if _, err := s.TryAcquireLock("evt-done"); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if err := s.MarkCompleted("evt-done"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	counts, err := s.CountByStatus()
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusExecuting] != 1 || counts[StatusSucceeded] != 1 {
		t.Fatalf("counts %+v", counts)
	}

	stuck, err := s.StuckExecuting(10 * time.Minute)
	if err != nil {
		t.Fatalf("StuckExecuting: %v", err)
	}
	if len(stuck) != 1 || stuck[0].EventID != "evt-stuck" {
		t.Fatalf("stuck %+v", stuck)
	}
}
