// Package record persists one execution record per captured event and acts as
// the idempotency guard for the executor: an atomic conditional create decides
// which worker owns an event, and per-step statuses make retries resumable.
package record

import "time"

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusReceived        Status = "received"
	StatusPlanned         Status = "planned"
	StatusExecuting       Status = "executing"
	StatusPartialFailure  Status = "partial_failure"
	StatusSucceeded       Status = "succeeded"
	StatusFailedPermanent Status = "failed_permanent"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedPermanent
}

// StepStatus is the state of one pipeline step within a record.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepSucceeded  StepStatus = "succeeded"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Step names the three ordered pipeline steps.
type Step string

const (
	StepStore  Step = "store"
	StepNotify Step = "notify"
	StepChat   Step = "chat"
)

// Record is one event's progress through the pipeline.
type Record struct {
	EventID         string
	Status          Status
	StepStoreState  StepStatus
	StepNotifyState StepStatus
	StepChatState   StepStatus
	LastError       string
	CommitID        string
	NotifyMessageID string
	ChatReplyID     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// StepState returns the status of the named step.
func (r *Record) StepState(step Step) StepStatus {
	switch step {
	case StepStore:
		return r.StepStoreState
	case StepNotify:
		return r.StepNotifyState
	case StepChat:
		return r.StepChatState
	}
	return StepPending
}

// CompletedSteps is the derived view of which steps already reached a state
// that must not be re-executed (succeeded or deliberately skipped).
type CompletedSteps struct {
	Store  bool `json:"store"`
	Notify bool `json:"notify"`
	Chat   bool `json:"chat"`
}

// Completed derives the skip set from the record's step statuses.
func (r *Record) Completed() CompletedSteps {
	done := func(s StepStatus) bool { return s == StepSucceeded || s == StepSkipped }
	return CompletedSteps{
		Store:  done(r.StepStoreState),
		Notify: done(r.StepNotifyState),
		Chat:   done(r.StepChatState),
	}
}

// CanRetry reports whether a subsequent invocation may reopen this record.
func CanRetry(r *Record) bool {
	return r.Status == StatusPartialFailure
}

// Reclaimable reports whether an executing record was abandoned by a crashed
// or timed-out worker and may be taken over, judged by how stale its last
// update is.
func Reclaimable(r *Record, staleAfter time.Duration, now time.Time) bool {
	if r.Status != StatusExecuting || staleAfter <= 0 {
		return false
	}
	return now.Sub(r.UpdatedAt) > staleAfter
}
