// Package executor drives the ordered side effects for one captured event:
// durable store write, notification dispatch, chat acknowledgment. It owns
// the idempotency contract (at most one successful execution per event under
// at-least-once delivery) by consulting the execution record store before
// every step and resuming past whatever already succeeded.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inklet/inklet/pkg/backoff"
	"github.com/inklet/inklet/pkg/channels"
	"github.com/inklet/inklet/pkg/knowledge"
	"github.com/inklet/inklet/pkg/logger"
	"github.com/inklet/inklet/pkg/plan"
	"github.com/inklet/inklet/pkg/receipt"
	"github.com/inklet/inklet/pkg/record"
)

// DurableStore is the revision-controlled content store the store step
// writes through.
type DurableStore interface {
	LatestRevision() (string, error)
	Write(path, content string, mode knowledge.WriteMode, parentRevision string) (string, error)
	Adopt(path, content string) (string, error)
}

// NotifySender dispatches one notification and returns the provider message
// id.
type NotifySender interface {
	Send(ctx context.Context, subject, body, recipient string) (string, error)
}

// PlanValidator gates plans before any side effect.
type PlanValidator interface {
	Validate(p *plan.Plan) (bool, []plan.FieldError)
}

// Metadata carries event context that is not part of the plan.
type Metadata struct {
	Source    string
	SenderID  string
	Recipient string
}

// ExecutionResult is what Execute hands back to the caller. Errors are
// reported here, never panicked or rethrown: the caller decides whether to
// redeliver.
type ExecutionResult struct {
	Success          bool
	Contention       bool
	CommitID         string
	ReceiptID        string
	ChatReplyID      string
	NotifyMessageID  string
	Err              string
	ValidationErrors []plan.FieldError
	CompletedSteps   record.CompletedSteps
}

// Options tune an Executor.
type Options struct {
	Policy backoff.Policy
	// Recipient is the notification address used when metadata carries none.
	Recipient string
	// StaleAfter is how old an executing record's last update must be before
	// a new attempt may reclaim it from a crashed worker.
	StaleAfter time.Duration
	NowFn      func() time.Time
}

// Executor orchestrates the three pipeline steps for one event at a time.
// Many events may execute concurrently across independent Executors or
// goroutines; within one event the pipeline is strictly sequential.
type Executor struct {
	records    *record.Store
	ledger     *receipt.Ledger
	store      DurableStore
	notifier   NotifySender
	chat       channels.ChatClient
	validator  PlanValidator
	policy     backoff.Policy
	recipient  string
	staleAfter time.Duration
	nowFn      func() time.Time
}

func New(records *record.Store, ledger *receipt.Ledger, store DurableStore, notifier NotifySender, chat channels.ChatClient, validator PlanValidator, opts Options) *Executor {
	policy := opts.Policy
	if policy.MaxAttempts == 0 {
		policy = backoff.DefaultPolicy()
	}
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	staleAfter := opts.StaleAfter
	if staleAfter == 0 {
		staleAfter = 15 * time.Minute
	}

	return &Executor{
		records:    records,
		ledger:     ledger,
		store:      store,
		notifier:   notifier,
		chat:       chat,
		validator:  validator,
		policy:     policy,
		recipient:  opts.Recipient,
		staleAfter: staleAfter,
		nowFn:      nowFn,
	}
}

// Execute runs the pipeline for one event. Calling it again with the same
// eventID is the retry entry point: the only behavioral difference from a
// fresh call is which steps are skipped.
func (e *Executor) Execute(ctx context.Context, eventID string, p *plan.Plan, ack channels.ChatTarget, meta Metadata) ExecutionResult {
	if valid, verrs := e.validator.Validate(p); !valid {
		return e.rejectInvalid(ctx, eventID, p, ack, verrs)
	}

	acq, err := e.records.TryAcquireLock(eventID)
	if err != nil {
		return ExecutionResult{Err: fmt.Sprintf("acquire execution record: %v", err)}
	}

	rec := acq.Record
	if !acq.Acquired {
		switch {
		case rec.Status == record.StatusSucceeded:
			// Redelivery of a finished event: report the prior outcome, touch
			// nothing.
			return ExecutionResult{
				Success:         true,
				CommitID:        rec.CommitID,
				ChatReplyID:     rec.ChatReplyID,
				NotifyMessageID: rec.NotifyMessageID,
				CompletedSteps:  rec.Completed(),
			}
		case rec.Status == record.StatusFailedPermanent:
			return ExecutionResult{
				Err:            "event previously failed permanently: " + rec.LastError,
				CompletedSteps: rec.Completed(),
			}
		case record.CanRetry(rec):
			// Reopen the partial failure and resume.
		case record.Reclaimable(rec, e.staleAfter, e.nowFn()):
			logger.WarnCF("executor", "Reclaiming stale executing record", map[string]interface{}{
				"event_id":   eventID,
				"updated_at": rec.UpdatedAt.Format(time.RFC3339),
			})
		default:
			return ExecutionResult{
				Contention:     true,
				Err:            "event is already being executed",
				CompletedSteps: rec.Completed(),
			}
		}
	}

	completed := rec.Completed()
	statuses := []record.Status{record.StatusExecuting}
	if acq.Acquired {
		statuses = []record.Status{record.StatusPlanned, record.StatusExecuting}
	}
	if err := e.transition(eventID, statuses...); err != nil {
		return ExecutionResult{Err: err.Error(), CompletedSteps: completed}
	}

	return e.runSteps(ctx, eventID, p, ack, meta, completed)
}

func (e *Executor) transition(eventID string, statuses ...record.Status) error {
	for _, st := range statuses {
		s := st
		if err := e.records.UpdateState(eventID, record.Patch{Status: &s}); err != nil {
			return fmt.Errorf("record transition to %s: %w", st, err)
		}
	}
	return nil
}

func (e *Executor) runSteps(ctx context.Context, eventID string, p *plan.Plan, ack channels.ChatTarget, meta Metadata, completed record.CompletedSteps) ExecutionResult {
	res := ExecutionResult{CompletedSteps: completed}
	var actions []receipt.Action
	var files []string
	for _, op := range p.Operations {
		files = append(files, op.Path)
	}

	// Step 1: durable store write. Retried wholesale on resume; operation
	// contents are deterministic per event, so re-running a partially
	// committed batch converges instead of duplicating.
	if completed.Store {
		actions = append(actions, receipt.Action{Type: "store", Status: receipt.ActionSkipped, Details: "already committed"})
		rec, _ := e.records.Get(eventID)
		if rec != nil {
			res.CommitID = rec.CommitID
		}
	} else {
		commitID, err := e.storeStep(eventID, p)
		if err != nil {
			return e.failStep(ctx, eventID, ack, res, actions, "store", err)
		}
		res.CommitID = commitID
		res.CompletedSteps.Store = true
		completed.Store = true
		actions = append(actions, receipt.Action{Type: "store", Status: receipt.ActionSuccess, Details: "commit " + commitID})
	}

	// Step 2: notification dispatch, only for plans that carry one.
	switch {
	case completed.Notify:
		actions = append(actions, receipt.Action{Type: "notify", Status: receipt.ActionSkipped, Details: "already sent"})
	case !p.Notifiable():
		_ = e.records.MarkStep(eventID, record.StepNotify, record.StepSkipped)
		res.CompletedSteps.Notify = true
		completed.Notify = true
		actions = append(actions, receipt.Action{Type: "notify", Status: receipt.ActionSkipped, Details: "not applicable"})
	default:
		msgID, err := e.notifyStep(ctx, eventID, p, meta)
		if err != nil {
			return e.failStep(ctx, eventID, ack, res, actions, "notify", err)
		}
		res.NotifyMessageID = msgID
		res.CompletedSteps.Notify = true
		completed.Notify = true
		actions = append(actions, receipt.Action{Type: "notify", Status: receipt.ActionSuccess, Details: "message " + msgID})
	}

	// Step 3: chat acknowledgment referencing the store revision.
	if completed.Chat {
		actions = append(actions, receipt.Action{Type: "chat", Status: receipt.ActionSkipped, Details: "already acknowledged"})
	} else {
		replyID, err := e.chatStep(ctx, eventID, p, ack, res)
		if err != nil {
			return e.failStep(ctx, eventID, ack, res, actions, "chat", err)
		}
		res.ChatReplyID = replyID
		res.CompletedSteps.Chat = true
		actions = append(actions, receipt.Action{Type: "chat", Status: receipt.ActionSuccess, Details: "reply " + replyID})
	}

	rcpt := receipt.Receipt{
		ID:             uuid.NewString(),
		EventID:        eventID,
		Timestamp:      e.nowFn().UTC(),
		Classification: string(p.Classification),
		Confidence:     p.Confidence,
		Actions:        actions,
		Files:          files,
		CommitID:       res.CommitID,
		Summary:        p.Summary,
	}
	if err := e.ledger.Append(rcpt); err != nil {
		// The side effects are done; a ledger write failure must not flip the
		// event back to retryable or it would re-execute nothing and loop.
		logger.ErrorCF("executor", "Failed to append receipt", map[string]interface{}{
			"event_id": eventID,
			"error":    err.Error(),
		})
	} else {
		res.ReceiptID = rcpt.ID
	}

	if err := e.records.MarkCompleted(eventID); err != nil {
		logger.ErrorCF("executor", "Failed to mark record completed", map[string]interface{}{
			"event_id": eventID,
			"error":    err.Error(),
		})
	}

	res.Success = true
	logger.InfoCF("executor", "Event executed", map[string]interface{}{
		"event_id":       eventID,
		"classification": string(p.Classification),
		"commit_id":      res.CommitID,
	})
	return res
}

// storeStep runs the plan's operations strictly in order, reading the latest
// revision immediately before each write to keep the optimistic-concurrency
// window small.
func (e *Executor) storeStep(eventID string, p *plan.Plan) (string, error) {
	if err := e.records.MarkStep(eventID, record.StepStore, record.StepInProgress); err != nil {
		return "", err
	}

	var commitID string
	for i, op := range p.Operations {
		parent, err := e.store.LatestRevision()
		if err != nil {
			return "", fmt.Errorf("store operation %d: %w", i, err)
		}
		rev, err := e.store.Write(op.Path, op.Content, knowledge.WriteMode(op.Mode), parent)
		if errors.Is(err, knowledge.ErrExists) {
			// A crashed earlier attempt wrote this file but may have died
			// before committing it. Item paths are derived from the event
			// id, so the file is this event's own write; adopt it so the
			// recorded revision actually contains the item.
			logger.InfoCF("executor", "Adopting store operation left by an earlier attempt", map[string]interface{}{
				"event_id": eventID,
				"path":     op.Path,
			})
			rev, err = e.store.Adopt(op.Path, op.Content)
		}
		if err != nil {
			return "", fmt.Errorf("store operation %d (%s %s): %w", i, op.Mode, op.Path, err)
		}
		commitID = rev
	}

	if err := e.records.UpdateState(eventID, record.Patch{CommitID: &commitID}); err != nil {
		return "", err
	}
	if err := e.records.MarkStep(eventID, record.StepStore, record.StepSucceeded); err != nil {
		return "", err
	}
	return commitID, nil
}

func (e *Executor) notifyStep(ctx context.Context, eventID string, p *plan.Plan, meta Metadata) (string, error) {
	if err := e.records.MarkStep(eventID, record.StepNotify, record.StepInProgress); err != nil {
		return "", err
	}

	recipient := meta.Recipient
	if recipient == "" {
		recipient = e.recipient
	}
	if recipient == "" {
		return "", fmt.Errorf("notify: no recipient configured")
	}

	var msgID string
	err := backoff.RetryRateLimited(ctx, e.policy, func() error {
		var sendErr error
		msgID, sendErr = e.notifier.Send(ctx, p.Notification.Subject, p.Notification.Body, recipient)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("notify: %w", err)
	}

	if err := e.records.UpdateState(eventID, record.Patch{NotifyMessageID: &msgID}); err != nil {
		return "", err
	}
	if err := e.records.MarkStep(eventID, record.StepNotify, record.StepSucceeded); err != nil {
		return "", err
	}
	return msgID, nil
}

func (e *Executor) chatStep(ctx context.Context, eventID string, p *plan.Plan, ack channels.ChatTarget, res ExecutionResult) (string, error) {
	if err := e.records.MarkStep(eventID, record.StepChat, record.StepInProgress); err != nil {
		return "", err
	}

	text := confirmationText(p, res)
	var replyID string
	err := backoff.RetryRateLimited(ctx, e.policy, func() error {
		var postErr error
		replyID, postErr = e.chat.PostMessage(ctx, ack, text)
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("chat ack: %w", err)
	}

	if err := e.records.UpdateState(eventID, record.Patch{ChatReplyID: &replyID}); err != nil {
		return "", err
	}
	if err := e.records.MarkStep(eventID, record.StepChat, record.StepSucceeded); err != nil {
		return "", err
	}
	return replyID, nil
}

// failStep downgrades a mid-pipeline error into a persisted partial failure
// and a failed result. The error is never rethrown; redelivery is the
// caller's decision.
func (e *Executor) failStep(ctx context.Context, eventID string, ack channels.ChatTarget, res ExecutionResult, actions []receipt.Action, step string, stepErr error) ExecutionResult {
	_ = e.records.MarkStep(eventID, record.Step(step), record.StepFailed)
	if err := e.records.MarkPartialFailure(eventID, stepErr.Error()); err != nil {
		logger.ErrorCF("executor", "Failed to persist partial failure", map[string]interface{}{
			"event_id": eventID,
			"error":    err.Error(),
		})
	}

	logger.WarnCF("executor", "Step failed, event left retryable", map[string]interface{}{
		"event_id": eventID,
		"step":     step,
		"error":    stepErr.Error(),
	})

	// A single generic error reply, suppressed when the chat step already
	// succeeded so the user never sees contradictory messages.
	if !res.CompletedSteps.Chat {
		if _, postErr := e.chat.PostMessage(ctx, ack, "Sorry, I couldn't finish processing that message. I'll keep what already succeeded and retry the rest."); postErr != nil {
			logger.WarnCF("executor", "Best-effort error reply failed", map[string]interface{}{
				"event_id": eventID,
				"error":    postErr.Error(),
			})
		}
	}

	res.Success = false
	res.Err = step + ": " + stepErr.Error()
	return res
}

// rejectInvalid handles plans that fail validation: a best-effort reply with
// the field errors, a failure receipt, a permanently failed record, and zero
// other side effects.
func (e *Executor) rejectInvalid(ctx context.Context, eventID string, p *plan.Plan, ack channels.ChatTarget, verrs []plan.FieldError) ExecutionResult {
	res := ExecutionResult{ValidationErrors: verrs}

	acq, err := e.records.TryAcquireLock(eventID)
	if err != nil {
		res.Err = fmt.Sprintf("acquire execution record: %v", err)
		return res
	}
	if !acq.Acquired {
		rec := acq.Record
		switch {
		case rec.Status.Terminal():
			// Redelivery of an already-settled event; the receipt exists.
			res.Err = "plan failed validation"
			return res
		case record.CanRetry(rec) || record.Reclaimable(rec, e.staleAfter, e.nowFn()):
			// Reopen and settle it permanently below.
		default:
			// Another worker owns the record; it will post the reply and
			// append the receipt.
			res.Contention = true
			res.Err = "event is already being executed"
			return res
		}
	}

	if _, postErr := e.chat.PostMessage(ctx, ack, validationReplyText(verrs)); postErr != nil {
		logger.WarnCF("executor", "Best-effort validation reply failed", map[string]interface{}{
			"event_id": eventID,
			"error":    postErr.Error(),
		})
	}

	errMsg := validationErrMsg(verrs)
	if err := e.records.MarkFailedPermanent(eventID, errMsg); err != nil {
		logger.ErrorCF("executor", "Failed to mark record failed", map[string]interface{}{
			"event_id": eventID,
			"error":    err.Error(),
		})
	}

	rcpt := receipt.Receipt{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Timestamp: e.nowFn().UTC(),
		Actions: []receipt.Action{
			{Type: "validate", Status: receipt.ActionFailed, Details: errMsg},
		},
		Summary: "plan rejected by validation",
	}
	if p != nil {
		rcpt.Classification = string(p.Classification)
		rcpt.Confidence = p.Confidence
	}
	if appendErr := e.ledger.Append(rcpt); appendErr != nil {
		logger.ErrorCF("executor", "Failed to append validation receipt", map[string]interface{}{
			"event_id": eventID,
			"error":    appendErr.Error(),
		})
	} else {
		res.ReceiptID = rcpt.ID
	}

	res.Err = "plan failed validation"
	return res
}

func validationErrMsg(verrs []plan.FieldError) string {
	parts := make([]string, 0, len(verrs))
	for _, v := range verrs {
		parts = append(parts, v.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func validationReplyText(verrs []plan.FieldError) string {
	var b strings.Builder
	b.WriteString("Sorry, I couldn't process that message:\n")
	for _, v := range verrs {
		b.WriteString("• " + v.Field + ": " + v.Message + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func confirmationText(p *plan.Plan, res ExecutionResult) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Captured as %s", p.Classification))
	if p.Title != "" {
		b.WriteString(": " + p.Title)
	}
	if res.CommitID != "" {
		b.WriteString(fmt.Sprintf(" (rev %s)", shortRev(res.CommitID)))
	}
	if res.NotifyMessageID != "" {
		b.WriteString("\nNotification sent.")
	}
	return b.String()
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
