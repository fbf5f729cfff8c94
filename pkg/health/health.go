// Package health reports on the execution pipeline: record counts by status,
// receipts written, events stuck mid-execution, and partial failures waiting
// for retry. A cron-scheduled heartbeat runs the check periodically so a
// silent wedge shows up in the logs instead of being discovered days later.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/inklet/inklet/pkg/logger"
	"github.com/inklet/inklet/pkg/receipt"
	"github.com/inklet/inklet/pkg/record"
)

const defaultStaleAfter = 15 * time.Minute

// Report is one snapshot of pipeline health.
type Report struct {
	Timestamp       time.Time             `json:"timestamp"`
	Records         map[record.Status]int `json:"records"`
	ReceiptCount    int                   `json:"receipt_count"`
	StuckExecuting  []string              `json:"stuck_executing,omitempty"`
	PartialFailures int                   `json:"partial_failures"`
	Problems        []string              `json:"problems,omitempty"`
}

// Healthy reports whether the snapshot found nothing worth flagging.
func (r *Report) Healthy() bool {
	return len(r.Problems) == 0
}

// Checker computes health reports from the record store and receipt ledger.
type Checker struct {
	records    *record.Store
	ledger     *receipt.Ledger
	staleAfter time.Duration
	nowFn      func() time.Time
}

func NewChecker(records *record.Store, ledger *receipt.Ledger) *Checker {
	return &Checker{
		records:    records,
		ledger:     ledger,
		staleAfter: defaultStaleAfter,
		nowFn:      time.Now,
	}
}

// WithStaleAfter overrides how long an executing record may go without an
// update before it is flagged.
func (c *Checker) WithStaleAfter(d time.Duration) *Checker {
	if d > 0 {
		c.staleAfter = d
	}
	return c
}

// Check runs one snapshot.
func (c *Checker) Check() (*Report, error) {
	counts, err := c.records.CountByStatus()
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	stuck, err := c.records.StuckExecuting(c.staleAfter)
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	receipts, err := c.ledger.All()
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	report := &Report{
		Timestamp:       c.nowFn().UTC(),
		Records:         counts,
		ReceiptCount:    len(receipts),
		PartialFailures: counts[record.StatusPartialFailure],
	}
	for _, rec := range stuck {
		report.StuckExecuting = append(report.StuckExecuting, rec.EventID)
	}

	if n := len(report.StuckExecuting); n > 0 {
		report.Problems = append(report.Problems,
			fmt.Sprintf("%d record(s) stuck in executing for over %s", n, c.staleAfter))
	}
	if report.PartialFailures > 0 {
		report.Problems = append(report.Problems,
			fmt.Sprintf("%d event(s) in partial_failure awaiting retry", report.PartialFailures))
	}
	if succeeded := counts[record.StatusSucceeded]; succeeded > len(receipts) {
		// Every successful execution appends a receipt before the record
		// flips to succeeded; a gap means receipt writes are being lost.
		report.Problems = append(report.Problems,
			fmt.Sprintf("%d succeeded record(s) but only %d receipt(s)", succeeded, len(receipts)))
	}

	return report, nil
}

// Heartbeat runs the checker on a cron schedule.
type Heartbeat struct {
	checker *Checker
	expr    string
	gron    *gronx.Gronx
	// OnReport, when set, receives every snapshot after it is logged.
	OnReport func(*Report)
}

// NewHeartbeat validates expr and builds the heartbeat. An empty expr
// defaults to every ten minutes.
func NewHeartbeat(checker *Checker, expr string) (*Heartbeat, error) {
	if expr == "" {
		expr = "*/10 * * * *"
	}
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return nil, fmt.Errorf("invalid heartbeat schedule: %q", expr)
	}
	return &Heartbeat{checker: checker, expr: expr, gron: gron}, nil
}

// Start blocks, waking every minute and running a check when the schedule is
// due. It returns when ctx is canceled.
func (h *Heartbeat) Start(ctx context.Context) {
	logger.InfoCF("health", "Heartbeat started", map[string]interface{}{
		"schedule": h.expr,
	})

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := h.gron.IsDue(h.expr, now)
			if err != nil || !due {
				continue
			}
			h.run()
		}
	}
}

func (h *Heartbeat) run() {
	report, err := h.checker.Check()
	if err != nil {
		logger.ErrorCF("health", "Heartbeat check failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	fields := map[string]interface{}{
		"receipts":         report.ReceiptCount,
		"partial_failures": report.PartialFailures,
		"stuck":            len(report.StuckExecuting),
	}
	if report.Healthy() {
		logger.InfoCF("health", "Pipeline healthy", fields)
	} else {
		fields["problems"] = report.Problems
		logger.WarnCF("health", "Pipeline has problems", fields)
	}

	if h.OnReport != nil {
		h.OnReport(report)
	}
}
