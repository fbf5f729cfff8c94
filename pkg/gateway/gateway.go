// Package gateway is the consumer side of the message bus: it takes each
// captured event through classification and execution, and decides when a
// failed event deserves another delivery.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/inklet/inklet/pkg/backoff"
	"github.com/inklet/inklet/pkg/bus"
	"github.com/inklet/inklet/pkg/channels"
	"github.com/inklet/inklet/pkg/executor"
	"github.com/inklet/inklet/pkg/logger"
	"github.com/inklet/inklet/pkg/plan"
)

// Planner produces the plan for one inbound message.
type Planner interface {
	Classify(ctx context.Context, msg bus.InboundMessage) (*plan.Plan, error)
}

// Runner executes a plan with idempotency guarantees.
type Runner interface {
	Execute(ctx context.Context, eventID string, p *plan.Plan, ack channels.ChatTarget, meta executor.Metadata) executor.ExecutionResult
}

const (
	defaultWorkers        = 4
	defaultMaxAttempts    = 3
	defaultRedeliverDelay = 5 * time.Second
)

// Options tune the Gateway.
type Options struct {
	// Workers is how many events may execute concurrently. Events race only
	// on the event-id lock, so concurrency across distinct events is safe.
	Workers int
	// MaxAttempts caps in-process deliveries per event, the initial one
	// included.
	MaxAttempts int
	// RedeliverDelay is the pause before a retryable event is republished.
	RedeliverDelay time.Duration
}

type Gateway struct {
	bus     *bus.MessageBus
	planner Planner
	runner  Runner

	workers        int
	maxAttempts    int
	redeliverDelay time.Duration

	wg sync.WaitGroup
}

func New(b *bus.MessageBus, planner Planner, runner Runner, opts Options) *Gateway {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	delay := opts.RedeliverDelay
	if delay < 0 {
		delay = defaultRedeliverDelay
	}

	return &Gateway{
		bus:            b,
		planner:        planner,
		runner:         runner,
		workers:        workers,
		maxAttempts:    maxAttempts,
		redeliverDelay: delay,
	}
}

// Start launches the worker pool. It returns immediately; workers run until
// ctx is canceled or the bus closes. Wait blocks until they drain.
func (g *Gateway) Start(ctx context.Context) {
	logger.InfoCF("gateway", "Starting workers", map[string]interface{}{
		"workers":      g.workers,
		"max_attempts": g.maxAttempts,
	})
	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.workerLoop(ctx)
		}()
	}
}

// Wait blocks until every worker has exited.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

func (g *Gateway) workerLoop(ctx context.Context) {
	for {
		msg, ok := g.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		g.handle(ctx, msg)
	}
}

func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	eventID := msg.EventID
	if eventID == "" {
		// Channels always stamp an id; a missing one means the message came
		// from somewhere that cannot support redelivery dedup, so derive a
		// deterministic one from what we have.
		eventID = channels.EventID(msg.Channel, msg.ChatID, msg.Timestamp.UTC().Format(time.RFC3339Nano))
		msg.EventID = eventID
	}

	logger.DebugCF("gateway", "Handling event", map[string]interface{}{
		"event_id": eventID,
		"attempt":  msg.Attempt,
	})

	p, err := g.planner.Classify(ctx, msg)
	if err != nil {
		g.handleClassifyFailure(ctx, msg, err)
		return
	}

	ack := channels.ChatTarget{Channel: msg.Channel, ChatID: msg.ChatID, ThreadRef: msg.ThreadRef}
	meta := executor.Metadata{Source: msg.Channel, SenderID: msg.SenderID}

	res := g.runner.Execute(ctx, eventID, p, ack, meta)
	switch {
	case res.Success:
		logger.InfoCF("gateway", "Event completed", map[string]interface{}{
			"event_id":  eventID,
			"commit_id": res.CommitID,
		})
	case res.Contention:
		// Another worker owns the record; that execution will settle it.
		logger.DebugCF("gateway", "Event already in flight elsewhere", map[string]interface{}{
			"event_id": eventID,
		})
	case len(res.ValidationErrors) > 0:
		// Settled permanently by the executor; retrying would reproduce the
		// same invalid plan.
		logger.WarnCF("gateway", "Event rejected by validation", map[string]interface{}{
			"event_id": eventID,
			"errors":   len(res.ValidationErrors),
		})
	default:
		g.maybeRedeliver(ctx, msg, res.Err)
	}
}

// handleClassifyFailure deals with errors before any side effect exists.
// Classification is pure, so redelivery is always safe here; only the
// attempt cap and error kind decide.
func (g *Gateway) handleClassifyFailure(ctx context.Context, msg bus.InboundMessage, err error) {
	if _, ok := backoff.AsRateLimited(err); ok {
		logger.WarnCF("gateway", "Classifier rate limited", map[string]interface{}{
			"event_id": msg.EventID,
			"attempt":  msg.Attempt,
		})
		g.maybeRedeliver(ctx, msg, err.Error())
		return
	}

	logger.ErrorCF("gateway", "Classification failed", map[string]interface{}{
		"event_id": msg.EventID,
		"error":    err.Error(),
	})
	reply := bus.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		ThreadRef: msg.ThreadRef,
		Content:   "Sorry, I couldn't process that message right now. Please try again.",
	}
	if pubErr := g.bus.PublishOutbound(ctx, reply); pubErr != nil {
		logger.WarnCF("gateway", "Failed to send classify error reply", map[string]interface{}{
			"event_id": msg.EventID,
			"error":    pubErr.Error(),
		})
	}
}

func (g *Gateway) maybeRedeliver(ctx context.Context, msg bus.InboundMessage, reason string) {
	if msg.Attempt+1 >= g.maxAttempts {
		logger.ErrorCF("gateway", "Event exhausted delivery attempts", map[string]interface{}{
			"event_id": msg.EventID,
			"attempts": msg.Attempt + 1,
			"error":    reason,
		})
		return
	}

	logger.WarnCF("gateway", "Scheduling redelivery", map[string]interface{}{
		"event_id": msg.EventID,
		"attempt":  msg.Attempt + 1,
		"delay":    g.redeliverDelay.String(),
	})

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if g.redeliverDelay > 0 {
			select {
			case <-time.After(g.redeliverDelay):
			case <-ctx.Done():
				return
			}
		}
		if err := g.bus.Redeliver(ctx, msg); err != nil {
			logger.WarnCF("gateway", "Redelivery failed", map[string]interface{}{
				"event_id": msg.EventID,
				"error":    err.Error(),
			})
		}
	}()
}
