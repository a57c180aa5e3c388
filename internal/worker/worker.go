// Package worker drains the durable queue onto the control link. It is the
// glue between internal/queue (storage) and internal/control (transport):
// neither package knows about the other, so a Worker is what actually moves
// data off disk and onto the wire.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldscout/agent/internal/backoff"
	"github.com/fieldscout/agent/internal/queue"
)

// pollInterval is how often the drain loop checks the queue when the
// control link is down, the last batch was empty, or the last batch sent
// cleanly.
const pollInterval = 5 * time.Second

// gcInterval is how often expired/exhausted envelopes are swept and old
// terminal rows reaped.
const gcInterval = 1 * time.Hour

// batchSize matches the original agent's flush batch size — large enough to
// catch up quickly after a reconnect without holding the single SQLite
// writer connection for too long in one transaction.
const batchSize = 100

// drainBatchSize is the steady-state drain loop's batch size — smaller than
// batchSize so a connected worker interleaves sends with the send delay
// instead of holding a large transaction open.
const drainBatchSize = 10

// sendDelay is the pause between individual deliveries within a drain batch,
// spreading sends out instead of flooding the control link.
const sendDelay = 100 * time.Millisecond

// drainBackoff configures the delay applied after a drain batch with at
// least one failure, distinct from (and shorter-capped than) the
// control-link reconnect backoff.
func drainBackoff() *backoff.Policy {
	return backoff.New(backoff.Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	})
}

// Sender is the minimal control-link surface the worker needs. Satisfied by
// *control.Client.
type Sender interface {
	IsConnected() bool
	SendResult(taskID, status string, data any, errMsg string) error
	SendLog(level, message string) error
	SendMetrics(metrics map[string]any) error
}

// Payload is the JSON shape every queue.Envelope.Payload decodes into before
// being redelivered — it captures enough to pick the right Sender method and
// reconstruct the original frame contents.
type Payload struct {
	Status string         `json:"status,omitempty"`
	Data   any            `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
	Level  string         `json:"level,omitempty"`
	Message string        `json:"message,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Worker periodically drains internal/queue onto a Sender and garbage
// collects the queue on a slower cadence.
type Worker struct {
	q      *queue.Queue
	sender Sender
	logger *zap.Logger

	cleanupAge time.Duration

	// consecutiveFailures counts failed deliveries since the last success,
	// across drain cycles. Only touched by the Run goroutine's drain loop.
	consecutiveFailures int
}

// Config configures a Worker.
type Config struct {
	Queue  *queue.Queue
	Sender Sender
	Logger *zap.Logger
	// CleanupAge bounds how long terminal (sent/expired) rows are retained
	// before ReapOld deletes them. Defaults to 30 days.
	CleanupAge time.Duration
}

// New creates a Worker.
func New(cfg Config) *Worker {
	age := cfg.CleanupAge
	if age <= 0 {
		age = 30 * 24 * time.Hour
	}
	return &Worker{
		q:          cfg.Queue,
		sender:     cfg.Sender,
		logger:     cfg.Logger.Named("worker"),
		cleanupAge: age,
	}
}

// Run drives the drain and GC loops until ctx is cancelled. The drain loop
// pulls drainBatchSize envelopes at a time, pacing deliveries with sendDelay
// and backing off via a dedicated backoff.Policy whenever a batch comes back
// with failures — distinct from FlushAll, which drains without pacing or
// backoff and is meant for on-demand full drains rather than steady-state
// operation.
func (w *Worker) Run(ctx context.Context) {
	gcTicker := time.NewTicker(gcInterval)
	defer gcTicker.Stop()

	bp := drainBackoff()

	drainTimer := time.NewTimer(0)
	defer drainTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gcTicker.C:
			w.runGC(ctx)
		case <-drainTimer.C:
			drainTimer.Reset(w.drainOnce(ctx, bp))
		}
	}
}

// drainOnce runs a single drain cycle and returns how long to wait before
// the next one: pollInterval when disconnected, the batch was empty, or
// every delivery succeeded; otherwise the next backoff tier.
func (w *Worker) drainOnce(ctx context.Context, bp *backoff.Policy) time.Duration {
	if !w.sender.IsConnected() {
		return pollInterval
	}

	envs, err := w.q.Dequeue(ctx, drainBatchSize)
	if err != nil {
		w.logger.Warn("drain dequeue failed", zap.Error(err))
		return pollInterval
	}
	if len(envs) == 0 {
		return pollInterval
	}

	for i, env := range envs {
		if ctx.Err() != nil || !w.sender.IsConnected() {
			if markErr := w.q.MarkFailed(ctx, env.ID, fmt.Errorf("worker: stopped or disconnected")); markErr != nil {
				w.logger.Warn("failed to mark envelope failed", zap.Error(markErr))
			}
			break
		}

		if err := w.deliver(ctx, env); err != nil {
			w.consecutiveFailures++
		} else {
			w.consecutiveFailures = 0
		}

		if i < len(envs)-1 && sendDelay > 0 {
			select {
			case <-ctx.Done():
				return 0
			case <-time.After(sendDelay):
			}
		}
	}

	if w.consecutiveFailures > 0 {
		delay := bp.NextDelay()
		w.logger.Warn("drain backoff after consecutive failures",
			zap.Int("consecutive_failures", w.consecutiveFailures), zap.Duration("delay", delay))
		return delay
	}
	bp.Reset()
	return pollInterval
}

// FlushAll drains every deliverable envelope while the sender stays
// connected, batchSize at a time. The connection is checked before each
// batch; it stops once the connection has dropped, a batch comes back
// empty, or a batch is smaller than batchSize.
func (w *Worker) FlushAll(ctx context.Context) error {
	if !w.sender.IsConnected() {
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !w.sender.IsConnected() {
			return nil
		}

		envs, err := w.q.Dequeue(ctx, batchSize)
		if err != nil {
			return fmt.Errorf("worker: dequeue: %w", err)
		}
		if len(envs) == 0 {
			return nil
		}

		for _, env := range envs {
			_ = w.deliver(ctx, env)
		}

		if len(envs) < batchSize {
			return nil
		}
	}
}

// deliver decodes and sends a single envelope, marking it sent, failed (for
// retry), or expired (terminal) in the queue. It returns the send error, if
// any, so callers that track consecutive failures (the drain loop) can act
// on it; a nil return means the envelope was sent and marked sent.
//
// Unknown message types are not dropped: the spec's kind set can grow, and
// an envelope with a kind this build doesn't recognize is still delivered
// as a result frame, matching how the original worker's send dispatch
// falls back to send_result for anything it doesn't special-case.
func (w *Worker) deliver(ctx context.Context, env queue.Envelope) error {
	var p Payload
	if err := json.Unmarshal([]byte(env.Payload), &p); err != nil {
		w.logger.Error("dropping envelope with unparsable payload", zap.Uint("id", env.ID), zap.Error(err))
		if markErr := w.q.MarkExpired(ctx, env.ID); markErr != nil {
			w.logger.Warn("failed to mark unparsable envelope expired", zap.Error(markErr))
		}
		return err
	}

	var sendErr error
	switch env.MessageType {
	case "result":
		sendErr = w.sender.SendResult(env.TaskID, p.Status, p.Data, p.Error)
	case "log":
		sendErr = w.sender.SendLog(p.Level, p.Message)
	case "metric":
		sendErr = w.sender.SendMetrics(p.Metrics)
	default:
		w.logger.Warn("queued message type not recognized, sending as result",
			zap.String("message_type", env.MessageType), zap.Uint("id", env.ID))
		sendErr = w.sender.SendResult(env.TaskID, p.Status, p.Data, p.Error)
	}

	if sendErr != nil {
		w.logger.Warn("delivery failed, will retry", zap.Uint("id", env.ID), zap.Error(sendErr))
		if markErr := w.q.MarkFailed(ctx, env.ID, sendErr); markErr != nil {
			w.logger.Warn("failed to mark envelope failed", zap.Error(markErr))
		}
		return sendErr
	}

	if markErr := w.q.MarkSent(ctx, env.ID); markErr != nil {
		w.logger.Warn("failed to mark envelope sent", zap.Error(markErr))
	}
	return nil
}

func (w *Worker) runGC(ctx context.Context) {
	if _, _, err := w.q.GCExpired(ctx); err != nil {
		w.logger.Warn("gc expired failed", zap.Error(err))
	}
	if _, err := w.q.ReapOld(ctx, w.cleanupAge); err != nil {
		w.logger.Warn("reap old failed", zap.Error(err))
	}
}
