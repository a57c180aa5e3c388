package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldscout/agent/internal/queue"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	results   []string
	logs      []string
	failNext  bool
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) SendResult(taskID, status string, data any, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return assert.AnError
	}
	f.results = append(f.results, taskID)
	return nil
}

func (f *fakeSender) SendLog(level, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, message)
	return nil
}

func (f *fakeSender) SendMetrics(metrics map[string]any) error { return nil }

func newTestWorker(t *testing.T, sender Sender) (*Worker, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "q.db"), Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	w := New(Config{Queue: q, Sender: sender, Logger: zap.NewNop()})
	return w, q
}

func mustPayload(t *testing.T, p Payload) string {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return string(b)
}

func TestFlushAllDoesNothingWhenDisconnected(t *testing.T) {
	sender := &fakeSender{connected: false}
	w, q := newTestWorker(t, sender)

	_, err := q.Enqueue(context.Background(), "task-1", "result", mustPayload(t, Payload{Status: "success"}), 0)
	require.NoError(t, err)

	require.NoError(t, w.FlushAll(context.Background()))
	assert.Empty(t, sender.results)
}

func TestFlushAllDeliversAndMarksSent(t *testing.T) {
	sender := &fakeSender{connected: true}
	w, q := newTestWorker(t, sender)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "task-1", "result", mustPayload(t, Payload{Status: "success"}), 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "", "log", mustPayload(t, Payload{Level: "info", Message: "hello"}), 0)
	require.NoError(t, err)

	require.NoError(t, w.FlushAll(ctx))

	assert.Equal(t, []string{"task-1"}, sender.results)
	assert.Equal(t, []string{"hello"}, sender.logs)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Sent)
	assert.EqualValues(t, 0, stats.Pending)
}

func TestFlushAllRetriesOnSendFailure(t *testing.T) {
	sender := &fakeSender{connected: true, failNext: true}
	w, q := newTestWorker(t, sender)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "task-1", "result", mustPayload(t, Payload{Status: "success"}), 0)
	require.NoError(t, err)

	require.NoError(t, w.FlushAll(ctx))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.Empty(t, sender.results)

	env, err := q.GetByTaskID(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, 1, env.Attempts)
}

func TestDeliverDropsUnparsablePayload(t *testing.T) {
	sender := &fakeSender{connected: true}
	w, q := newTestWorker(t, sender)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "task-1", "result", "not json", 0)
	require.NoError(t, err)

	require.NoError(t, w.FlushAll(ctx))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Expired)
}

func TestDeliverSendsUnrecognizedKindAsResult(t *testing.T) {
	sender := &fakeSender{connected: true}
	w, q := newTestWorker(t, sender)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "task-1", "heartbeat", mustPayload(t, Payload{Status: "success"}), 0)
	require.NoError(t, err)

	require.NoError(t, w.FlushAll(ctx))

	assert.Equal(t, []string{"task-1"}, sender.results)
	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Sent)
}

func TestDrainOnceDeliversBatchAtPollIntervalWhenClean(t *testing.T) {
	sender := &fakeSender{connected: true}
	w, q := newTestWorker(t, sender)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "task-1", "result", mustPayload(t, Payload{Status: "success"}), 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "task-2", "metric", mustPayload(t, Payload{Metrics: map[string]any{"n": 1}}), 0)
	require.NoError(t, err)

	wait := w.drainOnce(ctx, drainBackoff())

	assert.Equal(t, pollInterval, wait)
	assert.Equal(t, 0, w.consecutiveFailures)
	assert.ElementsMatch(t, []string{"task-1"}, sender.results)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Sent)
}

func TestDrainOnceBacksOffAfterFailure(t *testing.T) {
	sender := &fakeSender{connected: true, failNext: true}
	w, q := newTestWorker(t, sender)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "task-1", "result", mustPayload(t, Payload{Status: "success"}), 0)
	require.NoError(t, err)

	wait := w.drainOnce(ctx, drainBackoff())

	assert.Equal(t, 1, w.consecutiveFailures)
	assert.Less(t, wait, pollInterval)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
}

func TestDrainOnceSkipsWhenDisconnected(t *testing.T) {
	sender := &fakeSender{connected: false}
	w, q := newTestWorker(t, sender)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "task-1", "result", mustPayload(t, Payload{Status: "success"}), 0)
	require.NoError(t, err)

	wait := w.drainOnce(ctx, drainBackoff())

	assert.Equal(t, pollInterval, wait)
	assert.Empty(t, sender.results)
}
