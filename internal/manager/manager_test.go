package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldscout/agent/internal/connstate"
	"github.com/fieldscout/agent/internal/control"
	"github.com/fieldscout/agent/internal/fallback"
	"github.com/fieldscout/agent/internal/queue"
	"github.com/fieldscout/agent/internal/worker"
)

func newTestManager(t *testing.T) (*Manager, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "q.db"), Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	var mgr *Manager
	fsm := connstate.New(connstate.Config{
		OnSFTPRequired: func() bool { return mgr.OnSFTPRequired() },
	})

	uploader := fallback.New("agent-1", fallback.Config{Enabled: false}, zap.NewNop())
	client := control.New(control.Config{ServerURL: "http://example.invalid", AgentID: "agent-1"}, fsm, zap.NewNop(), nil)
	w := worker.New(worker.Config{Queue: q, Sender: client, Logger: zap.NewNop()})

	mgr = New(Config{FSM: fsm, Control: client, Worker: w, Uploader: uploader, Queue: q, Logger: zap.NewNop()})
	return mgr, q
}

func TestOnSFTPRequiredNoopWhenQueueEmpty(t *testing.T) {
	mgr, _ := newTestManager(t)
	assert.True(t, mgr.OnSFTPRequired())
}

func TestOnSFTPRequiredFailsWhenUploadDisabledButQueueNonEmpty(t *testing.T) {
	mgr, q := newTestManager(t)
	_, err := q.Enqueue(context.Background(), "task-1", "result", `{"status":"success"}`, 0)
	require.NoError(t, err)

	assert.False(t, mgr.OnSFTPRequired())
}

func TestMonitorLoopReturnsOnCancelWithoutChangingState(t *testing.T) {
	mgr, _ := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		mgr.monitorLoop(ctx)
		close(done)
	}()
	<-done

	assert.Equal(t, connstate.Disconnected, mgr.fsm.State())
}
