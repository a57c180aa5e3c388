package command

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldscout/agent/internal/queue"
)

func TestHandleUnknownAction(t *testing.T) {
	d := New(zap.NewNop())
	res := d.Handle(context.Background(), "cmd-1", "does_not_exist", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "error", res.Status)
}

func TestRegisterAndHandle(t *testing.T) {
	d := New(zap.NewNop())
	d.Register("echo", func(ctx context.Context, params map[string]any) Result {
		return ok(params["msg"])
	})

	res := d.Handle(context.Background(), "cmd-1", "echo", map[string]any{"msg": "hi"})
	assert.True(t, res.Success)
	assert.Equal(t, "hi", res.Data)
}

func TestRegisterProbesFallsBackToNotImplemented(t *testing.T) {
	d := New(zap.NewNop())
	RegisterProbes(d, Adapters{})

	res := d.Handle(context.Background(), "cmd-1", "port_scan", map[string]any{"target": "10.0.0.1"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not implemented")
}

func TestRegisterProbesUsesInjectedAdapter(t *testing.T) {
	d := New(zap.NewNop())
	called := false
	RegisterProbes(d, Adapters{
		PortScan: func(ctx context.Context, target string, creds Credentials) (ProbeResult, error) {
			called = true
			return ProbeResult{Success: true, Status: "success", Data: map[string]any{"open_ports": []int{22, 80}}}, nil
		},
	})

	res := d.Handle(context.Background(), "cmd-1", "port_scan", map[string]any{"target": "10.0.0.1"})
	assert.True(t, called)
	assert.True(t, res.Success)
}

func TestRegisterBuiltinsCleanupQueue(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.Open(queue.Config{Path: filepath.Join(dir, "q.db"), Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	d := New(zap.NewNop())
	RegisterBuiltins(d, Deps{Queue: q})

	res := d.Handle(context.Background(), "cmd-1", "cleanup_queue", nil)
	assert.True(t, res.Success)
}

func TestRegisterBuiltinsCheckUpdatesWithoutUpdaterIsNoop(t *testing.T) {
	d := New(zap.NewNop())
	RegisterBuiltins(d, Deps{})

	res := d.Handle(context.Background(), "cmd-1", "check_updates", nil)
	assert.True(t, res.Success)
}

func TestRegisterBuiltinsScanNetworkRequiresTargets(t *testing.T) {
	d := New(zap.NewNop())
	RegisterBuiltins(d, Deps{})

	res := d.Handle(context.Background(), "cmd-1", "scan_network", nil)
	assert.False(t, res.Success)
}
