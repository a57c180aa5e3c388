// Package manager supervises the agent's connectivity subsystems: the
// connection state machine (internal/connstate), the control-link client
// (internal/control), the queue worker (internal/worker), and the SFTP
// fallback uploader (internal/fallback). It is the piece that decides, on a
// one-minute tick, whether the agent still looks connected and whether the
// durable queue needs to be drained out via SFTP instead.
package manager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldscout/agent/internal/connstate"
	"github.com/fieldscout/agent/internal/control"
	"github.com/fieldscout/agent/internal/fallback"
	"github.com/fieldscout/agent/internal/queue"
	"github.com/fieldscout/agent/internal/worker"
)

// monitorInterval matches the original agent's connection monitor cadence.
const monitorInterval = 60 * time.Second

// Manager ties the connectivity subsystems together and owns their combined
// lifecycle.
type Manager struct {
	fsm      *connstate.Machine
	control  *control.Client
	worker   *worker.Worker
	uploader *fallback.Uploader
	queue    *queue.Queue
	logger   *zap.Logger
}

// Config configures a Manager.
type Config struct {
	FSM      *connstate.Machine
	Control  *control.Client
	Worker   *worker.Worker
	Uploader *fallback.Uploader
	Queue    *queue.Queue
	Logger   *zap.Logger
}

// New creates a Manager. It does not wire the FSM's OnSFTPRequired callback;
// the caller points that callback at the Manager's OnSFTPRequired so the
// fallback upload happens inline with the state transition, matching the
// original agent's connection manager.
func New(cfg Config) *Manager {
	m := &Manager{
		fsm:      cfg.FSM,
		control:  cfg.Control,
		worker:   cfg.Worker,
		uploader: cfg.Uploader,
		queue:    cfg.Queue,
		logger:   cfg.Logger.Named("manager"),
	}
	return m
}

// OnSFTPRequired drains the durable queue to the SFTP fallback path. Wire it
// into connstate.Config.OnSFTPRequired when constructing the Machine.
func (m *Manager) OnSFTPRequired() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pending, err := m.queue.GetAllPending(ctx)
	if err != nil {
		m.logger.Error("sftp fallback: failed to read pending queue", zap.Error(err))
		return false
	}
	if len(pending) == 0 {
		m.logger.Info("sftp fallback triggered, nothing pending to upload")
		return true
	}

	m.logger.Warn("sftp fallback triggered, uploading pending data", zap.Int("count", len(pending)))
	ok, err := m.uploader.UploadPending(ctx, pending)
	if err != nil {
		m.logger.Error("sftp fallback upload failed", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	for _, env := range pending {
		if err := m.queue.MarkSent(ctx, env.ID); err != nil {
			m.logger.Warn("failed to mark envelope sent after sftp upload", zap.Uint("id", env.ID), zap.Error(err))
		}
	}
	return true
}

// Run starts the control client, the worker, and the connectivity monitor,
// blocking until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	go m.control.Run(ctx)
	go m.worker.Run(ctx)
	m.monitorLoop(ctx)
}

// monitorLoop reconciles the state machine with the control client's actual
// connectivity once a minute and checks for an overdue SFTP fallback.
func (m *Manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := m.control.IsConnected()
			switch {
			case connected && !m.fsm.IsConnected():
				if !m.fsm.HandleEvent(connstate.EventConnected) {
					m.fsm.HandleEvent(connstate.EventReconnectSuccess)
				}
			case !connected && m.fsm.IsConnected():
				m.fsm.HandleEvent(connstate.EventConnectionLost)
			}

			if m.fsm.CheckSFTPTimeout() {
				m.logger.Info("connection monitor triggered sftp fallback timeout")
			}
		}
	}
}
