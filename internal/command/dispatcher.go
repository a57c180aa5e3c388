// Package command implements dispatch for both server-issued ad hoc commands
// (delivered over the control link) and the local scheduler's synthetic
// commands. Handlers are registered by name at construction time — there is
// no import-time global registry, so the set of supported actions is always
// visible at the call site that builds the Dispatcher.
package command

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Result is the outcome of executing a command, matching the
// {status, data, error} shape the original result/log frames expect.
type Result struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Status: "success", Data: data}
}

func fail(err error) Result {
	return Result{Success: false, Status: "error", Error: err.Error()}
}

// Handler executes one command action.
type Handler func(ctx context.Context, params map[string]any) Result

// Dispatcher routes a named action to its registered Handler.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

// New creates an empty Dispatcher. Use Register to add handlers.
func New(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger.Named("command"),
	}
}

// Register binds a handler to an action name, overwriting any existing
// binding. Intended to be called during startup wiring, not at request time.
func (d *Dispatcher) Register(action string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

// Handle looks up and runs the handler for action. Commands whose action has
// no registered handler return a Result describing the gap rather than an
// error, so callers can always forward a well-formed result back to the
// server or the queue.
func (d *Dispatcher) Handle(ctx context.Context, id, action string, params map[string]any) Result {
	d.mu.RLock()
	h, found := d.handlers[action]
	d.mu.RUnlock()

	if !found {
		d.logger.Warn("no handler registered for action", zap.String("action", action), zap.String("command_id", id))
		return fail(fmt.Errorf("no handler for action %q", action))
	}

	d.logger.Info("executing command", zap.String("action", action), zap.String("command_id", id))
	return h(ctx, params)
}
