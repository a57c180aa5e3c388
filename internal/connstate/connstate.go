// Package connstate implements the connection state machine: the single
// authoritative record of whether the agent considers itself connected,
// reconnecting, or degraded to the SFTP fallback path.
package connstate

import (
	"sync"
	"time"
)

// State is one of the six connection states.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	SFTPFallback State = "sftp_fallback"
	Error        State = "error"
)

// Event is a trigger that may cause a state transition.
type Event string

const (
	EventConnect          Event = "connect"
	EventConnected        Event = "connected"
	EventDisconnect       Event = "disconnect"
	EventConnectionLost   Event = "connection_lost"
	EventConnectionError  Event = "connection_error"
	EventReconnectSuccess Event = "reconnect_success"
	EventReconnectTimeout Event = "reconnect_timeout"
	EventSFTPComplete     Event = "sftp_complete"
	EventSFTPFailed       Event = "sftp_failed"
)

type transitionKey struct {
	from  State
	event Event
}

var transitions = map[transitionKey]State{
	{Disconnected, EventConnect}:          Connecting,
	{Connecting, EventConnected}:          Connected,
	{Connecting, EventConnectionError}:    Reconnecting,
	{Connected, EventDisconnect}:          Disconnected,
	{Connected, EventConnectionLost}:      Reconnecting,
	{Reconnecting, EventReconnectSuccess}: Connected,
	{Reconnecting, EventReconnectTimeout}: SFTPFallback,
	{SFTPFallback, EventSFTPComplete}:     Reconnecting,
	{SFTPFallback, EventSFTPFailed}:       Error,
	{Error, EventConnect}:                 Connecting,
}

// Transition records one state change for diagnostics.
type Transition struct {
	From      State
	To        State
	Event     Event
	Timestamp time.Time
}

// historyLimit bounds the in-memory transition log.
const historyLimit = 50

// OnStateChange is invoked after a transition commits, with the old and new
// states. It runs synchronously on the caller's goroutine — keep it fast.
type OnStateChange func(old, new State)

// OnSFTPRequired is invoked when the machine enters SFTPFallback. Its return
// value determines whether the machine immediately advances to Reconnecting
// (true) or Error (false).
type OnSFTPRequired func() bool

// Machine is the connection state machine described by spec.md §4.4.
// Safe for concurrent use.
type Machine struct {
	mu sync.Mutex

	state             State
	sftpTimeout       time.Duration
	lastConnected     time.Time
	disconnectedSince time.Time
	history           []Transition

	onStateChange  OnStateChange
	onSFTPRequired OnSFTPRequired
}

// Config configures a new Machine.
type Config struct {
	// SFTPFallbackTimeout is how long the machine stays in Reconnecting
	// before CheckSFTPTimeout forces a transition to SFTPFallback. Defaults
	// to 30 minutes.
	SFTPFallbackTimeout time.Duration
	OnStateChange       OnStateChange
	OnSFTPRequired      OnSFTPRequired
}

// New creates a Machine starting in Disconnected.
func New(cfg Config) *Machine {
	timeout := cfg.SFTPFallbackTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Machine{
		state:          Disconnected,
		sftpTimeout:    timeout,
		onStateChange:  cfg.OnStateChange,
		onSFTPRequired: cfg.OnSFTPRequired,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the machine is in the Connected state.
func (m *Machine) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected
}

// DisconnectedDuration returns how long the machine has been continuously
// disconnected, or zero if it is currently connected or has made no
// transition since New or Reset.
func (m *Machine) DisconnectedDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnectedSince.IsZero() {
		return 0
	}
	return time.Since(m.disconnectedSince)
}

// shouldFallbackToSFTP reports whether the machine has been in Reconnecting
// long enough to trigger the fallback path. Caller must hold m.mu.
func (m *Machine) shouldFallbackToSFTP() bool {
	if m.state != Reconnecting {
		return false
	}
	if m.disconnectedSince.IsZero() {
		return false
	}
	return time.Since(m.disconnectedSince) > m.sftpTimeout
}

// HandleEvent applies event to the current state. It returns false without
// changing state if the (state, event) pair has no defined transition.
func (m *Machine) HandleEvent(event Event) bool {
	m.mu.Lock()
	key := transitionKey{m.state, event}
	next, ok := transitions[key]
	if !ok {
		m.mu.Unlock()
		return false
	}

	old := m.state
	now := time.Now()

	switch next {
	case Connected:
		m.lastConnected = now
		m.disconnectedSince = time.Time{}
	default:
		if m.disconnectedSince.IsZero() {
			m.disconnectedSince = now
		}
	}

	m.state = next
	m.history = append(m.history, Transition{From: old, To: next, Event: event, Timestamp: now})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}

	cb := m.onStateChange
	sftpCb := m.onSFTPRequired
	m.mu.Unlock()

	if cb != nil {
		cb(old, next)
	}

	if next == SFTPFallback && sftpCb != nil {
		if sftpCb() {
			m.HandleEvent(EventSFTPComplete)
		} else {
			m.HandleEvent(EventSFTPFailed)
		}
	}

	return true
}

// CheckSFTPTimeout is called periodically (every 60s per spec.md §4.4) to
// evaluate whether the agent has been reconnecting long enough to fall back
// to the SFTP path. Returns true if the fallback transition fired.
func (m *Machine) CheckSFTPTimeout() bool {
	m.mu.Lock()
	fire := m.shouldFallbackToSFTP()
	m.mu.Unlock()

	if fire {
		return m.HandleEvent(EventReconnectTimeout)
	}
	return false
}

// History returns up to limit of the most recent transitions, newest last.
func (m *Machine) History(limit int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Transition, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// Reset returns the machine to its zero state, clearing all timing and
// history. Intended for tests and for the rare operator-triggered hard reset.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Disconnected
	m.lastConnected = time.Time{}
	m.disconnectedSince = time.Time{}
	m.history = nil
}
