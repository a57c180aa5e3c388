// Package control implements the agent's control-link session: a
// long-lived WebSocket connection to the server used for heartbeats,
// inbound commands, and outbound results/logs/metrics. Reconnection is
// driven by internal/backoff and observed by internal/connstate so the
// rest of the agent can react to connectivity changes without polling
// this package directly.
package control

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldscout/agent/internal/backoff"
	"github.com/fieldscout/agent/internal/connstate"
	"github.com/fieldscout/agent/internal/hostmetrics"
	"github.com/fieldscout/agent/internal/wire"
)

// heartbeatInterval is how often the agent reports liveness plus host
// metrics while connected.
const heartbeatInterval = 30 * time.Second

// maxPendingFrames bounds the outbound staging queue used while
// disconnected. Older frames are dropped once the bound is hit — the
// durable queue (internal/queue) is the place for anything that must
// survive a long outage, not this in-memory buffer.
const maxPendingFrames = 256

// TLSConfig configures the optional mTLS session to the server. The zero
// value dials over plain TLS with the system root pool.
type TLSConfig struct {
	CAFile             string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// Config configures a Client.
type Config struct {
	ServerURL string
	AgentID   string
	Token     string
	Version   string
	StateDir  string
	TLS       TLSConfig
}

// CommandHandler executes an inbound command and returns the result to
// report back to the server.
type CommandHandler func(ctx context.Context, id, action string, params map[string]any) (success bool, status string, data any, errMsg string)

// connState mirrors the small connectivity record the original agent
// persisted to disk so an operator (or the fallback uploader) can see at a
// glance when the control link last changed state.
type connState struct {
	LastConnected   time.Time `json:"last_connected"`
	LastStateChange time.Time `json:"last_state_change"`
	IsConnected     bool      `json:"is_connected"`
}

// Client manages one logical control-link session, transparently
// reconnecting across WebSocket drops.
type Client struct {
	cfg    Config
	logger *zap.Logger
	fsm    *connstate.Machine
	policy *backoff.Policy

	onCommand CommandHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	pending [][]byte

	messagesSent     int
	messagesReceived int
	reconnectCount   int
}

// New creates a Client. OnCommand must be set before Run is called if the
// agent wants to answer server-issued commands.
func New(cfg Config, fsm *connstate.Machine, logger *zap.Logger, onCommand CommandHandler) *Client {
	return &Client{
		cfg:       cfg,
		logger:    logger.Named("control"),
		fsm:       fsm,
		policy:    backoff.New(backoff.DefaultConfig()),
		onCommand: onCommand,
	}
}

// Run drives the reconnect loop until ctx is cancelled. Each iteration
// dials, authenticates implicitly via headers, and runs the heartbeat and
// receive loops concurrently until either fails.
func (c *Client) Run(ctx context.Context) {
	c.fsm.HandleEvent(connstate.EventConnect)

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// session() only returns nil on graceful shutdown.
			return
		}

		c.logger.Warn("control session ended, reconnecting", zap.Error(err))
		c.mu.Lock()
		c.reconnectCount++
		c.mu.Unlock()

		if wasConnected := c.fsm.State() == connstate.Connected; wasConnected {
			c.fsm.HandleEvent(connstate.EventConnectionLost)
		} else {
			c.fsm.HandleEvent(connstate.EventConnectionError)
		}
		c.saveConnState(false)

		delay := c.policy.NextDelay()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if c.fsm.CheckSFTPTimeout() {
			c.logger.Info("reconnect window exceeded sftp fallback timeout")
		}
	}
}

// session performs one dial-to-disconnect cycle.
func (c *Client) session(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("control: dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	flushed := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, frame := range flushed {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Warn("failed to flush pending frame on reconnect", zap.Error(err))
			break
		}
	}

	if !c.fsm.HandleEvent(connstate.EventConnected) {
		c.fsm.HandleEvent(connstate.EventReconnectSuccess)
	}
	c.policy.Reset()
	c.saveConnState(true)
	c.logger.Info("control link established", zap.String("agent_id", c.cfg.AgentID))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.heartbeatLoop(sessCtx, conn) }()
	go func() { errCh <- c.receiveLoop(sessCtx, conn) }()

	err = <-errCh
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// dial builds the WebSocket URL and opens the connection, applying the
// configured TLS options for wss:// targets.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := buildWebSocketURL(c.cfg.ServerURL, c.cfg.AgentID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if strings.HasPrefix(wsURL, "wss://") {
		tlsCfg, err := buildTLSConfig(c.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("building tls config: %w", err)
		}
		dialer.TLSClientConfig = tlsCfg
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	header.Set("X-Agent-Version", c.cfg.Version)

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// buildWebSocketURL rewrites an http(s) server base URL into the agent's
// ws(s) endpoint, matching the server's routing convention.
func buildWebSocketURL(serverURL, agentID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket scheme
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/agents/ws/" + agentID
	return u.String(), nil
}

// buildTLSConfig assembles the optional mTLS client configuration. A
// missing CAFile falls back to the system root pool; a missing client
// cert pair means the server does not require mutual TLS.
func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec // operator opt-in for self-signed deployments

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca file contains no valid certificates")
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// heartbeatLoop sends a heartbeat frame with fresh host metrics on every
// tick until ctx is cancelled or the write fails.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	// Send one immediately so a fresh session reports liveness without
	// waiting a full interval, then fall onto the regular cadence.
	if err := c.sendHeartbeat(ctx, conn); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.sendHeartbeat(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context, conn *websocket.Conn) error {
	snap, err := hostmetrics.Collect(ctx)
	if err != nil {
		c.logger.Warn("failed to collect host metrics for heartbeat", zap.Error(err))
	}

	c.mu.Lock()
	extra := map[string]any{
		"messages_sent":      c.messagesSent,
		"messages_received":  c.messagesReceived,
		"reconnect_count":    c.reconnectCount,
		"pending_queue_size": len(c.pending),
	}
	c.mu.Unlock()

	payload := wire.HeartbeatPayload{
		AgentID: c.cfg.AgentID,
		Version: c.cfg.Version,
		Metrics: snap.AsMap(extra),
	}
	if err := c.writeFrame(conn, wire.TypeHeartbeat, "", payload); err != nil {
		return fmt.Errorf("heartbeat write: %w", err)
	}
	return nil
}

// receiveLoop reads inbound frames until the connection closes. Unknown
// frame types are logged and dropped rather than treated as an error — the
// server may ship new frame types an older agent does not understand yet.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		c.mu.Lock()
		c.messagesReceived++
		c.mu.Unlock()

		frame, err := wire.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case wire.TypeCommand:
			c.handleCommand(ctx, conn, frame)
		case wire.TypeConfigUpdate, wire.TypeAck:
			c.logger.Debug("received frame", zap.String("type", string(frame.Type)))
		default:
			c.logger.Debug("ignoring unrecognized frame type", zap.String("type", string(frame.Type)))
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, conn *websocket.Conn, frame wire.Frame) {
	cmd, err := wire.DecodeCommand(frame)
	if err != nil {
		c.logger.Warn("failed to decode command frame", zap.Error(err))
		return
	}
	if c.onCommand == nil {
		return
	}

	success, status, data, errMsg := c.onCommand(ctx, frame.ID, cmd.Action, cmd.Params)
	result := wire.ResultPayload{TaskID: frame.ID, Status: status, Data: data, Error: errMsg}
	if err := c.writeFrame(conn, wire.TypeResult, frame.ID, result); err != nil {
		c.logger.Warn("failed to send command result", zap.Error(err), zap.Bool("success", success))
	}
}

// writeFrame marshals and sends a frame, queuing it for later delivery if
// conn is nil (not currently connected).
func (c *Client) writeFrame(conn *websocket.Conn, typ wire.Type, id string, payload any) error {
	raw, err := wire.Encode(typ, id, payload)
	if err != nil {
		return err
	}

	if conn == nil {
		c.queuePending(raw)
		return nil
	}

	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.queuePending(raw)
		return err
	}

	c.mu.Lock()
	c.messagesSent++
	c.mu.Unlock()
	return nil
}

func (c *Client) queuePending(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, raw)
	if len(c.pending) > maxPendingFrames {
		c.pending = c.pending[len(c.pending)-maxPendingFrames:]
	}
}

// send is the funnel every public Send* method uses: it grabs the current
// connection (possibly nil) and writes or queues accordingly.
func (c *Client) send(typ wire.Type, id string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return c.writeFrame(conn, typ, id, payload)
}

// SendResult reports the outcome of a command or scheduled job execution.
func (c *Client) SendResult(taskID, status string, data any, errMsg string) error {
	return c.send(wire.TypeResult, taskID, wire.ResultPayload{TaskID: taskID, Status: status, Data: data, Error: errMsg})
}

// SendLog streams a single log line to the server.
func (c *Client) SendLog(level, message string) error {
	return c.send(wire.TypeLog, "", wire.LogPayload{Level: level, Message: message})
}

// SendMetrics pushes an out-of-band metrics snapshot outside the regular
// heartbeat cadence.
func (c *Client) SendMetrics(metrics map[string]any) error {
	return c.send(wire.TypeMetrics, "", wire.MetricsPayload{Metrics: metrics})
}

// IsConnected reports whether a live WebSocket session is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) stateFilePath() string {
	return filepath.Join(c.cfg.StateDir, "connection_state.json")
}

// saveConnState persists the small connectivity record used for operator
// visibility, writing atomically via temp file + rename.
func (c *Client) saveConnState(connected bool) {
	if c.cfg.StateDir == "" {
		return
	}

	now := time.Now().UTC()
	state := connState{LastStateChange: now, IsConnected: connected}
	if connected {
		state.LastConnected = now
	}

	data, err := json.Marshal(state)
	if err != nil {
		c.logger.Warn("failed to marshal connection state", zap.Error(err))
		return
	}
	if err := os.MkdirAll(c.cfg.StateDir, 0o750); err != nil {
		c.logger.Warn("failed to create state dir", zap.Error(err))
		return
	}

	tmp, err := os.CreateTemp(c.cfg.StateDir, "connection_state.*.tmp")
	if err != nil {
		c.logger.Warn("failed to create temp state file", zap.Error(err))
		return
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		c.logger.Warn("failed to write connection state", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		c.logger.Warn("failed to close temp state file", zap.Error(err))
		return
	}
	if err := os.Rename(tmpPath, c.stateFilePath()); err != nil {
		c.logger.Warn("failed to rename connection state file", zap.Error(err))
		return
	}
	ok = true
}
