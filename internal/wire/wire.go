// Package wire defines the JSON frames exchanged over the control-link
// session. Every frame carries a "type" discriminator; Decode inspects that
// field before deciding how to unmarshal the rest of the envelope.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the shape of a Frame's Data payload.
type Type string

const (
	// Agent -> server
	TypeHeartbeat Type = "heartbeat"
	TypeResult    Type = "result"
	TypeLog       Type = "log"
	TypeMetrics   Type = "metrics"

	// Server -> agent
	TypeCommand      Type = "command"
	TypeAck          Type = "ack"
	TypeConfigUpdate Type = "config_update"
)

// Frame is the envelope every control-link message is wrapped in. Data holds
// the complete raw frame, from which the caller decodes the type-specific
// fields once Type is known.
type Frame struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"-"`
}

// frameOnWire is the actual JSON shape: Data's fields are inlined at the top
// level rather than nested, matching the wire format the server expects
// (flat {"type": ..., "id": ..., ...fields}).
type frameOnWire struct {
	Type      Type      `json:"type"`
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode marshals a typed payload into a flat JSON object with type/id/
// timestamp fields merged in alongside whatever fields payload contributes.
func Encode(typ Type, id string, payload any) ([]byte, error) {
	fields, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, fmt.Errorf("wire: payload must encode to a JSON object: %w", err)
	}

	envelope := frameOnWire{Type: typ, ID: id, Timestamp: time.Now().UTC()}
	envBytes, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(envBytes, &out); err != nil {
		return nil, err
	}
	for k, v := range m {
		out[k] = v
	}
	return json.Marshal(out)
}

// Decode parses the envelope fields of a raw wire frame and keeps the whole
// raw frame in Data, so callers can unmarshal Data into the concrete struct
// for Type.
func Decode(raw []byte) (Frame, error) {
	var env frameOnWire
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Frame{}, fmt.Errorf("wire: frame missing type discriminator")
	}
	return Frame{
		Type:      env.Type,
		ID:        env.ID,
		Timestamp: env.Timestamp,
		Data:      json.RawMessage(raw),
	}, nil
}

// HeartbeatPayload is the Data shape for TypeHeartbeat frames.
type HeartbeatPayload struct {
	AgentID string         `json:"agent_id"`
	Version string         `json:"version"`
	Metrics map[string]any `json:"metrics"`
}

// ResultPayload is the Data shape for TypeResult frames.
type ResultPayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// LogPayload is the Data shape for TypeLog frames.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// MetricsPayload is the Data shape for TypeMetrics frames.
type MetricsPayload struct {
	Metrics map[string]any `json:"metrics"`
}

// CommandPayload is the Data shape for TypeCommand frames sent by the server.
type CommandPayload struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// ConfigUpdatePayload is the Data shape for TypeConfigUpdate frames.
type ConfigUpdatePayload struct {
	Config map[string]any `json:"config"`
}

// DecodeCommand unmarshals a command frame's Data into a CommandPayload.
func DecodeCommand(f Frame) (CommandPayload, error) {
	var p CommandPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return CommandPayload{}, fmt.Errorf("wire: decode command payload: %w", err)
	}
	return p, nil
}
