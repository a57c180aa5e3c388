package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(TypeResult, "task-1", ResultPayload{
		TaskID: "task-1",
		Status: "success",
	})
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeResult, f.Type)
	assert.Equal(t, "task-1", f.ID)
	assert.False(t, f.Timestamp.IsZero())
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"id": "x"}`))
	assert.Error(t, err)
}

func TestDecodeCommand(t *testing.T) {
	raw, err := Encode(TypeCommand, "cmd-1", CommandPayload{
		Action: "ping",
		Params: map[string]any{"target": "10.0.0.1"},
	})
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypeCommand, f.Type)

	cmd, err := DecodeCommand(f)
	require.NoError(t, err)
	assert.Equal(t, "ping", cmd.Action)
	assert.Equal(t, "10.0.0.1", cmd.Params["target"])
}

func TestDecodeUnknownTypeDoesNotError(t *testing.T) {
	// Unknown types are dropped by callers, not rejected by the decoder —
	// the decoder only needs the envelope fields to succeed.
	f, err := Decode([]byte(`{"type": "something_new", "id": "z"}`))
	require.NoError(t, err)
	assert.Equal(t, Type("something_new"), f.Type)
}
