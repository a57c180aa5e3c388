package fallback

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldscout/agent/internal/queue"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server_public_key.pem")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestBuildDumpUnencryptedIsValidGzipJSON(t *testing.T) {
	u := New("agent-1", Config{}, zap.NewNop())

	envs := []queue.Envelope{
		{ID: 1, TaskID: "task-1", MessageType: "result", Payload: `{"status":"success"}`},
		{ID: 2, MessageType: "log", Payload: `{"level":"info","message":"hi"}`},
	}

	data, err := u.buildDump(envs)
	require.NoError(t, err)

	gr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	raw, err := io.ReadAll(gr)
	require.NoError(t, err)

	var d dump
	require.NoError(t, json.Unmarshal(raw, &d))
	assert.Equal(t, "agent-1", d.AgentID)
	assert.Equal(t, 2, d.ItemCount)
	assert.Len(t, d.Items, 2)
}

func TestBuildDumpEncryptsWhenPublicKeyConfigured(t *testing.T) {
	priv, pemBytes := generateTestKeyPair(t)
	_ = priv

	keyPath := writeTempFile(t, pemBytes)
	u := New("agent-1", Config{ServerPublicKeyPath: keyPath}, zap.NewNop())
	require.NotNil(t, u.serverPub)

	data, err := u.buildDump([]queue.Envelope{{ID: 1, MessageType: "result", Payload: "{}"}})
	require.NoError(t, err)

	// Encrypted output should not be a valid gzip stream on its own.
	_, err = gzip.NewReader(bytes.NewReader(data))
	assert.Error(t, err)
}

func TestUploadPendingSkipsWhenDisabled(t *testing.T) {
	u := New("agent-1", Config{Enabled: false}, zap.NewNop())
	ok, err := u.UploadPending(nil, []queue.Envelope{{ID: 1}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUploadPendingNoopOnEmpty(t *testing.T) {
	u := New("agent-1", Config{Enabled: true}, zap.NewNop())
	ok, err := u.UploadPending(nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}
