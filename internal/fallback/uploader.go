// Package fallback implements the SFTP fallback upload path used when the
// control link has been down long enough that internal/connstate has
// transitioned into the SFTPFallback state. It drains the durable queue
// into one encrypted, gzip-compressed dump file and pushes it to a
// drop directory on a configured SFTP server, where the server side picks
// it up out of band.
package fallback

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/fieldscout/agent/internal/queue"
)

// Config mirrors the original agent's SFTP fallback settings.
type Config struct {
	Enabled             bool
	Host                string
	Port                int
	Username            string
	Password            string
	PrivateKeyPath      string
	RemotePath          string
	ServerPublicKeyPath string
	Timeout             time.Duration
}

// item is the JSON shape a single queued envelope is flattened into before
// being bundled into the dump — close to the raw queue row, since the
// server side reconstructs delivery from it the same way it would from a
// live result/log/metrics frame.
type item struct {
	ID          uint      `json:"id"`
	TaskID      string    `json:"task_id,omitempty"`
	MessageType string    `json:"message_type"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

type dump struct {
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"timestamp"`
	ItemCount int    `json:"item_count"`
	Items     []item `json:"items"`
}

// Uploader pushes a durable-queue snapshot to the configured SFTP drop
// point, encrypted under the server's RSA public key when one is
// configured.
type Uploader struct {
	agentID   string
	cfg       Config
	logger    *zap.Logger
	serverPub *rsa.PublicKey
}

// New creates an Uploader, loading the server's public key from disk if
// ServerPublicKeyPath is set. A missing or unreadable key is logged but not
// fatal — uploads simply proceed unencrypted, matching the original
// fallback's degrade-rather-than-block behavior.
func New(agentID string, cfg Config, logger *zap.Logger) *Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = "/incoming"
	}

	u := &Uploader{agentID: agentID, cfg: cfg, logger: logger.Named("fallback")}

	if cfg.ServerPublicKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.ServerPublicKeyPath)
		if err != nil {
			u.logger.Warn("server public key not found, uploads will be unencrypted", zap.Error(err))
		} else {
			pub, err := loadServerPublicKey(pemBytes)
			if err != nil {
				u.logger.Warn("failed to parse server public key, uploads will be unencrypted", zap.Error(err))
			} else {
				u.serverPub = pub
				u.logger.Info("server public key loaded for fallback encryption")
			}
		}
	}

	return u
}

// UploadPending bundles envs into one dump, compresses and optionally
// encrypts it, and uploads it under a timestamped filename. Returns false
// (not an error) when fallback is disabled, and true when there is nothing
// to send, so callers can treat "nothing to do" the same as "succeeded".
func (u *Uploader) UploadPending(ctx context.Context, envs []queue.Envelope) (bool, error) {
	if !u.cfg.Enabled {
		u.logger.Warn("sftp fallback not enabled, skipping upload")
		return false, nil
	}
	if len(envs) == 0 {
		return true, nil
	}

	data, err := u.buildDump(envs)
	if err != nil {
		return false, fmt.Errorf("fallback: build dump: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.enc", u.agentID, time.Now().UTC().Format("20060102_150405"))

	if err := u.uploadToSFTP(ctx, data, filename); err != nil {
		return false, fmt.Errorf("fallback: upload: %w", err)
	}

	u.logger.Info("sftp fallback upload complete", zap.String("filename", filename), zap.Int("item_count", len(envs)))
	return true, nil
}

func (u *Uploader) buildDump(envs []queue.Envelope) ([]byte, error) {
	items := make([]item, len(envs))
	for i, e := range envs {
		items[i] = item{ID: e.ID, TaskID: e.TaskID, MessageType: e.MessageType, Payload: e.Payload, CreatedAt: e.CreatedAt}
	}
	d := dump{
		AgentID:   u.agentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		ItemCount: len(items),
		Items:     items,
	}

	jsonData, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal dump: %w", err)
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := gw.Write(jsonData); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	compressed := buf.Bytes()
	u.logger.Debug("dump compressed", zap.Int("raw_bytes", len(jsonData)), zap.Int("compressed_bytes", len(compressed)))

	if u.serverPub == nil {
		u.logger.Warn("uploading fallback dump without encryption")
		return compressed, nil
	}

	encrypted, err := encryptHybrid(compressed, u.serverPub)
	if err != nil {
		return nil, fmt.Errorf("encrypt dump: %w", err)
	}
	return encrypted, nil
}

// dialSFTP opens an SSH connection and wraps it in an SFTP client, using
// key-based auth when PrivateKeyPath is configured and falling back to
// password auth otherwise.
func (u *Uploader) dialSFTP() (*ssh.Client, *sftp.Client, error) {
	authMethod, err := u.authMethod()
	if err != nil {
		return nil, nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            u.cfg.Username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // drop target has no pinned host key in this deployment model
		Timeout:         u.cfg.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", u.cfg.Host, u.cfg.Port)
	sshClient, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial: %w", err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("sftp client: %w", err)
	}

	return sshClient, sftpClient, nil
}

func (u *Uploader) authMethod() (ssh.AuthMethod, error) {
	if u.cfg.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(u.cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if u.cfg.Password != "" {
		return ssh.Password(u.cfg.Password), nil
	}
	return nil, fmt.Errorf("no authentication method configured")
}

// uploadToSFTP writes data to a temp file, then streams it to the remote
// drop directory, creating the per-agent subdirectory on first use.
func (u *Uploader) uploadToSFTP(ctx context.Context, data []byte, filename string) error {
	sshClient, sftpClient, err := u.dialSFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()
	defer sshClient.Close()

	remoteDir := path.Join(u.cfg.RemotePath, u.agentID)
	if _, err := sftpClient.Stat(remoteDir); err != nil {
		if err := sftpClient.MkdirAll(remoteDir); err != nil {
			return fmt.Errorf("mkdir remote dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp("", "fallback-upload-*.enc")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	local, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("reopen temp file: %w", err)
	}
	defer local.Close()

	remotePath := path.Join(remoteDir, filename)
	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer remote.Close()

	if _, err := remote.ReadFrom(local); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	u.logger.Info("uploaded fallback dump", zap.String("remote_path", remotePath), zap.Int("bytes", len(data)))
	return nil
}

// TestConnection verifies that the configured SFTP credentials authenticate
// successfully. It does not upload anything.
func (u *Uploader) TestConnection(ctx context.Context) map[string]any {
	if !u.cfg.Enabled {
		return map[string]any{"success": false, "error": "sftp fallback not enabled"}
	}

	sshClient, sftpClient, err := u.dialSFTP()
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	defer sftpClient.Close()
	defer sshClient.Close()

	return map[string]any{
		"success":     true,
		"host":        u.cfg.Host,
		"port":        u.cfg.Port,
		"username":    u.cfg.Username,
		"remote_path": u.cfg.RemotePath,
	}
}
