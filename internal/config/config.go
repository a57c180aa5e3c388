// Package config builds the agent's startup configuration from CLI flags,
// FIELDSCOUT_-prefixed environment variables, and an optional JSON config
// file. Flags win, then the config file, then env, then built-in defaults —
// the same override order the original Python agent applied when it
// layered a config file on top of pydantic settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// envPrefix namespaces every environment variable the agent reads.
const envPrefix = "FIELDSCOUT_"

// Config is the agent's fully resolved startup configuration.
type Config struct {
	ServerURL    string
	AgentID      string
	AgentName    string
	AgentToken   string
	PollInterval int
	DNSServers   []string
	APIPort      int
	LogLevel     string
	StateDir     string

	SFTP SFTPConfig
	TLS  TLSConfig
}

// SFTPConfig mirrors the fallback uploader's settings, sourced the same way
// as the rest of Config.
type SFTPConfig struct {
	Enabled             bool
	Host                string
	Port                int
	Username            string
	Password            string
	PrivateKeyPath      string
	RemotePath          string
	ServerPublicKeyPath string
	TimeoutSeconds      int
}

// TLSConfig mirrors the control client's optional mTLS settings.
type TLSConfig struct {
	CAFile             string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// fileOverrides is the shape an optional config.json may contain. Every
// field is optional; present fields override the env/default values loaded
// before it.
type fileOverrides struct {
	ServerURL    *string `json:"server_url"`
	AgentID      *string `json:"agent_id"`
	AgentName    *string `json:"agent_name"`
	AgentToken   *string `json:"agent_token"`
	PollInterval *int    `json:"poll_interval"`
	DNSServers   any     `json:"dns_servers"`
	APIPort      *int    `json:"api_port"`
	LogLevel     *string `json:"log_level"`
	StateDir     *string `json:"state_dir"`
}

// configFileCandidates mirrors the original agent's search path for an
// optional JSON config file, checked in order.
func configFileCandidates() []string {
	candidates := []string{
		"/etc/fieldscout-agent/config.json",
		"./config/config.json",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, home+"/.fieldscout-agent/config.json")
	}
	return candidates
}

// Defaults returns the agent's built-in configuration before any env
// variable or config file override is applied.
func Defaults() Config {
	return Config{
		ServerURL:    "http://localhost:8000",
		AgentID:      "agent-001",
		AgentName:    "fieldscout agent",
		AgentToken:   "change-me-in-production",
		PollInterval: 60,
		DNSServers:   []string{"8.8.8.8", "1.1.1.1"},
		APIPort:      8080,
		LogLevel:     "info",
		StateDir:     defaultStateDir(),
		SFTP: SFTPConfig{
			Port:           22,
			RemotePath:     "/incoming",
			TimeoutSeconds: 30,
		},
	}
}

// Load resolves Config from defaults, then environment variables, then the
// first config file found on disk, matching the original agent's
// lowest-to-highest precedence chain. Command-line flags are layered on top
// by the caller (cmd/agent) after Load returns, since cobra owns flag
// parsing.
func Load() (Config, error) {
	cfg := Defaults()
	applyEnv(&cfg)

	for _, path := range configFileCandidates() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := applyFile(&cfg, data); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
		break
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	str(&cfg.ServerURL, "SERVER_URL")
	str(&cfg.AgentID, "AGENT_ID")
	str(&cfg.AgentName, "AGENT_NAME")
	str(&cfg.AgentToken, "AGENT_TOKEN")
	str(&cfg.LogLevel, "LOG_LEVEL")
	str(&cfg.StateDir, "STATE_DIR")
	intVar(&cfg.PollInterval, "POLL_INTERVAL")
	intVar(&cfg.APIPort, "API_PORT")
	if v, ok := os.LookupEnv(envPrefix + "DNS_SERVERS"); ok {
		cfg.DNSServers = ParseDNSServers(v)
	}

	boolVar(&cfg.SFTP.Enabled, "SFTP_ENABLED")
	str(&cfg.SFTP.Host, "SFTP_HOST")
	intVar(&cfg.SFTP.Port, "SFTP_PORT")
	str(&cfg.SFTP.Username, "SFTP_USERNAME")
	str(&cfg.SFTP.Password, "SFTP_PASSWORD")
	str(&cfg.SFTP.PrivateKeyPath, "SFTP_PRIVATE_KEY_PATH")
	str(&cfg.SFTP.RemotePath, "SFTP_REMOTE_PATH")
	str(&cfg.SFTP.ServerPublicKeyPath, "SFTP_SERVER_PUBLIC_KEY_PATH")
	intVar(&cfg.SFTP.TimeoutSeconds, "SFTP_TIMEOUT")

	str(&cfg.TLS.CAFile, "TLS_CA_FILE")
	str(&cfg.TLS.ClientCertFile, "TLS_CLIENT_CERT_FILE")
	str(&cfg.TLS.ClientKeyFile, "TLS_CLIENT_KEY_FILE")
	boolVar(&cfg.TLS.InsecureSkipVerify, "TLS_INSECURE_SKIP_VERIFY")
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolVar(dst *bool, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		*dst = strings.EqualFold(v, "true")
	}
}

func applyFile(cfg *Config, data []byte) error {
	var f fileOverrides
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if f.ServerURL != nil {
		cfg.ServerURL = *f.ServerURL
	}
	if f.AgentID != nil {
		cfg.AgentID = *f.AgentID
	}
	if f.AgentName != nil {
		cfg.AgentName = *f.AgentName
	}
	if f.AgentToken != nil {
		cfg.AgentToken = *f.AgentToken
	}
	if f.PollInterval != nil {
		cfg.PollInterval = *f.PollInterval
	}
	if f.APIPort != nil {
		cfg.APIPort = *f.APIPort
	}
	if f.LogLevel != nil {
		cfg.LogLevel = *f.LogLevel
	}
	if f.StateDir != nil {
		cfg.StateDir = *f.StateDir
	}
	if f.DNSServers != nil {
		cfg.DNSServers = normalizeDNSServers(f.DNSServers)
	}

	return nil
}

// ParseDNSServers accepts a JSON array, a comma-separated list, or a single
// hostname/IP — whatever shape an environment variable or config file
// happens to use — and normalizes it to a slice of strings.
func ParseDNSServers(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return list
		}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeDNSServers handles the loosely-typed JSON value a config file's
// dns_servers field may hold: a JSON array, or a single string in any of
// the formats ParseDNSServers understands.
func normalizeDNSServers(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return ParseDNSServers(val)
	default:
		return nil
	}
}

func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.fieldscout-agent"
	}
	return ".fieldscout-agent"
}
