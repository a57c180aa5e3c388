package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDNSServersJSONArray(t *testing.T) {
	got := ParseDNSServers(`["8.8.8.8", "1.1.1.1"]`)
	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1"}, got)
}

func TestParseDNSServersCommaSeparated(t *testing.T) {
	got := ParseDNSServers("8.8.8.8, 1.1.1.1 ,9.9.9.9")
	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1", "9.9.9.9"}, got)
}

func TestParseDNSServersSingleValue(t *testing.T) {
	got := ParseDNSServers("8.8.8.8")
	assert.Equal(t, []string{"8.8.8.8"}, got)
}

func TestParseDNSServersEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, ParseDNSServers(""))
}

func TestDefaultsAreSane(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "http://localhost:8000", cfg.ServerURL)
	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1"}, cfg.DNSServers)
	assert.Equal(t, 22, cfg.SFTP.Port)
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	t.Setenv("FIELDSCOUT_SERVER_URL", "https://agent.example.com")
	t.Setenv("FIELDSCOUT_POLL_INTERVAL", "15")
	t.Setenv("FIELDSCOUT_DNS_SERVERS", "1.2.3.4,5.6.7.8")
	t.Setenv("FIELDSCOUT_SFTP_ENABLED", "true")

	cfg := Defaults()
	applyEnv(&cfg)

	assert.Equal(t, "https://agent.example.com", cfg.ServerURL)
	assert.Equal(t, 15, cfg.PollInterval)
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, cfg.DNSServers)
	assert.True(t, cfg.SFTP.Enabled)
}

func TestApplyFileOverridesSelectFields(t *testing.T) {
	cfg := Defaults()
	data := []byte(`{"agent_name": "custom-box", "dns_servers": "4.4.4.4"}`)
	require.NoError(t, applyFile(&cfg, data))

	assert.Equal(t, "custom-box", cfg.AgentName)
	assert.Equal(t, []string{"4.4.4.4"}, cfg.DNSServers)
	assert.Equal(t, "agent-001", cfg.AgentID) // untouched field stays at default
}

func TestLoadReadsConfigFileWhenPresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(dir+"/config", 0o750))
	require.NoError(t, os.WriteFile(dir+"/config/config.json", []byte(`{"agent_name":"from-file"}`), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.AgentName)
}
