package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mgcp_agent/pkg/config"
)

const partialConfig = `
[general]
bindaddr = 127.0.0.1

[iad1]
host = 192.0.2.10

[iad1:aaln/1]
context = default

[nohost]
port = 2427

[nohost:aaln/1]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mgcp.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_DropsBrokenGateway(t *testing.T) {
	cfg, dropped, err := loadConfig(writeConfig(t, partialConfig))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.ErrorIs(t, dropped, config.ErrMissingHost)

	require.Len(t, cfg.Gateways, 1)
	assert.Equal(t, "iad1", cfg.Gateways[0].Name)
}

func TestLoadConfig_Clean(t *testing.T) {
	cfg, dropped, err := loadConfig(writeConfig(t, "[iad1]\nhost = 192.0.2.10\n\n[iad1:aaln/1]\n"))
	require.NoError(t, err)
	assert.NoError(t, dropped)
	assert.Len(t, cfg.Gateways, 1)
}

func TestLoadConfig_Unreadable(t *testing.T) {
	cfg, dropped, err := loadConfig(filepath.Join(t.TempDir(), "missing.conf"))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.NoError(t, dropped)
}
