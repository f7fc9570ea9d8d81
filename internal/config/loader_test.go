package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfigFile places a config file under a fake home directory with the
// permissions the loader requires.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "reportd")
	require.NoError(t, os.MkdirAll(dir, 0700))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadWithFile_YAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_port: 9999
autosave:
  interval: 1m
presence:
  stale_after: 5m
`)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Autosave.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Presence.StaleAfter)
	// Unset fields take defaults
	assert.Equal(t, 30*time.Second, cfg.Autosave.SaveTimeout)
	assert.Equal(t, 3*time.Second, cfg.Presence.ReconnectDelay)
}

func TestLoadWithFile_EnvWinsOverFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_port: 9999
`)
	t.Setenv("SERVER_HTTP_PORT", "7777")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Autosave.Interval)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	path := writeConfigFile(t, "server:\n  http_port: 9999\n")
	require.NoError(t, os.Chmod(path, 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("server: {}\n"), 0600))

	_, err := LoadWithFile(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestLoadWithFile_InvalidValuesFailValidation(t *testing.T) {
	path := writeConfigFile(t, `
presence:
  heartbeat_interval: 2m
  stale_after: 1m
`)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale threshold")
}
