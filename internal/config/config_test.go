package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// isolate runs the test in an empty directory with no RUNBOX_* overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	for _, key := range []string{"PORT", "RUNBOX_SERVER_PORT", "RUNBOX_SANDBOX_DRIVER", "RUNBOX_LOG_LEVEL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, DriverDocker, cfg.Sandbox.Driver)
	assert.Equal(t, "cpp", cfg.Sandbox.DefaultLanguage)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.RunTimeout)
	assert.Equal(t, sandbox.DefaultPolicy(), cfg.Sandbox.Policy)
	assert.Equal(t, 2*time.Second, cfg.Session.DrainTimeout)
	assert.Equal(t, 4096, cfg.Session.ChunkSize)
	assert.Equal(t, "runbox.runs", cfg.Events.Subject)
	assert.Empty(t, cfg.Events.NATSURL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)
	data := `
server:
  port: 8081
sandbox:
  driver: local
  default_language: python
  run_timeout: 3s
  policy:
    max_memory: 512m
    network: true
session:
  cleanup_delay: 0s
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runbox.yaml"), []byte(data), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, DriverLocal, cfg.Sandbox.Driver)
	assert.Equal(t, "python", cfg.Sandbox.DefaultLanguage)
	assert.Equal(t, 3*time.Second, cfg.Sandbox.RunTimeout)
	assert.Equal(t, "512m", cfg.Sandbox.Policy.MaxMemory)
	assert.True(t, cfg.Sandbox.Policy.Network)
	assert.Equal(t, 64, cfg.Sandbox.Policy.PidsLimit)
	assert.Equal(t, time.Duration(0), cfg.Session.CleanupDelay)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadExplicitPath(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "5000")
	t.Setenv("RUNBOX_SANDBOX_DRIVER", "local")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, DriverLocal, cfg.Sandbox.Driver)

	t.Setenv("RUNBOX_SERVER_PORT", "6000")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Server.Port)
}

func TestDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RUNBOX_LOG_LEVEL=warn\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	isolate(t)
	t.Setenv("RUNBOX_SANDBOX_DRIVER", "firecracker")

	_, err := Load("")
	assert.ErrorContains(t, err, "sandbox.driver")

	cfg := &Config{
		Server:  ServerConfig{Port: 0},
		Sandbox: SandboxConfig{Driver: DriverLocal, WorkspaceRoot: "/tmp"},
	}
	assert.ErrorContains(t, cfg.Validate(), "server.port")
}

func TestLanguages(t *testing.T) {
	dir := isolate(t)
	cfg := &Config{Sandbox: SandboxConfig{DefaultLanguage: "cpp"}}

	langs, err := cfg.Languages()
	require.NoError(t, err)
	assert.Contains(t, langs.Names(), "cpp")

	cfg.Sandbox.DefaultLanguage = "ruby"
	_, err = cfg.Languages()
	assert.ErrorIs(t, err, sandbox.ErrUnsupportedLanguage)

	path := filepath.Join(dir, "languages.yaml")
	require.NoError(t, os.WriteFile(path, []byte("languages:\n  - name: ruby\n    source: main.rb\n    run: [ruby, main.rb]\n"), 0o644))
	cfg.Sandbox.LanguagesFile = path
	langs, err = cfg.Languages()
	require.NoError(t, err)
	assert.Contains(t, langs.Names(), "ruby")
}
