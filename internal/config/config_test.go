package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, repo, name, content string) string {
	t.Helper()
	dir := filepath.Join(repo, DefaultDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 7*24*time.Hour, cfg.Staleness.GracePeriod)
	assert.Equal(t, 2*time.Second, cfg.Probe.Timeout)
	assert.Equal(t, 10, cfg.Registry.Backups)
	assert.Equal(t, model.PortRange{Start: 8000, End: 8099}, cfg.Ranges()[model.ServiceWeb])
}

// TestLoad_NoFile verifies that a repository without a config file gets
// the built-in defaults.
func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Empty(t, cfg.Source)
	assert.Equal(t, "main", cfg.Merge.Trunk)
	assert.Len(t, cfg.Ports, len(model.Services))
}

func TestLoad_YAML(t *testing.T) {
	repo := t.TempDir()
	path := writeConfig(t, repo, "config.yaml", `
ports:
  web:
    start: 8000
    end: 8002
staleness:
  grace_period: 48h
merge:
  trunk: develop
  diverged_threshold: 10
`)

	cfg, err := Load(repo, "")
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, model.PortRange{Start: 8000, End: 8002}, cfg.Ports["web"])
	// untouched services keep their defaults
	assert.Equal(t, model.PortRange{Start: 8100, End: 8199}, cfg.Ports["api"])
	assert.Equal(t, 48*time.Hour, cfg.Staleness.GracePeriod)
	assert.Equal(t, 90*24*time.Hour, cfg.Staleness.IdleThreshold)
	assert.Equal(t, "develop", cfg.Merge.Trunk)
	assert.Equal(t, 10, cfg.Merge.DivergedThreshold)
}

// TestLoad_JSONC verifies that comments and trailing commas are accepted.
func TestLoad_JSONC(t *testing.T) {
	repo := t.TempDir()
	writeConfig(t, repo, "config.jsonc", `{
  // tighter probes for CI
  "probe": {
    "timeout": "500ms", /* half a second */
    "concurrency": 2,
  },
}`)

	cfg, err := Load(repo, "")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Probe.Timeout)
	assert.Equal(t, 2, cfg.Probe.Concurrency)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WTREG_PROBE_TIMEOUT", "750ms")
	t.Setenv("WTREG_MERGE_TRUNK", "trunk")

	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Probe.Timeout)
	assert.Equal(t, "trunk", cfg.Merge.Trunk)
}

func TestLoad_ExplicitPathMissing(t *testing.T) {
	_, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, model.ExitValidation, model.ExitCodeFor(err))
}

func TestLoad_InvalidRanges(t *testing.T) {
	repo := t.TempDir()
	writeConfig(t, repo, "config.yaml", `
ports:
  web:
    start: 8100
    end: 8150
`)

	_, err := Load(repo, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Contains(t, err.Error(), "overlaps")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"inverted range", func(c *Config) { c.Ports["cache"] = model.PortRange{Start: 6399, End: 6300} }, "ports.cache"},
		{"port too high", func(c *Config) { c.Ports["debug"] = model.PortRange{Start: 65000, End: 70000} }, "ports.debug"},
		{"unknown service", func(c *Config) { c.Ports["smtp"] = model.PortRange{Start: 2525, End: 2526} }, "unknown service"},
		{"missing service", func(c *Config) { delete(c.Ports, "test") }, "ports.test"},
		{"zero timeout", func(c *Config) { c.Probe.Timeout = 0 }, "probe.timeout"},
		{"recent >= idle", func(c *Config) { c.Staleness.RecentActivity = c.Staleness.IdleThreshold }, "recent_activity"},
		{"no trunk", func(c *Config) { c.Merge.Trunk = "" }, "merge.trunk"},
		{"no concurrency", func(c *Config) { c.Probe.Concurrency = 0 }, "probe.concurrency"},
		{"relative http path", func(c *Config) { c.Health.HTTPPath = "health" }, "http_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// TestWriteDefault verifies the generated YAML loads back to the defaults
// and that an existing file is protected.
func TestWriteDefault(t *testing.T) {
	repo := t.TempDir()
	path := filepath.Join(repo, DefaultDir, "config.yaml")

	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false))
	require.NoError(t, WriteDefault(path, true))

	cfg, err := Load(repo, "")
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Source)

	want := Default()
	assert.Equal(t, want.Ports, cfg.Ports)
	assert.Equal(t, want.Staleness, cfg.Staleness)
	assert.Equal(t, want.Registry, cfg.Registry)
}

func TestRegistryDir(t *testing.T) {
	cfg := Default()
	assert.Equal(t, filepath.Join("/repo", DefaultDir), cfg.RegistryDir("/repo"))

	cfg.Registry.Dir = "/var/lib/wtreg"
	assert.Equal(t, "/var/lib/wtreg", cfg.RegistryDir("/repo"))
}
