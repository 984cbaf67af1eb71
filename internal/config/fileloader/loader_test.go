package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
engines:
  web_vuln:
    budget: 45m
    base_url: http://zap.internal:8090
  port_scan:
    ports: 1-65535
stream:
  heartbeat_interval: 10s
`)

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	// Keys present in the file win.
	assert.Equal(t, "45m", cfg.Engines.WebVuln.Budget)
	assert.Equal(t, "http://zap.internal:8090", cfg.Engines.WebVuln.BaseURL)
	assert.Equal(t, "1-65535", cfg.Engines.PortScan.Ports)
	assert.Equal(t, "10s", cfg.Stream.HeartbeatInterval)

	// Omitted keys keep their defaults.
	assert.Equal(t, 5, cfg.Engines.WebVuln.MaxCrawlDepth)
	assert.Equal(t, "10m", cfg.Engines.PortScan.Budget)
	assert.Equal(t, 64, cfg.Engines.PortScan.Concurrency)
	assert.Equal(t, "5m", cfg.Engines.SSLTLS.Budget)
	assert.Equal(t, "2s", cfg.Stream.CompletionHold)
	assert.Equal(t, 256, cfg.Stream.BacklogCapacity)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewFileLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadMalformedYAML(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "engines: [not a mapping")

	_, err := NewFileLoader(path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadEngineOptionsPassThrough(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
engines:
  defaults:
    weight: 2.0
  port_scan:
    options:
      syn_scan: true
`)

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Engines.Defaults.Weight)
	assert.Equal(t, true, cfg.Engines.PortScan.Options["syn_scan"])
}
