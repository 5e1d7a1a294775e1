package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, Validate(&cfg))
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schema_version: "1"
node_id: ws-042
device_role: server
rules:
  cpu_critical_percent: 80
profiler:
  min_samples: 100
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws-042", cfg.NodeID)
	assert.Equal(t, "server", cfg.DeviceRole)
	assert.Equal(t, 80.0, cfg.Rules.CPUCriticalPercent)
	assert.Equal(t, 100, cfg.Profiler.MinSamples)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Agent.TickInterval)
	assert.Equal(t, 2.5, cfg.Profiler.ZThreshold)
}

func TestValidateCatchesViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad schema", func(c *Config) { c.SchemaVersion = "2" }},
		{"empty node id", func(c *Config) { c.NodeID = "" }},
		{"relative data dir", func(c *Config) { c.Agent.DataDir = "state" }},
		{"tiny tick", func(c *Config) { c.Agent.TickInterval = 100 * time.Millisecond }},
		{"cpu threshold over 100", func(c *Config) { c.Rules.CPUCriticalPercent = 120 }},
		{"min samples under 2", func(c *Config) { c.Profiler.MinSamples = 1 }},
		{"decreasing cooldown ladder", func(c *Config) {
			c.Cooldown.Steps = []time.Duration{10 * time.Minute, 5 * time.Minute}
		}},
		{"empty cooldown ladder", func(c *Config) { c.Cooldown.Steps = nil }},
		{"http server url", func(c *Config) { c.Transport.ServerURL = "http://example.com" }},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			assert.Error(t, Validate(&cfg))
		})
	}
}

func TestLoadRejectsUnparsableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestExclusionsCaseInsensitive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exclusions.json")
	e, err := LoadExclusions(path)
	require.NoError(t, err)

	require.NoError(t, e.Replace(ExclusionFile{
		Services:   []string{"Spooler"},
		Processes:  []string{"OneDrive.exe"},
		Signatures: []string{"ABCD1234"},
	}))

	assert.True(t, e.ServiceExcluded("spooler"))
	assert.True(t, e.ServiceExcluded("SPOOLER"))
	assert.True(t, e.ProcessExcluded("onedrive.exe"))
	assert.True(t, e.SignatureExcluded("abcd1234"))
	assert.False(t, e.ServiceExcluded("bits"))

	// The replacement persisted; a reload sees the same set.
	e2, err := LoadExclusions(path)
	require.NoError(t, err)
	assert.True(t, e2.ServiceExcluded("spooler"))
}

func TestExclusionsMissingFileIsEmpty(t *testing.T) {
	e, err := LoadExclusions(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.False(t, e.ServiceExcluded("anything"))
}

func TestStatePathsLiveUnderDataDir(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.DataDir = "/var/lib/warden"
	assert.Equal(t, "/var/lib/warden/tickets.json", cfg.TicketsPath())
	assert.Equal(t, "/var/lib/warden/behavioral-profiles.json", cfg.ProfilesPath())
	assert.Equal(t, "/var/lib/warden/runbook-hashes.json", cfg.RunbookHashesPath())
	assert.Equal(t, "/var/lib/warden/warden.db", cfg.JournalPath())
}
