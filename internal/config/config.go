// Package config provides configuration loading, validation, and
// hot-reload for the warden agent.
//
// Configuration file: /etc/warden/config.yaml (default).
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (rule thresholds, log level,
//     cadences). Destructive changes (data dir, listen addresses)
//     require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload.
//
// Validation:
//   - Numeric ranges enforced at load; invalid startup config is fatal.
//   - Paths must be absolute.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID uniquely identifies this endpoint. Default: hostname.
	NodeID string `yaml:"node_id"`

	// DeviceRole is the operator-assigned role of this host
	// (workstation, server, kiosk, ...). Part of every signature context.
	DeviceRole string `yaml:"device_role"`

	Agent         AgentConfig         `yaml:"agent"`
	Rules         RulesConfig         `yaml:"rules"`
	Profiler      ProfilerConfig      `yaml:"profiler"`
	Correlator    CorrelatorConfig    `yaml:"correlator"`
	Cooldown      CooldownConfig      `yaml:"cooldown"`
	Remediation   RemediationConfig   `yaml:"remediation"`
	Transport     TransportConfig     `yaml:"transport"`
	Scanners      ScannersConfig      `yaml:"scanners"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AgentConfig holds agent-level operational parameters.
type AgentConfig struct {
	// DataDir is where all persistent state files live.
	// Must be absolute and writable; checked at startup (fatal if not).
	DataDir string `yaml:"data_dir"`

	// TickInterval is the monitoring loop cadence. Default: 30s.
	TickInterval time.Duration `yaml:"tick_interval"`

	// SignalQueueSize is validated (>= 16) but not read by the monitoring
	// loop: the orchestrator evaluates each tick's signals in place, with
	// no queue between the collectors and the loop, so no signals are
	// dropped or counted as dropped. Default: 1024.
	SignalQueueSize int `yaml:"signal_queue_size"`

	// ShutdownGrace is the drain window on SIGTERM. Default: 5s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// RulesConfig holds the threshold table for the rule engine.
type RulesConfig struct {
	CPUCriticalPercent    float64 `yaml:"cpu_critical_percent"`    // Default 90.
	MemoryCriticalPercent float64 `yaml:"memory_critical_percent"` // Default 90.
	DiskWarningPercent    float64 `yaml:"disk_warning_percent"`    // Default 85.
	ProcessCPUPercent     float64 `yaml:"process_cpu_percent"`     // Default 80.
	ProcessMemoryMB       float64 `yaml:"process_memory_mb"`       // Default 2048.

	// OpticalDrives are drive letters never checked for low space.
	OpticalDrives []string `yaml:"optical_drives"`
}

// ProfilerConfig holds behavioral profiler parameters.
type ProfilerConfig struct {
	// MinSamples is the bucket population below which every query
	// returns insufficient data. Default: 50.
	MinSamples int `yaml:"min_samples"`

	// ZThreshold is the z-score above which a value is anomalous.
	// Default: 2.5.
	ZThreshold float64 `yaml:"z_threshold"`

	// FlushInterval is the persistence cadence. Default: 5m.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// TopProcesses is how many frequent process names get dedicated
	// cpu/memory profiles. Default: 20.
	TopProcesses int `yaml:"top_processes"`
}

// CorrelatorConfig holds sliding-window parameters.
type CorrelatorConfig struct {
	// Window is how long a signal stays eligible for compound rules.
	// Default: 30m.
	Window time.Duration `yaml:"window"`
}

// CooldownConfig holds escalation dampening parameters.
type CooldownConfig struct {
	// Steps is the escalation backoff ladder. Default: 5m, 15m, 30m,
	// 60m, 120m; repeats beyond the ladder use the last entry.
	Steps []time.Duration `yaml:"steps"`

	// BudgetCapacity caps host-touching remediations per refill window.
	// Default: 100 tokens.
	BudgetCapacity int `yaml:"budget_capacity"`

	// BudgetRefillPeriod is the interval between full refills.
	// Default: 60s.
	BudgetRefillPeriod time.Duration `yaml:"budget_refill_period"`
}

// RemediationConfig holds executor parameters.
type RemediationConfig struct {
	// StepTimeout caps a single primitive call. Default: 30s.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// DiagnosticTimeout caps the pre-escalation diagnostic runbook.
	// Default: 15s.
	DiagnosticTimeout time.Duration `yaml:"diagnostic_timeout"`

	// AutoCloseDelay is the quiescence before a finished ticket is
	// auto-closed. Default: 5s.
	AutoCloseDelay time.Duration `yaml:"auto_close_delay"`
}

// TransportConfig holds central-server connection parameters.
type TransportConfig struct {
	// ServerURL is the websocket endpoint of the central server.
	// Empty disables the transport (standalone mode).
	ServerURL string `yaml:"server_url"`

	// ReconnectMin/Max bound the reconnect backoff. Defaults: 5s / 5m.
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`

	// SendQueueSize is the bounded in-memory send queue; overflow spills
	// to the persistent pending-reports queue. Default: 256.
	SendQueueSize int `yaml:"send_queue_size"`
}

// ScannersConfig holds the out-of-band scanner schedules (cron syntax).
type ScannersConfig struct {
	// ComplianceSchedule default: "0 */6 * * *" (every 6 hours).
	ComplianceSchedule string `yaml:"compliance_schedule"`

	// DiscoverySchedule default: "30 2 * * *" (daily at 02:30).
	DiscoverySchedule string `yaml:"discovery_schedule"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus HTTP bind address.
	// Default: 127.0.0.1:9478. Loopback only.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel: debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat: json, console. Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		DeviceRole:    "workstation",
		Agent: AgentConfig{
			DataDir:         "/var/lib/warden",
			TickInterval:    30 * time.Second,
			SignalQueueSize: 1024,
			ShutdownGrace:   5 * time.Second,
		},
		Rules: RulesConfig{
			CPUCriticalPercent:    90,
			MemoryCriticalPercent: 90,
			DiskWarningPercent:    85,
			ProcessCPUPercent:     80,
			ProcessMemoryMB:       2048,
			OpticalDrives:         []string{"D", "E"},
		},
		Profiler: ProfilerConfig{
			MinSamples:    50,
			ZThreshold:    2.5,
			FlushInterval: 5 * time.Minute,
			TopProcesses:  20,
		},
		Correlator: CorrelatorConfig{
			Window: 30 * time.Minute,
		},
		Cooldown: CooldownConfig{
			Steps: []time.Duration{
				5 * time.Minute, 15 * time.Minute, 30 * time.Minute,
				60 * time.Minute, 120 * time.Minute,
			},
			BudgetCapacity:     100,
			BudgetRefillPeriod: 60 * time.Second,
		},
		Remediation: RemediationConfig{
			StepTimeout:       30 * time.Second,
			DiagnosticTimeout: 15 * time.Second,
			AutoCloseDelay:    5 * time.Second,
		},
		Transport: TransportConfig{
			ReconnectMin:  5 * time.Second,
			ReconnectMax:  5 * time.Minute,
			SendQueueSize: 256,
		},
		Scanners: ScannersConfig{
			ComplianceSchedule: "0 */6 * * *",
			DiscoverySchedule:  "30 2 * * *",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9478",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if !filepath.IsAbs(cfg.Agent.DataDir) {
		errs = append(errs, fmt.Sprintf("agent.data_dir must be absolute, got %q", cfg.Agent.DataDir))
	}
	if cfg.Agent.TickInterval < time.Second {
		errs = append(errs, fmt.Sprintf("agent.tick_interval must be >= 1s, got %s", cfg.Agent.TickInterval))
	}
	if cfg.Agent.SignalQueueSize < 16 {
		errs = append(errs, fmt.Sprintf("agent.signal_queue_size must be >= 16, got %d", cfg.Agent.SignalQueueSize))
	}
	if cfg.Rules.CPUCriticalPercent <= 0 || cfg.Rules.CPUCriticalPercent > 100 {
		errs = append(errs, fmt.Sprintf("rules.cpu_critical_percent must be in (0, 100], got %g", cfg.Rules.CPUCriticalPercent))
	}
	if cfg.Rules.MemoryCriticalPercent <= 0 || cfg.Rules.MemoryCriticalPercent > 100 {
		errs = append(errs, fmt.Sprintf("rules.memory_critical_percent must be in (0, 100], got %g", cfg.Rules.MemoryCriticalPercent))
	}
	if cfg.Rules.DiskWarningPercent <= 0 || cfg.Rules.DiskWarningPercent > 100 {
		errs = append(errs, fmt.Sprintf("rules.disk_warning_percent must be in (0, 100], got %g", cfg.Rules.DiskWarningPercent))
	}
	if cfg.Profiler.MinSamples < 2 {
		errs = append(errs, fmt.Sprintf("profiler.min_samples must be >= 2, got %d", cfg.Profiler.MinSamples))
	}
	if cfg.Profiler.ZThreshold <= 0 {
		errs = append(errs, fmt.Sprintf("profiler.z_threshold must be > 0, got %g", cfg.Profiler.ZThreshold))
	}
	if cfg.Profiler.TopProcesses < 1 {
		errs = append(errs, fmt.Sprintf("profiler.top_processes must be >= 1, got %d", cfg.Profiler.TopProcesses))
	}
	if cfg.Correlator.Window < time.Minute {
		errs = append(errs, fmt.Sprintf("correlator.window must be >= 1m, got %s", cfg.Correlator.Window))
	}
	if len(cfg.Cooldown.Steps) == 0 {
		errs = append(errs, "cooldown.steps must not be empty")
	}
	for i := 1; i < len(cfg.Cooldown.Steps); i++ {
		if cfg.Cooldown.Steps[i] < cfg.Cooldown.Steps[i-1] {
			errs = append(errs, "cooldown.steps must be non-decreasing")
			break
		}
	}
	if cfg.Cooldown.BudgetCapacity < 1 {
		errs = append(errs, fmt.Sprintf("cooldown.budget_capacity must be >= 1, got %d", cfg.Cooldown.BudgetCapacity))
	}
	if cfg.Cooldown.BudgetRefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("cooldown.budget_refill_period must be >= 1s, got %s", cfg.Cooldown.BudgetRefillPeriod))
	}
	if cfg.Remediation.StepTimeout < time.Second {
		errs = append(errs, fmt.Sprintf("remediation.step_timeout must be >= 1s, got %s", cfg.Remediation.StepTimeout))
	}
	if cfg.Transport.ServerURL != "" &&
		!strings.HasPrefix(cfg.Transport.ServerURL, "ws://") &&
		!strings.HasPrefix(cfg.Transport.ServerURL, "wss://") {
		errs = append(errs, fmt.Sprintf("transport.server_url must be a ws:// or wss:// URL, got %q", cfg.Transport.ServerURL))
	}
	if cfg.Observability.LogLevel != "" {
		switch cfg.Observability.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, fmt.Sprintf("observability.log_level must be debug|info|warn|error, got %q", cfg.Observability.LogLevel))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Paths under DataDir. Every persistent document the agent owns is named
// here so the single-writer discipline is visible in one place.

func (c *Config) TicketsPath() string       { return filepath.Join(c.Agent.DataDir, "tickets.json") }
func (c *Config) ProfilesPath() string      { return filepath.Join(c.Agent.DataDir, "behavioral-profiles.json") }
func (c *Config) ProcessFreqPath() string   { return filepath.Join(c.Agent.DataDir, "process-frequency.json") }
func (c *Config) MonthlyPath() string       { return filepath.Join(c.Agent.DataDir, "monthly-profiles.json") }
func (c *Config) ProfilerStatsPath() string { return filepath.Join(c.Agent.DataDir, "profiler-stats.json") }
func (c *Config) PatternPath() string       { return filepath.Join(c.Agent.DataDir, "pattern-detector.json") }
func (c *Config) RunbooksPath() string      { return filepath.Join(c.Agent.DataDir, "runbooks.json") }
func (c *Config) RunbookHashesPath() string { return filepath.Join(c.Agent.DataDir, "runbook-hashes.json") }
func (c *Config) ExclusionsPath() string    { return filepath.Join(c.Agent.DataDir, "exclusions.json") }
func (c *Config) CooldownsPath() string     { return filepath.Join(c.Agent.DataDir, "cooldowns.json") }
func (c *Config) JournalPath() string       { return filepath.Join(c.Agent.DataDir, "warden.db") }
