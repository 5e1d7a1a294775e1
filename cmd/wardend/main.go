// Package main — cmd/wardend/main.go
//
// Warden agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/warden/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Verify the data dir exists and is writable.
//  4. Open the journal (BoltDB) and prune stale entries.
//  5. Load exclusions, ticket store, profiler, runbook registry.
//  6. Start Prometheus metrics server (loopback).
//  7. Start collectors, transport, scanners, profiler flush schedule.
//  8. Start the orchestrator loop.
//  9. Register SIGHUP handler for config hot-reload.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Orchestrator drains, flushes profiler and trackers, saves tickets.
//  3. Scanners stop, journal closes, logger flushes.
//  4. Exit 0.
//
// Exit codes: 0 normal shutdown, 1 unrecoverable I/O (data dir,
// logger), 2 invalid persisted state that could not be salvaged.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warden-agent/warden/internal/clock"
	"github.com/warden-agent/warden/internal/collect"
	"github.com/warden-agent/warden/internal/config"
	"github.com/warden-agent/warden/internal/cooldown"
	"github.com/warden-agent/warden/internal/correlate"
	"github.com/warden-agent/warden/internal/journal"
	"github.com/warden-agent/warden/internal/metricstore"
	"github.com/warden-agent/warden/internal/observability"
	"github.com/warden-agent/warden/internal/orchestrator"
	"github.com/warden-agent/warden/internal/pattern"
	"github.com/warden-agent/warden/internal/primitive"
	"github.com/warden-agent/warden/internal/profile"
	"github.com/warden-agent/warden/internal/remediate"
	"github.com/warden-agent/warden/internal/rules"
	"github.com/warden-agent/warden/internal/runbook"
	"github.com/warden-agent/warden/internal/scanner"
	"github.com/warden-agent/warden/internal/signature"
	"github.com/warden-agent/warden/internal/ticket"
	"github.com/warden-agent/warden/internal/transport"
)

const (
	exitOK           = 0
	exitFatalIO      = 1
	exitInvalidState = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/warden/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("wardend %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		return exitFatalIO
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		return exitFatalIO
	}
	defer log.Sync() //nolint:errcheck

	log.Info("warden starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	// Data dir must be writable before anything persists.
	if err := os.MkdirAll(cfg.Agent.DataDir, 0o700); err != nil {
		log.Error("data dir not writable", zap.String("dir", cfg.Agent.DataDir), zap.Error(err))
		return exitFatalIO
	}
	probe := filepath.Join(cfg.Agent.DataDir, ".write-probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		log.Error("data dir not writable", zap.String("dir", cfg.Agent.DataDir), zap.Error(err))
		return exitFatalIO
	}
	os.Remove(probe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real()

	// Journal. A schema mismatch or corrupt file is unsalvageable state.
	jrnl, err := journal.Open(cfg.JournalPath(), journal.DefaultRetentionDays)
	if err != nil {
		log.Error("journal open failed", zap.Error(err))
		if strings.Contains(err.Error(), "schema") {
			return exitInvalidState
		}
		return exitFatalIO
	}
	defer jrnl.Close() //nolint:errcheck
	if pruned, err := jrnl.Prune(); err != nil {
		log.Warn("journal pruning failed", zap.Error(err))
	} else if pruned > 0 {
		log.Info("journal pruned", zap.Int("deleted", pruned))
	}

	// Persistent stores.
	exclusions, err := config.LoadExclusions(cfg.ExclusionsPath())
	if err != nil {
		log.Warn("exclusions unreadable, treating as unsalvageable", zap.Error(err))
		return exitInvalidState
	}

	tickets, err := ticket.Open(cfg.TicketsPath(), clk, log.Named("tickets"))
	if err != nil {
		log.Error("ticket store unsalvageable", zap.Error(err))
		return exitInvalidState
	}

	profiler := profile.New(profile.Options{
		MinSamples:      cfg.Profiler.MinSamples,
		ZThreshold:      cfg.Profiler.ZThreshold,
		TopProcesses:    cfg.Profiler.TopProcesses,
		ProfilesPath:    cfg.ProfilesPath(),
		ProcessFreqPath: cfg.ProcessFreqPath(),
		MonthlyPath:     cfg.MonthlyPath(),
		StatsPath:       cfg.ProfilerStatsPath(),
	}, clk, log.Named("profiler"))

	registry := runbook.NewRegistry(cfg.RunbooksPath(), cfg.RunbookHashesPath(),
		func(kind, detail string) {
			if err := jrnl.AppendSecurityEvent(journal.SecurityEvent{
				Kind: kind, Detail: detail, NodeID: cfg.NodeID,
			}); err != nil {
				log.Warn("security event write failed", zap.Error(err))
			}
		}, log.Named("runbooks"))
	defer registry.Close()
	if err := registry.Watch(); err != nil {
		log.Debug("runbook watch unavailable", zap.Error(err))
	}

	tracker := pattern.NewTracker(cfg.PatternPath(), log.Named("patterns"))
	gate := cooldown.NewGate(cfg.Cooldown.Steps, cfg.CooldownsPath(), clk, log.Named("cooldown"))
	budget := cooldown.NewBudget(cfg.Cooldown.BudgetCapacity, cfg.Cooldown.BudgetRefillPeriod)
	defer budget.Close()

	protected := primitive.NewProtectedSet(nil, nil)
	limits := primitive.NewLimitTable()

	// The host primitive layer attaches here. Until a platform adapter
	// is wired in, the fake refuses nothing and touches nothing.
	prim := primitive.Executor(primitive.NewFakeExecutor())

	executor := remediate.New(prim, limits, remediate.NewGuard(protected),
		cfg.Remediation.StepTimeout, log.Named("executor"))

	store := metricstore.New()
	engine := rules.New(cfg.Rules, profiler, exclusions, protected, log.Named("rules"))
	build, osVersion := collect.HostInfo(ctx)
	sigGen := signature.NewGenerator(signature.Context{
		OSBuild:    build,
		OSVersion:  osVersion,
		DeviceRole: cfg.DeviceRole,
	})
	correlator := correlate.New(cfg.Correlator.Window, log.Named("correlator"))
	eventlog := collect.NewEventLogAdaptor(nil)

	// Metrics server.
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// Orchestrator first so the transport can hand it control messages.
	orch := orchestrator.New(orchestrator.Deps{
		Cfg: cfg, Clk: clk, Store: store, Profiler: profiler,
		Engine: engine, SigGen: sigGen, Correlator: correlator,
		Tracker: tracker, Tickets: tickets, Runbooks: registry,
		Gate: gate, Budget: budget, Executor: executor,
		EventLog: eventlog, Journal: jrnl, Exclusions: exclusions,
		Metrics: metrics, Log: log.Named("orchestrator"),
	})

	client := transport.New(transport.Options{
		ServerURL:     cfg.Transport.ServerURL,
		NodeID:        cfg.NodeID,
		ReconnectMin:  cfg.Transport.ReconnectMin,
		ReconnectMax:  cfg.Transport.ReconnectMax,
		SendQueueSize: cfg.Transport.SendQueueSize,
	}, jrnl, orch, log.Named("transport"))
	orch.SetTransport(client)
	go client.Run(ctx)

	// Collectors.
	runner := collect.NewRunner(clk, log.Named("collect"),
		collect.NewCPUCollector(store, clk),
		collect.NewMemoryCollector(store, clk),
		collect.NewDiskCollector(store, clk),
		collect.NewProcessCollector(store, clk),
		collect.NewServiceCollector(store, nil, clk),
		eventlog,
	)
	runner.Run(ctx, cfg.Agent.TickInterval)
	log.Info("collectors started", zap.Duration("interval", cfg.Agent.TickInterval))

	// Background schedules: profiler flush plus the two scanners.
	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", cfg.Profiler.FlushInterval), profiler.Flush); err != nil {
		log.Error("profiler flush schedule failed", zap.Error(err))
		return exitFatalIO
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	scanners := scanner.New(store, tickets, clk, cfg.NodeID,
		filepath.Join(cfg.Agent.DataDir, "compliance-snapshot.json"),
		filepath.Join(cfg.Agent.DataDir, "discovery-snapshot.json"),
		log.Named("scanner"))
	if err := scanners.Start(cfg.Scanners.ComplianceSchedule, cfg.Scanners.DiscoverySchedule); err != nil {
		log.Error("scanner schedule invalid", zap.Error(err))
		return exitFatalIO
	}
	defer scanners.Stop()

	// The loop.
	orchDone := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(orchDone)
	}()
	log.Info("monitoring loop started", zap.Duration("tick", cfg.Agent.TickInterval))

	// SIGHUP hot-reload: non-destructive fields only.
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			engine.SetConfig(newCfg.Rules)
			log.Info("config hot-reload applied",
				zap.Float64("cpu_critical", newCfg.Rules.CPUCriticalPercent),
				zap.Float64("disk_warning", newCfg.Rules.DiskWarningPercent))
		}
	}()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	<-orchDone

	log.Info("warden shutdown complete")
	return exitOK
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}
