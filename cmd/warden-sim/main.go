// Package main — cmd/warden-sim/main.go
//
// Warden pipeline simulator.
//
// Purpose: drive the full detection → signature → correlation →
// remediation pipeline against synthetic host states, without touching
// a real host. Primitives are faked, time is faked, and every tick's
// decisions print as CSV so a scenario's behaviour can be inspected
// (or diffed) offline.
//
// Scenario model: the host starts healthy, then a configurable fault
// is injected for a stretch of ticks — CPU saturation pinned to a
// process, a stopped automatic service, or a filling disk. The summary
// reports tickets (resolved, failed, escalated), suppressions, and
// primitive calls.
//
// Output: per-tick CSV to stdout (tick, cpu_percent, tickets_total, escalated)
// Summary: totals to stderr.
//
// Usage:
//   warden-sim [flags]
//   warden-sim -ticks 120 -fault cpu -fault-at 20 -fault-len 30

package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/clock"
	"github.com/warden-agent/warden/internal/collect"
	"github.com/warden-agent/warden/internal/config"
	"github.com/warden-agent/warden/internal/cooldown"
	"github.com/warden-agent/warden/internal/correlate"
	"github.com/warden-agent/warden/internal/metricstore"
	"github.com/warden-agent/warden/internal/observability"
	"github.com/warden-agent/warden/internal/orchestrator"
	"github.com/warden-agent/warden/internal/pattern"
	"github.com/warden-agent/warden/internal/primitive"
	"github.com/warden-agent/warden/internal/profile"
	"github.com/warden-agent/warden/internal/remediate"
	"github.com/warden-agent/warden/internal/rules"
	"github.com/warden-agent/warden/internal/runbook"
	"github.com/warden-agent/warden/internal/signature"
	"github.com/warden-agent/warden/internal/ticket"
)

func main() {
	ticks := flag.Int("ticks", 120, "Number of simulated ticks")
	fault := flag.String("fault", "cpu", "Fault to inject: cpu, service, disk, none")
	faultAt := flag.Int("fault-at", 20, "Tick at which the fault appears")
	faultLen := flag.Int("fault-len", 30, "How many ticks the fault lasts")
	dataDir := flag.String("data-dir", "", "State dir (default: temp dir, discarded)")
	flag.Parse()

	switch *fault {
	case "cpu", "service", "disk", "none":
	default:
		fmt.Fprintln(os.Stderr, "ERROR: fault must be cpu, service, disk, or none")
		os.Exit(1)
	}

	dir := *dataDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "warden-sim-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
	}

	cfg := config.Defaults()
	cfg.NodeID = "sim"
	cfg.Agent.DataDir = dir

	log := zap.NewNop()
	clk := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))

	store := metricstore.New()
	profiler := profile.New(profile.Options{
		MinSamples: cfg.Profiler.MinSamples,
		ZThreshold: cfg.Profiler.ZThreshold,
	}, clk, log)
	protected := primitive.NewProtectedSet(nil, nil)
	excl, _ := config.LoadExclusions(dir + "/exclusions.json")
	engine := rules.New(cfg.Rules, profiler, excl, protected, log)
	tickets, err := ticket.Open(dir+"/tickets.json", clk, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: ticket store: %v\n", err)
		os.Exit(1)
	}
	registry := runbook.NewRegistry(dir+"/runbooks.json", dir+"/runbook-hashes.json", nil, log)
	tracker := pattern.NewTracker(dir+"/pattern-detector.json", log)
	gate := cooldown.NewGate(cfg.Cooldown.Steps, dir+"/cooldowns.json", clk, log)
	budget := cooldown.NewBudget(cfg.Cooldown.BudgetCapacity, cfg.Cooldown.BudgetRefillPeriod)
	defer budget.Close()
	prim := primitive.NewFakeExecutor()
	executor := remediate.New(prim, primitive.NewLimitTable(), remediate.NewGuard(protected),
		cfg.Remediation.StepTimeout, log)

	orch := orchestrator.New(orchestrator.Deps{
		Cfg: &cfg, Clk: clk, Store: store, Profiler: profiler,
		Engine: engine,
		SigGen: signature.NewGenerator(signature.Context{
			OSBuild: "sim", OSVersion: "sim", DeviceRole: "workstation",
		}),
		Correlator: correlate.New(cfg.Correlator.Window, log),
		Tracker:    tracker, Tickets: tickets, Runbooks: registry,
		Gate: gate, Budget: budget, Executor: executor,
		EventLog: collect.NewEventLogAdaptor(nil),
		Metrics:  observability.NewMetrics(),
		Log:      log,
	})

	w := csv.NewWriter(os.Stdout)
	defer w.Flush()
	w.Write([]string{"tick", "cpu_percent", "tickets_total", "escalated"}) //nolint:errcheck

	for i := 0; i < *ticks; i++ {
		now := clk.Now()
		inFault := *fault != "none" && i >= *faultAt && i < *faultAt+*faultLen

		cpuPct := 15.0
		if inFault && *fault == "cpu" {
			cpuPct = 97.0
		}
		store.PutCPU(cpuPct, now)
		store.PutMemory(42.0, now)

		diskPct := 55.0
		if inFault && *fault == "disk" {
			diskPct = 93.0
		}
		store.PutDisks([]metricstore.DiskUsage{{
			Drive: "C", TotalBytes: 500 << 30,
			UsedBytes: uint64(diskPct / 100 * float64(500<<30)), UsedPercent: diskPct,
		}}, now)

		procs := []metricstore.ProcessSample{
			{PID: 4242, Name: "renderer.exe", CPUPercent: 12, MemoryMB: 300},
		}
		if inFault && *fault == "cpu" {
			procs[0].CPUPercent = 88
		}
		store.PutProcesses(procs, now)

		svcState := metricstore.ServiceRunning
		if inFault && *fault == "service" {
			svcState = metricstore.ServiceStopped
		}
		store.PutServices([]metricstore.ServiceSample{
			{Name: "Spooler", State: svcState, StartType: metricstore.StartAutomatic},
		}, now)

		orch.Tick()
		clk.Advance(cfg.Agent.TickInterval)

		stats := tickets.Statistics()
		w.Write([]string{ //nolint:errcheck
			strconv.Itoa(i),
			strconv.FormatFloat(cpuPct, 'f', 1, 64),
			strconv.Itoa(stats.Total),
			strconv.Itoa(stats.Escalated),
		})
	}

	// Let in-flight remediations settle before summarizing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tickets.Statistics().Open == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := tickets.Statistics()
	susp := profiler.SuppressionStats()
	fmt.Fprintf(os.Stderr, "ticks=%d fault=%s tickets=%d resolved=%d failed=%d escalated=%d suppressed=%d primitive_calls=%d\n",
		*ticks, *fault, stats.Total, stats.Resolved, stats.Failed, stats.Escalated,
		susp.LifetimeSuppressed, len(prim.Calls()))
}
