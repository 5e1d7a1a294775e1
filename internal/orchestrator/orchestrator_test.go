package orchestrator

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/clock"
	"github.com/warden-agent/warden/internal/collect"
	"github.com/warden-agent/warden/internal/config"
	"github.com/warden-agent/warden/internal/cooldown"
	"github.com/warden-agent/warden/internal/correlate"
	"github.com/warden-agent/warden/internal/metricstore"
	"github.com/warden-agent/warden/internal/observability"
	"github.com/warden-agent/warden/internal/pattern"
	"github.com/warden-agent/warden/internal/primitive"
	"github.com/warden-agent/warden/internal/profile"
	"github.com/warden-agent/warden/internal/remediate"
	"github.com/warden-agent/warden/internal/rules"
	"github.com/warden-agent/warden/internal/runbook"
	"github.com/warden-agent/warden/internal/signature"
	"github.com/warden-agent/warden/internal/ticket"
	"github.com/warden-agent/warden/internal/transport"
)

var t0 = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

// sentSink records every outbound transport message.
type sentSink struct {
	mu   sync.Mutex
	msgs []sentMsg
}

type sentMsg struct {
	Type    string
	Payload any
}

func (s *sentSink) Send(msgType string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sentMsg{Type: msgType, Payload: payload})
}

func (s *sentSink) byType(msgType string) []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMsg
	for _, m := range s.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// harness assembles a full pipeline on fakes.
type harness struct {
	orch    *Orchestrator
	clk     *clock.Fake
	store   *metricstore.Store
	tickets *ticket.Store
	prim    *primitive.FakeExecutor
	sink    *sentSink
	prof    *profile.Profiler
	gate    *cooldown.Gate
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	log := zap.NewNop()
	clk := clock.NewFake(t0)

	cfg := config.Defaults()
	cfg.NodeID = "test-node"
	cfg.Agent.DataDir = dir

	store := metricstore.New()
	prof := profile.New(profile.Options{
		ProfilesPath:    filepath.Join(dir, "p.json"),
		ProcessFreqPath: filepath.Join(dir, "f.json"),
		MonthlyPath:     filepath.Join(dir, "m.json"),
		StatsPath:       filepath.Join(dir, "s.json"),
	}, clk, log)

	protected := primitive.NewProtectedSet(nil, nil)
	excl, err := config.LoadExclusions(filepath.Join(dir, "exclusions.json"))
	require.NoError(t, err)

	tickets, err := ticket.Open(filepath.Join(dir, "tickets.json"), clk, log)
	require.NoError(t, err)

	prim := primitive.NewFakeExecutor()
	gate := cooldown.NewGate(cfg.Cooldown.Steps, filepath.Join(dir, "cooldowns.json"), clk, log)
	budget := cooldown.NewBudget(1000, time.Hour)
	t.Cleanup(budget.Close)

	sink := &sentSink{}
	orch := New(Deps{
		Cfg: &cfg, Clk: clk, Store: store, Profiler: prof,
		Engine: rules.New(cfg.Rules, prof, excl, protected, log),
		SigGen: signature.NewGenerator(signature.Context{
			OSBuild: "26100", OSVersion: "win11", DeviceRole: "workstation",
		}),
		Correlator: correlate.New(cfg.Correlator.Window, log),
		Tracker:    pattern.NewTracker(filepath.Join(dir, "pattern.json"), log),
		Tickets:    tickets,
		Runbooks: runbook.NewRegistry(filepath.Join(dir, "runbooks.json"),
			filepath.Join(dir, "hashes.json"), nil, log),
		Gate: gate, Budget: budget,
		Executor: remediate.New(prim, primitive.NewLimitTable(),
			remediate.NewGuard(protected), 5*time.Second, log),
		EventLog:   collect.NewEventLogAdaptor(nil),
		Exclusions: excl,
		Transport:  sink,
		Metrics:    observability.NewMetrics(),
		Log:        log,
	})

	return &harness{orch: orch, clk: clk, store: store, tickets: tickets,
		prim: prim, sink: sink, prof: prof, gate: gate}
}

func (h *harness) putHealthy() {
	now := h.clk.Now()
	h.store.PutCPU(12, now)
	h.store.PutMemory(40, now)
	h.store.PutDisks([]metricstore.DiskUsage{
		{Drive: "C", TotalBytes: 500 << 30, UsedBytes: 150 << 30, UsedPercent: 30},
	}, now)
	h.store.PutProcesses(nil, now)
	h.store.PutServices(nil, now)
}

// waitSettled waits until no non-terminal tickets remain.
func (h *harness) waitSettled(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, tk := range h.tickets.List(0) {
			if !tk.Status.Terminal() {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthySnapshotIsANoOp(t *testing.T) {
	h := newHarness(t)
	h.putHealthy()
	h.orch.Tick()

	assert.Zero(t, h.tickets.Statistics().Total)
	assert.Empty(t, h.sink.byType(transport.TypeEscalation))
}

func TestStoppedServiceAutoRemediates(t *testing.T) {
	h := newHarness(t)
	h.putHealthy()
	h.store.PutServices([]metricstore.ServiceSample{
		{Name: "Spooler", State: metricstore.ServiceStopped, StartType: metricstore.StartAutomatic},
	}, h.clk.Now())

	h.orch.Tick()
	h.waitSettled(t)

	tks := h.tickets.List(0)
	require.Len(t, tks, 1)
	assert.Equal(t, ticket.StatusResolved, tks[0].Status)
	assert.Equal(t, ticket.ResultSuccess, tks[0].Result)
	assert.Equal(t, ticket.ResolutionFixed, tks[0].Resolution)
	assert.Equal(t, "rb-service-stopped", tks[0].RunbookID)

	calls := h.prim.CallsFor(primitive.OpRestartService)
	require.Len(t, calls, 1)
	assert.Equal(t, "spooler", calls[0].Params["name"])

	updates := h.sink.byType(transport.TypeTicketUpdate)
	assert.GreaterOrEqual(t, len(updates), 2, "open and close both reported")
}

func TestProtectedServiceFailsWithoutEscalation(t *testing.T) {
	h := newHarness(t)
	h.putHealthy()
	h.store.PutServices([]metricstore.ServiceSample{
		{Name: "RpcSs", State: metricstore.ServiceStopped, StartType: metricstore.StartAutomatic},
	}, h.clk.Now())

	h.orch.Tick()
	h.waitSettled(t)

	tks := h.tickets.List(0)
	require.Len(t, tks, 1)
	assert.Equal(t, ticket.StatusFailed, tks[0].Status)
	assert.Equal(t, ticket.ResolutionProtected, tks[0].Resolution)
	assert.Empty(t, h.prim.CallsFor(primitive.OpRestartService), "no primitive call for a protected target")
	assert.Empty(t, h.sink.byType(transport.TypeEscalation))
}

func TestDuplicateSignatureDoesNotOpenSecondTicket(t *testing.T) {
	h := newHarness(t)
	h.putHealthy()
	// Script a slow-ish failure so the ticket stays open across ticks.
	h.prim.Script(primitive.OpRestartService, primitive.Result{
		Success: false, Error: "transient", ErrClass: primitive.ErrTransient,
	})
	h.store.PutServices([]metricstore.ServiceSample{
		{Name: "Spooler", State: metricstore.ServiceStopped, StartType: metricstore.StartAutomatic},
	}, h.clk.Now())

	h.orch.Tick()
	h.waitSettled(t)
	before := h.tickets.Statistics().Total

	// Same condition, next tick: the failed ticket is terminal, so a
	// new one may open — but an identical open ticket must not double.
	h.orch.Tick()
	h.waitSettled(t)
	after := h.tickets.Statistics().Total
	assert.Equal(t, before+1, after)
}

func TestEscalationWithDiagnosticsAndCooldown(t *testing.T) {
	h := newHarness(t)
	h.prim.Script(primitive.OpCollectDiag, primitive.Result{Success: true, Output: "free=38GB largest=winsxs"})

	diskSnap := func() {
		now := h.clk.Now()
		h.store.PutCPU(12, now)
		h.store.PutMemory(40, now)
		h.store.PutDisks([]metricstore.DiskUsage{
			{Drive: "C", TotalBytes: 500 << 30, UsedBytes: 460 << 30, UsedPercent: 92},
		}, now)
		h.store.PutProcesses(nil, now)
		h.store.PutServices(nil, now)
	}

	// The storage runbook requires approval, so the breach escalates
	// with the disk diagnostic attached.
	diskSnap()
	h.orch.Tick()

	escs := h.sink.byType(transport.TypeEscalation)
	require.Len(t, escs, 1)
	payload := escs[0].Payload.(escalationPayload)
	assert.Equal(t, ticket.StatusEscalated, payload.Ticket.Status)
	assert.Contains(t, payload.Note, "rb-disk-space")
	assert.Equal(t, "free=38GB largest=winsxs", payload.Diagnostics["disk_report"])
	assert.Empty(t, h.prim.CallsFor(primitive.OpCleanTempFiles), "approval-gated runbook did not run")

	// A repeat 3 minutes later is inside the 5-minute window.
	h.clk.Advance(3 * time.Minute)
	diskSnap()
	h.orch.Tick()
	assert.Len(t, h.sink.byType(transport.TypeEscalation), 1, "cooldown refused the repeat")

	// 6 minutes after the first, the window has expired.
	h.clk.Advance(3 * time.Minute)
	diskSnap()
	h.orch.Tick()
	escs = h.sink.byType(transport.TypeEscalation)
	require.Len(t, escs, 2)

	// The second pass armed the 15-minute window.
	h.clk.Advance(10 * time.Minute)
	diskSnap()
	h.orch.Tick()
	assert.Len(t, h.sink.byType(transport.TypeEscalation), 2)
}

func TestCorrelationBoostsConfidenceAndPicksRunbook(t *testing.T) {
	h := newHarness(t)
	now := h.clk.Now()
	h.store.PutCPU(95, now)
	h.store.PutMemory(40, now)
	h.store.PutDisks([]metricstore.DiskUsage{
		{Drive: "C", TotalBytes: 500 << 30, UsedPercent: 30},
	}, now)
	h.store.PutProcesses([]metricstore.ProcessSample{
		{PID: 42, Name: "chrome.exe", CPUPercent: 85, MemoryMB: 900},
	}, now)
	h.store.PutServices(nil, now)

	h.orch.Tick()
	h.waitSettled(t)

	fired := h.sink.byType(transport.TypeCorrelationFired)
	require.NotEmpty(t, fired)
	corr := fired[0].Payload.(correlate.Correlation)
	assert.Equal(t, "cpu-crashing-process", corr.RuleID)
	assert.Equal(t, 95, corr.Confidence)

	// The suggested runbook ran for one of the tickets.
	kills := h.prim.CallsFor(primitive.OpKillProcess)
	require.NotEmpty(t, kills)
	assert.Equal(t, "chrome.exe", kills[0].Params["name"])

	// The identical pair on the next tick stays quiet (rule cooldown).
	h.clk.Advance(2 * time.Minute)
	h.store.PutCPU(95, h.clk.Now())
	h.store.PutProcesses([]metricstore.ProcessSample{
		{PID: 42, Name: "chrome.exe", CPUPercent: 85, MemoryMB: 900},
	}, h.clk.Now())
	h.orch.Tick()
	h.waitSettled(t)
	assert.Len(t, h.sink.byType(transport.TypeCorrelationFired), len(fired))
}

func TestAcknowledgeSignatureClearsCooldown(t *testing.T) {
	h := newHarness(t)
	h.putHealthy()
	h.store.PutDisks([]metricstore.DiskUsage{
		{Drive: "C", TotalBytes: 500 << 30, UsedPercent: 92},
	}, h.clk.Now())

	h.orch.Tick()
	escs := h.sink.byType(transport.TypeEscalation)
	require.Len(t, escs, 1)
	sigID := escs[0].Payload.(escalationPayload).Signature.SignatureID

	// Acknowledge via the control path, then the same breach escalates
	// again immediately.
	raw, _ := json.Marshal(transport.AckSignaturePayload{SignatureID: sigID})
	h.orch.applyControl(transport.Envelope{Type: transport.TypeAckSignature, Payload: raw})

	h.store.PutDisks([]metricstore.DiskUsage{
		{Drive: "C", TotalBytes: 500 << 30, UsedPercent: 92},
	}, h.clk.Now())
	h.orch.Tick()
	assert.Len(t, h.sink.byType(transport.TypeEscalation), 2)
}

func TestApproveTicketReleasesGatedRunbook(t *testing.T) {
	h := newHarness(t)
	h.putHealthy()
	h.store.PutDisks([]metricstore.DiskUsage{
		{Drive: "C", TotalBytes: 500 << 30, UsedPercent: 92},
	}, h.clk.Now())

	h.orch.Tick()
	escs := h.sink.byType(transport.TypeEscalation)
	require.Len(t, escs, 1)
	escTicket := escs[0].Payload.(escalationPayload).Ticket

	raw, _ := json.Marshal(transport.ApproveTicketPayload{TicketID: escTicket.TicketID})
	h.orch.applyControl(transport.Envelope{Type: transport.TypeApproveTicket, Payload: raw})
	h.waitSettled(t)

	calls := h.prim.CallsFor(primitive.OpCleanTempFiles)
	require.Len(t, calls, 1, "approval released the storage runbook")
	assert.Equal(t, "C", calls[0].Params["drive"])

	// The released run tracks under a fresh ticket.
	stats := h.tickets.Statistics()
	assert.Equal(t, 1, stats.Escalated)
	assert.Equal(t, 1, stats.Resolved)
}

func TestProfileSuppressionPreventsTicket(t *testing.T) {
	h := newHarness(t)

	// Train the 14:00 weekday bucket: mean 88, sigma 3.
	for i := 0; i < 100; i++ {
		h.prof.Record("system:cpu", 85, t0)
		h.prof.Record("system:cpu", 91, t0)
	}

	h.putHealthy()
	h.store.PutCPU(92, h.clk.Now()) // Breach, but z ≈ 1.33.
	h.orch.Tick()

	assert.Zero(t, h.tickets.Statistics().Total)
	assert.Equal(t, int64(1), h.prof.SuppressionStats().LifetimeSuppressed)
}

func TestEventLogSignalsFlowThroughPipeline(t *testing.T) {
	h := newHarness(t)
	h.putHealthy()

	rec, ok := collect.Convert(collect.EventRecord{
		Source: "System", Level: "error",
		Message:  "SMART detected a read error on disk 0",
		LoggedAt: h.clk.Now(),
	})
	require.True(t, ok)
	h.orch.d.EventLog.Inject(rec)

	h.orch.Tick()
	h.waitSettled(t)

	// Event-log remediation requires approval, so this escalates.
	escs := h.sink.byType(transport.TypeEscalation)
	require.Len(t, escs, 1)
	assert.Equal(t, "smart:read-errors", escs[0].Payload.(escalationPayload).Signature.Symptoms[0].Metric)
}
