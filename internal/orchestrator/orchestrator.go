// Package orchestrator is the monitoring loop: the one place where
// observations become decisions.
//
// Per tick:
//  1. Take the latest snapshot and feed the profiler.
//  2. Run the rule engine and drain the event-log adaptor.
//  3. For each signal: generate its signature, record it with the
//     correlator and the pattern/health tracker, then decide —
//     duplicate (open ticket exists), excluded, auto-remediable
//     (runbook without approval), or escalation behind the cooldown
//     gate, with best-effort diagnostics attached.
//
// Ownership: the orchestrator goroutine is the only mutator of the
// ticket store decision path, the cooldown table, and the correlator
// window. Remediations run on worker goroutines; their ticket updates
// are serialized by the store itself. Control messages from the server
// are applied between ticks through a small command queue so they
// respect the same ownership.

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/clock"
	"github.com/warden-agent/warden/internal/collect"
	"github.com/warden-agent/warden/internal/config"
	"github.com/warden-agent/warden/internal/cooldown"
	"github.com/warden-agent/warden/internal/correlate"
	"github.com/warden-agent/warden/internal/journal"
	"github.com/warden-agent/warden/internal/metricstore"
	"github.com/warden-agent/warden/internal/observability"
	"github.com/warden-agent/warden/internal/pattern"
	"github.com/warden-agent/warden/internal/profile"
	"github.com/warden-agent/warden/internal/remediate"
	"github.com/warden-agent/warden/internal/rules"
	"github.com/warden-agent/warden/internal/runbook"
	"github.com/warden-agent/warden/internal/signal"
	"github.com/warden-agent/warden/internal/signature"
	"github.com/warden-agent/warden/internal/ticket"
	"github.com/warden-agent/warden/internal/transport"
)

// sweepEvery is how many ticks pass between health sweeps.
const sweepEvery = 10

// reportEvery is how many ticks pass between metric reports.
const reportEvery = 10

// ticketRetentionDays bounds terminal ticket history.
const ticketRetentionDays = 30

// Sender is the transport surface the orchestrator uses.
type Sender interface {
	Send(msgType string, payload any)
}

// Deps wires the orchestrator to every component it drives.
type Deps struct {
	Cfg        *config.Config
	Clk        clock.Clock
	Store      *metricstore.Store
	Profiler   *profile.Profiler
	Engine     *rules.Engine
	SigGen     *signature.Generator
	Correlator *correlate.Correlator
	Tracker    *pattern.Tracker
	Tickets    *ticket.Store
	Runbooks   *runbook.Registry
	Gate       *cooldown.Gate
	Budget     *cooldown.Budget
	Executor   *remediate.Executor
	EventLog   *collect.EventLogAdaptor
	Journal    *journal.DB
	Exclusions *config.Exclusions
	Transport  Sender
	Metrics    *observability.Metrics
	Log        *zap.Logger
}

// pendingApproval remembers an approval-gated runbook so a later
// approve-ticket control message can release it.
type pendingApproval struct {
	rb  runbook.Runbook
	sig signature.Signature
}

// Orchestrator is the monitoring loop.
type Orchestrator struct {
	d Deps

	controlCh chan transport.Envelope
	approvals map[string]pendingApproval

	tickCount uint64
	wg        sync.WaitGroup
}

// New constructs an Orchestrator. Transport may be nil at construction
// (the client needs the orchestrator as its control handler first);
// wire it with SetTransport before Run.
func New(d Deps) *Orchestrator {
	if d.Transport == nil {
		d.Transport = nopSender{}
	}
	return &Orchestrator{
		d:         d,
		controlCh: make(chan transport.Envelope, 32),
		approvals: map[string]pendingApproval{},
	}
}

// SetTransport replaces the outbound message sink. Call before Run.
func (o *Orchestrator) SetTransport(s Sender) {
	if s != nil {
		o.d.Transport = s
	}
}

// nopSender drops messages; stands in until a transport is wired.
type nopSender struct{}

func (nopSender) Send(string, any) {}

// HandleControl queues a server control message for the next loop
// turn. Implements transport.Handler.
func (o *Orchestrator) HandleControl(env transport.Envelope) {
	select {
	case o.controlCh <- env:
	default:
		o.d.Log.Warn("control queue full, dropping message", zap.String("type", env.Type))
	}
}

// Run drives the loop until ctx is cancelled, then drains for the
// shutdown grace period and flushes all persistent state.
func (o *Orchestrator) Run(ctx context.Context) {
	t := o.d.Clk.NewTicker(o.d.Cfg.Agent.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case env := <-o.controlCh:
			o.applyControl(env)
		case <-t.C():
			o.Tick()
		}
	}
}

func (o *Orchestrator) shutdown() {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.d.Cfg.Agent.ShutdownGrace):
		o.d.Log.Warn("shutdown grace elapsed with remediations in flight")
	}
	o.d.Profiler.Flush()
	o.d.Tracker.Save()
	if err := o.d.Tickets.Save(); err != nil {
		o.d.Log.Error("final ticket save failed", zap.Error(err))
	}
	o.d.Log.Info("orchestrator stopped")
}

// Tick runs one full monitoring cycle.
func (o *Orchestrator) Tick() {
	o.tickCount++
	o.d.Metrics.TicksTotal.Inc()
	now := o.d.Clk.Now()

	snap := o.d.Store.Snapshot(now)
	o.feedProfiler(snap)

	signals := o.d.Engine.Evaluate(snap)
	if o.d.EventLog != nil {
		signals = append(signals, o.d.EventLog.Drain()...)
	}

	for _, s := range signals {
		o.d.Metrics.SignalsTotal.WithLabelValues(string(s.Category), string(s.Severity)).Inc()
		o.process(s, &snap)
	}

	if o.tickCount%sweepEvery == 0 {
		o.sweep(now)
	}
	if o.tickCount%reportEvery == 0 {
		o.sendMetricReport(snap)
	}

	o.d.Metrics.ProfileBuckets.Set(float64(o.d.Profiler.BucketCount()))
	o.d.Metrics.CorrelatorWindow.Set(float64(o.d.Correlator.WindowSize()))
	o.d.Metrics.BudgetRemaining.Set(float64(o.d.Budget.Remaining()))
}

// feedProfiler records every numeric family of the snapshot.
func (o *Orchestrator) feedProfiler(snap metricstore.Snapshot) {
	at := snap.TakenAt
	if !snap.CPUCapturedAt.IsZero() {
		o.d.Profiler.Record("system:cpu", snap.CPUPercent, at)
	}
	if !snap.MemoryCapturedAt.IsZero() {
		o.d.Profiler.Record("system:memory", snap.MemoryUsedPercent, at)
	}
	for _, d := range snap.Disks {
		o.d.Profiler.Record("disk:"+d.Drive, d.UsedPercent, at)
	}
	for _, p := range snap.Processes {
		o.d.Profiler.RecordProcess(p.Name, p.CPUPercent, p.MemoryMB, at)
	}
}

// process decides what to do about one signal.
func (o *Orchestrator) process(s signal.Signal, snap *metricstore.Snapshot) {
	sig := o.d.SigGen.From(s)

	if o.d.Exclusions != nil && o.d.Exclusions.SignatureExcluded(sig.SignatureID) {
		o.d.Log.Debug("signature excluded", zap.String("signature", sig.SignatureID))
		return
	}

	// Record-then-check so the rule observes the signal it reacts to.
	o.d.Correlator.Record(s)
	corrs := o.d.Correlator.Check(s, snap)
	suggested := ""
	for _, c := range corrs {
		o.d.Metrics.CorrelationsTotal.WithLabelValues(c.RuleID).Inc()
		o.d.Tracker.RecordCorrelation(c)
		o.d.Transport.Send(transport.TypeCorrelationFired, c)
		if c.Confidence > sig.LocalConfidence {
			sig.LocalConfidence = c.Confidence
		}
		if c.Delta > 0 {
			sig.LocalConfidence = min(100, sig.LocalConfidence+c.Delta)
		}
		if !c.Escalation && c.Action != "" {
			suggested = c.Action
		}
	}

	if fired, action := o.d.Tracker.Record(s); fired != nil {
		o.d.Transport.Send(transport.TypePatternDetected, fired)
		if action != nil {
			o.d.Transport.Send(transport.TypeProactiveAction, action)
		}
	}

	if _, open := o.d.Tickets.OpenFor(sig.SignatureID); open {
		o.d.Log.Debug("open ticket exists for signature",
			zap.String("signature", sig.SignatureID))
		return
	}

	rb, haveRunbook := o.pickRunbook(sig, suggested)
	if haveRunbook && !rb.RequiresApproval {
		o.remediate(rb, sig)
		return
	}
	o.escalate(sig, rb, haveRunbook)
}

// pickRunbook prefers a correlation suggestion over the category
// default, when the suggestion names a registered runbook.
func (o *Orchestrator) pickRunbook(sig signature.Signature, suggested string) (runbook.Runbook, bool) {
	if suggested != "" {
		if rb, ok := o.d.Runbooks.Get(suggested); ok && !rb.Diagnostic {
			return rb, true
		}
	}
	rb, ok := o.d.Runbooks.Lookup(sig.Category)
	return rb, ok
}

// remediate opens a ticket and runs the runbook on a worker goroutine.
func (o *Orchestrator) remediate(rb runbook.Runbook, sig signature.Signature) {
	if !o.d.Budget.Consume(cooldown.ActionRemediation) {
		o.d.Log.Warn("action budget exhausted — deferring remediation",
			zap.String("signature", sig.SignatureID),
			zap.Int("remaining", o.d.Budget.Remaining()))
		return
	}

	tk, err := o.d.Tickets.Create(sig.SignatureID, rb.ID, len(rb.Steps), ticket.StatusOpen)
	if err != nil {
		o.d.Log.Error("ticket create failed", zap.Error(err))
		return
	}
	o.audit(tk.TicketID, sig.SignatureID, "", string(ticket.StatusOpen), "runbook "+rb.ID)
	o.d.Metrics.TicketsTotal.WithLabelValues(string(ticket.StatusOpen)).Inc()
	o.d.Transport.Send(transport.TypeTicketUpdate, tk)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runTicket(tk, rb, sig)
	}()
}

// runTicket drives one runbook execution against its ticket.
func (o *Orchestrator) runTicket(tk ticket.Ticket, rb runbook.Runbook, sig signature.Signature) {
	start := o.d.Clk.Now()
	if err := o.d.Tickets.UpdateStatus(tk.TicketID, ticket.StatusInProgress); err != nil {
		o.d.Log.Error("ticket transition failed", zap.Error(err))
		return
	}
	o.audit(tk.TicketID, sig.SignatureID, string(ticket.StatusOpen), string(ticket.StatusInProgress), "")

	out := o.d.Executor.Run(context.Background(), rb, sig, func(completed int) {
		if err := o.d.Tickets.SetProgress(tk.TicketID, completed); err != nil {
			o.d.Log.Warn("progress update failed", zap.Error(err))
		}
	})

	errMsg := out.ErrMessage
	if out.PartialFailure && errMsg == "" {
		errMsg = "partial_failure"
	}
	if err := o.d.Tickets.Close(tk.TicketID, out.Result, out.Resolution, errMsg); err != nil {
		o.d.Log.Error("ticket close failed", zap.Error(err))
		return
	}
	o.audit(tk.TicketID, sig.SignatureID, string(ticket.StatusInProgress), string(closedStatus(out.Result)),
		fmt.Sprintf("class=%s resolution=%s", out.ErrClass, out.Resolution))

	o.d.Metrics.RemediationsTotal.WithLabelValues(string(out.Result)).Inc()
	o.d.Metrics.RemediationDuration.Observe(o.d.Clk.Now().Sub(start).Seconds())
	if closed, ok := o.d.Tickets.Get(tk.TicketID); ok {
		o.d.Transport.Send(transport.TypeTicketUpdate, closed)
	}

	// Auto-close after quiescence so consumers see the final state.
	id := tk.TicketID
	o.d.Clk.AfterFunc(o.d.Cfg.Remediation.AutoCloseDelay, func() {
		if err := o.d.Tickets.MarkAutoClosed(id); err != nil {
			o.d.Log.Warn("auto-close failed", zap.Error(err))
		}
	})
}

func closedStatus(r ticket.Result) ticket.Status {
	if r == ticket.ResultSuccess {
		return ticket.StatusResolved
	}
	return ticket.StatusFailed
}

// escalationPayload is the server-bound escalation bundle.
type escalationPayload struct {
	Signature   signature.Signature `json:"signature"`
	Ticket      ticket.Ticket       `json:"ticket"`
	Diagnostics map[string]string   `json:"diagnosticData,omitempty"`
	Note        string              `json:"note,omitempty"`
}

// escalate reports a signature to the server, behind the cooldown
// gate, attaching best-effort diagnostics.
func (o *Orchestrator) escalate(sig signature.Signature, rb runbook.Runbook, approvalGated bool) {
	if !o.d.Gate.ShouldEscalate(sig.SignatureID) {
		o.d.Metrics.CooldownRefusalsTotal.Inc()
		o.d.Log.Debug("escalation under cooldown", zap.String("signature", sig.SignatureID))
		return
	}
	if !o.d.Budget.Consume(cooldown.ActionEscalation) {
		o.d.Log.Warn("action budget exhausted — deferring escalation",
			zap.String("signature", sig.SignatureID))
		return
	}

	diagnostics := o.runDiagnostics(sig)

	tk, err := o.d.Tickets.Create(sig.SignatureID, "", 0, ticket.StatusEscalated)
	if err != nil {
		o.d.Log.Error("escalation ticket create failed", zap.Error(err))
		return
	}
	o.audit(tk.TicketID, sig.SignatureID, "", string(ticket.StatusEscalated), "")
	o.d.Metrics.TicketsTotal.WithLabelValues(string(ticket.StatusEscalated)).Inc()
	o.d.Metrics.EscalationsTotal.Inc()

	note := ""
	if approvalGated {
		note = "runbook " + rb.ID + " requires approval"
		o.approvals[tk.TicketID] = pendingApproval{rb: rb, sig: sig}
	}
	o.d.Transport.Send(transport.TypeEscalation, escalationPayload{
		Signature:   sig,
		Ticket:      tk,
		Diagnostics: diagnostics,
		Note:        note,
	})
	o.d.Transport.Send(transport.TypeTicketUpdate, tk)
	o.d.Log.Info("signature escalated",
		zap.String("signature", sig.SignatureID),
		zap.String("ticket", tk.TicketID),
		zap.Int("confidence", sig.LocalConfidence))
}

// runDiagnostics best-effort runs the category's diagnostic runbook
// inside the diagnostic timeout. Partial results are fine.
func (o *Orchestrator) runDiagnostics(sig signature.Signature) map[string]string {
	rb, ok := o.d.Runbooks.LookupDiagnostic(sig.Category)
	if !ok {
		return nil
	}
	if !o.d.Budget.Consume(cooldown.ActionDiagnostic) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.d.Cfg.Remediation.DiagnosticTimeout)
	defer cancel()
	out := o.d.Executor.Run(ctx, rb, sig, nil)
	if len(out.Outputs) == 0 {
		return nil
	}
	return out.Outputs
}

// sweep refreshes health, prunes tickets, and reports health scores.
func (o *Orchestrator) sweep(now time.Time) {
	o.d.Tracker.Sweep(now)
	if removed, err := o.d.Tickets.DeleteOlderThan(ticketRetentionDays); err != nil {
		o.d.Log.Warn("ticket retention prune failed", zap.Error(err))
	} else if removed > 0 {
		o.d.Log.Info("old tickets pruned", zap.Int("removed", removed))
	}
	for _, h := range o.d.Tracker.HealthSummaries(now) {
		o.d.Transport.Send(transport.TypeHealthScore, h)
	}
}

// metricReport is the periodic server-bound snapshot summary.
type metricReport struct {
	CPUPercent    float64           `json:"cpuPercent"`
	MemoryPercent float64           `json:"memoryPercent"`
	DiskCount     int               `json:"diskCount"`
	ProcessCount  int               `json:"processCount"`
	ProfilerStats profile.Stats     `json:"profilerStats"`
	Tickets       ticket.Statistics `json:"tickets"`
}

func (o *Orchestrator) sendMetricReport(snap metricstore.Snapshot) {
	o.d.Transport.Send(transport.TypeMetricReport, metricReport{
		CPUPercent:    snap.CPUPercent,
		MemoryPercent: snap.MemoryUsedPercent,
		DiskCount:     len(snap.Disks),
		ProcessCount:  len(snap.Processes),
		ProfilerStats: o.d.Profiler.SuppressionStats(),
		Tickets:       o.d.Tickets.Statistics(),
	})
}

// applyControl handles one server control message.
func (o *Orchestrator) applyControl(env transport.Envelope) {
	switch env.Type {
	case transport.TypeAckSignature:
		var p transport.AckSignaturePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			o.d.Log.Warn("malformed acknowledge-signature", zap.Error(err))
			return
		}
		o.d.Gate.Clear(p.SignatureID)
		o.d.Log.Info("signature acknowledged — cooldown cleared",
			zap.String("signature", p.SignatureID))

	case transport.TypeUpdateExclusions:
		var f config.ExclusionFile
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			o.d.Log.Warn("malformed update-exclusions", zap.Error(err))
			return
		}
		if err := o.d.Exclusions.Replace(f); err != nil {
			o.d.Log.Error("exclusion update failed", zap.Error(err))
			return
		}
		o.d.Log.Info("exclusions updated",
			zap.Int("services", len(f.Services)),
			zap.Int("processes", len(f.Processes)))

	case transport.TypeUpdateRunbooks:
		var p struct {
			Runbooks []runbook.Runbook `json:"runbooks"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			o.d.Log.Warn("malformed update-runbooks", zap.Error(err))
			return
		}
		if err := o.d.Runbooks.ReplaceFromServer(p.Runbooks); err != nil {
			o.d.Log.Error("runbook update rejected", zap.Error(err))
			return
		}
		o.d.Log.Info("runbooks updated from server", zap.Int("count", len(p.Runbooks)))

	case transport.TypeApproveTicket:
		var p transport.ApproveTicketPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			o.d.Log.Warn("malformed approve-ticket", zap.Error(err))
			return
		}
		o.approve(p.TicketID)
	}
}

// approve releases an approval-gated runbook. The escalated ticket is
// terminal, so the released work runs under a fresh ticket that
// references the same signature.
func (o *Orchestrator) approve(ticketID string) {
	pa, ok := o.approvals[ticketID]
	if !ok {
		o.d.Log.Warn("approve-ticket for unknown ticket", zap.String("ticket", ticketID))
		return
	}
	delete(o.approvals, ticketID)
	o.d.Log.Info("ticket approved — releasing runbook",
		zap.String("ticket", ticketID), zap.String("runbook", pa.rb.ID))
	o.remediate(pa.rb, pa.sig)
}

func (o *Orchestrator) audit(ticketID, sigID, from, to, detail string) {
	if o.d.Journal == nil {
		return
	}
	err := o.d.Journal.AppendAudit(journal.AuditEntry{
		Timestamp:   o.d.Clk.Now().UTC(),
		TicketID:    ticketID,
		SignatureID: sigID,
		StatusFrom:  from,
		StatusTo:    to,
		Detail:      detail,
		NodeID:      o.d.Cfg.NodeID,
	})
	if err != nil {
		o.d.Log.Warn("audit append failed", zap.Error(err))
	}
}
