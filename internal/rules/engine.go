// Package rules turns metric snapshots into signals.
//
// Each rule inspects one slice of the snapshot and emits at most one
// signal per offending subject per tick. Numeric performance signals
// are gated by the behavioral profiler before emission: a breach that
// is normal for this hour of week on this machine is suppressed and
// counted, not reported. Service and disk rules are never
// profile-gated — a stopped automatic service is wrong at any hour.
//
// Severity note: the stopped-service rule ranks "high" in the upstream
// taxonomy; signals carry the three-level scale, so it is emitted as
// critical with the raw rank preserved in metadata.

package rules

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/config"
	"github.com/warden-agent/warden/internal/metricstore"
	"github.com/warden-agent/warden/internal/primitive"
	"github.com/warden-agent/warden/internal/profile"
	"github.com/warden-agent/warden/internal/signal"
)

// minDiskTotalBytes filters optical and unmounted pseudo-drives.
const minDiskTotalBytes = 1 << 30

// ProfileGate is the profiler surface the engine consumes.
type ProfileGate interface {
	IsAnomalous(metric string, value float64, at time.Time) profile.Verdict
	CountSuppression(at time.Time)
}

// Engine evaluates the rule set against a snapshot.
type Engine struct {
	cfg        config.RulesConfig
	gate       ProfileGate
	exclusions *config.Exclusions
	protected  *primitive.ProtectedSet
	log        *zap.Logger
}

// New constructs an Engine. gate may be nil (no profile suppression),
// which only happens in tests.
func New(cfg config.RulesConfig, gate ProfileGate, excl *config.Exclusions, prot *primitive.ProtectedSet, log *zap.Logger) *Engine {
	return &Engine{cfg: cfg, gate: gate, exclusions: excl, protected: prot, log: log}
}

// SetConfig swaps the threshold table (hot-reload path).
func (e *Engine) SetConfig(cfg config.RulesConfig) { e.cfg = cfg }

// Evaluate runs every rule against the snapshot and returns the signals
// that survived profile gating.
func (e *Engine) Evaluate(snap metricstore.Snapshot) []signal.Signal {
	var out []signal.Signal
	at := snap.TakenAt

	// System CPU.
	if !snap.CPUCapturedAt.IsZero() && snap.CPUPercent > e.cfg.CPUCriticalPercent {
		s := signal.New(signal.CategoryPerformance, "system:cpu",
			snap.CPUPercent, e.cfg.CPUCriticalPercent, signal.SeverityCritical, at)
		if top, ok := snap.TopCPUProcess(); ok && !e.protected.Process(top.Name) {
			s = s.WithMeta(signal.MetaProcessName, top.Name).
				WithMeta(signal.MetaPID, fmt.Sprintf("%d", top.PID))
		}
		out = e.emitGated(out, s, at)
	}

	// System memory.
	if !snap.MemoryCapturedAt.IsZero() && snap.MemoryUsedPercent > e.cfg.MemoryCriticalPercent {
		s := signal.New(signal.CategoryPerformance, "system:memory",
			snap.MemoryUsedPercent, e.cfg.MemoryCriticalPercent, signal.SeverityCritical, at)
		out = e.emitGated(out, s, at)
	}

	// Disks. Not profile-gated.
	for _, d := range snap.Disks {
		if d.TotalBytes < minDiskTotalBytes {
			continue
		}
		if e.opticalDrive(d.Drive) {
			continue
		}
		if d.UsedPercent > e.cfg.DiskWarningPercent {
			s := signal.New(signal.CategoryStorage, "disk:"+strings.ToUpper(d.Drive),
				d.UsedPercent, e.cfg.DiskWarningPercent, signal.SeverityWarning, at).
				WithMeta(signal.MetaDrive, strings.ToUpper(d.Drive))
			out = append(out, s)
		}
	}

	// Services. Not profile-gated.
	for _, svc := range snap.Services {
		if svc.State != metricstore.ServiceStopped || svc.StartType != metricstore.StartAutomatic {
			continue
		}
		if e.exclusions != nil && e.exclusions.ServiceExcluded(svc.Name) {
			continue
		}
		s := signal.New(signal.CategoryServices, "service:"+strings.ToLower(svc.Name),
			0, 0, signal.SeverityCritical, at).
			WithMeta(signal.MetaServiceName, svc.Name).
			WithMeta(signal.MetaStartType, string(svc.StartType)).
			WithMeta(signal.MetaRawSeverity, "high")
		out = append(out, s)
	}

	// Per-process CPU and memory.
	for _, p := range snap.Processes {
		if e.protected.Process(p.Name) {
			continue
		}
		if e.exclusions != nil && e.exclusions.ProcessExcluded(p.Name) {
			continue
		}
		if p.CPUPercent > e.cfg.ProcessCPUPercent {
			s := signal.New(signal.CategoryPerformance, "process_cpu",
				p.CPUPercent, e.cfg.ProcessCPUPercent, signal.SeverityWarning, at).
				WithMeta(signal.MetaProcessName, p.Name).
				WithMeta(signal.MetaPID, fmt.Sprintf("%d", p.PID))
			out = e.emitGated(out, s, at)
		}
		if e.cfg.ProcessMemoryMB > 0 && p.MemoryMB > e.cfg.ProcessMemoryMB {
			s := signal.New(signal.CategoryPerformance, "process_memory",
				p.MemoryMB, e.cfg.ProcessMemoryMB, signal.SeverityWarning, at).
				WithMeta(signal.MetaProcessName, p.Name).
				WithMeta(signal.MetaPID, fmt.Sprintf("%d", p.PID))
			out = e.emitGated(out, s, at)
		}
	}

	return out
}

// emitGated appends s unless the profiler recognizes the reading as
// normal for this hour. Insufficient data lets the signal through — a
// young profile must not mask real breaches.
func (e *Engine) emitGated(out []signal.Signal, s signal.Signal, at time.Time) []signal.Signal {
	if e.gate == nil {
		return append(out, s)
	}
	metric := s.Metric
	if proc := s.Meta(signal.MetaProcessName); proc != "" && strings.HasPrefix(metric, "process_") {
		// Per-process profiles are keyed by name, not by the rule metric.
		switch metric {
		case "process_cpu":
			metric = "process:" + proc + ":cpu"
		case "process_memory":
			metric = "process:" + proc + ":memory"
		}
	}
	v := e.gate.IsAnomalous(metric, s.Value, at)
	if !v.Anomalous && v.Reason != profile.ReasonInsufficientData {
		e.gate.CountSuppression(at)
		e.log.Debug("signal suppressed by profile",
			zap.String("metric", s.Metric),
			zap.Float64("value", s.Value),
			zap.String("reason", string(v.Reason)),
			zap.Float64("z", v.Z))
		return out
	}
	return append(out, s)
}

func (e *Engine) opticalDrive(letter string) bool {
	for _, d := range e.cfg.OpticalDrives {
		if strings.EqualFold(d, letter) {
			return true
		}
	}
	return false
}
