// Package correlate holds the sliding window of recent signals and the
// compound rules that turn co-occurring symptoms into higher-confidence
// findings.
//
// Window: each recorded signal stays eligible for its window duration
// (default 30 minutes) and is pruned on the next record. Record then
// Check is serialized per signal by the orchestrator, so a rule always
// observes the signal that triggered it.
//
// Each rule carries its own cooldown (10–30 minutes): once fired it
// stays quiet for that long no matter how many qualifying pairs arrive.
// The stopped-service cascade rule counts distinct service names on
// this device, not raw signal counts.

package correlate

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/metricstore"
	"github.com/warden-agent/warden/internal/signal"
)

// DefaultWindow is how long a signal stays correlatable.
const DefaultWindow = 30 * time.Minute

// Correlation is one fired compound rule.
type Correlation struct {
	RuleID      string    `json:"ruleId"`
	SignalIDs   []string  `json:"signals"`
	Confidence  int       `json:"confidence"`      // Absolute confidence, 0 when only a delta applies.
	Delta       int       `json:"confidenceDelta"` // Additive boost, 0 when Confidence is absolute.
	Description string    `json:"description"`
	Action      string    `json:"action"` // Suggested runbook id or escalation note.
	Escalation  bool      `json:"escalation"`
	FiredAt     time.Time `json:"firedAt"`
}

type entry struct {
	sig signal.Signal
	at  time.Time
}

// rule is one compound matcher. match returns the fired correlation,
// or nil when the rule does not apply.
type rule struct {
	id       string
	cooldown time.Duration
	match    func(c *Correlator, trigger signal.Signal, snap *metricstore.Snapshot) *Correlation
}

// Correlator owns the window and rule state. Not safe for concurrent
// use; the orchestrator is the only caller.
type Correlator struct {
	window    time.Duration
	entries   []entry
	lastFired map[string]time.Time
	rules     []rule
	log       *zap.Logger
}

// New constructs a Correlator with the builtin rule set.
func New(window time.Duration, log *zap.Logger) *Correlator {
	if window <= 0 {
		window = DefaultWindow
	}
	c := &Correlator{
		window:    window,
		lastFired: map[string]time.Time{},
		log:       log,
	}
	c.rules = builtinRules()
	return c
}

// Record adds a signal to the window and prunes expired entries.
func (c *Correlator) Record(s signal.Signal) {
	cutoff := s.ObservedAt.Add(-c.window)
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
	c.entries = append(c.entries, entry{sig: s, at: s.ObservedAt})
}

// Check evaluates every rule against the window with s as the trigger.
// snap carries the latest host state for rules that look beyond
// signals (e.g. whether the update service is running). Returns the
// correlations that fired, cooldowns honored.
func (c *Correlator) Check(s signal.Signal, snap *metricstore.Snapshot) []Correlation {
	var fired []Correlation
	for _, r := range c.rules {
		if last, ok := c.lastFired[r.id]; ok && s.ObservedAt.Sub(last) < r.cooldown {
			continue
		}
		corr := r.match(c, s, snap)
		if corr == nil {
			continue
		}
		corr.RuleID = r.id
		corr.FiredAt = s.ObservedAt
		c.lastFired[r.id] = s.ObservedAt
		fired = append(fired, *corr)
		c.log.Info("correlation fired",
			zap.String("rule", r.id),
			zap.Int("signals", len(corr.SignalIDs)),
			zap.String("action", corr.Action))
	}
	return fired
}

// find returns window signals satisfying pred.
func (c *Correlator) find(pred func(signal.Signal) bool) []signal.Signal {
	var out []signal.Signal
	for _, e := range c.entries {
		if pred(e.sig) {
			out = append(out, e.sig)
		}
	}
	return out
}

func ids(ss []signal.Signal) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}

func builtinRules() []rule {
	return []rule{
		{
			id:       "cpu-crashing-process",
			cooldown: 10 * time.Minute,
			match: func(c *Correlator, _ signal.Signal, _ *metricstore.Snapshot) *Correlation {
				cpu := c.find(func(s signal.Signal) bool {
					return s.Metric == "system:cpu" && s.Severity == signal.SeverityCritical
				})
				proc := c.find(func(s signal.Signal) bool { return s.Metric == "process_cpu" })
				if len(cpu) == 0 || len(proc) == 0 {
					return nil
				}
				name := proc[len(proc)-1].Meta(signal.MetaProcessName)
				return &Correlation{
					SignalIDs:   append(ids(cpu), ids(proc)...),
					Confidence:  95,
					Description: fmt.Sprintf("system CPU saturation traced to process %q", name),
					Action:      "targeted-process-kill",
				}
			},
		},
		{
			id:       "memory-hungry-process",
			cooldown: 10 * time.Minute,
			match: func(c *Correlator, _ signal.Signal, _ *metricstore.Snapshot) *Correlation {
				mem := c.find(func(s signal.Signal) bool {
					return s.Metric == "system:memory" && s.Severity == signal.SeverityCritical
				})
				proc := c.find(func(s signal.Signal) bool { return s.Metric == "process_memory" })
				if len(mem) == 0 || len(proc) == 0 {
					return nil
				}
				name := proc[len(proc)-1].Meta(signal.MetaProcessName)
				return &Correlation{
					SignalIDs:   append(ids(mem), ids(proc)...),
					Confidence:  95,
					Description: fmt.Sprintf("memory pressure traced to process %q", name),
					Action:      "targeted-process-restart",
				}
			},
		},
		{
			id:       "disk-full-update-cache",
			cooldown: 30 * time.Minute,
			match: func(c *Correlator, _ signal.Signal, snap *metricstore.Snapshot) *Correlation {
				disk := c.find(func(s signal.Signal) bool {
					return s.Category == signal.CategoryStorage && strings.HasPrefix(s.Metric, "disk:")
				})
				if len(disk) == 0 || snap == nil {
					return nil
				}
				updating := false
				for _, svc := range snap.Services {
					if strings.EqualFold(svc.Name, "wuauserv") && svc.State == metricstore.ServiceRunning {
						updating = true
						break
					}
				}
				if !updating {
					return nil
				}
				return &Correlation{
					SignalIDs:   ids(disk),
					Delta:       25,
					Description: "low disk space while the update service is running",
					Action:      "clear-update-cache-first",
				}
			},
		},
		{
			id:       "stopped-service-cascade",
			cooldown: 10 * time.Minute,
			match: func(c *Correlator, _ signal.Signal, _ *metricstore.Snapshot) *Correlation {
				stopped := c.find(func(s signal.Signal) bool {
					return s.Category == signal.CategoryServices && s.Meta(signal.MetaServiceName) != ""
				})
				names := map[string]struct{}{}
				for _, s := range stopped {
					names[strings.ToLower(s.Meta(signal.MetaServiceName))] = struct{}{}
				}
				if len(names) < 2 {
					return nil
				}
				return &Correlation{
					SignalIDs:   ids(stopped),
					Delta:       15,
					Description: fmt.Sprintf("%d distinct automatic services stopped — possible cascade", len(names)),
					Action:      "possible-service-cascade",
					Escalation:  true,
				}
			},
		},
		{
			id:       "network-degradation",
			cooldown: 15 * time.Minute,
			match: func(c *Correlator, _ signal.Signal, _ *metricstore.Snapshot) *Correlation {
				kinds := map[string][]signal.Signal{}
				for _, s := range c.find(func(s signal.Signal) bool { return s.Category == signal.CategoryNetwork }) {
					switch s.Metric {
					case "network:dns", "network:gateway", "network:connectivity":
						kinds[s.Metric] = append(kinds[s.Metric], s)
					}
				}
				if len(kinds) < 2 {
					return nil
				}
				var all []signal.Signal
				for _, ss := range kinds {
					all = append(all, ss...)
				}
				return &Correlation{
					SignalIDs:   ids(all),
					Confidence:  90,
					Description: "multiple network symptom classes within the window",
					Action:      "full-network-reset",
				}
			},
		},
	}
}

// WindowSize returns the current entry count (telemetry).
func (c *Correlator) WindowSize() int { return len(c.entries) }
