// Package pattern keeps the long memory of the agent: which conditions
// recur, what that does to component health, and which recurring
// problems deserve a proactive fix before they bite again.
//
// Occurrence history is pruned by age (90 days) and by count. Pattern
// rules are keyed by signal-id prefix: when a prefix accumulates its
// minimum occurrence count inside the 30-day pattern window and no
// pending proactive action exists for it, one is created with a
// generated title, steps, and urgency.
//
// Everything persists to a single versioned document,
// pattern-detector.json, written through the atomic temp-rename path.

package pattern

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/correlate"
	"github.com/warden-agent/warden/internal/fsatomic"
	"github.com/warden-agent/warden/internal/signal"
)

const (
	// fileVersion guards the persisted document schema.
	fileVersion = 1

	// occurrenceRetention is the age bound on history.
	occurrenceRetention = 90 * 24 * time.Hour

	// maxOccurrences is the count bound on history.
	maxOccurrences = 5000

	// patternWindow is the recurrence window for pattern rules.
	patternWindow = 30 * 24 * time.Hour
)

// Occurrence is one historical signal event.
type Occurrence struct {
	SignalID   string            `json:"signalId"`
	Prefix     string            `json:"prefix"`
	Category   signal.Category   `json:"category"`
	Severity   signal.Severity   `json:"severity"`
	ObservedAt time.Time         `json:"observedAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DetectedPattern records a recurrence that crossed its threshold.
type DetectedPattern struct {
	Key        string    `json:"key"`
	Count      int       `json:"count"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Urgency ranks proactive actions.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// ProactiveAction is a suggested fix for a recurring condition.
type ProactiveAction struct {
	ID         string    `json:"id"`
	PatternKey string    `json:"patternKey"`
	Title      string    `json:"title"`
	Steps      []string  `json:"steps"`
	Urgency    Urgency   `json:"urgency"`
	Pending    bool      `json:"pending"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DegradationPoint marks a component observed degrading during a sweep.
type DegradationPoint struct {
	Component string    `json:"component"`
	Score     int       `json:"score"`
	At        time.Time `json:"at"`
}

// maxDegradationPoints bounds the degradation log.
const maxDegradationPoints = 500

// minOccurrences is the pattern threshold per category.
var minOccurrences = map[signal.Category]int{
	signal.CategoryServices:    2,
	signal.CategoryStorage:     3,
	signal.CategoryPerformance: 4,
	signal.CategoryNetwork:     3,
	signal.CategoryProcesses:   4,
	signal.CategoryEventLog:    2,
}

// Tracker owns occurrence history, detected patterns, proactive
// actions, component health, and recorded correlations.
type Tracker struct {
	mu sync.Mutex

	path string
	log  *zap.Logger

	occurrences []Occurrence
	patterns    map[string]*DetectedPattern
	actions     []ProactiveAction
	health      map[string]*ComponentHealth
	correlation map[string]correlate.Correlation // rule id → latest instance.
	degradation []DegradationPoint
	nextAction  int
}

// NewTracker loads persisted state from path; a missing file is first
// run, a malformed one is logged and starts empty.
func NewTracker(path string, log *zap.Logger) *Tracker {
	t := &Tracker{
		path:        path,
		log:         log,
		patterns:    map[string]*DetectedPattern{},
		health:      map[string]*ComponentHealth{},
		correlation: map[string]correlate.Correlation{},
		nextAction:  1,
	}
	t.load()
	return t
}

// prefixFor reduces a signal to its pattern key: the metric for system
// signals, metric+target for scoped ones.
func prefixFor(s signal.Signal) string {
	if svc := s.Meta(signal.MetaServiceName); svc != "" {
		return "service:" + strings.ToLower(svc)
	}
	if proc := s.Meta(signal.MetaProcessName); proc != "" && strings.HasPrefix(s.Metric, "process") {
		return s.Metric + ":" + strings.ToLower(proc)
	}
	return s.Metric
}

// Record appends an occurrence, prunes history, updates component
// health, and re-evaluates pattern rules. Returns the pattern that
// newly fired and the proactive action created for it, if any.
func (t *Tracker) Record(s signal.Signal) (*DetectedPattern, *ProactiveAction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := s.ObservedAt
	prefix := prefixFor(s)

	t.occurrences = append(t.occurrences, Occurrence{
		SignalID:   s.ID,
		Prefix:     prefix,
		Category:   s.Category,
		Severity:   s.Severity,
		ObservedAt: now,
		Metadata:   s.Metadata,
	})
	t.pruneLocked(now)

	h, ok := t.health[componentFor(s)]
	if !ok {
		h = newComponentHealth(componentFor(s))
		t.health[componentFor(s)] = h
	}
	h.record(s, now)

	fired, action := t.evaluatePatternLocked(prefix, s.Category, now)
	t.saveLocked()
	return fired, action
}

// RecordCorrelation stores the newest instance of a compound rule,
// replacing any older one.
func (t *Tracker) RecordCorrelation(c correlate.Correlation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.correlation[c.RuleID] = c
	t.saveLocked()
}

// Sweep refreshes health scores so they recover once factors age out,
// and logs components currently degrading. Called periodically by the
// orchestrator.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.health {
		h.refresh(now)
		if h.Trend == TrendDegrading {
			t.degradation = append(t.degradation, DegradationPoint{
				Component: h.Component, Score: h.Score, At: now,
			})
		}
	}
	if len(t.degradation) > maxDegradationPoints {
		t.degradation = t.degradation[len(t.degradation)-maxDegradationPoints:]
	}
	t.pruneLocked(now)
	t.saveLocked()
}

// Health returns the health record for a component, if tracked.
func (t *Tracker) Health(component string) (ComponentHealth, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.health[component]
	if !ok {
		return ComponentHealth{}, false
	}
	cp := *h
	return cp, true
}

// HealthSummaries returns (component, score, trend) rows sorted by
// component name, plus any failure estimates.
type HealthSummary struct {
	Component   string     `json:"component"`
	Score       int        `json:"score"`
	Trend       Trend      `json:"trend"`
	FailureDate *time.Time `json:"failureDate,omitempty"`
}

func (t *Tracker) HealthSummaries(now time.Time) []HealthSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]HealthSummary, 0, len(t.health))
	for _, h := range t.health {
		s := HealthSummary{Component: h.Component, Score: h.Score, Trend: h.Trend}
		if at, ok := h.EstimateFailureDate(now); ok {
			s.FailureDate = &at
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// PendingActions returns the proactive actions not yet picked up.
func (t *Tracker) PendingActions() []ProactiveAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ProactiveAction
	for _, a := range t.actions {
		if a.Pending {
			out = append(out, a)
		}
	}
	return out
}

// evaluatePatternLocked re-counts the prefix inside the window and
// fires the pattern rule when the threshold is crossed. A pattern fires
// once; later occurrences update its bookkeeping only.
func (t *Tracker) evaluatePatternLocked(prefix string, cat signal.Category, now time.Time) (*DetectedPattern, *ProactiveAction) {
	min, ok := minOccurrences[cat]
	if !ok {
		min = 3
	}

	count := 0
	var first, last time.Time
	cutoff := now.Add(-patternWindow)
	for _, o := range t.occurrences {
		if o.Prefix != prefix || o.ObservedAt.Before(cutoff) {
			continue
		}
		count++
		if first.IsZero() || o.ObservedAt.Before(first) {
			first = o.ObservedAt
		}
		if o.ObservedAt.After(last) {
			last = o.ObservedAt
		}
	}
	if count < min {
		return nil, nil
	}

	if p, exists := t.patterns[prefix]; exists {
		p.Count = count
		p.LastSeen = last
		return nil, nil
	}

	p := &DetectedPattern{
		Key:        prefix,
		Count:      count,
		FirstSeen:  first,
		LastSeen:   last,
		DetectedAt: now,
	}
	t.patterns[prefix] = p
	t.log.Info("pattern detected",
		zap.String("key", prefix), zap.Int("count", count))

	var action *ProactiveAction
	if !t.hasPendingActionLocked(prefix) {
		a := t.buildActionLocked(p, cat, now)
		t.actions = append(t.actions, a)
		action = &a
	}
	return p, action
}

func (t *Tracker) hasPendingActionLocked(key string) bool {
	for _, a := range t.actions {
		if a.PatternKey == key && a.Pending {
			return true
		}
	}
	return false
}

func (t *Tracker) buildActionLocked(p *DetectedPattern, cat signal.Category, now time.Time) ProactiveAction {
	urgency := UrgencyMedium
	if p.Count >= 2*patternMin(cat) {
		urgency = UrgencyHigh
	}
	a := ProactiveAction{
		ID:         fmt.Sprintf("PA-%04d", t.nextAction),
		PatternKey: p.Key,
		Title:      fmt.Sprintf("Recurring condition: %s (%d times in 30 days)", p.Key, p.Count),
		Steps:      actionSteps(p.Key, cat),
		Urgency:    urgency,
		Pending:    true,
		CreatedAt:  now,
	}
	t.nextAction++
	t.log.Info("proactive action created",
		zap.String("id", a.ID), zap.String("pattern", p.Key), zap.String("urgency", string(urgency)))
	return a
}

func patternMin(cat signal.Category) int {
	if m, ok := minOccurrences[cat]; ok {
		return m
	}
	return 3
}

// actionSteps generates remediation guidance for a pattern key.
func actionSteps(key string, cat signal.Category) []string {
	switch cat {
	case signal.CategoryServices:
		return []string{
			"Review the service's event-log entries for crash causes",
			"Check service dependencies and recovery settings",
			"Consider reinstalling or updating the owning application",
		}
	case signal.CategoryStorage:
		return []string{
			"Identify the largest growth directories on the affected drive",
			"Schedule recurring temp and cache cleanup",
			"Plan capacity expansion if growth is organic",
		}
	case signal.CategoryPerformance:
		return []string{
			"Capture a performance trace during the recurrence window",
			"Review startup programs and scheduled tasks at that hour",
			"Evaluate hardware headroom against workload",
		}
	case signal.CategoryNetwork:
		return []string{
			"Check driver and firmware versions on the network adapter",
			"Review DHCP lease and DNS server health",
			"Inspect upstream gateway logs for the recurrence times",
		}
	default:
		return []string{
			"Review history for " + key,
			"Correlate with recent configuration changes",
		}
	}
}

// pruneLocked enforces the age and count bounds on history.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-occurrenceRetention)
	kept := t.occurrences[:0]
	for _, o := range t.occurrences {
		if o.ObservedAt.After(cutoff) {
			kept = append(kept, o)
		}
	}
	if len(kept) > maxOccurrences {
		kept = kept[len(kept)-maxOccurrences:]
	}
	t.occurrences = kept
}

// ─── Persistence ─────────────────────────────────────────────────────

type trackerFile struct {
	Version            int                     `json:"version"`
	Occurrences        []Occurrence            `json:"occurrences"`
	DetectedPatterns   []DetectedPattern       `json:"detectedPatterns"`
	ProactiveActions   []ProactiveAction       `json:"proactiveActions"`
	HealthScores       []componentHealthJSON   `json:"healthScores"`
	Correlations       []correlate.Correlation `json:"correlations"`
	DegradationHistory []DegradationPoint      `json:"degradationHistory"`
	NextAction         int                     `json:"nextAction"`
}

func (t *Tracker) saveLocked() {
	f := trackerFile{
		Version:     fileVersion,
		Occurrences: t.occurrences,
		NextAction:  t.nextAction,
	}
	if f.Occurrences == nil {
		f.Occurrences = []Occurrence{}
	}
	keys := make([]string, 0, len(t.patterns))
	for k := range t.patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f.DetectedPatterns = append(f.DetectedPatterns, *t.patterns[k])
	}
	f.ProactiveActions = t.actions

	comps := make([]string, 0, len(t.health))
	for k := range t.health {
		comps = append(comps, k)
	}
	sort.Strings(comps)
	for _, k := range comps {
		f.HealthScores = append(f.HealthScores, t.health[k].toJSON())
	}

	rules := make([]string, 0, len(t.correlation))
	for k := range t.correlation {
		rules = append(rules, k)
	}
	sort.Strings(rules)
	for _, k := range rules {
		f.Correlations = append(f.Correlations, t.correlation[k])
	}
	f.DegradationHistory = t.degradation

	if err := fsatomic.WriteJSON(t.path, f, 0o600); err != nil {
		t.log.Warn("pattern tracker save failed", zap.Error(err))
	}
}

func (t *Tracker) load() {
	var f trackerFile
	if err := fsatomic.ReadJSON(t.path, &f); err != nil {
		if !os.IsNotExist(err) {
			t.log.Warn("pattern tracker load failed, starting empty", zap.Error(err))
		}
		return
	}
	if f.Version != fileVersion {
		t.log.Warn("pattern tracker version mismatch, starting empty",
			zap.Int("have", f.Version), zap.Int("want", fileVersion))
		return
	}
	t.occurrences = f.Occurrences
	for i := range f.DetectedPatterns {
		p := f.DetectedPatterns[i]
		t.patterns[p.Key] = &p
	}
	t.actions = f.ProactiveActions
	for _, hj := range f.HealthScores {
		t.health[hj.Component] = healthFromJSON(hj)
	}
	for _, c := range f.Correlations {
		t.correlation[c.RuleID] = c
	}
	t.degradation = f.DegradationHistory
	if f.NextAction > 0 {
		t.nextAction = f.NextAction
	}
}

// Save forces a write (shutdown path).
func (t *Tracker) Save() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.saveLocked()
}
