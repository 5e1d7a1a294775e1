// Package pattern — health.go
//
// Component health scoring.
//
// Every signal deducts a fixed amount from its component's health,
// scaled by severity (critical ×1.5, info ×0.3, warning ×1). A
// component's score is 100 minus the deductions of its factors still
// inside the scoring window, clamped to [0, 100] — recovery is never
// added back, it happens because old factors age out when a component
// stops producing signals. Integer arithmetic throughout.
//
// Trend compares the mean of the last 5 history points against the 5
// before: a drop of more than 5 is degrading, a rise of more than 5 is
// improving, anything else is stable.
//
// Failure-date estimation fits a least-squares line through the last
// ≤30 history points in (days, score); a negative slope is projected
// to the failure floor and reported only when it lands within a year.

package pattern

import (
	"math"
	"strings"
	"time"

	"github.com/warden-agent/warden/internal/signal"
)

const (
	factorRingSize  = 50
	historyRingSize = 500

	// scoreWindow is how long a factor keeps dragging the score down.
	scoreWindow = 7 * 24 * time.Hour

	// failureFloor is the score at which a component is considered
	// failed for estimation purposes.
	failureFloor = 20

	trendSpan = 5
	trendBand = 5
)

// deductions maps signal-id prefixes to base health deductions.
// Longest matching prefix wins; unknown signals cost the default.
var deductions = []struct {
	prefix string
	amount int
}{
	{"smart", 30},
	{"ecc", 40},
	{"bsod", 25},
	{"system:cpu", 10},
	{"system:memory", 10},
	{"disk:", 15},
	{"service:", 10},
	{"process", 5},
	{"network", 10},
}

const defaultDeduction = 5

// Trend is the direction a component's health is moving.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// HealthFactor is one recorded deduction.
type HealthFactor struct {
	SignalPrefix string    `json:"signalPrefix"`
	Deduction    int       `json:"deduction"`
	Severity     string    `json:"severity"`
	ObservedAt   time.Time `json:"observedAt"`
}

// ScorePoint is one history sample.
type ScorePoint struct {
	At    time.Time `json:"at"`
	Score int       `json:"score"`
}

// ComponentHealth is the rolling health state of one component.
type ComponentHealth struct {
	Component string `json:"component"`
	Score     int    `json:"score"`
	Trend     Trend  `json:"trend"`

	factors *ring[HealthFactor]
	history *ring[ScorePoint]
}

func newComponentHealth(component string) *ComponentHealth {
	return &ComponentHealth{
		Component: component,
		Score:     100,
		Trend:     TrendStable,
		factors:   newRing[HealthFactor](factorRingSize),
		history:   newRing[ScorePoint](historyRingSize),
	}
}

// componentFor maps a signal to the component its health belongs to.
func componentFor(s signal.Signal) string {
	switch {
	case s.Metric == "system:cpu":
		return "cpu"
	case s.Metric == "system:memory":
		return "memory"
	case strings.HasPrefix(s.Metric, "disk:"):
		return "disk:" + strings.TrimPrefix(s.Metric, "disk:")
	case strings.HasPrefix(s.Metric, "smart"):
		return "disk:0"
	case strings.HasPrefix(s.Metric, "ecc"):
		return "memory"
	case s.Category == signal.CategoryServices:
		return "services"
	case s.Category == signal.CategoryNetwork:
		return "network"
	case s.Category == signal.CategoryProcesses:
		return "processes"
	default:
		return "system"
	}
}

// deductionFor returns the scaled deduction for a signal.
func deductionFor(s signal.Signal) int {
	base := defaultDeduction
	best := 0
	for _, d := range deductions {
		if strings.HasPrefix(s.Metric, d.prefix) && len(d.prefix) > best {
			base = d.amount
			best = len(d.prefix)
		}
	}
	switch s.Severity {
	case signal.SeverityCritical:
		return base * 3 / 2
	case signal.SeverityInfo:
		return base * 3 / 10
	default:
		return base
	}
}

// record applies a signal's deduction and refreshes score and trend.
func (c *ComponentHealth) record(s signal.Signal, now time.Time) {
	c.factors.push(HealthFactor{
		SignalPrefix: s.Metric,
		Deduction:    deductionFor(s),
		Severity:     string(s.Severity),
		ObservedAt:   s.ObservedAt,
	})
	c.refresh(now)
}

// refresh recomputes the score from in-window factors and appends a
// history point. Called on record and on the periodic sweep so scores
// recover when factors age out.
func (c *ComponentHealth) refresh(now time.Time) {
	total := 0
	for _, f := range c.factors.items() {
		if now.Sub(f.ObservedAt) <= scoreWindow {
			total += f.Deduction
		}
	}
	score := 100 - total
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	c.Score = score
	c.history.push(ScorePoint{At: now, Score: score})
	c.Trend = c.computeTrend()
}

func (c *ComponentHealth) computeTrend() Trend {
	pts := c.history.last(2 * trendSpan)
	if len(pts) < 2*trendSpan {
		return TrendStable
	}
	older := pts[:trendSpan]
	newer := pts[trendSpan:]
	delta := mean(newer) - mean(older)
	switch {
	case delta < -trendBand:
		return TrendDegrading
	case delta > trendBand:
		return TrendImproving
	default:
		return TrendStable
	}
}

func mean(pts []ScorePoint) float64 {
	var sum float64
	for _, p := range pts {
		sum += float64(p.Score)
	}
	return sum / float64(len(pts))
}

// EstimateFailureDate projects the health trend to the failure floor.
// Returns (date, true) only when the regression slope is negative and
// the projected crossing lies within (0, 365] days of now.
func (c *ComponentHealth) EstimateFailureDate(now time.Time) (time.Time, bool) {
	pts := c.history.last(30)
	if len(pts) < 2 {
		return time.Time{}, false
	}

	// x = days since the first point, y = score.
	x0 := pts[0].At
	var sx, sy, sxx, sxy float64
	n := float64(len(pts))
	for _, p := range pts {
		x := p.At.Sub(x0).Hours() / 24
		y := float64(p.Score)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	denom := n*sxx - sx*sx
	if math.Abs(denom) < 1e-12 {
		return time.Time{}, false
	}
	slope := (n*sxy - sx*sy) / denom
	if slope >= 0 {
		return time.Time{}, false
	}
	intercept := (sy - slope*sx) / n

	// Solve intercept + slope*x = failureFloor.
	xFail := (failureFloor - intercept) / slope
	failAt := x0.Add(time.Duration(xFail * 24 * float64(time.Hour)))
	daysOut := failAt.Sub(now).Hours() / 24
	if daysOut <= 0 || daysOut > 365 {
		return time.Time{}, false
	}
	return failAt, true
}

// persisted forms ──────────────────────────────────────────────────────

type componentHealthJSON struct {
	Component string         `json:"component"`
	Score     int            `json:"score"`
	Trend     Trend          `json:"trend"`
	Factors   []HealthFactor `json:"factors"`
	History   []ScorePoint   `json:"history"`
}

func (c *ComponentHealth) toJSON() componentHealthJSON {
	return componentHealthJSON{
		Component: c.Component,
		Score:     c.Score,
		Trend:     c.Trend,
		Factors:   c.factors.items(),
		History:   c.history.items(),
	}
}

func healthFromJSON(j componentHealthJSON) *ComponentHealth {
	c := newComponentHealth(j.Component)
	c.Score = j.Score
	c.Trend = j.Trend
	c.factors.fill(j.Factors)
	c.history.fill(j.History)
	return c
}
