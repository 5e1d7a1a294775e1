// Package profile implements the behavioral profiler: streaming
// per-metric statistics that decide whether a reading is anomalous for
// this hour of week on this machine.
//
// Bucketization: key = (metric, hour_of_day ∈ [0,23], is_weekday).
// 48 buckets per metric, each updated online with Welford's algorithm so
// mean and variance stay numerically stable across months of samples
// and across restarts.
//
// Query path (IsAnomalous):
//  1. Primary bucket under-populated (n < min_samples) → insufficient
//     data, treated as not anomalous.
//  2. σ below 1e-3 → flat profile; any |value−μ| > 0.5 is anomalous.
//  3. Otherwise z = (value−μ)/σ, anomalous iff z > z_threshold.
//  4. Cross-day fallback: if the primary bucket says anomalous but the
//     opposite day-type bucket at the same hour is populated and
//     disagrees, the verdict is suppressed.
//  5. Monthly fallback: if both agree on anomalous and the current
//     month's deviation bucket has ≥ 30 samples, re-center against
//     overall mean + month deviation and re-test.
//
// Failure model: the profiler never raises to callers. Persistence
// errors are logged and the in-memory state keeps serving queries.

package profile

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/clock"
)

const (
	// DefaultMinSamples is the bucket population required before the
	// profiler renders a verdict.
	DefaultMinSamples = 50

	// DefaultZThreshold is the one-sided z-score boundary.
	DefaultZThreshold = 2.5

	// flatSigma is the σ below which a bucket is considered flat.
	flatSigma = 1e-3

	// flatBand is the absolute deviation tolerated on a flat bucket.
	flatBand = 0.5

	// monthlyMinSamples gates the monthly fallback.
	monthlyMinSamples = 30
)

// Reason describes why a verdict came out the way it did.
type Reason string

const (
	ReasonInsufficientData Reason = "insufficient_data"
	ReasonWithinNormal     Reason = "within_normal"
	ReasonCrossDayFallback Reason = "within_normal (cross-day fallback)"
	ReasonMonthlyFallback  Reason = "within_normal (monthly fallback)"
	ReasonAnomalous        Reason = "anomalous"
)

// Verdict is the result of an IsAnomalous query.
type Verdict struct {
	Anomalous bool
	Reason    Reason
	Z         float64 // z-score against the primary bucket, 0 if n/a.
	Mean      float64
	Sigma     float64
	N         int64
}

// Bucket is the streaming statistic for one (metric, hour, day-type).
// Invariant: N ≥ 0; for N ≥ 2, M2/N ≥ 0.
type Bucket struct {
	Metric      string    `json:"metric"`
	Hour        int       `json:"hour"`
	IsWeekday   bool      `json:"isWeekday"`
	N           int64     `json:"n"`
	Mean        float64   `json:"mean"`
	M2          float64   `json:"m2"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// add applies one Welford step.
func (b *Bucket) add(v float64, now time.Time) {
	b.N++
	delta := v - b.Mean
	b.Mean += delta / float64(b.N)
	delta2 := v - b.Mean
	b.M2 += delta * delta2
	if b.N == 1 || v < b.Min {
		b.Min = v
	}
	if b.N == 1 || v > b.Max {
		b.Max = v
	}
	b.LastUpdated = now
}

// sigma returns the population standard deviation, 0 for N < 2.
func (b *Bucket) sigma() float64 {
	if b.N < 2 {
		return 0
	}
	return math.Sqrt(b.M2 / float64(b.N))
}

// overallStat is the running whole-history mean per metric, used as the
// center for monthly deviation buckets.
type overallStat struct {
	Mean float64 `json:"mean"`
	N    int64   `json:"n"`
	M2   float64 `json:"m2"`
}

func (o *overallStat) add(v float64) {
	o.N++
	delta := v - o.Mean
	o.Mean += delta / float64(o.N)
	o.M2 += (v - o.Mean) * delta
}

// monthStat tracks deviations from the overall mean for one calendar
// month slot (0–11).
type monthStat struct {
	N    int64   `json:"n"`
	Mean float64 `json:"mean"` // Mean deviation from the overall mean.
	M2   float64 `json:"m2"`
}

func (m *monthStat) add(dev float64) {
	m.N++
	delta := dev - m.Mean
	m.Mean += delta / float64(m.N)
	m.M2 += (dev - m.Mean) * delta
}

func (m *monthStat) sigma() float64 {
	if m.N < 2 {
		return 0
	}
	return math.Sqrt(m.M2 / float64(m.N))
}

// Options configures a Profiler.
type Options struct {
	MinSamples   int
	ZThreshold   float64
	TopProcesses int

	ProfilesPath    string
	ProcessFreqPath string
	MonthlyPath     string
	StatsPath       string
}

// Profiler owns all streaming statistics and their persistence.
type Profiler struct {
	mu sync.Mutex

	opts Options
	clk  clock.Clock
	log  *zap.Logger

	buckets  map[string]*Bucket      // bucketKey → bucket
	overall  map[string]*overallStat // metric → whole-history stat
	months   map[string]*[12]monthStat
	procFreq map[string]int64

	stats Stats
}

// Stats holds the suppression counters surfaced to telemetry.
// MonthTag is the UTC YYYY-MM the monthly counters belong to; a tag
// mismatch on load clears the monthly counters and keeps the lifetime
// totals.
type Stats struct {
	MonthTag            string `json:"monthTag"`
	MonthlySuppressed   int64  `json:"monthlySuppressed"`
	LifetimeSuppressed  int64  `json:"lifetimeSuppressed"`
	MonthlyEvaluations  int64  `json:"monthlyEvaluations"`
	LifetimeEvaluations int64  `json:"lifetimeEvaluations"`
}

// New constructs a Profiler and loads any persisted state. Load errors
// are logged and leave the corresponding store empty; they never fail
// construction.
func New(opts Options, clk clock.Clock, log *zap.Logger) *Profiler {
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultMinSamples
	}
	if opts.ZThreshold <= 0 {
		opts.ZThreshold = DefaultZThreshold
	}
	if opts.TopProcesses <= 0 {
		opts.TopProcesses = 20
	}
	p := &Profiler{
		opts:     opts,
		clk:      clk,
		log:      log,
		buckets:  map[string]*Bucket{},
		overall:  map[string]*overallStat{},
		months:   map[string]*[12]monthStat{},
		procFreq: map[string]int64{},
	}
	p.load()
	return p
}

func bucketKey(metric string, hour int, weekday bool) string {
	wd := 0
	if weekday {
		wd = 1
	}
	return fmt.Sprintf("%s|%02d|%d", metric, hour, wd)
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Record feeds one sample into the hour-of-week bucket and the monthly
// structures for its metric.
func (p *Profiler) Record(metric string, value float64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordLocked(metric, value, at)
}

func (p *Profiler) recordLocked(metric string, value float64, at time.Time) {
	key := bucketKey(metric, at.Hour(), isWeekday(at))
	b, ok := p.buckets[key]
	if !ok {
		b = &Bucket{Metric: metric, Hour: at.Hour(), IsWeekday: isWeekday(at)}
		p.buckets[key] = b
	}
	b.add(value, at)

	o, ok := p.overall[metric]
	if !ok {
		o = &overallStat{}
		p.overall[metric] = o
	}
	// Deviation is measured against the overall mean before this
	// sample shifts it, so early samples do not self-cancel.
	dev := value - o.Mean
	o.add(value)

	ms, ok := p.months[metric]
	if !ok {
		ms = &[12]monthStat{}
		p.months[metric] = ms
	}
	ms[int(at.UTC().Month())-1].add(dev)
}

// RecordProcess counts a process observation and, for the top-N most
// frequent names, feeds dedicated cpu/memory profiles.
func (p *Profiler) RecordProcess(name string, cpuPct, memMB float64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procFreq[name]++
	if p.inTopLocked(name) {
		p.recordLocked("process:"+name+":cpu", cpuPct, at)
		p.recordLocked("process:"+name+":memory", memMB, at)
	}
}

// inTopLocked reports whether name ranks within the top-N frequencies.
func (p *Profiler) inTopLocked(name string) bool {
	self, ok := p.procFreq[name]
	if !ok {
		return false
	}
	higher := 0
	for n, c := range p.procFreq {
		if c > self || (c == self && n < name) {
			higher++
			if higher >= p.opts.TopProcesses {
				return false
			}
		}
	}
	return true
}

// TopProcesses returns the top-N process names by observation count,
// ties broken by name.
func (p *Profiler) TopProcesses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	type nc struct {
		name  string
		count int64
	}
	all := make([]nc, 0, len(p.procFreq))
	for n, c := range p.procFreq {
		all = append(all, nc{n, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].name < all[j].name
	})
	if len(all) > p.opts.TopProcesses {
		all = all[:p.opts.TopProcesses]
	}
	names := make([]string, len(all))
	for i, e := range all {
		names[i] = e.name
	}
	return names
}

// IsAnomalous renders a verdict for (metric, value) at the given time.
func (p *Profiler) IsAnomalous(metric string, value float64, at time.Time) Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.touchMonthLocked(at)
	p.stats.MonthlyEvaluations++
	p.stats.LifetimeEvaluations++

	primary := p.buckets[bucketKey(metric, at.Hour(), isWeekday(at))]
	if primary == nil || primary.N < int64(p.opts.MinSamples) {
		return Verdict{Anomalous: false, Reason: ReasonInsufficientData}
	}

	v := p.testBucket(primary, value)
	if !v.Anomalous {
		return v
	}

	// Cross-day fallback: the opposite day-type at the same hour.
	opposite := p.buckets[bucketKey(metric, at.Hour(), !isWeekday(at))]
	if opposite == nil || opposite.N < int64(p.opts.MinSamples) {
		return v
	}
	if ov := p.testBucket(opposite, value); !ov.Anomalous {
		v.Anomalous = false
		v.Reason = ReasonCrossDayFallback
		return v
	}

	// Monthly fallback (both buckets agree on anomalous): re-center
	// against overall mean + month deviation.
	if o, ok := p.overall[metric]; ok {
		if ms, ok := p.months[metric]; ok {
			m := &ms[int(at.UTC().Month())-1]
			if m.N >= monthlyMinSamples {
				sigma := m.sigma()
				expected := o.Mean + m.Mean
				if sigma >= flatSigma {
					z := (value - expected) / sigma
					if math.Abs(z) <= p.opts.ZThreshold {
						v.Anomalous = false
						v.Reason = ReasonMonthlyFallback
						return v
					}
				}
			}
		}
	}

	return v
}

// testBucket applies the flat-σ and z-score tests against one bucket.
func (p *Profiler) testBucket(b *Bucket, value float64) Verdict {
	sigma := b.sigma()
	v := Verdict{Mean: b.Mean, Sigma: sigma, N: b.N}
	if sigma < flatSigma {
		if math.Abs(value-b.Mean) > flatBand {
			v.Anomalous = true
			v.Reason = ReasonAnomalous
		} else {
			v.Reason = ReasonWithinNormal
		}
		return v
	}
	v.Z = (value - b.Mean) / sigma
	if v.Z > p.opts.ZThreshold {
		v.Anomalous = true
		v.Reason = ReasonAnomalous
	} else {
		v.Reason = ReasonWithinNormal
	}
	return v
}

// CountSuppression bumps the suppression counters. Called by the rule
// engine whenever a profile verdict suppresses a would-be signal.
func (p *Profiler) CountSuppression(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchMonthLocked(at)
	p.stats.MonthlySuppressed++
	p.stats.LifetimeSuppressed++
}

// touchMonthLocked rolls the monthly counters when the UTC month tag
// changes. Lifetime totals are preserved.
func (p *Profiler) touchMonthLocked(at time.Time) {
	tag := at.UTC().Format("2006-01")
	if p.stats.MonthTag == tag {
		return
	}
	p.stats.MonthTag = tag
	p.stats.MonthlySuppressed = 0
	p.stats.MonthlyEvaluations = 0
}

// SuppressionStats returns a copy of the current counters.
func (p *Profiler) SuppressionStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// BucketCount returns the number of populated buckets (telemetry).
func (p *Profiler) BucketCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}
