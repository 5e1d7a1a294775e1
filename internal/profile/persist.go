// Package profile — persist.go
//
// Persistence for the profiler's four documents:
//
//	behavioral-profiles.json  Bucket[] sorted by (metric, hour, day-type)
//	process-frequency.json    {name: count}
//	monthly-profiles.json     {monthlyBuckets, overallMeans}
//	profiler-stats.json       suppression counters + month tag
//
// All writes go through the atomic temp-rename helper. Serialization is
// deterministic: arrays are sorted before marshalling and map keys are
// sorted by encoding/json, so serialize → deserialize → serialize is
// byte-identical.
//
// Flush never raises: every error is logged and in-memory state remains
// authoritative until the next flush succeeds.

package profile

import (
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/fsatomic"
)

type monthlyFile struct {
	MonthlyBuckets map[string]*[12]monthStat `json:"monthlyBuckets"`
	OverallMeans   map[string]*overallStat   `json:"overallMeans"`
}

// Flush writes all four documents. Errors are logged, never returned.
func (p *Profiler) Flush() {
	p.mu.Lock()
	buckets := make([]Bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, *b)
	}
	freq := make(map[string]int64, len(p.procFreq))
	for k, v := range p.procFreq {
		freq[k] = v
	}
	monthly := monthlyFile{
		MonthlyBuckets: make(map[string]*[12]monthStat, len(p.months)),
		OverallMeans:   make(map[string]*overallStat, len(p.overall)),
	}
	for k, v := range p.months {
		cp := *v
		monthly.MonthlyBuckets[k] = &cp
	}
	for k, v := range p.overall {
		cp := *v
		monthly.OverallMeans[k] = &cp
	}
	stats := p.stats
	p.mu.Unlock()

	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Metric != buckets[j].Metric {
			return buckets[i].Metric < buckets[j].Metric
		}
		if buckets[i].Hour != buckets[j].Hour {
			return buckets[i].Hour < buckets[j].Hour
		}
		return !buckets[i].IsWeekday && buckets[j].IsWeekday
	})

	p.write(p.opts.ProfilesPath, buckets)
	p.write(p.opts.ProcessFreqPath, freq)
	p.write(p.opts.MonthlyPath, monthly)
	p.write(p.opts.StatsPath, stats)
}

func (p *Profiler) write(path string, v any) {
	if path == "" {
		return
	}
	if err := fsatomic.WriteJSON(path, v, 0o600); err != nil {
		p.log.Warn("profiler flush failed", zap.String("path", path), zap.Error(err))
	}
}

// load restores all four documents. Missing files are first-run;
// malformed files are logged and skipped.
func (p *Profiler) load() {
	var buckets []Bucket
	if err := fsatomic.ReadJSON(p.opts.ProfilesPath, &buckets); err == nil {
		for i := range buckets {
			b := buckets[i]
			if b.N < 0 || b.Hour < 0 || b.Hour > 23 || b.Metric == "" {
				p.log.Warn("dropping invalid profile bucket",
					zap.String("metric", b.Metric), zap.Int("hour", b.Hour))
				continue
			}
			p.buckets[bucketKey(b.Metric, b.Hour, b.IsWeekday)] = &b
		}
	} else if !os.IsNotExist(err) {
		p.log.Warn("profile load failed", zap.String("path", p.opts.ProfilesPath), zap.Error(err))
	}

	if err := fsatomic.ReadJSON(p.opts.ProcessFreqPath, &p.procFreq); err != nil && !os.IsNotExist(err) {
		p.log.Warn("process frequency load failed", zap.Error(err))
		p.procFreq = map[string]int64{}
	}

	var monthly monthlyFile
	if err := fsatomic.ReadJSON(p.opts.MonthlyPath, &monthly); err == nil {
		if monthly.MonthlyBuckets != nil {
			p.months = monthly.MonthlyBuckets
		}
		if monthly.OverallMeans != nil {
			p.overall = monthly.OverallMeans
		}
	} else if !os.IsNotExist(err) {
		p.log.Warn("monthly profile load failed", zap.Error(err))
	}

	var stats Stats
	if err := fsatomic.ReadJSON(p.opts.StatsPath, &stats); err == nil {
		// The month tag decides whether the monthly counters carry over.
		now := p.clk.Now().UTC().Format("2006-01")
		if stats.MonthTag != now {
			stats.MonthTag = now
			stats.MonthlySuppressed = 0
			stats.MonthlyEvaluations = 0
		}
		p.stats = stats
	} else if !os.IsNotExist(err) {
		p.log.Warn("profiler stats load failed", zap.Error(err))
	}
}
