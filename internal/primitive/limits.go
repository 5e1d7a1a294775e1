// Package primitive — limits.go
//
// Client-side mirror of the per-operation rate limits the host layer
// enforces. Checking here first lets the executor classify a call as
// rate_limited without a round trip, and keeps the agent honest even
// against a permissive host layer.

package primitive

import (
	"sync"

	"golang.org/x/time/rate"
)

// perMinute converts an allowance per minute into a limiter with a
// burst of the full allowance.
func perMinute(n int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
}

// LimitTable mirrors the host layer's operation allowances.
type LimitTable struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	fallback *rate.Limiter
}

// NewLimitTable builds the standard allowance table.
func NewLimitTable() *LimitTable {
	return &LimitTable{
		limiters: map[string]*rate.Limiter{
			OpKillProcess:    perMinute(10),
			OpStartService:   perMinute(5),
			OpStopService:    perMinute(5),
			OpRestartService: perMinute(5),
			OpFlushDNS:       perMinute(10),
			OpResetAdapter:   perMinute(5),
			OpCleanTempFiles: perMinute(2),
			OpClearCache:     perMinute(2),
			OpRegistryRead:   perMinute(20),
			OpRegistryWrite:  perMinute(20),
			OpFileDelete:     perMinute(50),
			OpFileMove:       perMinute(50),
			OpCollectDiag:    perMinute(10),
		},
		fallback: perMinute(30),
	}
}

// Allow consumes one token for op. Returns false when the allowance
// for this minute is spent.
func (t *LimitTable) Allow(op string) bool {
	t.mu.Lock()
	l, ok := t.limiters[op]
	if !ok {
		l = t.fallback
	}
	t.mu.Unlock()
	return l.Allow()
}
