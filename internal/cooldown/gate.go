// Package cooldown dampens repeated escalation of the same problem
// class and bounds how fast the agent may act on the host at all.
//
// Gate: per-signature geometric backoff. The first escalation of a
// signature passes and opens a 5-minute window; while the window is
// open every further attempt is refused. Each pass after expiry walks
// the ladder 5 → 15 → 30 → 60 → 120 minutes and stays at the cap.
// Acknowledging a signature (operator or server) clears its entry and
// the ladder starts over.
//
// Entries persist to cooldowns.json so a restart cannot reset the
// ladder. An entry whose window expired more than staleAfter ago is
// dropped on save — the condition evidently went away.
//
// Budget: a token bucket refilled to capacity every refill period.
// Remediations and escalations consume tokens by weight, so a burst of
// anomalies cannot turn into a burst of host actions.

package cooldown

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/clock"
	"github.com/warden-agent/warden/internal/fsatomic"
)

// staleAfter is how long past expiry an entry survives before pruning.
const staleAfter = 24 * time.Hour

// DefaultSteps is the escalation backoff ladder.
var DefaultSteps = []time.Duration{
	5 * time.Minute, 15 * time.Minute, 30 * time.Minute,
	60 * time.Minute, 120 * time.Minute,
}

// Entry is the persisted dampening state for one signature.
type Entry struct {
	SignatureID     string    `json:"signatureId"`
	EscalationCount int       `json:"escalationCount"`
	CooldownUntil   time.Time `json:"cooldownUntil"`
}

// Gate is the escalation dampener. Thread-safe.
type Gate struct {
	mu      sync.Mutex
	steps   []time.Duration
	entries map[string]*Entry
	path    string
	clk     clock.Clock
	log     *zap.Logger
}

// NewGate loads persisted entries from path (missing file is first
// run) and returns the gate.
func NewGate(steps []time.Duration, path string, clk clock.Clock, log *zap.Logger) *Gate {
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	g := &Gate{
		steps:   steps,
		entries: map[string]*Entry{},
		path:    path,
		clk:     clk,
		log:     log,
	}
	var persisted []Entry
	if err := fsatomic.ReadJSON(path, &persisted); err != nil {
		if !os.IsNotExist(err) {
			log.Warn("cooldown state load failed", zap.Error(err))
		}
	} else {
		now := clk.Now()
		for i := range persisted {
			e := persisted[i]
			if now.Sub(e.CooldownUntil) > staleAfter {
				continue
			}
			g.entries[e.SignatureID] = &e
		}
	}
	return g
}

// ShouldEscalate reports whether a new escalation for the signature may
// proceed, and if so records it and arms the next window.
func (g *Gate) ShouldEscalate(signatureID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	e, ok := g.entries[signatureID]
	if ok && now.Before(e.CooldownUntil) {
		return false
	}
	if !ok {
		e = &Entry{SignatureID: signatureID}
		g.entries[signatureID] = e
	}
	step := e.EscalationCount
	if step >= len(g.steps) {
		step = len(g.steps) - 1
	}
	e.EscalationCount++
	e.CooldownUntil = now.Add(g.steps[step])
	g.saveLocked()
	return true
}

// Active reports whether the signature is currently inside a window.
func (g *Gate) Active(signatureID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[signatureID]
	return ok && g.clk.Now().Before(e.CooldownUntil)
}

// Clear wipes the signature's state. Used when an operator or the
// server acknowledges the condition.
func (g *Gate) Clear(signatureID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[signatureID]; !ok {
		return
	}
	delete(g.entries, signatureID)
	g.saveLocked()
}

// saveLocked persists non-stale entries sorted by signature id.
func (g *Gate) saveLocked() {
	if g.path == "" {
		return
	}
	now := g.clk.Now()
	out := make([]Entry, 0, len(g.entries))
	for id, e := range g.entries {
		if now.Sub(e.CooldownUntil) > staleAfter {
			delete(g.entries, id)
			continue
		}
		out = append(out, *e)
	}
	sortEntries(out)
	if err := fsatomic.WriteJSON(g.path, out, 0o600); err != nil {
		g.log.Warn("cooldown state save failed", zap.Error(err))
	}
}

func sortEntries(es []Entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j].SignatureID < es[j-1].SignatureID; j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}
