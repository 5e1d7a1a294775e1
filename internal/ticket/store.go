// Package ticket is the crash-safe record of every action the agent
// decided on and what came of it.
//
// Status transition graph:
//
//	open ──→ in-progress ──→ resolved
//	  │            │────────→ failed
//	  └────────────┴────────→ escalated
//
// An open ticket may also be closed straight to failed.
//
// Monotonicity invariant: transitions only follow the graph, terminal
// states (resolved, failed, escalated) never change again except for
// the auto-close bookkeeping fields written at most once.
//
// Persistence: tickets.json, mode 0600, written whole through the
// atomic temp-rename path on every mutation. On load, symlinked files
// are rejected and records missing required fields are dropped with a
// warning — a half-salvaged store is better than no store.

package ticket

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/clock"
	"github.com/warden-agent/warden/internal/fsatomic"
)

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusResolved   Status = "resolved"
	StatusFailed     Status = "failed"
	StatusEscalated  Status = "escalated"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFailed || s == StatusEscalated
}

// transitions is the allowed edge set of the status graph.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusEscalated, StatusFailed},
	StatusInProgress: {StatusResolved, StatusFailed, StatusEscalated},
}

func canTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Result is the remediation outcome recorded on close.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// ResolutionCategory is the user-visible classification of a closed
// ticket.
type ResolutionCategory string

const (
	ResolutionFixed     ResolutionCategory = "fixed"
	ResolutionIgnored   ResolutionCategory = "ignored"
	ResolutionProtected ResolutionCategory = "protected"
	ResolutionEscalated ResolutionCategory = "escalated"
	ResolutionPending   ResolutionCategory = "pending"
)

// Ticket is one unit of tracked work.
type Ticket struct {
	TicketID       string             `json:"ticketId"`
	SignatureID    string             `json:"signatureId"`
	RunbookID      string             `json:"runbookId,omitempty"`
	Status         Status             `json:"status"`
	StepsTotal     int                `json:"stepsTotal"`
	StepsCompleted int                `json:"stepsCompleted"`
	Result         Result             `json:"result,omitempty"`
	Resolution     ResolutionCategory `json:"resolutionCategory,omitempty"`
	Escalated      bool               `json:"escalated"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	ResolvedAt     *time.Time         `json:"resolvedAt,omitempty"`
	DurationMS     int64              `json:"durationMs,omitempty"`
	AutoClosed     bool               `json:"autoClosed,omitempty"`
}

type fileFormat struct {
	Tickets []Ticket `json:"tickets"`
	NextID  int      `json:"nextId"`
}

// Statistics summarizes the store for telemetry and metric reports.
type Statistics struct {
	Total     int `json:"total"`
	Open      int `json:"open"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`
}

// Store is the serialized, file-backed ticket list.
type Store struct {
	mu      sync.Mutex
	path    string
	tickets []Ticket
	nextID  int
	clk     clock.Clock
	log     *zap.Logger
}

// Open loads (or initializes) the store at path.
// Invalid records are dropped with a warning; a symlinked or unreadable
// existing file is an error the caller treats as unsalvageable state.
func Open(path string, clk clock.Clock, log *zap.Logger) (*Store, error) {
	st := &Store{path: path, nextID: 1, clk: clk, log: log}

	var f fileFormat
	err := fsatomic.ReadJSON(path, &f)
	switch {
	case err == nil:
		for _, t := range f.Tickets {
			if t.TicketID == "" || t.SignatureID == "" || t.Status == "" {
				log.Warn("dropping invalid ticket record", zap.String("ticketId", t.TicketID))
				continue
			}
			st.tickets = append(st.tickets, t)
		}
		if f.NextID > 0 {
			st.nextID = f.NextID
		}
	case os.IsNotExist(err):
		// First run.
	default:
		return nil, fmt.Errorf("ticket.Open: %w", err)
	}
	return st, nil
}

// Create opens a new ticket for a signature.
func (st *Store) Create(signatureID, runbookID string, stepsTotal int, status Status) (Ticket, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	t := Ticket{
		TicketID:    fmt.Sprintf("WT-%06d", st.nextID),
		SignatureID: signatureID,
		RunbookID:   runbookID,
		Status:      StatusOpen,
		StepsTotal:  stepsTotal,
		CreatedAt:   st.clk.Now().UTC(),
	}
	st.nextID++

	if status != StatusOpen {
		if !canTransition(StatusOpen, status) {
			return Ticket{}, fmt.Errorf("ticket.Create: cannot open at status %q", status)
		}
		t.Status = status
		if status == StatusEscalated {
			t.Escalated = true
			t.Resolution = ResolutionEscalated
			now := t.CreatedAt
			t.ResolvedAt = &now
		}
	}

	st.tickets = append(st.tickets, t)
	return t, st.saveLocked()
}

// Get returns a ticket by id.
func (st *Store) Get(id string) (Ticket, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, t := range st.tickets {
		if t.TicketID == id {
			return t, true
		}
	}
	return Ticket{}, false
}

// OpenFor returns the non-terminal ticket for a signature, if any.
func (st *Store) OpenFor(signatureID string) (Ticket, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, t := range st.tickets {
		if t.SignatureID == signatureID && !t.Status.Terminal() {
			return t, true
		}
	}
	return Ticket{}, false
}

// List returns up to limit tickets, newest first. limit <= 0 means all.
func (st *Store) List(limit int) []Ticket {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Ticket, 0, len(st.tickets))
	for i := len(st.tickets) - 1; i >= 0; i-- {
		out = append(out, st.tickets[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// UpdateStatus moves a ticket along the graph. Illegal transitions are
// refused, terminal tickets never change.
func (st *Store) UpdateStatus(id string, to Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	t := st.find(id)
	if t == nil {
		return fmt.Errorf("ticket.UpdateStatus: %q not found", id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("ticket.UpdateStatus: %q is terminal (%s)", id, t.Status)
	}
	if !canTransition(t.Status, to) {
		return fmt.Errorf("ticket.UpdateStatus: %s → %s not allowed", t.Status, to)
	}
	t.Status = to
	return st.saveLocked()
}

// SetProgress records completed steps.
func (st *Store) SetProgress(id string, completed int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	t := st.find(id)
	if t == nil {
		return fmt.Errorf("ticket.SetProgress: %q not found", id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("ticket.SetProgress: %q is terminal", id)
	}
	t.StepsCompleted = completed
	return st.saveLocked()
}

// Close finishes a ticket with a result, resolution category, and an
// optional sanitized error message.
func (st *Store) Close(id string, result Result, category ResolutionCategory, errMsg string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	t := st.find(id)
	if t == nil {
		return fmt.Errorf("ticket.Close: %q not found", id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("ticket.Close: %q is terminal (%s)", id, t.Status)
	}
	to := StatusResolved
	if result == ResultFailure {
		to = StatusFailed
	}
	if !canTransition(t.Status, to) {
		return fmt.Errorf("ticket.Close: %s → %s not allowed", t.Status, to)
	}
	now := st.clk.Now().UTC()
	t.Status = to
	t.Result = result
	t.Resolution = category
	t.Error = errMsg
	t.ResolvedAt = &now
	t.DurationMS = now.Sub(t.CreatedAt).Milliseconds()
	return st.saveLocked()
}

// MarkEscalated moves a ticket to escalated.
func (st *Store) MarkEscalated(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	t := st.find(id)
	if t == nil {
		return fmt.Errorf("ticket.MarkEscalated: %q not found", id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("ticket.MarkEscalated: %q is terminal (%s)", id, t.Status)
	}
	if !canTransition(t.Status, StatusEscalated) {
		return fmt.Errorf("ticket.MarkEscalated: %s → escalated not allowed", t.Status)
	}
	now := st.clk.Now().UTC()
	t.Status = StatusEscalated
	t.Escalated = true
	t.Resolution = ResolutionEscalated
	t.ResolvedAt = &now
	t.DurationMS = now.Sub(t.CreatedAt).Milliseconds()
	return st.saveLocked()
}

// MarkAutoClosed flags the one-time auto-close bookkeeping on a
// terminal ticket. This is the only write a terminal ticket accepts.
func (st *Store) MarkAutoClosed(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	t := st.find(id)
	if t == nil {
		return fmt.Errorf("ticket.MarkAutoClosed: %q not found", id)
	}
	if t.AutoClosed {
		return nil
	}
	t.AutoClosed = true
	return st.saveLocked()
}

// DeleteOlderThan removes terminal tickets older than the given age in
// days. Returns the number removed.
func (st *Store) DeleteOlderThan(days int) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := st.clk.Now().UTC().AddDate(0, 0, -days)
	kept := st.tickets[:0]
	removed := 0
	for _, t := range st.tickets {
		if t.Status.Terminal() && t.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	st.tickets = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, st.saveLocked()
}

// Statistics summarizes the store.
func (st *Store) Statistics() Statistics {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := Statistics{Total: len(st.tickets)}
	for _, t := range st.tickets {
		switch t.Status {
		case StatusResolved:
			s.Resolved++
		case StatusFailed:
			s.Failed++
		case StatusEscalated:
			s.Escalated++
		default:
			s.Open++
		}
	}
	return s
}

// Save forces a write (shutdown path).
func (st *Store) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.saveLocked()
}

func (st *Store) find(id string) *Ticket {
	for i := range st.tickets {
		if st.tickets[i].TicketID == id {
			return &st.tickets[i]
		}
	}
	return nil
}

func (st *Store) saveLocked() error {
	f := fileFormat{Tickets: st.tickets, NextID: st.nextID}
	if f.Tickets == nil {
		f.Tickets = []Ticket{}
	}
	if err := fsatomic.WriteJSON(st.path, f, 0o600); err != nil {
		st.log.Error("ticket store save failed", zap.Error(err))
		return err
	}
	return nil
}
