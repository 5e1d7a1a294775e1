// Package collect — eventlog.go
//
// The event-log adaptor: converts host event records into signals and
// queues them for the orchestrator alongside the rule engine's output.
//
// Matching is two-stage: the record's level maps to a severity
// (error → critical, warning → warning, everything else → info), and a
// message-pattern table classifies the symptom. Records matching no
// pattern are dropped — the event log is noisy and only known symptom
// classes are worth a signal.

package collect

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/warden-agent/warden/internal/signal"
)

// EventRecord is one host event-log entry as the platform adapter
// delivers it.
type EventRecord struct {
	Source   string
	Level    string // error, warning, information.
	EventID  int
	Message  string
	LoggedAt time.Time
}

// EventSource is the host event-log surface.
type EventSource interface {
	// ReadNew returns records logged since the previous call.
	ReadNew(ctx context.Context) ([]EventRecord, error)
}

// eventPattern classifies one symptom class by message content.
type eventPattern struct {
	metric   string
	category signal.Category
	re       *regexp.Regexp
}

var eventPatterns = []eventPattern{
	{"smart:read-errors", signal.CategoryEventLog, regexp.MustCompile(`(?i)smart.*(read error|reallocated|pending sector)`)},
	{"smart:failure-predicted", signal.CategoryEventLog, regexp.MustCompile(`(?i)disk.*failure.*predict`)},
	{"ecc:memory-error", signal.CategoryEventLog, regexp.MustCompile(`(?i)(ecc|corrected hardware memory) error`)},
	{"bsod:bugcheck", signal.CategoryEventLog, regexp.MustCompile(`(?i)(bugcheck|blue ?screen|unexpected(ly)? (shutdown|reboot))`)},
	{"service:crash", signal.CategoryEventLog, regexp.MustCompile(`(?i)service.*(terminated unexpectedly|crashed)`)},
	{"network:dns", signal.CategoryNetwork, regexp.MustCompile(`(?i)(dns).*(resolution|lookup).*(fail|timeout)`)},
	{"network:gateway", signal.CategoryNetwork, regexp.MustCompile(`(?i)(default )?gateway.*(unreachable|not responding|down)`)},
	{"network:connectivity", signal.CategoryNetwork, regexp.MustCompile(`(?i)(network connectivity lost|media disconnected|link down)`)},
}

// EventLogAdaptor polls an EventSource and buffers converted signals
// until the orchestrator drains them.
type EventLogAdaptor struct {
	source EventSource

	mu      sync.Mutex
	pending []signal.Signal
}

// NewEventLogAdaptor builds an adaptor over the given source, which
// may be nil (no event log on this platform).
func NewEventLogAdaptor(source EventSource) *EventLogAdaptor {
	return &EventLogAdaptor{source: source}
}

func (a *EventLogAdaptor) Name() string { return "eventlog" }

// Collect pulls new records and converts the ones that match a known
// symptom class.
func (a *EventLogAdaptor) Collect(ctx context.Context) error {
	if a.source == nil {
		return nil
	}
	records, err := a.source.ReadNew(ctx)
	if err != nil {
		return err
	}
	var converted []signal.Signal
	for _, r := range records {
		if s, ok := Convert(r); ok {
			converted = append(converted, s)
		}
	}
	if len(converted) > 0 {
		a.mu.Lock()
		a.pending = append(a.pending, converted...)
		a.mu.Unlock()
	}
	return nil
}

// Drain returns and clears the buffered signals.
func (a *EventLogAdaptor) Drain() []signal.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	return out
}

// Inject adds pre-built signals to the buffer. Used by the simulator.
func (a *EventLogAdaptor) Inject(ss ...signal.Signal) {
	a.mu.Lock()
	a.pending = append(a.pending, ss...)
	a.mu.Unlock()
}

// Convert maps one record to a signal. Returns false when the record
// matches no known symptom class.
func Convert(r EventRecord) (signal.Signal, bool) {
	for _, p := range eventPatterns {
		if !p.re.MatchString(r.Message) {
			continue
		}
		s := signal.New(p.category, p.metric, 0, 0, levelSeverity(r.Level), r.LoggedAt).
			WithMeta(signal.MetaSource, r.Source)
		return s, true
	}
	return signal.Signal{}, false
}

func levelSeverity(level string) signal.Severity {
	switch strings.ToLower(level) {
	case "error", "critical":
		return signal.SeverityCritical
	case "warning":
		return signal.SeverityWarning
	default:
		return signal.SeverityInfo
	}
}
