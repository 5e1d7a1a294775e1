// Package signal defines the condition records exchanged between the
// rule engine, correlator, signature generator, and orchestrator.
//
// A Signal is one categorized observation a rule found worth reporting.
// Signals are ephemeral: the correlator may hold one for up to its
// window duration, nothing else retains them.

package signal

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies the subsystem a signal concerns.
type Category string

const (
	CategoryPerformance Category = "performance"
	CategoryStorage     Category = "storage"
	CategoryServices    Category = "services"
	CategoryNetwork     Category = "network"
	CategoryProcesses   Category = "processes"
	CategoryEventLog    Category = "eventlog"
)

// Known reports whether c is one of the defined categories.
func (c Category) Known() bool {
	switch c {
	case CategoryPerformance, CategoryStorage, CategoryServices,
		CategoryNetwork, CategoryProcesses, CategoryEventLog:
		return true
	}
	return false
}

// Categories lists every defined category. The runbook registry tests
// use it to check default coverage.
func Categories() []Category {
	return []Category{
		CategoryPerformance, CategoryStorage, CategoryServices,
		CategoryNetwork, CategoryProcesses, CategoryEventLog,
	}
}

// Severity ranks how urgent a signal is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Rank returns a comparable weight: critical > warning > info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Well-known metadata keys. Rules populate only the keys that apply.
const (
	MetaServiceName = "serviceName"
	MetaProcessName = "processName"
	MetaPID         = "pid"
	MetaDrive       = "drive"
	MetaStartType   = "startType"
	MetaSource      = "source"
	MetaRawSeverity = "rawSeverity"
)

// Signal is a single condition worth reasoning about.
type Signal struct {
	ID         string            `json:"id"`
	Category   Category          `json:"category"`
	Metric     string            `json:"metric"`
	Value      float64           `json:"value"`
	Threshold  float64           `json:"threshold"`
	Severity   Severity          `json:"severity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ObservedAt time.Time         `json:"observedAt"`
}

// New constructs a Signal with a fresh id and the given observation time.
func New(cat Category, metric string, value, threshold float64, sev Severity, at time.Time) Signal {
	return Signal{
		ID:         uuid.NewString(),
		Category:   cat,
		Metric:     metric,
		Value:      value,
		Threshold:  threshold,
		Severity:   sev,
		Metadata:   map[string]string{},
		ObservedAt: at,
	}
}

// WithMeta sets a metadata key and returns the signal for chaining.
func (s Signal) WithMeta(key, value string) Signal {
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	s.Metadata[key] = value
	return s
}

// Meta returns the metadata value for key, or "".
func (s Signal) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}
