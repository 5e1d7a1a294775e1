// Package signature turns a signal into the stable identity of its
// problem class.
//
// The fingerprint is a truncated SHA-256 over the canonical JSON of the
// signal's stable fields only: symptom type/severity with metric and
// threshold, the targets (type + name), the device context (OS build,
// OS version, device role), and the signal category. Volatile readings
// — the current value, PIDs, uptimes, timestamps — are deliberately
// excluded; the same condition must hash identically on every
// occurrence or deduplication falls apart.
//
// Canonical form: a nested map marshalled by encoding/json, which
// writes object keys in sorted order with no insignificant whitespace.
// Generation is pure: same signal and context in, same id out.

package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/warden-agent/warden/internal/signal"
)

// IDLength is the hex length the fingerprint is truncated to.
const IDLength = 32

// TargetType classifies what a remediation would act on.
type TargetType string

const (
	TargetService TargetType = "service"
	TargetProcess TargetType = "process"
	TargetSystem  TargetType = "system"
	TargetNetwork TargetType = "network"
	TargetApp     TargetType = "app"
)

// Target names one thing a remediation would act on.
type Target struct {
	Type TargetType `json:"type"`
	Name string     `json:"name"`
}

// Context is the stable device context mixed into every fingerprint.
type Context struct {
	OSBuild    string `json:"os_build"`
	OSVersion  string `json:"os_version"`
	DeviceRole string `json:"device_role"`
}

// Symptom is the stable description of what was observed.
type Symptom struct {
	Type      string          `json:"type"`     // The metric-derived symptom name.
	Severity  signal.Severity `json:"severity"`
	Metric    string          `json:"metric"`
	Threshold float64         `json:"threshold"`
}

// Signature is the stable identity of a problem class plus the local
// confidence heuristic for this occurrence.
type Signature struct {
	SignatureID     string          `json:"signatureId"`
	Symptoms        []Symptom       `json:"symptoms"`
	Targets         []Target        `json:"targets"`
	Context         Context         `json:"context"`
	Category        signal.Category `json:"category"`
	Severity        signal.Severity `json:"severity"`
	LocalConfidence int             `json:"confidenceLocal"` // 50–100.
}

// Generator builds signatures for one device context.
type Generator struct {
	ctx Context
}

// NewGenerator returns a Generator bound to the device context.
func NewGenerator(ctx Context) *Generator {
	return &Generator{ctx: ctx}
}

// From builds the signature for a signal.
func (g *Generator) From(s signal.Signal) Signature {
	sym := Symptom{
		Type:      s.Metric,
		Severity:  s.Severity,
		Metric:    s.Metric,
		Threshold: s.Threshold,
	}
	targets := targetsFor(s)

	sig := Signature{
		Symptoms:        []Symptom{sym},
		Targets:         targets,
		Context:         g.ctx,
		Category:        s.Category,
		Severity:        s.Severity,
		LocalConfidence: confidence(s),
	}
	sig.SignatureID = fingerprint(sig)
	return sig
}

// TargetFor returns the first target's name for a given type, or "".
// The executor uses this for placeholder substitution.
func (s Signature) TargetFor(tt TargetType) string {
	for _, t := range s.Targets {
		if t.Type == tt {
			return t.Name
		}
	}
	return ""
}

// targetsFor derives the target list from signal metadata.
// PIDs are volatile and never become targets; names do.
func targetsFor(s signal.Signal) []Target {
	var out []Target
	if svc := s.Meta(signal.MetaServiceName); svc != "" {
		out = append(out, Target{Type: TargetService, Name: strings.ToLower(svc)})
	}
	if proc := s.Meta(signal.MetaProcessName); proc != "" {
		out = append(out, Target{Type: TargetProcess, Name: strings.ToLower(proc)})
	}
	if drive := s.Meta(signal.MetaDrive); drive != "" {
		out = append(out, Target{Type: TargetSystem, Name: "drive:" + strings.ToUpper(drive)})
	}
	if s.Category == signal.CategoryNetwork {
		out = append(out, Target{Type: TargetNetwork, Name: "network"})
	}
	if len(out) == 0 {
		out = append(out, Target{Type: TargetSystem, Name: "system"})
	}
	return out
}

// fingerprint hashes the stable subset of a signature.
func fingerprint(sig Signature) string {
	targets := make([]map[string]string, 0, len(sig.Targets))
	for _, t := range sig.Targets {
		targets = append(targets, map[string]string{
			"type": string(t.Type),
			"name": t.Name,
		})
	}
	symptoms := make([]map[string]any, 0, len(sig.Symptoms))
	for _, s := range sig.Symptoms {
		symptoms = append(symptoms, map[string]any{
			"type":     s.Type,
			"severity": string(s.Severity),
			"details": map[string]any{
				"metric":    s.Metric,
				"threshold": s.Threshold,
			},
		})
	}
	stable := map[string]any{
		"signal_category": string(sig.Category),
		"symptom":         symptoms,
		"targets":         targets,
		"context": map[string]string{
			"os_build":    sig.Context.OSBuild,
			"os_version":  sig.Context.OSVersion,
			"device_role": sig.Context.DeviceRole,
		},
	}
	// encoding/json writes map keys sorted; this is the canonical form.
	data, err := json.Marshal(stable)
	if err != nil {
		// Only non-marshalable values can get here, and the stable
		// subset contains none.
		panic("signature: canonical marshal: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:IDLength]
}

// metricKind classifies how a metric's value relates to its threshold.
type metricKind int

const (
	kindBounded  metricKind = iota // Percent scale, 0–100.
	kindInverted                   // Lower is worse (free space).
	kindUnbounded
	kindNone // No numeric reading (service state, event log).
)

func kindOf(s signal.Signal) metricKind {
	if s.Threshold <= 0 {
		return kindNone
	}
	if strings.HasSuffix(s.Metric, ":free") {
		return kindInverted
	}
	switch {
	case s.Metric == "system:cpu" || s.Metric == "system:memory",
		s.Metric == "process_cpu",
		strings.HasPrefix(s.Metric, "disk:"):
		return kindBounded
	}
	return kindUnbounded
}

// confidence scores how certain the local evidence is, 50–100.
func confidence(s signal.Signal) int {
	switch kindOf(s) {
	case kindBounded:
		headroom := 100 - s.Threshold
		if headroom <= 0 {
			return 95
		}
		frac := (s.Value - s.Threshold) / headroom
		switch {
		case frac >= 0.5:
			return 95
		case frac >= 0.2:
			return 85
		default:
			return 70
		}
	case kindInverted:
		frac := (s.Threshold - s.Value) / s.Threshold
		switch {
		case frac >= 0.5:
			return 95
		case frac >= 0.2:
			return 85
		default:
			return 70
		}
	case kindUnbounded:
		ratio := s.Value / s.Threshold
		switch {
		case ratio >= 1.5:
			return 95
		case ratio >= 1.2:
			return 85
		default:
			return 70
		}
	default:
		// State-based symptoms (stopped service, event-log entries)
		// carry no breach magnitude to grade.
		return 75
	}
}
