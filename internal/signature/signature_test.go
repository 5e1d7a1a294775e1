package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-agent/warden/internal/signal"
)

var testCtx = Context{
	OSBuild:    "26100.2033",
	OSVersion:  "windows 11",
	DeviceRole: "workstation",
}

func cpuSignal(value float64, pid string, at time.Time) signal.Signal {
	s := signal.New(signal.CategoryPerformance, "system:cpu", value, 90, signal.SeverityCritical, at).
		WithMeta(signal.MetaProcessName, "chrome.exe")
	if pid != "" {
		s = s.WithMeta(signal.MetaPID, pid)
	}
	return s
}

func TestSignatureStableAcrossVolatileFields(t *testing.T) {
	g := NewGenerator(testCtx)

	t1 := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	a := g.From(cpuSignal(92.3, "1234", t1))
	b := g.From(cpuSignal(99.9, "9876", t1.Add(48*time.Hour)))

	assert.Equal(t, a.SignatureID, b.SignatureID,
		"value, pid, and timestamp are volatile and must not change the fingerprint")
	assert.Len(t, a.SignatureID, IDLength)
}

func TestSignatureDistinguishesConditions(t *testing.T) {
	g := NewGenerator(testCtx)
	at := time.Now()

	cpu := g.From(cpuSignal(95, "1", at))

	mem := g.From(signal.New(signal.CategoryPerformance, "system:memory", 95, 90, signal.SeverityCritical, at))
	assert.NotEqual(t, cpu.SignatureID, mem.SignatureID, "different metric")

	otherProc := g.From(signal.New(signal.CategoryPerformance, "system:cpu", 95, 90, signal.SeverityCritical, at).
		WithMeta(signal.MetaProcessName, "node.exe"))
	assert.NotEqual(t, cpu.SignatureID, otherProc.SignatureID, "different target")

	otherDevice := NewGenerator(Context{OSBuild: "22631.1", OSVersion: "windows 10", DeviceRole: "server"})
	assert.NotEqual(t, cpu.SignatureID, otherDevice.From(cpuSignal(95, "1", at)).SignatureID,
		"different device context")
}

func TestSignatureGenerationIsIdempotent(t *testing.T) {
	g := NewGenerator(testCtx)
	s := cpuSignal(95, "77", time.Now())
	first := g.From(s)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first.SignatureID, g.From(s).SignatureID)
	}
}

func TestTargetsDerivation(t *testing.T) {
	g := NewGenerator(testCtx)
	at := time.Now()

	svc := g.From(signal.New(signal.CategoryServices, "service:spooler", 0, 0, signal.SeverityCritical, at).
		WithMeta(signal.MetaServiceName, "Spooler"))
	require.Len(t, svc.Targets, 1)
	assert.Equal(t, Target{Type: TargetService, Name: "spooler"}, svc.Targets[0])
	assert.Equal(t, "spooler", svc.TargetFor(TargetService))

	disk := g.From(signal.New(signal.CategoryStorage, "disk:C", 92, 85, signal.SeverityWarning, at).
		WithMeta(signal.MetaDrive, "C"))
	assert.Equal(t, "drive:C", disk.TargetFor(TargetSystem))

	bare := g.From(signal.New(signal.CategoryPerformance, "system:memory", 95, 90, signal.SeverityCritical, at))
	assert.Equal(t, "system", bare.TargetFor(TargetSystem))
}

func TestConfidenceTiers(t *testing.T) {
	g := NewGenerator(testCtx)
	at := time.Now()

	mk := func(metric string, value, threshold float64) int {
		return g.From(signal.New(signal.CategoryPerformance, metric, value, threshold, signal.SeverityCritical, at)).LocalConfidence
	}

	// Bounded metric, threshold 90, headroom 10.
	assert.Equal(t, 95, mk("system:cpu", 96, 90), "breach covers ≥50% of headroom")
	assert.Equal(t, 85, mk("system:cpu", 93, 90), "breach covers ≥20% of headroom")
	assert.Equal(t, 70, mk("system:cpu", 91, 90), "small breach")

	// Unbounded metric (process memory, MB).
	assert.Equal(t, 95, mk("process_memory", 3100, 2048))
	assert.Equal(t, 85, mk("process_memory", 2500, 2048))
	assert.Equal(t, 70, mk("process_memory", 2100, 2048))

	// Inverted metric (free space below a floor).
	assert.Equal(t, 95, mk("disk:C:free", 4, 10))
	assert.Equal(t, 85, mk("disk:C:free", 7, 10))
	assert.Equal(t, 70, mk("disk:C:free", 9.5, 10))

	// State-based symptom: no numeric breach to grade.
	svc := g.From(signal.New(signal.CategoryServices, "service:spooler", 0, 0, signal.SeverityCritical, at))
	assert.Equal(t, 75, svc.LocalConfidence)
}
