package correlate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/metricstore"
	"github.com/warden-agent/warden/internal/signal"
)

var t0 = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

func cpuCritical(at time.Time) signal.Signal {
	return signal.New(signal.CategoryPerformance, "system:cpu", 95, 90, signal.SeverityCritical, at)
}

func processCPU(name string, at time.Time) signal.Signal {
	return signal.New(signal.CategoryPerformance, "process_cpu", 85, 80, signal.SeverityWarning, at).
		WithMeta(signal.MetaProcessName, name)
}

func stoppedService(name string, at time.Time) signal.Signal {
	return signal.New(signal.CategoryServices, "service:"+name, 0, 0, signal.SeverityCritical, at).
		WithMeta(signal.MetaServiceName, name)
}

func findRule(cs []Correlation, rule string) *Correlation {
	for i := range cs {
		if cs[i].RuleID == rule {
			return &cs[i]
		}
	}
	return nil
}

func TestCPUCrashingProcessFiresOncePerCooldown(t *testing.T) {
	c := New(DefaultWindow, zap.NewNop())

	s1 := cpuCritical(t0)
	c.Record(s1)
	assert.Nil(t, findRule(c.Check(s1, nil), "cpu-crashing-process"),
		"one half of the pair is not enough")

	s2 := processCPU("chrome.exe", t0.Add(2*time.Minute))
	c.Record(s2)
	corr := findRule(c.Check(s2, nil), "cpu-crashing-process")
	require.NotNil(t, corr)
	assert.Equal(t, 95, corr.Confidence)
	assert.Equal(t, "targeted-process-kill", corr.Action)
	assert.Contains(t, corr.SignalIDs, s1.ID)
	assert.Contains(t, corr.SignalIDs, s2.ID)

	// Identical pair inside the 10-minute rule cooldown: quiet.
	s3 := processCPU("chrome.exe", t0.Add(5*time.Minute))
	c.Record(s3)
	assert.Nil(t, findRule(c.Check(s3, nil), "cpu-crashing-process"))

	// After the cooldown it may fire again.
	s4 := processCPU("chrome.exe", t0.Add(13*time.Minute))
	c.Record(s4)
	assert.NotNil(t, findRule(c.Check(s4, nil), "cpu-crashing-process"))
}

func TestMemoryHungryProcess(t *testing.T) {
	c := New(DefaultWindow, zap.NewNop())

	mem := signal.New(signal.CategoryPerformance, "system:memory", 94, 90, signal.SeverityCritical, t0)
	c.Record(mem)
	proc := signal.New(signal.CategoryPerformance, "process_memory", 3000, 2048, signal.SeverityWarning, t0.Add(time.Minute)).
		WithMeta(signal.MetaProcessName, "java.exe")
	c.Record(proc)

	corr := findRule(c.Check(proc, nil), "memory-hungry-process")
	require.NotNil(t, corr)
	assert.Equal(t, "targeted-process-restart", corr.Action)
}

func TestWindowPruneDropsStaleSignals(t *testing.T) {
	c := New(DefaultWindow, zap.NewNop())

	c.Record(cpuCritical(t0))
	assert.Equal(t, 1, c.WindowSize())

	// 31 minutes later the CPU signal is gone; the pair cannot form.
	late := processCPU("chrome.exe", t0.Add(31*time.Minute))
	c.Record(late)
	assert.Equal(t, 1, c.WindowSize(), "stale entry pruned")
	assert.Nil(t, findRule(c.Check(late, nil), "cpu-crashing-process"))
}

func TestStoppedServiceCascadeCountsDistinctNames(t *testing.T) {
	c := New(DefaultWindow, zap.NewNop())

	// Two signals for the same service: not a cascade.
	a := stoppedService("Spooler", t0)
	c.Record(a)
	b := stoppedService("Spooler", t0.Add(time.Minute))
	c.Record(b)
	assert.Nil(t, findRule(c.Check(b, nil), "stopped-service-cascade"))

	// A second distinct name fires it.
	d := stoppedService("BITS", t0.Add(2*time.Minute))
	c.Record(d)
	corr := findRule(c.Check(d, nil), "stopped-service-cascade")
	require.NotNil(t, corr)
	assert.True(t, corr.Escalation)
	assert.Equal(t, 15, corr.Delta)
}

func TestDiskUpdateCacheConsultsSnapshot(t *testing.T) {
	c := New(DefaultWindow, zap.NewNop())

	disk := signal.New(signal.CategoryStorage, "disk:C", 93, 85, signal.SeverityWarning, t0).
		WithMeta(signal.MetaDrive, "C")
	c.Record(disk)

	idle := &metricstore.Snapshot{Services: []metricstore.ServiceSample{
		{Name: "wuauserv", State: metricstore.ServiceStopped, StartType: metricstore.StartManual},
	}}
	assert.Nil(t, findRule(c.Check(disk, idle), "disk-full-update-cache"))

	updating := &metricstore.Snapshot{Services: []metricstore.ServiceSample{
		{Name: "wuauserv", State: metricstore.ServiceRunning, StartType: metricstore.StartManual},
	}}
	corr := findRule(c.Check(disk, updating), "disk-full-update-cache")
	require.NotNil(t, corr)
	assert.Equal(t, 25, corr.Delta)
	assert.Equal(t, "clear-update-cache-first", corr.Action)
}

func TestNetworkDegradationNeedsTwoSymptomClasses(t *testing.T) {
	c := New(DefaultWindow, zap.NewNop())

	dns := signal.New(signal.CategoryNetwork, "network:dns", 0, 0, signal.SeverityCritical, t0)
	c.Record(dns)
	assert.Nil(t, findRule(c.Check(dns, nil), "network-degradation"))

	// Same class again: still one class.
	dns2 := signal.New(signal.CategoryNetwork, "network:dns", 0, 0, signal.SeverityCritical, t0.Add(time.Minute))
	c.Record(dns2)
	assert.Nil(t, findRule(c.Check(dns2, nil), "network-degradation"))

	gw := signal.New(signal.CategoryNetwork, "network:gateway", 0, 0, signal.SeverityCritical, t0.Add(2*time.Minute))
	c.Record(gw)
	corr := findRule(c.Check(gw, nil), "network-degradation")
	require.NotNil(t, corr)
	assert.Equal(t, "full-network-reset", corr.Action)
}

func TestManySignalsStayBounded(t *testing.T) {
	c := New(DefaultWindow, zap.NewNop())
	for i := 0; i < 500; i++ {
		s := cpuCritical(t0.Add(time.Duration(i) * time.Minute))
		c.Record(s)
		c.Check(s, nil)
	}
	assert.LessOrEqual(t, c.WindowSize(), 31,
		fmt.Sprintf("window holds at most ~30 one-minute-spaced entries, got %d", c.WindowSize()))
}
