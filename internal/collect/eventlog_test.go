package collect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-agent/warden/internal/signal"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func TestConvertClassifiesKnownSymptoms(t *testing.T) {
	cases := []struct {
		message  string
		level    string
		metric   string
		category signal.Category
		severity signal.Severity
	}{
		{"SMART detected a read error on disk 0 (reallocated sectors)", "error",
			"smart:read-errors", signal.CategoryEventLog, signal.SeverityCritical},
		{"A corrected hardware memory error occurred", "warning",
			"ecc:memory-error", signal.CategoryEventLog, signal.SeverityWarning},
		{"The system rebooted after a bugcheck 0x0000009f", "error",
			"bsod:bugcheck", signal.CategoryEventLog, signal.SeverityCritical},
		{"The Print Spooler service terminated unexpectedly", "error",
			"service:crash", signal.CategoryEventLog, signal.SeverityCritical},
		{"DNS name resolution failed for host corp.local", "warning",
			"network:dns", signal.CategoryNetwork, signal.SeverityWarning},
		{"Default gateway 10.0.0.1 is unreachable", "error",
			"network:gateway", signal.CategoryNetwork, signal.SeverityCritical},
		{"Network connectivity lost on adapter Ethernet0", "information",
			"network:connectivity", signal.CategoryNetwork, signal.SeverityInfo},
	}
	for _, tc := range cases {
		s, ok := Convert(EventRecord{Source: "System", Level: tc.level, Message: tc.message, LoggedAt: t0})
		require.True(t, ok, tc.message)
		assert.Equal(t, tc.metric, s.Metric)
		assert.Equal(t, tc.category, s.Category)
		assert.Equal(t, tc.severity, s.Severity)
		assert.Equal(t, "System", s.Meta(signal.MetaSource))
	}
}

func TestConvertDropsUnknownRecords(t *testing.T) {
	_, ok := Convert(EventRecord{Level: "error", Message: "user logged on interactively"})
	assert.False(t, ok, "noise stays out of the pipeline")
}

// fakeEventSource scripts one batch of records.
type fakeEventSource struct{ records []EventRecord }

func (f *fakeEventSource) ReadNew(context.Context) ([]EventRecord, error) {
	out := f.records
	f.records = nil
	return out, nil
}

func TestAdaptorBuffersUntilDrained(t *testing.T) {
	src := &fakeEventSource{records: []EventRecord{
		{Level: "error", Message: "SMART reallocated sector count rising", LoggedAt: t0},
		{Level: "info", Message: "routine maintenance completed", LoggedAt: t0},
	}}
	a := NewEventLogAdaptor(src)

	require.NoError(t, a.Collect(context.Background()))
	signals := a.Drain()
	require.Len(t, signals, 1, "only the matching record converts")
	assert.Equal(t, "smart:read-errors", signals[0].Metric)

	assert.Empty(t, a.Drain(), "drain clears the buffer")
}

func TestNilSourceIsQuiet(t *testing.T) {
	a := NewEventLogAdaptor(nil)
	require.NoError(t, a.Collect(context.Background()))
	assert.Empty(t, a.Drain())
}
