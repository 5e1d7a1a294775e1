package ticket

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/clock"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T, path string) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	st, err := Open(path, clk, zap.NewNop())
	require.NoError(t, err)
	return st, clk
}

func TestLifecycleHappyPath(t *testing.T) {
	st, _ := openStore(t, filepath.Join(t.TempDir(), "tickets.json"))

	tk, err := st.Create("sig-1", "rb-service-stopped", 1, StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, "WT-000001", tk.TicketID)
	assert.Equal(t, StatusOpen, tk.Status)

	require.NoError(t, st.UpdateStatus(tk.TicketID, StatusInProgress))
	require.NoError(t, st.SetProgress(tk.TicketID, 1))
	require.NoError(t, st.Close(tk.TicketID, ResultSuccess, ResolutionFixed, ""))

	got, ok := st.Get(tk.TicketID)
	require.True(t, ok)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, ResultSuccess, got.Result)
	assert.Equal(t, ResolutionFixed, got.Resolution)
	assert.Equal(t, 1, got.StepsCompleted)
	assert.NotNil(t, got.ResolvedAt)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	st, _ := openStore(t, filepath.Join(t.TempDir(), "tickets.json"))

	tk, err := st.Create("sig-1", "", 0, StatusEscalated)
	require.NoError(t, err)
	assert.True(t, tk.Escalated)

	assert.Error(t, st.UpdateStatus(tk.TicketID, StatusInProgress))
	assert.Error(t, st.Close(tk.TicketID, ResultFailure, ResolutionPending, ""))
	assert.Error(t, st.MarkEscalated(tk.TicketID))

	// Auto-close bookkeeping is the single permitted terminal write.
	assert.NoError(t, st.MarkAutoClosed(tk.TicketID))
	assert.NoError(t, st.MarkAutoClosed(tk.TicketID), "idempotent")
}

func TestIllegalTransitionsRefused(t *testing.T) {
	st, _ := openStore(t, filepath.Join(t.TempDir(), "tickets.json"))

	tk, err := st.Create("sig-1", "rb", 2, StatusOpen)
	require.NoError(t, err)

	// open → resolved skips in-progress.
	assert.Error(t, st.Close(tk.TicketID, ResultSuccess, ResolutionFixed, ""))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.json")
	st, _ := openStore(t, path)

	_, err := st.Create("sig-a", "rb-1", 2, StatusOpen)
	require.NoError(t, err)
	tk2, err := st.Create("sig-b", "", 0, StatusEscalated)
	require.NoError(t, err)

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	st2, _ := openStore(t, path)
	require.NoError(t, st2.Save())
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second), "save → load → save is byte-identical")

	got, ok := st2.Get(tk2.TicketID)
	require.True(t, ok)
	assert.Equal(t, StatusEscalated, got.Status)

	// nextId continues where it left off.
	tk3, err := st2.Create("sig-c", "", 0, StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, "WT-000003", tk3.TicketID)
}

func TestLoadDropsInvalidRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.json")
	blob := `{"tickets":[
		{"ticketId":"WT-000001","signatureId":"s","status":"open","createdAt":"2025-06-02T09:00:00Z"},
		{"ticketId":"","signatureId":"s","status":"open","createdAt":"2025-06-02T09:00:00Z"},
		{"ticketId":"WT-000002","signatureId":"","status":"open","createdAt":"2025-06-02T09:00:00Z"}
	],"nextId":3}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o600))

	st, _ := openStore(t, path)
	assert.Equal(t, 1, st.Statistics().Total, "invalid records dropped, valid kept")
}

func TestLoadRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real.json")
	require.NoError(t, os.WriteFile(real, []byte(`{"tickets":[],"nextId":1}`), 0o600))
	link := filepath.Join(dir, "tickets.json")
	require.NoError(t, os.Symlink(real, link))

	_, err := Open(link, clock.NewFake(t0), zap.NewNop())
	assert.Error(t, err)
}

func TestOpenForFindsOnlyNonTerminal(t *testing.T) {
	st, _ := openStore(t, filepath.Join(t.TempDir(), "tickets.json"))

	tk, err := st.Create("sig-x", "rb", 1, StatusOpen)
	require.NoError(t, err)
	_, open := st.OpenFor("sig-x")
	assert.True(t, open)

	require.NoError(t, st.UpdateStatus(tk.TicketID, StatusInProgress))
	require.NoError(t, st.Close(tk.TicketID, ResultFailure, ResolutionProtected, "service protected"))
	_, open = st.OpenFor("sig-x")
	assert.False(t, open, "terminal tickets do not block new work")
}

func TestDeleteOlderThan(t *testing.T) {
	st, clk := openStore(t, filepath.Join(t.TempDir(), "tickets.json"))

	old, err := st.Create("sig-old", "", 0, StatusEscalated)
	require.NoError(t, err)
	clk.Advance(40 * 24 * time.Hour)
	_, err = st.Create("sig-new", "", 0, StatusEscalated)
	require.NoError(t, err)

	removed, err := st.DeleteOlderThan(30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, ok := st.Get(old.TicketID)
	assert.False(t, ok)

	stats := st.Statistics()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Escalated)
}

func TestFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.json")
	st, _ := openStore(t, path)
	_, err := st.Create("sig", "", 0, StatusOpen)
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}
