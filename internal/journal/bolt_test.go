package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "warden.db"), 30)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestAuditAppendAndReadChronological(t *testing.T) {
	d := openDB(t)

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	// Insert out of order; keys sort chronologically.
	require.NoError(t, d.AppendAudit(AuditEntry{
		Timestamp: base.Add(time.Hour), TicketID: "WT-000002",
		SignatureID: "sig", StatusFrom: "open", StatusTo: "in-progress", NodeID: "n",
	}))
	require.NoError(t, d.AppendAudit(AuditEntry{
		Timestamp: base, TicketID: "WT-000001",
		SignatureID: "sig", StatusFrom: "", StatusTo: "open", NodeID: "n",
	}))

	entries, err := d.ReadAudit()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "WT-000001", entries[0].TicketID)
	assert.Equal(t, "WT-000002", entries[1].TicketID)
}

func TestPendingReportsQueueFIFO(t *testing.T) {
	d := openDB(t)
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, d.EnqueueReport([]byte("first"), base))
	require.NoError(t, d.EnqueueReport([]byte("second"), base.Add(time.Second)))
	require.NoError(t, d.EnqueueReport([]byte("third"), base.Add(2*time.Second)))

	batch, err := d.PendingReports(2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "first", string(batch[0].Envelope))
	assert.Equal(t, "second", string(batch[1].Envelope))

	require.NoError(t, d.AckReports([][]byte{batch[0].Key, batch[1].Key}))

	rest, err := d.PendingReports(10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "third", string(rest[0].Envelope))
}

func TestPruneDropsOldEntries(t *testing.T) {
	d := openDB(t)

	old := time.Now().UTC().AddDate(0, 0, -45)
	require.NoError(t, d.AppendAudit(AuditEntry{Timestamp: old, TicketID: "WT-old", NodeID: "n"}))
	require.NoError(t, d.AppendAudit(AuditEntry{TicketID: "WT-new", NodeID: "n"}))
	require.NoError(t, d.AppendSecurityEvent(SecurityEvent{Timestamp: old, Kind: "runbook-hash-mismatch", NodeID: "n"}))

	deleted, err := d.Prune()
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	entries, err := d.ReadAudit()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "WT-new", entries[0].TicketID)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")
	d, err := Open(path, 30)
	require.NoError(t, err)
	require.NoError(t, d.AppendAudit(AuditEntry{TicketID: "WT-1", NodeID: "n"}))
	require.NoError(t, d.Close())

	d2, err := Open(path, 30)
	require.NoError(t, err)
	defer d2.Close()
	entries, err := d2.ReadAudit()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
