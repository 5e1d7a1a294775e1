// Package journal is the BoltDB-backed append log for the agent.
//
// Schema (bucket layout):
//
//	/ticket-audit
//	    key:   RFC3339Nano timestamp + "_" + ticket id  [sortable]
//	    value: JSON-encoded AuditEntry
//
//	/security-events
//	    key:   RFC3339Nano timestamp + "_" + kind
//	    value: JSON-encoded SecurityEvent
//
//	/pending-reports
//	    key:   RFC3339Nano timestamp + "_" + sequence
//	    value: raw transport envelope, re-sent on reconnect
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer; all writes are ACID transactions.
//   - CRC check on open is bbolt built-in; a corrupt file refuses to
//     open and the agent treats that as unsalvageable state.
//
// Retention: audit and security entries older than the retention period
// are pruned on startup.

package journal

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current journal schema.
	SchemaVersion = "1"

	// DefaultRetentionDays bounds audit history.
	DefaultRetentionDays = 90

	bucketAudit    = "ticket-audit"
	bucketSecurity = "security-events"
	bucketPending  = "pending-reports"
	bucketMeta     = "meta"
)

// AuditEntry records one ticket state transition.
type AuditEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	TicketID    string    `json:"ticketId"`
	SignatureID string    `json:"signatureId"`
	StatusFrom  string    `json:"statusFrom"`
	StatusTo    string    `json:"statusTo"`
	Detail      string    `json:"detail,omitempty"`
	NodeID      string    `json:"nodeId"`
}

// SecurityEvent records an integrity failure (hash mismatch, malformed
// persisted state).
type SecurityEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	NodeID    string    `json:"nodeId"`
}

// DB wraps a BoltDB instance with typed accessors.
type DB struct {
	db            *bolt.DB
	retentionDays int
	seq           atomic.Uint64
}

// Open opens (or creates) the journal at path and initializes buckets.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketAudit, bucketSecurity, bucketPending, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("journal initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("journal schema mismatch: file has %q, agent requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying file.
func (d *DB) Close() error { return d.db.Close() }

// sortableKey builds a chronological bucket key.
func sortableKey(t time.Time, suffix string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), suffix))
}

// AppendAudit writes a ticket transition record.
func (d *DB) AppendAudit(e AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal.AppendAudit marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAudit)).Put(sortableKey(e.Timestamp, e.TicketID), data)
	})
}

// AppendSecurityEvent writes an integrity failure record.
func (d *DB) AppendSecurityEvent(e SecurityEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal.AppendSecurityEvent marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSecurity)).Put(sortableKey(e.Timestamp, e.Kind), data)
	})
}

// EnqueueReport stores a transport envelope for later delivery.
func (d *DB) EnqueueReport(envelope []byte, at time.Time) error {
	key := sortableKey(at, fmt.Sprintf("%06d", d.seq.Add(1)))
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPending)).Put(key, envelope)
	})
}

// PendingReport is one queued envelope plus its queue key.
type PendingReport struct {
	Key      []byte
	Envelope []byte
}

// PendingReports returns up to max queued envelopes, oldest first.
func (d *DB) PendingReports(max int) ([]PendingReport, error) {
	var out []PendingReport
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketPending)).Cursor()
		for k, v := c.First(); k != nil && len(out) < max; k, v = c.Next() {
			kc := make([]byte, len(k))
			copy(kc, k)
			vc := make([]byte, len(v))
			copy(vc, v)
			out = append(out, PendingReport{Key: kc, Envelope: vc})
		}
		return nil
	})
	return out, err
}

// AckReports deletes delivered envelopes by key.
func (d *DB) AckReports(keys [][]byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPending))
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Prune deletes audit and security entries older than retention.
// Returns the number of entries deleted.
func (d *DB) Prune() (int, error) {
	cutoff := sortableKey(time.Now().UTC().AddDate(0, 0, -d.retentionDays), "")
	deleted := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketAudit, bucketSecurity} {
			b := tx.Bucket([]byte(name))
			c := b.Cursor()
			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) >= string(cutoff) {
					break // Remaining keys are newer.
				}
				kc := make([]byte, len(k))
				copy(kc, k)
				toDelete = append(toDelete, kc)
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("journal.Prune delete: %w", err)
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

// ReadAudit returns all audit entries in chronological order. For
// operational inspection; not called on the hot path.
func (d *DB) ReadAudit() ([]AuditEntry, error) {
	var entries []AuditEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAudit)).ForEach(func(_, v []byte) error {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}
