// Package runbook holds the remediation and diagnostic step sequences
// the executor runs.
//
// Sources, in trust order:
//  1. Builtin defaults compiled into the agent. Always present; every
//     signal category resolves to something.
//  2. <dataDir>/runbooks.json — externally supplied. The file's
//     SHA-256 is checked against the sidecar hash registry before a
//     single byte is trusted: a match is accepted, a missing
//     registration registers the current hash, and a mismatch rejects
//     the file, emits a security event, and leaves the builtins in
//     charge.
//  3. Server pushes — validated the same way as the file, then
//     swapped atomically; the orchestrator sees the new set on its
//     next cycle.
//
// A change to the file on disk (fsnotify) re-runs the load path, so an
// operator edit or a tamper both take effect — in opposite directions —
// without a restart.

package runbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/fsatomic"
	"github.com/warden-agent/warden/internal/signal"
)

// Step is one primitive invocation inside a runbook. Params values may
// contain {{placeholders}} the executor resolves from the signature
// context.
type Step struct {
	Primitive string            `json:"primitive"`
	Params    map[string]string `json:"params,omitempty"`
	OutputKey string            `json:"output_key"`
	Critical  bool              `json:"critical"`
}

// Runbook is a named, ordered remediation (or diagnostic) sequence.
type Runbook struct {
	ID               string          `json:"id"`
	Category         signal.Category `json:"category"`
	TimeoutMS        int             `json:"timeout_ms"`
	Steps            []Step          `json:"steps"`
	RequiresApproval bool            `json:"requires_approval"`
	Diagnostic       bool            `json:"diagnostic,omitempty"`
}

type runbookFile struct {
	Runbooks []Runbook `json:"runbooks"`
}

// hashRegistry is the sidecar mapping logical resource → hex sha256.
type hashRegistry map[string]string

// resourceName is the hash registry key for the runbook file.
const resourceName = "runbooks.json"

// SecurityEventFunc receives integrity failures (journal sink).
type SecurityEventFunc func(kind, detail string)

// Registry is the thread-safe runbook lookup table.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]Runbook
	byCat     map[signal.Category]Runbook // Primary remediation per category.
	diagByCat map[signal.Category]Runbook

	path      string
	hashPath  string
	onSecured SecurityEventFunc
	log       *zap.Logger

	watcher *fsnotify.Watcher
}

// NewRegistry builds the registry: builtins first, then the external
// file if it passes the hash check and validation.
func NewRegistry(path, hashPath string, onSecurity SecurityEventFunc, log *zap.Logger) *Registry {
	r := &Registry{
		path:      path,
		hashPath:  hashPath,
		onSecured: onSecurity,
		log:       log,
	}
	r.install(Builtins())
	r.loadExternal()
	return r
}

// loadExternal reads, verifies, validates and merges runbooks.json.
func (r *Registry) loadExternal() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("runbook file unreadable, using builtins", zap.Error(err))
		}
		return
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	var reg hashRegistry
	if err := fsatomic.ReadJSON(r.hashPath, &reg); err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("hash registry unreadable", zap.Error(err))
		}
		reg = hashRegistry{}
	}

	stored, ok := reg[resourceName]
	switch {
	case !ok:
		// First sighting: register the current content.
		reg[resourceName] = digest
		if err := fsatomic.WriteJSON(r.hashPath, reg, 0o600); err != nil {
			r.log.Warn("hash registry write failed", zap.Error(err))
		}
	case stored != digest:
		r.log.Error("runbook file hash mismatch — rejecting file",
			zap.String("expected", stored), zap.String("actual", digest))
		if r.onSecured != nil {
			r.onSecured("runbook-hash-mismatch",
				fmt.Sprintf("expected %s got %s", stored, digest))
		}
		return
	}

	var f runbookFile
	if err := fsatomic.ReadJSON(r.path, &f); err != nil {
		r.log.Warn("runbook file parse failed, using builtins", zap.Error(err))
		return
	}
	valid := make([]Runbook, 0, len(f.Runbooks))
	for _, rb := range f.Runbooks {
		if err := ValidateRunbook(rb); err != nil {
			r.log.Warn("dropping invalid runbook", zap.String("id", rb.ID), zap.Error(err))
			continue
		}
		valid = append(valid, rb)
	}
	r.merge(valid)
}

// ValidateRunbook checks the structural requirements of one runbook.
func ValidateRunbook(rb Runbook) error {
	if rb.ID == "" {
		return fmt.Errorf("runbook: missing id")
	}
	if !rb.Category.Known() {
		return fmt.Errorf("runbook %q: unknown category %q", rb.ID, rb.Category)
	}
	if len(rb.Steps) == 0 {
		return fmt.Errorf("runbook %q: no steps", rb.ID)
	}
	for i, s := range rb.Steps {
		if s.Primitive == "" {
			return fmt.Errorf("runbook %q: step %d missing primitive", rb.ID, i)
		}
		if s.OutputKey == "" {
			return fmt.Errorf("runbook %q: step %d missing output_key", rb.ID, i)
		}
	}
	return nil
}

// install replaces the whole table with the given set.
func (r *Registry) install(rbs []Runbook) {
	byID := map[string]Runbook{}
	byCat := map[signal.Category]Runbook{}
	diag := map[signal.Category]Runbook{}
	for _, rb := range rbs {
		byID[rb.ID] = rb
		if rb.Diagnostic {
			if _, ok := diag[rb.Category]; !ok {
				diag[rb.Category] = rb
			}
		} else if _, ok := byCat[rb.Category]; !ok {
			byCat[rb.Category] = rb
		}
	}
	r.mu.Lock()
	r.byID = byID
	r.byCat = byCat
	r.diagByCat = diag
	r.mu.Unlock()
}

// merge overlays external runbooks on the builtins: same id wins,
// missing categories stay covered by defaults.
func (r *Registry) merge(external []Runbook) {
	merged := Builtins()
	seen := map[string]int{}
	for i, rb := range merged {
		seen[rb.ID] = i
	}
	for _, rb := range external {
		if i, ok := seen[rb.ID]; ok {
			merged[i] = rb
		} else {
			merged = append(merged, rb)
		}
	}
	r.install(merged)
	r.log.Info("runbooks loaded", zap.Int("external", len(external)), zap.Int("total", len(merged)))
}

// ReplaceFromServer validates a pushed set and swaps it in atomically.
// The pushed content also becomes the new registered hash so the next
// file load agrees with it.
func (r *Registry) ReplaceFromServer(rbs []Runbook) error {
	for _, rb := range rbs {
		if err := ValidateRunbook(rb); err != nil {
			return fmt.Errorf("runbook.ReplaceFromServer: %w", err)
		}
	}
	if err := fsatomic.WriteJSON(r.path, runbookFile{Runbooks: rbs}, 0o600); err != nil {
		return fmt.Errorf("runbook.ReplaceFromServer: persist: %w", err)
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("runbook.ReplaceFromServer: reread: %w", err)
	}
	sum := sha256.Sum256(data)
	reg := hashRegistry{resourceName: hex.EncodeToString(sum[:])}
	if err := fsatomic.WriteJSON(r.hashPath, reg, 0o600); err != nil {
		return fmt.Errorf("runbook.ReplaceFromServer: hash registry: %w", err)
	}
	r.merge(rbs)
	return nil
}

// Lookup returns the primary remediation runbook for a category.
func (r *Registry) Lookup(cat signal.Category) (Runbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rb, ok := r.byCat[cat]
	return rb, ok
}

// LookupDiagnostic returns the diagnostic runbook for a category.
func (r *Registry) LookupDiagnostic(cat signal.Category) (Runbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rb, ok := r.diagByCat[cat]
	return rb, ok
}

// Get returns a runbook by id.
func (r *Registry) Get(id string) (Runbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rb, ok := r.byID[id]
	return rb, ok
}

// Watch re-runs the load path whenever the runbook file changes.
// Call Close to stop watching.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("runbook.Watch: %w", err)
	}
	if err := w.Add(r.path); err != nil {
		// The file may not exist yet; watch its directory instead is
		// overkill here — builtins cover us until restart.
		w.Close()
		return fmt.Errorf("runbook.Watch: %w", err)
	}
	r.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					r.log.Info("runbook file changed, revalidating")
					r.loadExternal()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Warn("runbook watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}
