package runbook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/signal"
)

func externalFile(t *testing.T, dir string, rbs []Runbook) string {
	t.Helper()
	path := filepath.Join(dir, "runbooks.json")
	data, err := json.Marshal(runbookFile{Runbooks: rbs})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func customServiceRunbook() Runbook {
	return Runbook{
		ID:       "rb-service-stopped",
		Category: signal.CategoryServices,
		TimeoutMS: 45_000,
		Steps: []Step{
			{Primitive: "startService", Params: map[string]string{"name": "{{target_service}}"}, OutputKey: "start", Critical: true},
		},
	}
}

func TestBuiltinsCoverEveryCategory(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "missing.json"), filepath.Join(t.TempDir(), "h.json"), nil, zap.NewNop())
	for _, cat := range signal.Categories() {
		_, ok := r.Lookup(cat)
		assert.True(t, ok, "remediation for %s", cat)
		_, ok = r.LookupDiagnostic(cat)
		assert.True(t, ok, "diagnostic for %s", cat)
	}
}

func TestFirstLoadRegistersHash(t *testing.T) {
	dir := t.TempDir()
	path := externalFile(t, dir, []Runbook{customServiceRunbook()})
	hashPath := filepath.Join(dir, "runbook-hashes.json")

	r := NewRegistry(path, hashPath, nil, zap.NewNop())

	rb, ok := r.Get("rb-service-stopped")
	require.True(t, ok)
	assert.Equal(t, 45_000, rb.TimeoutMS, "external definition replaced the builtin")

	var reg map[string]string
	data, err := os.ReadFile(hashPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &reg))

	content, _ := os.ReadFile(path)
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), reg["runbooks.json"])
}

func TestMatchingHashAccepted(t *testing.T) {
	dir := t.TempDir()
	path := externalFile(t, dir, []Runbook{customServiceRunbook()})
	hashPath := filepath.Join(dir, "runbook-hashes.json")

	NewRegistry(path, hashPath, nil, zap.NewNop())
	r := NewRegistry(path, hashPath, nil, zap.NewNop())

	rb, ok := r.Get("rb-service-stopped")
	require.True(t, ok)
	assert.Equal(t, 45_000, rb.TimeoutMS)
}

func TestTamperedFileRejectedWithSecurityEvent(t *testing.T) {
	dir := t.TempDir()
	path := externalFile(t, dir, []Runbook{customServiceRunbook()})
	hashPath := filepath.Join(dir, "runbook-hashes.json")
	NewRegistry(path, hashPath, nil, zap.NewNop()) // Registers the hash.

	// Tamper.
	tampered := customServiceRunbook()
	tampered.Steps[0].Primitive = "killProcess"
	externalFile(t, dir, []Runbook{tampered})

	var events []string
	r := NewRegistry(path, hashPath, func(kind, _ string) { events = append(events, kind) }, zap.NewNop())

	rb, ok := r.Get("rb-service-stopped")
	require.True(t, ok)
	assert.Equal(t, 60_000, rb.TimeoutMS, "builtin default in charge after rejection")
	assert.Equal(t, []string{"runbook-hash-mismatch"}, events)
}

func TestInvalidRunbooksDroppedCategoriesBackfilled(t *testing.T) {
	dir := t.TempDir()
	path := externalFile(t, dir, []Runbook{
		{ID: "", Category: signal.CategoryStorage, Steps: []Step{{Primitive: "x", OutputKey: "y"}}},           // No id.
		{ID: "bad-cat", Category: "plumbing", Steps: []Step{{Primitive: "x", OutputKey: "y"}}},                 // Unknown category.
		{ID: "no-steps", Category: signal.CategoryStorage},                                                     // Empty steps.
		{ID: "no-output", Category: signal.CategoryStorage, Steps: []Step{{Primitive: "x"}}},                   // Step missing output key.
		customServiceRunbook(),
	})

	r := NewRegistry(path, filepath.Join(dir, "h.json"), nil, zap.NewNop())

	_, ok := r.Get("bad-cat")
	assert.False(t, ok)
	_, ok = r.Get("no-steps")
	assert.False(t, ok)

	for _, cat := range signal.Categories() {
		_, ok := r.Lookup(cat)
		assert.True(t, ok, "category %s still covered", cat)
	}
}

func TestServerPushSwapsAtomicallyAndRegistersHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runbooks.json")
	hashPath := filepath.Join(dir, "runbook-hashes.json")
	r := NewRegistry(path, hashPath, nil, zap.NewNop())

	require.NoError(t, r.ReplaceFromServer([]Runbook{customServiceRunbook()}))
	rb, ok := r.Get("rb-service-stopped")
	require.True(t, ok)
	assert.Equal(t, 45_000, rb.TimeoutMS)

	// A fresh registry over the same files agrees with the push.
	r2 := NewRegistry(path, hashPath, nil, zap.NewNop())
	rb, ok = r2.Get("rb-service-stopped")
	require.True(t, ok)
	assert.Equal(t, 45_000, rb.TimeoutMS)
}

func TestServerPushRejectsInvalidSet(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runbooks.json"), filepath.Join(dir, "h.json"), nil, zap.NewNop())

	err := r.ReplaceFromServer([]Runbook{{ID: "x", Category: "nope", Steps: []Step{{Primitive: "p", OutputKey: "o"}}}})
	assert.Error(t, err)

	// The builtin table is untouched.
	_, ok := r.Lookup(signal.CategoryServices)
	assert.True(t, ok)
}
