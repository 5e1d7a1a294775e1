// Package config — exclusions.go
//
// User- and server-configured exclusion lists. A service name on the
// list never produces a stopped-service signal; a process name never
// produces a process signal; a signature id is dropped before ticketing.
//
// Backed by exclusions.json in the data dir. The server may replace the
// whole set via the update-exclusions control message; the swap is
// atomic in memory and persisted through the usual temp-rename path.
// Name matching is case-insensitive.

package config

import (
	"os"
	"strings"
	"sync"

	"github.com/warden-agent/warden/internal/fsatomic"
)

// ExclusionFile is the on-disk form of the exclusion set.
type ExclusionFile struct {
	Services   []string `json:"services"`
	Processes  []string `json:"processes"`
	Signatures []string `json:"signatures"`
}

// Exclusions is the in-memory, thread-safe exclusion set.
type Exclusions struct {
	mu         sync.RWMutex
	path       string
	services   map[string]struct{}
	processes  map[string]struct{}
	signatures map[string]struct{}
}

// LoadExclusions reads the exclusion file. A missing file yields an
// empty set; a malformed file is an error the caller decides about.
func LoadExclusions(path string) (*Exclusions, error) {
	e := &Exclusions{
		path:       path,
		services:   map[string]struct{}{},
		processes:  map[string]struct{}{},
		signatures: map[string]struct{}{},
	}
	var f ExclusionFile
	if err := fsatomic.ReadJSON(path, &f); err != nil {
		if os.IsNotExist(err) {
			return e, nil
		}
		return nil, err
	}
	e.replaceLocked(f)
	return e, nil
}

// Replace swaps the whole set and persists it.
func (e *Exclusions) Replace(f ExclusionFile) error {
	e.mu.Lock()
	e.replaceLocked(f)
	e.mu.Unlock()
	return fsatomic.WriteJSON(e.path, f, 0o600)
}

func (e *Exclusions) replaceLocked(f ExclusionFile) {
	e.services = lowerSet(f.Services)
	e.processes = lowerSet(f.Processes)
	e.signatures = lowerSet(f.Signatures)
}

// ServiceExcluded reports whether a service name is excluded.
func (e *Exclusions) ServiceExcluded(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.services[strings.ToLower(name)]
	return ok
}

// ProcessExcluded reports whether a process name is excluded.
func (e *Exclusions) ProcessExcluded(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.processes[strings.ToLower(name)]
	return ok
}

// SignatureExcluded reports whether a signature id is excluded.
func (e *Exclusions) SignatureExcluded(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.signatures[strings.ToLower(id)]
	return ok
}

func lowerSet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		s = strings.TrimSpace(strings.ToLower(s))
		if s != "" {
			m[s] = struct{}{}
		}
	}
	return m
}
