// Package metricstore holds the latest coherent reading of every host
// metric family.
//
// Collectors call the Put* methods at their own cadence; the
// orchestrator calls Snapshot once per tick and gets copies, never
// shared slices. A collector that fails leaves the previous values in
// place — the store records the age of each family and the consumer
// decides what stale means. Values are never synthesized.

package metricstore

import (
	"sync"
	"time"
)

// DiskUsage is the latest reading for one mounted drive.
type DiskUsage struct {
	Drive       string  // Drive letter or mount point, e.g. "C".
	TotalBytes  uint64
	UsedBytes   uint64
	UsedPercent float64
}

// ProcessSample is one process-table row.
type ProcessSample struct {
	PID        int32
	Name       string
	CPUPercent float64
	MemoryMB   float64
}

// ServiceStartType mirrors the host service manager's start mode.
type ServiceStartType string

const (
	StartAutomatic ServiceStartType = "automatic"
	StartManual    ServiceStartType = "manual"
	StartDisabled  ServiceStartType = "disabled"
)

// ServiceState is the host service manager's run state.
type ServiceState string

const (
	ServiceRunning ServiceState = "running"
	ServiceStopped ServiceState = "stopped"
)

// ServiceSample is one service-table row.
type ServiceSample struct {
	Name      string
	State     ServiceState
	StartType ServiceStartType
}

// Snapshot is a coherent copy of the latest readings across families.
// Age reports how old each family is at snapshot time; a zero time in
// a *CapturedAt field means the family has never reported.
type Snapshot struct {
	TakenAt time.Time

	CPUPercent    float64
	CPUCapturedAt time.Time

	MemoryUsedPercent float64
	MemoryCapturedAt  time.Time

	Disks           []DiskUsage
	DisksCapturedAt time.Time

	Processes           []ProcessSample
	ProcessesCapturedAt time.Time

	Services           []ServiceSample
	ServicesCapturedAt time.Time
}

// Age returns how stale a family capture is relative to the snapshot.
// Returns a negative duration if the family never reported.
func (s *Snapshot) Age(capturedAt time.Time) time.Duration {
	if capturedAt.IsZero() {
		return -1
	}
	return s.TakenAt.Sub(capturedAt)
}

// TopCPUProcess returns the process with the highest CPU share, or
// false if the process family is empty.
func (s *Snapshot) TopCPUProcess() (ProcessSample, bool) {
	var top ProcessSample
	found := false
	for _, p := range s.Processes {
		if !found || p.CPUPercent > top.CPUPercent {
			top = p
			found = true
		}
	}
	return top, found
}

// Store is the thread-safe latest-value store.
type Store struct {
	mu sync.RWMutex

	cpuPercent    float64
	cpuCapturedAt time.Time

	memUsedPercent float64
	memCapturedAt  time.Time

	disks           []DiskUsage
	disksCapturedAt time.Time

	processes           []ProcessSample
	processesCapturedAt time.Time

	services           []ServiceSample
	servicesCapturedAt time.Time
}

// New returns an empty Store.
func New() *Store { return &Store{} }

// PutCPU records the system CPU percentage.
func (st *Store) PutCPU(pct float64, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cpuPercent = pct
	st.cpuCapturedAt = at
}

// PutMemory records the system memory used percentage.
func (st *Store) PutMemory(pct float64, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.memUsedPercent = pct
	st.memCapturedAt = at
}

// PutDisks replaces the disk family.
func (st *Store) PutDisks(disks []DiskUsage, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.disks = append(st.disks[:0:0], disks...)
	st.disksCapturedAt = at
}

// PutProcesses replaces the process family.
func (st *Store) PutProcesses(procs []ProcessSample, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.processes = append(st.processes[:0:0], procs...)
	st.processesCapturedAt = at
}

// PutServices replaces the service family.
func (st *Store) PutServices(svcs []ServiceSample, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.services = append(st.services[:0:0], svcs...)
	st.servicesCapturedAt = at
}

// Snapshot returns a copy of every family plus capture times.
func (st *Store) Snapshot(now time.Time) Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return Snapshot{
		TakenAt:             now,
		CPUPercent:          st.cpuPercent,
		CPUCapturedAt:       st.cpuCapturedAt,
		MemoryUsedPercent:   st.memUsedPercent,
		MemoryCapturedAt:    st.memCapturedAt,
		Disks:               append(st.disks[:0:0], st.disks...),
		DisksCapturedAt:     st.disksCapturedAt,
		Processes:           append(st.processes[:0:0], st.processes...),
		ProcessesCapturedAt: st.processesCapturedAt,
		Services:            append(st.services[:0:0], st.services...),
		ServicesCapturedAt:  st.servicesCapturedAt,
	}
}
