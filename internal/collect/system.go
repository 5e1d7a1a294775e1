// Package collect — system.go
//
// gopsutil-backed collectors for the CPU, memory, disk, and process
// families.

package collect

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/warden-agent/warden/internal/clock"
	"github.com/warden-agent/warden/internal/metricstore"
)

// CPUCollector samples the system-wide CPU percentage.
type CPUCollector struct {
	store *metricstore.Store
	clk   clock.Clock
}

func NewCPUCollector(store *metricstore.Store, clk clock.Clock) *CPUCollector {
	return &CPUCollector{store: store, clk: clk}
}

func (c *CPUCollector) Name() string { return "cpu" }

func (c *CPUCollector) Collect(ctx context.Context) error {
	// Interval 0 compares against the previous call instead of
	// blocking for a sampling window.
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("cpu.Percent: %w", err)
	}
	if len(pcts) == 0 {
		return fmt.Errorf("cpu.Percent: empty result")
	}
	c.store.PutCPU(pcts[0], c.clk.Now())
	return nil
}

// MemoryCollector samples virtual memory usage.
type MemoryCollector struct {
	store *metricstore.Store
	clk   clock.Clock
}

func NewMemoryCollector(store *metricstore.Store, clk clock.Clock) *MemoryCollector {
	return &MemoryCollector{store: store, clk: clk}
}

func (c *MemoryCollector) Name() string { return "memory" }

func (c *MemoryCollector) Collect(ctx context.Context) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("mem.VirtualMemory: %w", err)
	}
	c.store.PutMemory(vm.UsedPercent, c.clk.Now())
	return nil
}

// DiskCollector samples usage for every real partition.
type DiskCollector struct {
	store *metricstore.Store
	clk   clock.Clock
}

func NewDiskCollector(store *metricstore.Store, clk clock.Clock) *DiskCollector {
	return &DiskCollector{store: store, clk: clk}
}

func (c *DiskCollector) Name() string { return "disk" }

func (c *DiskCollector) Collect(ctx context.Context) error {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return fmt.Errorf("disk.Partitions: %w", err)
	}
	var out []metricstore.DiskUsage
	for _, p := range parts {
		u, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue // Unmounted or inaccessible; skip, don't fail the family.
		}
		out = append(out, metricstore.DiskUsage{
			Drive:       driveName(p.Mountpoint),
			TotalBytes:  u.Total,
			UsedBytes:   u.Used,
			UsedPercent: u.UsedPercent,
		})
	}
	c.store.PutDisks(out, c.clk.Now())
	return nil
}

// driveName reduces a mountpoint to its letter on drive-lettered hosts
// and keeps the path elsewhere.
func driveName(mountpoint string) string {
	if len(mountpoint) >= 2 && mountpoint[1] == ':' {
		return strings.ToUpper(mountpoint[:1])
	}
	return mountpoint
}

// ProcessCollector samples the process table.
type ProcessCollector struct {
	store *metricstore.Store
	clk   clock.Clock
}

func NewProcessCollector(store *metricstore.Store, clk clock.Clock) *ProcessCollector {
	return &ProcessCollector{store: store, clk: clk}
}

func (c *ProcessCollector) Name() string { return "process" }

func (c *ProcessCollector) Collect(ctx context.Context) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("process.Processes: %w", err)
	}
	out := make([]metricstore.ProcessSample, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue // Exited between listing and inspection.
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		var memMB float64
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			memMB = float64(mi.RSS) / (1 << 20)
		}
		out = append(out, metricstore.ProcessSample{
			PID:        p.Pid,
			Name:       name,
			CPUPercent: cpuPct,
			MemoryMB:   memMB,
		})
	}
	c.store.PutProcesses(out, c.clk.Now())
	return nil
}

// ServiceLister is the host service-manager surface. The platform
// adapter implements it; tests and the simulator use fakes.
type ServiceLister interface {
	ListServices(ctx context.Context) ([]metricstore.ServiceSample, error)
}

// ServiceCollector samples the service table through a ServiceLister.
type ServiceCollector struct {
	store  *metricstore.Store
	lister ServiceLister
	clk    clock.Clock
}

func NewServiceCollector(store *metricstore.Store, lister ServiceLister, clk clock.Clock) *ServiceCollector {
	return &ServiceCollector{store: store, lister: lister, clk: clk}
}

func (c *ServiceCollector) Name() string { return "service" }

func (c *ServiceCollector) Collect(ctx context.Context) error {
	if c.lister == nil {
		return nil // No service manager on this platform.
	}
	svcs, err := c.lister.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("ListServices: %w", err)
	}
	c.store.PutServices(svcs, c.clk.Now())
	return nil
}
