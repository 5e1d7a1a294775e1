// Package runbook — builtin.go
//
// The compiled-in default runbooks. These are the floor: every signal
// category resolves to a remediation and a diagnostic even when the
// external file is missing or rejected.

package runbook

import (
	"github.com/warden-agent/warden/internal/primitive"
	"github.com/warden-agent/warden/internal/signal"
)

// Builtins returns a fresh copy of the default runbook set.
func Builtins() []Runbook {
	return []Runbook{
		{
			ID:        "rb-cpu-pressure",
			Category:  signal.CategoryPerformance,
			TimeoutMS: 60_000,
			Steps: []Step{
				{Primitive: primitive.OpCollectDiag, Params: map[string]string{"scope": "cpu"}, OutputKey: "cpu_diag"},
				{Primitive: primitive.OpKillProcess, Params: map[string]string{"name": "{{target_process}}"}, OutputKey: "kill_result", Critical: true},
			},
		},
		{
			ID:        "rb-disk-space",
			Category:  signal.CategoryStorage,
			TimeoutMS: 120_000,
			// Cleaning disks unattended is destructive enough to gate.
			RequiresApproval: true,
			Steps: []Step{
				{Primitive: primitive.OpCleanTempFiles, Params: map[string]string{"drive": "{{target_drive}}"}, OutputKey: "temp_clean", Critical: true},
				{Primitive: primitive.OpClearCache, Params: map[string]string{"drive": "{{target_drive}}"}, OutputKey: "cache_clean"},
			},
		},
		{
			ID:        "rb-service-stopped",
			Category:  signal.CategoryServices,
			TimeoutMS: 60_000,
			Steps: []Step{
				{Primitive: primitive.OpRestartService, Params: map[string]string{"name": "{{target_service}}"}, OutputKey: "restart_result", Critical: true},
			},
		},
		{
			ID:        "rb-network-flush",
			Category:  signal.CategoryNetwork,
			TimeoutMS: 60_000,
			Steps: []Step{
				{Primitive: primitive.OpFlushDNS, OutputKey: "dns_flush", Critical: true},
				{Primitive: primitive.OpResetAdapter, Params: map[string]string{"adapter": "{{target_adapter}}"}, OutputKey: "adapter_reset"},
			},
		},
		{
			ID:        "rb-process-runaway",
			Category:  signal.CategoryProcesses,
			TimeoutMS: 30_000,
			Steps: []Step{
				{Primitive: primitive.OpKillProcess, Params: map[string]string{"name": "{{target_process}}"}, OutputKey: "kill_result", Critical: true},
			},
		},
		{
			ID:       "rb-eventlog-review",
			Category: signal.CategoryEventLog,
			// Event-log findings need human eyes before any host action.
			RequiresApproval: true,
			TimeoutMS:        30_000,
			Steps: []Step{
				{Primitive: primitive.OpCollectDiag, Params: map[string]string{"scope": "eventlog"}, OutputKey: "eventlog_diag", Critical: true},
			},
		},

		// ─── Correlation-suggested runbooks ───────────────────────────────
		// Never the category default; picked only when a compound rule
		// names them.

		{
			ID:        "targeted-process-kill",
			Category:  signal.CategoryPerformance,
			TimeoutMS: 30_000,
			Steps: []Step{
				{Primitive: primitive.OpKillProcess, Params: map[string]string{"name": "{{target_process}}"}, OutputKey: "kill_result", Critical: true},
			},
		},
		{
			ID:        "targeted-process-restart",
			Category:  signal.CategoryPerformance,
			TimeoutMS: 60_000,
			Steps: []Step{
				{Primitive: primitive.OpKillProcess, Params: map[string]string{"name": "{{target_process}}"}, OutputKey: "kill_result", Critical: true},
				{Primitive: primitive.OpCollectDiag, Params: map[string]string{"scope": "processes"}, OutputKey: "verify_restart"},
			},
		},
		{
			ID:               "clear-update-cache-first",
			Category:         signal.CategoryStorage,
			TimeoutMS:        120_000,
			RequiresApproval: true,
			Steps: []Step{
				{Primitive: primitive.OpStopService, Params: map[string]string{"name": "wuauserv"}, OutputKey: "stop_update"},
				{Primitive: primitive.OpClearCache, Params: map[string]string{"drive": "{{target_drive}}"}, OutputKey: "cache_clean", Critical: true},
				{Primitive: primitive.OpStartService, Params: map[string]string{"name": "wuauserv"}, OutputKey: "start_update"},
			},
		},
		{
			ID:        "full-network-reset",
			Category:  signal.CategoryNetwork,
			TimeoutMS: 90_000,
			Steps: []Step{
				{Primitive: primitive.OpFlushDNS, OutputKey: "dns_flush"},
				{Primitive: primitive.OpResetAdapter, Params: map[string]string{"adapter": "{{target_adapter}}"}, OutputKey: "adapter_reset", Critical: true},
			},
		},

		// ─── Diagnostics (data collection only, attached to escalations) ──

		{
			ID:         "diag-performance",
			Category:   signal.CategoryPerformance,
			Diagnostic: true,
			TimeoutMS:  15_000,
			Steps: []Step{
				{Primitive: primitive.OpCollectDiag, Params: map[string]string{"scope": "performance"}, OutputKey: "perf_report"},
			},
		},
		{
			ID:         "disk-troubleshoot",
			Category:   signal.CategoryStorage,
			Diagnostic: true,
			TimeoutMS:  15_000,
			Steps: []Step{
				{Primitive: primitive.OpCollectDiag, Params: map[string]string{"scope": "disk", "drive": "{{target_drive}}"}, OutputKey: "disk_report"},
			},
		},
		{
			ID:         "diag-services",
			Category:   signal.CategoryServices,
			Diagnostic: true,
			TimeoutMS:  15_000,
			Steps: []Step{
				{Primitive: primitive.OpCollectDiag, Params: map[string]string{"scope": "services", "name": "{{target_service}}"}, OutputKey: "service_report"},
			},
		},
		{
			ID:         "diag-network",
			Category:   signal.CategoryNetwork,
			Diagnostic: true,
			TimeoutMS:  15_000,
			Steps: []Step{
				{Primitive: primitive.OpCollectDiag, Params: map[string]string{"scope": "network"}, OutputKey: "network_report"},
			},
		},
		{
			ID:         "diag-processes",
			Category:   signal.CategoryProcesses,
			Diagnostic: true,
			TimeoutMS:  15_000,
			Steps: []Step{
				{Primitive: primitive.OpCollectDiag, Params: map[string]string{"scope": "processes"}, OutputKey: "process_report"},
			},
		},
		{
			ID:         "diag-eventlog",
			Category:   signal.CategoryEventLog,
			Diagnostic: true,
			TimeoutMS:  15_000,
			Steps: []Step{
				{Primitive: primitive.OpCollectDiag, Params: map[string]string{"scope": "eventlog"}, OutputKey: "eventlog_report"},
			},
		},
	}
}
