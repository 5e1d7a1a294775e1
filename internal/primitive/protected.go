// Package primitive — protected.go
//
// The fixed deny list of processes and services the agent must never
// kill, stop, or restart. Checked case-insensitively before any
// primitive call leaves the core; the host layer checks again on its
// side. The list is read-mostly: populated at startup, never mutated
// while the agent runs.

package primitive

import "strings"

// defaultProtectedProcesses are core OS processes.
var defaultProtectedProcesses = []string{
	"system", "system idle process", "smss.exe", "csrss.exe",
	"wininit.exe", "winlogon.exe", "services.exe", "lsass.exe",
	"svchost.exe", "explorer.exe", "dwm.exe", "fontdrvhost.exe",
	"init", "systemd", "kthreadd", "launchd",
}

// defaultProtectedServices are platform services nothing may touch.
var defaultProtectedServices = []string{
	"rpcss", "dcomlaunch", "rpceptmapper", "lsm", "plugplay",
	"winmgmt", "eventlog", "profsvc", "samss", "wardend",
}

// ProtectedSet answers "may the agent act on this name" for processes
// and services.
type ProtectedSet struct {
	processes map[string]struct{}
	services  map[string]struct{}
}

// NewProtectedSet builds the deny list from the defaults plus any
// operator-supplied extras.
func NewProtectedSet(extraProcesses, extraServices []string) *ProtectedSet {
	p := &ProtectedSet{
		processes: map[string]struct{}{},
		services:  map[string]struct{}{},
	}
	for _, n := range defaultProtectedProcesses {
		p.processes[n] = struct{}{}
	}
	for _, n := range extraProcesses {
		p.processes[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	for _, n := range defaultProtectedServices {
		p.services[n] = struct{}{}
	}
	for _, n := range extraServices {
		p.services[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return p
}

// Process reports whether a process name is protected.
func (p *ProtectedSet) Process(name string) bool {
	_, ok := p.processes[strings.ToLower(name)]
	return ok
}

// Service reports whether a service name is protected.
func (p *ProtectedSet) Service(name string) bool {
	_, ok := p.services[strings.ToLower(name)]
	return ok
}
