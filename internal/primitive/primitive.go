// Package primitive defines the contract between the core and the
// host-touching operation layer.
//
// The core never executes host commands itself. It hands an operation
// name and parameters to an Executor and reasons about the Result. The
// real executor lives outside the core (platform adapters own
// validation, sanitization, and the actual host calls); this package
// carries the contract, the protected-resource deny list the core
// checks before any call leaves it, and the client-side mirror of the
// per-operation rate limits.

package primitive

import (
	"context"
	"time"
)

// Well-known operation names. The set is open — runbooks may name any
// primitive the host layer registers — but these are the ones the
// builtin runbooks use.
const (
	OpKillProcess    = "killProcess"
	OpStartService   = "startService"
	OpStopService    = "stopService"
	OpRestartService = "restartService"
	OpFlushDNS       = "flushDNS"
	OpResetAdapter   = "resetNetworkAdapter"
	OpCleanTempFiles = "cleanTempFiles"
	OpClearCache     = "clearUpdateCache"
	OpRegistryRead   = "registryRead"
	OpRegistryWrite  = "registryWrite"
	OpFileDelete     = "fileDelete"
	OpFileMove       = "fileMove"
	OpCollectDiag    = "collectDiagnostics"
)

// Result is what a primitive call reports back.
type Result struct {
	Success  bool
	Output   string
	Error    string
	ErrClass ErrClass
	Duration time.Duration
}

// ErrClass buckets failures by how the executor should react.
type ErrClass string

const (
	// ErrNone marks a successful call.
	ErrNone ErrClass = ""

	// ErrProtected means the target is on the deny list. Fatal,
	// never retried, never escalated.
	ErrProtected ErrClass = "protected"

	// ErrInvalidInput means parameters failed validation. Fatal.
	ErrInvalidInput ErrClass = "invalid_input"

	// ErrRateLimited means the operation's budget is spent. Transient.
	ErrRateLimited ErrClass = "rate_limited"

	// ErrTimeout means the call exceeded its deadline. Transient.
	ErrTimeout ErrClass = "timeout"

	// ErrTransient covers other recoverable host failures.
	ErrTransient ErrClass = "transient"

	// ErrFailed covers non-recoverable host failures.
	ErrFailed ErrClass = "failed"
)

// Fatal reports whether a failure class should stop a runbook.
func (c ErrClass) Fatal() bool {
	return c == ErrProtected || c == ErrInvalidInput || c == ErrFailed
}

// Executor is the host-operation surface the core consumes.
// Implementations enforce their own input validation, protected
// resource denial, rate limits, and error sanitization; the core still
// checks the deny list and the rate mirror before calling out.
type Executor interface {
	Execute(ctx context.Context, op string, params map[string]string) Result
}
