// Package remediate — guard.go
//
// Pre-execution validation. Every step is vetted here before the
// primitive layer is even asked: protected targets are refused, empty
// or placeholder-shaped parameters are refused, and the refusal is a
// typed error class the executor records on the ticket. The host layer
// performs the same checks on its side; this copy exists so a
// misconfigured or malicious runbook can never cause a call to leave
// the core.

package remediate

import (
	"fmt"
	"strings"

	"github.com/warden-agent/warden/internal/primitive"
	"github.com/warden-agent/warden/internal/runbook"
)

// destructiveOps maps operations to the param key naming their target.
var destructiveOps = map[string]string{
	primitive.OpKillProcess:    "name",
	primitive.OpStopService:    "name",
	primitive.OpRestartService: "name",
	primitive.OpStartService:   "name",
}

// Guard vets resolved steps against the deny list.
type Guard struct {
	protected *primitive.ProtectedSet
}

// NewGuard returns a Guard over the given deny list.
func NewGuard(p *primitive.ProtectedSet) *Guard {
	return &Guard{protected: p}
}

// Vet checks one step with its already-resolved params. Returns the
// error class and a sanitized message on refusal.
func (g *Guard) Vet(step runbook.Step, params map[string]string) (primitive.ErrClass, string) {
	for key, val := range params {
		if strings.Contains(val, "{{") {
			return primitive.ErrInvalidInput,
				fmt.Sprintf("unresolved placeholder in param %q", key)
		}
	}

	targetKey, destructive := destructiveOps[step.Primitive]
	if !destructive {
		return primitive.ErrNone, ""
	}

	target := params[targetKey]
	if target == "" {
		return primitive.ErrInvalidInput,
			fmt.Sprintf("%s requires param %q", step.Primitive, targetKey)
	}

	switch step.Primitive {
	case primitive.OpKillProcess:
		if g.protected.Process(target) {
			return primitive.ErrProtected,
				fmt.Sprintf("process %q is protected", target)
		}
	default: // Service operations.
		if g.protected.Service(target) {
			return primitive.ErrProtected,
				fmt.Sprintf("service %q is protected", target)
		}
	}
	return primitive.ErrNone, ""
}
