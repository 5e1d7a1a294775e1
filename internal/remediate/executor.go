// Package remediate sequences runbook steps against a ticket.
//
// Flow per runbook:
//  1. Resolve {{placeholders}} in step params from the signature's
//     targets. Unresolvable placeholders fall back to documented
//     defaults, and anything still unresolved is refused by the guard.
//  2. Vet the step (protected resources, parameter sanity) before any
//     external call.
//  3. Call the primitive with a per-step timeout inside the runbook's
//     overall deadline. Rate limits are checked on the client mirror
//     first so a spent allowance classifies as rate_limited locally.
//  4. Fatal classes (protected, invalid input, hard failure) stop the
//     runbook and fail the ticket with that class. Transient classes
//     (timeout, rate limit) fail the ticket only if the step is marked
//     critical; otherwise the failure is recorded and the run goes on.
//  5. Steps that do not fit in the runbook deadline are skipped and
//     the outcome is marked partial.
//
// The executor never decides *whether* to act — the orchestrator does —
// it only carries out a decision and reports faithfully.

package remediate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/primitive"
	"github.com/warden-agent/warden/internal/runbook"
	"github.com/warden-agent/warden/internal/signature"
	"github.com/warden-agent/warden/internal/ticket"
)

// placeholderDefaults back-fill targets a signature does not carry.
var placeholderDefaults = map[string]string{
	"target_drive":   "C",
	"target_adapter": "primary",
}

// Outcome reports how a runbook run ended.
type Outcome struct {
	Result         ticket.Result
	Resolution     ticket.ResolutionCategory
	ErrClass       primitive.ErrClass
	ErrMessage     string
	StepsCompleted int
	PartialFailure bool
	Outputs        map[string]string // output_key → primitive output.
}

// Executor runs runbooks.
type Executor struct {
	prim        primitive.Executor
	limits      *primitive.LimitTable
	guard       *Guard
	stepTimeout time.Duration
	log         *zap.Logger
}

// New constructs an Executor.
func New(prim primitive.Executor, limits *primitive.LimitTable, guard *Guard, stepTimeout time.Duration, log *zap.Logger) *Executor {
	return &Executor{
		prim:        prim,
		limits:      limits,
		guard:       guard,
		stepTimeout: stepTimeout,
		log:         log,
	}
}

// Run executes rb for the given signature context. onProgress is called
// after each completed step with the running count; the orchestrator
// wires it to the ticket store.
func (e *Executor) Run(ctx context.Context, rb runbook.Runbook, sig signature.Signature, onProgress func(completed int)) Outcome {
	out := Outcome{
		Result:     ticket.ResultSuccess,
		Resolution: ticket.ResolutionFixed,
		Outputs:    map[string]string{},
	}

	deadline := time.Duration(rb.TimeoutMS) * time.Millisecond
	if deadline <= 0 {
		deadline = time.Duration(len(rb.Steps)) * e.stepTimeout
	}
	rbCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for i, step := range rb.Steps {
		if rbCtx.Err() != nil {
			// Runbook deadline spent; remaining steps are skipped.
			out.PartialFailure = true
			if step.Critical {
				out.Result = ticket.ResultFailure
				out.Resolution = ticket.ResolutionPending
				out.ErrClass = primitive.ErrTimeout
				out.ErrMessage = "runbook timeout before critical step"
			}
			break
		}

		params := e.resolve(step.Params, sig)
		if class, msg := e.guard.Vet(step, params); class != primitive.ErrNone {
			out.Result = ticket.ResultFailure
			out.ErrClass = class
			out.ErrMessage = msg
			out.Resolution = resolutionFor(class)
			e.log.Warn("runbook step refused",
				zap.String("runbook", rb.ID),
				zap.String("primitive", step.Primitive),
				zap.String("class", string(class)),
				zap.String("reason", msg))
			return out
		}

		res := e.callStep(rbCtx, step, params)
		out.Outputs[step.OutputKey] = res.Output

		if !res.Success {
			e.log.Warn("runbook step failed",
				zap.String("runbook", rb.ID),
				zap.String("primitive", step.Primitive),
				zap.String("class", string(res.ErrClass)),
				zap.String("error", res.Error))
			if res.ErrClass.Fatal() || step.Critical {
				out.Result = ticket.ResultFailure
				out.ErrClass = res.ErrClass
				out.ErrMessage = res.Error
				out.Resolution = resolutionFor(res.ErrClass)
				return out
			}
			// Transient failure on a non-critical step: record and
			// keep going.
			out.PartialFailure = true
			continue
		}

		out.StepsCompleted = i + 1
		if onProgress != nil {
			onProgress(out.StepsCompleted)
		}
	}

	if out.Result == ticket.ResultSuccess && out.PartialFailure {
		// Everything critical succeeded but some optional step did
		// not; the condition is handled, the record says so honestly.
		out.Resolution = ticket.ResolutionFixed
	}
	return out
}

// callStep applies the rate mirror and the per-step timeout.
func (e *Executor) callStep(ctx context.Context, step runbook.Step, params map[string]string) primitive.Result {
	if !e.limits.Allow(step.Primitive) {
		return primitive.Result{
			Success:  false,
			Error:    fmt.Sprintf("%s allowance exhausted", step.Primitive),
			ErrClass: primitive.ErrRateLimited,
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	start := time.Now()
	res := e.prim.Execute(stepCtx, step.Primitive, params)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if stepCtx.Err() == context.DeadlineExceeded && res.ErrClass == primitive.ErrNone && !res.Success {
		res.ErrClass = primitive.ErrTimeout
	}
	return res
}

// resolve substitutes {{placeholders}} from the signature's targets.
func (e *Executor) resolve(params map[string]string, sig signature.Signature) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = e.resolveValue(v, sig)
	}
	return out
}

func (e *Executor) resolveValue(v string, sig signature.Signature) string {
	if !strings.Contains(v, "{{") {
		return v
	}
	lookup := func(name string) string {
		switch name {
		case "target_service":
			return sig.TargetFor(signature.TargetService)
		case "target_process":
			return sig.TargetFor(signature.TargetProcess)
		case "target_drive":
			if d := sig.TargetFor(signature.TargetSystem); strings.HasPrefix(d, "drive:") {
				return strings.TrimPrefix(d, "drive:")
			}
			return ""
		default:
			return ""
		}
	}
	for name := range placeholderDefaults {
		v = substitute(v, name, firstNonEmpty(lookup(name), placeholderDefaults[name]))
	}
	for _, name := range []string{"target_service", "target_process"} {
		if t := lookup(name); t != "" {
			v = substitute(v, name, t)
		}
	}
	return v
}

func substitute(s, name, value string) string {
	return strings.ReplaceAll(s, "{{"+name+"}}", value)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// resolutionFor maps an error class to the user-visible category.
func resolutionFor(class primitive.ErrClass) ticket.ResolutionCategory {
	switch class {
	case primitive.ErrProtected:
		return ticket.ResolutionProtected
	case primitive.ErrRateLimited, primitive.ErrTimeout, primitive.ErrTransient:
		return ticket.ResolutionPending
	default:
		return ticket.ResolutionPending
	}
}
