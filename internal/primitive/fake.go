package primitive

import (
	"context"
	"sync"
	"time"
)

// Call records one Execute invocation made against a FakeExecutor.
type Call struct {
	Op     string
	Params map[string]string
}

// FakeExecutor is the in-memory Executor used by tests and the
// simulator. Results are scripted per operation; unscripted operations
// succeed with empty output.
type FakeExecutor struct {
	mu      sync.Mutex
	results map[string]Result
	calls   []Call
}

// NewFakeExecutor returns an empty fake.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{results: map[string]Result{}}
}

// Script sets the result returned for an operation name.
func (f *FakeExecutor) Script(op string, r Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[op] = r
}

// Execute records the call and returns the scripted result.
func (f *FakeExecutor) Execute(_ context.Context, op string, params map[string]string) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	f.calls = append(f.calls, Call{Op: op, Params: cp})
	if r, ok := f.results[op]; ok {
		return r
	}
	return Result{Success: true, Duration: time.Millisecond}
}

// Calls returns a copy of every recorded call.
func (f *FakeExecutor) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(f.calls[:0:0], f.calls...)
}

// CallsFor returns the recorded calls for one operation.
func (f *FakeExecutor) CallsFor(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}
