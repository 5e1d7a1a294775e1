// Package clock provides the time source for the agent.
//
// Every component that needs the current time, a ticker, or a one-shot
// timer takes a Clock at construction. Production code passes Real();
// tests pass a Fake advanced manually. Nothing else in the repository
// calls time.Now directly on a decision path.

package clock

import "time"

// Clock is the time source consumed by the rest of the agent.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// NewTicker returns a ticker firing every d. d must be > 0.
	NewTicker(d time.Duration) Ticker

	// AfterFunc schedules f to run after d. The returned Timer can be
	// stopped before it fires.
	AfterFunc(d time.Duration, f func()) Timer
}

// Ticker is the subset of time.Ticker the agent uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired.
	Stop() bool
}

// Real returns the wall-clock implementation.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

type realTimer struct{ t *time.Timer }

func (r *realTimer) Stop() bool { return r.t.Stop() }
