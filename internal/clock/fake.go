package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests.
//
// Advance moves the fake time forward and fires, in order, every ticker
// tick and timer whose deadline falls inside the advanced interval.
// All methods are safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

// NewFake returns a Fake starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock.Fake: ticker period must be > 0")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		ch:     make(chan time.Time, 64),
		period: d,
		next:   f.now.Add(d),
	}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{deadline: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, delivering ticks and firing
// timers in deadline order. Timer callbacks run without the Fake lock
// held so they may schedule further timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		var fired []*fakeTimer
		// Collect due timers.
		remaining := f.timers[:0]
		for _, t := range f.timers {
			if !t.stopped && !t.deadline.After(target) {
				t.stopped = true
				fired = append(fired, t)
			} else {
				remaining = append(remaining, t)
			}
		}
		f.timers = remaining

		// Deliver ticker ticks up to target.
		for _, tk := range f.tickers {
			for !tk.next.After(target) {
				select {
				case tk.ch <- tk.next:
				default: // Slow consumer; drop like time.Ticker does.
				}
				tk.next = tk.next.Add(tk.period)
			}
		}

		if len(fired) == 0 {
			break
		}
		sort.Slice(fired, func(i, j int) bool { return fired[i].deadline.Before(fired[j].deadline) })
		f.mu.Unlock()
		for _, t := range fired {
			t.fn()
		}
		f.mu.Lock()
	}

	f.now = target
	f.mu.Unlock()
}

type fakeTicker struct {
	ch     chan time.Time
	period time.Duration
	next   time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

type fakeTimer struct {
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
