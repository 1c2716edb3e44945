package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests: NewTimer and
// NewTicker return handles registered with the Fake, and Advance delivers
// ticks/fires to every handle whose deadline has passed instead of racing
// real wall-clock sleeps.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFake builds a Fake seeded at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, firing any timer/ticker whose
// deadline falls within the advance: timers first, then tickers, each in the
// order they were created.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.now = target

	for _, t := range f.timers {
		t.mu.Lock()
		if !t.stopped && !t.deadline.After(target) {
			t.stopped = true
			select {
			case t.ch <- target:
			default:
			}
		}
		t.mu.Unlock()
	}
	for _, tk := range f.tickers {
		tk.mu.Lock()
		for !tk.stopped && !tk.next.After(target) {
			select {
			case tk.ch <- tk.next:
			default:
			}
			tk.next = tk.next.Add(tk.interval)
		}
		tk.mu.Unlock()
	}
	f.mu.Unlock()
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{ch: make(chan time.Time, 1), deadline: f.now.Add(d)}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	tk := &fakeTicker{ch: make(chan time.Time, 1), interval: d, next: f.now.Add(d)}
	f.tickers = append(f.tickers, tk)
	return tk
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	t := f.NewTimer(d).(*fakeTimer)
	go func() {
		if _, ok := <-t.ch; ok {
			fn()
		}
	}()
	return t
}

type fakeTimer struct {
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	stopped  bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fired := t.stopped
	t.stopped = true
	return !fired
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped
	t.stopped = false
	t.deadline = t.deadline.Add(d)
	return active
}

type fakeTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (tk *fakeTicker) C() <-chan time.Time { return tk.ch }

func (tk *fakeTicker) Stop() {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	tk.stopped = true
}
