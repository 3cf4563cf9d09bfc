package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is the injectable source of simulation time. The environment
// reads Now from it instead of the wall clock, so tests can supply
// synthetic instants.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances one Tick per wall-clock Tick.
	RealTime Mode = iota
	// Accelerated advances by Tick as quickly as listeners allow.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// TimeController drives simulation time and notifies registered listeners
// once per tick. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time

	listeners []func(time.Time)
	timers    timerQueue
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime jumps simulation time to t and fires any timers that are due.
// Listeners are not invoked.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	due := tc.timers.popDue(t)
	tc.mu.Unlock()
	fire(due, t)
}

// After returns a channel that receives the simulation time once d has
// elapsed in simulation time. Non-positive durations fire immediately.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	now := tc.currentTime
	if d <= 0 {
		tc.mu.Unlock()
		ch <- now
		return ch
	}
	tc.timers.push(now.Add(d), ch)
	tc.mu.Unlock()
	return ch
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the controller for the specified duration in a separate
// goroutine. A non-positive duration runs until StartContext's context is
// cancelled, which for Start means forever. The returned channel is closed
// when the controller finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	return tc.StartContext(context.Background(), duration)
}

// StartContext is Start with cancellation.
func (tc *TimeController) StartContext(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		simTime := tc.StartTime
		tc.currentTime = simTime
		listeners := append([]func(time.Time){}, tc.listeners...)
		tc.mu.Unlock()

		var tick <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tick = ticker.C
		}

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}

			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}

			simTime = simTime.Add(tc.Tick)
			elapsed += tc.Tick

			tc.mu.Lock()
			tc.currentTime = simTime
			due := tc.timers.popDue(simTime)
			tc.mu.Unlock()

			for _, fn := range listeners {
				fn(simTime)
			}
			fire(due, simTime)
		}
	}()
	return done
}

// ManualClock is a SimClock that only moves when told to.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers timerQueue
}

// NewManualClock returns a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	due := c.timers.popDue(t)
	c.mu.Unlock()
	fire(due, t)
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	due := c.timers.popDue(now)
	c.mu.Unlock()
	fire(due, now)
}

// After fires once the clock has been moved d past the current reading.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers.push(c.now.Add(d), ch)
	return ch
}

type timer struct {
	at time.Time
	ch chan time.Time
}

type timerQueue []timer

func (q *timerQueue) push(at time.Time, ch chan time.Time) {
	*q = append(*q, timer{at: at, ch: ch})
}

// popDue removes and returns the timers scheduled at or before now.
func (q *timerQueue) popDue(now time.Time) []timer {
	var due []timer
	kept := (*q)[:0]
	for _, t := range *q {
		if t.at.After(now) {
			kept = append(kept, t)
		} else {
			due = append(due, t)
		}
	}
	*q = kept
	return due
}

// fire delivers now on each channel. Channels are buffered by one and used
// once, so the send never blocks.
func fire(due []timer, now time.Time) {
	for _, t := range due {
		t.ch <- now
	}
}
