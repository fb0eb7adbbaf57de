package testutil

import "sync"

// Clock is a controllable wall clock for tests, in unix milliseconds.
//
// Unlike model.SystemClock, Clock only moves when told to. With Step set,
// every read advances the clock, which gives each mutation in a test a
// distinct timestamp without manual bookkeeping.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu   sync.Mutex
	now  int64
	step int64
}

// NewClock creates a clock frozen at start.
func NewClock(start int64) *Clock {
	return &Clock{now: start}
}

// NewSteppingClock creates a clock that returns start on the first read and
// advances by step after every read.
func NewSteppingClock(start, step int64) *Clock {
	return &Clock{now: start, step: step}
}

// NowMillis implements model.Clock.
func (c *Clock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now += c.step
	return now
}

// Set moves the clock to t. Moving backwards is allowed, to exercise
// monotonic stamping.
func (c *Clock) Set(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d milliseconds.
func (c *Clock) Advance(d int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}
