package model

import (
	"sync/atomic"
	"time"
)

// Clock supplies wall-clock time in unix milliseconds.
// Implemented by SystemClock (production) and testutil.FixedClock (tests).
type Clock interface {
	NowMillis() int64
}

// SystemClock reads the host clock.
type SystemClock struct{}

// NowMillis implements Clock.
func (SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Stamper hands out non-decreasing timestamps from an underlying Clock.
//
// A wall clock can step backwards (NTP adjustment, manual change); mutation
// timestamps in one log must not. Stamp returns max(clock, last stamp).
//
// Thread-safety: Stamper is safe for concurrent use (atomic operations).
type Stamper struct {
	clock Clock
	last  atomic.Int64
}

// NewStamper creates a stamper that never returns less than floor.
// Used on store open to resume from the newest logged timestamp.
func NewStamper(clock Clock, floor int64) *Stamper {
	if clock == nil {
		clock = SystemClock{}
	}
	s := &Stamper{clock: clock}
	s.last.Store(floor)
	return s
}

// Stamp returns the next timestamp. Calls are linearizable: each returned
// value is >= every value returned before it.
func (s *Stamper) Stamp() int64 {
	now := s.clock.NowMillis()
	for {
		last := s.last.Load()
		next := now
		if next < last {
			next = last
		}
		if s.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Last returns the most recent stamp without advancing.
func (s *Stamper) Last() int64 {
	return s.last.Load()
}
