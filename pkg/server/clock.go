package server

import (
	"sync/atomic"
	"time"
)

// Clock hands out strictly increasing timestamps in microseconds. History
// is ordered by these, not by when clients sent their messages.
type Clock struct {
	last int64 // atomic
	now  func() int64
}

// NewClock creates a clock backed by the wall clock
func NewClock() *Clock {
	return &Clock{
		now: func() int64 { return time.Now().UnixMicro() },
	}
}

// Now returns the next timestamp. If the wall clock has not advanced (or
// moved backwards) since the previous call, the previous value plus one is
// used instead.
func (c *Clock) Now() int64 {
	for {
		last := atomic.LoadInt64(&c.last)

		ts := c.now()
		if ts <= last {
			ts = last + 1
		}

		if atomic.CompareAndSwapInt64(&c.last, last, ts) {
			return ts
		}

		// CAS failed - another goroutine won, retry
	}
}
