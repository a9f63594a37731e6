package ledger

import (
	"sync/atomic"
	"time"
)

// Clock supplies the execution timestamp in unix seconds.
type Clock interface {
	Now() uint64
}

// SystemClock reads wall time.
type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().Unix()) }

// ManualClock is a settable clock for tests and replays.
type ManualClock struct {
	now atomic.Uint64
}

// NewManualClock starts at t.
func NewManualClock(t uint64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(t)
	return c
}

func (c *ManualClock) Now() uint64 { return c.now.Load() }

// Set moves the clock to t.
func (c *ManualClock) Set(t uint64) { c.now.Store(t) }

// Advance moves the clock forward by d (whole seconds).
func (c *ManualClock) Advance(d time.Duration) { c.now.Add(uint64(d / time.Second)) }
