// Package clock provides the production FrameClock backed by time.Ticker.
package clock

import (
	"sync"
	"time"
)

// Ticker paces render and analysis loops at a fixed rate.
type Ticker struct {
	ticker   *time.Ticker
	stopOnce sync.Once
}

// NewTicker returns a FrameClock ticking hz times per second. Rates below
// 1Hz are clamped to 1Hz.
func NewTicker(hz int) *Ticker {
	if hz < 1 {
		hz = 1
	}
	return &Ticker{ticker: time.NewTicker(time.Second / time.Duration(hz))}
}

// Now returns the current wall-clock time.
func (t *Ticker) Now() time.Time { return time.Now() }

// Tick returns the underlying tick channel.
func (t *Ticker) Tick() <-chan time.Time { return t.ticker.C }

// Stop halts the ticker. Safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { t.ticker.Stop() })
}
