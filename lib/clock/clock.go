// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time for the periodic engines (mode evaluation,
// gossip cycles, heartbeat cycles, sweeps). Production code injects
// Real(); tests inject Fake() and advance time deterministically.
//
// Any function that would call time.Now, time.After, time.NewTicker,
// or time.Sleep takes a Clock instead, so that no protocol test ever
// has to sleep on the wall clock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to
// release resources. C has capacity 1: if the consumer falls behind,
// ticks are dropped, not queued — the behavior the sync loops rely on
// to avoid burst catch-up after a stall.
type Ticker struct {
	// C delivers ticks.
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop turns the ticker off. No more ticks are sent on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset changes the tick interval and restarts the cycle; the next
// tick arrives after the new duration. The gossip engine uses this to
// apply per-cycle jitter.
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }
