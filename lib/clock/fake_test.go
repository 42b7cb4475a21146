// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"

	"github.com/chhuo/server-farm/lib/testutil"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestFakeNowStandsStill(t *testing.T) {
	c := Fake(epoch)
	if got := c.Now(); !got.Equal(epoch) {
		t.Errorf("Now() = %v, want %v", got, epoch)
	}
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(epoch.Add(90 * time.Second)) {
		t.Errorf("Now() after advance = %v, want %v", got, epoch.Add(90*time.Second))
	}
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before the clock advanced")
	default:
	}

	c.Advance(10 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(epoch.Add(10 * time.Second)) {
			t.Errorf("fire time = %v, want %v", fired, epoch.Add(10*time.Second))
		}
	default:
		t.Fatal("After did not fire after Advance")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTickerDeliversAndDrops(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(5 * time.Second)
	defer ticker.Stop()

	// A single large advance crosses three tick deadlines but the
	// capacity-1 channel retains only the first undelivered tick.
	c.Advance(16 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire")
	}
	select {
	case extra := <-ticker.C:
		t.Fatalf("unexpected queued tick at %v", extra)
	default:
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(10 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeTickerReset(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	ticker.Reset(2 * time.Second)
	c.Advance(2 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("reset ticker did not fire at the new interval")
	}
}

func TestFakeSleepUnblocks(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.Sleep(3 * time.Second)
		close(done)
	}()

	c.BlockUntilWaiters(1)
	c.Advance(3 * time.Second)

	testutil.RequireClosed(t, done, 5*time.Second, "Sleep did not return after Advance")
}
