// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package mode

import (
	"sync"
	"testing"

	"github.com/chhuo/server-farm/lib/schema"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		configured string
		primary    string
		want       schema.Mode
	}{
		{"full", "", schema.ModeFull},
		{"full", "http://hub:8300", schema.ModeFull},
		{"relay", "http://hub:8300", schema.ModeRelay},
		{"auto", "http://hub:8300", schema.ModeRelay},
		{"auto", "", schema.ModeFull},
	}
	for _, tt := range tests {
		if got := Resolve(tt.configured, tt.primary); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %v, want %v", tt.configured, tt.primary, got, tt.want)
		}
	}
}

func TestPromoteDemoteCycle(t *testing.T) {
	m := New(schema.ModeRelay, nil)

	if !m.Promote() {
		t.Fatal("first promote should transition")
	}
	if m.Current() != schema.ModeTempFull {
		t.Errorf("mode = %v after promote", m.Current())
	}
	if !m.ActsAsFull() {
		t.Error("temp_full should act as full")
	}
	if m.Promote() {
		t.Error("second promote should be a no-op")
	}

	if !m.Demote() {
		t.Fatal("demote should transition")
	}
	if m.Current() != schema.ModeRelay {
		t.Errorf("mode = %v after demote", m.Current())
	}
	if m.Demote() {
		t.Error("second demote should be a no-op")
	}
	if m.Promotions() != 1 {
		t.Errorf("promotions = %d", m.Promotions())
	}
}

func TestFullNeverTransitions(t *testing.T) {
	m := New(schema.ModeFull, nil)
	if m.Promote() {
		t.Error("full node promoted")
	}
	if m.Demote() {
		t.Error("full node demoted")
	}
	if m.Current() != schema.ModeFull {
		t.Errorf("mode = %v", m.Current())
	}
}

func TestConcurrentPromoteHappensOnce(t *testing.T) {
	m := New(schema.ModeRelay, nil)

	const goroutines = 16
	results := make(chan bool, goroutines)
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.Promote()
		}()
	}
	wg.Wait()
	close(results)

	transitions := 0
	for won := range results {
		if won {
			transitions++
		}
	}
	if transitions != 1 {
		t.Errorf("%d goroutines won the promotion, want exactly 1", transitions)
	}
}
