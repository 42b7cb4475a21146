// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "testing"

func TestRecordSupersedes(t *testing.T) {
	tests := []struct {
		name         string
		a, b         NodeRecord
		aSupersedesB bool
	}{
		{
			name:         "later timestamp wins",
			a:            NodeRecord{UpdatedAt: 200, Version: 1},
			b:            NodeRecord{UpdatedAt: 100, Version: 9},
			aSupersedesB: true,
		},
		{
			name:         "equal timestamp falls back to version",
			a:            NodeRecord{UpdatedAt: 100, Version: 3},
			b:            NodeRecord{UpdatedAt: 100, Version: 2},
			aSupersedesB: true,
		},
		{
			name:         "identical ordering fields do not supersede",
			a:            NodeRecord{UpdatedAt: 100, Version: 2},
			b:            NodeRecord{UpdatedAt: 100, Version: 2},
			aSupersedesB: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Supersedes(tt.b); got != tt.aSupersedesB {
				t.Errorf("Supersedes = %v, want %v", got, tt.aSupersedesB)
			}
		})
	}
}

func TestValidateNodeID(t *testing.T) {
	valid := []string{"web-01-a3f2", "db.internal-9c", "a1", "host_2-ff"}
	for _, id := range valid {
		if err := ValidateNodeID(id); err != nil {
			t.Errorf("ValidateNodeID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", "-leading", "trailing-", "UPPER-aa", "has space-aa", "x"}
	for _, id := range invalid {
		if err := ValidateNodeID(id); err == nil {
			t.Errorf("ValidateNodeID(%q) = nil, want error", id)
		}
	}
}

func TestRecordURL(t *testing.T) {
	r := NodeRecord{Host: "10.0.0.5", Port: 8300}
	if got := r.URL(); got != "http://10.0.0.5:8300" {
		t.Errorf("URL() = %q", got)
	}
	r.PublicURL = "https://farm.example.com"
	if got := r.URL(); got != "https://farm.example.com" {
		t.Errorf("URL() with public url = %q", got)
	}
}

func TestModeActsAsFull(t *testing.T) {
	if !ModeFull.ActsAsFull() || !ModeTempFull.ActsAsFull() {
		t.Error("full and temp_full must act as Full")
	}
	if ModeRelay.ActsAsFull() {
		t.Error("relay must not act as Full")
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskTimeout} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskPending, TaskRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
