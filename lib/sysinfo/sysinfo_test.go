// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package sysinfo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestReadCPUStatsSyntheticFile(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "stat")
	content := "cpu  100 20 30 400 50 5 5 10 0 0\ncpu0 50 10 15 200 25 2 2 5 0 0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reading := readCPUStats(path)
	if reading == nil {
		t.Fatal("no reading from valid file")
	}
	// busy = 100+20+30+5+5+10, idle = 400+50
	if reading.busy != 170 || reading.idle != 450 {
		t.Errorf("reading = %+v", reading)
	}
}

func TestReadCPUStatsMalformed(t *testing.T) {
	directory := t.TempDir()
	for name, content := range map[string]string{
		"missing":   "",
		"short":     "cpu 1 2 3\n",
		"wronglead": "intr 1 2 3 4 5 6 7 8 9\n",
		"nonnum":    "cpu a b c d e f g h i\n",
	} {
		path := filepath.Join(directory, name)
		if content != "" {
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write %s: %v", name, err)
			}
		}
		if reading := readCPUStats(path); reading != nil {
			t.Errorf("%s: got reading %+v, want nil", name, reading)
		}
	}
}

func TestCPUPercentDelta(t *testing.T) {
	collector := New()
	collector.statPath = writeStat(t, "cpu  100 0 0 100 0 0 0 0 0 0\n")
	if got := collector.cpuPercent(); got != 0 {
		t.Errorf("first reading = %f, want 0 (no baseline)", got)
	}

	collector.statPath = writeStat(t, "cpu  200 0 0 200 0 0 0 0 0 0\n")
	if got := collector.cpuPercent(); got != 50 {
		t.Errorf("delta = %f, want 50", got)
	}
}

func writeStat(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stat")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestCollectOnLinux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("probes /proc and Linux syscalls")
	}

	collector := New()
	raw := collector.Collect()

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snapshot.Hostname == "" {
		t.Error("no hostname")
	}
	if snapshot.MemoryTotalMB <= 0 {
		t.Errorf("memory total %d", snapshot.MemoryTotalMB)
	}
	if snapshot.MemoryUsedMB < 0 || snapshot.MemoryUsedMB > snapshot.MemoryTotalMB {
		t.Errorf("memory used %d of %d", snapshot.MemoryUsedMB, snapshot.MemoryTotalMB)
	}
	if snapshot.DiskTotalGB <= 0 || snapshot.DiskUsedGB < 0 {
		t.Errorf("disk %f/%f", snapshot.DiskUsedGB, snapshot.DiskTotalGB)
	}
	if snapshot.UptimeSeconds <= 0 {
		t.Errorf("uptime %d", snapshot.UptimeSeconds)
	}
}
