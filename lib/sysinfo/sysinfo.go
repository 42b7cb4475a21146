// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysinfo collects the host metrics snapshot carried in a
// node's liveness state: CPU utilization, memory, disk, load, and
// uptime. Readings come from /proc and the sysinfo/statfs syscalls on
// Linux. Every probe degrades to a zero value instead of failing — a
// node with an unreadable /proc still heartbeats.
package sysinfo

import (
	"bufio"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Snapshot is the metrics payload embedded in NodeState.SystemInfo.
// Receivers treat it as opaque; only collectors and UIs know the shape.
type Snapshot struct {
	Hostname      string  `json:"hostname,omitempty"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryTotalMB int     `json:"memory_total_mb"`
	MemoryUsedMB  int     `json:"memory_used_mb"`
	DiskTotalGB   float64 `json:"disk_total_gb"`
	DiskUsedGB    float64 `json:"disk_used_gb"`
	Load1         float64 `json:"load_1"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// cpuReading captures cumulative CPU time from /proc/stat for delta
// computation. The first line aggregates all CPUs:
//
//	cpu  user nice system idle iowait irq softirq steal guest guest_nice
//
// busy = user + nice + system + irq + softirq + steal
// idle = idle + iowait
//
// guest and guest_nice are already included in user/nice by kernel
// accounting.
type cpuReading struct {
	busy uint64
	idle uint64
}

// Collector produces snapshots. CPU utilization is a delta between the
// previous and current /proc/stat readings, so the first Collect after
// start reports 0%.
type Collector struct {
	mu       sync.Mutex
	previous *cpuReading

	// diskPath is the filesystem statfs probes. "/" in production;
	// tests may point elsewhere.
	diskPath string
	statPath string
}

// New returns a Collector probing the root filesystem.
func New() *Collector {
	return &Collector{diskPath: "/", statPath: "/proc/stat"}
}

// Collect gathers a snapshot and returns it JSON-encoded, ready to
// embed in NodeState.SystemInfo.
func (c *Collector) Collect() json.RawMessage {
	snapshot := c.Snapshot()
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return json.RawMessage("{}")
	}
	return encoded
}

// Snapshot gathers a snapshot as a struct.
func (c *Collector) Snapshot() Snapshot {
	var snapshot Snapshot

	if hostname, err := os.Hostname(); err == nil {
		snapshot.Hostname = hostname
	}
	snapshot.CPUPercent = c.cpuPercent()

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		unit := uint64(info.Unit)
		totalBytes := uint64(info.Totalram) * unit
		freeBytes := uint64(info.Freeram) * unit
		snapshot.MemoryTotalMB = int(totalBytes / (1024 * 1024))
		if totalBytes >= freeBytes {
			snapshot.MemoryUsedMB = int((totalBytes - freeBytes) / (1024 * 1024))
		}
		// Loads are fixed-point with a 16-bit fraction.
		snapshot.Load1 = float64(info.Loads[0]) / 65536
		snapshot.UptimeSeconds = int64(info.Uptime)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(c.diskPath, &fs); err == nil {
		blockSize := uint64(fs.Bsize)
		totalBytes := fs.Blocks * blockSize
		freeBytes := fs.Bavail * blockSize
		const gb = 1024 * 1024 * 1024
		snapshot.DiskTotalGB = float64(totalBytes) / gb
		if totalBytes >= freeBytes {
			snapshot.DiskUsedGB = float64(totalBytes-freeBytes) / gb
		}
	}

	return snapshot
}

// cpuPercent reads /proc/stat and computes utilization against the
// previous reading. Returns 0 on the first call or any parse failure.
func (c *Collector) cpuPercent() float64 {
	current := readCPUStats(c.statPath)

	c.mu.Lock()
	previous := c.previous
	c.previous = current
	c.mu.Unlock()

	if previous == nil || current == nil {
		return 0
	}
	busyDelta := current.busy - previous.busy
	idleDelta := current.idle - previous.idle
	totalDelta := busyDelta + idleDelta
	if totalDelta == 0 {
		return 0
	}
	return float64(busyDelta) / float64(totalDelta) * 100
}

// readCPUStats parses the first line of /proc/stat. Returns nil on any
// failure.
func readCPUStats(path string) *cpuReading {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return nil
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return nil
	}

	values := make([]uint64, len(fields)-1)
	for i := 1; i < len(fields); i++ {
		parsed, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return nil
		}
		values[i-1] = parsed
	}

	// 0=user, 1=nice, 2=system, 3=idle, 4=iowait, 5=irq, 6=softirq, 7=steal
	return &cpuReading{
		busy: values[0] + values[1] + values[2] + values[5] + values[6] + values[7],
		idle: values[3] + values[4],
	}
}
