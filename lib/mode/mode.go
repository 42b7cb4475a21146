// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package mode tracks a node's operating mode: Full, Relay, or the
// transient Temp-Full a relay enters when every Full peer has stopped
// answering heartbeats. The manager is the single writer of the mode;
// the heartbeat engine drives transitions and everything else reads.
package mode

import (
	"log/slog"
	"sync"

	"github.com/chhuo/server-farm/lib/schema"
)

// Manager holds the current mode and enforces the legal transitions:
// relay -> temp_full (Promote) and temp_full -> relay (Demote). Full is
// terminal; a node configured Full never changes mode.
type Manager struct {
	mu         sync.Mutex
	configured schema.Mode
	current    schema.Mode
	logger     *slog.Logger

	// promotions counts relay -> temp_full transitions since start,
	// exposed for telemetry.
	promotions uint64
}

// Resolve maps the configured mode string to a concrete starting mode.
// "auto" resolves to relay when a primary server is configured, else
// full: a node with nobody to heartbeat to has to be its own registry.
func Resolve(configured string, primaryServer string) schema.Mode {
	switch configured {
	case "full":
		return schema.ModeFull
	case "relay":
		return schema.ModeRelay
	default:
		if primaryServer != "" {
			return schema.ModeRelay
		}
		return schema.ModeFull
	}
}

// New returns a Manager starting in the given mode.
func New(start schema.Mode, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{configured: start, current: start, logger: logger}
}

// Current returns the mode right now.
func (m *Manager) Current() schema.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ActsAsFull reports whether the node currently serves the Full role.
func (m *Manager) ActsAsFull() bool {
	return m.Current().ActsAsFull()
}

// Promote moves a relay to temp_full. Returns true only for the call
// that performed the transition, so concurrent failure detections
// promote exactly once. Promoting a Full or already-promoted node is a
// no-op.
func (m *Manager) Promote() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != schema.ModeRelay {
		return false
	}
	m.current = schema.ModeTempFull
	m.promotions++
	m.logger.Warn("all full peers unreachable, assuming temp_full mode")
	return true
}

// Demote returns a temp_full node to relay. Returns true only for the
// call that performed the transition.
func (m *Manager) Demote() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != schema.ModeTempFull {
		return false
	}
	m.current = schema.ModeRelay
	m.logger.Info("full peer reachable again, returning to relay mode")
	return true
}

// Promotions returns the number of promotions since start.
func (m *Manager) Promotions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promotions
}
