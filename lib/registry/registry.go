// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/codec"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/storage"
)

// Key namespaces in the record store.
const (
	recordPrefix = "node/"
	statePrefix  = "state/"
	cursorPrefix = "cursor/"
)

// DefaultSkewTolerance is how far in the future a record's UpdatedAt
// may sit before the merge rejects it. Generous, because it only needs
// to catch grossly wrong clocks, not ordinary NTP drift.
const DefaultSkewTolerance = 5 * time.Minute

// Options configures a Registry.
type Options struct {
	// SelfID is the local node's ID. Remote copies of this record
	// are never merged.
	SelfID string

	// SkewTolerance overrides DefaultSkewTolerance when positive.
	SkewTolerance time.Duration

	Logger *slog.Logger
}

// Registry is the persisted replicated node table.
type Registry struct {
	store  *storage.Store
	clk    clock.Clock
	selfID string
	skew   time.Duration
	logger *slog.Logger
}

// New returns a Registry over the given store.
func New(store *storage.Store, clk clock.Clock, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	skew := opts.SkewTolerance
	if skew <= 0 {
		skew = DefaultSkewTolerance
	}
	return &Registry{
		store:  store,
		clk:    clk,
		selfID: opts.SelfID,
		skew:   skew,
		logger: logger,
	}
}

// UpsertSelf writes the local node's own record, stamping UpdatedAt to
// now and incrementing Version past any previously stored copy. The
// trust status is forced to self.
func (r *Registry) UpsertSelf(ctx context.Context, record schema.NodeRecord) error {
	if record.NodeID != r.selfID {
		return fmt.Errorf("registry: UpsertSelf called for %q, self is %q", record.NodeID, r.selfID)
	}
	record.TrustStatus = schema.TrustSelf

	return r.store.Update(ctx, recordPrefix+record.NodeID, func(current []byte, found bool) ([]byte, error) {
		record.UpdatedAt = r.clk.Now().Unix()
		record.Version = 1
		if found {
			var previous schema.NodeRecord
			if err := codec.Unmarshal(current, &previous); err == nil {
				record.Version = previous.Version + 1
				if record.UpdatedAt < previous.UpdatedAt {
					// Never move our own record backwards in
					// logical time, even if the wall clock did.
					record.UpdatedAt = previous.UpdatedAt
				}
			}
		}
		return codec.Marshal(record)
	})
}

// Get returns the record for nodeID.
func (r *Registry) Get(ctx context.Context, nodeID string) (schema.NodeRecord, bool, error) {
	raw, found, err := r.store.Get(ctx, recordPrefix+nodeID)
	if err != nil || !found {
		return schema.NodeRecord{}, false, err
	}
	var record schema.NodeRecord
	if err := codec.Unmarshal(raw, &record); err != nil {
		return schema.NodeRecord{}, false, fmt.Errorf("registry: decoding record %q: %w", nodeID, err)
	}
	return record, true, nil
}

// List returns every known record in node-ID order.
func (r *Registry) List(ctx context.Context) ([]schema.NodeRecord, error) {
	var records []schema.NodeRecord
	err := r.store.List(ctx, recordPrefix, func(key string, value []byte) error {
		var record schema.NodeRecord
		if err := codec.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("decoding %q: %w", key, err)
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: list records: %w", err)
	}
	return records, nil
}

// GetState returns the liveness state for nodeID.
func (r *Registry) GetState(ctx context.Context, nodeID string) (schema.NodeState, bool, error) {
	raw, found, err := r.store.Get(ctx, statePrefix+nodeID)
	if err != nil || !found {
		return schema.NodeState{}, false, err
	}
	var state schema.NodeState
	if err := codec.Unmarshal(raw, &state); err != nil {
		return schema.NodeState{}, false, fmt.Errorf("registry: decoding state %q: %w", nodeID, err)
	}
	return state, true, nil
}

// ListStates returns every known state in node-ID order.
func (r *Registry) ListStates(ctx context.Context) ([]schema.NodeState, error) {
	var states []schema.NodeState
	err := r.store.List(ctx, statePrefix, func(key string, value []byte) error {
		var state schema.NodeState
		if err := codec.Unmarshal(value, &state); err != nil {
			return fmt.Errorf("decoding %q: %w", key, err)
		}
		states = append(states, state)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: list states: %w", err)
	}
	return states, nil
}

// MergeRecord merges one remote record. Returns true when the stored
// copy changed. Malformed and future-stamped records are rejected with
// a log line, not an error; the error return is for storage failures
// only.
func (r *Registry) MergeRecord(ctx context.Context, incoming schema.NodeRecord) (bool, error) {
	if reason := r.rejectRecord(incoming); reason != "" {
		r.logger.Warn("rejecting record", "node_id", incoming.NodeID, "reason", reason)
		return false, nil
	}

	applied := false
	err := r.store.Update(ctx, recordPrefix+incoming.NodeID, func(current []byte, found bool) ([]byte, error) {
		// "self" is meaningful only on the node it belongs to. A
		// record arriving with it is the owner's own copy; store it
		// under whatever trust this node already holds for the
		// owner, or pending when the owner is new here.
		wasSelf := incoming.TrustStatus == schema.TrustSelf
		if wasSelf {
			incoming.TrustStatus = schema.TrustPending
		}
		if !found {
			applied = true
			return codec.Marshal(incoming)
		}
		var local schema.NodeRecord
		if err := codec.Unmarshal(current, &local); err != nil {
			return nil, fmt.Errorf("decoding stored record: %w", err)
		}
		if wasSelf {
			incoming.TrustStatus = local.TrustStatus
		}

		merged, changed := mergeRecords(local, incoming)
		if !changed {
			return current, nil
		}
		applied = true
		return codec.Marshal(merged)
	})
	if err != nil {
		return false, fmt.Errorf("registry: merge record %q: %w", incoming.NodeID, err)
	}
	return applied, nil
}

// rejectRecord returns a non-empty reason when incoming must not be
// merged at all.
func (r *Registry) rejectRecord(incoming schema.NodeRecord) string {
	if err := schema.ValidateNodeID(incoming.NodeID); err != nil {
		return err.Error()
	}
	if incoming.NodeID == r.selfID {
		return "remote copy of own record"
	}
	if future := incoming.UpdatedAt - r.clk.Now().Unix(); future > int64(r.skew.Seconds()) {
		return fmt.Sprintf("timestamp %ds in the future", future)
	}
	return ""
}

// mergeRecords resolves one local/incoming pair. Tombstones win over
// everything; otherwise plain (UpdatedAt, Version) ordering decides.
func mergeRecords(local, incoming schema.NodeRecord) (schema.NodeRecord, bool) {
	localKicked := local.TrustStatus == schema.TrustKicked
	incomingKicked := incoming.TrustStatus == schema.TrustKicked

	switch {
	case localKicked && !incomingKicked:
		// Tombstone holds whatever the incoming timestamp says.
		return local, false
	case incomingKicked && !localKicked:
		return incoming, true
	default:
		if incoming.Supersedes(local) {
			return incoming, true
		}
		return local, false
	}
}

// MergeState merges one remote liveness state, plain last-writer-wins.
func (r *Registry) MergeState(ctx context.Context, incoming schema.NodeState) (bool, error) {
	if err := schema.ValidateNodeID(incoming.NodeID); err != nil {
		r.logger.Warn("rejecting state", "node_id", incoming.NodeID, "reason", err.Error())
		return false, nil
	}
	if future := incoming.UpdatedAt - r.clk.Now().Unix(); future > int64(r.skew.Seconds()) {
		r.logger.Warn("rejecting state", "node_id", incoming.NodeID,
			"reason", fmt.Sprintf("timestamp %ds in the future", future))
		return false, nil
	}

	applied := false
	err := r.store.Update(ctx, statePrefix+incoming.NodeID, func(current []byte, found bool) ([]byte, error) {
		if !found {
			applied = true
			return codec.Marshal(incoming)
		}
		var local schema.NodeState
		if err := codec.Unmarshal(current, &local); err != nil {
			return nil, fmt.Errorf("decoding stored state: %w", err)
		}
		if !incoming.Supersedes(local) {
			return current, nil
		}
		applied = true
		return codec.Marshal(incoming)
	})
	if err != nil {
		return false, fmt.Errorf("registry: merge state %q: %w", incoming.NodeID, err)
	}
	return applied, nil
}

// MergeBatch merges a batch of records and states, continuing past
// per-record rejections. Returns how many of each were applied.
func (r *Registry) MergeBatch(ctx context.Context, records []schema.NodeRecord, states []schema.NodeState) (int, int, error) {
	appliedRecords := 0
	for _, record := range records {
		applied, err := r.MergeRecord(ctx, record)
		if err != nil {
			return appliedRecords, 0, err
		}
		if applied {
			appliedRecords++
		}
	}
	appliedStates := 0
	for _, state := range states {
		applied, err := r.MergeState(ctx, state)
		if err != nil {
			return appliedRecords, appliedStates, err
		}
		if applied {
			appliedStates++
		}
	}
	return appliedRecords, appliedStates, nil
}

// RecordsSince returns records with UpdatedAt strictly after since.
func (r *Registry) RecordsSince(ctx context.Context, since int64) ([]schema.NodeRecord, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var changed []schema.NodeRecord
	for _, record := range all {
		if record.UpdatedAt > since {
			changed = append(changed, record)
		}
	}
	return changed, nil
}

// StatesSince returns states with UpdatedAt strictly after since.
func (r *Registry) StatesSince(ctx context.Context, since int64) ([]schema.NodeState, error) {
	all, err := r.ListStates(ctx)
	if err != nil {
		return nil, err
	}
	var changed []schema.NodeState
	for _, state := range all {
		if state.UpdatedAt > since {
			changed = append(changed, state)
		}
	}
	return changed, nil
}

// SetTrust changes a node's trust status as a local admin decision,
// restamping the record so the change propagates. Kicking stamps
// KickedAt. The local node cannot change its own trust.
func (r *Registry) SetTrust(ctx context.Context, nodeID string, status schema.TrustStatus) (schema.NodeRecord, error) {
	if nodeID == r.selfID {
		return schema.NodeRecord{}, fmt.Errorf("registry: cannot change trust of own record")
	}

	var result schema.NodeRecord
	err := r.store.Update(ctx, recordPrefix+nodeID, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, fmt.Errorf("unknown node")
		}
		var record schema.NodeRecord
		if err := codec.Unmarshal(current, &record); err != nil {
			return nil, fmt.Errorf("decoding stored record: %w", err)
		}
		if record.TrustStatus == schema.TrustKicked && status != schema.TrustKicked {
			return nil, fmt.Errorf("node is kicked; tombstones are terminal")
		}

		record.TrustStatus = status
		now := r.clk.Now().Unix()
		if status == schema.TrustKicked {
			record.KickedAt = now
		}
		if now > record.UpdatedAt {
			record.UpdatedAt = now
		}
		record.Version++
		result = record
		return codec.Marshal(record)
	})
	if err != nil {
		return schema.NodeRecord{}, fmt.Errorf("registry: set trust %q: %w", nodeID, err)
	}
	return result, nil
}

// Forget deletes a node's record and state outright. Only pending and
// waiting_approval records may be forgotten; anything the network
// trusts (or has tombstoned) must go through SetTrust so the change
// propagates instead of silently reappearing on the next sync.
func (r *Registry) Forget(ctx context.Context, nodeID string) error {
	if nodeID == r.selfID {
		return fmt.Errorf("registry: cannot forget own record")
	}
	err := r.store.Update(ctx, recordPrefix+nodeID, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, nil
		}
		var record schema.NodeRecord
		if err := codec.Unmarshal(current, &record); err != nil {
			return nil, fmt.Errorf("decoding stored record: %w", err)
		}
		switch record.TrustStatus {
		case schema.TrustPending, schema.TrustWaitingApproval:
			return nil, nil
		default:
			return nil, fmt.Errorf("cannot forget %s record", record.TrustStatus)
		}
	})
	if err != nil {
		return fmt.Errorf("registry: forget %q: %w", nodeID, err)
	}
	if err := r.store.Delete(ctx, statePrefix+nodeID); err != nil {
		return fmt.Errorf("registry: forget state %q: %w", nodeID, err)
	}
	return nil
}

// IsKicked reports whether nodeID carries a tombstone.
func (r *Registry) IsKicked(ctx context.Context, nodeID string) (bool, error) {
	record, found, err := r.Get(ctx, nodeID)
	if err != nil || !found {
		return false, err
	}
	return record.TrustStatus == schema.TrustKicked, nil
}

// RecordSeen updates a node's liveness after direct contact: status
// online, LastSeen and UpdatedAt now, failures reset. systemInfo may be
// nil to keep the previous snapshot.
func (r *Registry) RecordSeen(ctx context.Context, nodeID string, systemInfo []byte) error {
	now := r.clk.Now().Unix()
	err := r.store.Update(ctx, statePrefix+nodeID, func(current []byte, found bool) ([]byte, error) {
		state := schema.NodeState{NodeID: nodeID}
		if found {
			if err := codec.Unmarshal(current, &state); err != nil {
				return nil, fmt.Errorf("decoding stored state: %w", err)
			}
		}
		state.Status = schema.StatusOnline
		state.LastSeen = now
		state.HeartbeatFailures = 0
		if systemInfo != nil {
			state.SystemInfo = systemInfo
		}
		if now > state.UpdatedAt {
			state.UpdatedAt = now
		} else {
			state.UpdatedAt++
		}
		return codec.Marshal(state)
	})
	if err != nil {
		return fmt.Errorf("registry: record seen %q: %w", nodeID, err)
	}
	return nil
}

// Cursor returns the stored sync cursor for peerID, zero when absent.
// Zero means "send everything", which is always safe.
func (r *Registry) Cursor(ctx context.Context, peerID string) (int64, error) {
	raw, found, err := r.store.Get(ctx, cursorPrefix+peerID)
	if err != nil || !found {
		return 0, err
	}
	var cursor int64
	if err := codec.Unmarshal(raw, &cursor); err != nil {
		return 0, fmt.Errorf("registry: decoding cursor %q: %w", peerID, err)
	}
	return cursor, nil
}

// AdvanceCursor moves peerID's cursor forward to the peer-reported
// server time. A cursor never moves backwards: a stale advance after a
// concurrent later one is dropped.
func (r *Registry) AdvanceCursor(ctx context.Context, peerID string, serverTime int64) error {
	err := r.store.Update(ctx, cursorPrefix+peerID, func(current []byte, found bool) ([]byte, error) {
		if found {
			var existing int64
			if err := codec.Unmarshal(current, &existing); err == nil && existing >= serverTime {
				return current, nil
			}
		}
		return codec.Marshal(serverTime)
	})
	if err != nil {
		return fmt.Errorf("registry: advance cursor %q: %w", peerID, err)
	}
	return nil
}

// SweepLiveness marks nodes offline whose LastSeen is older than
// offlineAfter. The local node is skipped. Returns the node IDs newly
// marked offline.
func (r *Registry) SweepLiveness(ctx context.Context, offlineAfter time.Duration) ([]string, error) {
	states, err := r.ListStates(ctx)
	if err != nil {
		return nil, err
	}

	deadline := r.clk.Now().Add(-offlineAfter).Unix()
	var marked []string
	for _, state := range states {
		if state.NodeID == r.selfID || state.Status == schema.StatusOffline {
			continue
		}
		if state.LastSeen > deadline {
			continue
		}
		nodeID := state.NodeID
		err := r.store.Update(ctx, statePrefix+nodeID, func(current []byte, found bool) ([]byte, error) {
			if !found {
				return nil, nil
			}
			var stored schema.NodeState
			if err := codec.Unmarshal(current, &stored); err != nil {
				return nil, fmt.Errorf("decoding stored state: %w", err)
			}
			if stored.LastSeen > deadline || stored.Status == schema.StatusOffline {
				return current, nil
			}
			stored.Status = schema.StatusOffline
			stored.UpdatedAt = r.clk.Now().Unix()
			marked = append(marked, nodeID)
			return codec.Marshal(stored)
		})
		if err != nil {
			return marked, fmt.Errorf("registry: sweep %q: %w", nodeID, err)
		}
	}
	if len(marked) > 0 {
		r.logger.Info("liveness sweep marked nodes offline", "nodes", strings.Join(marked, ","))
	}
	return marked, nil
}

// SweepTombstones deletes kicked records whose KickedAt is older than
// ttl. A ttl of zero keeps tombstones forever. Returns how many were
// collected.
func (r *Registry) SweepTombstones(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	records, err := r.List(ctx)
	if err != nil {
		return 0, err
	}

	deadline := r.clk.Now().Add(-ttl).Unix()
	collected := 0
	for _, record := range records {
		if record.TrustStatus != schema.TrustKicked || record.KickedAt > deadline {
			continue
		}
		if err := r.store.Delete(ctx, recordPrefix+record.NodeID); err != nil {
			return collected, fmt.Errorf("registry: collect tombstone %q: %w", record.NodeID, err)
		}
		if err := r.store.Delete(ctx, statePrefix+record.NodeID); err != nil {
			return collected, fmt.Errorf("registry: collect tombstone state %q: %w", record.NodeID, err)
		}
		collected++
		r.logger.Info("tombstone collected", "node_id", record.NodeID)
	}
	return collected, nil
}
