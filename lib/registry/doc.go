// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the replicated node table: every NodeRecord and
// NodeState this node knows, persisted through lib/storage, plus the
// per-peer sync cursors.
//
// Merging is where the anti-entropy guarantees live. Records merge
// last-writer-wins by (UpdatedAt, Version) with two overrides layered
// on top:
//
//   - the local node's own record is never replaced by a remote copy,
//     whatever its timestamp, and
//   - a kicked record is a tombstone: once either side is kicked the
//     merged result is kicked, regardless of ordering.
//
// States merge plain last-writer-wins by UpdatedAt. Malformed records
// and records stamped too far in the future are rejected individually;
// a bad record never poisons the rest of its batch.
//
// Each merge runs inside one storage Update (a SQLite immediate
// transaction on that key), so concurrent merges of the same node
// serialize and merges of different nodes do not contend.
package registry
