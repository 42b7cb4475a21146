// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the data model of the membership fabric: node
// records and their trust states, liveness state, dispatch tasks, and
// the JSON request/response pairs exchanged over the three peer
// operations (sync, heartbeat, join).
//
// Records carry two ordering fields. UpdatedAt is a wall-clock logical
// timestamp in whole seconds, monotonically non-decreasing per writer.
// Version is a per-record counter incremented on every local mutation
// and acts as the tie-break when two writers collide on the same
// second. Merge semantics over these fields live in lib/registry; this
// package only defines the comparison.
//
// This package depends on no other server-farm packages.
package schema
