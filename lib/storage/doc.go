// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage is the persisted record engine behind the registry,
// the cursor store, the task service, and the node identity. It is a
// keyed blob store over SQLite with three primitives:
//
//   - Get(key): read a value
//   - Set(key, value): write a value
//   - Update(key, fn): atomic read-modify-write in one immediate
//     transaction
//
// Update is the concurrency point of the whole system: record merges
// contend per key inside a SQLite write transaction, so no process-wide
// lock exists and concurrent merges of different records never block
// each other beyond SQLite's single-writer window.
//
// Values are opaque bytes; callers encode with lib/codec. Writes are
// durable before returning (synchronous=FULL), because a cursor that
// survives a crash ahead of its records would silently lose data.
//
// Use Path ":memory:" with PoolSize 1 in tests.
package storage
