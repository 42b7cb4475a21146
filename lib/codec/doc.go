// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for every record
// persisted by the storage engine: node records, liveness state, sync
// cursors, tasks, and the node identity itself.
//
// Encoding is Core Deterministic (RFC 8949 §4.2) so that re-encoding
// an unchanged record produces identical bytes. Decoding ignores
// unknown fields for forward compatibility.
//
// The peer wire protocol intentionally does NOT use this package; peer
// requests and responses are JSON (see lib/transport) to stay
// inspectable with curl and stable across heterogeneous fleets.
package codec
