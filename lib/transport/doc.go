// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries the peer protocol and the admin API over
// HTTP/JSON. The server mounts the peer routes (sync, heartbeat, join,
// exec) behind shared-secret plus signature authentication, and the
// admin routes behind the shared secret alone. The client is the
// outbound mirror: it signs every request and translates the error
// body back into the sentinel errors the engines branch on.
//
// Status mapping: 401 {"code":"unauthenticated"} for a secret or
// signature mismatch, 403 {"code":"kicked"} for a cryptographically
// valid caller the network has expelled.
package transport
