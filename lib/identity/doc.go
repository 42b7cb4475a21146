// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity owns the node's persistent identity: its globally
// unique node ID, its ed25519 keypair, and the cluster shared secret.
// All three are created once at first boot, persisted through the
// storage engine, and never regenerated automatically — a node that
// loses its identity record has, by definition, left the network.
//
// The keypair exists for two purposes: a short blake3 fingerprint that
// humans compare when approving a join request, and request signatures
// (node ID + timestamp + body hash) that prove a peer call came from
// the holder of the key. Peer authentication proper is the shared
// secret; the signature raises the bar from "knows the secret" to
// "knows the secret and holds the key the network saw at join time".
package identity
