// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so the membership protocol's periodic
// machinery — gossip cycles, heartbeat cycles, liveness and task
// sweeps, join polling — can be driven deterministically in tests.
// Production code uses [Real]; tests use [Fake] and call Advance.
package clock
