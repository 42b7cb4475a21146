// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat is the reverse channel for nodes without inbound
// reachability. A relay reports itself to one Full peer per interval
// and receives the registry delta plus any tasks queued for it; task
// results ride the next report.
//
// The same loop is the failure detector that drives mode transitions:
// when every known Full peer has failed MaxFailures consecutive
// heartbeats, the relay promotes itself to Temp-Full and keeps probing.
// The first successful probe demotes it again, and the probe's request
// carries everything the Temp-Full accumulated while detached, so
// nothing collected during the partition is lost.
package heartbeat
