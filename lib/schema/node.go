// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Mode is a node's operating mode.
type Mode string

const (
	// ModeFull holds the complete registry and runs the gossip
	// engine when connectable. Never demoted.
	ModeFull Mode = "full"

	// ModeRelay has no inbound reachability and communicates only
	// through outbound heartbeats.
	ModeRelay Mode = "relay"

	// ModeTempFull is a relay temporarily acting as Full after
	// losing contact with every known Full peer.
	ModeTempFull Mode = "temp_full"
)

// ActsAsFull reports whether a node in this mode runs the server side
// of the protocol (accepts sync and heartbeat calls).
func (m Mode) ActsAsFull() bool { return m == ModeFull || m == ModeTempFull }

// TrustStatus is the membership state of a node as seen locally.
type TrustStatus string

const (
	// TrustSelf marks the local node's own record. Exactly one
	// record per registry carries it, and it is never overwritten
	// by a remote copy.
	TrustSelf TrustStatus = "self"

	// TrustTrusted is an approved network member.
	TrustTrusted TrustStatus = "trusted"

	// TrustPending is an inbound join request awaiting a local
	// admin decision.
	TrustPending TrustStatus = "pending"

	// TrustWaitingApproval is an outbound join request this node
	// sent and is polling on.
	TrustWaitingApproval TrustStatus = "waiting_approval"

	// TrustKicked is the tombstone state: terminal, propagated with
	// precedence over any non-kicked update regardless of
	// timestamp, and never physically deleted.
	TrustKicked TrustStatus = "kicked"
)

// NodeRecord is the identity half of a node's replicated state: who
// the node is, how to reach it, and whether the network trusts it.
// Liveness and metrics churn lives in NodeState so it does not inflate
// sync payloads of identity data.
type NodeRecord struct {
	NodeID      string      `json:"node_id" cbor:"node_id"`
	Name        string      `json:"name,omitempty" cbor:"name,omitempty"`
	Mode        Mode        `json:"mode" cbor:"mode"`
	Connectable bool        `json:"connectable" cbor:"connectable"`
	Host        string      `json:"host,omitempty" cbor:"host,omitempty"`
	Port        int         `json:"port,omitempty" cbor:"port,omitempty"`
	PublicURL   string      `json:"public_url,omitempty" cbor:"public_url,omitempty"`
	PublicKey   string      `json:"public_key,omitempty" cbor:"public_key,omitempty"`
	Fingerprint string      `json:"public_key_fingerprint,omitempty" cbor:"public_key_fingerprint,omitempty"`
	TrustStatus TrustStatus `json:"trust_status" cbor:"trust_status"`
	KickedAt    int64       `json:"kicked_at,omitempty" cbor:"kicked_at,omitempty"`

	// UpdatedAt is the record's logical timestamp in wall-clock
	// seconds, monotonically non-decreasing per writer.
	UpdatedAt int64 `json:"updated_at" cbor:"updated_at"`

	// Version increments on every local mutation and breaks ties
	// when UpdatedAt collides.
	Version int64 `json:"version" cbor:"version"`
}

// URL returns the base URL peers use to reach this node: the public
// URL when set, else http://host:port.
func (r NodeRecord) URL() string {
	if r.PublicURL != "" {
		return r.PublicURL
	}
	return fmt.Sprintf("http://%s:%d", r.Host, r.Port)
}

// Supersedes reports whether r wins over other under last-writer-wins
// ordering by (UpdatedAt, Version). Tombstone precedence is layered on
// top of this by the registry merge; Supersedes is the plain ordering.
func (r NodeRecord) Supersedes(other NodeRecord) bool {
	if r.UpdatedAt != other.UpdatedAt {
		return r.UpdatedAt > other.UpdatedAt
	}
	return r.Version > other.Version
}

// nodeIDPattern matches generated node IDs: a lowercase hostname
// fragment and at least one hyphen-separated suffix. Hand-configured
// IDs must fit the same shape so records stay mergeable fleet-wide.
var nodeIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}[a-z0-9]$`)

// ValidateNodeID rejects node IDs that are empty, too long, or carry
// characters outside the generated shape.
func ValidateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("node id is empty")
	}
	if !nodeIDPattern.MatchString(id) {
		return fmt.Errorf("node id %q is malformed", id)
	}
	return nil
}

// NodeStatus is the liveness verdict for a node.
type NodeStatus string

const (
	StatusOnline  NodeStatus = "online"
	StatusOffline NodeStatus = "offline"
	StatusUnknown NodeStatus = "unknown"
)

// NodeState is the liveness/metrics half of a node's replicated state.
// Merged with plain last-writer-wins by UpdatedAt; no tombstones.
type NodeState struct {
	NodeID   string     `json:"node_id" cbor:"node_id"`
	Status   NodeStatus `json:"status" cbor:"status"`
	LastSeen int64      `json:"last_seen" cbor:"last_seen"`

	// HeartbeatFailures counts consecutive failed contacts observed
	// by the node that owns the relationship; informational for
	// operators, not merged specially.
	HeartbeatFailures int `json:"heartbeat_failures,omitempty" cbor:"heartbeat_failures,omitempty"`

	// SystemInfo is the opaque snapshot produced by the metrics
	// collector. The core passes it through without assuming any
	// schema.
	SystemInfo json.RawMessage `json:"system_info,omitempty" cbor:"system_info,omitempty"`

	UpdatedAt int64 `json:"updated_at" cbor:"updated_at"`
}

// Supersedes reports whether s wins over other under plain
// last-writer-wins by UpdatedAt.
func (s NodeState) Supersedes(other NodeState) bool {
	return s.UpdatedAt > other.UpdatedAt
}
