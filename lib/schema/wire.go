// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// The three peer operations share one shape: the caller advertises a
// cursor (Since), pushes everything it changed after the peer's last
// acknowledged time, and pulls the peer's changes since its own
// cursor. Authentication (shared secret, signature headers) is carried
// at the HTTP layer by lib/transport, not in these bodies.

// SyncRequest is the push half of a gossip exchange between
// connectable Full peers.
type SyncRequest struct {
	// SenderID identifies the initiating node.
	SenderID string `json:"sender_id"`

	// Since is the initiator's cursor for this peer: the server
	// time the peer last acknowledged. The responder filters its
	// records to those updated after Since.
	Since int64 `json:"since"`

	Records []NodeRecord `json:"records,omitempty"`
	States  []NodeState  `json:"states,omitempty"`
}

// SyncResponse is the pull half of a gossip exchange.
type SyncResponse struct {
	Records []NodeRecord `json:"records,omitempty"`
	States  []NodeState  `json:"states,omitempty"`

	// Trusted reports whether the responder considers the sender an
	// approved member. False means the responder withheld its data,
	// and the initiator must hold its cursor: advancing past a
	// window that was never sent would skip it forever.
	Trusted bool `json:"trusted"`

	// ServerTime is the responder's clock in seconds. The initiator
	// stores it as the new cursor for this peer — never its own
	// clock, so skew between the two never loses records.
	ServerTime int64 `json:"server_time"`
}

// HeartbeatRequest is the outbound report of a non-connectable node.
// Record and State describe the sender; Records/States carry any other
// changes the sender accumulated after Since (populated by a
// demoting Temp-Full flushing what it collected while acting as Full,
// and by non-connectable Full nodes syncing client-side).
type HeartbeatRequest struct {
	Record NodeRecord `json:"record"`
	State  NodeState  `json:"state"`
	Since  int64      `json:"since"`

	Records []NodeRecord `json:"records,omitempty"`
	States  []NodeState  `json:"states,omitempty"`

	// TaskResults reports tasks completed since the last successful
	// heartbeat. Delivery is at-least-once; receivers de-duplicate
	// by task ID.
	TaskResults []TaskResult `json:"task_results,omitempty"`
}

// HeartbeatResponse returns the receiver's incremental view plus any
// tasks queued for the caller. This is the pull-based task channel
// that reaches NAT'd nodes without an inbound connection.
type HeartbeatResponse struct {
	Records []NodeRecord `json:"records,omitempty"`
	States  []NodeState  `json:"states,omitempty"`

	PendingTasks []Task `json:"pending_tasks,omitempty"`

	// Trusted reports whether the receiver has approved the sender.
	// Records, States, and PendingTasks stay empty until it is true,
	// and the sender holds its cursor on a false answer.
	Trusted bool `json:"trusted"`

	ServerTime int64 `json:"server_time"`
}

// JoinRequest asks a target node's network for membership. The record
// must carry the requester's public key; the signature headers on the
// HTTP call prove possession of the matching private key.
type JoinRequest struct {
	Record NodeRecord `json:"record"`
}

// JoinResponse reports the trust decision: TrustTrusted when the
// target's policy auto-approves, otherwise TrustPending from the
// target's perspective (the requester stores TrustWaitingApproval and
// polls). Target is the responder's own record so the requester can
// register it.
type JoinResponse struct {
	Status TrustStatus `json:"status"`
	Target NodeRecord  `json:"target"`
}

// ExecRequest pushes a task to a connectable node for immediate
// execution, bypassing the heartbeat queue. Used by a Full node when
// the task's target is directly reachable.
type ExecRequest struct {
	SenderID string `json:"sender_id"`
	Task     Task   `json:"task"`
}

// ExecResponse carries the execution result back on the same call.
type ExecResponse struct {
	Result TaskResult `json:"result"`
}

// ErrorResponse is the JSON body of a non-2xx peer or admin response.
// Code distinguishes rejection classes the caller reacts to:
// "unauthenticated" (secret or signature mismatch) versus "kicked"
// (cryptographically valid caller that has been expelled).
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
