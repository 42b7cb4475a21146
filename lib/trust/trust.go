// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust implements membership: inbound join requests and the
// local admin decisions over them (approve, reject, kick), plus the
// outbound join flow a new node runs against an existing network.
//
// Join is idempotent by design — re-sending a join request is also how
// a waiting node polls for its approval. The target answers with the
// requester's current trust status, whatever it is.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/registry"
	"github.com/chhuo/server-farm/lib/schema"
)

// ErrKicked marks a requester the network has expelled. Transport maps
// it to 403 {"code":"kicked"}.
var ErrKicked = errors.New("node is kicked")

// ErrJoinTimeout marks an outbound join that was never approved within
// the configured window.
var ErrJoinTimeout = errors.New("join request timed out waiting for approval")

// AuditLog is the slice of lib/audit the trust service needs.
type AuditLog interface {
	Append(ctx context.Context, action, actor, subject, detail string) error
}

// JoinClient sends a join request to a peer URL. Implemented by
// lib/transport's Client.
type JoinClient interface {
	Join(ctx context.Context, baseURL string, request schema.JoinRequest) (schema.JoinResponse, error)
}

// Service owns the trust lifecycle over the registry.
type Service struct {
	registry    *registry.Registry
	audit       AuditLog
	clk         clock.Clock
	logger      *slog.Logger
	autoApprove bool
}

// New returns a trust Service. autoApprove makes inbound joins trusted
// immediately.
func New(reg *registry.Registry, auditLog AuditLog, clk clock.Clock, autoApprove bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		registry:    reg,
		audit:       auditLog,
		clk:         clk,
		logger:      logger,
		autoApprove: autoApprove,
	}
}

// HandleJoin processes an inbound join request and returns the
// requester's resulting trust status. Re-joins report the current
// status without modifying anything, which makes the call safe to use
// as an approval poll. A kicked requester gets ErrKicked.
func (s *Service) HandleJoin(ctx context.Context, request schema.JoinRequest) (schema.TrustStatus, error) {
	record := request.Record
	if err := schema.ValidateNodeID(record.NodeID); err != nil {
		return "", fmt.Errorf("trust: %w", err)
	}
	if record.PublicKey == "" {
		return "", fmt.Errorf("trust: join request carries no public key")
	}

	existing, found, err := s.registry.Get(ctx, record.NodeID)
	if err != nil {
		return "", err
	}
	if found {
		switch existing.TrustStatus {
		case schema.TrustKicked:
			return "", ErrKicked
		case schema.TrustTrusted, schema.TrustSelf:
			return schema.TrustTrusted, nil
		case schema.TrustPending:
			return schema.TrustPending, nil
		}
	}

	status := schema.TrustPending
	if s.autoApprove {
		status = schema.TrustTrusted
	}

	record.TrustStatus = status
	record.UpdatedAt = s.clk.Now().Unix()
	record.Version = 1
	if applied, err := s.registry.MergeRecord(ctx, record); err != nil {
		return "", err
	} else if !applied {
		// The merge layer rejected it (malformed, future-stamped).
		return "", fmt.Errorf("trust: join record rejected")
	}

	s.logger.Info("join request received",
		"node_id", record.NodeID,
		"fingerprint", record.Fingerprint,
		"status", status,
	)
	if s.audit != nil {
		_ = s.audit.Append(ctx, "node.join", record.NodeID, record.NodeID, string(status))
	}
	return status, nil
}

// Approve marks a pending node trusted.
func (s *Service) Approve(ctx context.Context, nodeID string) (schema.NodeRecord, error) {
	record, found, err := s.registry.Get(ctx, nodeID)
	if err != nil {
		return schema.NodeRecord{}, err
	}
	if !found {
		return schema.NodeRecord{}, fmt.Errorf("trust: unknown node %q", nodeID)
	}
	if record.TrustStatus != schema.TrustPending {
		return schema.NodeRecord{}, fmt.Errorf("trust: node %q is %s, not pending", nodeID, record.TrustStatus)
	}

	approved, err := s.registry.SetTrust(ctx, nodeID, schema.TrustTrusted)
	if err != nil {
		return schema.NodeRecord{}, err
	}
	if s.audit != nil {
		_ = s.audit.Append(ctx, "node.approve", "admin", nodeID, "")
	}
	return approved, nil
}

// Reject forgets a pending node entirely. It may join again later.
func (s *Service) Reject(ctx context.Context, nodeID string) error {
	if err := s.registry.Forget(ctx, nodeID); err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Append(ctx, "node.reject", "admin", nodeID, "")
	}
	return nil
}

// Kick tombstones a node. Terminal: the record stays kicked and
// propagates with precedence until the tombstone TTL (if any) collects
// it.
func (s *Service) Kick(ctx context.Context, nodeID, reason string) (schema.NodeRecord, error) {
	kicked, err := s.registry.SetTrust(ctx, nodeID, schema.TrustKicked)
	if err != nil {
		return schema.NodeRecord{}, err
	}
	s.logger.Warn("node kicked", "node_id", nodeID, "reason", reason)
	if s.audit != nil {
		_ = s.audit.Append(ctx, "node.kick", "admin", nodeID, reason)
	}
	return kicked, nil
}

// RequestJoin runs the outbound join flow against targetURL: send the
// join, register the target's record as waiting_approval, and if the
// answer is pending, poll at pollInterval until approved or timeout.
// The target only becomes a trusted peer once a poll answers trusted,
// so an unapproved node never gossips or heartbeats as if it were a
// member. The caller's own record rides in the request.
func (s *Service) RequestJoin(ctx context.Context, client JoinClient, targetURL string, self schema.NodeRecord, pollInterval, timeout time.Duration) error {
	request := schema.JoinRequest{Record: self}
	deadline := s.clk.Now().Add(timeout)

	for {
		response, err := client.Join(ctx, targetURL, request)
		if err != nil {
			if errors.Is(err, ErrKicked) {
				return fmt.Errorf("trust: join rejected: %w", err)
			}
			s.logger.Warn("join attempt failed", "target", targetURL, "error", err)
		} else {
			if response.Target.NodeID != "" {
				target := response.Target
				target.TrustStatus = schema.TrustWaitingApproval
				if response.Status == schema.TrustTrusted {
					target.TrustStatus = schema.TrustTrusted
				}
				if _, err := s.registry.MergeRecord(ctx, target); err != nil {
					return err
				}
			}
			switch response.Status {
			case schema.TrustTrusted:
				// The target's record timestamps do not change
				// between polls, so the merge above leaves an
				// earlier waiting_approval copy in place. Promote
				// it explicitly.
				if err := s.markJoined(ctx, response.Target.NodeID); err != nil {
					return err
				}
				s.logger.Info("join approved", "target", targetURL)
				if s.audit != nil {
					_ = s.audit.Append(ctx, "node.joined", self.NodeID, response.Target.NodeID, "")
				}
				return nil
			case schema.TrustPending:
				s.logger.Info("join pending approval", "target", targetURL)
			default:
				return fmt.Errorf("trust: unexpected join status %q", response.Status)
			}
		}

		if !s.clk.Now().Add(pollInterval).Before(deadline) {
			return ErrJoinTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(pollInterval):
		}
	}
}

// markJoined upgrades a waiting_approval target to trusted once its
// network has approved this node.
func (s *Service) markJoined(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		return nil
	}
	existing, found, err := s.registry.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if !found || existing.TrustStatus != schema.TrustWaitingApproval {
		return nil
	}
	_, err = s.registry.SetTrust(ctx, nodeID, schema.TrustTrusted)
	return err
}
