// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"log/slog"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/registry"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/tasks"
	"github.com/chhuo/server-farm/lib/telemetry"
	"github.com/chhuo/server-farm/lib/trust"
)

// Server answers inbound heartbeats on a node serving the Full role.
type Server struct {
	registry    *registry.Registry
	tasks       *tasks.Service
	clk         clock.Clock
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	autoApprove bool
}

// NewServer returns a heartbeat Server. autoApprove mirrors the trust
// service's join policy for senders the registry has never seen.
func NewServer(reg *registry.Registry, taskService *tasks.Service, clk clock.Clock, metrics *telemetry.Metrics, autoApprove bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		registry:    reg,
		tasks:       taskService,
		clk:         clk,
		metrics:     metrics,
		logger:      logger,
		autoApprove: autoApprove,
	}
}

// HandleHeartbeat processes one inbound heartbeat. A kicked sender is
// refused; an unknown sender is recorded pending (or trusted under
// auto-approve) and gets neither registry data nor tasks until
// approved.
func (s *Server) HandleHeartbeat(ctx context.Context, request schema.HeartbeatRequest) (schema.HeartbeatResponse, error) {
	sender := request.Record.NodeID
	if err := schema.ValidateNodeID(sender); err != nil {
		return schema.HeartbeatResponse{}, err
	}

	existing, known, err := s.registry.Get(ctx, sender)
	if err != nil {
		return schema.HeartbeatResponse{}, err
	}
	if known && existing.TrustStatus == schema.TrustKicked {
		return schema.HeartbeatResponse{}, trust.ErrKicked
	}

	serverTime := s.clk.Now().Unix()

	// The sender's record arrives stamped "self" from its own
	// perspective; store it under the trust status this node holds
	// for it.
	record := request.Record
	switch {
	case known:
		record.TrustStatus = existing.TrustStatus
	case s.autoApprove:
		record.TrustStatus = schema.TrustTrusted
	default:
		record.TrustStatus = schema.TrustPending
		s.logger.Info("heartbeat from unknown node, recording as pending",
			"node_id", sender, "fingerprint", record.Fingerprint)
	}
	if _, err := s.registry.MergeRecord(ctx, record); err != nil {
		return schema.HeartbeatResponse{}, err
	}

	if _, err := s.registry.MergeState(ctx, request.State); err != nil {
		return schema.HeartbeatResponse{}, err
	}
	if err := s.registry.RecordSeen(ctx, sender, request.State.SystemInfo); err != nil {
		return schema.HeartbeatResponse{}, err
	}

	trusted := known && existing.TrustStatus == schema.TrustTrusted ||
		!known && s.autoApprove

	// An unapproved sender registers itself and nothing more: its
	// piggybacked batch and task results are dropped, and the
	// response carries Trusted=false so the sender holds its cursor
	// instead of advancing past data it was never given.
	response := schema.HeartbeatResponse{ServerTime: serverTime, Trusted: trusted}
	if trusted {
		appliedRecords, appliedStates, err := s.registry.MergeBatch(ctx, request.Records, request.States)
		if err != nil {
			return schema.HeartbeatResponse{}, err
		}
		s.metrics.RecordsMerged.Add(float64(appliedRecords))
		s.metrics.StatesMerged.Add(float64(appliedStates))

		if err := s.tasks.ReportResults(ctx, request.TaskResults); err != nil {
			return schema.HeartbeatResponse{}, err
		}

		response.Records, err = s.registry.RecordsSince(ctx, request.Since)
		if err != nil {
			return schema.HeartbeatResponse{}, err
		}
		response.States, err = s.registry.StatesSince(ctx, request.Since)
		if err != nil {
			return schema.HeartbeatResponse{}, err
		}
		response.PendingTasks, err = s.tasks.PendingFor(ctx, sender)
		if err != nil {
			return schema.HeartbeatResponse{}, err
		}
	}

	s.metrics.HeartbeatsReceived.Inc()
	return response, nil
}
