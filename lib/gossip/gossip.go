// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package gossip runs the anti-entropy exchange between connectable
// Full nodes. Each cycle samples up to MaxFanout trusted peers, pushes
// everything changed since that peer's cursor, merges what comes back,
// and advances the cursor to the peer's reported server time.
//
// The cycle period is jittered ±20% so a fleet started together does
// not sync in lockstep. Pairwise exchange plus random peer choice gives
// O(log n) convergence without any node holding a member list lock.
package gossip

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/registry"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/telemetry"
	"github.com/chhuo/server-farm/lib/trust"
)

// PeerClient is the outbound half lib/transport implements.
type PeerClient interface {
	Sync(ctx context.Context, baseURL string, request schema.SyncRequest) (schema.SyncResponse, error)
}

// Options configures an Engine.
type Options struct {
	SelfID   string
	Interval time.Duration
	Timeout  time.Duration
	Fanout   int

	// ActsAsFull gates each cycle: only nodes currently serving the
	// Full role gossip. Wired to the mode manager.
	ActsAsFull func() bool

	Logger *slog.Logger

	// Seed pins the jitter and sampling RNG for tests. Zero seeds
	// from the wall clock.
	Seed int64
}

// Engine drives periodic gossip rounds and answers inbound ones.
type Engine struct {
	registry *registry.Registry
	client   PeerClient
	clk      clock.Clock
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	selfID     string
	interval   time.Duration
	timeout    time.Duration
	fanout     int
	actsAsFull func() bool
	rng        *rand.Rand
}

// New returns a gossip Engine.
func New(reg *registry.Registry, client PeerClient, clk clock.Clock, metrics *telemetry.Metrics, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	actsAsFull := opts.ActsAsFull
	if actsAsFull == nil {
		actsAsFull = func() bool { return true }
	}
	return &Engine{
		registry:   reg,
		client:     client,
		clk:        clk,
		metrics:    metrics,
		logger:     logger,
		selfID:     opts.SelfID,
		interval:   opts.Interval,
		timeout:    opts.Timeout,
		fanout:     opts.Fanout,
		actsAsFull: actsAsFull,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Run loops gossip rounds until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clk.After(e.jitteredInterval()):
		}
		if !e.actsAsFull() {
			continue
		}
		e.RunOnce(ctx)
	}
}

// jitteredInterval spreads the period over [0.8, 1.2) of the base.
func (e *Engine) jitteredInterval() time.Duration {
	factor := 0.8 + 0.4*e.rng.Float64()
	return time.Duration(float64(e.interval) * factor)
}

// RunOnce performs one gossip round: sample peers, exchange with each.
func (e *Engine) RunOnce(ctx context.Context) {
	started := time.Now()
	peers, err := e.candidates(ctx)
	if err != nil {
		e.logger.Error("listing gossip candidates", "error", err)
		e.metrics.SyncRounds.WithLabelValues("error").Inc()
		return
	}
	if len(peers) == 0 {
		e.metrics.SyncRounds.WithLabelValues("no_peers").Inc()
		return
	}

	for _, peer := range e.sample(peers) {
		if err := e.Exchange(ctx, peer); err != nil {
			e.logger.Warn("gossip exchange failed",
				"peer", peer.NodeID, "url", peer.URL(), "error", err)
		}
	}
	e.metrics.SyncRounds.WithLabelValues("success").Inc()
	e.metrics.SyncDuration.Observe(time.Since(started).Seconds())
}

// candidates returns the peers eligible for gossip: trusted,
// connectable, currently serving the Full role, and not this node.
func (e *Engine) candidates(ctx context.Context) ([]schema.NodeRecord, error) {
	records, err := e.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	var eligible []schema.NodeRecord
	for _, record := range records {
		if record.NodeID == e.selfID {
			continue
		}
		if record.TrustStatus != schema.TrustTrusted {
			continue
		}
		if !record.Connectable || !record.Mode.ActsAsFull() {
			continue
		}
		eligible = append(eligible, record)
	}
	return eligible, nil
}

// sample picks at most fanout peers uniformly without replacement.
func (e *Engine) sample(peers []schema.NodeRecord) []schema.NodeRecord {
	if len(peers) <= e.fanout {
		return peers
	}
	picked := make([]schema.NodeRecord, len(peers))
	copy(picked, peers)
	e.rng.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	return picked[:e.fanout]
}

// Exchange runs one push-pull with a single peer and advances its
// cursor on success. The cursor moves only after the peer's response
// fully merged, so a failure anywhere re-sends the same window next
// round.
func (e *Engine) Exchange(ctx context.Context, peer schema.NodeRecord) error {
	cursor, err := e.registry.Cursor(ctx, peer.NodeID)
	if err != nil {
		return err
	}
	records, err := e.registry.RecordsSince(ctx, cursor)
	if err != nil {
		return err
	}
	states, err := e.registry.StatesSince(ctx, cursor)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	response, err := e.client.Sync(callCtx, peer.URL(), schema.SyncRequest{
		SenderID: e.selfID,
		Since:    cursor,
		Records:  records,
		States:   states,
	})
	if err != nil {
		return err
	}

	if !response.Trusted {
		// The peer withheld its registry; advancing the cursor to
		// its server time anyway would skip the withheld window once
		// it approves this node.
		e.logger.Info("peer has not approved this node, holding cursor", "peer", peer.NodeID)
		return nil
	}

	appliedRecords, appliedStates, err := e.registry.MergeBatch(ctx, response.Records, response.States)
	if err != nil {
		return err
	}
	e.metrics.RecordsMerged.Add(float64(appliedRecords))
	e.metrics.StatesMerged.Add(float64(appliedStates))

	if err := e.registry.AdvanceCursor(ctx, peer.NodeID, response.ServerTime); err != nil {
		return err
	}
	if err := e.registry.RecordSeen(ctx, peer.NodeID, nil); err != nil {
		return err
	}

	e.logger.Debug("gossip exchange complete",
		"peer", peer.NodeID,
		"sent_records", len(records),
		"received_records", len(response.Records),
		"cursor", response.ServerTime,
	)
	return nil
}

// HandleSync answers an inbound gossip request: merge what the sender
// pushed, return everything changed since the sender's cursor plus the
// current server time. A kicked sender is refused; an unapproved one
// gets an empty Trusted=false answer, the same withholding the
// heartbeat server applies.
func (e *Engine) HandleSync(ctx context.Context, request schema.SyncRequest) (schema.SyncResponse, error) {
	sender, known, err := e.registry.Get(ctx, request.SenderID)
	if err != nil {
		return schema.SyncResponse{}, err
	}
	if known && sender.TrustStatus == schema.TrustKicked {
		return schema.SyncResponse{}, trust.ErrKicked
	}

	// ServerTime is captured before the reads below: records written
	// concurrently with this handler land after it and are re-sent
	// next round, which duplicates work but never loses updates.
	serverTime := e.clk.Now().Unix()

	if !known || sender.TrustStatus != schema.TrustTrusted {
		return schema.SyncResponse{ServerTime: serverTime}, nil
	}

	appliedRecords, appliedStates, err := e.registry.MergeBatch(ctx, request.Records, request.States)
	if err != nil {
		return schema.SyncResponse{}, err
	}
	e.metrics.RecordsMerged.Add(float64(appliedRecords))
	e.metrics.StatesMerged.Add(float64(appliedStates))

	records, err := e.registry.RecordsSince(ctx, request.Since)
	if err != nil {
		return schema.SyncResponse{}, err
	}
	states, err := e.registry.StatesSince(ctx, request.Since)
	if err != nil {
		return schema.SyncResponse{}, err
	}
	if err := e.registry.RecordSeen(ctx, request.SenderID, nil); err != nil {
		return schema.SyncResponse{}, err
	}

	return schema.SyncResponse{
		Records:    records,
		States:     states,
		Trusted:    true,
		ServerTime: serverTime,
	}, nil
}
