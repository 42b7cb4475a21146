// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/executor"
	"github.com/chhuo/server-farm/lib/mode"
	"github.com/chhuo/server-farm/lib/registry"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/telemetry"
	"github.com/chhuo/server-farm/lib/trust"
)

// PeerClient is the outbound half lib/transport implements.
type PeerClient interface {
	Heartbeat(ctx context.Context, baseURL string, request schema.HeartbeatRequest) (schema.HeartbeatResponse, error)
}

// TaskRunner executes a delivered command. Implemented by
// lib/executor.
type TaskRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (executor.Result, error)
}

// Collector produces the system info snapshot for the self state.
// Implemented by lib/sysinfo.
type Collector interface {
	Collect() json.RawMessage
}

// SelfRecorder produces the local node's record for a given mode.
// Implemented by lib/identity.
type SelfRecorder interface {
	SelfRecord(mode schema.Mode) schema.NodeRecord
}

// Options configures the client engine.
type Options struct {
	SelfID      string
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int

	// PrimaryServer is the bootstrap peer URL used until the registry
	// knows any Full peer. Empty on Full nodes.
	PrimaryServer string

	Logger *slog.Logger
}

// Engine is the heartbeat client loop.
type Engine struct {
	registry *registry.Registry
	modes    *mode.Manager
	client   PeerClient
	runner   TaskRunner
	collect  Collector
	self     SelfRecorder
	clk      clock.Clock
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	opts     Options

	mu sync.Mutex
	// failures counts consecutive failed contacts per peer URL.
	failures map[string]int
	// lastSuccess is the peer URL that most recently answered; it is
	// tried first so a stable relationship keeps its cursor warm.
	lastSuccess string
	// rrIndex rotates the fallback order through the peer list.
	rrIndex int
	// results queues task results until a heartbeat delivers them.
	results []schema.TaskResult
	// inflight holds task IDs currently executing. Delivery is
	// at-least-once, so a redelivered copy of a still-running task
	// must not start a second process.
	inflight map[string]bool

	// execSlots caps concurrent task executions.
	execSlots chan struct{}
}

// maxConcurrentTasks bounds how many delivered tasks run at once.
const maxConcurrentTasks = 4

// New returns a heartbeat Engine.
func New(reg *registry.Registry, modes *mode.Manager, client PeerClient, runner TaskRunner, collect Collector, self SelfRecorder, clk clock.Clock, metrics *telemetry.Metrics, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		registry:  reg,
		modes:     modes,
		client:    client,
		runner:    runner,
		collect:   collect,
		self:      self,
		clk:       clk,
		metrics:   metrics,
		logger:    opts.Logger,
		opts:      opts,
		failures:  make(map[string]int),
		inflight:  make(map[string]bool),
		execSlots: make(chan struct{}, maxConcurrentTasks),
	}
}

// Run loops heartbeats until ctx is cancelled. Full nodes that are
// connectable do not heartbeat (gossip covers them); everything else
// does.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clk.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.RunOnce(ctx)
	}
}

// peerTarget is one heartbeat destination.
type peerTarget struct {
	nodeID string // empty for the configured primary server
	url    string
}

// RunOnce sends one heartbeat to the best peer, walking the candidate
// order until one answers. Failure bookkeeping and promotion happen
// here.
func (e *Engine) RunOnce(ctx context.Context) {
	peers, err := e.peerOrder(ctx)
	if err != nil {
		e.logger.Error("listing heartbeat peers", "error", err)
		return
	}
	if len(peers) == 0 {
		e.logger.Warn("no heartbeat peer known and no primary server configured")
		return
	}

	for _, peer := range peers {
		err := e.beat(ctx, peer)
		if err == nil {
			e.noteSuccess(peer)
			e.metrics.HeartbeatsSent.WithLabelValues("success").Inc()
			return
		}
		if errors.Is(err, trust.ErrKicked) {
			// Expelled. Stop trying other peers this round; the
			// daemon keeps running read-only.
			e.logger.Error("heartbeat rejected, this node is kicked", "peer", peer.url)
			e.metrics.HeartbeatsSent.WithLabelValues("kicked").Inc()
			return
		}
		e.logger.Warn("heartbeat failed", "peer", peer.url, "error", err)
		e.metrics.HeartbeatsSent.WithLabelValues("failure").Inc()
		e.noteFailure(peer)
	}

	if e.allPeersFailing(peers) && e.modes.Promote() {
		e.metrics.ModePromotions.Inc()
	}
}

// peerOrder returns heartbeat candidates: last successful peer first,
// then the remaining Full peers rotated round-robin, then the
// configured primary server when the registry is empty of peers.
func (e *Engine) peerOrder(ctx context.Context) ([]peerTarget, error) {
	records, err := e.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []peerTarget
	for _, record := range records {
		if record.NodeID == e.opts.SelfID || record.TrustStatus != schema.TrustTrusted {
			continue
		}
		if !record.Connectable || !record.Mode.ActsAsFull() {
			continue
		}
		candidates = append(candidates, peerTarget{nodeID: record.NodeID, url: record.URL()})
	}
	if len(candidates) == 0 {
		if e.opts.PrimaryServer == "" {
			return nil, nil
		}
		return []peerTarget{{url: e.opts.PrimaryServer}}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rotated := make([]peerTarget, 0, len(candidates))
	for i := range candidates {
		rotated = append(rotated, candidates[(e.rrIndex+i)%len(candidates)])
	}
	e.rrIndex = (e.rrIndex + 1) % len(candidates)

	if e.lastSuccess != "" {
		for i, peer := range rotated {
			if peer.url == e.lastSuccess && i != 0 {
				rotated[0], rotated[i] = rotated[i], rotated[0]
				break
			}
		}
	}
	return rotated, nil
}

// beat performs one heartbeat to one peer.
func (e *Engine) beat(ctx context.Context, peer peerTarget) error {
	currentMode := e.modes.Current()
	record := e.self.SelfRecord(currentMode)
	if err := e.registry.UpsertSelf(ctx, record); err != nil {
		return err
	}
	// Read back the stamped copy so the wire carries real logical
	// time.
	record, _, err := e.registry.Get(ctx, e.opts.SelfID)
	if err != nil {
		return err
	}

	cursorKey := peer.nodeID
	if cursorKey == "" {
		cursorKey = "primary"
	}
	cursor, err := e.registry.Cursor(ctx, cursorKey)
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

	now := e.clk.Now().Unix()
	state := schema.NodeState{
		NodeID:     e.opts.SelfID,
		Status:     schema.StatusOnline,
		LastSeen:   now,
		SystemInfo: e.collect.Collect(),
		UpdatedAt:  now,
	}

	pendingResults := e.takeResults()
	request := schema.HeartbeatRequest{
		Record:      record,
		State:       state,
		Since:       cursor,
		Records:     records,
		States:      states,
		TaskResults: pendingResults,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	response, err := e.client.Heartbeat(callCtx, peer.url, request)
	if err != nil {
		// Results go back on the queue for the next attempt.
		e.requeueResults(pendingResults)
		return err
	}

	if !response.Trusted {
		// The peer answered but has not approved this node: it
		// withheld its data, so the cursor stays put. Moving it to
		// the reported server time would skip everything withheld
		// once approval lands.
		e.requeueResults(pendingResults)
		e.logger.Info("peer has not approved this node yet, holding cursor", "peer", peer.url)
		return nil
	}

	if _, _, err := e.registry.MergeBatch(ctx, response.Records, response.States); err != nil {
		return err
	}
	if err := e.registry.AdvanceCursor(ctx, cursorKey, response.ServerTime); err != nil {
		return err
	}
	if peer.nodeID != "" {
		if err := e.registry.RecordSeen(ctx, peer.nodeID, nil); err != nil {
			return err
		}
	}

	// A Temp-Full that just reached a Full peer returns to relay.
	// The flush already happened: this request carried everything
	// since the cursor.
	if currentMode == schema.ModeTempFull && e.modes.Demote() {
		e.metrics.ModeDemotions.Inc()
	}

	for _, task := range response.PendingTasks {
		if !e.claimTask(task.TaskID) {
			continue
		}
		go e.execute(ctx, task)
	}
	return nil
}

// claimTask marks a task in flight. False means a previous delivery of
// the same task is still running and this copy must be dropped.
func (e *Engine) claimTask(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[taskID] {
		return false
	}
	e.inflight[taskID] = true
	return true
}

func (e *Engine) releaseTask(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, taskID)
}

// execute runs one delivered task and queues its result for the next
// heartbeat. A slot limits concurrency; a task that never gets one
// before shutdown stays assigned and is redelivered later.
func (e *Engine) execute(ctx context.Context, task schema.Task) {
	defer e.releaseTask(task.TaskID)
	select {
	case e.execSlots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-e.execSlots }()

	e.logger.Info("executing delivered task", "task_id", task.TaskID, "command", task.Command)

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	result, err := e.runner.Run(ctx, task.Command, timeout)

	report := executor.Report(task.TaskID, e.clk.Now().Unix(), result, err)
	e.metrics.TasksExecuted.WithLabelValues(string(report.Status)).Inc()

	e.mu.Lock()
	e.results = append(e.results, report)
	e.mu.Unlock()
}

// QueueResult adds a task result for the next heartbeat. Exposed for
// direct-execution paths outside the engine.
func (e *Engine) QueueResult(result schema.TaskResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, result)
}

func (e *Engine) takeResults() []schema.TaskResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	taken := e.results
	e.results = nil
	return taken
}

func (e *Engine) requeueResults(results []schema.TaskResult) {
	if len(results) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(results, e.results...)
}

func (e *Engine) noteSuccess(peer peerTarget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[peer.url] = 0
	e.lastSuccess = peer.url
}

func (e *Engine) noteFailure(peer peerTarget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[peer.url]++
}

// allPeersFailing reports whether every candidate has reached the
// consecutive-failure threshold.
func (e *Engine) allPeersFailing(peers []peerTarget) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, peer := range peers {
		if e.failures[peer.url] < e.opts.MaxFailures {
			return false
		}
	}
	return len(peers) > 0
}

// FailureCount exposes a peer's consecutive failures, for tests and
// the admin API.
func (e *Engine) FailureCount(url string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[url]
}
