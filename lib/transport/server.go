// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/chhuo/server-farm/lib/audit"
	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/executor"
	"github.com/chhuo/server-farm/lib/identity"
	"github.com/chhuo/server-farm/lib/registry"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/tasks"
	"github.com/chhuo/server-farm/lib/telemetry"
	"github.com/chhuo/server-farm/lib/trust"
)

// maxBodyBytes bounds request bodies. Registry deltas for realistic
// fleets are far below this.
const maxBodyBytes = 8 << 20

// SyncHandler answers gossip exchanges. Implemented by lib/gossip.
type SyncHandler interface {
	HandleSync(ctx context.Context, request schema.SyncRequest) (schema.SyncResponse, error)
}

// HeartbeatHandler answers heartbeats. Implemented by lib/heartbeat.
type HeartbeatHandler interface {
	HandleHeartbeat(ctx context.Context, request schema.HeartbeatRequest) (schema.HeartbeatResponse, error)
}

// TaskRunner executes a command locally. Implemented by lib/executor.
type TaskRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (executor.Result, error)
}

// ExecCaller pushes a task to a reachable target for immediate
// execution. Implemented by *Client.
type ExecCaller interface {
	Exec(ctx context.Context, baseURL string, request schema.ExecRequest) (schema.ExecResponse, error)
}

// ServerOptions wires the server's collaborators.
type ServerOptions struct {
	Identity *identity.Identity
	Registry *registry.Registry
	Tasks    *tasks.Service
	Trust    *trust.Service

	Sync      SyncHandler
	Heartbeat HeartbeatHandler

	// Runner serves inbound direct-execution requests; Exec forwards
	// tasks to connectable targets. Either may be nil, in which case
	// tasks for that path wait for the target's heartbeat instead.
	Runner TaskRunner
	Exec   ExecCaller

	// Audit records task submissions and serves the admin audit
	// listing. Optional.
	Audit *audit.Log

	Clock   clock.Clock
	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// SelfMode reports the node's current mode for /healthz and the
	// join response's target record.
	SelfMode func() schema.Mode
}

// Server is the HTTP face of a node.
type Server struct {
	opts   ServerOptions
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer builds the route table.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{opts: opts, logger: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /api/v1/peer/sync", s.peerAuth(s.handleSync))
	s.mux.HandleFunc("POST /api/v1/peer/heartbeat", s.peerAuth(s.handleHeartbeat))
	s.mux.HandleFunc("POST /api/v1/peer/join", s.peerAuth(s.handleJoin))
	s.mux.HandleFunc("POST /api/v1/peer/exec", s.peerAuth(s.handleExec))

	s.mux.HandleFunc("GET /api/v1/nodes", s.adminAuth(s.handleListNodes))
	s.mux.HandleFunc("POST /api/v1/nodes/{id}/approve", s.adminAuth(s.handleApprove))
	s.mux.HandleFunc("POST /api/v1/nodes/{id}/reject", s.adminAuth(s.handleReject))
	s.mux.HandleFunc("POST /api/v1/nodes/{id}/kick", s.adminAuth(s.handleKick))

	s.mux.HandleFunc("GET /api/v1/tasks", s.adminAuth(s.handleListTasks))
	s.mux.HandleFunc("POST /api/v1/tasks", s.adminAuth(s.handleCreateTask))
	s.mux.HandleFunc("GET /api/v1/tasks/{id}", s.adminAuth(s.handleGetTask))

	s.mux.HandleFunc("GET /api/v1/audit", s.adminAuth(s.handleListAudit))

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	return s
}

// Handler returns the route table for mounting (tests).
func (s *Server) Handler() http.Handler { return s.mux }

// signedBody is a request body that passed authentication, plus the
// verified sender ID (empty on admin routes).
type signedBody struct {
	sender string
	body   []byte
}

type authedHandler func(w http.ResponseWriter, r *http.Request, in signedBody)

// peerAuth enforces the shared secret and the signature headers. The
// signature is checked against the sender's registered public key; a
// sender the registry does not know yet (first join) passes the
// body-hash and timestamp checks only.
func (s *Server) peerAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}
		if r.Header.Get(HeaderSecret) != s.opts.Identity.SharedSecret {
			s.writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "bad shared secret")
			return
		}

		claimed := r.Header.Get(identity.HeaderNodeID)
		var publicKey string
		if record, found, err := s.opts.Registry.Get(r.Context(), claimed); err != nil {
			s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "registry unavailable")
			return
		} else if found {
			publicKey = record.PublicKey
		}

		sender, err := identity.VerifyRequest(r.Header, body, publicKey, s.opts.Clock.Now())
		if err != nil {
			s.logger.Warn("rejecting unauthenticated peer request",
				"path", r.URL.Path, "claimed", claimed, "error", err)
			s.writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "bad signature")
			return
		}
		next(w, r, signedBody{sender: sender, body: body})
	}
}

// adminAuth enforces the shared secret only. Admin calls come from the
// CLI on the operator's machine, which has the secret but not a node
// key.
func (s *Server) adminAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}
		if r.Header.Get(HeaderSecret) != s.opts.Identity.SharedSecret {
			s.writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "bad shared secret")
			return
		}
		next(w, r, signedBody{body: body})
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, CodeInternal, "body too large")
		return nil, false
	}
	return body, true
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, in signedBody) {
	var request schema.SyncRequest
	if err := json.Unmarshal(in.body, &request); err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "malformed sync request")
		return
	}
	if request.SenderID != in.sender {
		s.writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "sender mismatch")
		return
	}

	response, err := s.opts.Sync.HandleSync(r.Context(), request)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, response)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, in signedBody) {
	var request schema.HeartbeatRequest
	if err := json.Unmarshal(in.body, &request); err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "malformed heartbeat request")
		return
	}
	if request.Record.NodeID != in.sender {
		s.writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "sender mismatch")
		return
	}

	response, err := s.opts.Heartbeat.HandleHeartbeat(r.Context(), request)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, response)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, in signedBody) {
	var request schema.JoinRequest
	if err := json.Unmarshal(in.body, &request); err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "malformed join request")
		return
	}
	if request.Record.NodeID != in.sender {
		s.writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "sender mismatch")
		return
	}

	status, err := s.opts.Trust.HandleJoin(r.Context(), request)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.JoinsReceived.WithLabelValues(string(status)).Inc()
	}

	target := s.opts.Identity.SelfRecord(s.opts.SelfMode())
	s.writeJSON(w, r, http.StatusOK, schema.JoinResponse{Status: status, Target: target})
}

// handleExec runs a pushed task immediately. Only the node named as
// the task's target executes; a mismatch means a stale record led the
// sender here.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request, in signedBody) {
	var request schema.ExecRequest
	if err := json.Unmarshal(in.body, &request); err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "malformed exec request")
		return
	}
	if request.SenderID != in.sender {
		s.writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "sender mismatch")
		return
	}
	if kicked, err := s.opts.Registry.IsKicked(r.Context(), request.SenderID); err != nil {
		s.writeDomainError(w, r, err)
		return
	} else if kicked {
		s.writeDomainError(w, r, trust.ErrKicked)
		return
	}
	if request.Task.TargetNodeID != s.opts.Identity.NodeID {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "not the task's target")
		return
	}
	if s.opts.Runner == nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, "execution not available")
		return
	}

	timeout := time.Duration(request.Task.TimeoutSeconds) * time.Second
	result, err := s.opts.Runner.Run(r.Context(), request.Task.Command, timeout)
	report := executor.Report(request.Task.TaskID, s.opts.Clock.Now().Unix(), result, err)
	if s.opts.Metrics != nil {
		s.opts.Metrics.TasksExecuted.WithLabelValues(string(report.Status)).Inc()
	}
	s.writeJSON(w, r, http.StatusOK, schema.ExecResponse{Result: report})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request, in signedBody) {
	records, err := s.opts.Registry.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	states, err := s.opts.Registry.ListStates(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	stateByID := make(map[string]schema.NodeState, len(states))
	for _, state := range states {
		stateByID[state.NodeID] = state
	}
	type nodeView struct {
		Record schema.NodeRecord `json:"record"`
		State  *schema.NodeState `json:"state,omitempty"`
	}
	views := make([]nodeView, 0, len(records))
	for _, record := range records {
		view := nodeView{Record: record}
		if state, ok := stateByID[record.NodeID]; ok {
			view.State = &state
		}
		views = append(views, view)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.KnownNodes.Set(float64(len(records)))
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, in signedBody) {
	record, err := s.opts.Trust.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, record)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request, in signedBody) {
	if err := s.opts.Trust.Reject(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request, in signedBody) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(in.body, &body)

	record, err := s.opts.Trust.Kick(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, record)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, in signedBody) {
	all, err := s.opts.Tasks.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, all)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, in signedBody) {
	var body struct {
		TargetNodeID   string `json:"target_node_id"`
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(in.body, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, "malformed task request")
		return
	}

	task, err := s.opts.Tasks.Create(r.Context(), body.TargetNodeID, body.Command, body.TimeoutSeconds, "admin")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.TasksCreated.Inc()
	}
	if s.opts.Audit != nil {
		_ = s.opts.Audit.Append(r.Context(), "task.create", "admin", task.TaskID, task.Command)
	}

	task = s.tryDirectExec(r.Context(), task)
	s.writeJSON(w, r, http.StatusCreated, task)
}

// tryDirectExec runs the task now if the target is this node or a
// reachable trusted peer. On any failure the task simply stays queued
// for the target's next heartbeat; direct execution is an optimization,
// not a second delivery guarantee.
func (s *Server) tryDirectExec(ctx context.Context, task schema.Task) schema.Task {
	var report schema.TaskResult
	switch {
	case task.TargetNodeID == s.opts.Identity.NodeID && s.opts.Runner != nil:
		timeout := time.Duration(task.TimeoutSeconds) * time.Second
		result, err := s.opts.Runner.Run(ctx, task.Command, timeout)
		report = executor.Report(task.TaskID, s.opts.Clock.Now().Unix(), result, err)
		if s.opts.Metrics != nil {
			s.opts.Metrics.TasksExecuted.WithLabelValues(string(report.Status)).Inc()
		}
	case s.opts.Exec != nil:
		record, found, err := s.opts.Registry.Get(ctx, task.TargetNodeID)
		if err != nil || !found || !record.Connectable || record.TrustStatus != schema.TrustTrusted {
			return task
		}
		response, err := s.opts.Exec.Exec(ctx, record.URL(), schema.ExecRequest{
			SenderID: s.opts.Identity.NodeID,
			Task:     task,
		})
		if err != nil {
			s.logger.Warn("direct execution failed, task stays queued",
				"task_id", task.TaskID, "target", task.TargetNodeID, "error", err)
			return task
		}
		report = response.Result
	default:
		return task
	}

	if err := s.opts.Tasks.ReportResult(ctx, report); err != nil {
		s.logger.Error("recording direct execution result", "task_id", task.TaskID, "error", err)
		return task
	}
	completed, found, err := s.opts.Tasks.Get(ctx, task.TaskID)
	if err != nil || !found {
		return task
	}
	return completed
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request, in signedBody) {
	if s.opts.Audit == nil {
		s.writeJSON(w, r, http.StatusOK, []audit.Entry{})
		return
	}
	entries, err := s.opts.Audit.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.writeJSON(w, r, http.StatusOK, entries)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, in signedBody) {
	task, found, err := s.opts.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, http.StatusNotFound, CodeNotFound, "no such task")
		return
	}
	s.writeJSON(w, r, http.StatusOK, task)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": s.opts.Identity.NodeID,
		"mode":    string(s.opts.SelfMode()),
	})
}

// writeDomainError maps engine errors onto the wire contract.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, trust.ErrKicked):
		s.writeError(w, r, http.StatusForbidden, CodeKicked, "node is kicked")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		s.writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
	s.count(r, status)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(schema.ErrorResponse{Code: code, Error: message})
	s.count(r, status)
}

func (s *Server) count(r *http.Request, status int) {
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.RequestsServed.WithLabelValues(r.URL.Path, strconv.Itoa(status)).Inc()
}

// ListenAndServe runs the server on addr until ctx is cancelled, then
// drains with a short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	go func() { errs <- server.ListenAndServe() }()

	select {
	case err := <-errs:
		return fmt.Errorf("transport: serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("transport: shutdown: %w", err)
	}
	return nil
}
