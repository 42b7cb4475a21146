// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package tasks is the dispatch queue for commands targeting nodes the
// caller cannot reach directly. Tasks persist in the record store and
// ride the heartbeat channel: PendingFor hands them out when a target
// heartbeats, ReportResult applies completion reports. Delivery is
// at-least-once; results de-duplicate on the terminal status.
package tasks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/codec"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/storage"
)

const keyPrefix = "task/"

// Service manages the persisted task queue.
type Service struct {
	store  *storage.Store
	clk    clock.Clock
	logger *slog.Logger

	// check validates commands at submission; nil accepts anything.
	check func(command string) error
}

// New returns a task Service. check (usually the executor's blacklist
// check) rejects commands at creation time.
func New(store *storage.Store, clk clock.Clock, check func(string) error, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{store: store, clk: clk, check: check, logger: logger}
}

// Create queues a command for targetNodeID. timeoutSeconds of zero
// leaves the target's executor default in force.
func (s *Service) Create(ctx context.Context, targetNodeID, command string, timeoutSeconds int, createdBy string) (schema.Task, error) {
	if err := schema.ValidateNodeID(targetNodeID); err != nil {
		return schema.Task{}, fmt.Errorf("tasks: %w", err)
	}
	if command == "" {
		return schema.Task{}, fmt.Errorf("tasks: command is empty")
	}
	if s.check != nil {
		if err := s.check(command); err != nil {
			return schema.Task{}, fmt.Errorf("tasks: %w", err)
		}
	}

	task := schema.Task{
		TaskID:         newTaskID(),
		TargetNodeID:   targetNodeID,
		Command:        command,
		Status:         schema.TaskPending,
		CreatedAt:      s.clk.Now().Unix(),
		TimeoutSeconds: timeoutSeconds,
		CreatedBy:      createdBy,
	}
	if err := s.put(ctx, task); err != nil {
		return schema.Task{}, err
	}
	s.logger.Info("task created", "task_id", task.TaskID, "target", targetNodeID)
	return task, nil
}

// Get returns one task by ID.
func (s *Service) Get(ctx context.Context, taskID string) (schema.Task, bool, error) {
	raw, found, err := s.store.Get(ctx, keyPrefix+taskID)
	if err != nil || !found {
		return schema.Task{}, false, err
	}
	var task schema.Task
	if err := codec.Unmarshal(raw, &task); err != nil {
		return schema.Task{}, false, fmt.Errorf("tasks: decoding %q: %w", taskID, err)
	}
	return task, true, nil
}

// List returns every task, oldest first.
func (s *Service) List(ctx context.Context) ([]schema.Task, error) {
	var all []schema.Task
	err := s.store.List(ctx, keyPrefix, func(key string, value []byte) error {
		var task schema.Task
		if err := codec.Unmarshal(value, &task); err != nil {
			return fmt.Errorf("decoding %q: %w", key, err)
		}
		all = append(all, task)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tasks: list: %w", err)
	}
	// Keys are random IDs, so sort by creation for operator sanity.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].CreatedAt < all[j-1].CreatedAt; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	return all, nil
}

// PendingFor returns targetNodeID's pending tasks and marks them
// running. Redelivery of a running task happens only through the
// timeout sweep returning it to pending, never silently.
func (s *Service) PendingFor(ctx context.Context, targetNodeID string) ([]schema.Task, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var delivered []schema.Task
	now := s.clk.Now().Unix()
	for _, task := range all {
		if task.TargetNodeID != targetNodeID || task.Status != schema.TaskPending {
			continue
		}
		taskID := task.TaskID
		err := s.store.Update(ctx, keyPrefix+taskID, func(current []byte, found bool) ([]byte, error) {
			if !found {
				return nil, nil
			}
			var stored schema.Task
			if err := codec.Unmarshal(current, &stored); err != nil {
				return nil, fmt.Errorf("decoding stored task: %w", err)
			}
			if stored.Status != schema.TaskPending {
				return current, nil
			}
			stored.Status = schema.TaskRunning
			stored.StartedAt = now
			delivered = append(delivered, stored)
			return codec.Marshal(stored)
		})
		if err != nil {
			return delivered, fmt.Errorf("tasks: delivering %q: %w", taskID, err)
		}
	}
	return delivered, nil
}

// ReportResult applies a completion report. Reports for unknown tasks
// and repeat reports for already-terminal tasks are ignored, which
// makes at-least-once result delivery safe.
func (s *Service) ReportResult(ctx context.Context, result schema.TaskResult) error {
	err := s.store.Update(ctx, keyPrefix+result.TaskID, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, nil
		}
		var stored schema.Task
		if err := codec.Unmarshal(current, &stored); err != nil {
			return nil, fmt.Errorf("decoding stored task: %w", err)
		}
		if stored.Status.Terminal() {
			return current, nil
		}
		if !result.Status.Terminal() {
			return current, nil
		}
		stored.Status = result.Status
		stored.ExitCode = result.ExitCode
		stored.Stdout = result.Stdout
		stored.Stderr = result.Stderr
		stored.CompletedAt = result.CompletedAt
		if stored.CompletedAt == 0 {
			stored.CompletedAt = s.clk.Now().Unix()
		}
		return codec.Marshal(stored)
	})
	if err != nil {
		return fmt.Errorf("tasks: reporting %q: %w", result.TaskID, err)
	}
	return nil
}

// ReportResults applies a batch, continuing past individual failures.
func (s *Service) ReportResults(ctx context.Context, results []schema.TaskResult) error {
	for _, result := range results {
		if err := s.ReportResult(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// SweepTimeouts marks tasks timeout whose target never finished them:
// pending tasks never collected within maxAge, and running tasks whose
// own execution deadline plus maxAge has lapsed without a result (the
// target likely died mid-task). Returns how many were marked.
func (s *Service) SweepTimeouts(ctx context.Context, maxAge time.Duration) (int, error) {
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clk.Now().Unix()
	deadline := now - int64(maxAge.Seconds())
	marked := 0
	for _, task := range all {
		var expired bool
		switch task.Status {
		case schema.TaskPending:
			expired = task.CreatedAt <= deadline
		case schema.TaskRunning:
			expired = task.StartedAt+int64(task.TimeoutSeconds) <= deadline
		default:
			continue
		}
		if !expired {
			continue
		}

		taskID := task.TaskID
		err := s.store.Update(ctx, keyPrefix+taskID, func(current []byte, found bool) ([]byte, error) {
			if !found {
				return nil, nil
			}
			var stored schema.Task
			if err := codec.Unmarshal(current, &stored); err != nil {
				return nil, fmt.Errorf("decoding stored task: %w", err)
			}
			if stored.Status.Terminal() {
				return current, nil
			}
			stored.Status = schema.TaskTimeout
			stored.CompletedAt = now
			marked++
			return codec.Marshal(stored)
		})
		if err != nil {
			return marked, fmt.Errorf("tasks: sweeping %q: %w", taskID, err)
		}
	}
	if marked > 0 {
		s.logger.Info("task sweep marked timeouts", "count", marked)
	}
	return marked, nil
}

func (s *Service) put(ctx context.Context, task schema.Task) error {
	encoded, err := codec.Marshal(task)
	if err != nil {
		return fmt.Errorf("tasks: encoding %q: %w", task.TaskID, err)
	}
	if err := s.store.Set(ctx, keyPrefix+task.TaskID, encoded); err != nil {
		return fmt.Errorf("tasks: storing %q: %w", task.TaskID, err)
	}
	return nil
}

func newTaskID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "task-" + hex.EncodeToString(b)
}
