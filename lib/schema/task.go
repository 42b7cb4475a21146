// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// TaskStatus is the lifecycle state of a dispatch task.
type TaskStatus string

const (
	// TaskPending is created and waiting for the target's next
	// heartbeat.
	TaskPending TaskStatus = "pending"

	// TaskRunning has been delivered to the target.
	TaskRunning TaskStatus = "running"

	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"

	// TaskTimeout is set either by the executor when the command
	// exceeded its own timeout, or by the server role when a task
	// was never collected within the configured max age.
	TaskTimeout TaskStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimeout
}

// Task is a command dispatched to a node that cannot be reached
// directly. It rides the heartbeat channel: delivered in heartbeat
// responses, its result returned in a later heartbeat request.
type Task struct {
	TaskID       string     `json:"task_id" cbor:"task_id"`
	TargetNodeID string     `json:"target_node_id" cbor:"target_node_id"`
	Command      string     `json:"command" cbor:"command"`
	Status       TaskStatus `json:"status" cbor:"status"`
	CreatedAt    int64      `json:"created_at" cbor:"created_at"`
	StartedAt    int64      `json:"started_at,omitempty" cbor:"started_at,omitempty"`
	CompletedAt  int64      `json:"completed_at,omitempty" cbor:"completed_at,omitempty"`

	// TimeoutSeconds bounds the command's execution on the target.
	TimeoutSeconds int `json:"timeout_seconds" cbor:"timeout_seconds"`

	ExitCode  int    `json:"exit_code,omitempty" cbor:"exit_code,omitempty"`
	Stdout    string `json:"stdout,omitempty" cbor:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty" cbor:"stderr,omitempty"`
	CreatedBy string `json:"created_by,omitempty" cbor:"created_by,omitempty"`
}

// TaskResult is the completion report a relay piggybacks on its next
// heartbeat after executing a delivered task.
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	ExitCode    int        `json:"exit_code"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	CompletedAt int64      `json:"completed_at"`
}
