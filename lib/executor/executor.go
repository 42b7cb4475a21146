// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs task commands through the shell with a
// deadline, captured output, and a substring blacklist. It is the only
// place in the system that spawns processes for remote input, so the
// safety checks concentrate here.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chhuo/server-farm/lib/schema"
)

// MaxOutputBytes caps captured stdout and stderr independently. Output
// past the cap is dropped, not an error: the task result records what
// fit.
const MaxOutputBytes = 64 * 1024

// DefaultTimeout bounds tasks that carry no timeout of their own.
const DefaultTimeout = 5 * time.Minute

// waitDelay bounds how long Run waits for the output pipes to close
// after the process group has been killed.
const waitDelay = 5 * time.Second

// ErrBlacklisted marks a command rejected by the blacklist before
// execution.
var ErrBlacklisted = errors.New("command matches blacklist")

// Result is the outcome of one command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// TimedOut is set when the deadline killed the process; ExitCode
	// is then -1.
	TimedOut bool
}

// Executor runs commands under "sh -c".
type Executor struct {
	blacklist []string
	logger    *slog.Logger
}

// New returns an Executor rejecting commands that contain any of the
// blacklist entries, compared case-insensitively.
func New(blacklist []string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	lowered := make([]string, len(blacklist))
	for i, entry := range blacklist {
		lowered[i] = strings.ToLower(entry)
	}
	return &Executor{blacklist: lowered, logger: logger}
}

// Check returns ErrBlacklisted when command must not run. Exposed
// separately so task creation can reject bad commands at submission
// time instead of at execution time on the target.
func (e *Executor) Check(command string) error {
	lowered := strings.ToLower(command)
	for _, entry := range e.blacklist {
		if strings.Contains(lowered, entry) {
			return fmt.Errorf("%w: %q", ErrBlacklisted, entry)
		}
	}
	return nil
}

// Run executes command with the given timeout (DefaultTimeout when
// zero). The blacklist is checked first. A non-zero exit is not an
// error; it is a Result. The error return covers refusal to run and
// spawn failures only.
func (e *Executor) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if err := e.Check(command); err != nil {
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	// The shell forks for pipelines and background jobs. Kill the
	// whole group on deadline, or a grandchild keeps the output pipes
	// open and Run blocks until it exits on its own. WaitDelay covers
	// anything that escaped the group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if err == unix.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &cappedWriter{buffer: &stdout}
	cmd.Stderr = &cappedWriter{buffer: &stderr}

	e.logger.Info("executing task command", "command", command, "timeout", timeout)
	err := cmd.Run()

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return Result{}, fmt.Errorf("executor: starting command: %w", err)
	}
	return result, nil
}

// Report folds a Run outcome into the task result both delivery paths
// (heartbeat piggyback and direct exec) send back. A run error means
// the command never produced a process exit, reported as failed with
// exit -1.
func Report(taskID string, completedAt int64, result Result, err error) schema.TaskResult {
	report := schema.TaskResult{
		TaskID:      taskID,
		CompletedAt: completedAt,
	}
	switch {
	case err != nil:
		report.Status = schema.TaskFailed
		report.ExitCode = -1
		report.Stderr = err.Error()
	case result.TimedOut:
		report.Status = schema.TaskTimeout
		report.ExitCode = result.ExitCode
		report.Stdout = result.Stdout
		report.Stderr = result.Stderr
	case result.ExitCode == 0:
		report.Status = schema.TaskCompleted
		report.Stdout = result.Stdout
		report.Stderr = result.Stderr
	default:
		report.Status = schema.TaskFailed
		report.ExitCode = result.ExitCode
		report.Stdout = result.Stdout
		report.Stderr = result.Stderr
	}
	return report
}

// cappedWriter discards bytes past MaxOutputBytes while reporting the
// full write as consumed, so the child never blocks on a full pipe.
type cappedWriter struct {
	buffer *bytes.Buffer
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	remaining := MaxOutputBytes - w.buffer.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buffer.Write(p[:remaining])
		} else {
			w.buffer.Write(p)
		}
	}
	return len(p), nil
}
