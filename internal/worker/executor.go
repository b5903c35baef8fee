// Package worker runs tasks forwarded to a target queue and delivers their
// results to the task's callback address.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/dyluth/botrelay/internal/dispatch"
)

const (
	// DefaultCommandTimeout is the maximum time a command can run before being killed.
	DefaultCommandTimeout = 5 * time.Minute

	// maxOutputSize is the maximum number of bytes read from command stdout/stderr (10MB).
	maxOutputSize = 10 * 1024 * 1024
)

// Executor runs one task and returns its JSON result.
type Executor interface {
	Execute(ctx context.Context, task *dispatch.Task) (json.RawMessage, error)
}

// EchoExecutor returns the task's parameters. It stands in for a real bot.
type EchoExecutor struct {
	Delay time.Duration
}

// Execute waits Delay, then echoes the task back.
func (e EchoExecutor) Execute(ctx context.Context, task *dispatch.Task) (json.RawMessage, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.Delay):
		}
	}

	return json.Marshal(map[string]any{
		"botKey":      task.BotKey,
		"params":      task.Params,
		"processedAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// CommandExecutor runs an external command per task. The task is written to
// stdin as JSON; stdout must be a single JSON document.
type CommandExecutor struct {
	Command []string
	Dir     string
	Timeout time.Duration
}

// Execute runs the command. A non-zero exit, a timeout, oversized output or
// non-JSON stdout all fail the task.
func (e CommandExecutor) Execute(ctx context.Context, task *dispatch.Task) (json.RawMessage, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("command array is empty")
	}

	input, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	cmd.Stdin = bytes.NewReader(input)

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	err = cmd.Run()
	if stdoutBuf.Len() >= maxOutputSize || stderrBuf.Len() >= maxOutputSize {
		return nil, fmt.Errorf("command output exceeded 10MB limit")
	}
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), truncate(stderrBuf.String(), 200))
		}
		return nil, fmt.Errorf("failed to run command: %w", err)
	}

	out := bytes.TrimSpace(stdoutBuf.Bytes())
	if len(out) == 0 {
		return nil, fmt.Errorf("command produced no output on stdout")
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("command output is not valid JSON: %s", truncate(string(out), 200))
	}
	return json.RawMessage(out), nil
}

// limitedWriter wraps an io.Writer and stops writing after limit bytes.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// truncate limits a string to maxLen characters, appending "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
