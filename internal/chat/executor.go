package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellExecutor is the default ToolExecutor wiring: it runs the "exec" tool
// as a shell command with a bounded timeout. Anything else is unknown here
// and surfaces as an execution error on the invocation rather than a crash.
type ShellExecutor struct {
	Timeout time.Duration
	Logger  *Logger
}

func NewShellExecutor(timeout time.Duration, logger *Logger) *ShellExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellExecutor{Timeout: timeout, Logger: logger}
}

type execArgs struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

func (e *ShellExecutor) Execute(ctx context.Context, toolName string, args json.RawMessage) (interface{}, error) {
	switch strings.TrimSpace(toolName) {
	case "exec":
		return e.runCommand(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", toolName)
	}
}

func (e *ShellExecutor) runCommand(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var parsed execArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("invalid exec arguments: %w", err)
	}
	command := strings.TrimSpace(parsed.Command)
	if command == "" {
		return nil, errors.New("missing command")
	}

	timeout := e.Timeout
	if parsed.Timeout > 0 {
		timeout = time.Duration(parsed.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "bash", "-lc", command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	e.Logger.Info("tool command finished", map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
		"failed":      err != nil,
	})
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return buf.String(), fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return buf.String(), err
	}
	return buf.String(), nil
}
