package chat

import (
	"context"
	"encoding/json"
)

// ToolExecutor is the black-box tool execution collaborator. The return value
// is untyped at this boundary: implementations are known to hand back plain
// strings, structured objects, or arrays of single characters, and the
// lifecycle normalizes all of them before anything is stored or displayed.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, args json.RawMessage) (interface{}, error)
}

// ToolInvocationLifecycle guards the pending→approved→running→completed|error
// transitions of tool calls and guarantees at-most-once execution per
// approved call.
type ToolInvocationLifecycle struct {
	registry *SessionRegistry
	executor ToolExecutor
	logger   *Logger
}

func NewToolInvocationLifecycle(registry *SessionRegistry, executor ToolExecutor, logger *Logger) *ToolInvocationLifecycle {
	return &ToolInvocationLifecycle{registry: registry, executor: executor, logger: logger}
}

// Approve transitions the tool call to approved and executes it. A call that
// is unknown, not pending, or still receiving its arguments is a logged
// no-op: approving twice, or racing a retry against a prior approval, runs
// the tool exactly once.
func (l *ToolInvocationLifecycle) Approve(ctx context.Context, sessionID, toolCallID string) bool {
	claimed := false
	l.registry.UpdateToolCall(sessionID, toolCallID, func(tc *ToolInvocation) {
		if tc.Status == ToolCallPending && !tc.IsPartial {
			tc.Status = ToolCallApproved
			claimed = true
		}
	})
	if !claimed {
		l.logger.Warn("approval ignored for non-approvable tool call", map[string]interface{}{
			"session_id":   sessionID,
			"tool_call_id": toolCallID,
		})
		return false
	}

	tc, ok := l.registry.ToolCall(sessionID, toolCallID)
	if !ok {
		return false
	}

	l.registry.UpdateToolCall(sessionID, toolCallID, func(tc *ToolInvocation) {
		tc.Status = ToolCallRunning
	})

	out, err := l.executor.Execute(ctx, tc.ToolName, tc.Args)
	if err != nil {
		l.registry.UpdateToolCall(sessionID, toolCallID, func(tc *ToolInvocation) {
			tc.Status = ToolCallError
			tc.Error = err.Error()
			tc.Result = NormalizeToolResult(out)
		})
		return true
	}
	l.registry.UpdateToolCall(sessionID, toolCallID, func(tc *ToolInvocation) {
		tc.Status = ToolCallCompleted
		tc.Result = NormalizeToolResult(out)
	})
	return true
}

// Reject transitions a fully-materialized pending tool call to rejected.
func (l *ToolInvocationLifecycle) Reject(sessionID, toolCallID string) bool {
	rejected := false
	l.registry.UpdateToolCall(sessionID, toolCallID, func(tc *ToolInvocation) {
		if tc.Status == ToolCallPending && !tc.IsPartial {
			tc.Status = ToolCallRejected
			rejected = true
		}
	})
	if !rejected {
		l.logger.Warn("rejection ignored for non-pending tool call", map[string]interface{}{
			"session_id":   sessionID,
			"tool_call_id": toolCallID,
		})
	}
	return rejected
}

// toolResultShape tags the variants a tool result can arrive in. The decision
// is made once, here, instead of leaking the ambiguity into every consumer.
type toolResultShape int

const (
	resultString toolResultShape = iota
	resultCharArray
	resultStructured
)

func classifyToolResult(v interface{}) toolResultShape {
	switch value := v.(type) {
	case string:
		return resultString
	case []interface{}:
		if len(value) == 0 {
			return resultStructured
		}
		for _, elem := range value {
			s, ok := elem.(string)
			if !ok || len([]rune(s)) != 1 {
				return resultStructured
			}
		}
		// A known upstream defect delivers strings exploded into arrays of
		// single characters; join them back together.
		return resultCharArray
	default:
		return resultStructured
	}
}

// NormalizeToolResult flattens the heterogeneous tool-result shape into the
// string stored on the invocation: strings pass through, char-arrays are
// joined, everything else is serialized as JSON.
func NormalizeToolResult(v interface{}) string {
	if v == nil {
		return ""
	}
	switch classifyToolResult(v) {
	case resultString:
		return v.(string)
	case resultCharArray:
		chars := v.([]interface{})
		out := make([]byte, 0, len(chars))
		for _, elem := range chars {
			out = append(out, elem.(string)...)
		}
		return string(out)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
