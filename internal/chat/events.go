package chat

import (
	"context"
	"time"
)

type StreamEventType string

const (
	EventContent  StreamEventType = "content"
	EventToolCall StreamEventType = "tool_call"
	EventError    StreamEventType = "error"
	EventDone     StreamEventType = "done"
)

// StreamEvent is one entry of the tagged union carried by the per-request
// streaming channel from the AI collaborator.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Order    int             `json:"order,omitempty"`
	Content  string          `json:"content,omitempty"`
	ToolCall *ToolInvocation `json:"tool_call,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// StreamIngestor consumes one logical request's event channel, assembling the
// in-memory assistant message as fragments arrive and scheduling persistence
// through the registry after every mutation.
type StreamIngestor struct {
	registry    *SessionRegistry
	settleDelay time.Duration
	logger      *Logger
}

func NewStreamIngestor(registry *SessionRegistry, settleDelay time.Duration, logger *Logger) *StreamIngestor {
	return &StreamIngestor{registry: registry, settleDelay: settleDelay, logger: logger}
}

// Ingest creates an assistant message in the session and folds the event
// stream into it until done or channel close. It returns the message id and
// the assembler, whose settle transition completes shortly after the stream
// ends.
func (in *StreamIngestor) Ingest(ctx context.Context, sessionID string, events <-chan StreamEvent) (string, *StreamSegmentAssembler, bool) {
	messageID, ok := in.registry.AppendMessage(sessionID, Message{
		Role:    RoleAssistant,
		Content: "",
	})
	if !ok {
		return "", nil, false
	}

	asm := NewStreamSegmentAssembler(in.settleDelay)
	writeBack := func() {
		in.registry.UpdateMessage(sessionID, messageID, func(m *Message) {
			m.Content = asm.Content()
			m.Segments = asm.Segments()
		})
	}

	for {
		select {
		case <-ctx.Done():
			in.settle(asm, writeBack)
			return messageID, asm, true
		case ev, open := <-events:
			if !open {
				in.settle(asm, writeBack)
				return messageID, asm, true
			}
			switch ev.Type {
			case EventContent:
				asm.AddText(ev.Order, ev.Content, time.Now())
				writeBack()
			case EventToolCall:
				in.upsertToolCall(sessionID, messageID, asm, ev)
				writeBack()
			case EventError:
				in.logger.Warn("stream reported error", map[string]interface{}{
					"session_id": sessionID,
					"message_id": messageID,
					"error":      ev.Error,
				})
			case EventDone:
				in.settle(asm, writeBack)
				return messageID, asm, true
			}
		}
	}
}

func (in *StreamIngestor) settle(asm *StreamSegmentAssembler, writeBack func()) {
	// The loading flag has cleared; settle after the trailing-event window
	// and publish the final timeline.
	asm.Settle(writeBack)
}

// upsertToolCall installs or refreshes a tool invocation on the streaming
// message. The upstream id is kept verbatim: it is the join key the approval
// flow relies on. Argument updates only land while the call is still pending;
// a fragment never rewinds a call that has started executing.
func (in *StreamIngestor) upsertToolCall(sessionID, messageID string, asm *StreamSegmentAssembler, ev StreamEvent) {
	if ev.ToolCall == nil || ev.ToolCall.ID == "" {
		in.logger.Warn("dropping tool_call event without id", map[string]interface{}{
			"session_id": sessionID,
			"message_id": messageID,
		})
		return
	}
	incoming := *ev.ToolCall
	isNew := false
	in.registry.UpdateMessage(sessionID, messageID, func(m *Message) {
		for i := range m.ToolCalls {
			if m.ToolCalls[i].ID != incoming.ID {
				continue
			}
			if m.ToolCalls[i].Status == ToolCallPending {
				m.ToolCalls[i].ToolName = incoming.ToolName
				m.ToolCalls[i].Args = incoming.Args
				m.ToolCalls[i].IsPartial = incoming.IsPartial
			}
			return
		}
		isNew = true
		incoming.Status = ToolCallPending
		incoming.Result = ""
		incoming.Error = ""
		m.ToolCalls = append(m.ToolCalls, incoming)
	})
	if isNew {
		asm.AddTool(ev.Order, incoming.ID, time.Now())
	}
}
