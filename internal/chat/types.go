package chat

import (
	"encoding/json"
	"time"
)

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
	SessionDeleted  SessionStatus = "deleted"
)

// Session is one chat thread with its own message history and metadata.
// ID and CreatedAt are pinned after creation; a deleted session is a
// tombstone kept out of listings and exports until explicitly purged.
type Session struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Description       string        `json:"description,omitempty"`
	Status            SessionStatus `json:"status"`
	Pinned            bool          `json:"pinned,omitempty"`
	Tags              []string      `json:"tags,omitempty"`
	HasUnreadActivity bool          `json:"has_unread_activity,omitempty"`
	MessageCount      int           `json:"message_count"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	LastActiveAt      time.Time     `json:"last_active_at"`
}

func (s *Session) clone() Session {
	out := *s
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	return out
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a session. Content may be empty while the turn is
// still streaming; Segments carries the order-stable rendering timeline.
type Message struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	ToolCalls   []ToolInvocation `json:"tool_calls,omitempty"`
	Segments    []ContentSegment `json:"content_segments,omitempty"`
	Attachments []string         `json:"attachments,omitempty"`
	References  []string         `json:"references,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (m *Message) clone() Message {
	out := *m
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolInvocation(nil), m.ToolCalls...)
	}
	if m.Segments != nil {
		out.Segments = append([]ContentSegment(nil), m.Segments...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.References != nil {
		out.References = append([]string(nil), m.References...)
	}
	return out
}

type SegmentKind string

const (
	SegmentText SegmentKind = "text"
	SegmentTool SegmentKind = "tool"
)

// ContentSegment is one fragment of a message's rendered timeline. Rendering
// order is the sort order by Order, never the arrival order and never the
// order implied by the message's plain Content string.
type ContentSegment struct {
	Kind       SegmentKind `json:"kind"`
	Order      int         `json:"order"`
	Text       string      `json:"text,omitempty"`
	StartPos   int         `json:"start_pos,omitempty"`
	EndPos     int         `json:"end_pos,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallApproved  ToolCallStatus = "approved"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
	ToolCallRejected  ToolCallStatus = "rejected"
)

// ToolInvocation is a single tool call made by the assistant. The ID is
// supplied by the upstream model and preserved verbatim; it is the join key
// the approval flow uses. Result is only set once Status reaches completed
// or error. IsPartial is true while the call's arguments are still streaming
// in, and a partial call is never approvable.
type ToolInvocation struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    ToolCallStatus  `json:"status"`
	IsPartial bool            `json:"is_partial,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}
