package chat

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Persister is the persistence scheduler the registry notifies after every
// mutation. Implemented by PersistenceCoordinator; injected so the registry
// stays testable without a database.
type Persister interface {
	MarkDirty(sessionID string)
	Flush() error
}

var greetingTitles = []string{"Morning chat", "Afternoon chat", "Evening chat"}

// CreateOptions seeds a new session. All fields are optional.
type CreateOptions struct {
	Title       string
	Description string
	Tags        []string
	Pinned      bool
}

// SessionUpdate is a partial update; nil fields are left untouched. ID and
// CreatedAt cannot be updated.
type SessionUpdate struct {
	Title       *string
	Description *string
	Pinned      *bool
	Tags        *[]string
}

// SessionRegistry owns the authoritative in-memory session map and the
// per-session message buffers. It is the single writer for both; every
// external mutation goes through its methods. Operations on unknown ids are
// logged no-ops, never errors, because UI event ordering cannot guarantee the
// referenced session still exists.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]Message
	activeID string

	// Per-bucket counters keep default titles unique across the process
	// lifetime.
	titleCounters map[string]int

	maxThreads     int
	maxTitleLength int
	logger         *Logger
	persist        Persister
	now            func() time.Time
}

func NewSessionRegistry(cfg Config, logger *Logger) *SessionRegistry {
	max := cfg.MaxThreads
	if max <= 0 {
		max = 20
	}
	maxTitle := cfg.MaxTitleLength
	if maxTitle <= 0 {
		maxTitle = 120
	}
	return &SessionRegistry{
		sessions:       make(map[string]*Session),
		messages:       make(map[string][]Message),
		titleCounters:  make(map[string]int),
		maxThreads:     max,
		maxTitleLength: maxTitle,
		logger:         logger,
		now:            time.Now,
	}
}

// AttachPersister wires the persistence scheduler in after construction,
// breaking the registry/coordinator constructor cycle.
func (r *SessionRegistry) AttachPersister(p Persister) {
	r.mu.Lock()
	r.persist = p
	r.mu.Unlock()
}

func (r *SessionRegistry) markDirty(ids ...string) {
	r.mu.RLock()
	p := r.persist
	r.mu.RUnlock()
	if p == nil {
		return
	}
	for _, id := range ids {
		p.MarkDirty(id)
	}
}

// Create allocates a new active session and focuses it. If the active session
// count already sits at the thread ceiling, the least-recently-active unpinned
// active session is archived first. Never blocks on storage.
func (r *SessionRegistry) Create(opts *CreateOptions) *Session {
	now := r.now()

	r.mu.Lock()
	evicted := r.enforceThreadLimitLocked()

	sess := &Session{
		ID:           uuid.NewString(),
		Status:       SessionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
	}
	if opts != nil {
		sess.Title = strings.TrimSpace(opts.Title)
		sess.Description = strings.TrimSpace(opts.Description)
		sess.Pinned = opts.Pinned
		if len(opts.Tags) > 0 {
			sess.Tags = append([]string(nil), opts.Tags...)
		}
	}
	if sess.Title == "" {
		sess.Title = r.nextDefaultTitleLocked(now)
	}
	r.sessions[sess.ID] = sess
	r.messages[sess.ID] = nil
	r.activeID = sess.ID
	out := sess.clone()
	r.mu.Unlock()

	dirty := []string{out.ID}
	if evicted != "" {
		dirty = append(dirty, evicted)
	}
	r.markDirty(dirty...)
	return &out
}

// enforceThreadLimitLocked archives the least-recently-active unpinned active
// session when the active count has reached the ceiling. Returns the archived
// session id, if any.
func (r *SessionRegistry) enforceThreadLimitLocked() string {
	active := 0
	var victim *Session
	for _, sess := range r.sessions {
		if sess.Status != SessionActive {
			continue
		}
		active++
		if sess.Pinned {
			continue
		}
		if victim == nil || sess.LastActiveAt.Before(victim.LastActiveAt) {
			victim = sess
		}
	}
	if active < r.maxThreads || victim == nil {
		return ""
	}
	victim.Status = SessionArchived
	victim.Pinned = false
	victim.UpdatedAt = r.now()
	r.logger.Info("auto-archived session at thread limit", map[string]interface{}{
		"session_id":  victim.ID,
		"max_threads": r.maxThreads,
	})
	return victim.ID
}

func (r *SessionRegistry) nextDefaultTitleLocked(now time.Time) string {
	greeting := greetingForHour(now.Hour())
	r.titleCounters[greeting]++
	n := r.titleCounters[greeting]
	if n == 1 {
		return greeting
	}
	return greeting + " " + strconv.Itoa(n)
}

func greetingForHour(hour int) string {
	switch {
	case hour < 12:
		return greetingTitles[0]
	case hour < 18:
		return greetingTitles[1]
	default:
		return greetingTitles[2]
	}
}

// isAutoTitle reports whether title still matches the generated
// "<greeting>" or "<greeting> N" pattern.
func isAutoTitle(title string) bool {
	for _, greeting := range greetingTitles {
		if title == greeting {
			return true
		}
		if rest, ok := strings.CutPrefix(title, greeting+" "); ok {
			if _, err := strconv.Atoi(rest); err == nil {
				return true
			}
		}
	}
	return false
}

// SwitchTo focuses the session and clears its unread flag. It deliberately
// does not touch LastActiveAt: switching focus must not reorder the session
// list. The outgoing session's state is flushed before the switch completes
// so in-flight edits are never lost.
func (r *SessionRegistry) SwitchTo(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess.Status == SessionDeleted {
		r.mu.Unlock()
		r.logger.Warn("switch to unknown or deleted session", map[string]interface{}{"session_id": id})
		return false
	}
	outgoing := r.activeID
	r.activeID = id
	sess.HasUnreadActivity = false
	p := r.persist
	r.mu.Unlock()

	if p != nil {
		if outgoing != "" && outgoing != id {
			p.MarkDirty(outgoing)
			_ = p.Flush()
		}
		p.MarkDirty(id)
	}
	return true
}

// Update merges the partial update into the session. ID and CreatedAt are
// pinned and cannot change.
func (r *SessionRegistry) Update(id string, upd SessionUpdate) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("update of unknown session", map[string]interface{}{"session_id": id})
		return false
	}
	if upd.Title != nil {
		sess.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Description != nil {
		sess.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Pinned != nil {
		sess.Pinned = *upd.Pinned
	}
	if upd.Tags != nil {
		sess.Tags = append([]string(nil), (*upd.Tags)...)
	}
	sess.UpdatedAt = r.now()
	r.mu.Unlock()

	r.markDirty(id)
	return true
}

// RenameFromFirstMessage derives a title from the first user message, but
// only while the current title is still the generated default. A user-edited
// title is never overwritten.
func (r *SessionRegistry) RenameFromFirstMessage(id, content string) bool {
	title := strings.TrimSpace(content)
	if title == "" {
		return false
	}
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("rename of unknown session", map[string]interface{}{"session_id": id})
		return false
	}
	if !isAutoTitle(sess.Title) {
		r.mu.Unlock()
		return false
	}
	sess.Title = truncateTitle(title, r.maxTitleLength)
	sess.UpdatedAt = r.now()
	r.mu.Unlock()

	r.markDirty(id)
	return true
}

// truncateTitle caps title at max runes, never splitting a multibyte rune.
func truncateTitle(title string, max int) string {
	runes := []rune(title)
	if len(runes) <= max {
		return title
	}
	return string(runes[:max])
}

// Delete tombstones the session. If it was focused, the most-recently-active
// remaining active session is focused instead, or nothing.
func (r *SessionRegistry) Delete(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess.Status == SessionDeleted {
		r.mu.Unlock()
		r.logger.Warn("delete of unknown session", map[string]interface{}{"session_id": id})
		return false
	}
	sess.Status = SessionDeleted
	sess.UpdatedAt = r.now()

	if r.activeID == id {
		r.activeID = ""
		var next *Session
		for _, cand := range r.sessions {
			if cand.Status != SessionActive {
				continue
			}
			if next == nil || cand.LastActiveAt.After(next.LastActiveAt) {
				next = cand
			}
		}
		if next != nil {
			r.activeID = next.ID
			next.HasUnreadActivity = false
		}
	}
	r.mu.Unlock()

	r.markDirty(id)
	return true
}

// Archive moves an active session to archived and force-clears pinning.
func (r *SessionRegistry) Archive(id string) bool {
	return r.transition(id, SessionActive, SessionArchived)
}

// Unarchive moves an archived session back to active.
func (r *SessionRegistry) Unarchive(id string) bool {
	return r.transition(id, SessionArchived, SessionActive)
}

func (r *SessionRegistry) transition(id string, from, to SessionStatus) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess.Status != from {
		r.mu.Unlock()
		r.logger.Warn("invalid session status transition", map[string]interface{}{
			"session_id": id,
			"to":         string(to),
		})
		return false
	}
	sess.Status = to
	if to == SessionArchived {
		sess.Pinned = false
	}
	sess.UpdatedAt = r.now()
	r.mu.Unlock()

	r.markDirty(id)
	return true
}

// List returns active sessions matching a case-insensitive substring filter
// over title/description/tags and, when tagFilter is set, carrying that exact
// tag. Pinned sessions sort first, then LastActiveAt descending, ties broken
// by CreatedAt descending.
func (r *SessionRegistry) List(filter, tagFilter string) []Session {
	filter = strings.ToLower(strings.TrimSpace(filter))
	tagFilter = strings.TrimSpace(tagFilter)

	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.Status != SessionActive {
			continue
		}
		if filter != "" && !matchesFilter(sess, filter) {
			continue
		}
		if tagFilter != "" && !hasTag(sess, tagFilter) {
			continue
		}
		out = append(out, sess.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func matchesFilter(sess *Session, lowered string) bool {
	if strings.Contains(strings.ToLower(sess.Title), lowered) {
		return true
	}
	if strings.Contains(strings.ToLower(sess.Description), lowered) {
		return true
	}
	for _, tag := range sess.Tags {
		if strings.Contains(strings.ToLower(tag), lowered) {
			return true
		}
	}
	return false
}

func hasTag(sess *Session, tag string) bool {
	for _, t := range sess.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AppendMessage installs a message into the session's buffer, bumping the
// message count and activity timestamps. Messages landing in an unfocused
// session flag unread activity. A missing message id is filled in here; the
// upstream-supplied id is kept verbatim when present.
func (r *SessionRegistry) AppendMessage(sessionID string, msg Message) (string, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok || sess.Status == SessionDeleted {
		r.mu.Unlock()
		r.logger.Warn("append message to unknown session", map[string]interface{}{"session_id": sessionID})
		return "", false
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	msg.SessionID = sessionID
	r.messages[sessionID] = append(r.messages[sessionID], msg)

	now := r.now()
	sess.MessageCount = len(r.messages[sessionID])
	sess.UpdatedAt = now
	sess.LastActiveAt = now
	if r.activeID != sessionID {
		sess.HasUnreadActivity = true
	}
	id := msg.ID
	r.mu.Unlock()

	r.markDirty(sessionID)
	return id, true
}

// UpdateMessage applies fn to the identified message under the registry lock
// and bumps the session's activity timestamps.
func (r *SessionRegistry) UpdateMessage(sessionID, messageID string, fn func(*Message)) bool {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("update message in unknown session", map[string]interface{}{"session_id": sessionID})
		return false
	}
	msgs := r.messages[sessionID]
	found := false
	for i := range msgs {
		if msgs[i].ID == messageID {
			fn(&msgs[i])
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		r.logger.Warn("update of unknown message", map[string]interface{}{
			"session_id": sessionID,
			"message_id": messageID,
		})
		return false
	}
	now := r.now()
	sess.UpdatedAt = now
	sess.LastActiveAt = now
	r.mu.Unlock()

	r.markDirty(sessionID)
	return true
}

// ToolCall returns a copy of the identified tool invocation.
func (r *SessionRegistry) ToolCall(sessionID, toolCallID string) (ToolInvocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, msg := range r.messages[sessionID] {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc, true
			}
		}
	}
	return ToolInvocation{}, false
}

// UpdateToolCall applies fn to the identified tool invocation. Unknown ids
// are logged no-ops.
func (r *SessionRegistry) UpdateToolCall(sessionID, toolCallID string, fn func(*ToolInvocation)) bool {
	r.mu.Lock()
	found := false
	msgs := r.messages[sessionID]
outer:
	for i := range msgs {
		for j := range msgs[i].ToolCalls {
			if msgs[i].ToolCalls[j].ID == toolCallID {
				fn(&msgs[i].ToolCalls[j])
				found = true
				break outer
			}
		}
	}
	r.mu.Unlock()

	if !found {
		r.logger.Warn("update of unknown tool call", map[string]interface{}{
			"session_id":   sessionID,
			"tool_call_id": toolCallID,
		})
		return false
	}
	r.markDirty(sessionID)
	return true
}

// Get returns a copy of the session.
func (r *SessionRegistry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// MessagesFor returns copies of the session's message buffer.
func (r *SessionRegistry) MessagesFor(id string) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.messages[id]
	out := make([]Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, m.clone())
	}
	return out
}

// ActiveID returns the focused session id, or "".
func (r *SessionRegistry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// Empty reports whether the registry holds no sessions at all.
func (r *SessionRegistry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions) == 0
}

// SessionIDs returns every session id, tombstones included.
func (r *SessionRegistry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns copies of the session and its messages for persistence.
func (r *SessionRegistry) Snapshot(id string) (*Session, []Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, nil, false
	}
	out := sess.clone()
	stored := r.messages[id]
	msgs := make([]Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, m.clone())
	}
	return &out, msgs, true
}

// ReplaceAll swaps the registry's session map and message buffers wholesale.
// Used by the startup reconciler after loading durable state.
func (r *SessionRegistry) ReplaceAll(sessions []Session, messages map[string][]Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session, len(sessions))
	r.messages = make(map[string][]Message, len(messages))
	r.activeID = ""
	for i := range sessions {
		sess := sessions[i].clone()
		sess.MessageCount = len(messages[sess.ID])
		r.sessions[sess.ID] = &sess
		r.messages[sess.ID] = append([]Message(nil), messages[sess.ID]...)
	}
}

// PurgeTombstones removes every deleted session from the registry and
// returns their ids so the caller can hard-delete the durable records too.
func (r *SessionRegistry) PurgeTombstones() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := make([]string, 0, 4)
	for id, sess := range r.sessions {
		if sess.Status != SessionDeleted {
			continue
		}
		delete(r.sessions, id)
		delete(r.messages, id)
		purged = append(purged, id)
	}
	sort.Strings(purged)
	return purged
}
