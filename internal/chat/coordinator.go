package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidSnapshot is returned by ImportSnapshot when the document does not
// carry the expected top-level shape.
var ErrInvalidSnapshot = errors.New("invalid snapshot: missing sessions collection")

// SessionSource is the registry surface the coordinator reads from. Injected
// rather than looked up so coordinator instances are independently testable.
type SessionSource interface {
	Snapshot(sessionID string) (*Session, []Message, bool)
	SessionIDs() []string
}

// Reconciler refreshes in-memory state from the durable store. Implemented by
// StartupReconciler; the coordinator invokes it after a snapshot import.
type Reconciler interface {
	Reconcile() error
}

// PersistenceCoordinator decouples the synchronous registry API from the
// asynchronous storage layer. Mutations mark sessions dirty; a debounce
// window collapses bursts into one flush; a single-flight flag keeps flushes
// from racing each other against the same store. Storage failures are logged
// and swallowed: persistence is best-effort and never aborts the caller's
// mutation.
type PersistenceCoordinator struct {
	store      DurableStore
	source     SessionSource
	reconciler Reconciler
	logger     *Logger
	debounce   *Debouncer

	mu         sync.Mutex
	dirty      map[string]struct{}
	isFlushing bool
}

func NewPersistenceCoordinator(store DurableStore, source SessionSource, reconciler Reconciler, cfg Config, logger *Logger) *PersistenceCoordinator {
	return &PersistenceCoordinator{
		store:      store,
		source:     source,
		reconciler: reconciler,
		logger:     logger,
		debounce:   NewDebouncer(cfg.DebounceInterval()),
		dirty:      make(map[string]struct{}),
	}
}

// MarkDirty queues the session for the next flush and (re)starts the debounce
// window from now, so rapid mutations collapse into a single durable write.
func (c *PersistenceCoordinator) MarkDirty(sessionID string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	c.dirty[sessionID] = struct{}{}
	c.mu.Unlock()

	c.debounce.Debounce(func() {
		_ = c.Flush()
	})
}

// Flush writes every dirty session's record followed by its messages. If a
// flush is already running, ids dirtied in the meantime simply wait for the
// next flush; concurrent writes against the store never happen from the same
// coordinator.
func (c *PersistenceCoordinator) Flush() error {
	c.mu.Lock()
	if c.isFlushing || len(c.dirty) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.isFlushing = true
	batch := c.dirty
	c.dirty = make(map[string]struct{})
	c.mu.Unlock()

	for id := range batch {
		sess, msgs, ok := c.source.Snapshot(id)
		if !ok {
			// Session purged between dirtying and flushing; nothing to write.
			continue
		}
		if err := c.store.PutSession(sess); err != nil {
			c.logger.Error("session write failed", map[string]interface{}{
				"session_id": id,
				"error":      err.Error(),
			})
			continue
		}
		if err := c.store.PutMessages(id, msgs); err != nil {
			c.logger.Error("message write failed", map[string]interface{}{
				"session_id": id,
				"error":      err.Error(),
			})
		}
	}

	c.mu.Lock()
	c.isFlushing = false
	pending := len(c.dirty) > 0
	c.mu.Unlock()

	if pending {
		c.debounce.Debounce(func() {
			_ = c.Flush()
		})
	}
	return nil
}

// Close cancels any pending debounce and flushes what is left.
func (c *PersistenceCoordinator) Close() error {
	var err error
	c.debounce.Immediate(func() { err = c.Flush() })
	return err
}

type snapshotDocument struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Sessions   []snapshotSession `json:"sessions"`
}

type snapshotSession struct {
	Session
	Messages []Message `json:"messages"`
}

const snapshotVersion = 1

// ExportSnapshot serializes every non-deleted session and its messages into
// one self-describing JSON document. Tombstones are excluded.
func (c *PersistenceCoordinator) ExportSnapshot() ([]byte, error) {
	doc := snapshotDocument{
		Version:    snapshotVersion,
		ExportedAt: time.Now().UTC(),
		Sessions:   make([]snapshotSession, 0, 8),
	}
	for _, id := range c.source.SessionIDs() {
		sess, msgs, ok := c.source.Snapshot(id)
		if !ok || sess.Status == SessionDeleted {
			continue
		}
		// Streaming flags are transient and do not round-trip.
		sess.HasUnreadActivity = false
		doc.Sessions = append(doc.Sessions, snapshotSession{Session: *sess, Messages: msgs})
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ImportSnapshot validates the document shape, writes its sessions and
// messages into the durable store, then reconciles in-memory state from it.
// A malformed document is rejected before anything is written.
func (c *PersistenceCoordinator) ImportSnapshot(data []byte) error {
	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	if doc.Sessions == nil {
		return ErrInvalidSnapshot
	}
	for i := range doc.Sessions {
		entry := &doc.Sessions[i]
		if entry.ID == "" {
			c.logger.Warn("skipping snapshot session without id", nil)
			continue
		}
		if entry.Status == "" {
			entry.Status = SessionActive
		}
		if err := c.store.PutSession(&entry.Session); err != nil {
			c.logger.Error("snapshot session write failed", map[string]interface{}{
				"session_id": entry.ID,
				"error":      err.Error(),
			})
			continue
		}
		for j := range entry.Messages {
			entry.Messages[j].SessionID = entry.ID
		}
		if err := c.store.PutMessages(entry.ID, entry.Messages); err != nil {
			c.logger.Error("snapshot message write failed", map[string]interface{}{
				"session_id": entry.ID,
				"error":      err.Error(),
			})
		}
	}
	if c.reconciler != nil {
		return c.reconciler.Reconcile()
	}
	return nil
}
