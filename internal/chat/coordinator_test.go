package chat

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// countingStore wraps MemoryStore and counts writes per session, so tests can
// assert how many durable writes a burst of mutations produced.
type countingStore struct {
	*MemoryStore
	mu           sync.Mutex
	sessionPuts  map[string]int
	messagePuts  map[string]int
	failSessions bool
}

func newCountingStore() *countingStore {
	return &countingStore{
		MemoryStore: NewMemoryStore(),
		sessionPuts: make(map[string]int),
		messagePuts: make(map[string]int),
	}
}

func (s *countingStore) PutSession(sess *Session) error {
	s.mu.Lock()
	s.sessionPuts[sess.ID]++
	fail := s.failSessions
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.PutSession(sess)
}

func (s *countingStore) PutMessages(sessionID string, msgs []Message) error {
	s.mu.Lock()
	s.messagePuts[sessionID]++
	s.mu.Unlock()
	return s.MemoryStore.PutMessages(sessionID, msgs)
}

func (s *countingStore) putsFor(id string) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionPuts[id], s.messagePuts[id]
}

func testCoordinator(store DurableStore, debounceMs int) (*PersistenceCoordinator, *SessionRegistry) {
	cfg := DefaultConfig()
	cfg.DebounceMs = debounceMs
	logger := NewLogger(io.Discard)
	registry := NewSessionRegistry(cfg, logger)
	reconciler := NewStartupReconciler(store, registry, logger)
	coordinator := NewPersistenceCoordinator(store, registry, reconciler, cfg, logger)
	registry.AttachPersister(coordinator)
	return coordinator, registry
}

func TestBurstOfMutationsCoalescesIntoOneWrite(t *testing.T) {
	store := newCountingStore()
	_, registry := testCoordinator(store, 20)

	sess := registry.Create(nil)
	for i := 0; i < 9; i++ {
		registry.AppendMessage(sess.ID, Message{Role: RoleUser, Content: "msg"})
	}

	// All ten mutations land inside one debounce window.
	time.Sleep(200 * time.Millisecond)

	sessionPuts, messagePuts := store.putsFor(sess.ID)
	if sessionPuts != 1 || messagePuts != 1 {
		t.Fatalf("expected exactly one write per record kind, got %d/%d", sessionPuts, messagePuts)
	}
	msgs, _ := store.LoadMessages(sess.ID)
	if len(msgs) != 9 {
		t.Fatalf("flush must carry the final state: got %d messages", len(msgs))
	}
}

func TestFlushIsNoOpWhenNothingDirty(t *testing.T) {
	store := newCountingStore()
	coordinator, _ := testCoordinator(store, 20)

	if err := coordinator.Flush(); err != nil {
		t.Fatalf("flush of empty dirty set: %v", err)
	}
	store.mu.Lock()
	total := len(store.sessionPuts)
	store.mu.Unlock()
	if total != 0 {
		t.Fatalf("empty flush must not touch the store")
	}
}

func TestFlushSkipsSessionsPurgedWhileDirty(t *testing.T) {
	store := newCountingStore()
	coordinator, _ := testCoordinator(store, 20)

	coordinator.MarkDirty("no-such-session")
	if err := coordinator.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	sessionPuts, _ := store.putsFor("no-such-session")
	if sessionPuts != 0 {
		t.Fatalf("purged session must not be written")
	}
}

func TestStorageFailureDoesNotAbortTheMutation(t *testing.T) {
	store := newCountingStore()
	store.failSessions = true
	coordinator, registry := testCoordinator(store, 20)

	sess := registry.Create(nil)
	if err := coordinator.Flush(); err != nil {
		t.Fatalf("flush must swallow storage errors, got %v", err)
	}
	// The session write failed, so messages are never attempted.
	_, messagePuts := store.putsFor(sess.ID)
	if messagePuts != 0 {
		t.Fatalf("message write must not follow a failed session write")
	}
	if _, ok := registry.Get(sess.ID); !ok {
		t.Fatalf("in-memory state must survive a storage failure")
	}
}

func TestSwitchPersistsOutgoingSessionBeforeCompleting(t *testing.T) {
	store := newCountingStore()
	// An hour-long debounce: only the switch itself can get data to disk.
	_, registry := testCoordinator(store, 60_000)

	incoming := registry.Create(nil)
	outgoing := registry.Create(nil)
	registry.AppendMessage(outgoing.ID, Message{Role: RoleUser, Content: "unsaved draft"})

	if !registry.SwitchTo(incoming.ID) {
		t.Fatalf("switch failed")
	}

	// The outgoing session's messages must already be durable when SwitchTo
	// returns, without waiting for any timer.
	msgs, err := store.LoadMessages(outgoing.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "unsaved draft" {
		t.Fatalf("outgoing session not flushed during switch: %+v", msgs)
	}
}

func TestCloseFlushesPendingState(t *testing.T) {
	store := newCountingStore()
	coordinator, registry := testCoordinator(store, 60_000)

	sess := registry.Create(nil)
	registry.AppendMessage(sess.ID, Message{Role: RoleUser, Content: "unsaved"})

	// The debounce window is an hour away; Close must not wait for it.
	if err := coordinator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	stored, ok, err := store.GetSession(sess.ID)
	if err != nil || !ok {
		t.Fatalf("session not persisted on close")
	}
	if stored.MessageCount != 1 {
		t.Fatalf("expected persisted message count 1, got %d", stored.MessageCount)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	storeA := newCountingStore()
	coordinatorA, registryA := testCoordinator(storeA, 20)

	sess := registryA.Create(&CreateOptions{Title: "exported thread", Tags: []string{"demo"}})
	registryA.AppendMessage(sess.ID, Message{Role: RoleUser, Content: "run ls"})
	registryA.AppendMessage(sess.ID, Message{
		Role:    RoleAssistant,
		Content: "sure",
		ToolCalls: []ToolInvocation{{
			ID: "tc-1", ToolName: "exec", Status: ToolCallCompleted, Result: "file.txt",
		}},
		Segments: []ContentSegment{
			{Kind: SegmentText, Order: 0, Text: "sure", EndPos: 4},
			{Kind: SegmentTool, Order: 1, ToolCallID: "tc-1"},
		},
	})

	deleted := registryA.Create(nil)
	registryA.Delete(deleted.ID)

	data, err := coordinatorA.ExportSnapshot()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	storeB := NewMemoryStore()
	coordinatorB, registryB := testCoordinator(storeB, 20)
	if err := coordinatorB.ImportSnapshot(data); err != nil {
		t.Fatalf("import: %v", err)
	}

	got, ok := registryB.Get(sess.ID)
	if !ok {
		t.Fatalf("imported session missing")
	}
	if got.Title != "exported thread" || len(got.Tags) != 1 || got.MessageCount != 2 {
		t.Fatalf("session did not round-trip: %+v", got)
	}
	if _, ok := registryB.Get(deleted.ID); ok {
		t.Fatalf("tombstones must not survive export")
	}

	msgs := registryB.MessagesFor(sess.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	assistant := msgs[1]
	if assistant.SessionID != sess.ID {
		t.Fatalf("import must rebind messages to their session")
	}
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Result != "file.txt" {
		t.Fatalf("tool call did not round-trip: %+v", assistant.ToolCalls)
	}
	if len(assistant.Segments) != 2 || assistant.Segments[1].ToolCallID != "tc-1" {
		t.Fatalf("segments did not round-trip: %+v", assistant.Segments)
	}
	if registryB.ActiveID() == "" {
		t.Fatalf("import must reconcile and focus a session")
	}
}

func TestExportClearsTransientFlags(t *testing.T) {
	store := newCountingStore()
	coordinator, registry := testCoordinator(store, 20)

	a := registry.Create(nil)
	registry.Create(nil)
	registry.AppendMessage(a.ID, Message{Role: RoleUser, Content: "bg"})
	if got, _ := registry.Get(a.ID); !got.HasUnreadActivity {
		t.Fatalf("precondition: unread flag set")
	}

	data, err := coordinator.ExportSnapshot()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	storeB := NewMemoryStore()
	coordinatorB, registryB := testCoordinator(storeB, 20)
	if err := coordinatorB.ImportSnapshot(data); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, _ := registryB.Get(a.ID)
	if got.HasUnreadActivity {
		t.Fatalf("unread flag must not round-trip through a snapshot")
	}
}

func TestImportRejectsMalformedSnapshots(t *testing.T) {
	store := newCountingStore()
	coordinator, _ := testCoordinator(store, 20)

	if err := coordinator.ImportSnapshot([]byte(`{"version":1}`)); !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
	}
	if err := coordinator.ImportSnapshot([]byte(`not json`)); err == nil {
		t.Fatalf("expected parse error")
	}
	store.mu.Lock()
	writes := len(store.sessionPuts)
	store.mu.Unlock()
	if writes != 0 {
		t.Fatalf("rejected snapshots must not write anything")
	}
}

func TestImportDefaultsMissingStatusToActive(t *testing.T) {
	store := NewMemoryStore()
	coordinator, registry := testCoordinator(store, 20)

	doc := `{"version":1,"sessions":[
		{"id":"s1","title":"legacy","message_count":0,
		 "created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z",
		 "last_active_at":"2024-01-01T00:00:00Z","messages":[]},
		{"title":"no id, skipped","messages":[]}
	]}`
	if err := coordinator.ImportSnapshot([]byte(doc)); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, ok := registry.Get("s1")
	if !ok || got.Status != SessionActive {
		t.Fatalf("missing status must default to active: %+v", got)
	}
	if len(registry.SessionIDs()) != 1 {
		t.Fatalf("id-less snapshot entries must be skipped")
	}
}
