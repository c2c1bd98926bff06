package chat

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func testEngineConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StorageRoot = t.TempDir()
	cfg.DebounceMs = 20
	return cfg
}

func TestEngineSurvivesRestart(t *testing.T) {
	cfg := testEngineConfig(t)
	logger := NewLogger(io.Discard)

	engine, err := NewEngine(cfg, &recordingExecutor{result: "ok"}, logger)
	if err != nil {
		t.Fatalf("first boot: %v", err)
	}
	sess := engine.Registry().Create(&CreateOptions{Title: "survives restart"})
	engine.Registry().AppendMessage(sess.ID, Message{Role: RoleUser, Content: "hello"})
	engine.Registry().AppendMessage(sess.ID, Message{Role: RoleAssistant, Content: "hi there"})
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reborn, err := NewEngine(cfg, &recordingExecutor{result: "ok"}, logger)
	if err != nil {
		t.Fatalf("second boot: %v", err)
	}
	defer reborn.Close()

	got, ok := reborn.Registry().Get(sess.ID)
	if !ok {
		t.Fatalf("session lost across restart")
	}
	if got.Title != "survives restart" || got.MessageCount != 2 {
		t.Fatalf("session did not restore: %+v", got)
	}
	msgs := reborn.Registry().MessagesFor(sess.ID)
	if len(msgs) != 2 || msgs[1].Content != "hi there" {
		t.Fatalf("messages did not restore: %+v", msgs)
	}
}

func TestEngineDegradesWhenStorageUnavailable(t *testing.T) {
	cfg := testEngineConfig(t)
	// Point the storage root at a regular file so the directory cannot be
	// created.
	blocked := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.StorageRoot = blocked

	engine, err := NewEngine(cfg, &recordingExecutor{result: "ok"}, NewLogger(io.Discard))
	if err != nil {
		t.Fatalf("engine must degrade, not fail: %v", err)
	}
	defer engine.Close()

	// Everything still works, just without durability.
	sess := engine.Registry().Create(nil)
	if _, ok := engine.Registry().AppendMessage(sess.ID, Message{Role: RoleUser, Content: "hi"}); !ok {
		t.Fatalf("degraded engine must still accept mutations")
	}
}

func TestEnginePurgeDeletedRemovesDurableRecords(t *testing.T) {
	cfg := testEngineConfig(t)
	logger := NewLogger(io.Discard)

	engine, err := NewEngine(cfg, &recordingExecutor{result: "ok"}, logger)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	keep := engine.Registry().Create(nil)
	gone := engine.Registry().Create(nil)
	engine.Registry().AppendMessage(gone.ID, Message{Role: RoleUser, Content: "bye"})
	engine.Registry().Delete(gone.ID)
	if err := engine.Coordinator().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	purged := engine.PurgeDeleted()
	if len(purged) != 1 || purged[0] != gone.ID {
		t.Fatalf("unexpected purge set: %v", purged)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reborn, err := NewEngine(cfg, &recordingExecutor{result: "ok"}, logger)
	if err != nil {
		t.Fatalf("reboot: %v", err)
	}
	defer reborn.Close()
	if _, ok := reborn.Registry().Get(gone.ID); ok {
		t.Fatalf("purged session must not come back")
	}
	if _, ok := reborn.Registry().Get(keep.ID); !ok {
		t.Fatalf("live session must survive")
	}
}
