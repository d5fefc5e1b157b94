package syncengine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/sessionrelay/internal/store"
)

func TestStateFilePersistsCursorsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	state, err := loadStateFile(path)
	if err != nil {
		t.Fatalf("load empty state: %v", err)
	}
	cursor := fileCursor{
		Offset:     4096,
		Sequence:   17,
		SessionID:  "sess-internal",
		ExternalID: "sess-ext",
		Canonical:  "/home/dev/app",
	}
	if err := state.setCursor("/logs/a.jsonl", cursor); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	reloaded, err := loadStateFile(path)
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	got, ok := reloaded.cursor("/logs/a.jsonl")
	if !ok {
		t.Fatal("cursor lost across reload")
	}
	if got != cursor {
		t.Fatalf("cursor = %+v, want %+v", got, cursor)
	}

	if err := reloaded.forget("/logs/a.jsonl"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok := reloaded.cursor("/logs/a.jsonl"); ok {
		t.Fatal("forgotten cursor still present")
	}
	final, err := loadStateFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := final.cursor("/logs/a.jsonl"); ok {
		t.Fatal("forget was not persisted")
	}
}

func TestParkedQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parked.json")
	queue, err := newParkedQueue(path, 4)
	if err != nil {
		t.Fatalf("new parked queue: %v", err)
	}
	first := ParkedBatch{
		SessionID:     "sess-1",
		SourceFile:    "/logs/a.jsonl",
		FirstSequence: 1,
		LastSequence:  2,
		Messages: []store.Message{
			{UUID: "u-1", Sequence: 1},
			{UUID: "u-2", Sequence: 2},
		},
		ParkedAt:  time.Now().UTC(),
		LastError: "store unavailable",
	}
	second := first
	second.SessionID = "sess-2"
	second.Messages = []store.Message{{UUID: "u-3", Sequence: 1}}
	if !queue.TryEnqueue(first) || !queue.TryEnqueue(second) {
		t.Fatal("expected enqueues to succeed")
	}

	reopened, err := newParkedQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen parked queue: %v", err)
	}
	if depth := reopened.Depth(); depth != 2 {
		t.Fatalf("depth after reopen = %d, want 2", depth)
	}
	got, ok := reopened.TryDequeue()
	if !ok || got.SessionID != "sess-1" || len(got.Messages) != 2 {
		t.Fatalf("first dequeue = %+v (ok=%v)", got, ok)
	}
	got, ok = reopened.TryDequeue()
	if !ok || got.SessionID != "sess-2" {
		t.Fatalf("second dequeue = %+v (ok=%v)", got, ok)
	}
	if _, ok := reopened.TryDequeue(); ok {
		t.Fatal("expected empty dequeue to fail")
	}
}

func TestParkedQueueCapacityAndValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parked.json")
	queue, err := newParkedQueue(path, 1)
	if err != nil {
		t.Fatalf("new parked queue: %v", err)
	}
	batch := ParkedBatch{SessionID: "sess-1", Messages: []store.Message{{UUID: "u-1", Sequence: 1}}}
	if !queue.TryEnqueue(batch) {
		t.Fatal("expected first enqueue to succeed")
	}
	if queue.TryEnqueue(batch) {
		t.Fatal("expected enqueue at capacity to fail")
	}
	if queue.TryEnqueue(ParkedBatch{SessionID: "", Messages: batch.Messages}) {
		t.Fatal("batch without a session must be rejected")
	}
	if queue.TryEnqueue(ParkedBatch{SessionID: "sess-2"}) {
		t.Fatal("batch without messages must be rejected")
	}
	sessions := queue.Sessions()
	if len(sessions) != 1 || sessions["sess-1"] != 1 {
		t.Fatalf("sessions = %v", sessions)
	}
}
