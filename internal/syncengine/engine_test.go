package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/sessionrelay/internal/identity"
	"github.com/agentworkforce/sessionrelay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSessionLog(t *testing.T, path, cwd string, firstUUID, count int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for i := 0; i < count; i++ {
		n := firstUUID + i
		role := "user"
		if n%2 == 0 {
			role = "assistant"
		}
		line := fmt.Sprintf(`{"type":"%s","uuid":"uuid-%04d","cwd":"%s","timestamp":"2026-08-31T10:%02d:00Z","message":{"role":"%s","content":"message %d"}}`,
			role, n, cwd, n%60, role, n)
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestEngine(t *testing.T, st store.Store, root string) *Engine {
	t.Helper()
	eng, err := New(st, identity.NewResolver(), Options{
		Root:        root,
		StateFile:   filepath.Join(t.TempDir(), "state.json"),
		ParkedFile:  filepath.Join(t.TempDir(), "parked.json"),
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestSyncFileCommitsAndResumes(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "-home-dev-myapp")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "sess-1.jsonl")
	writeSessionLog(t, file, "/home/dev/myapp", 1, 5)

	mem := store.NewMemoryStore()
	eng := newTestEngine(t, mem, root)
	ctx := context.Background()

	if err := eng.SyncFile(ctx, file); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	session, err := mem.FindSessionByExternalID(ctx, "sess-1")
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	if session.LastSequenceSeen != 5 {
		t.Fatalf("watermark = %d, want 5", session.LastSequenceSeen)
	}

	// appending to the source and re-syncing must pick up only the new tail
	writeSessionLog(t, file, "/home/dev/myapp", 6, 3)
	if err := eng.SyncFile(ctx, file); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	msgs, err := mem.MessagesSince(ctx, session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 8 {
		t.Fatalf("got %d messages, want 8", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Sequence != int64(i+1) {
			t.Fatalf("message %d has sequence %d", i, msg.Sequence)
		}
	}

	// a third sync with nothing new is a no-op
	if err := eng.SyncFile(ctx, file); err != nil {
		t.Fatalf("idle sync: %v", err)
	}
	msgs, _ = mem.MessagesSince(ctx, session.ID, 0)
	if len(msgs) != 8 {
		t.Fatalf("idle sync duplicated messages: got %d", len(msgs))
	}
}

func TestSyncFilePublishesCommittedMessages(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "-home-dev-pub")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "sess-pub.jsonl")
	writeSessionLog(t, file, "/home/dev/pub", 1, 3)

	mem := store.NewMemoryStore()
	eng := newTestEngine(t, mem, root)
	var published []int64
	eng.onMessage = func(sessionID string, msg store.Message) {
		published = append(published, msg.Sequence)
	}
	if err := eng.SyncFile(context.Background(), file); err != nil {
		t.Fatal(err)
	}
	if len(published) != 3 {
		t.Fatalf("published %d events, want 3", len(published))
	}
	for i, seq := range published {
		if seq != int64(i+1) {
			t.Fatalf("event %d carries sequence %d", i, seq)
		}
	}
}

// flakyStore fails AppendMessages until the failure budget runs out, then
// delegates to the wrapped store.
type flakyStore struct {
	store.Store
	failures int
}

func (f *flakyStore) AppendMessages(ctx context.Context, sessionID string, msgs []store.Message) (int, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("store unavailable")
	}
	return f.Store.AppendMessages(ctx, sessionID, msgs)
}

func TestSyncFileParksAfterRetriesExhausted(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "-home-dev-flaky")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "sess-flaky.jsonl")
	writeSessionLog(t, file, "/home/dev/flaky", 1, 4)

	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem, failures: 100}
	eng := newTestEngine(t, flaky, root)
	ctx := context.Background()

	if err := eng.SyncFile(ctx, file); err != nil {
		t.Fatalf("sync should park, not fail: %v", err)
	}
	health := eng.Health()
	if health.ParkedBatches != 1 {
		t.Fatalf("ParkedBatches = %d, want 1", health.ParkedBatches)
	}
	session, err := mem.FindSessionByExternalID(ctx, "sess-flaky")
	if err != nil {
		t.Fatal(err)
	}
	if !eng.IsStale(session.ID) {
		t.Fatal("session with parked batch must read as stale")
	}

	// once the store recovers, retrying drains the queue without loss
	flaky.failures = 0
	eng.RetryParked(ctx)
	if depth := eng.Health().ParkedBatches; depth != 0 {
		t.Fatalf("ParkedBatches after recovery = %d, want 0", depth)
	}
	if eng.IsStale(session.ID) {
		t.Fatal("session should no longer be stale")
	}
	msgs, _ := mem.MessagesSince(ctx, session.ID, 0)
	if len(msgs) != 4 {
		t.Fatalf("recovered %d messages, want 4", len(msgs))
	}
}

func TestSyncFileRegistersCollidedProjects(t *testing.T) {
	root := t.TempDir()
	// "-home-dev-my-app" decodes ambiguously: /home/dev/my-app vs /home/dev/my/app
	dir := filepath.Join(root, "-home-dev-my-app")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	fileA := filepath.Join(dir, "sess-a.jsonl")
	fileB := filepath.Join(dir, "sess-b.jsonl")
	writeSessionLog(t, fileA, "/home/dev/my-app", 1, 2)
	writeSessionLog(t, fileB, "/home/dev/my/app", 1, 2)

	mem := store.NewMemoryStore()
	eng := newTestEngine(t, mem, root)
	ctx := context.Background()

	if err := eng.SyncFile(ctx, fileA); err != nil {
		t.Fatal(err)
	}
	if err := eng.SyncFile(ctx, fileB); err != nil {
		t.Fatal(err)
	}

	projA, err := mem.UpsertProject(ctx, "/home/dev/my-app", "-home-dev-my-app")
	if err != nil {
		t.Fatal(err)
	}
	projB, err := mem.UpsertProject(ctx, "/home/dev/my/app", "-home-dev-my-app")
	if err != nil {
		t.Fatal(err)
	}
	if projA.ID == projB.ID {
		t.Fatal("collided paths collapsed into one project")
	}

	sessA, _ := mem.FindSessionByExternalID(ctx, "sess-a")
	sessB, _ := mem.FindSessionByExternalID(ctx, "sess-b")
	if sessA.ProjectID == sessB.ProjectID {
		t.Fatal("sessions from different working dirs share a project")
	}

	paths, err := mem.CandidatePaths(ctx, "-home-dev-my-app")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("collision record holds %d paths, want 2", len(paths))
	}
}

func TestSyncFileBackfillsWhenStoreIsBehindCursor(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "-home-dev-backfill")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "sess-bf.jsonl")
	writeSessionLog(t, file, "/home/dev/backfill", 1, 6)

	stateDir := t.TempDir()
	opts := Options{
		Root:        root,
		StateFile:   filepath.Join(stateDir, "state.json"),
		ParkedFile:  filepath.Join(stateDir, "parked.json"),
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Logger:      testLogger(),
	}
	ctx := context.Background()

	first, err := New(store.NewMemoryStore(), identity.NewResolver(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.SyncFile(ctx, file); err != nil {
		t.Fatal(err)
	}

	// same cursor state, but the store lost everything: the next sync must
	// rewind over the whole range instead of trusting the cursor
	fresh := store.NewMemoryStore()
	second, err := New(fresh, identity.NewResolver(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := second.SyncFile(ctx, file); err != nil {
		t.Fatal(err)
	}
	session, err := fresh.FindSessionByExternalID(ctx, "sess-bf")
	if err != nil {
		t.Fatal(err)
	}
	if session.LastSequenceSeen != 6 {
		t.Fatalf("watermark after backfill = %d, want 6", session.LastSequenceSeen)
	}
	gaps, _ := fresh.IntegrityGaps(ctx, session.ID)
	if len(gaps) != 0 {
		t.Fatalf("gaps after backfill = %v, want none", gaps)
	}
	if second.IsStale(session.ID) {
		t.Fatal("session should not be stale once the backfill completed")
	}
}

func TestStartClosesOrphanedSessions(t *testing.T) {
	root := t.TempDir()
	mem := store.NewMemoryStore()
	ctx := context.Background()

	project, err := mem.UpsertProject(ctx, "/home/dev/stale", "-home-dev-stale")
	if err != nil {
		t.Fatal(err)
	}
	session, err := mem.EnsureSession(ctx, "orphan-1", project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session.Status != store.StatusActive {
		t.Fatalf("precondition: session status %s", session.Status)
	}

	eng := newTestEngine(t, mem, root)
	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer eng.Stop()

	got, err := mem.FindSessionByExternalID(ctx, "orphan-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusClosed {
		t.Fatalf("status after startup = %s, want closed", got.Status)
	}
}

func TestTeardownClosesSessionAndForgetsCursor(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "-home-dev-gone")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "sess-gone.jsonl")
	writeSessionLog(t, file, "/home/dev/gone", 1, 3)

	mem := store.NewMemoryStore()
	eng := newTestEngine(t, mem, root)
	ctx := context.Background()
	eng.ctx, eng.cancel = context.WithCancel(ctx)
	defer eng.cancel()

	if err := eng.SyncFile(ctx, file); err != nil {
		t.Fatal(err)
	}
	eng.kick(file)
	session, err := mem.FindSessionByExternalID(ctx, "sess-gone")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}
	eng.teardown(file)

	got, err := mem.FindSessionByExternalID(ctx, "sess-gone")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusClosed {
		t.Fatalf("status after teardown = %s, want closed", got.Status)
	}
	// committed messages survive the source disappearing
	msgs, _ := mem.MessagesSince(ctx, session.ID, 0)
	if len(msgs) != 3 {
		t.Fatalf("teardown lost committed messages: got %d", len(msgs))
	}
	if _, ok := eng.state.cursor(file); ok {
		t.Fatal("cursor for removed source should be forgotten")
	}
}

func TestLiveSessionsTracksAttachedSources(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "-home-dev-live")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "sess-live.jsonl")
	writeSessionLog(t, file, "/home/dev/live", 1, 2)

	mem := store.NewMemoryStore()
	eng := newTestEngine(t, mem, root)
	ctx := context.Background()
	eng.ctx, eng.cancel = context.WithCancel(ctx)
	defer eng.cancel()

	if live := eng.LiveSessions(); len(live) != 0 {
		t.Fatalf("no lanes yet, got %d live sessions", len(live))
	}
	if err := eng.SyncFile(ctx, file); err != nil {
		t.Fatal(err)
	}
	eng.kick(file)

	session, _ := mem.FindSessionByExternalID(ctx, "sess-live")
	live := eng.LiveSessions()
	if len(live) != 1 || live[0] != session.ID {
		t.Fatalf("LiveSessions() = %v, want [%s]", live, session.ID)
	}

	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}
	eng.teardown(file)
	if live := eng.LiveSessions(); len(live) != 0 {
		t.Fatalf("removed source still reads live: %v", live)
	}
}
