// Package syncengine drives incremental transfer of messages from local
// append-only logs into the session store. One lane per watched log file
// keeps a single writer per session; lanes for different sessions run in
// parallel under a global concurrency cap.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/semaphore"

	"github.com/agentworkforce/sessionrelay/internal/identity"
	"github.com/agentworkforce/sessionrelay/internal/logreader"
	"github.com/agentworkforce/sessionrelay/internal/store"
)

const (
	defaultBatchSize   = 100
	defaultMaxWorkers  = 8
	defaultMaxAttempts = 4
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// GapRange is an inclusive range of sequence numbers pending backfill.
type GapRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Health is the engine's externally visible condition. Viewers of a session
// with parked batches or pending backfills get a stale-data indicator
// instead of an error.
type Health struct {
	ParkedBatches    int                   `json:"parkedBatches"`
	ParkedSessions   map[string]int        `json:"parkedSessions,omitempty"`
	PendingBackfills map[string][]GapRange `json:"pendingBackfills,omitempty"`
	LastSyncAt       time.Time             `json:"lastSyncAt,omitempty"`
}

type Options struct {
	Root        string
	StateFile   string
	ParkedFile  string
	BatchSize   int
	MaxWorkers  int64
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	OnMessage   func(sessionID string, msg store.Message)
	Logger      *slog.Logger
}

type lane struct {
	file   string
	notify chan struct{}
	cancel context.CancelFunc
}

// Engine watches a projects root and keeps the store caught up with every
// log file under it.
type Engine struct {
	store       store.Store
	resolver    *identity.Resolver
	root        string
	batchSize   int
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	onMessage   func(sessionID string, msg store.Message)
	logger      *slog.Logger
	sem         *semaphore.Weighted
	state       *stateFile
	parked      *parkedQueue

	mu       sync.Mutex
	lanes    map[string]*lane
	backfill map[string][]GapRange
	lastSync time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

func New(st store.Store, resolver *identity.Resolver, opts Options) (*Engine, error) {
	if st == nil || resolver == nil {
		return nil, store.ErrInvalidInput
	}
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("watch root is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = defaultMaxWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stateFilePath := strings.TrimSpace(opts.StateFile)
	if stateFilePath == "" {
		stateFilePath = filepath.Join(root, ".sessionrelay-state.json")
	}
	parkedPath := strings.TrimSpace(opts.ParkedFile)
	if parkedPath == "" {
		parkedPath = filepath.Join(root, ".sessionrelay-parked.json")
	}
	state, err := loadStateFile(stateFilePath)
	if err != nil {
		return nil, fmt.Errorf("load engine state: %w", err)
	}
	parked, err := newParkedQueue(parkedPath, 0)
	if err != nil {
		return nil, fmt.Errorf("load parked queue: %w", err)
	}
	return &Engine{
		store:       st,
		resolver:    resolver,
		root:        filepath.Clean(root),
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		onMessage:   opts.OnMessage,
		logger:      logger,
		sem:         semaphore.NewWeighted(opts.MaxWorkers),
		state:       state,
		parked:      parked,
		lanes:       map[string]*lane{},
		backfill:    map[string][]GapRange{},
	}, nil
}

// Start performs crash-recovery cleanup, retries parked batches, then begins
// watching. No session can be trusted to still be active across a restart:
// the local watcher that would have closed it gracefully is gone.
func (e *Engine) Start(ctx context.Context) error {
	closed, err := e.store.CloseAllActive(ctx)
	if err != nil {
		return fmt.Errorf("close orphaned sessions: %w", err)
	}
	if closed > 0 {
		e.logger.Info("closed orphaned sessions from previous run", "count", closed)
	}
	e.retryParked(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(e.root); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", e.root, err)
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.watcher = watcher

	if err := e.scanExisting(); err != nil {
		e.logger.Warn("initial scan incomplete", "error", err)
	}
	e.wg.Add(1)
	go e.watchLoop()
	return nil
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.watcher != nil {
		_ = e.watcher.Close()
	}
	e.wg.Wait()
}

func (e *Engine) scanExisting() error {
	return filepath.WalkDir(e.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if path != e.root {
				_ = e.watcher.Add(path)
			}
			return nil
		}
		if strings.HasSuffix(path, ".jsonl") {
			e.kick(path)
		}
		return nil
	})
}

func (e *Engine) watchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			e.handleEvent(event)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("watcher error", "error", err)
		}
	}
}

func (e *Engine) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = e.watcher.Add(event.Name)
			// files may already exist inside a freshly moved-in directory
			entries, err := os.ReadDir(event.Name)
			if err == nil {
				for _, entry := range entries {
					if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
						e.kick(filepath.Join(event.Name, entry.Name()))
					}
				}
			}
			return
		}
		if strings.HasSuffix(event.Name, ".jsonl") {
			e.kick(event.Name)
		}
	case event.Op.Has(fsnotify.Write):
		if strings.HasSuffix(event.Name, ".jsonl") {
			e.kick(event.Name)
		}
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		e.teardown(event.Name)
	}
}

// kick schedules a sync for one file, coalescing bursts of write events.
func (e *Engine) kick(file string) {
	e.mu.Lock()
	l, ok := e.lanes[file]
	if !ok {
		laneCtx, cancel := context.WithCancel(e.ctx)
		l = &lane{file: file, notify: make(chan struct{}, 1), cancel: cancel}
		e.lanes[file] = l
		e.wg.Add(1)
		go e.runLane(laneCtx, l)
	}
	e.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) runLane(ctx context.Context, l *lane) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.notify:
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := e.syncFile(ctx, l.file)
		e.sem.Release(1)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("sync failed", "file", l.file, "error", err)
		}
	}
}

// teardown cancels the lane for a removed source. Committed data stays in
// the store untouched; the session is closed since its recorder is gone.
func (e *Engine) teardown(name string) {
	e.mu.Lock()
	var removed []*lane
	for file, l := range e.lanes {
		if file == name || strings.HasPrefix(file, name+string(filepath.Separator)) {
			removed = append(removed, l)
			delete(e.lanes, file)
		}
	}
	e.mu.Unlock()
	for _, l := range removed {
		l.cancel()
		if cursor, ok := e.state.cursor(l.file); ok && cursor.SessionID != "" {
			ctx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.store.CloseSession(ctx, cursor.SessionID); err != nil {
				e.logger.Warn("close session on source removal", "session", cursor.SessionID, "error", err)
			}
			cancelClose()
		}
		_ = e.state.forget(l.file)
	}
}

// SyncFile synchronizes one log file immediately, outside the watcher path.
func (e *Engine) SyncFile(ctx context.Context, file string) error {
	return e.syncFile(ctx, file)
}

func (e *Engine) syncFile(ctx context.Context, file string) error {
	canonical, err := e.resolver.CanonicalPathOf(file)
	if err != nil {
		if errors.Is(err, identity.ErrNoWorkingDir) || errors.Is(err, os.ErrNotExist) {
			// nothing usable yet; the recorder has not written a cwd line
			return nil
		}
		return err
	}
	dir := filepath.Dir(file)
	if err := e.registerProjects(ctx, dir); err != nil {
		return err
	}
	project, err := e.store.UpsertProject(ctx, canonical, filepath.Base(dir))
	if err != nil {
		return err
	}

	externalID := strings.TrimSuffix(filepath.Base(file), ".jsonl")
	cursor, _ := e.state.cursor(file)
	session, err := e.store.EnsureSession(ctx, externalID, project.ID)
	if err != nil {
		return err
	}
	reader := logreader.ResumeReader(file, cursor.Offset, cursor.Sequence)

	if err := e.reconcileGaps(ctx, session, reader); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		records, err := reader.Next(e.batchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		msgs := make([]store.Message, 0, len(records))
		for _, record := range records {
			msgs = append(msgs, store.Message{
				UUID:      record.UUID,
				SessionID: session.ID,
				Sequence:  record.Sequence,
				Role:      record.Role,
				Type:      record.Type,
				Content:   logreader.EncodeContent(record.Content),
				Timestamp: record.Timestamp,
			})
		}
		if err := e.commitBatch(ctx, session.ID, file, msgs); err != nil {
			return err
		}
		if err := e.state.setCursor(file, fileCursor{
			Offset:     reader.Offset(),
			Sequence:   reader.Sequence(),
			SessionID:  session.ID,
			ExternalID: externalID,
			Canonical:  canonical,
		}); err != nil {
			return fmt.Errorf("persist cursor: %w", err)
		}
	}

	e.refreshBackfillState(ctx, session.ID)
	e.mu.Lock()
	e.lastSync = time.Now()
	e.mu.Unlock()
	return nil
}

// registerProjects resolves the whole encoded directory and, on a collision,
// registers every candidate as its own project plus a collision record. A
// collided name must never silently collapse onto the majority path.
func (e *Engine) registerProjects(ctx context.Context, dir string) error {
	resolution, err := e.resolver.Resolve(dir)
	if err != nil {
		if errors.Is(err, identity.ErrNoWorkingDir) {
			return nil
		}
		return err
	}
	if !resolution.Collided {
		return nil
	}
	paths := make([]string, 0, len(resolution.Samples))
	for _, sample := range resolution.Samples {
		if _, err := e.store.UpsertProject(ctx, sample.Path, resolution.EncodedDirName); err != nil {
			return err
		}
		paths = append(paths, sample.Path)
	}
	sort.Strings(paths)
	return e.store.RecordCollision(ctx, store.CollisionRecord{
		EncodedDirName: resolution.EncodedDirName,
		CanonicalPaths: paths,
		Resolution:     "latest-modified",
	})
}

// reconcileGaps compares the reader cursor with the store's committed state
// and rewinds the reader over any missing range instead of advancing the
// watermark past it.
func (e *Engine) reconcileGaps(ctx context.Context, session store.Session, reader *logreader.Reader) error {
	gaps, err := e.store.IntegrityGaps(ctx, session.ID)
	if err != nil {
		return err
	}
	current, err := e.store.FindSessionByExternalID(ctx, session.ExternalID)
	if err != nil {
		return err
	}
	rewindTo := reader.Sequence()
	if len(gaps) > 0 && gaps[0]-1 < rewindTo {
		rewindTo = gaps[0] - 1
	}
	if current.LastSequenceSeen < rewindTo && reader.Sequence() > current.LastSequenceSeen {
		rewindTo = current.LastSequenceSeen
	}
	if rewindTo >= reader.Sequence() {
		return nil
	}
	e.recordBackfill(session.ID, GapRange{From: rewindTo + 1, To: reader.Sequence()})
	e.logger.Info("sequence gap detected, backfilling from source",
		"session", session.ExternalID, "from", rewindTo+1, "to", reader.Sequence())
	return reader.SeekSequence(rewindTo)
}

// commitBatch writes one batch with bounded exponential backoff. On
// exhaustion the batch is parked, never dropped, and the cursor may safely
// advance because the parked copy is durable.
func (e *Engine) commitBatch(ctx context.Context, sessionID, file string, msgs []store.Message) error {
	var lastErr error
	delay := e.baseDelay
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		committed, err := e.store.AppendMessages(ctx, sessionID, msgs)
		if err == nil {
			if committed > 0 && e.onMessage != nil {
				for _, msg := range msgs {
					e.onMessage(sessionID, msg)
				}
			}
			return nil
		}
		lastErr = err
		if attempt == e.maxAttempts {
			break
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
		delay *= 2
		if delay > e.maxDelay {
			delay = e.maxDelay
		}
	}
	batch := ParkedBatch{
		SessionID:     sessionID,
		SourceFile:    file,
		FirstSequence: msgs[0].Sequence,
		LastSequence:  msgs[len(msgs)-1].Sequence,
		Messages:      msgs,
		ParkedAt:      time.Now(),
		LastError:     lastErr.Error(),
	}
	if !e.parked.TryEnqueue(batch) {
		return fmt.Errorf("park batch for session %s: queue rejected it: %w", sessionID, lastErr)
	}
	e.logger.Error("batch parked after exhausting retries",
		"session", sessionID, "first", batch.FirstSequence, "last", batch.LastSequence, "error", lastErr)
	return nil
}

// retryParked re-drives batches parked by a previous run. A batch that
// still fails goes back to the queue and retrying stops until next startup
// or an explicit RetryParked call.
func (e *Engine) retryParked(ctx context.Context) {
	for {
		batch, ok := e.parked.TryDequeue()
		if !ok {
			return
		}
		if _, err := e.store.AppendMessages(ctx, batch.SessionID, batch.Messages); err != nil {
			batch.LastError = err.Error()
			e.parked.TryEnqueue(batch)
			e.logger.Warn("parked batch still failing", "session", batch.SessionID, "error", err)
			return
		}
		e.logger.Info("parked batch recovered", "session", batch.SessionID,
			"first", batch.FirstSequence, "last", batch.LastSequence)
	}
}

// RetryParked retries all currently parked batches once.
func (e *Engine) RetryParked(ctx context.Context) {
	e.retryParked(ctx)
}

func (e *Engine) recordBackfill(sessionID string, r GapRange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backfill[sessionID] = append(e.backfill[sessionID], r)
}

func (e *Engine) refreshBackfillState(ctx context.Context, sessionID string) {
	e.mu.Lock()
	_, pending := e.backfill[sessionID]
	e.mu.Unlock()
	if !pending {
		return
	}
	gaps, err := e.store.IntegrityGaps(ctx, sessionID)
	if err != nil || len(gaps) > 0 {
		return
	}
	e.mu.Lock()
	delete(e.backfill, sessionID)
	e.mu.Unlock()
}

// Health reports parked batches and pending backfills for surfacing to
// operators and to viewers as a stale-data indicator.
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := make(map[string][]GapRange, len(e.backfill))
	for sessionID, ranges := range e.backfill {
		pending[sessionID] = append([]GapRange(nil), ranges...)
	}
	return Health{
		ParkedBatches:    e.parked.Depth(),
		ParkedSessions:   e.parked.Sessions(),
		PendingBackfills: pending,
		LastSyncAt:       e.lastSync,
	}
}

// IsStale reports whether viewers of a session should see a stale-data
// indicator.
func (e *Engine) IsStale(sessionID string) bool {
	e.mu.Lock()
	_, pending := e.backfill[sessionID]
	e.mu.Unlock()
	if pending {
		return true
	}
	_, parked := e.parked.Sessions()[sessionID]
	return parked
}

// LiveSessions lists sessions with an attached recorder: every lane whose
// source file still exists and has produced a session.
func (e *Engine) LiveSessions() []string {
	e.mu.Lock()
	files := make([]string, 0, len(e.lanes))
	for file := range e.lanes {
		files = append(files, file)
	}
	e.mu.Unlock()
	seen := map[string]struct{}{}
	var sessions []string
	for _, file := range files {
		cursor, ok := e.state.cursor(file)
		if !ok || cursor.SessionID == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if _, dup := seen[cursor.SessionID]; dup {
			continue
		}
		seen[cursor.SessionID] = struct{}{}
		sessions = append(sessions, cursor.SessionID)
	}
	sort.Strings(sessions)
	return sessions
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
