package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used by tests and by deployments that
// run without Postgres. All maps are guarded by one RWMutex; per-session
// write ordering is the caller's responsibility (the sync engine keeps a
// single writer per session).
type MemoryStore struct {
	mu              sync.RWMutex
	projectsByPath  map[string]Project
	sessionsByID    map[string]*Session
	sessionsByExt   map[string]string
	messages        map[string][]Message
	messageUUIDs    map[string]map[string]struct{}
	messageSeqs     map[string]map[int64]struct{}
	encodedIndex    map[string]map[string]struct{}
	collisions      map[string]CollisionRecord
	now             func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projectsByPath: map[string]Project{},
		sessionsByID:   map[string]*Session{},
		sessionsByExt:  map[string]string{},
		messages:       map[string][]Message{},
		messageUUIDs:   map[string]map[string]struct{}{},
		messageSeqs:    map[string]map[int64]struct{}{},
		encodedIndex:   map[string]map[string]struct{}{},
		collisions:     map[string]CollisionRecord{},
		now:            time.Now,
	}
}

func (s *MemoryStore) UpsertProject(ctx context.Context, canonicalPath, encodedDirName string) (Project, error) {
	canonicalPath = strings.TrimSpace(canonicalPath)
	if canonicalPath == "" {
		return Project{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	project, ok := s.projectsByPath[canonicalPath]
	if !ok {
		project = Project{
			ID:             uuid.NewString(),
			CanonicalPath:  canonicalPath,
			EncodedDirName: encodedDirName,
			CreatedAt:      now,
		}
	}
	project.EncodedDirName = encodedDirName
	project.UpdatedAt = now
	s.projectsByPath[canonicalPath] = project
	if encodedDirName != "" {
		paths, ok := s.encodedIndex[encodedDirName]
		if !ok {
			paths = map[string]struct{}{}
			s.encodedIndex[encodedDirName] = paths
		}
		paths[canonicalPath] = struct{}{}
	}
	return project, nil
}

func (s *MemoryStore) FindSessionByExternalID(ctx context.Context, externalID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessionsByExt[externalID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s.sessionsByID[id], nil
}

func (s *MemoryStore) EnsureSession(ctx context.Context, externalID, projectID string) (Session, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Session{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.sessionsByExt[externalID]; ok {
		return *s.sessionsByID[id], nil
	}
	now := s.now()
	session := &Session{
		ID:         uuid.NewString(),
		ExternalID: externalID,
		ProjectID:  projectID,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.sessionsByID[session.ID] = session
	s.sessionsByExt[externalID] = session.ID
	return *session, nil
}

func (s *MemoryStore) AppendMessages(ctx context.Context, sessionID string, msgs []Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	uuids, ok := s.messageUUIDs[sessionID]
	if !ok {
		uuids = map[string]struct{}{}
		s.messageUUIDs[sessionID] = uuids
	}
	seqs, ok := s.messageSeqs[sessionID]
	if !ok {
		seqs = map[int64]struct{}{}
		s.messageSeqs[sessionID] = seqs
	}
	committed := 0
	for _, msg := range msgs {
		if msg.UUID == "" {
			continue
		}
		if _, dup := uuids[msg.UUID]; dup {
			continue
		}
		if _, taken := seqs[msg.Sequence]; taken {
			// A different uuid claiming a committed sequence would break
			// the no-duplicate-sequence invariant; drop it.
			continue
		}
		msg.SessionID = sessionID
		s.messages[sessionID] = append(s.messages[sessionID], msg)
		uuids[msg.UUID] = struct{}{}
		seqs[msg.Sequence] = struct{}{}
		committed++
		session.MessageCount++
		if session.FirstTimestamp.IsZero() || msg.Timestamp.Before(session.FirstTimestamp) {
			session.FirstTimestamp = msg.Timestamp
		}
		if msg.Timestamp.After(session.LastTimestamp) {
			session.LastTimestamp = msg.Timestamp
		}
	}
	if committed > 0 {
		all := make([]int64, 0, len(seqs))
		for seq := range seqs {
			all = append(all, seq)
		}
		session.LastSequenceSeen = ContiguousWatermark(all)
		session.UpdatedAt = s.now()
	}
	return committed, nil
}

func (s *MemoryStore) MessagesSince(ctx context.Context, sessionID string, after int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessionsByID[sessionID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Message, 0)
	for _, msg := range s.messages[sessionID] {
		if msg.Sequence > after {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) IntegrityGaps(ctx context.Context, sessionID string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessionsByID[sessionID]; !ok {
		return nil, ErrNotFound
	}
	seqs := make([]int64, 0, len(s.messageSeqs[sessionID]))
	for seq := range s.messageSeqs[sessionID] {
		seqs = append(seqs, seq)
	}
	return gapsInSequenceSet(seqs), nil
}

func (s *MemoryStore) CloseAllActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	now := s.now()
	for _, session := range s.sessionsByID {
		if session.Status == StatusActive {
			session.Status = StatusClosed
			session.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CloseSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.Status == StatusActive {
		session.Status = StatusClosed
		session.UpdatedAt = s.now()
	}
	return nil
}

func (s *MemoryStore) ArchiveSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.Status != StatusClosed {
		return ErrInvalidState
	}
	session.Status = StatusArchived
	session.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RecordCollision(ctx context.Context, rec CollisionRecord) error {
	if strings.TrimSpace(rec.EncodedDirName) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	s.collisions[rec.EncodedDirName] = rec
	paths, ok := s.encodedIndex[rec.EncodedDirName]
	if !ok {
		paths = map[string]struct{}{}
		s.encodedIndex[rec.EncodedDirName] = paths
	}
	for _, p := range rec.CanonicalPaths {
		paths[p] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) CandidatePaths(ctx context.Context, encodedDirName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.encodedIndex[encodedDirName]))
	for p := range s.encodedIndex[encodedDirName] {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// gapsInSequenceSet sorts the committed sequences and scans for
// non-contiguous runs; an empty or contiguous set has no gaps.
func gapsInSequenceSet(seqs []int64) []int64 {
	gaps := []int64{}
	if len(seqs) == 0 {
		return gaps
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i := 1; i < len(seqs); i++ {
		for missing := seqs[i-1] + 1; missing < seqs[i]; missing++ {
			gaps = append(gaps, missing)
		}
	}
	return gaps
}
