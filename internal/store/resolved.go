package store

import (
	"context"
	"strings"
	"sync"
)

// EndpointSource hands out the current address of a named service and pins
// it for the duration of one operation; the release func must be called
// when the operation finishes so an endpoint switch can drain first.
type EndpointSource interface {
	Endpoint(ctx context.Context, serviceName string) (string, func(), error)
}

// OpenFunc builds a Store for a resolved address.
type OpenFunc func(address string) (Store, error)

// ResolvedStore routes every operation through an EndpointSource. The
// backing store is rebuilt when the resolved address changes; because each
// operation holds its endpoint pin until it returns, the source drains all
// work against the old address before the new one is ever handed out, so a
// session's writes never interleave across two endpoints.
type ResolvedStore struct {
	source  EndpointSource
	service string
	open    OpenFunc

	mu      sync.Mutex
	address string
	inner   Store
}

func NewResolvedStore(source EndpointSource, serviceName string, open OpenFunc) (*ResolvedStore, error) {
	serviceName = strings.TrimSpace(serviceName)
	if source == nil || open == nil || serviceName == "" {
		return nil, ErrInvalidInput
	}
	return &ResolvedStore{source: source, service: serviceName, open: open}, nil
}

// acquire resolves and pins the current endpoint, rebuilding the backing
// store if the address moved since the last operation. The old store is
// only closed here, after the source has drained its pinned operations.
func (s *ResolvedStore) acquire(ctx context.Context) (Store, func(), error) {
	address, release, err := s.source.Endpoint(ctx, s.service)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	if s.inner == nil || s.address != address {
		inner, err := s.open(address)
		if err != nil {
			s.mu.Unlock()
			release()
			return nil, nil, err
		}
		if s.inner != nil {
			_ = s.inner.Close()
		}
		s.inner = inner
		s.address = address
	}
	inner := s.inner
	s.mu.Unlock()
	return inner, release, nil
}

func (s *ResolvedStore) UpsertProject(ctx context.Context, canonicalPath, encodedDirName string) (Project, error) {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return Project{}, err
	}
	defer release()
	return inner.UpsertProject(ctx, canonicalPath, encodedDirName)
}

func (s *ResolvedStore) FindSessionByExternalID(ctx context.Context, externalID string) (Session, error) {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return Session{}, err
	}
	defer release()
	return inner.FindSessionByExternalID(ctx, externalID)
}

func (s *ResolvedStore) EnsureSession(ctx context.Context, externalID, projectID string) (Session, error) {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return Session{}, err
	}
	defer release()
	return inner.EnsureSession(ctx, externalID, projectID)
}

func (s *ResolvedStore) AppendMessages(ctx context.Context, sessionID string, msgs []Message) (int, error) {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return inner.AppendMessages(ctx, sessionID, msgs)
}

func (s *ResolvedStore) MessagesSince(ctx context.Context, sessionID string, after int64) ([]Message, error) {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return inner.MessagesSince(ctx, sessionID, after)
}

func (s *ResolvedStore) IntegrityGaps(ctx context.Context, sessionID string) ([]int64, error) {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return inner.IntegrityGaps(ctx, sessionID)
}

func (s *ResolvedStore) CloseAllActive(ctx context.Context) (int, error) {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return inner.CloseAllActive(ctx)
}

func (s *ResolvedStore) CloseSession(ctx context.Context, sessionID string) error {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return inner.CloseSession(ctx, sessionID)
}

func (s *ResolvedStore) ArchiveSession(ctx context.Context, sessionID string) error {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return inner.ArchiveSession(ctx, sessionID)
}

func (s *ResolvedStore) RecordCollision(ctx context.Context, rec CollisionRecord) error {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return inner.RecordCollision(ctx, rec)
}

func (s *ResolvedStore) CandidatePaths(ctx context.Context, encodedDirName string) ([]string, error) {
	inner, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return inner.CandidatePaths(ctx, encodedDirName)
}

func (s *ResolvedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner == nil {
		return nil
	}
	err := s.inner.Close()
	s.inner = nil
	return err
}
