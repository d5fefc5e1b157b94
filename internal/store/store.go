package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
)

type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusClosed   SessionStatus = "closed"
	StatusArchived SessionStatus = "archived"
)

// Project is one real working directory captured on this machine. Several
// projects may share an EncodedDirName because the on-disk encoding is lossy;
// CanonicalPath is unique among non-deleted projects.
type Project struct {
	ID             string    `json:"id"`
	CanonicalPath  string    `json:"canonicalPath"`
	EncodedDirName string    `json:"encodedDirName"`
	Deleted        bool      `json:"deleted,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Session struct {
	ID               string        `json:"id"`
	ExternalID       string        `json:"externalId"`
	ProjectID        string        `json:"projectId"`
	Status           SessionStatus `json:"status"`
	LastSequenceSeen int64         `json:"lastSequenceSeen"`
	MessageCount     int           `json:"messageCount"`
	FirstTimestamp   time.Time     `json:"firstTimestamp,omitempty"`
	LastTimestamp    time.Time     `json:"lastTimestamp,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Message is append-only once committed. UUID is assigned by the source
// recorder and is the idempotence key; Sequence is gapless in the source log.
type Message struct {
	UUID      string          `json:"uuid"`
	SessionID string          `json:"sessionId"`
	Sequence  int64           `json:"sequence"`
	Role      string          `json:"role"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// CollisionRecord materializes one encoded directory name observed with more
// than one canonical path, so consumers can react instead of silently picking
// one of the candidates.
type CollisionRecord struct {
	EncodedDirName string    `json:"encodedDirName"`
	CanonicalPaths []string  `json:"canonicalPaths"`
	Resolution     string    `json:"resolution"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// Store is the authoritative record of projects, sessions and messages.
type Store interface {
	// UpsertProject creates or refreshes the project for a canonical path.
	UpsertProject(ctx context.Context, canonicalPath, encodedDirName string) (Project, error)

	// FindSessionByExternalID looks a session up by its recorder-assigned id.
	FindSessionByExternalID(ctx context.Context, externalID string) (Session, error)

	// EnsureSession finds the session for externalID or creates it under
	// projectID in Active state.
	EnsureSession(ctx context.Context, externalID, projectID string) (Session, error)

	// AppendMessages commits messages in increasing sequence order and
	// returns how many were newly committed. Re-delivery of an
	// already-committed uuid is a no-op, never an error.
	AppendMessages(ctx context.Context, sessionID string, msgs []Message) (int, error)

	// MessagesSince returns all messages with sequence > after, ordered by
	// sequence.
	MessagesSince(ctx context.Context, sessionID string, after int64) ([]Message, error)

	// IntegrityGaps derives the missing sequence numbers between the first
	// and last committed sequence. It is computed from the committed set on
	// every call, never cached.
	IntegrityGaps(ctx context.Context, sessionID string) ([]int64, error)

	// CloseAllActive transitions every Active session to Closed and returns
	// how many were transitioned.
	CloseAllActive(ctx context.Context) (int, error)

	CloseSession(ctx context.Context, sessionID string) error

	// ArchiveSession transitions Closed to Archived; any other starting
	// status is ErrInvalidState.
	ArchiveSession(ctx context.Context, sessionID string) error

	// RecordCollision persists a collision so startups need not re-scan logs.
	RecordCollision(ctx context.Context, rec CollisionRecord) error

	// CandidatePaths returns every canonical path ever registered for an
	// encoded directory name.
	CandidatePaths(ctx context.Context, encodedDirName string) ([]string, error)

	Close() error
}

// ContiguousWatermark returns the highest sequence n such that every sequence
// from the smallest committed one through n is present. seqs need not be
// sorted.
func ContiguousWatermark(seqs []int64) int64 {
	if len(seqs) == 0 {
		return 0
	}
	present := make(map[int64]struct{}, len(seqs))
	min := seqs[0]
	for _, s := range seqs {
		present[s] = struct{}{}
		if s < min {
			min = s
		}
	}
	mark := min
	for {
		if _, ok := present[mark+1]; !ok {
			return mark
		}
		mark++
	}
}
