package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	defaultTablePrefix = "sessionrelay"

	pgOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the durable Store. Tables are created lazily on first use
// so a fresh database needs no separate migration step.
type PostgresStore struct {
	dsn         string
	openDB      sqlOpenFunc
	tablePrefix string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open, tablePrefix: defaultTablePrefix}, nil
}

func (s *PostgresStore) table(suffix string) string {
	return pgQuoteIdentifier(s.tablePrefix + "_" + suffix)
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), pgOperationTimeout)
		defer cancel()
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					canonical_path TEXT NOT NULL UNIQUE,
					encoded_dir_name TEXT NOT NULL DEFAULT '',
					deleted BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, s.table("projects")),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					external_id TEXT NOT NULL UNIQUE,
					project_id TEXT NOT NULL,
					status TEXT NOT NULL,
					last_sequence_seen BIGINT NOT NULL DEFAULT 0,
					message_count INTEGER NOT NULL DEFAULT 0,
					first_ts TIMESTAMPTZ,
					last_ts TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, s.table("sessions")),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					session_id TEXT NOT NULL,
					uuid TEXT NOT NULL,
					sequence BIGINT NOT NULL,
					role TEXT NOT NULL DEFAULT '',
					type TEXT NOT NULL DEFAULT '',
					content TEXT NOT NULL DEFAULT '',
					ts TIMESTAMPTZ,
					PRIMARY KEY (session_id, uuid),
					UNIQUE (session_id, sequence)
				)`, s.table("messages")),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					encoded_dir_name TEXT NOT NULL,
					canonical_path TEXT NOT NULL,
					PRIMARY KEY (encoded_dir_name, canonical_path)
				)`, s.table("path_index")),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					encoded_dir_name TEXT PRIMARY KEY,
					canonical_paths TEXT NOT NULL,
					resolution TEXT NOT NULL DEFAULT '',
					recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, s.table("collisions")),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) UpsertProject(ctx context.Context, canonicalPath, encodedDirName string) (Project, error) {
	canonicalPath = strings.TrimSpace(canonicalPath)
	if canonicalPath == "" {
		return Project{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Project{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, canonical_path, encoded_dir_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (canonical_path)
		DO UPDATE SET encoded_dir_name = EXCLUDED.encoded_dir_name, updated_at = NOW()
		RETURNING id, canonical_path, encoded_dir_name, deleted, created_at, updated_at`,
		s.table("projects"))
	var project Project
	err := s.db.QueryRowContext(ctx, query, uuid.NewString(), canonicalPath, encodedDirName).Scan(
		&project.ID, &project.CanonicalPath, &project.EncodedDirName,
		&project.Deleted, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("upsert project: %w", err)
	}
	if encodedDirName != "" {
		indexQuery := fmt.Sprintf(`
			INSERT INTO %s (encoded_dir_name, canonical_path)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, s.table("path_index"))
		if _, err := s.db.ExecContext(ctx, indexQuery, encodedDirName, canonicalPath); err != nil {
			return Project{}, fmt.Errorf("index project path: %w", err)
		}
	}
	return project, nil
}

func (s *PostgresStore) FindSessionByExternalID(ctx context.Context, externalID string) (Session, error) {
	if err := s.ensureReady(); err != nil {
		return Session{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, external_id, project_id, status, last_sequence_seen,
		       message_count, first_ts, last_ts, created_at, updated_at
		FROM %s WHERE external_id = $1`, s.table("sessions"))
	return s.scanSession(s.db.QueryRowContext(ctx, query, externalID))
}

func (s *PostgresStore) EnsureSession(ctx context.Context, externalID, projectID string) (Session, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Session{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Session{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, external_id, project_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO UPDATE SET updated_at = %s.updated_at
		RETURNING id, external_id, project_id, status, last_sequence_seen,
		          message_count, first_ts, last_ts, created_at, updated_at`,
		s.table("sessions"), s.table("sessions"))
	return s.scanSession(s.db.QueryRowContext(ctx, query, uuid.NewString(), externalID, projectID, string(StatusActive)))
}

func (s *PostgresStore) AppendMessages(ctx context.Context, sessionID string, msgs []Message) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := 0
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()
	insert := fmt.Sprintf(`
		INSERT INTO %s (session_id, uuid, sequence, role, type, content, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`, s.table("messages"))
	var firstTS, lastTS time.Time
	for _, msg := range msgs {
		if msg.UUID == "" {
			continue
		}
		result, err := tx.ExecContext(ctx, insert, sessionID, msg.UUID, msg.Sequence,
			msg.Role, msg.Type, string(msg.Content), msg.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("append message %s: %w", msg.UUID, err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			continue
		}
		committed++
		if firstTS.IsZero() || msg.Timestamp.Before(firstTS) {
			firstTS = msg.Timestamp
		}
		if msg.Timestamp.After(lastTS) {
			lastTS = msg.Timestamp
		}
	}
	if committed > 0 {
		seqs, err := s.sessionSequences(ctx, tx, sessionID)
		if err != nil {
			return 0, err
		}
		update := fmt.Sprintf(`
			UPDATE %s SET
				last_sequence_seen = $2,
				message_count = message_count + $3,
				first_ts = LEAST(COALESCE(first_ts, $4), $4),
				last_ts = GREATEST(COALESCE(last_ts, $5), $5),
				updated_at = NOW()
			WHERE id = $1`, s.table("sessions"))
		if _, err := tx.ExecContext(ctx, update, sessionID, ContiguousWatermark(seqs), committed, firstTS, lastTS); err != nil {
			return 0, fmt.Errorf("advance watermark: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	done = true
	return committed, nil
}

func (s *PostgresStore) MessagesSince(ctx context.Context, sessionID string, after int64) ([]Message, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT session_id, uuid, sequence, role, type, content, ts
		FROM %s
		WHERE session_id = $1 AND sequence > $2
		ORDER BY sequence ASC`, s.table("messages"))
	rows, err := s.db.QueryContext(ctx, query, sessionID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var msg Message
		var content string
		var ts sql.NullTime
		if err := rows.Scan(&msg.SessionID, &msg.UUID, &msg.Sequence, &msg.Role, &msg.Type, &content, &ts); err != nil {
			return nil, err
		}
		if content != "" {
			msg.Content = []byte(content)
		}
		if ts.Valid {
			msg.Timestamp = ts.Time
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IntegrityGaps(ctx context.Context, sessionID string) ([]int64, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	seqs, err := s.sessionSequences(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	return gapsInSequenceSet(seqs), nil
}

func (s *PostgresStore) CloseAllActive(ctx context.Context) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = NOW()
		WHERE status = $2`, s.table("sessions"))
	result, err := s.db.ExecContext(ctx, query, string(StatusClosed), string(StatusActive))
	if err != nil {
		return 0, err
	}
	count, _ := result.RowsAffected()
	return int(count), nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`, s.table("sessions"))
	_, err := s.db.ExecContext(ctx, query, string(StatusClosed), sessionID, string(StatusActive))
	return err
}

func (s *PostgresStore) ArchiveSession(ctx context.Context, sessionID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`, s.table("sessions"))
	result, err := s.db.ExecContext(ctx, query, string(StatusArchived), sessionID, string(StatusClosed))
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) RecordCollision(ctx context.Context, rec CollisionRecord) error {
	if strings.TrimSpace(rec.EncodedDirName) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (encoded_dir_name, canonical_paths, resolution)
		VALUES ($1, $2, $3)
		ON CONFLICT (encoded_dir_name)
		DO UPDATE SET canonical_paths = EXCLUDED.canonical_paths,
		              resolution = EXCLUDED.resolution,
		              recorded_at = NOW()`, s.table("collisions"))
	if _, err := s.db.ExecContext(ctx, query, rec.EncodedDirName, strings.Join(rec.CanonicalPaths, "\n"), rec.Resolution); err != nil {
		return err
	}
	index := fmt.Sprintf(`
		INSERT INTO %s (encoded_dir_name, canonical_path)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, s.table("path_index"))
	for _, p := range rec.CanonicalPaths {
		if _, err := s.db.ExecContext(ctx, index, rec.EncodedDirName, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) CandidatePaths(ctx context.Context, encodedDirName string) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, pgOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT canonical_path FROM %s
		WHERE encoded_dir_name = $1
		ORDER BY canonical_path ASC`, s.table("path_index"))
	rows, err := s.db.QueryContext(ctx, query, encodedDirName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) sessionSequences(ctx context.Context, q queryer, sessionID string) ([]int64, error) {
	query := fmt.Sprintf("SELECT sequence FROM %s WHERE session_id = $1", s.table("messages"))
	rows, err := q.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func (s *PostgresStore) scanSession(row *sql.Row) (Session, error) {
	var session Session
	var status string
	var firstTS, lastTS sql.NullTime
	err := row.Scan(&session.ID, &session.ExternalID, &session.ProjectID, &status,
		&session.LastSequenceSeen, &session.MessageCount, &firstTS, &lastTS,
		&session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	session.Status = SessionStatus(status)
	if firstTS.Valid {
		session.FirstTimestamp = firstTS.Time
	}
	if lastTS.Valid {
		session.LastTimestamp = lastTS.Time
	}
	return session, nil
}

func pgQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
