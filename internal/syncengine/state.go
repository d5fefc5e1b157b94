package syncengine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// fileCursor is the durable per-source position: the byte offset and
// sequence number of the last fully committed batch, plus the store session
// the file maps to. Offsets only advance after the store accepts a batch,
// so a crash re-reads at most one committed batch, which the store
// deduplicates by uuid.
type fileCursor struct {
	Offset     int64  `json:"offset"`
	Sequence   int64  `json:"sequence"`
	SessionID  string `json:"sessionId"`
	ExternalID string `json:"externalId"`
	Canonical  string `json:"canonicalPath"`
}

type engineState struct {
	Files map[string]fileCursor `json:"files"`
}

// stateFile persists engine cursors across restarts with atomic writes.
type stateFile struct {
	path string
	mu   sync.Mutex
	data engineState
}

func loadStateFile(path string) (*stateFile, error) {
	s := &stateFile{path: path, data: engineState{Files: map[string]fileCursor{}}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	var data engineState
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data.Files == nil {
		data.Files = map[string]fileCursor{}
	}
	s.data = data
	return s, nil
}

func (s *stateFile) cursor(file string) (fileCursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.data.Files[file]
	return cursor, ok
}

func (s *stateFile) setCursor(file string, cursor fileCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Files[file] = cursor
	return s.saveLocked()
}

func (s *stateFile) forget(file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Files[file]; !ok {
		return nil
	}
	delete(s.data.Files, file)
	return s.saveLocked()
}

func (s *stateFile) saveLocked() error {
	raw, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, raw, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
