package syncengine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/sessionrelay/internal/store"
)

// ParkedBatch is a batch that exhausted its store-write retries. Parked
// batches are never dropped: they survive restarts in the queue file and are
// retried when the engine comes back up.
type ParkedBatch struct {
	SessionID     string          `json:"sessionId"`
	SourceFile    string          `json:"sourceFile"`
	FirstSequence int64           `json:"firstSequence"`
	LastSequence  int64           `json:"lastSequence"`
	Messages      []store.Message `json:"messages"`
	ParkedAt      time.Time       `json:"parkedAt"`
	LastError     string          `json:"lastError,omitempty"`
}

type parkedQueueState struct {
	Items []ParkedBatch `json:"items"`
}

// parkedQueue is a file-backed FIFO of parked batches with atomic saves.
type parkedQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    []ParkedBatch
}

func newParkedQueue(path string, capacity int) (*parkedQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, store.ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &parkedQueue{path: path, capacity: capacity, items: []ParkedBatch{}}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *parkedQueue) TryEnqueue(batch ParkedBatch) bool {
	if batch.SessionID == "" || len(batch.Messages) == 0 {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, batch)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *parkedQueue) TryDequeue() (ParkedBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ParkedBatch{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]ParkedBatch{item}, q.items...)
		return ParkedBatch{}, false
	}
	return item, true
}

func (q *parkedQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Sessions lists the sessions that currently have parked batches.
func (q *parkedQueue) Sessions() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[string]int{}
	for _, item := range q.items {
		out[item.SessionID]++
	}
	return out
}

func (q *parkedQueue) Snapshot() []ParkedBatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ParkedBatch(nil), q.items...)
}

func (q *parkedQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot parkedQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		snapshot.Items = snapshot.Items[len(snapshot.Items)-q.capacity:]
	}
	q.items = append([]ParkedBatch(nil), snapshot.Items...)
	return nil
}

func (q *parkedQueue) saveLocked() error {
	snapshot := parkedQueueState{Items: append([]ParkedBatch(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(q.path, data, 0o644)
}
