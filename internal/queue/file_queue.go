package queue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileQueue persists all entries as a single JSON file. Every mutation
// saves before returning; a failed save rolls the in-memory change back so
// memory and disk never disagree.
type FileQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	items    map[string][]Entry
}

type fileQueueState struct {
	Items map[string][]Entry `json:"items"`
}

func NewFileQueue(path string, capacity int) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &FileQueue{
		path:     path,
		capacity: capacity,
		items:    map[string][]Entry{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) Enqueue(e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items[e.DocumentID]) >= q.capacity {
		return ErrQueueFull
	}
	q.items[e.DocumentID] = append(q.items[e.DocumentID], e)
	if err := q.saveLocked(); err != nil {
		q.items[e.DocumentID] = q.items[e.DocumentID][:len(q.items[e.DocumentID])-1]
		return err
	}
	return nil
}

func (q *FileQueue) Head(documentID string) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[documentID]
	if len(items) == 0 {
		return Entry{}, false, nil
	}
	return items[0], true, nil
}

func (q *FileQueue) Ack(documentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[documentID]
	if len(items) == 0 {
		return ErrEmpty
	}
	head := items[0]
	if len(items) == 1 {
		delete(q.items, documentID)
	} else {
		q.items[documentID] = items[1:]
	}
	if err := q.saveLocked(); err != nil {
		q.items[documentID] = append([]Entry{head}, q.items[documentID]...)
		return err
	}
	return nil
}

func (q *FileQueue) Bump(documentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[documentID]
	if len(items) == 0 {
		return ErrEmpty
	}
	items[0].RetryCount++
	if err := q.saveLocked(); err != nil {
		items[0].RetryCount--
		return err
	}
	return nil
}

func (q *FileQueue) Entries(documentID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.items[documentID]...), nil
}

func (q *FileQueue) Documents() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.items))
	for id := range q.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (q *FileQueue) Depth(documentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[documentID])
}

func (q *FileQueue) Close() error {
	return nil
}

func (q *FileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Items == nil {
		return nil
	}
	// Entries written by an older or corrupted process are rejected here
	// rather than replayed against the server.
	for id, items := range snapshot.Items {
		for _, e := range items {
			if err := validateEntry(e); err != nil {
				return err
			}
		}
		q.items[id] = items
	}
	return nil
}

func (q *FileQueue) saveLocked() error {
	snapshot := fileQueueState{Items: q.items}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
