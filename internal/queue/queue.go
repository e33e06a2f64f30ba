// Package queue is the ordered, durable list of unsent save attempts,
// keyed by document id and replayed FIFO on reconnect. Entries leave the
// queue only after a confirmed success, so a crash mid-flush leaves them
// intact for the next session.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/draftsync/draftsync/internal/document"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrQueueFull    = errors.New("queue full")
	ErrEmpty        = errors.New("queue empty")
)

// Entry is one unsent save attempt.
type Entry struct {
	DocumentID  string           `json:"documentId"`
	Snapshot    []document.Block `json:"contentSnapshot"`
	BaseVersion int64            `json:"baseVersion"`
	CreatedAt   time.Time        `json:"createdAt"`
	RetryCount  int              `json:"retryCount"`
}

// Queue is a durable per-document FIFO.
type Queue interface {
	Enqueue(e Entry) error
	// Head returns the oldest entry for the document without removing it.
	Head(documentID string) (Entry, bool, error)
	// Ack removes the head entry after a confirmed success.
	Ack(documentID string) error
	// Bump increments the head entry's retry count in place.
	Bump(documentID string) error
	Entries(documentID string) ([]Entry, error)
	Documents() ([]string, error)
	Depth(documentID string) int
	Close() error
}

func validateEntry(e Entry) error {
	if e.DocumentID == "" {
		return ErrInvalidInput
	}
	return document.ValidateBlocks(e.Snapshot)
}

// MemoryQueue is the non-durable implementation used in tests and when no
// queue path is configured.
type MemoryQueue struct {
	mu       sync.Mutex
	capacity int
	items    map[string][]Entry
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		capacity: capacity,
		items:    map[string][]Entry{},
	}
}

func (q *MemoryQueue) Enqueue(e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items[e.DocumentID]) >= q.capacity {
		return ErrQueueFull
	}
	e.Snapshot = document.CloneBlocks(e.Snapshot)
	q.items[e.DocumentID] = append(q.items[e.DocumentID], e)
	return nil
}

func (q *MemoryQueue) Head(documentID string) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[documentID]
	if len(items) == 0 {
		return Entry{}, false, nil
	}
	head := items[0]
	head.Snapshot = document.CloneBlocks(head.Snapshot)
	return head, true, nil
}

func (q *MemoryQueue) Ack(documentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[documentID]
	if len(items) == 0 {
		return ErrEmpty
	}
	if len(items) == 1 {
		delete(q.items, documentID)
		return nil
	}
	q.items[documentID] = items[1:]
	return nil
}

func (q *MemoryQueue) Bump(documentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[documentID]
	if len(items) == 0 {
		return ErrEmpty
	}
	items[0].RetryCount++
	return nil
}

func (q *MemoryQueue) Entries(documentID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[documentID]
	out := make([]Entry, len(items))
	for i, e := range items {
		e.Snapshot = document.CloneBlocks(e.Snapshot)
		out[i] = e
	}
	return out, nil
}

func (q *MemoryQueue) Documents() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.items))
	for id := range q.items {
		out = append(out, id)
	}
	return out, nil
}

func (q *MemoryQueue) Depth(documentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[documentID])
}

func (q *MemoryQueue) Close() error {
	return nil
}
