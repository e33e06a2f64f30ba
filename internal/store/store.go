// Package store is the engine's durable local persistence: the
// last-confirmed baseline per document and any unsent pending snapshot.
// Records survive process restarts through a pluggable backend.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/draftsync/draftsync/internal/document"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// StorageError wraps a backend failure. The store keeps serving from memory
// after one of these; unsaved work is at risk on crash until a later write
// succeeds.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "durable storage failed: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// BaselineRecord is the last server-confirmed copy of a document.
type BaselineRecord struct {
	DocumentID string           `json:"documentId"`
	Version    int64            `json:"version"`
	Blocks     []document.Block `json:"content"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// PendingRecord is a dirty snapshot that has not been confirmed by the
// server. Its timestamp drives crash recovery.
type PendingRecord struct {
	DocumentID  string           `json:"documentId"`
	Snapshot    []document.Block `json:"snapshot"`
	BaseVersion int64            `json:"baseVersion"`
	Timestamp   time.Time        `json:"timestamp"`
}

type persistedState struct {
	Baselines map[string]BaselineRecord `json:"baselines"`
	Pending   map[string]PendingRecord  `json:"pending"`
}

func newPersistedState() *persistedState {
	return &persistedState{
		Baselines: map[string]BaselineRecord{},
		Pending:   map[string]PendingRecord{},
	}
}

// Backend loads and saves the full persisted state.
type Backend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type backendCloser interface {
	Close() error
}

// Store serves reads from memory and writes through to the backend. A
// failing backend degrades the store to memory-only operation; the warn
// callback fires once per degradation so callers can tell the user that
// unsaved work is at risk.
type Store struct {
	mu       sync.RWMutex
	state    *persistedState
	backend  Backend
	degraded bool
	warn     func(error)
}

type Options struct {
	Backend Backend
	// OnStorageError is invoked outside the store lock when the backend
	// starts or keeps failing.
	OnStorageError func(error)
}

func New(opts Options) (*Store, error) {
	s := &Store{
		state:   newPersistedState(),
		backend: opts.Backend,
		warn:    opts.OnStorageError,
	}
	if s.backend != nil {
		loaded, err := s.backend.Load()
		if err != nil {
			return nil, &StorageError{Err: err}
		}
		if loaded != nil {
			if loaded.Baselines == nil {
				loaded.Baselines = map[string]BaselineRecord{}
			}
			if loaded.Pending == nil {
				loaded.Pending = map[string]PendingRecord{}
			}
			s.state = loaded
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(backendCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

// Degraded reports whether the last backend write failed.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *Store) Baseline(documentID string) (BaselineRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.Baselines[documentID]
	if ok {
		rec.Blocks = document.CloneBlocks(rec.Blocks)
	}
	return rec, ok
}

func (s *Store) SetBaseline(rec BaselineRecord) error {
	if rec.DocumentID == "" {
		return ErrInvalidInput
	}
	rec.Blocks = document.CloneBlocks(rec.Blocks)
	s.mu.Lock()
	s.state.Baselines[rec.DocumentID] = rec
	err := s.saveLocked()
	s.mu.Unlock()
	return s.report(err)
}

func (s *Store) Pending(documentID string) (PendingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.Pending[documentID]
	if ok {
		rec.Snapshot = document.CloneBlocks(rec.Snapshot)
	}
	return rec, ok
}

func (s *Store) SetPending(rec PendingRecord) error {
	if rec.DocumentID == "" {
		return ErrInvalidInput
	}
	if err := document.ValidateBlocks(rec.Snapshot); err != nil {
		return err
	}
	rec.Snapshot = document.CloneBlocks(rec.Snapshot)
	s.mu.Lock()
	s.state.Pending[rec.DocumentID] = rec
	err := s.saveLocked()
	s.mu.Unlock()
	return s.report(err)
}

func (s *Store) ClearPending(documentID string) error {
	s.mu.Lock()
	delete(s.state.Pending, documentID)
	err := s.saveLocked()
	s.mu.Unlock()
	return s.report(err)
}

func (s *Store) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Save(s.state); err != nil {
		s.degraded = true
		return &StorageError{Err: err}
	}
	s.degraded = false
	return nil
}

// report surfaces a storage error to the warn callback. The in-memory
// mutation has already taken effect, so callers keep working either way.
func (s *Store) report(err error) error {
	if err == nil {
		return nil
	}
	if s.warn != nil {
		s.warn(err)
	}
	return err
}
