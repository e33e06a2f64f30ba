package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/draftsync/draftsync/internal/queue"
	"github.com/draftsync/draftsync/internal/saveapi"
	"github.com/draftsync/draftsync/internal/store"
)

// Flusher replays the offline queue when connectivity returns. Entries
// leave the queue only on confirmed success; a conflict pauses the
// affected document and leaves everything behind it in place.
type Flusher struct {
	queue  queue.Queue
	guard  saveapi.Guard
	store  *store.Store
	logger Logger

	mu     sync.Mutex
	paused map[string]bool
}

func NewFlusher(q queue.Queue, guard saveapi.Guard, s *store.Store, logger Logger) *Flusher {
	return &Flusher{
		queue:  q,
		guard:  guard,
		store:  s,
		logger: logger,
		paused: map[string]bool{},
	}
}

// Paused reports whether automatic flushing is suspended for a document.
func (f *Flusher) Paused(documentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[documentID]
}

// Resume re-enables flushing after the document's conflict was resolved.
func (f *Flusher) Resume(documentID string) {
	f.mu.Lock()
	delete(f.paused, documentID)
	f.mu.Unlock()
}

// FlushAll replays every document's queue. The first error per document
// stops that document; other documents still get their turn.
func (f *Flusher) FlushAll(ctx context.Context) error {
	docs, err := f.queue.Documents()
	if err != nil {
		return err
	}
	var firstErr error
	for _, docID := range docs {
		if _, err := f.FlushDocument(ctx, docID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushDocument replays one document's entries oldest first and returns
// the last confirmed version, or 0 when nothing landed. Entries queued
// behind a confirmed one are resubmitted at the version it produced, since
// each snapshot supersedes the one before it.
func (f *Flusher) FlushDocument(ctx context.Context, documentID string) (int64, error) {
	if f.Paused(documentID) {
		return 0, nil
	}
	// The durable baseline floors the replay base: entries queued before a
	// conflict resolution landed still carry their stale base version.
	var lastVersion int64
	if f.store != nil {
		if rec, ok := f.store.Baseline(documentID); ok {
			lastVersion = rec.Version
		}
	}
	for {
		entry, ok, err := f.queue.Head(documentID)
		if err != nil {
			return lastVersion, err
		}
		if !ok {
			return lastVersion, nil
		}
		base := entry.BaseVersion
		if lastVersion > base {
			base = lastVersion
		}
		result, err := f.guard.Submit(ctx, documentID, base, entry.Snapshot)
		if err != nil {
			if errors.Is(err, saveapi.ErrConflict) {
				f.mu.Lock()
				f.paused[documentID] = true
				f.mu.Unlock()
				f.logf("flush %s: conflict, pausing replay with %d entries left", documentID, f.queue.Depth(documentID))
				return lastVersion, err
			}
			if bumpErr := f.queue.Bump(documentID); bumpErr != nil {
				f.logf("flush %s: bump: %v", documentID, bumpErr)
			}
			f.logf("flush %s: stopping on %v", documentID, err)
			return lastVersion, err
		}
		if err := f.queue.Ack(documentID); err != nil {
			return lastVersion, err
		}
		lastVersion = result.Version
		if f.store != nil {
			_ = f.store.SetBaseline(store.BaselineRecord{
				DocumentID: documentID,
				Version:    result.Version,
				Blocks:     entry.Snapshot,
				UpdatedAt:  result.UpdatedAt,
			})
		}
		f.logf("flush %s: entry from %s confirmed at v%d", documentID, entry.CreatedAt.Format("15:04:05"), result.Version)
	}
}

func (f *Flusher) logf(format string, args ...any) {
	if f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}
