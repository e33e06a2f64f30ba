package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/draftsync/draftsync/internal/queue"
	"github.com/draftsync/draftsync/internal/saveapi"
)

func enqueue(t *testing.T, q queue.Queue, docID, text string, base int64) {
	t.Helper()
	err := q.Enqueue(queue.Entry{
		DocumentID:  docID,
		Snapshot:    draft(text),
		BaseVersion: base,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestFlushReplaysOldestFirst(t *testing.T) {
	guard := &fakeGuard{version: 3, content: draft("server")}
	q := queue.NewMemoryQueue(0)
	enqueue(t, q, "doc-1", "first", 3)
	enqueue(t, q, "doc-1", "second", 3)
	enqueue(t, q, "doc-1", "third", 3)

	f := NewFlusher(q, guard, nil, nil)
	version, err := f.FlushDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if version != 6 {
		t.Fatalf("expected three confirmed saves ending at v6, got %d", version)
	}
	texts := make([]string, len(guard.submits))
	for i, call := range guard.submits {
		texts[i] = call.snapshot[0].Text
	}
	if texts[0] != "first" || texts[1] != "second" || texts[2] != "third" {
		t.Fatalf("replay out of order: %v", texts)
	}
	if q.Depth("doc-1") != 0 {
		t.Fatalf("entries should be gone after confirmed replay")
	}
}

func TestFlushConflictPausesDocumentWithoutPurging(t *testing.T) {
	// Server moved to v10 while these entries sat at base 3.
	guard := &fakeGuard{version: 10, content: draft("someone else won")}
	q := queue.NewMemoryQueue(0)
	enqueue(t, q, "doc-1", "stale head", 3)
	enqueue(t, q, "doc-1", "stale tail", 3)
	enqueue(t, q, "doc-2", "unrelated", 10)

	f := NewFlusher(q, guard, nil, nil)
	err := f.FlushAll(context.Background())
	if !errors.Is(err, saveapi.ErrConflict) {
		t.Fatalf("expected conflict from doc-1 replay, got %v", err)
	}
	if q.Depth("doc-1") != 2 {
		t.Fatalf("conflict must not purge entries, depth %d", q.Depth("doc-1"))
	}
	if !f.Paused("doc-1") {
		t.Fatalf("doc-1 should be paused after conflict")
	}

	// The other document was unaffected.
	if q.Depth("doc-2") != 0 {
		t.Fatalf("doc-2 should have flushed, depth %d", q.Depth("doc-2"))
	}

	// A paused document stays put until resolution resumes it.
	if _, err := f.FlushDocument(context.Background(), "doc-1"); err != nil {
		t.Fatalf("paused flush should be a no-op, got %v", err)
	}
	if q.Depth("doc-1") != 2 {
		t.Fatalf("paused flush must not touch the queue")
	}

	f.Resume("doc-1")
	if f.Paused("doc-1") {
		t.Fatalf("resume did not clear the pause")
	}
}

func TestFlushTransientFailureBumpsAndStops(t *testing.T) {
	guard := &fakeGuard{version: 1, content: draft("server")}
	guard.setFailure(&saveapi.HTTPError{StatusCode: 502, Message: "bad gateway"}, -1)
	q := queue.NewMemoryQueue(0)
	enqueue(t, q, "doc-1", "head", 1)

	f := NewFlusher(q, guard, nil, nil)
	if _, err := f.FlushDocument(context.Background(), "doc-1"); err == nil {
		t.Fatalf("expected transient failure to surface")
	}
	entry, ok, _ := q.Head("doc-1")
	if !ok {
		t.Fatalf("entry must survive a failed replay")
	}
	if entry.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", entry.RetryCount)
	}
}
