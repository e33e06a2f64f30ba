package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/draftsync/draftsync/internal/queue"
	"github.com/draftsync/draftsync/internal/saveapi"
)

func TestFlushConflictSurfacesThroughResolution(t *testing.T) {
	// Offline edits queued at base 3; meanwhile the server moved to v9.
	guard := &fakeGuard{version: 9, content: draft("their version"), updatedAt: time.Now()}
	q := queue.NewMemoryQueue(0)
	enqueue(t, q, "doc-1", "my offline work", 3)
	enqueue(t, q, "doc-1", "more offline work", 3)

	session, err := Open(context.Background(), SessionOptions{
		DocumentID: "doc-1",
		Guard:      guard,
		Store:      newTestStore(t),
		Queue:      q,
		Debounce:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close(context.Background())

	err = session.Flush(context.Background())
	if !errors.Is(err, saveapi.ErrConflict) {
		t.Fatalf("expected conflict from replay, got %v", err)
	}
	waitState(t, session.Pipeline(), StateConflict)
	if q.Depth("doc-1") != 2 {
		t.Fatalf("conflict must leave the queue intact, depth %d", q.Depth("doc-1"))
	}
	record := session.Pipeline().Conflict()
	if record == nil || record.ServerVersion != 9 {
		t.Fatalf("conflict record should carry the server version, got %+v", record)
	}

	// Forcing local wins resubmits the rejected snapshot at v9, acks the
	// superseded head entry, and replays the rest.
	if err := session.Resolve(context.Background(), ForceLocal); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitState(t, session.Pipeline(), StateSaved)

	deadline := time.Now().Add(3 * time.Second)
	for q.Depth("doc-1") > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Depth("doc-1") != 0 {
		t.Fatalf("queue should drain after resolution, depth %d", q.Depth("doc-1"))
	}
	if guard.content[0].Text != "more offline work" {
		t.Fatalf("newest snapshot should win, server holds %q", guard.content[0].Text)
	}
}

func TestAcceptServerDuringReplayDiscardsQueuedDrafts(t *testing.T) {
	guard := &fakeGuard{version: 9, content: draft("their version"), updatedAt: time.Now()}
	q := queue.NewMemoryQueue(0)
	enqueue(t, q, "doc-1", "my offline work", 3)
	enqueue(t, q, "doc-1", "more offline work", 3)

	session, err := Open(context.Background(), SessionOptions{
		DocumentID: "doc-1",
		Guard:      guard,
		Store:      newTestStore(t),
		Queue:      q,
		Debounce:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close(context.Background())

	err = session.Flush(context.Background())
	if !errors.Is(err, saveapi.ErrConflict) {
		t.Fatalf("expected conflict from replay, got %v", err)
	}
	waitState(t, session.Pipeline(), StateConflict)
	submitsBefore := guard.submitCount()

	// Keeping the server's copy must not replay the snapshots behind the
	// rejected head; they are drafts of the content just given up.
	if err := session.Resolve(context.Background(), AcceptServer); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitState(t, session.Pipeline(), StateIdle)

	time.Sleep(80 * time.Millisecond)
	if q.Depth("doc-1") != 0 {
		t.Fatalf("accepting the server should discard the superseded queue, depth %d", q.Depth("doc-1"))
	}
	if n := guard.submitCount(); n != submitsBefore {
		t.Fatalf("queued drafts were submitted after accepting the server, %d extra", n-submitsBefore)
	}
	if guard.version != 9 || guard.content[0].Text != "their version" {
		t.Fatalf("server copy was overwritten, at v%d %q", guard.version, guard.content[0].Text)
	}
	if session.flusher.Paused("doc-1") {
		t.Fatalf("flusher should resume once the queue is settled")
	}
	if got := session.Blocks(); got[0].Text != "their version" {
		t.Fatalf("draft should adopt the server copy, got %q", got[0].Text)
	}
}

func TestOfflineQueueReplaysWhenConnectivityReturns(t *testing.T) {
	guard := &fakeGuard{version: 1, content: draft("start")}
	q := queue.NewMemoryQueue(0)
	session, err := Open(context.Background(), SessionOptions{
		DocumentID: "doc-1",
		Guard:      guard,
		Queue:      q,
		Debounce:   20 * time.Millisecond,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 40 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close(context.Background())

	// The network drops out after open; the next save demotes to the queue.
	guard.setFailure(errors.New("dial tcp: connection refused"), -1)
	if err := session.OnLocalEdit(draft("written in the tunnel")); err != nil {
		t.Fatalf("edit: %v", err)
	}
	waitState(t, session.Pipeline(), StateOffline)
	if q.Depth("doc-1") != 1 {
		t.Fatalf("expected 1 queued entry, got %d", q.Depth("doc-1"))
	}

	// No relay is configured, so the periodic probe is the only way back
	// online. Once it gets through, the queue must drain on its own.
	guard.setFailure(nil, 0)
	waitState(t, session.Pipeline(), StateSaved)
	if q.Depth("doc-1") != 0 {
		t.Fatalf("queue should drain after connectivity returns, depth %d", q.Depth("doc-1"))
	}
	if guard.version != 2 || guard.content[0].Text != "written in the tunnel" {
		t.Fatalf("offline work should land, server at v%d %q", guard.version, guard.content[0].Text)
	}
}

func TestLocalEditsFlowThroughPipeline(t *testing.T) {
	guard := &fakeGuard{version: 1, content: draft("opening")}
	session, err := Open(context.Background(), SessionOptions{
		DocumentID: "doc-1",
		Guard:      guard,
		Debounce:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close(context.Background())

	if got := session.Blocks(); got[0].Text != "opening" {
		t.Fatalf("open should load the server copy, got %q", got[0].Text)
	}
	if err := session.OnLocalEdit(draft("rewritten opening")); err != nil {
		t.Fatalf("edit: %v", err)
	}
	waitState(t, session.Pipeline(), StateSaved)
	if guard.version != 2 || guard.content[0].Text != "rewritten opening" {
		t.Fatalf("edit should land, server at v%d %q", guard.version, guard.content[0].Text)
	}
}
