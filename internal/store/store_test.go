package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/draftsync/draftsync/internal/document"
)

func testBlocks(t *testing.T, text string) []document.Block {
	t.Helper()
	return []document.Block{document.NewBlock("b1", document.BlockSceneHeading, text)}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := New(Options{Backend: NewJSONFileBackend(path)})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	blocks := testBlocks(t, "INT. HOUSE")
	if err := s.SetBaseline(BaselineRecord{
		DocumentID: "doc-1",
		Version:    3,
		Blocks:     blocks,
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("set baseline failed: %v", err)
	}
	if err := s.SetPending(PendingRecord{
		DocumentID:  "doc-1",
		Snapshot:    blocks,
		BaseVersion: 3,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("set pending failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := New(Options{Backend: NewJSONFileBackend(path)})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	baseline, ok := reopened.Baseline("doc-1")
	if !ok || baseline.Version != 3 {
		t.Fatalf("expected baseline version 3, got %+v ok=%v", baseline, ok)
	}
	pending, ok := reopened.Pending("doc-1")
	if !ok || pending.BaseVersion != 3 {
		t.Fatalf("expected pending record, got %+v ok=%v", pending, ok)
	}
	if !document.BlocksEqual(pending.Snapshot, blocks) {
		t.Fatalf("pending snapshot mismatch: %+v", pending.Snapshot)
	}
}

func TestClearPending(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := s.SetPending(PendingRecord{
		DocumentID: "doc-1",
		Snapshot:   testBlocks(t, "x"),
		Timestamp:  time.Now(),
	}); err != nil {
		t.Fatalf("set pending failed: %v", err)
	}
	if err := s.ClearPending("doc-1"); err != nil {
		t.Fatalf("clear pending failed: %v", err)
	}
	if _, ok := s.Pending("doc-1"); ok {
		t.Fatalf("expected pending cleared")
	}
}

func TestSetPendingRejectsMalformedSnapshot(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	bad := []document.Block{{ID: "", Type: "montage"}}
	err = s.SetPending(PendingRecord{DocumentID: "doc-1", Snapshot: bad})
	var verr *document.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

type failingBackend struct {
	loadState *persistedState
	saveErr   error
}

func (b *failingBackend) Load() (*persistedState, error) { return b.loadState, nil }
func (b *failingBackend) Save(*persistedState) error     { return b.saveErr }

func TestStoreDegradesToMemoryOnBackendFailure(t *testing.T) {
	var warned error
	s, err := New(Options{
		Backend:        &failingBackend{saveErr: errors.New("disk full")},
		OnStorageError: func(err error) { warned = err },
	})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}

	err = s.SetBaseline(BaselineRecord{DocumentID: "doc-1", Version: 1})
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if warned == nil {
		t.Fatalf("expected storage warning callback")
	}
	if !s.Degraded() {
		t.Fatalf("expected degraded store")
	}
	// The write still took effect in memory.
	if baseline, ok := s.Baseline("doc-1"); !ok || baseline.Version != 1 {
		t.Fatalf("expected in-memory baseline, got %+v ok=%v", baseline, ok)
	}
}

func TestJSONFileBackendAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	b := NewJSONFileBackend(path)

	state := newPersistedState()
	state.Baselines["doc-1"] = BaselineRecord{DocumentID: "doc-1", Version: 7}
	if err := b.Save(state); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("tmp file left behind")
	}
	loaded, err := b.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Baselines["doc-1"].Version != 7 {
		t.Fatalf("unexpected loaded state: %+v", loaded)
	}
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	defer b.Close()

	if loaded, err := b.Load(); err != nil || loaded != nil {
		t.Fatalf("expected empty initial state, got %+v err=%v", loaded, err)
	}

	state := newPersistedState()
	state.Pending["doc-1"] = PendingRecord{DocumentID: "doc-1", BaseVersion: 2}
	if err := b.Save(state); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	state.Pending["doc-1"] = PendingRecord{DocumentID: "doc-1", BaseVersion: 5}
	if err := b.Save(state); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := b.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Pending["doc-1"].BaseVersion != 5 {
		t.Fatalf("expected latest snapshot, got %+v", loaded.Pending["doc-1"])
	}
}

func TestNewBackendFactory(t *testing.T) {
	if b, err := NewBackend("", ""); err != nil || b != nil {
		t.Fatalf("expected nil backend for empty config, got %v err=%v", b, err)
	}
	if b, err := NewBackend("file", filepath.Join(t.TempDir(), "s.json")); err != nil || b == nil {
		t.Fatalf("expected file backend, got %v err=%v", b, err)
	}
	if _, err := NewBackend("etcd", "x"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
