package collab

import (
	"reflect"
	"testing"

	"github.com/draftsync/draftsync/internal/document"
)

func blocksOf(texts ...string) []document.Block {
	out := make([]document.Block, len(texts))
	for i, text := range texts {
		out[i] = document.NewBlock("", document.BlockAction, text)
	}
	return out
}

func renderTexts(r *Replica) []string {
	blocks := r.Blocks()
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Text
	}
	return out
}

func TestMergeIsCommutative(t *testing.T) {
	// Two peers edit independently from an empty document.
	a := NewReplica("peer-a")
	b := NewReplica("peer-b")
	batchA := a.SetBlocks(blocksOf("alpha one", "alpha two"))
	batchB := b.SetBlocks(blocksOf("beta one"))

	r1 := NewReplica("observer-1")
	r1.Apply(batchA, OriginRemote)
	r1.Apply(batchB, OriginRemote)

	r2 := NewReplica("observer-2")
	r2.Apply(batchB, OriginRemote)
	r2.Apply(batchA, OriginRemote)

	got1, got2 := renderTexts(r1), renderTexts(r2)
	if !reflect.DeepEqual(got1, got2) {
		t.Fatalf("merge order changed the result:\n[A,B] = %v\n[B,A] = %v", got1, got2)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	src := NewReplica("peer-a")
	batch := src.SetBlocks(blocksOf("one", "two", "three"))

	r := NewReplica("observer")
	if !r.Apply(batch, OriginRemote) {
		t.Fatalf("first apply should change the replica")
	}
	before := renderTexts(r)
	if r.Apply(batch, OriginRemote) {
		t.Fatalf("second apply of the same batch should be a no-op")
	}
	if got := renderTexts(r); !reflect.DeepEqual(got, before) {
		t.Fatalf("replica changed on duplicate apply: %v vs %v", got, before)
	}
}

func TestSetBlocksEmitsNothingWhenUnchanged(t *testing.T) {
	r := NewReplica("peer-a")
	blocks := blocksOf("INT. HOUSE", "They wait.")
	first := r.SetBlocks(blocks)
	if len(first) != 2 {
		t.Fatalf("expected 2 updates for a fresh document, got %d", len(first))
	}
	if again := r.SetBlocks(r.Blocks()); len(again) != 0 {
		t.Fatalf("unchanged content produced %d updates", len(again))
	}
}

func TestSetBlocksTombstonesRemovedBlocks(t *testing.T) {
	r := NewReplica("peer-a")
	blocks := blocksOf("keep", "drop")
	r.SetBlocks(blocks)

	batch := r.SetBlocks(blocks[:1])
	if len(batch) != 1 || batch[0].Block != nil {
		t.Fatalf("expected a single tombstone, got %+v", batch)
	}

	observer := NewReplica("observer")
	observer.Apply(r.Snapshot(), OriginRemote)
	if got := renderTexts(observer); !reflect.DeepEqual(got, []string{"keep"}) {
		t.Fatalf("tombstone not reflected on observer: %v", got)
	}
}

func TestRemoteEchoOfOwnUpdatesIsDropped(t *testing.T) {
	r := NewReplica("peer-a")
	batch := r.SetBlocks(blocksOf("hello"))

	// Delete locally, then replay our own broadcast as if the relay
	// echoed it back. The stale register must not resurrect.
	r.SetBlocks(nil)
	if r.Apply(batch, OriginRemote) {
		t.Fatalf("echoed own update should be ignored")
	}
	if !r.Empty() {
		t.Fatalf("echo resurrected deleted content: %v", renderTexts(r))
	}
}

func TestConcurrentEditsToSameBlockConverge(t *testing.T) {
	base := NewReplica("seed")
	seed := base.SetBlocks(blocksOf("original"))
	blockID := seed[0].BlockID

	a := NewReplica("peer-a")
	a.Apply(seed, OriginRemote)
	b := NewReplica("peer-b")
	b.Apply(seed, OriginRemote)

	editA := a.Blocks()
	editA[0].Text = "edit from a"
	batchA := a.SetBlocks(editA)
	editB := b.Blocks()
	editB[0].Text = "edit from b"
	batchB := b.SetBlocks(editB)

	a.Apply(batchB, OriginRemote)
	b.Apply(batchA, OriginRemote)

	gotA, gotB := renderTexts(a), renderTexts(b)
	if !reflect.DeepEqual(gotA, gotB) {
		t.Fatalf("replicas diverged: %v vs %v", gotA, gotB)
	}
	if len(gotA) != 1 {
		t.Fatalf("expected one block for %s, got %v", blockID, gotA)
	}
}

func TestSnapshotRebuildsFreshReplica(t *testing.T) {
	r := NewReplica("peer-a")
	r.SetBlocks(blocksOf("one", "two"))
	blocks := r.Blocks()
	edited := append([]document.Block{document.NewBlock("", document.BlockSceneHeading, "INT. ROOF")}, blocks...)
	r.SetBlocks(edited)

	fresh := NewReplica("restored")
	fresh.Apply(r.Snapshot(), OriginRemote)
	if got, want := renderTexts(fresh), renderTexts(r); !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot rebuild mismatch: %v vs %v", got, want)
	}
}
