package relay

import (
	"context"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/draftsync/draftsync/internal/collab"
	"github.com/draftsync/draftsync/internal/document"
)

func startRelay(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(New(Options{}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func startSession(t *testing.T, url, docID, peer string, replica *collab.Replica) *collab.Session {
	t.Helper()
	session, err := collab.NewSession(collab.SessionOptions{
		URL:        url,
		DocumentID: docID,
		PeerID:     peer,
		Replica:    replica,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	session.Connect(context.Background())
	t.Cleanup(session.Close)
	return session
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func texts(blocks []document.Block) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Text
	}
	return out
}

func TestFirstOpenerSeedsAndLateJoinerAdopts(t *testing.T) {
	url := startRelay(t)

	replicaA := collab.NewReplica("peer-a")
	replicaA.SetBlocks([]document.Block{
		document.NewBlock("", document.BlockSceneHeading, "INT. STAGE - DAY"),
		document.NewBlock("", document.BlockAction, "The curtain rises."),
	})
	a := startSession(t, url, "doc-1", "peer-a", replicaA)
	waitFor(t, "peer-a synced", func() bool { return a.Status() == collab.StatusSynced })

	b := startSession(t, url, "doc-1", "peer-b", nil)
	waitFor(t, "peer-b synced", func() bool { return b.Status() == collab.StatusSynced })
	waitFor(t, "peer-b content", func() bool {
		return reflect.DeepEqual(texts(b.Replica().Blocks()), []string{"INT. STAGE - DAY", "The curtain rises."})
	})
}

func TestLosingSeedIsDiscardedForRemoteContent(t *testing.T) {
	url := startRelay(t)

	replicaA := collab.NewReplica("peer-a")
	replicaA.SetBlocks([]document.Block{document.NewBlock("", document.BlockAction, "from a")})
	a := startSession(t, url, "doc-1", "peer-a", replicaA)
	waitFor(t, "peer-a synced", func() bool { return a.Status() == collab.StatusSynced })

	// Peer B drafted its own copy before ever connecting. First writer
	// wins: B's draft is dropped in favor of the seeded room content.
	replicaB := collab.NewReplica("peer-b")
	replicaB.SetBlocks([]document.Block{document.NewBlock("", document.BlockAction, "from b")})
	b := startSession(t, url, "doc-1", "peer-b", replicaB)
	waitFor(t, "peer-b synced", func() bool { return b.Status() == collab.StatusSynced })
	waitFor(t, "peer-b adopted remote", func() bool {
		return reflect.DeepEqual(texts(b.Replica().Blocks()), []string{"from a"})
	})
}

func TestUpdatesFanOutToOtherPeers(t *testing.T) {
	url := startRelay(t)

	a := startSession(t, url, "doc-1", "peer-a", nil)
	waitFor(t, "peer-a synced", func() bool { return a.Status() == collab.StatusSynced })
	b := startSession(t, url, "doc-1", "peer-b", nil)
	waitFor(t, "peer-b synced", func() bool { return b.Status() == collab.StatusSynced })

	if err := a.BroadcastLocal([]document.Block{document.NewBlock("", document.BlockDialogue, "We open tonight.")}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitFor(t, "peer-b received update", func() bool {
		return reflect.DeepEqual(texts(b.Replica().Blocks()), []string{"We open tonight."})
	})

	// Edits flow both ways once the room exists.
	blocks := b.Replica().Blocks()
	blocks = append(blocks, document.NewBlock("", document.BlockDialogue, "Places, everyone."))
	if err := b.BroadcastLocal(blocks); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitFor(t, "peer-a received update", func() bool {
		return reflect.DeepEqual(texts(a.Replica().Blocks()), []string{"We open tonight.", "Places, everyone."})
	})
}

func TestAwarenessReachesPeersButIsNotStored(t *testing.T) {
	url := startRelay(t)

	a := startSession(t, url, "doc-1", "peer-a", nil)
	waitFor(t, "peer-a synced", func() bool { return a.Status() == collab.StatusSynced })
	b := startSession(t, url, "doc-1", "peer-b", nil)
	waitFor(t, "peer-b synced", func() bool { return b.Status() == collab.StatusSynced })

	a.SetPresence("block-7")
	waitFor(t, "presence visible on peer-b", func() bool {
		p, ok := b.Awareness()["peer-a"]
		return ok && p.BlockID == "block-7"
	})

	// A later joiner gets content history, never presence history.
	c := startSession(t, url, "doc-1", "peer-c", nil)
	waitFor(t, "peer-c synced", func() bool { return c.Status() == collab.StatusSynced })
	if _, ok := c.Awareness()["peer-a"]; ok {
		t.Fatalf("presence should not be replayed to late joiners")
	}
}
