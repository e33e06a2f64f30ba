// Package collab maintains the real-time editing session: a CRDT replica
// of the document, the websocket transport that carries its updates, and
// peer awareness. Updates are opaque on the wire; internally the replica is
// a last-writer-wins register per block with fractional ranks for ordering,
// which makes merges commutative and idempotent.
package collab

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/draftsync/draftsync/internal/document"
)

// Origin tags where a mutation came from. The engine re-broadcasts only
// local mutations; remote ones were already seen by the relay.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Update is one CRDT mutation: a block register write, or a tombstone when
// Block is nil. The (Clock, Peer, ID) triple totally orders concurrent
// writes to the same block.
type Update struct {
	ID      string          `json:"id"`
	BlockID string          `json:"blockId"`
	Block   *document.Block `json:"block,omitempty"`
	Rank    float64         `json:"rank"`
	Clock   int64           `json:"clock"`
	Peer    string          `json:"peer"`
}

type blockState struct {
	update Update
}

func (s blockState) alive() bool {
	return s.update.Block != nil
}

// Replica holds the merged state of all applied updates.
type Replica struct {
	mu      sync.Mutex
	peer    string
	clock   int64
	applied map[string]struct{}
	states  map[string]blockState
}

func NewReplica(peer string) *Replica {
	return &Replica{
		peer:    peer,
		applied: map[string]struct{}{},
		states:  map[string]blockState{},
	}
}

func (r *Replica) Peer() string {
	return r.peer
}

// Blocks renders the merged content: alive registers ordered by rank.
func (r *Replica) Blocks() []document.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renderLocked()
}

func (r *Replica) renderLocked() []document.Block {
	alive := make([]Update, 0, len(r.states))
	for _, s := range r.states {
		if s.alive() {
			alive = append(alive, s.update)
		}
	}
	sort.Slice(alive, func(i, j int) bool {
		if alive[i].Rank != alive[j].Rank {
			return alive[i].Rank < alive[j].Rank
		}
		return alive[i].BlockID < alive[j].BlockID
	})
	out := make([]document.Block, len(alive))
	for i, u := range alive {
		out[i] = *u.Block
	}
	return out
}

func (r *Replica) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.alive() {
			return false
		}
	}
	return true
}

// SetBlocks reconciles the replica with a full local edit of the document
// and returns the updates to broadcast. Unchanged blocks whose order is
// preserved produce no update.
func (r *Replica) SetBlocks(blocks []document.Block) []Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Update
	newIDs := make(map[string]struct{}, len(blocks))
	prevRank := 0.0
	for i := range blocks {
		block := blocks[i]
		newIDs[block.ID] = struct{}{}
		if s, ok := r.states[block.ID]; ok && s.alive() && s.update.Rank > prevRank && *s.update.Block == block {
			prevRank = s.update.Rank
			continue
		}
		rank := r.chooseRankLocked(prevRank, blocks[i+1:])
		u := r.newUpdateLocked(block.ID, &block, rank)
		r.applyLocked(u)
		out = append(out, u)
		prevRank = rank
	}
	for id, s := range r.states {
		if !s.alive() {
			continue
		}
		if _, kept := newIDs[id]; kept {
			continue
		}
		u := r.newUpdateLocked(id, nil, s.update.Rank)
		r.applyLocked(u)
		out = append(out, u)
	}
	return out
}

// chooseRankLocked picks a rank strictly after prevRank and, when a later
// block already holds a usable rank, strictly before it, so concurrent
// inserts interleave deterministically.
func (r *Replica) chooseRankLocked(prevRank float64, rest []document.Block) float64 {
	for i := range rest {
		if s, ok := r.states[rest[i].ID]; ok && s.alive() && s.update.Rank > prevRank {
			return (prevRank + s.update.Rank) / 2
		}
	}
	return prevRank + 1
}

func (r *Replica) newUpdateLocked(blockID string, block *document.Block, rank float64) Update {
	r.clock++
	return Update{
		ID:      uuid.NewString(),
		BlockID: blockID,
		Block:   block,
		Rank:    rank,
		Clock:   r.clock,
		Peer:    r.peer,
	}
}

// Apply merges updates into the replica. Remote-origin updates from this
// replica's own peer are echoes and are dropped. Returns true when the
// rendered content may have changed.
func (r *Replica) Apply(updates []Update, origin Origin) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, u := range updates {
		if origin == OriginRemote && u.Peer == r.peer {
			continue
		}
		if r.applyLocked(u) {
			changed = true
		}
	}
	return changed
}

func (r *Replica) applyLocked(u Update) bool {
	if _, seen := r.applied[u.ID]; seen {
		return false
	}
	r.applied[u.ID] = struct{}{}
	if u.Clock > r.clock {
		r.clock = u.Clock
	}
	existing, ok := r.states[u.BlockID]
	if ok && !wins(u, existing.update) {
		return false
	}
	r.states[u.BlockID] = blockState{update: u}
	return true
}

// wins reports whether a beats b for the same block register.
func wins(a, b Update) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	if a.Peer != b.Peer {
		return a.Peer > b.Peer
	}
	return a.ID > b.ID
}

// Snapshot returns every update needed to rebuild the current state on a
// fresh replica, including tombstones.
func (r *Replica) Snapshot() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.update)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Clock < out[j].Clock })
	return out
}

// Reset discards all local state. Used when adopting a remote replica that
// won first-writer-wins seeding.
func (r *Replica) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = map[string]struct{}{}
	r.states = map[string]blockState{}
}

// EncodeUpdates serializes a batch for the wire. The transport and relay
// treat the result as opaque bytes.
func EncodeUpdates(updates []Update) ([]byte, error) {
	return json.Marshal(updates)
}

func DecodeUpdates(data []byte) ([]Update, error) {
	var updates []Update
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}
