package document

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidInput = errors.New("invalid input")
)

// BlockType enumerates the content kinds the editor produces.
type BlockType string

const (
	BlockSceneHeading  BlockType = "scene_heading"
	BlockAction        BlockType = "action"
	BlockCharacter     BlockType = "character"
	BlockDialogue      BlockType = "dialogue"
	BlockParenthetical BlockType = "parenthetical"
	BlockTransition    BlockType = "transition"
	BlockNote          BlockType = "note"
)

func (t BlockType) Valid() bool {
	switch t {
	case BlockSceneHeading, BlockAction, BlockCharacter, BlockDialogue,
		BlockParenthetical, BlockTransition, BlockNote:
		return true
	}
	return false
}

type Metadata struct {
	UUID      string `json:"uuid"`
	Timestamp int64  `json:"timestamp"`
}

// Block is immutable once confirmed; edits replace it wholesale.
type Block struct {
	ID       string    `json:"id"`
	Type     BlockType `json:"type"`
	Text     string    `json:"text"`
	Metadata Metadata  `json:"metadata"`
}

// Document is the server-owned record. Clients hold a cached copy plus a
// locally mutated working copy.
type Document struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	Blocks    []Block   `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewBlock builds a block with fresh metadata stamped at now.
func NewBlock(id string, kind BlockType, text string) Block {
	if id == "" {
		id = uuid.NewString()
	}
	return Block{
		ID:   id,
		Type: kind,
		Text: text,
		Metadata: Metadata{
			UUID:      uuid.NewString(),
			Timestamp: time.Now().UnixMilli(),
		},
	}
}

func CloneBlocks(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	copy(out, blocks)
	return out
}

func BlocksEqual(a, b []Block) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Divergence describes the structural delta between a local draft and the
// server's copy. Severity policies evaluate over these numbers.
type Divergence struct {
	LocalBlocks        int
	ServerBlocks       int
	BlockDelta         int
	IdentityDivergence int
}

// Diverge computes the structural delta between two block sequences.
// IdentityDivergence counts block IDs present on exactly one side.
func Diverge(local, server []Block) Divergence {
	d := Divergence{
		LocalBlocks:  len(local),
		ServerBlocks: len(server),
	}
	d.BlockDelta = d.LocalBlocks - d.ServerBlocks
	if d.BlockDelta < 0 {
		d.BlockDelta = -d.BlockDelta
	}
	localIDs := make(map[string]struct{}, len(local))
	for _, b := range local {
		localIDs[b.ID] = struct{}{}
	}
	serverIDs := make(map[string]struct{}, len(server))
	for _, b := range server {
		serverIDs[b.ID] = struct{}{}
	}
	for id := range localIDs {
		if _, ok := serverIDs[id]; !ok {
			d.IdentityDivergence++
		}
	}
	for id := range serverIDs {
		if _, ok := localIDs[id]; !ok {
			d.IdentityDivergence++
		}
	}
	return d
}
