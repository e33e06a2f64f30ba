package collab

import (
	"encoding/json"
	"time"
)

// Frame types exchanged with the relay.
const (
	FrameHello      = "hello"
	FrameSync       = "sync"
	FrameUpdate     = "update"
	FrameSeed       = "seed"
	FrameSeedResult = "seed_result"
	FrameAwareness  = "awareness"
	FrameLeave      = "leave"
)

// Presence is the transient awareness payload: who is editing and where.
// It never becomes durable document content.
type Presence struct {
	Peer      string    `json:"peer"`
	Name      string    `json:"name,omitempty"`
	BlockID   string    `json:"blockId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Frame is the relay envelope. Update payloads stay opaque: the relay
// stores and forwards Updates/Batches without decoding them.
type Frame struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId,omitempty"`
	Peer       string    `json:"peer,omitempty"`
	Updates    []byte    `json:"updates,omitempty"`
	Batches    [][]byte  `json:"batches,omitempty"`
	Seeded     bool      `json:"seeded,omitempty"`
	Accepted   bool      `json:"accepted,omitempty"`
	Awareness  *Presence `json:"awareness,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}
