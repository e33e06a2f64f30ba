// Package relay is the fan-out hub for collaborative editing sessions.
// It stores and forwards opaque update batches per document and arbitrates
// first-writer-wins seeding with a test-and-set on the room. It never
// decodes document content.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/draftsync/draftsync/internal/collab"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger Logger
	// HandshakeTimeout bounds how long a connection may sit between accept
	// and its hello frame.
	HandshakeTimeout time.Duration
	// SendBuffer is the per-peer outbound queue. Peers that cannot drain
	// it are disconnected rather than allowed to stall the room.
	SendBuffer int
}

// Relay serves the collaboration websocket endpoint.
type Relay struct {
	opts  Options
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu      sync.Mutex
	seeded  bool
	batches [][]byte
	peers   map[*peerConn]struct{}
}

type peerConn struct {
	peer string

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// enqueue queues outbound data without blocking the room. A full queue
// means the peer stopped draining; it is cut off.
func (pc *peerConn) enqueue(data []byte) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return false
	}
	select {
	case pc.send <- data:
		return true
	default:
		pc.closed = true
		close(pc.send)
		return false
	}
}

func (pc *peerConn) close() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.closed {
		pc.closed = true
		close(pc.send)
	}
}

func New(opts Options) *Relay {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Relay{
		opts:  opts,
		rooms: map[string]*room{},
	}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		rl.logf("relay accept: %v", err)
		return
	}
	conn.SetReadLimit(4 << 20)
	rl.serve(r.Context(), conn)
}

func (rl *Relay) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusInternalError, "relay closing")

	hello, err := readFrame(ctx, conn, rl.opts.HandshakeTimeout)
	if err != nil || hello.Type != collab.FrameHello || hello.DocumentID == "" || hello.Peer == "" {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected hello frame")
		return
	}

	rm := rl.room(hello.DocumentID)
	pc := &peerConn{
		peer: hello.Peer,
		send: make(chan []byte, rl.opts.SendBuffer),
	}

	rm.mu.Lock()
	syncFrame := collab.Frame{
		Type:       collab.FrameSync,
		DocumentID: hello.DocumentID,
		Seeded:     rm.seeded,
		Batches:    append([][]byte(nil), rm.batches...),
	}
	rm.peers[pc] = struct{}{}
	rm.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for data := range pc.send {
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(wctx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				return
			}
		}
	}()

	rl.logf("relay: peer %s joined %s (seeded=%v)", hello.Peer, hello.DocumentID, syncFrame.Seeded)
	if !rl.enqueueFrame(pc, syncFrame) {
		rl.leave(hello.DocumentID, rm, pc)
		return
	}

	for {
		frame, err := readFrame(ctx, conn, 0)
		if err != nil {
			break
		}
		switch frame.Type {
		case collab.FrameSeed:
			rl.handleSeed(hello.DocumentID, rm, pc, frame)
		case collab.FrameUpdate:
			if len(frame.Updates) == 0 {
				continue
			}
			rm.mu.Lock()
			rm.seeded = true
			rm.batches = append(rm.batches, frame.Updates)
			rm.mu.Unlock()
			rl.broadcast(rm, pc, collab.Frame{
				Type:       collab.FrameUpdate,
				DocumentID: hello.DocumentID,
				Peer:       frame.Peer,
				Updates:    frame.Updates,
			})
		case collab.FrameAwareness:
			if frame.Awareness == nil {
				continue
			}
			rl.broadcast(rm, pc, collab.Frame{
				Type:       collab.FrameAwareness,
				DocumentID: hello.DocumentID,
				Peer:       frame.Peer,
				Awareness:  frame.Awareness,
			})
		}
	}

	rl.leave(hello.DocumentID, rm, pc)
	rl.broadcast(rm, nil, collab.Frame{
		Type:       collab.FrameLeave,
		DocumentID: hello.DocumentID,
		Peer:       hello.Peer,
	})
	<-writerDone
	rl.logf("relay: peer %s left %s", hello.Peer, hello.DocumentID)
}

// handleSeed arbitrates the seeding race. Exactly one peer's seed is
// accepted per room; losers get the winning content back.
func (rl *Relay) handleSeed(docID string, rm *room, pc *peerConn, frame collab.Frame) {
	rm.mu.Lock()
	if rm.seeded {
		result := collab.Frame{
			Type:       collab.FrameSeedResult,
			DocumentID: docID,
			Accepted:   false,
			Seeded:     true,
			Batches:    append([][]byte(nil), rm.batches...),
		}
		rm.mu.Unlock()
		rl.enqueueFrame(pc, result)
		return
	}
	rm.seeded = true
	rm.batches = append(rm.batches, frame.Updates)
	rm.mu.Unlock()

	rl.enqueueFrame(pc, collab.Frame{
		Type:       collab.FrameSeedResult,
		DocumentID: docID,
		Accepted:   true,
	})
	rl.broadcast(rm, pc, collab.Frame{
		Type:       collab.FrameUpdate,
		DocumentID: docID,
		Peer:       frame.Peer,
		Updates:    frame.Updates,
	})
}

func (rl *Relay) room(docID string) *room {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rm, ok := rl.rooms[docID]
	if !ok {
		rm = &room{peers: map[*peerConn]struct{}{}}
		rl.rooms[docID] = rm
	}
	return rm
}

func (rl *Relay) leave(docID string, rm *room, pc *peerConn) {
	rm.mu.Lock()
	delete(rm.peers, pc)
	rm.mu.Unlock()
	pc.close()
}

// broadcast fans a frame out to every peer in the room except from.
func (rl *Relay) broadcast(rm *room, from *peerConn, frame collab.Frame) {
	rm.mu.Lock()
	targets := make([]*peerConn, 0, len(rm.peers))
	for pc := range rm.peers {
		if pc != from {
			targets = append(targets, pc)
		}
	}
	rm.mu.Unlock()
	for _, pc := range targets {
		rl.enqueueFrame(pc, frame)
	}
}

func (rl *Relay) enqueueFrame(pc *peerConn, frame collab.Frame) bool {
	data, err := collab.EncodeFrame(frame)
	if err != nil {
		rl.logf("relay: encode frame: %v", err)
		return false
	}
	if !pc.enqueue(data) {
		rl.logf("relay: peer %s not draining, dropping connection", pc.peer)
		return false
	}
	return true
}

func readFrame(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (collab.Frame, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return collab.Frame{}, err
	}
	return collab.DecodeFrame(data)
}

func (rl *Relay) logf(format string, args ...any) {
	if rl.opts.Logger == nil {
		return
	}
	rl.opts.Logger.Printf(format, args...)
}
