package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/draftsync/draftsync/internal/document"
)

// Status is the connection state machine exposed to the engine and the UI.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusSynced     Status = "synced"
	StatusOffline    Status = "offline"
	StatusError      Status = "error"
)

type Logger interface {
	Printf(format string, args ...any)
}

type SessionOptions struct {
	URL        string
	DocumentID string
	PeerID     string
	PeerName   string
	// Replica to attach; a fresh one is created when nil.
	Replica *Replica
	Logger  Logger

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// OnStatus fires on every connection status transition.
	OnStatus func(Status)
	// OnRemoteChange fires with the rendered content after remote updates
	// changed the replica.
	OnRemoteChange func([]document.Block)
	// OnReconnect fires when a lost transport comes back and the session is
	// synced again. The engine uses it to trigger offline-queue flushes.
	OnReconnect func()
}

// Session owns one document's replica and its transport. Transport loss
// degrades to offline: local edits keep working and their updates are
// buffered for the next reconnect.
type Session struct {
	opts    SessionOptions
	replica *Replica

	mu        sync.Mutex
	status    Status
	conn      *websocket.Conn
	synced    bool
	everSync  bool
	pending   [][]byte
	awareness map[string]Presence

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.URL == "" || opts.DocumentID == "" {
		return nil, fmt.Errorf("relay url and document id are required")
	}
	if opts.PeerID == "" {
		return nil, fmt.Errorf("peer id is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	replica := opts.Replica
	if replica == nil {
		replica = NewReplica(opts.PeerID)
	}
	return &Session{
		opts:      opts,
		replica:   replica,
		status:    StatusOffline,
		awareness: map[string]Presence{},
	}, nil
}

func (s *Session) Replica() *Replica {
	return s.replica
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Awareness returns a copy of the current peer presence map.
func (s *Session) Awareness() map[string]Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Presence, len(s.awareness))
	for k, v := range s.awareness {
		out[k] = v
	}
	return out
}

// Connect starts the session's reconnect loop. It returns immediately; the
// status callback reports progress.
func (s *Session) Connect(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

func (s *Session) run() {
	delay := s.opts.ReconnectMin
	for {
		if s.ctx.Err() != nil {
			return
		}
		s.setStatus(StatusConnecting)
		conn, err := s.dial()
		if err != nil {
			s.logf("collab dial %s: %v", s.opts.DocumentID, err)
			s.setStatus(StatusOffline)
			if !s.sleep(delay) {
				return
			}
			delay = nextDelay(delay, s.opts.ReconnectMax)
			continue
		}
		delay = s.opts.ReconnectMin
		s.setStatus(StatusConnected)

		err = s.serve(conn)
		_ = conn.Close(websocket.StatusInternalError, "transport reset")
		s.mu.Lock()
		s.conn = nil
		s.synced = false
		s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logf("collab transport %s: %v", s.opts.DocumentID, err)
		}
		s.setStatus(StatusOffline)
		if !s.sleep(delay) {
			return
		}
		delay = nextDelay(delay, s.opts.ReconnectMax)
	}
}

func (s *Session) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(4 << 20)
	return conn, nil
}

// serve runs the handshake and then the read loop until the transport
// fails or the session closes.
func (s *Session) serve(conn *websocket.Conn) error {
	if err := s.writeFrame(conn, Frame{
		Type:       FrameHello,
		DocumentID: s.opts.DocumentID,
		Peer:       s.opts.PeerID,
	}); err != nil {
		return err
	}

	frame, err := s.readFrame(conn)
	if err != nil {
		return err
	}
	if frame.Type != FrameSync {
		return fmt.Errorf("expected sync frame, got %q", frame.Type)
	}
	if err := s.handleSync(conn, frame); err != nil {
		return err
	}

	wasReconnect := false
	s.mu.Lock()
	wasReconnect = s.everSync
	s.conn = conn
	s.synced = true
	s.everSync = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	s.setStatus(StatusSynced)

	// Edits made while offline go out before anything else.
	for _, batch := range pending {
		if err := s.writeFrame(conn, Frame{
			Type:       FrameUpdate,
			DocumentID: s.opts.DocumentID,
			Peer:       s.opts.PeerID,
			Updates:    batch,
		}); err != nil {
			s.requeue(pending)
			return err
		}
	}
	if wasReconnect && s.opts.OnReconnect != nil {
		s.opts.OnReconnect()
	}

	for {
		frame, err := s.readFrame(conn)
		if err != nil {
			return err
		}
		switch frame.Type {
		case FrameUpdate:
			updates, err := DecodeUpdates(frame.Updates)
			if err != nil {
				s.logf("collab: dropping undecodable update batch: %v", err)
				continue
			}
			if s.replica.Apply(updates, OriginRemote) {
				s.notifyRemoteChange()
			}
		case FrameAwareness:
			if frame.Awareness != nil {
				s.mu.Lock()
				s.awareness[frame.Awareness.Peer] = *frame.Awareness
				s.mu.Unlock()
			}
		case FrameLeave:
			s.mu.Lock()
			delete(s.awareness, frame.Peer)
			s.mu.Unlock()
		default:
			// Unknown frame types from newer relays are ignored.
		}
	}
}

// handleSync applies first-writer-wins seeding. A local seed loses to any
// remote content that already exists; winning the race requires the
// relay's test-and-set to accept our seed frame.
func (s *Session) handleSync(conn *websocket.Conn, frame Frame) error {
	s.mu.Lock()
	firstSync := !s.everSync
	s.mu.Unlock()

	if frame.Seeded {
		if firstSync && !s.replica.Empty() {
			// Our local seed lost: adopt the remote replica wholesale.
			s.replica.Reset()
		}
		changed := false
		for _, batch := range frame.Batches {
			updates, err := DecodeUpdates(batch)
			if err != nil {
				return fmt.Errorf("sync batch: %w", err)
			}
			if s.replica.Apply(updates, OriginRemote) {
				changed = true
			}
		}
		if changed {
			s.notifyRemoteChange()
		}
		return nil
	}

	if s.replica.Empty() {
		return nil
	}

	// Remote is empty and we hold content: attempt to seed.
	seedBatch, err := EncodeUpdates(s.replica.Snapshot())
	if err != nil {
		return err
	}
	if err := s.writeFrame(conn, Frame{
		Type:       FrameSeed,
		DocumentID: s.opts.DocumentID,
		Peer:       s.opts.PeerID,
		Updates:    seedBatch,
	}); err != nil {
		return err
	}
	result, err := s.readFrame(conn)
	if err != nil {
		return err
	}
	if result.Type != FrameSeedResult {
		return fmt.Errorf("expected seed_result frame, got %q", result.Type)
	}
	if result.Accepted {
		return nil
	}
	// Lost the test-and-set race: another first-opener seeded between our
	// sync and seed frames. Adopt their content.
	s.replica.Reset()
	for _, batch := range result.Batches {
		updates, err := DecodeUpdates(batch)
		if err != nil {
			return fmt.Errorf("seed result batch: %w", err)
		}
		s.replica.Apply(updates, OriginRemote)
	}
	s.notifyRemoteChange()
	return nil
}

// BroadcastLocal merges a local edit into the replica and broadcasts the
// resulting updates. While offline the batch is buffered and replayed on
// reconnect.
func (s *Session) BroadcastLocal(blocks []document.Block) error {
	updates := s.replica.SetBlocks(blocks)
	if len(updates) == 0 {
		return nil
	}
	batch, err := EncodeUpdates(updates)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn, synced := s.conn, s.synced
	if conn == nil || !synced {
		s.pending = append(s.pending, batch)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err = s.writeFrame(conn, Frame{
		Type:       FrameUpdate,
		DocumentID: s.opts.DocumentID,
		Peer:       s.opts.PeerID,
		Updates:    batch,
	})
	if err != nil {
		s.requeue([][]byte{batch})
	}
	return nil
}

// SetPresence publishes this peer's cursor position. Presence is
// best-effort: it is dropped, not buffered, while offline.
func (s *Session) SetPresence(blockID string) {
	s.mu.Lock()
	conn, synced := s.conn, s.synced
	s.mu.Unlock()
	if conn == nil || !synced {
		return
	}
	_ = s.writeFrame(conn, Frame{
		Type:       FrameAwareness,
		DocumentID: s.opts.DocumentID,
		Peer:       s.opts.PeerID,
		Awareness: &Presence{
			Peer:      s.opts.PeerID,
			Name:      s.opts.PeerName,
			BlockID:   blockID,
			UpdatedAt: time.Now().UTC(),
		},
	})
}

func (s *Session) requeue(batches [][]byte) {
	s.mu.Lock()
	s.pending = append(batches, s.pending...)
	s.mu.Unlock()
}

func (s *Session) writeFrame(conn *websocket.Conn, f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, data)
}

func (s *Session) readFrame(conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.Read(s.ctx)
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(data)
}

func (s *Session) notifyRemoteChange() {
	if s.opts.OnRemoteChange != nil {
		s.opts.OnRemoteChange(s.replica.Blocks())
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(status)
	}
}

func (s *Session) sleep(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.opts.Logger == nil {
		return
	}
	s.opts.Logger.Printf(format, args...)
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
