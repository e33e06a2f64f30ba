package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/draftsync/draftsync/internal/collab"
	"github.com/draftsync/draftsync/internal/document"
	"github.com/draftsync/draftsync/internal/policy"
	"github.com/draftsync/draftsync/internal/queue"
	"github.com/draftsync/draftsync/internal/saveapi"
	"github.com/draftsync/draftsync/internal/store"
)

var ErrRecoveryPending = errors.New("recovery decision pending")

type SessionOptions struct {
	DocumentID string
	Guard      saveapi.Guard
	Store      *store.Store
	Queue      queue.Queue
	Policy     *policy.SeverityPolicy
	Logger     Logger

	// RelayURL enables real-time collaboration when set.
	RelayURL string
	PeerID   string
	PeerName string

	Debounce   time.Duration
	MaxWait    time.Duration
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration

	OnState func(StateChange)
	// OnContent delivers content replacing the live draft from outside the
	// local editor: remote collaborator edits, adopted server copies,
	// recovered snapshots.
	OnContent    func([]document.Block)
	OnConnection func(collab.Status)
}

// DocumentSession is the per-open-document unit: one autosave pipeline,
// one collaboration session, and the offline queue replay for this
// document. Created on open, closed on close.
type DocumentSession struct {
	opts     SessionOptions
	pipeline *Pipeline
	collab   *collab.Session
	flusher  *Flusher
	recovery *RecoveryManager

	mu     sync.Mutex
	prompt *RecoveryPrompt
	blocks []document.Block
}

// Open fetches the document, checks for crash leftovers, and starts the
// pipeline. When a recovery prompt is returned via Prompt, edits are
// rejected until ResolveRecovery is called.
func Open(ctx context.Context, opts SessionOptions) (*DocumentSession, error) {
	if opts.Guard == nil {
		return nil, fmt.Errorf("save guard is required")
	}
	s := &DocumentSession{opts: opts}

	var baseVersion int64
	var baseline []document.Block
	serverDoc, err := opts.Guard.Fetch(ctx, opts.DocumentID)
	switch {
	case err == nil:
		baseVersion = serverDoc.Version
		baseline = serverDoc.Blocks
	case errors.Is(err, document.ErrNotFound):
		// New document; starts at version zero.
	case opts.Store != nil:
		// Unreachable server: open from the durable baseline and let the
		// pipeline discover offline state on its first save.
		if rec, ok := opts.Store.Baseline(opts.DocumentID); ok {
			baseVersion = rec.Version
			baseline = rec.Blocks
		}
	default:
		return nil, fmt.Errorf("open %s: %w", opts.DocumentID, err)
	}
	s.blocks = document.CloneBlocks(baseline)

	if opts.Store != nil {
		s.recovery = NewRecoveryManager(opts.Store, opts.Guard, opts.Policy, opts.Logger)
		prompt, err := s.recovery.Check(ctx, opts.DocumentID)
		if err != nil {
			if opts.Logger != nil {
				opts.Logger.Printf("open %s: recovery check: %v", opts.DocumentID, err)
			}
		} else {
			s.prompt = prompt
		}
	}

	s.pipeline, err = NewPipeline(PipelineOptions{
		DocumentID:  opts.DocumentID,
		Guard:       opts.Guard,
		Store:       opts.Store,
		Queue:       opts.Queue,
		Policy:      opts.Policy,
		Logger:      opts.Logger,
		BaseVersion: baseVersion,
		Debounce:    opts.Debounce,
		MaxWait:     opts.MaxWait,
		MaxRetries:  opts.MaxRetries,
		BackoffMin:  opts.BackoffMin,
		BackoffMax:  opts.BackoffMax,
		OnState:     opts.OnState,
		OnAdopt:     s.adoptContent,
		OnOnline: func() {
			go s.flushAsync()
		},
	})
	if err != nil {
		return nil, err
	}

	if opts.Queue != nil {
		s.flusher = NewFlusher(opts.Queue, opts.Guard, opts.Store, opts.Logger)
	}

	if opts.RelayURL != "" {
		session, err := collab.NewSession(collab.SessionOptions{
			URL:        opts.RelayURL,
			DocumentID: opts.DocumentID,
			PeerID:     opts.PeerID,
			PeerName:   opts.PeerName,
			Logger:     opts.Logger,
			OnStatus:   opts.OnConnection,
			OnRemoteChange: func(blocks []document.Block) {
				// Remote edits refresh the draft but do not trigger our
				// autosave; the peer that made them saves them.
				s.adoptContent(blocks)
			},
			OnReconnect: func() {
				go s.flushAsync()
			},
		})
		if err != nil {
			_ = s.pipeline.Close(ctx)
			return nil, err
		}
		if len(baseline) > 0 {
			session.Replica().SetBlocks(baseline)
		}
		s.collab = session
		session.Connect(context.Background())
	}

	return s, nil
}

// Prompt returns the pending recovery decision, if any.
func (s *DocumentSession) Prompt() *RecoveryPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// Blocks returns the current draft content.
func (s *DocumentSession) Blocks() []document.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return document.CloneBlocks(s.blocks)
}

func (s *DocumentSession) Pipeline() *Pipeline {
	return s.pipeline
}

func (s *DocumentSession) Collab() *collab.Session {
	return s.collab
}

// OnLocalEdit is the editor's write path: broadcast to collaborators,
// then schedule the autosave.
func (s *DocumentSession) OnLocalEdit(blocks []document.Block) error {
	s.mu.Lock()
	if s.prompt != nil {
		s.mu.Unlock()
		return ErrRecoveryPending
	}
	s.blocks = document.CloneBlocks(blocks)
	s.mu.Unlock()
	if s.collab != nil {
		if err := s.collab.BroadcastLocal(blocks); err != nil {
			return err
		}
	}
	return s.pipeline.MarkChanged(blocks)
}

func (s *DocumentSession) SaveNow(ctx context.Context) error {
	return s.pipeline.SaveNow(ctx)
}

func (s *DocumentSession) Retry(ctx context.Context) error {
	return s.pipeline.Retry(ctx)
}

// Resolve settles an open conflict. When the conflict arose during queue
// replay, forcing local wins acks the superseded head entry and resumes
// replay; accepting the server discards the queued snapshots outright,
// since replaying them would overwrite the copy the user just chose.
func (s *DocumentSession) Resolve(ctx context.Context, resolution Resolution) error {
	if err := s.pipeline.Resolve(ctx, resolution); err != nil {
		return err
	}
	if s.flusher == nil || !s.flusher.Paused(s.opts.DocumentID) {
		return nil
	}
	if resolution == AcceptServer {
		if err := s.purgeQueue(); err != nil {
			return err
		}
		s.flusher.Resume(s.opts.DocumentID)
		return nil
	}
	if err := s.opts.Queue.Ack(s.opts.DocumentID); err != nil && !errors.Is(err, queue.ErrEmpty) {
		return err
	}
	s.flusher.Resume(s.opts.DocumentID)
	go s.flushAsync()
	return nil
}

func (s *DocumentSession) purgeQueue() error {
	for {
		if err := s.opts.Queue.Ack(s.opts.DocumentID); err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				return nil
			}
			return err
		}
	}
}

// ResolveRecovery settles a pending recovery prompt. Recovering loads the
// crash snapshot as the live draft and schedules its resubmission;
// discarding keeps the server's copy.
func (s *DocumentSession) ResolveRecovery(ctx context.Context, recover bool) ([]document.Block, error) {
	s.mu.Lock()
	if s.prompt == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("no recovery pending")
	}
	prompt := s.prompt
	s.prompt = nil
	s.mu.Unlock()
	if !recover {
		if err := s.recovery.Discard(s.opts.DocumentID); err != nil {
			return nil, err
		}
		return s.Blocks(), nil
	}
	blocks := s.recovery.Recover(prompt)
	s.mu.Lock()
	s.blocks = document.CloneBlocks(blocks)
	s.mu.Unlock()
	if s.collab != nil {
		if err := s.collab.BroadcastLocal(blocks); err != nil {
			return nil, err
		}
	}
	if err := s.pipeline.MarkChanged(blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Flush replays this document's offline queue.
func (s *DocumentSession) Flush(ctx context.Context) error {
	if s.flusher == nil {
		return nil
	}
	version, err := s.flusher.FlushDocument(ctx, s.opts.DocumentID)
	if err == nil || version > 0 {
		s.pipeline.NotifyFlushed(version)
	}
	var conflictErr *saveapi.ConflictError
	if errors.As(err, &conflictErr) {
		entry, ok, headErr := s.opts.Queue.Head(s.opts.DocumentID)
		if headErr == nil && ok {
			if regErr := s.pipeline.RegisterConflict(ctx, entry.Snapshot, entry.BaseVersion, conflictErr); regErr != nil {
				return regErr
			}
		}
	}
	return err
}

// flushAsync replays the queue in the background once connectivity comes
// back, whether via the relay reconnecting or an offline probe succeeding.
func (s *DocumentSession) flushAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		if s.opts.Logger != nil {
			s.opts.Logger.Printf("flush %s: %v", s.opts.DocumentID, err)
		}
	}
}

// Close flushes or demotes pending work, then tears the session down.
func (s *DocumentSession) Close(ctx context.Context) error {
	if s.collab != nil {
		s.collab.Close()
	}
	return s.pipeline.Close(ctx)
}

func (s *DocumentSession) adoptContent(blocks []document.Block) {
	s.mu.Lock()
	s.blocks = document.CloneBlocks(blocks)
	s.mu.Unlock()
	if s.opts.OnContent != nil {
		s.opts.OnContent(blocks)
	}
}
