package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/draftsync/draftsync/internal/document"
	"github.com/draftsync/draftsync/internal/policy"
	"github.com/draftsync/draftsync/internal/queue"
	"github.com/draftsync/draftsync/internal/saveapi"
	"github.com/draftsync/draftsync/internal/store"
)

var (
	ErrClosed             = errors.New("pipeline closed")
	ErrConflictUnresolved = errors.New("conflict must be resolved first")
	ErrNoConflict         = errors.New("no conflict to resolve")
	ErrNothingToRetry     = errors.New("nothing to retry")
)

type PipelineOptions struct {
	DocumentID string
	Guard      saveapi.Guard
	// Store persists the pending snapshot across restarts. Optional.
	Store *store.Store
	// Queue receives demoted saves when the network is gone. Optional;
	// without it offline work is held in memory only.
	Queue  queue.Queue
	Policy *policy.SeverityPolicy
	Logger Logger

	// BaseVersion is the last server-confirmed version at open.
	BaseVersion int64

	Debounce   time.Duration
	MaxWait    time.Duration
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration

	OnState func(StateChange)
	// OnAdopt delivers server content the editor must load wholesale, as
	// happens when a conflict resolves in the server's favor.
	OnAdopt func([]document.Block)
	// OnOnline fires when a connectivity probe succeeds after the pipeline
	// went offline. The session uses it to replay the offline queue.
	OnOnline func()
}

// Pipeline debounces local edits into versioned saves for one document.
// All mutation flows through a single goroutine; exported methods only
// pass messages to it.
type Pipeline struct {
	opts   PipelineOptions
	policy *policy.SeverityPolicy

	edits       chan []document.Block
	saveNow     chan chan error
	retries     chan chan error
	resolutions chan resolveRequest
	injected    chan conflictInjection
	flushes     chan int64
	results     chan saveOutcome
	probes      chan bool
	quit        chan chan error
	stopped     chan struct{}

	mu        sync.Mutex
	state     SaveState
	lastSaved time.Time
	conflict  *ConflictRecord
}

type saveOutcome struct {
	snapshot []document.Block
	base     int64
	seq      uint64
	result   saveapi.SaveResult
	err      error
}

type resolveRequest struct {
	resolution Resolution
	reply      chan error
}

type conflictInjection struct {
	local []document.Block
	base  int64
	cerr  *saveapi.ConflictError
	reply chan error
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.DocumentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if opts.Guard == nil {
		return nil, fmt.Errorf("save guard is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 750 * time.Millisecond
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	pol := opts.Policy
	if pol == nil {
		pol = policy.MustCompile(policy.DefaultProgram)
	}
	p := &Pipeline{
		opts:        opts,
		policy:      pol,
		edits:       make(chan []document.Block),
		saveNow:     make(chan chan error),
		retries:     make(chan chan error),
		resolutions: make(chan resolveRequest),
		injected:    make(chan conflictInjection),
		flushes:     make(chan int64),
		results:     make(chan saveOutcome),
		probes:      make(chan bool),
		quit:        make(chan chan error),
		stopped:     make(chan struct{}),
		state:       StateIdle,
	}
	go p.run()
	return p, nil
}

func (p *Pipeline) State() SaveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) LastSaved() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSaved
}

// Conflict returns the unresolved conflict record, if any.
func (p *Pipeline) Conflict() *ConflictRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conflict
}

// MarkChanged records a local edit. The full block list replaces any
// previously buffered snapshot; the debounce window starts or extends.
func (p *Pipeline) MarkChanged(blocks []document.Block) error {
	select {
	case p.edits <- document.CloneBlocks(blocks):
		return nil
	case <-p.stopped:
		return ErrClosed
	}
}

// SaveNow bypasses the debounce window and reports the outcome of the
// next completed save attempt.
func (p *Pipeline) SaveNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case p.saveNow <- reply:
	case <-p.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry restarts saving after the pipeline gave up (error state) or went
// offline.
func (p *Pipeline) Retry(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case p.retries <- reply:
	case <-p.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve applies a conflict resolution decision.
func (p *Pipeline) Resolve(ctx context.Context, resolution Resolution) error {
	req := resolveRequest{resolution: resolution, reply: make(chan error, 1)}
	select {
	case p.resolutions <- req:
	case <-p.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterConflict records a conflict discovered outside the save loop,
// as happens when offline queue replay hits a stale base version. The
// pipeline enters the conflict state with the rejected snapshot buffered.
func (p *Pipeline) RegisterConflict(ctx context.Context, local []document.Block, base int64, cerr *saveapi.ConflictError) error {
	inj := conflictInjection{
		local: document.CloneBlocks(local),
		base:  base,
		cerr:  cerr,
		reply: make(chan error, 1),
	}
	select {
	case p.injected <- inj:
	case <-p.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-inj.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyFlushed tells the pipeline the offline queue replayed up to the
// given confirmed version, so in-memory base version catches up.
func (p *Pipeline) NotifyFlushed(version int64) {
	select {
	case p.flushes <- version:
	case <-p.stopped:
	}
}

// Close flushes or demotes buffered work, then stops the loop. A dirty
// snapshot that cannot be saved within ctx is enqueued offline rather
// than dropped.
func (p *Pipeline) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case p.quit <- reply:
	case <-p.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loopState is owned exclusively by the run goroutine.
type loopState struct {
	dirty       []document.Block
	seq         uint64
	base        int64
	dirtySince  time.Time
	debounceAt  time.Time
	maxWaitAt   time.Time
	retryAt     time.Time
	retrySnap   []document.Block
	inFlight    bool
	retryCount  int
	offline     bool
	probeAt     time.Time
	probeTries  int
	probing     bool
	waiters     []chan error
	closeReply  chan error
}

func (p *Pipeline) run() {
	ls := &loopState{base: p.opts.BaseVersion}
	for {
		var timerC <-chan time.Time
		if wake := ls.nextWake(); !wake.IsZero() {
			d := time.Until(wake)
			if d < 0 {
				d = 0
			}
			timerC = time.After(d)
		}
		select {
		case blocks := <-p.edits:
			p.onEdit(ls, blocks)
		case <-timerC:
			p.onWake(ls, time.Now())
		case reply := <-p.saveNow:
			p.onSaveNow(ls, reply)
		case reply := <-p.retries:
			p.onRetry(ls, reply)
		case req := <-p.resolutions:
			p.onResolve(ls, req)
		case inj := <-p.injected:
			p.onInjectedConflict(ls, inj)
		case version := <-p.flushes:
			p.onFlushed(ls, version)
		case reachable := <-p.probes:
			p.onProbe(ls, reachable)
		case out := <-p.results:
			p.onResult(ls, out)
			if ls.closeReply != nil && !ls.inFlight {
				p.finishClose(ls)
				return
			}
		case reply := <-p.quit:
			ls.closeReply = reply
			if !ls.inFlight {
				p.finishClose(ls)
				return
			}
		}
	}
}

func (ls *loopState) nextWake() time.Time {
	wake := ls.retryAt
	for _, t := range []time.Time{ls.debounceAt, ls.maxWaitAt, ls.probeAt} {
		if t.IsZero() {
			continue
		}
		if wake.IsZero() || t.Before(wake) {
			wake = t
		}
	}
	return wake
}

func (p *Pipeline) onEdit(ls *loopState, blocks []document.Block) {
	now := time.Now()
	ls.dirty = blocks
	ls.seq++
	p.persistPending(ls, now)

	if p.State() == StateConflict {
		// Edits buffer while a conflict is open, but nothing is scheduled
		// and nothing goes to the server.
		return
	}
	if ls.dirtySince.IsZero() {
		ls.dirtySince = now
		ls.maxWaitAt = now.Add(p.opts.MaxWait)
	}
	ls.debounceAt = now.Add(p.opts.Debounce)
	if !ls.offline {
		p.setState(StatePending, "")
	}
}

func (p *Pipeline) onWake(ls *loopState, now time.Time) {
	if !ls.retryAt.IsZero() && !now.Before(ls.retryAt) {
		ls.retryAt = time.Time{}
		snap := ls.retrySnap
		ls.retrySnap = nil
		if ls.dirty != nil {
			snap = ls.dirty
		}
		if snap != nil && !ls.inFlight {
			p.startSave(ls, snap)
		}
	}
	if !ls.probeAt.IsZero() && !now.Before(ls.probeAt) {
		ls.probeAt = time.Time{}
		if ls.offline && !ls.probing {
			ls.probing = true
			p.startProbe()
		}
	}
	due := false
	if !ls.debounceAt.IsZero() && !now.Before(ls.debounceAt) {
		ls.debounceAt = time.Time{}
		due = true
	}
	if !ls.maxWaitAt.IsZero() && !now.Before(ls.maxWaitAt) {
		ls.maxWaitAt = time.Time{}
		due = true
	}
	if !due || ls.dirty == nil {
		return
	}
	if ls.offline {
		p.demote(ls)
		return
	}
	if ls.inFlight {
		// Coalesce: the in-flight completion reschedules if still dirty.
		return
	}
	p.startSave(ls, ls.dirty)
}

func (p *Pipeline) onSaveNow(ls *loopState, reply chan error) {
	if p.State() == StateConflict {
		reply <- ErrConflictUnresolved
		return
	}
	if ls.dirty == nil && !ls.inFlight {
		reply <- nil
		return
	}
	if ls.offline {
		p.demote(ls)
		reply <- nil
		return
	}
	ls.waiters = append(ls.waiters, reply)
	if !ls.inFlight && ls.dirty != nil {
		ls.debounceAt, ls.maxWaitAt = time.Time{}, time.Time{}
		p.startSave(ls, ls.dirty)
	}
}

func (p *Pipeline) onRetry(ls *loopState, reply chan error) {
	state := p.State()
	if state != StateError && state != StateOffline && state != StateRateLimited {
		reply <- ErrNothingToRetry
		return
	}
	snap := ls.dirty
	if snap == nil {
		snap = ls.retrySnap
	}
	if snap == nil {
		reply <- ErrNothingToRetry
		return
	}
	ls.retryCount = 0
	ls.retryAt, ls.retrySnap = time.Time{}, nil
	ls.offline = false
	ls.probeAt, ls.probeTries = time.Time{}, 0
	ls.waiters = append(ls.waiters, reply)
	if !ls.inFlight {
		p.startSave(ls, snap)
	}
}

func (p *Pipeline) onFlushed(ls *loopState, version int64) {
	if version > ls.base {
		ls.base = version
	}
	if ls.dirty == nil && !ls.inFlight && p.State() == StateOffline {
		ls.offline = false
		ls.probeAt, ls.probeTries = time.Time{}, 0
		p.setState(StateSaved, "")
	}
}

func (p *Pipeline) startSave(ls *loopState, snapshot []document.Block) {
	ls.inFlight = true
	base := ls.base
	seq := ls.seq
	snap := document.CloneBlocks(snapshot)
	p.setState(StateSaving, "")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := p.opts.Guard.Submit(ctx, p.opts.DocumentID, base, snap)
		p.results <- saveOutcome{snapshot: snap, base: base, seq: seq, result: result, err: err}
	}()
}

func (p *Pipeline) onResult(ls *loopState, out saveOutcome) {
	ls.inFlight = false
	if out.err == nil {
		p.onSaveSuccess(ls, out)
		return
	}

	var conflictErr *saveapi.ConflictError
	var limitedErr *saveapi.RateLimitedError
	switch {
	case errors.As(out.err, &conflictErr):
		record := newConflictRecord(p.opts.DocumentID, out.snapshot, out.base, conflictErr, p.policy)
		p.mu.Lock()
		p.conflict = &record
		p.mu.Unlock()
		// Disarm every timer. An edit that landed mid-flight re-armed the
		// debounce window; nothing may submit until the conflict resolves.
		ls.debounceAt, ls.maxWaitAt, ls.retryAt = time.Time{}, time.Time{}, time.Time{}
		ls.retrySnap = nil
		p.logf("save %s: conflict at base %d, server at %d (%s)",
			p.opts.DocumentID, out.base, record.ServerVersion, record.Severity)
		p.setState(StateConflict, out.err.Error())
		p.failWaiters(ls, out.err)

	case errors.As(out.err, &limitedErr):
		ls.retrySnap = out.snapshot
		ls.retryAt = time.Now().Add(limitedErr.RetryAfter)
		p.logf("save %s: rate limited, resubmitting in %s", p.opts.DocumentID, limitedErr.RetryAfter)
		p.setState(StateRateLimited, out.err.Error())

	case isNetworkError(out.err):
		p.logf("save %s: network unavailable: %v", p.opts.DocumentID, out.err)
		if ls.dirty == nil {
			ls.dirty = out.snapshot
			ls.seq++
		}
		ls.offline = true
		p.demote(ls)
		p.scheduleProbe(ls, time.Now())
		p.failWaiters(ls, out.err)

	case saveapi.IsTransient(out.err):
		ls.retryCount++
		if ls.retryCount >= p.opts.MaxRetries {
			p.logf("save %s: giving up after %d attempts: %v", p.opts.DocumentID, ls.retryCount, out.err)
			ls.retrySnap = out.snapshot
			p.setState(StateError, out.err.Error())
			p.failWaiters(ls, out.err)
			return
		}
		delay := backoffDelay(ls.retryCount, p.opts.BackoffMin, p.opts.BackoffMax)
		ls.retrySnap = out.snapshot
		ls.retryAt = time.Now().Add(delay)
		p.logf("save %s: transient failure (attempt %d), retrying in %s: %v",
			p.opts.DocumentID, ls.retryCount, delay, out.err)

	default:
		// Validation and other permanent failures: do not retry.
		p.logf("save %s: rejected: %v", p.opts.DocumentID, out.err)
		p.setState(StateError, out.err.Error())
		p.failWaiters(ls, out.err)
	}
}

func (p *Pipeline) onSaveSuccess(ls *loopState, out saveOutcome) {
	ls.retryCount = 0
	ls.retrySnap = nil
	ls.base = out.result.Version
	p.mu.Lock()
	p.lastSaved = out.result.UpdatedAt
	p.mu.Unlock()

	if p.opts.Store != nil {
		err := p.opts.Store.SetBaseline(store.BaselineRecord{
			DocumentID: p.opts.DocumentID,
			Version:    out.result.Version,
			Blocks:     out.snapshot,
			UpdatedAt:  out.result.UpdatedAt,
		})
		if err != nil {
			p.logf("save %s: baseline persist: %v", p.opts.DocumentID, err)
		}
	}

	if ls.seq == out.seq {
		// Nothing changed while the save was in flight.
		ls.dirty = nil
		ls.dirtySince = time.Time{}
		ls.debounceAt, ls.maxWaitAt = time.Time{}, time.Time{}
		if p.opts.Store != nil {
			if err := p.opts.Store.ClearPending(p.opts.DocumentID); err != nil {
				p.logf("save %s: clear pending: %v", p.opts.DocumentID, err)
			}
		}
		p.setState(StateSaved, "")
	} else {
		// Edits landed mid-flight; run another debounce round for them.
		ls.debounceAt = time.Now().Add(p.opts.Debounce)
		if ls.maxWaitAt.IsZero() {
			ls.maxWaitAt = time.Now().Add(p.opts.MaxWait)
		}
		p.setState(StatePending, "")
	}
	for _, w := range ls.waiters {
		w <- nil
	}
	ls.waiters = nil
}

func (p *Pipeline) onResolve(ls *loopState, req resolveRequest) {
	p.mu.Lock()
	record := p.conflict
	p.mu.Unlock()
	if record == nil {
		req.reply <- ErrNoConflict
		return
	}

	switch req.resolution {
	case AcceptServer:
		ls.base = record.ServerVersion
		ls.dirty = nil
		ls.dirtySince = time.Time{}
		ls.debounceAt, ls.maxWaitAt = time.Time{}, time.Time{}
		if p.opts.Store != nil {
			_ = p.opts.Store.SetBaseline(store.BaselineRecord{
				DocumentID: p.opts.DocumentID,
				Version:    record.ServerVersion,
				Blocks:     record.ServerContent,
				UpdatedAt:  record.ServerUpdatedAt,
			})
			if err := p.opts.Store.ClearPending(p.opts.DocumentID); err != nil {
				p.logf("resolve %s: clear pending: %v", p.opts.DocumentID, err)
			}
		}
		p.mu.Lock()
		p.conflict = nil
		p.mu.Unlock()
		if p.opts.OnAdopt != nil {
			p.opts.OnAdopt(document.CloneBlocks(record.ServerContent))
		}
		p.setState(StateIdle, "")
		req.reply <- nil

	case ForceLocal:
		// Deliberate overwrite: resubmit at the server's reported version.
		local := ls.dirty
		if local == nil {
			local = record.LocalContent
		}
		ls.base = record.ServerVersion
		p.mu.Lock()
		p.conflict = nil
		p.mu.Unlock()
		ls.waiters = append(ls.waiters, req.reply)
		p.startSave(ls, local)

	default:
		req.reply <- fmt.Errorf("unknown resolution %q", req.resolution)
	}
}

func (p *Pipeline) onInjectedConflict(ls *loopState, inj conflictInjection) {
	record := newConflictRecord(p.opts.DocumentID, inj.local, inj.base, inj.cerr, p.policy)
	p.mu.Lock()
	p.conflict = &record
	p.mu.Unlock()
	if ls.dirty == nil {
		ls.dirty = inj.local
		ls.seq++
	}
	ls.offline = false
	ls.debounceAt, ls.maxWaitAt, ls.retryAt, ls.probeAt = time.Time{}, time.Time{}, time.Time{}, time.Time{}
	p.setState(StateConflict, inj.cerr.Error())
	inj.reply <- nil
}

// demote moves the buffered snapshot into the offline queue.
func (p *Pipeline) demote(ls *loopState) {
	if ls.dirty == nil {
		return
	}
	if p.opts.Queue != nil {
		err := p.opts.Queue.Enqueue(queue.Entry{
			DocumentID:  p.opts.DocumentID,
			Snapshot:    ls.dirty,
			BaseVersion: ls.base,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			p.logf("demote %s: enqueue: %v", p.opts.DocumentID, err)
			p.setState(StateOffline, err.Error())
			return
		}
		ls.dirty = nil
		ls.dirtySince = time.Time{}
		if p.opts.Store != nil {
			if err := p.opts.Store.ClearPending(p.opts.DocumentID); err != nil {
				p.logf("demote %s: clear pending: %v", p.opts.DocumentID, err)
			}
		}
	}
	ls.debounceAt, ls.maxWaitAt = time.Time{}, time.Time{}
	p.setState(StateOffline, "network unavailable")
}

// scheduleProbe arms the next offline connectivity check, backed off like
// transient save retries.
func (p *Pipeline) scheduleProbe(ls *loopState, now time.Time) {
	if ls.probing || !ls.probeAt.IsZero() {
		return
	}
	ls.probeTries++
	ls.probeAt = now.Add(backoffDelay(ls.probeTries, p.opts.BackoffMin, p.opts.BackoffMax))
}

// startProbe checks reachability with a cheap fetch. A non-network answer,
// ErrNotFound included, counts as reachable.
func (p *Pipeline) startProbe() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := p.opts.Guard.Fetch(ctx, p.opts.DocumentID)
		select {
		case p.probes <- !isNetworkError(err):
		case <-p.stopped:
		}
	}()
}

func (p *Pipeline) onProbe(ls *loopState, reachable bool) {
	ls.probing = false
	if !ls.offline {
		return
	}
	if !reachable {
		ls.probeAt = time.Time{}
		p.scheduleProbe(ls, time.Now())
		return
	}
	p.logf("probe %s: connectivity restored", p.opts.DocumentID)
	ls.offline = false
	ls.probeAt, ls.probeTries = time.Time{}, 0
	if ls.dirty != nil {
		now := time.Now()
		ls.debounceAt = now.Add(p.opts.Debounce)
		if ls.maxWaitAt.IsZero() {
			ls.maxWaitAt = now.Add(p.opts.MaxWait)
		}
		p.setState(StatePending, "")
	}
	if p.opts.OnOnline != nil {
		go p.opts.OnOnline()
	}
}

func (p *Pipeline) finishClose(ls *loopState) {
	defer close(p.stopped)
	reply := ls.closeReply
	if ls.dirty == nil || p.State() == StateConflict {
		// An open conflict holds its buffered draft in the durable pending
		// record; resolution happens next session.
		reply <- nil
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.opts.Guard.Submit(ctx, p.opts.DocumentID, ls.base, ls.dirty)
	if err == nil {
		if p.opts.Store != nil {
			_ = p.opts.Store.ClearPending(p.opts.DocumentID)
		}
		reply <- nil
		return
	}
	// Could not land the final save: demote instead of dropping.
	p.demote(ls)
	reply <- nil
}

func (p *Pipeline) persistPending(ls *loopState, now time.Time) {
	if p.opts.Store == nil {
		return
	}
	err := p.opts.Store.SetPending(store.PendingRecord{
		DocumentID:  p.opts.DocumentID,
		Snapshot:    ls.dirty,
		BaseVersion: ls.base,
		Timestamp:   now.UTC(),
	})
	if err != nil {
		p.logf("pending %s: persist: %v", p.opts.DocumentID, err)
	}
}

func (p *Pipeline) failWaiters(ls *loopState, err error) {
	for _, w := range ls.waiters {
		w <- err
	}
	ls.waiters = nil
}

func (p *Pipeline) setState(next SaveState, detail string) {
	p.mu.Lock()
	prev := p.state
	if prev == next && detail == "" {
		p.mu.Unlock()
		return
	}
	if !CanTransition(prev, next) {
		p.logf("state %s: invalid transition %s -> %s", p.opts.DocumentID, prev, next)
	}
	p.state = next
	lastSaved := p.lastSaved
	p.mu.Unlock()
	if p.opts.OnState != nil {
		p.opts.OnState(StateChange{
			DocumentID: p.opts.DocumentID,
			State:      next,
			LastSaved:  lastSaved,
			Err:        detail,
		})
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.opts.Logger == nil {
		return
	}
	p.opts.Logger.Printf(format, args...)
}

func backoffDelay(attempt int, min, max time.Duration) time.Duration {
	delay := min
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// isNetworkError distinguishes "the server is unreachable" from "the
// server answered badly". Only the former demotes to the offline queue.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var herr *saveapi.HTTPError
	if errors.As(err, &herr) {
		return false
	}
	var verr *document.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	return saveapi.IsTransient(err)
}
