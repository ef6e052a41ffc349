// Package worker implements the bounded, back-pressured batching pipeline
// that turns a stream of IndexRequests into bulk writes against the index
// cluster, retrying transient failures forever and advancing checkpoints
// only once a write has actually landed.
//
// The queueing and backpressure model follows graph/scheduler.go's Frontier:
// a bounded channel blocks the producer when full. Retry scheduling follows
// graph/policy.go's computeBackoff, adapted to full jitter and unbounded
// attempts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mvarga/vbreplicator/checkpoint"
	"github.com/mvarga/vbreplicator/event"
	"github.com/mvarga/vbreplicator/index"
	"github.com/mvarga/vbreplicator/internal/emit"
	"github.com/mvarga/vbreplicator/request"
)

// RejectSink receives bulk-dispatch items the index cluster permanently
// rejected (index.Rejected). *request.RejectLog implements it, the same
// sink dcp.Pipeline uses for events the request factory couldn't build.
type RejectSink interface {
	Append(ev event.ReplicationEvent, reason string, now time.Time) error
}

// State is the WorkerGroup lifecycle.
type State int

const (
	Idle State = iota
	Running
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "idle"
	}
}

var (
	// ErrClosed is returned by Submit once the group has shut down.
	ErrClosed = errors.New("worker: group is closed")
	// ErrNotRunning is returned by Submit before Start or after Drain begins.
	ErrNotRunning = errors.New("worker: group is not running")
)

// Config bounds batch size and queue depth.
type Config struct {
	// QueueDepth is the inbox channel's capacity; Submit blocks once it's full.
	QueueDepth int
	// MaxBatchDocs caps the number of items in one bulk dispatch.
	MaxBatchDocs int
	// MaxBatchBytes caps the summed body size of one bulk dispatch.
	MaxBatchBytes int
	// FlushInterval bounds how long a partial batch waits before it's sent anyway.
	FlushInterval time.Duration
	// RetryPollInterval controls how often the retry queue is checked for
	// items whose backoff has elapsed.
	RetryPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1000
	}
	if c.MaxBatchDocs <= 0 {
		c.MaxBatchDocs = 500
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 5 << 20
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.RetryPollInterval <= 0 {
		c.RetryPollInterval = 200 * time.Millisecond
	}
	return c
}

type retryItem struct {
	req     request.IndexRequest
	attempt int
	readyAt time.Time
}

// FatalLatch is a one-shot "panic button": the first fatal error wins and
// is observable by anyone waiting on Done.
type FatalLatch struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

// NewFatalLatch returns an armed FatalLatch.
func NewFatalLatch() *FatalLatch {
	return &FatalLatch{ch: make(chan struct{})}
}

// Trip fires the latch with err, if it hasn't already fired.
func (f *FatalLatch) Trip(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.ch)
	})
}

// Done returns a channel closed once Trip has been called.
func (f *FatalLatch) Done() <-chan struct{} { return f.ch }

// Err returns the error Trip was called with, or nil if still armed.
func (f *FatalLatch) Err() error { return f.err }

// Group is a WorkerGroup: one bounded inbox, one batching/dispatch loop,
// one retry queue, feeding into checkpoint accounting.
type Group struct {
	cfg         Config
	client      index.Client
	checkpoints *checkpoint.Service
	rejects     RejectSink
	emitter     emit.Emitter
	fatal       *FatalLatch
	rng         *rand.Rand

	inbox chan request.IndexRequest

	stateMu sync.Mutex
	state   State

	retryMu    sync.Mutex
	retryQueue []retryItem

	// docMu guards inFlight and pendingByDoc, the same-docId batch-splitting
	// mechanism that preserves P3 (per-document ordering): at most one
	// request per (indexName, docId) is ever in a dispatched batch or retry
	// attempt at a time, with later updates to the same doc held back until
	// the in-flight one resolves.
	docMu        sync.Mutex
	inFlight     map[string]bool
	pendingByDoc map[string][]request.IndexRequest

	stopCh chan struct{}
	doneCh chan struct{}
}

func docKey(indexName, docID string) string { return indexName + "/" + docID }

// NewGroup constructs a Group. rejects, emitter, and fatal may all be nil;
// rejects=nil silently drops rejected items from the log (no-op sink), and
// fatal=nil allocates a private latch.
func NewGroup(client index.Client, checkpoints *checkpoint.Service, rejects RejectSink, emitter emit.Emitter, fatal *FatalLatch, cfg Config) *Group {
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	if fatal == nil {
		fatal = NewFatalLatch()
	}
	cfg = cfg.withDefaults()
	return &Group{
		cfg:         cfg,
		client:      client,
		checkpoints: checkpoints,
		rejects:     rejects,
		emitter:     emitter,
		fatal:       fatal,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter timing, not security
		inbox:        make(chan request.IndexRequest, cfg.QueueDepth),
		inFlight:     make(map[string]bool),
		pendingByDoc: make(map[string][]request.IndexRequest),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// admit reports whether req may enter the current batch. A docId already
// in flight parks req in pendingByDoc instead; release promotes it once
// the in-flight request resolves, preserving per-document ordering (P3)
// across batch boundaries.
func (g *Group) admit(req request.IndexRequest) bool {
	key := docKey(req.IndexName, req.DocID)
	g.docMu.Lock()
	defer g.docMu.Unlock()
	if g.inFlight[key] {
		g.pendingByDoc[key] = append(g.pendingByDoc[key], req)
		return false
	}
	g.inFlight[key] = true
	return true
}

// release marks a docId's in-flight request resolved, promoting its oldest
// parked request (if any) to take its place. A Retryable outcome must not
// call release: the docId stays in flight until the retry itself resolves.
func (g *Group) release(indexName, docID string) (request.IndexRequest, bool) {
	key := docKey(indexName, docID)
	g.docMu.Lock()
	defer g.docMu.Unlock()
	pending := g.pendingByDoc[key]
	if len(pending) == 0 {
		delete(g.inFlight, key)
		return request.IndexRequest{}, false
	}
	next := pending[0]
	if len(pending) == 1 {
		delete(g.pendingByDoc, key)
	} else {
		g.pendingByDoc[key] = pending[1:]
	}
	return next, true
}

// Fatal returns the group's FatalLatch so callers can plug it into a
// supervisor's panic-button wiring.
func (g *Group) Fatal() *FatalLatch { return g.fatal }

// QueueLen reports the number of IndexRequests currently buffered in the
// inbox, for the write.queue gauge.
func (g *Group) QueueLen() int { return len(g.inbox) }

// State reports the group's current lifecycle state.
func (g *Group) State() State {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.state
}

// Start launches the batching loop. Call once.
func (g *Group) Start(ctx context.Context) {
	g.stateMu.Lock()
	g.state = Running
	g.stateMu.Unlock()
	go g.loop(ctx)
}

// Submit enqueues req, blocking if the inbox is full (backpressure) until
// space frees up, ctx is cancelled, or the group stops.
func (g *Group) Submit(ctx context.Context, req request.IndexRequest) error {
	g.stateMu.Lock()
	state := g.state
	g.stateMu.Unlock()
	if state == Closed {
		return ErrClosed
	}
	if state == Idle || state == Draining {
		return ErrNotRunning
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopCh:
		return ErrClosed
	case <-g.fatal.Done():
		return fmt.Errorf("worker: %w", g.fatal.Err())
	case g.inbox <- req:
		return nil
	}
}

// Drain stops accepting new work, flushes whatever remains, and returns
// once the loop has exited or ctx expires.
func (g *Group) Drain(ctx context.Context) error {
	g.stateMu.Lock()
	if g.state == Closed {
		g.stateMu.Unlock()
		return nil
	}
	g.state = Draining
	g.stateMu.Unlock()

	close(g.stopCh)
	select {
	case <-g.doneCh:
		g.stateMu.Lock()
		g.state = Closed
		g.stateMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchItem pairs an IndexRequest with its retry attempt count, so a
// redispatched retry's backoff keeps growing instead of resetting.
type dispatchItem struct {
	req     request.IndexRequest
	attempt int
}

func (g *Group) loop(ctx context.Context) {
	defer close(g.doneCh)

	var batch []dispatchItem
	var batchBytes int
	flushTimer := time.NewTimer(g.cfg.FlushInterval)
	defer flushTimer.Stop()
	retryTicker := time.NewTicker(g.cfg.RetryPollInterval)
	defer retryTicker.Stop()

	add := func(item dispatchItem) {
		if len(batch) == 0 {
			if !flushTimer.Stop() {
				select {
				case <-flushTimer.C:
				default:
				}
			}
			flushTimer.Reset(g.cfg.FlushInterval)
		}
		batch = append(batch, item)
		batchBytes += len(item.req.Body)
	}

	// flush dispatches the current batch and re-admits any requests that
	// dispatch's per-docId release promoted, so they ride the next batch
	// instead of waiting for a fresh inbox event or the flush timer.
	var flush func()
	flush = func() {
		if len(batch) == 0 {
			return
		}
		promoted := g.dispatch(ctx, batch)
		batch = nil
		batchBytes = 0
		for _, req := range promoted {
			add(dispatchItem{req: req})
		}
		if full() {
			flush()
		}
	}

	full := func() bool {
		return len(batch) >= g.cfg.MaxBatchDocs || batchBytes >= g.cfg.MaxBatchBytes
	}

	for {
		select {
		case <-ctx.Done():
			for len(batch) > 0 {
				flush()
			}
			return
		case <-g.fatal.Done():
			return
		case <-g.stopCh:
			// Drain whatever's already queued before exiting.
			for {
				select {
				case req := <-g.inbox:
					if g.admit(req) {
						add(dispatchItem{req: req})
						if full() {
							flush()
						}
					}
				default:
					for len(batch) > 0 {
						flush()
					}
					return
				}
			}
		case req := <-g.inbox:
			if g.admit(req) {
				add(dispatchItem{req: req})
				if full() {
					flush()
				}
			}
		case <-flushTimer.C:
			flush()
		case <-retryTicker.C:
			ready := g.popReadyRetries(time.Now())
			for _, item := range ready {
				add(item)
				if full() {
					flush()
				}
			}
		}
	}
}

func (g *Group) popReadyRetries(now time.Time) []dispatchItem {
	g.retryMu.Lock()
	defer g.retryMu.Unlock()
	var ready []dispatchItem
	var remaining []retryItem
	for _, item := range g.retryQueue {
		if !item.readyAt.After(now) {
			ready = append(ready, dispatchItem{req: item.req, attempt: item.attempt})
		} else {
			remaining = append(remaining, item)
		}
	}
	g.retryQueue = remaining
	return ready
}

func (g *Group) scheduleRetry(item dispatchItem) {
	attempt := item.attempt + 1
	delay := computeBackoff(item.attempt, g.rng)
	g.retryMu.Lock()
	g.retryQueue = append(g.retryQueue, retryItem{req: item.req, attempt: attempt, readyAt: time.Now().Add(delay)})
	g.retryMu.Unlock()
}

// logRejected records a permanently-rejected bulk item to the reject sink.
// IndexRequest carries no document key (only the formatted DocID), so the
// synthesized event.ReplicationEvent uses DocID in its Key field; the
// (partition, seqno) pair still identifies exactly which source event this
// was.
func (g *Group) logRejected(req request.IndexRequest, result index.ItemResult) {
	g.emitter.Emit(emit.Event{Partition: req.Partition, Seqno: req.Seqno, Msg: emit.MsgRejectLogged})
	if g.rejects == nil {
		return
	}
	reason := "rejected"
	if result.Err != nil {
		reason = result.Err.Error()
	}
	ev := event.ReplicationEvent{
		Partition:   req.Partition,
		Seqno:       req.Seqno,
		VBucketUUID: req.VBucketUUID,
		Key:         req.DocID,
	}
	_ = g.rejects.Append(ev, reason, time.Now())
}

// dispatch sends one bulk request and resolves every item's outcome. It
// returns the requests that were parked behind one of this batch's docIds
// and are now promoted to take its place, for the caller to fold into the
// next batch.
func (g *Group) dispatch(ctx context.Context, batch []dispatchItem) []request.IndexRequest {
	items := make([]index.BulkItem, len(batch))
	for i, item := range batch {
		req := item.req
		items[i] = index.BulkItem{
			Op:        index.Op(req.Op),
			IndexName: req.IndexName,
			DocID:     req.DocID,
			Version:   req.Version,
			Routing:   req.Routing,
			Pipeline:  req.Pipeline,
			Body:      req.Body,
		}
	}

	results, err := g.client.Bulk(ctx, items)
	if err != nil {
		// Transport-level failure: the whole batch is retryable. The docId
		// stays in flight for every item; none of them release.
		g.emitter.Emit(emit.Event{Partition: -1, Msg: emit.MsgBatchRetried, Meta: map[string]interface{}{"count": len(batch), "error": err.Error()}})
		for _, item := range batch {
			g.scheduleRetry(item)
		}
		return nil
	}

	var resolved []request.IndexRequest
	var retried int
	var promoted []request.IndexRequest
	for i, result := range results {
		item := batch[i]
		switch result.Outcome {
		case index.Success, index.VersionConflict:
			resolved = append(resolved, item.req)
			if next, ok := g.release(item.req.IndexName, item.req.DocID); ok {
				promoted = append(promoted, next)
			}
		case index.Rejected:
			resolved = append(resolved, item.req)
			g.logRejected(item.req, result)
			if next, ok := g.release(item.req.IndexName, item.req.DocID); ok {
				promoted = append(promoted, next)
			}
		case index.Retryable:
			retried++
			g.scheduleRetry(item)
		}
	}

	g.emitter.Emit(emit.Event{Partition: -1, Msg: emit.MsgBatchDispatched, Meta: map[string]interface{}{"count": len(batch), "resolved": len(resolved), "retried": retried}})

	for _, req := range resolved {
		g.checkpoints.Set(checkpoint.Checkpoint{
			Partition:          req.Partition,
			VBucketUUID:        req.VBucketUUID,
			Seqno:              req.Seqno,
			SnapshotStartSeqno: req.SnapshotStartSeqno,
			SnapshotEndSeqno:   req.SnapshotEndSeqno,
		})
	}
	return promoted
}
