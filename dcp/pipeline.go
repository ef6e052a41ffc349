// Package dcp wires a change stream source into the request/worker
// pipeline: SourceClient is the seam between the wire protocol and
// everything downstream, the way graph.Engine sits between a run's input
// and its node graph.
package dcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mvarga/vbreplicator/checkpoint"
	"github.com/mvarga/vbreplicator/event"
	"github.com/mvarga/vbreplicator/internal/emit"
	"github.com/mvarga/vbreplicator/request"
	"github.com/mvarga/vbreplicator/worker"
)

// ErrBucketUUIDMismatch is returned when a partition's stream reports a
// vbucket uuid different from the one its last checkpoint was recorded
// against: the source was rebalanced or recreated underneath the
// replicator and its checkpoint can no longer be trusted.
var ErrBucketUUIDMismatch = errors.New("dcp: vbucket uuid mismatch")

// SourceClient is the seam a concrete change-stream protocol implements.
// sqlsource.Client is the production adapter; memsource.Client is an
// in-memory test fake.
type SourceClient interface {
	Connect(ctx context.Context) error
	NumPartitions(ctx context.Context) (int, error)
	// CurrentSeqnos reports the live (uncommitted) seqno/uuid for each
	// partition, used to seed checkpoints for partitions never checkpointed.
	CurrentSeqnos(ctx context.Context, partitions []int) (map[int]checkpoint.CurrentSeqnos, error)
	// StartStreaming begins delivering events from each partition's
	// checkpoint onward, calling onEvent for every event in seqno order
	// within a partition. It blocks until ctx is cancelled or a fatal
	// protocol error occurs.
	StartStreaming(ctx context.Context, checkpoints map[int]checkpoint.Checkpoint, onEvent func(context.Context, event.ReplicationEvent) error) error
	Close() error
}

// RejectSink receives events the request factory could not turn into an
// IndexRequest. *request.RejectLog implements it.
type RejectSink interface {
	Append(ev event.ReplicationEvent, reason string, now time.Time) error
}

// Pipeline connects a SourceClient's event stream to a request.Factory and
// a worker.Group, tracking per-partition vbucket uuid continuity and
// routing malformed events to a RejectSink.
type Pipeline struct {
	source      SourceClient
	factory     *request.Factory
	workers     *worker.Group
	checkpoints *checkpoint.Service
	rejects     RejectSink
	emitter     emit.Emitter
	fatal       *worker.FatalLatch

	mu       sync.Mutex
	lastUUID map[int]string
}

// NewPipeline constructs a Pipeline. emitter and rejects may be nil.
func NewPipeline(source SourceClient, factory *request.Factory, workers *worker.Group, checkpoints *checkpoint.Service, rejects RejectSink, emitter emit.Emitter, fatal *worker.FatalLatch) *Pipeline {
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	return &Pipeline{
		source:      source,
		factory:     factory,
		workers:     workers,
		checkpoints: checkpoints,
		rejects:     rejects,
		emitter:     emitter,
		fatal:       fatal,
		lastUUID:    make(map[int]string),
	}
}

// Run connects the source, seeds vbucket uuid tracking from the current
// checkpoint state, and streams events until ctx is cancelled or the source
// returns (including a fatal bucket-uuid mismatch).
func (p *Pipeline) Run(ctx context.Context, partitions []int) error {
	if err := p.source.Connect(ctx); err != nil {
		return fmt.Errorf("dcp: connect: %w", err)
	}

	snapshot := p.checkpoints.Snapshot()
	live, err := p.source.CurrentSeqnos(ctx, partitions)
	if err != nil {
		return fmt.Errorf("dcp: current seqnos: %w", err)
	}

	cps := make(map[int]checkpoint.Checkpoint, len(partitions))
	p.mu.Lock()
	for _, part := range partitions {
		committed := snapshot[part].Committed
		liveUUID := live[part].VBucketUUID

		// Startup boundary case (spec.md §3): the stored checkpoint's uuid
		// disagrees with the source's live uuid for this partition only,
		// meaning the source dataset was rebalanced or recreated underneath
		// it. Discard just this partition's checkpoint and restream it from
		// BEGINNING; siblings resume from their own checkpoints untouched.
		// This is distinct from checkUUID's mid-stream panic path below.
		if committed.VBucketUUID != "" && liveUUID != "" && committed.VBucketUUID != liveUUID {
			if err := p.checkpoints.ResetPartition(ctx, part, liveUUID); err != nil {
				p.mu.Unlock()
				return fmt.Errorf("dcp: reset stale partition %d: %w", part, err)
			}
			committed = checkpoint.Checkpoint{Partition: part, VBucketUUID: liveUUID}
		}

		cps[part] = committed
		if committed.VBucketUUID != "" {
			p.lastUUID[part] = committed.VBucketUUID
		}
	}
	p.mu.Unlock()

	for _, part := range partitions {
		p.emitter.Emit(emit.Event{Partition: part, Msg: emit.MsgPartitionStreamStart})
	}

	return p.source.StartStreaming(ctx, cps, p.handleEvent)
}

func (p *Pipeline) handleEvent(ctx context.Context, ev event.ReplicationEvent) error {
	if !p.checkUUID(ev) {
		p.emitter.Emit(emit.Event{Partition: ev.Partition, Msg: emit.MsgBucketUUIDMismatch})
		if p.fatal != nil {
			p.fatal.Trip(ErrBucketUUIDMismatch)
		}
		return ErrBucketUUIDMismatch
	}

	p.checkpoints.Observe(ev.Partition, ev.Seqno)

	if ev.Kind == event.SnapshotMarker {
		return nil
	}

	req, outcome, err := p.factory.Build(ev)
	switch outcome {
	case request.Produced:
		return p.workers.Submit(ctx, req)
	case request.Rejected:
		p.emitter.Emit(emit.Event{Partition: ev.Partition, Seqno: ev.Seqno, Msg: emit.MsgRejectLogged})
		if p.rejects != nil {
			reason := "unknown"
			if err != nil {
				reason = err.Error()
			}
			if appendErr := p.rejects.Append(ev, reason, time.Now()); appendErr != nil {
				return fmt.Errorf("dcp: reject log: %w", appendErr)
			}
		}
		return nil
	default: // Dropped
		return nil
	}
}

// checkUUID enforces that a partition's vbucket uuid never changes across
// the lifetime of the pipeline's in-memory tracking. An empty uuid from the
// source means the adapter doesn't support uuid tracking and is always
// accepted.
func (p *Pipeline) checkUUID(ev event.ReplicationEvent) bool {
	if ev.VBucketUUID == "" {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	known, ok := p.lastUUID[ev.Partition]
	if !ok || known == "" {
		p.lastUUID[ev.Partition] = ev.VBucketUUID
		return true
	}
	return known == ev.VBucketUUID
}

// Close releases the underlying SourceClient.
func (p *Pipeline) Close() error { return p.source.Close() }
