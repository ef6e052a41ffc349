package checkpoint

import (
	"context"
	"sync"

	"github.com/mvarga/vbreplicator/internal/emit"
)

// CurrentSeqnos is the live (uncommitted) state of a partition's stream, as
// reported by the source at startup. It anchors the zero checkpoint created
// for partitions that have never been checkpointed.
type CurrentSeqnos struct {
	VBucketUUID string
	Seqno       uint64
}

// CurrentSeqnosProvider returns the live seqno/uuid for each requested
// partition, used only during Init to seed partitions with no stored
// checkpoint.
type CurrentSeqnosProvider func(ctx context.Context, partitions []int) (map[int]CurrentSeqnos, error)

// Service is the in-memory authoritative seqno state: a
// map[partition]Checkpoint behind a single-writer mutex, backed by a Store
// for durability. It is the only component permitted to advance a
// partition's committed seqno.
type Service struct {
	mu       sync.Mutex
	store    Store
	emitter  emit.Emitter
	state    map[int]Checkpoint
	observed map[int]uint64
}

// NewService constructs a Service over store. emitter may be nil, in which
// case events are discarded.
func NewService(store Store, emitter emit.Emitter) *Service {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Service{
		store:    store,
		emitter:  emitter,
		state:    make(map[int]Checkpoint),
		observed: make(map[int]uint64),
	}
}

// Init loads persisted checkpoints for partitions. Any partition without a
// stored record gets a zero checkpoint anchored to its current live seqno,
// so DcpPipeline can still report meaningful progress before the first
// commit while the actual stream still starts from BEGINNING.
func (s *Service) Init(ctx context.Context, partitions []int, live CurrentSeqnosProvider) error {
	loaded, err := s.store.Load(ctx, partitions)
	if err != nil {
		return err
	}

	var missing []int
	for _, p := range partitions {
		if _, ok := loaded[p]; !ok {
			missing = append(missing, p)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for p, cp := range loaded {
		s.state[p] = cp
		s.observed[p] = cp.Seqno
	}

	if len(missing) == 0 {
		return nil
	}

	cur, err := live(ctx, missing)
	if err != nil {
		return err
	}
	for _, p := range missing {
		c := cur[p]
		cp := Checkpoint{
			Partition:         p,
			VBucketUUID:       c.VBucketUUID,
			Seqno:             0,
			SnapshotStartSeqno: 0,
			SnapshotEndSeqno:  c.Seqno,
		}
		s.state[p] = cp
		s.observed[p] = 0
		s.emitter.Emit(emit.Event{Partition: p, Msg: emit.MsgCheckpointLoadMiss})
	}
	return nil
}

// ResetPartition discards the durable and in-memory checkpoint for partition
// and reseeds it at Seqno 0 under uuid, for the startup case where the
// stored checkpoint's vbucket uuid disagrees with the source's live uuid
// (the source dataset was rebalanced or recreated underneath the stored
// checkpoint). The partition restreams from BEGINNING; other partitions are
// untouched.
func (s *Service) ResetPartition(ctx context.Context, partition int, uuid string) error {
	if err := s.store.Clear(ctx, []int{partition}); err != nil {
		return err
	}
	s.mu.Lock()
	s.state[partition] = Checkpoint{Partition: partition, VBucketUUID: uuid}
	s.observed[partition] = 0
	s.mu.Unlock()
	s.emitter.Emit(emit.Event{Partition: partition, Msg: emit.MsgPartitionReset})
	return nil
}

// Observe records the latest event seen on a partition, independent of
// whether it has been committed. Non-monotonic updates are ignored, matching
// the monotonicity invariant for the observed side of the pair.
func (s *Service) Observe(partition int, seqno uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seqno > s.observed[partition] {
		s.observed[partition] = seqno
	}
}

// Set installs checkpoint as the new committed state for its partition, as
// long as its Seqno is not lower than the currently committed one. A
// non-monotonic update is a silent no-op: a retried item can resolve after
// later items of the same partition, and demoting a checkpoint would break
// the committed-seqno monotonicity invariant.
//
// Set also raises the observed seqno if checkpoint.Seqno is ahead of it —
// an event can be committed before DcpPipeline's own Observe call for the
// same seqno lands, since the two happen on different goroutines.
func (s *Service) Set(checkpoint Checkpoint) (applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.state[checkpoint.Partition]
	if ok && checkpoint.Seqno < current.Seqno {
		return false
	}
	s.state[checkpoint.Partition] = checkpoint
	if checkpoint.Seqno > s.observed[checkpoint.Partition] {
		s.observed[checkpoint.Partition] = checkpoint.Seqno
	}
	return true
}

// Save flushes the current in-memory map to the Store. Safe to call
// concurrently with Set: the snapshot taken under the mutex is what gets
// written, so I/O never happens while the lock is held.
func (s *Service) Save(ctx context.Context) (failed []int, err error) {
	snapshot := s.stateSnapshot()
	failed, err = s.store.Save(ctx, snapshot)
	for p := range snapshot {
		if !containsInt(failed, p) {
			s.emitter.Emit(emit.Event{Partition: p, Seqno: snapshot[p].Seqno, Msg: emit.MsgCheckpointSaved})
		}
	}
	return failed, err
}

func (s *Service) stateSnapshot() map[int]Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Checkpoint, len(s.state))
	for p, cp := range s.state {
		out[p] = cp
	}
	return out
}

// Snapshot returns an immutable view of committed and observed seqnos for
// diagnostics and metrics (the committed.seqno / observed.seqno gauges).
func (s *Service) Snapshot() map[int]Observed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Observed, len(s.state))
	for p, cp := range s.state {
		out[p] = Observed{Committed: cp, Observed: s.observed[p]}
	}
	return out
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
