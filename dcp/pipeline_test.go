package dcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/mvarga/vbreplicator/checkpoint"
	"github.com/mvarga/vbreplicator/dcp"
	"github.com/mvarga/vbreplicator/dcp/memsource"
	"github.com/mvarga/vbreplicator/event"
	"github.com/mvarga/vbreplicator/index/memclient"
	"github.com/mvarga/vbreplicator/request"
	"github.com/mvarga/vbreplicator/worker"
)

type fakeStore struct{ data map[int]checkpoint.Checkpoint }

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[int]checkpoint.Checkpoint)} }

func (f *fakeStore) Load(_ context.Context, partitions []int) (map[int]checkpoint.Checkpoint, error) {
	out := make(map[int]checkpoint.Checkpoint)
	for _, p := range partitions {
		if cp, ok := f.data[p]; ok {
			out[p] = cp
		}
	}
	return out, nil
}

func (f *fakeStore) Save(_ context.Context, cps map[int]checkpoint.Checkpoint) ([]int, error) {
	for p, cp := range cps {
		f.data[p] = cp
	}
	return nil, nil
}

func (f *fakeStore) Clear(_ context.Context, partitions []int) error {
	for _, p := range partitions {
		delete(f.data, p)
	}
	return nil
}

type fakeRejects struct {
	records []string
}

func (r *fakeRejects) Append(ev event.ReplicationEvent, reason string, _ time.Time) error {
	r.records = append(r.records, ev.Key+":"+reason)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newTestPipeline(t *testing.T, factory *request.Factory, rejects dcp.RejectSink) (*dcp.Pipeline, *memsource.Client, *memclient.Client, *checkpoint.Service, *worker.FatalLatch) {
	t.Helper()
	source := memsource.New(1)
	client := memclient.New()
	svc := checkpoint.NewService(newFakeStore(), nil)
	fatal := worker.NewFatalLatch()
	group := worker.NewGroup(client, svc, nil, nil, fatal, worker.Config{FlushInterval: 10 * time.Millisecond, MaxBatchDocs: 10})
	pipeline := dcp.NewPipeline(source, factory, group, svc, rejects, nil, fatal)

	ctx := context.Background()
	group.Start(ctx)
	return pipeline, source, client, svc, fatal
}

func TestPipelineDeliversMutationsAndAdvancesCheckpoint(t *testing.T) {
	factory := request.NewFactory([]request.TypeRule{{KeyPattern: "order::*", IndexName: "orders"}})
	pipeline, source, client, svc, _ := newTestPipeline(t, factory, nil)

	source.Script(0,
		event.ReplicationEvent{Kind: event.Mutation, Partition: 0, Seqno: 1, Key: "order::1", Body: []byte(`{"a":1}`)},
		event.ReplicationEvent{Kind: event.Mutation, Partition: 0, Seqno: 2, Key: "order::2", Body: []byte(`{"a":2}`)},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = pipeline.Run(ctx, []int{0})

	waitFor(t, time.Second, func() bool { return svc.Snapshot()[0].Committed.Seqno == 2 })
	if _, ok := client.Get("orders", "order::1"); !ok {
		t.Fatal("expected order::1 to be indexed")
	}
}

func TestPipelineRoutesMalformedEventsToRejectSink(t *testing.T) {
	factory := request.NewFactory([]request.TypeRule{{KeyPattern: "order::*", IndexName: "orders"}})
	rejects := &fakeRejects{}
	pipeline, source, _, _, _ := newTestPipeline(t, factory, rejects)

	source.Script(0, event.ReplicationEvent{Kind: event.Mutation, Partition: 0, Seqno: 1, Key: "order::1", Body: []byte(`not json`)})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = pipeline.Run(ctx, []int{0})

	waitFor(t, time.Second, func() bool { return len(rejects.records) == 1 })
	if got := rejects.records[0]; len(got) < len("order::1:") || got[:len("order::1:")] != "order::1:" {
		t.Fatalf("expected a reject record keyed to order::1, got %q", got)
	}
}

// B3: a stale checkpoint uuid for one partition is discarded and that
// partition restreams from BEGINNING, while a sibling partition with a
// matching uuid resumes from its own checkpoint undisturbed.
func TestPipelineResetsStalePartitionButResumesSiblingFromCheckpoint(t *testing.T) {
	factory := request.NewFactory([]request.TypeRule{{KeyPattern: "order::*", IndexName: "orders"}})

	source := memsource.New(2)
	client := memclient.New()
	store := newFakeStore()
	store.data[0] = checkpoint.Checkpoint{Partition: 0, VBucketUUID: "uuid-old", Seqno: 5}
	store.data[1] = checkpoint.Checkpoint{Partition: 1, VBucketUUID: "uuid-1", Seqno: 9}
	svc := checkpoint.NewService(store, nil)
	if err := svc.Init(context.Background(), []int{0, 1}, func(_ context.Context, partitions []int) (map[int]checkpoint.CurrentSeqnos, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	fatal := worker.NewFatalLatch()
	group := worker.NewGroup(client, svc, nil, nil, fatal, worker.Config{FlushInterval: 10 * time.Millisecond, MaxBatchDocs: 10})
	pipeline := dcp.NewPipeline(source, factory, group, svc, nil, nil, fatal)

	ctx := context.Background()
	group.Start(ctx)

	// The source's live uuid for partition 0 has moved on from what was
	// checkpointed; partition 1's live uuid still matches its checkpoint.
	source.SetCurrentSeqno(0, checkpoint.CurrentSeqnos{VBucketUUID: "uuid-new", Seqno: 20})
	source.SetCurrentSeqno(1, checkpoint.CurrentSeqnos{VBucketUUID: "uuid-1", Seqno: 9})

	source.Script(0, event.ReplicationEvent{Kind: event.Mutation, Partition: 0, Seqno: 1, Key: "order::1", VBucketUUID: "uuid-new", Body: []byte(`{}`)})
	source.Script(1, event.ReplicationEvent{Kind: event.Mutation, Partition: 1, Seqno: 10, Key: "order::2", VBucketUUID: "uuid-1", Body: []byte(`{}`)})

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := pipeline.Run(runCtx, []int{0, 1}); err != nil && runCtx.Err() == nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case <-fatal.Done():
		t.Fatalf("expected no fatal error, the partition 0 mismatch is a startup reset, got %v", fatal.Err())
	default:
	}

	waitFor(t, time.Second, func() bool {
		snap := svc.Snapshot()
		return snap[0].Committed.Seqno == 1 && snap[1].Committed.Seqno == 10
	})

	snap := svc.Snapshot()
	if snap[0].Committed.VBucketUUID != "uuid-new" {
		t.Fatalf("expected partition 0 to adopt the new uuid, got %q", snap[0].Committed.VBucketUUID)
	}
	if _, ok := store.data[0]; ok {
		t.Fatal("expected the stale checkpoint document to have been cleared before the new one was saved over it")
	}
	if snap[1].Committed.VBucketUUID != "uuid-1" {
		t.Fatalf("expected partition 1's checkpoint to be untouched, got %q", snap[1].Committed.VBucketUUID)
	}
}

func TestPipelineTripsFatalOnBucketUUIDMismatch(t *testing.T) {
	factory := request.NewFactory([]request.TypeRule{{KeyPattern: "order::*", IndexName: "orders"}})
	pipeline, source, _, _, fatal := newTestPipeline(t, factory, nil)

	source.Script(0,
		event.ReplicationEvent{Kind: event.Mutation, Partition: 0, Seqno: 1, Key: "order::1", VBucketUUID: "uuid-a", Body: []byte(`{}`)},
		event.ReplicationEvent{Kind: event.Mutation, Partition: 0, Seqno: 2, Key: "order::2", VBucketUUID: "uuid-b", Body: []byte(`{}`)},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = pipeline.Run(ctx, []int{0})

	select {
	case <-fatal.Done():
		if fatal.Err() != dcp.ErrBucketUUIDMismatch {
			t.Fatalf("expected ErrBucketUUIDMismatch, got %v", fatal.Err())
		}
	default:
		t.Fatal("expected the fatal latch to trip on a vbucket uuid mismatch")
	}
}
