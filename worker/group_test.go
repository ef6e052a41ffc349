package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/mvarga/vbreplicator/checkpoint"
	"github.com/mvarga/vbreplicator/index"
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

func TestGroupDispatchesAndAdvancesCheckpoint(t *testing.T) {
	client := memclient.New()
	svc := checkpoint.NewService(newFakeStore(), nil)
	g := worker.NewGroup(client, svc, nil, nil, nil, worker.Config{FlushInterval: 20 * time.Millisecond, MaxBatchDocs: 10})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	req := request.IndexRequest{Op: request.Upsert, IndexName: "orders", DocID: "1", Partition: 0, Seqno: 5, Body: []byte(`{"a":1}`)}
	if err := g.Submit(ctx, req); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return svc.Snapshot()[0].Committed.Seqno == 5
	})

	if _, ok := client.Get("orders", "1"); !ok {
		t.Fatal("expected the document to be written to the index")
	}
}

func TestGroupRetriesTransientFailuresAndEventuallyCommits(t *testing.T) {
	client := memclient.New()
	client.Script = []index.Outcome{index.Retryable}
	svc := checkpoint.NewService(newFakeStore(), nil)
	g := worker.NewGroup(client, svc, nil, nil, nil, worker.Config{FlushInterval: 10 * time.Millisecond, RetryPollInterval: 10 * time.Millisecond, MaxBatchDocs: 10})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	req := request.IndexRequest{Op: request.Upsert, IndexName: "orders", DocID: "1", Partition: 0, Seqno: 1, Body: []byte(`{}`)}
	if err := g.Submit(ctx, req); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return svc.Snapshot()[0].Committed.Seqno == 1
	})
}

// blockingClient holds every Bulk call until ctx is cancelled, keeping the
// dispatch loop busy so it stops draining the inbox.
type blockingClient struct{}

func (blockingClient) Bulk(ctx context.Context, _ []index.BulkItem) ([]index.ItemResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGroupSubmitBlocksWhenQueueFull(t *testing.T) {
	svc := checkpoint.NewService(newFakeStore(), nil)
	// A one-slot queue and one-document batches: the first item goes straight
	// into a Bulk call that never returns, the second fills the queue, and
	// the third has nowhere to go.
	g := worker.NewGroup(blockingClient{}, svc, nil, nil, nil, worker.Config{QueueDepth: 1, FlushInterval: time.Hour, MaxBatchDocs: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	if err := g.Submit(ctx, request.IndexRequest{DocID: "1", Partition: 0, Seqno: 1}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := g.Submit(ctx, request.IndexRequest{DocID: "2", Partition: 0, Seqno: 2}); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	submitCtx, submitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer submitCancel()
	err := g.Submit(submitCtx, request.IndexRequest{DocID: "3", Partition: 0, Seqno: 3})
	if err == nil {
		t.Fatal("expected backpressure to block Submit until the context timed out")
	}
}

func TestGroupDrainFlushesPendingWork(t *testing.T) {
	client := memclient.New()
	svc := checkpoint.NewService(newFakeStore(), nil)
	g := worker.NewGroup(client, svc, nil, nil, nil, worker.Config{FlushInterval: time.Hour, MaxBatchDocs: 1000})

	ctx := context.Background()
	g.Start(ctx)

	req := request.IndexRequest{Op: request.Upsert, IndexName: "orders", DocID: "1", Partition: 0, Seqno: 9, Body: []byte(`{}`)}
	if err := g.Submit(ctx, req); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Drain(drainCtx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if svc.Snapshot()[0].Committed.Seqno != 9 {
		t.Fatalf("expected Drain to flush the pending batch, got %+v", svc.Snapshot()[0])
	}
	if err := g.Submit(context.Background(), req); err == nil {
		t.Fatal("expected Submit to fail after Drain")
	}
}

// Successive updates to the same document are never applied out of
// order, even though they travel through a shared batching queue.
func TestGroupPreservesPerDocumentOrdering(t *testing.T) {
	client := memclient.New()
	svc := checkpoint.NewService(newFakeStore(), nil)
	g := worker.NewGroup(client, svc, nil, nil, nil, worker.Config{FlushInterval: 5 * time.Millisecond, MaxBatchDocs: 200})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	for v := uint64(1); v <= 5; v++ {
		req := request.IndexRequest{Op: request.Upsert, IndexName: "orders", DocID: "1", Version: v, Partition: 0, Seqno: v, Body: []byte(`{}`)}
		if err := g.Submit(ctx, req); err != nil {
			t.Fatalf("Submit v=%d: %v", v, err)
		}
	}

	waitFor(t, time.Second, func() bool {
		return svc.Snapshot()[0].Committed.Seqno == 5
	})

	doc, ok := client.Get("orders", "1")
	if !ok {
		t.Fatal("expected document 1 to exist")
	}
	if doc.Version != 5 {
		t.Fatalf("expected the final version to win, got version %d", doc.Version)
	}
}

// At the production-default batch size, two updates to the same docId
// submitted within one flush window must never land in the same bulk call:
// the second is held back until the first's outcome releases it.
func TestGroupHoldsSameDocIDUpdatesOutOfTheSameBatch(t *testing.T) {
	client := memclient.New()
	svc := checkpoint.NewService(newFakeStore(), nil)
	g := worker.NewGroup(client, svc, nil, nil, nil, worker.Config{FlushInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	for v := uint64(1); v <= 3; v++ {
		req := request.IndexRequest{Op: request.Upsert, IndexName: "orders", DocID: "dup", Version: v, Partition: 0, Seqno: v, Body: []byte(`{}`)}
		if err := g.Submit(ctx, req); err != nil {
			t.Fatalf("Submit v=%d: %v", v, err)
		}
	}
	for v := uint64(1); v <= 3; v++ {
		req := request.IndexRequest{Op: request.Upsert, IndexName: "orders", DocID: "other", Version: v, Partition: 0, Seqno: 10 + v, Body: []byte(`{}`)}
		if err := g.Submit(ctx, req); err != nil {
			t.Fatalf("Submit other v=%d: %v", v, err)
		}
	}

	waitFor(t, time.Second, func() bool {
		return svc.Snapshot()[0].Committed.Seqno == 13
	})

	for _, call := range client.Calls() {
		seen := make(map[string]bool)
		for _, item := range call.Items {
			k := item.IndexName + "/" + item.DocID
			if seen[k] {
				t.Fatalf("bulk call contained two items for %s: %+v", k, call.Items)
			}
			seen[k] = true
		}
	}

	doc, ok := client.Get("orders", "dup")
	if !ok {
		t.Fatal("expected document dup to exist")
	}
	if doc.Version != 3 {
		t.Fatalf("expected the final version to win, got version %d", doc.Version)
	}
}
