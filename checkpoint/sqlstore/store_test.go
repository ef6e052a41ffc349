package sqlstore_test

import (
	"context"
	"testing"

	"github.com/mvarga/vbreplicator/checkpoint"
	"github.com/mvarga/vbreplicator/checkpoint/sqlstore"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	// A fresh in-memory database per test avoids needing to truncate tables.
	store, err := sqlstore.NewSQLite("file::memory:?cache=shared", "testgroup")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLoadAbsentPartitionIsOmitted(t *testing.T) {
	store := newTestStore(t)
	loaded, err := store.Load(context.Background(), []int{0, 1, 2})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no checkpoints, got %v", loaded)
	}
}

// Replaying a saved checkpoint map round-trips to the same state.
func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	want := map[int]checkpoint.Checkpoint{
		0: {Partition: 0, VBucketUUID: "u1", Seqno: 10, SnapshotStartSeqno: 0, SnapshotEndSeqno: 10},
		1: {Partition: 1, VBucketUUID: "u1", Seqno: 20, SnapshotStartSeqno: 15, SnapshotEndSeqno: 20},
	}

	if failed, err := store.Save(context.Background(), want); err != nil || len(failed) != 0 {
		t.Fatalf("Save: failed=%v err=%v", failed, err)
	}

	got, err := store.Load(context.Background(), []int{0, 1, 2})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 loaded checkpoints, got %d", len(got))
	}
	for p, cp := range want {
		if got[p] != cp {
			t.Fatalf("partition %d round-trip mismatch: want %+v got %+v", p, cp, got[p])
		}
	}
}

func TestStoreSaveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	cp := checkpoint.Checkpoint{Partition: 3, VBucketUUID: "u1", Seqno: 7}

	for i := 0; i < 3; i++ {
		if _, err := store.Save(context.Background(), map[int]checkpoint.Checkpoint{3: cp}); err != nil {
			t.Fatalf("Save iteration %d: %v", i, err)
		}
	}

	got, err := store.Load(context.Background(), []int{3})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got[3] != cp {
		t.Fatalf("expected stable checkpoint after repeated saves, got %+v", got[3])
	}
}

func TestStoreClearRemovesPartitions(t *testing.T) {
	store := newTestStore(t)
	cp := checkpoint.Checkpoint{Partition: 0, VBucketUUID: "u1", Seqno: 1}
	if _, err := store.Save(context.Background(), map[int]checkpoint.Checkpoint{0: cp}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Clear(context.Background(), []int{0}); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := store.Load(context.Background(), []int{0})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected partition 0 cleared, got %v", got)
	}
}
