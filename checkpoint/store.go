package checkpoint

import (
	"context"
	"errors"
)

// ErrPartialSave is returned by Store.Save when some, but not all,
// partitions were persisted. Callers inspect the returned failed-partition
// list and decide whether to retry.
var ErrPartialSave = errors.New("checkpoint: partial save failure")

// Store is the durable, per-partition (partition, seqno, uuid) map backing
// CheckpointService. One document (or row) per partition; no cross-partition
// transactionality is required or provided.
type Store interface {
	// Load reads one checkpoint per requested partition. A partition with no
	// stored checkpoint is simply absent from the returned map — the caller
	// must treat that as "start from BEGINNING", not as an error.
	Load(ctx context.Context, partitions []int) (map[int]Checkpoint, error)

	// Save best-effort upserts every checkpoint in the map. It must be
	// idempotent under replay: saving the same Checkpoint twice has the same
	// effect as saving it once. On partial failure it returns the
	// partitions that did NOT persist, wrapped in ErrPartialSave.
	Save(ctx context.Context, checkpoints map[int]Checkpoint) (failed []int, err error)

	// Clear deletes the stored checkpoint documents for partitions, used on
	// a vbucket-uuid mismatch to force a fresh stream from BEGINNING.
	Clear(ctx context.Context, partitions []int) error
}
