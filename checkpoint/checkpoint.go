// Package checkpoint implements the per-partition durable checkpoint record
// (Store) and the in-memory authoritative seqno state that sits in front of
// it (Service).
package checkpoint

// Checkpoint is the durable record of "what has been applied to the index"
// for one partition.
type Checkpoint struct {
	Partition          int
	VBucketUUID        string
	Seqno              uint64
	SnapshotStartSeqno uint64
	SnapshotEndSeqno   uint64
}

// Observed pairs an observed-but-not-yet-committed seqno with the committed
// Checkpoint for the same partition, so callers can report both the
// committed and observed seqno gauges from one structure.
type Observed struct {
	Committed Checkpoint
	Observed  uint64
}
