// Package event defines the wire-level shape of a single mutation on the
// source's replication stream, shared by the dcp, request, and worker
// packages.
package event

// Kind discriminates the three event shapes the source protocol produces.
type Kind int

const (
	// Mutation is a create or update of a document.
	Mutation Kind = iota
	// Deletion removes a document.
	Deletion
	// SnapshotMarker bounds an atomic run of mutations/deletions that must
	// be recorded together in a checkpoint to resume correctly.
	SnapshotMarker
)

func (k Kind) String() string {
	switch k {
	case Mutation:
		return "mutation"
	case Deletion:
		return "deletion"
	case SnapshotMarker:
		return "snapshot_marker"
	default:
		return "unknown"
	}
}

// ReplicationEvent is the tagged union the change stream protocol produces.
// Only the fields relevant to Kind are populated; callers switch on Kind
// before reading the rest, mirroring how graph.WorkItem carries fields
// that only some consumers use.
type ReplicationEvent struct {
	Kind Kind

	Partition int
	Seqno     uint64

	VBucketUUID string

	// Mutation / Deletion fields.
	Key      string
	Cas      uint64
	RevSeqNo uint64
	Body     []byte                 // Mutation only
	Xattrs   map[string]interface{} // Mutation only

	// SnapshotStartSeqno/SnapshotEndSeqno bound the snapshot marker itself,
	// and on Mutation/Deletion events they carry the bounds of the
	// snapshot the event falls within, so a checkpoint built from any
	// resolved event is self-contained.
	SnapshotStartSeqno uint64
	SnapshotEndSeqno   uint64
}
