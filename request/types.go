// Package request implements the declarative TypeRule matching and field
// projection that turns one ReplicationEvent into zero or one IndexRequest.
package request

// DocStructure declares how a Mutation's JSON body is projected into the
// index document: a whitelist of fields to keep, a rename map applied after
// the whitelist, and optional injected metadata fields.
type DocStructure struct {
	// Whitelist restricts the projected body to these top-level fields. An
	// empty whitelist keeps every field.
	Whitelist []string
	// Rename maps a source field name to the name it should have in the
	// projected document. Applied to whitelisted (or all, if no whitelist)
	// fields.
	Rename map[string]string
	// InjectType, InjectCas, InjectRev add "type", "cas", "rev" fields to
	// the projected document from the rule and the originating event.
	InjectType bool
	InjectCas  bool
	InjectRev  bool
}

// TypeRule is a first-match-wins routing and projection rule.
type TypeRule struct {
	KeyPattern    string // glob pattern (path.Match syntax) matched against the document key
	IndexName     string
	Routing       string // passed through unchanged to IndexRequest
	Pipeline      string // passed through unchanged to IndexRequest
	Ignore        bool   // drop every event matching this rule
	IgnoreDeletes bool   // drop Deletion events matching this rule
	DocIDFormat   string // e.g. "{type}::{key}"; empty means "{key}"
	TypeName      string
	DocStructure  DocStructure
}

// Op is the kind of write an IndexRequest performs.
type Op int

const (
	// Upsert indexes or replaces a document.
	Upsert Op = iota
	// Delete removes a document.
	Delete
)

func (o Op) String() string {
	if o == Delete {
		return "delete"
	}
	return "upsert"
}

// IndexRequest is the tagged union a TypeRule projects an event into,
// carrying the (partition, seqno) tag WorkerGroup needs for checkpoint
// accounting.
type IndexRequest struct {
	Op        Op
	IndexName string
	DocID     string
	Version   uint64 // source revSeqNo; used by the index for last-writer-wins
	Routing   string
	Pipeline  string
	Body      []byte // projected JSON body; nil for Delete

	Partition          int
	Seqno              uint64
	VBucketUUID        string
	SnapshotStartSeqno uint64
	SnapshotEndSeqno   uint64
}
