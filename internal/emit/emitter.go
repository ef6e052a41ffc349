package emit

import "context"

// Emitter receives observability events from the replication pipeline.
//
// Implementations must be safe for concurrent use: events are produced from
// the DCP listener goroutine, worker goroutines, and the checkpoint
// scheduler goroutine simultaneously. Emit must never block the caller on a
// slow backend; implementations that need to do I/O should buffer and flush
// asynchronously.
type Emitter interface {
	// Emit sends a single event. Must not panic or block.
	Emit(event Event)

	// EmitBatch sends multiple events, preserving order within the batch.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events have been delivered, or ctx
	// is done. Safe to call multiple times.
	Flush(ctx context.Context) error
}
