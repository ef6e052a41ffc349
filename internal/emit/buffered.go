package emit

import (
	"context"
	"sync"
)

// BufferedEmitter stores every event in memory, keyed by partition (-1 for
// process-wide events). Intended for tests that need to assert on pipeline
// lifecycle events without a real logging or tracing backend.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[int][]Event
}

// NewBufferedEmitter returns an Emitter that records events in memory.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[int][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.Partition] = append(b.events[event.Partition], event)
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		b.Emit(e)
	}
	return nil
}

func (b *BufferedEmitter) Flush(context.Context) error { return nil }

// History returns a copy of the events recorded for partition.
func (b *BufferedEmitter) History(partition int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.events[partition]))
	copy(out, b.events[partition])
	return out
}

// All returns a copy of every recorded event, across all partitions, in
// emission order within each partition (but not globally ordered).
func (b *BufferedEmitter) All() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, evs := range b.events {
		out = append(out, evs...)
	}
	return out
}
