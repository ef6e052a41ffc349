// Package memsource is an in-memory dcp.SourceClient fake: a scripted list
// of events per partition, delivered in order, for exercising the pipeline
// without a real change-stream protocol.
package memsource

import (
	"context"
	"fmt"
	"sync"

	"github.com/mvarga/vbreplicator/checkpoint"
	"github.com/mvarga/vbreplicator/event"
)

// Client is a scripted, in-memory SourceClient.
type Client struct {
	mu        sync.Mutex
	events    map[int][]event.ReplicationEvent // partition -> events, in delivery order
	current   map[int]checkpoint.CurrentSeqnos
	connected bool
	closed    bool

	numPartitions int
}

// New returns an empty Client reporting numPartitions partitions.
func New(numPartitions int) *Client {
	return &Client{
		events:        make(map[int][]event.ReplicationEvent),
		current:       make(map[int]checkpoint.CurrentSeqnos),
		numPartitions: numPartitions,
	}
}

// Script appends events to be delivered for a partition, in order.
func (c *Client) Script(partition int, events ...event.ReplicationEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[partition] = append(c.events[partition], events...)
}

// SetCurrentSeqno configures what CurrentSeqnos reports for a partition.
func (c *Client) SetCurrentSeqno(partition int, cur checkpoint.CurrentSeqnos) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[partition] = cur
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *Client) NumPartitions(context.Context) (int, error) {
	return c.numPartitions, nil
}

func (c *Client) CurrentSeqnos(_ context.Context, partitions []int) (map[int]checkpoint.CurrentSeqnos, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]checkpoint.CurrentSeqnos, len(partitions))
	for _, p := range partitions {
		out[p] = c.current[p]
	}
	return out, nil
}

// StartStreaming replays each partition's scripted events, skipping events
// at or below the partition's checkpointed seqno, then blocks until ctx is
// cancelled the way a live change stream would.
func (c *Client) StartStreaming(ctx context.Context, checkpoints map[int]checkpoint.Checkpoint, onEvent func(context.Context, event.ReplicationEvent) error) error {
	if !c.connected {
		return fmt.Errorf("memsource: StartStreaming called before Connect")
	}

	c.mu.Lock()
	events := make(map[int][]event.ReplicationEvent, len(c.events))
	for p, evs := range c.events {
		cp := checkpoints[p]
		var pending []event.ReplicationEvent
		for _, ev := range evs {
			if ev.Kind != event.SnapshotMarker && ev.Seqno <= cp.Seqno {
				continue
			}
			pending = append(pending, ev)
		}
		events[p] = pending
	}
	c.mu.Unlock()

	for _, evs := range events {
		for _, ev := range evs {
			if err := onEvent(ctx, ev); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called, for test assertions.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
