// Package memclient is an in-memory index.Client fake for tests: no
// network, deterministic bookkeeping of every document write, and
// injectable per-call outcomes for exercising retry paths.
package memclient

import (
	"context"
	"sync"

	"github.com/mvarga/vbreplicator/index"
)

// Doc is a stored document, or a tombstone if Deleted.
type Doc struct {
	Version uint64
	Body    []byte
	Deleted bool
}

// Client is a thread-safe in-memory index.Client.
type Client struct {
	mu    sync.Mutex
	docs  map[string]Doc // "index/docID" -> Doc
	calls []BulkCall

	// Script, if set, is consumed one entry per Bulk call to override the
	// outcome of every item in that call (e.g. to simulate a 503 burst). A
	// scripted Success overrides nothing: that call's items are handled
	// normally.
	Script []index.Outcome
}

// BulkCall records one invocation of Bulk for assertions in tests.
type BulkCall struct {
	Items []index.BulkItem
}

// New returns an empty Client.
func New() *Client {
	return &Client{docs: make(map[string]Doc)}
}

func key(indexName, docID string) string { return indexName + "/" + docID }

// Bulk implements index.Client.
func (c *Client) Bulk(_ context.Context, items []index.BulkItem) ([]index.ItemResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, BulkCall{Items: items})

	var forced index.Outcome
	var haveForced bool
	if len(c.Script) > 0 {
		forced = c.Script[0]
		c.Script = c.Script[1:]
		haveForced = true
	}

	results := make([]index.ItemResult, len(items))
	for i, item := range items {
		if haveForced && forced != index.Success {
			results[i] = index.ItemResult{DocID: item.DocID, Outcome: forced}
			continue
		}

		k := key(item.IndexName, item.DocID)
		if item.Op == index.Delete {
			c.docs[k] = Doc{Deleted: true, Version: item.Version}
			results[i] = index.ItemResult{DocID: item.DocID, Outcome: index.Success}
			continue
		}

		existing, ok := c.docs[k]
		if ok && !existing.Deleted && item.Version != 0 && item.Version <= existing.Version {
			results[i] = index.ItemResult{DocID: item.DocID, Outcome: index.VersionConflict}
			continue
		}
		c.docs[k] = Doc{Version: item.Version, Body: item.Body}
		results[i] = index.ItemResult{DocID: item.DocID, Outcome: index.Success}
	}
	return results, nil
}

// Get returns the stored document, if any.
func (c *Client) Get(indexName, docID string) (Doc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[key(indexName, docID)]
	return d, ok
}

// Calls returns every Bulk invocation observed so far.
func (c *Client) Calls() []BulkCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BulkCall, len(c.calls))
	copy(out, c.calls)
	return out
}
