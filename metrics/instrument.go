package metrics

import (
	"context"
	"time"

	"github.com/mvarga/vbreplicator/index"
)

// instrumentedClient wraps an index.Client so every bulk dispatch updates
// es.wait.ms and the bulk outcome counters, without WorkerGroup needing to
// know a Metrics exists.
type instrumentedClient struct {
	inner index.Client
	m     *Metrics
}

// InstrumentClient wraps client so its Bulk calls report latency and
// per-item outcomes against m, the way graph.Engine wraps a node's Run in
// timing instrumentation rather than asking the node to self-report.
func InstrumentClient(client index.Client, m *Metrics) index.Client {
	if m == nil {
		return client
	}
	return &instrumentedClient{inner: client, m: m}
}

func (c *instrumentedClient) Bulk(ctx context.Context, items []index.BulkItem) ([]index.ItemResult, error) {
	start := time.Now()
	results, err := c.inner.Bulk(ctx, items)
	c.m.ObserveBulkLatencyMs(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return results, err
	}

	var success, retry, reject, conflict int
	for _, r := range results {
		switch r.Outcome {
		case index.Success:
			success++
		case index.VersionConflict:
			conflict++
		case index.Retryable:
			retry++
		case index.Rejected:
			reject++
		}
	}
	c.m.RecordBulkOutcomes(success, retry, reject, conflict)
	return results, nil
}
