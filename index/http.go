package index

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient is a Client backed by the cluster's HTTP bulk endpoint, built
// the way graph/tool/http.go's HTTPTool builds its client: one
// *http.Client, request construction with context, explicit status
// handling.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	hasAuth    bool
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTLSConfig installs a TLS configuration for the underlying transport.
// Loading certificates into it is the caller's responsibility; this package
// only wires the finished *tls.Config into the transport.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *HTTPClient) {
		c.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

// WithTimeout bounds every bulk request's total round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.httpClient.Timeout = d }
}

// WithBasicAuth sets HTTP basic auth credentials on every request.
func WithBasicAuth(username, password string) Option {
	return func(c *HTTPClient) {
		c.username, c.password, c.hasAuth = username, password, true
	}
}

// NewHTTPClient returns a Client that POSTs NDJSON bulk requests to
// baseURL + "/_bulk".
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type bulkAction struct {
	Index *bulkMeta `json:"index,omitempty"`
	Delete *bulkMeta `json:"delete,omitempty"`
}

type bulkMeta struct {
	Index    string `json:"_index"`
	ID       string `json:"_id"`
	Routing  string `json:"routing,omitempty"`
	Pipeline string `json:"pipeline,omitempty"`
	Version  uint64 `json:"version,omitempty"`
}

type bulkResponse struct {
	Errors bool             `json:"errors"`
	Items  []bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	Index  *bulkItemStatus `json:"index"`
	Delete *bulkItemStatus `json:"delete"`
}

type bulkItemStatus struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
}

// Bulk implements Client. A transport-level failure (the cluster never
// responded) or a 5xx status for the request as a whole returns an error so
// the caller retries the whole batch; once a response is parsed, every item
// gets its own Outcome.
func (c *HTTPClient) Bulk(ctx context.Context, items []BulkItem) ([]ItemResult, error) {
	if len(items) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		action := bulkAction{}
		meta := &bulkMeta{Index: item.IndexName, ID: item.DocID, Routing: item.Routing, Pipeline: item.Pipeline, Version: item.Version}
		switch item.Op {
		case Delete:
			action.Delete = meta
		default:
			action.Index = meta
		}
		if err := enc.Encode(action); err != nil {
			return nil, fmt.Errorf("index: encode bulk action for %q: %w", item.DocID, err)
		}
		if item.Op != Delete {
			if err := enc.Encode(json.RawMessage(item.Body)); err != nil {
				return nil, fmt.Errorf("index: encode bulk body for %q: %w", item.DocID, err)
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/_bulk", &buf)
	if err != nil {
		return nil, fmt.Errorf("index: build bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if c.hasAuth {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("index: bulk request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("index: bulk request returned %d", resp.StatusCode)
	}

	var parsed bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("index: decode bulk response: %w", err)
	}
	if len(parsed.Items) != len(items) {
		return nil, fmt.Errorf("index: bulk response item count %d does not match request count %d", len(parsed.Items), len(items))
	}

	results := make([]ItemResult, len(items))
	for i, item := range parsed.Items {
		status := item.Index
		if status == nil {
			status = item.Delete
		}
		outcome := classifyStatus(status.Status)
		if item.Delete != nil && status.Status == http.StatusNotFound {
			// Deleting a document the index never held leaves it absent,
			// which is what the delete asked for.
			outcome = Success
		}
		results[i] = ItemResult{DocID: items[i].DocID, Outcome: outcome}
	}
	return results, nil
}

func classifyStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Success
	case status == 409:
		return VersionConflict
	case status == 429 || status == 502 || status == 503 || status == 504:
		return Retryable
	default:
		return Rejected
	}
}
