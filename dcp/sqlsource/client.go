// Package sqlsource is the production dcp.SourceClient adapter: the
// partitioned source document database exposes its change history as rows
// in a relational table, and this client polls it the way sqlstore's
// constructors open MySQL for production and SQLite for local development
// and tests.
package sqlsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mvarga/vbreplicator/checkpoint"
	"github.com/mvarga/vbreplicator/event"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Client polls a source_events table for new rows past each partition's
// checkpointed seqno.
type Client struct {
	db           *sql.DB
	pollInterval time.Duration
	pageSize     int
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval overrides the default 500ms poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithPageSize overrides the default 500-row page size per poll.
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// New opens a MySQL/MariaDB-backed Client. dsn follows
// github.com/go-sql-driver/mysql's DSN format.
func New(dsn string, opts ...Option) (*Client, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: open mysql: %w", err)
	}
	return open(db, mysqlSchema, opts)
}

// NewSQLite opens a SQLite-backed Client, for local development and tests.
func NewSQLite(path string, opts ...Option) (*Client, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return open(db, sqliteSchema, opts)
}

func open(db *sql.DB, schema string, opts []Option) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlsource: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlsource: create schema: %w", err)
	}
	c := &Client{db: db, pollInterval: 500 * time.Millisecond, pageSize: 500}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS source_events (
	partition_id INT NOT NULL,
	seqno BIGINT UNSIGNED NOT NULL,
	vbucket_uuid VARCHAR(64) NOT NULL,
	kind VARCHAR(16) NOT NULL,
	doc_key VARCHAR(512) NOT NULL,
	cas BIGINT UNSIGNED NOT NULL DEFAULT 0,
	rev_seqno BIGINT UNSIGNED NOT NULL DEFAULT 0,
	body JSON NULL,
	xattrs JSON NULL,
	snapshot_start_seqno BIGINT UNSIGNED NOT NULL DEFAULT 0,
	snapshot_end_seqno BIGINT UNSIGNED NOT NULL DEFAULT 0,
	PRIMARY KEY (partition_id, seqno)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS source_events (
	partition_id INTEGER NOT NULL,
	seqno INTEGER NOT NULL,
	vbucket_uuid TEXT NOT NULL,
	kind TEXT NOT NULL,
	doc_key TEXT NOT NULL,
	cas INTEGER NOT NULL DEFAULT 0,
	rev_seqno INTEGER NOT NULL DEFAULT 0,
	body TEXT NULL,
	xattrs TEXT NULL,
	snapshot_start_seqno INTEGER NOT NULL DEFAULT 0,
	snapshot_end_seqno INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (partition_id, seqno)
)
`

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.db.Close() }

// Connect verifies connectivity. The pool is already open by New/NewSQLite;
// Connect exists so Client satisfies dcp.SourceClient's lifecycle, matching
// how a push-based stream would negotiate its session here.
func (c *Client) Connect(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// NumPartitions implements dcp.SourceClient.
func (c *Client) NumPartitions(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT partition_id) FROM source_events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlsource: count partitions: %w", err)
	}
	return n, nil
}

// CurrentSeqnos implements dcp.SourceClient.
func (c *Client) CurrentSeqnos(ctx context.Context, partitions []int) (map[int]checkpoint.CurrentSeqnos, error) {
	out := make(map[int]checkpoint.CurrentSeqnos, len(partitions))
	for _, p := range partitions {
		var uuid string
		var seqno uint64
		err := c.db.QueryRowContext(ctx,
			`SELECT vbucket_uuid, MAX(seqno) FROM source_events WHERE partition_id = ? GROUP BY vbucket_uuid ORDER BY MAX(seqno) DESC LIMIT 1`,
			p,
		).Scan(&uuid, &seqno)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sqlsource: current seqno for partition %d: %w", p, err)
		}
		out[p] = checkpoint.CurrentSeqnos{VBucketUUID: uuid, Seqno: seqno}
	}
	return out, nil
}

// StartStreaming polls source_events for each partition past its
// checkpointed seqno, in order, until ctx is cancelled.
func (c *Client) StartStreaming(ctx context.Context, checkpoints map[int]checkpoint.Checkpoint, onEvent func(context.Context, event.ReplicationEvent) error) error {
	cursor := make(map[int]uint64, len(checkpoints))
	for p, cp := range checkpoints {
		cursor[p] = cp.Seqno
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for p := range cursor {
				advanced, err := c.pollPartition(ctx, p, cursor[p], onEvent)
				if err != nil {
					return err
				}
				cursor[p] = advanced
			}
		}
	}
}

func (c *Client) pollPartition(ctx context.Context, partition int, since uint64, onEvent func(context.Context, event.ReplicationEvent) error) (uint64, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT seqno, vbucket_uuid, kind, doc_key, cas, rev_seqno, body, xattrs, snapshot_start_seqno, snapshot_end_seqno
			FROM source_events WHERE partition_id = ? AND seqno > ? ORDER BY seqno LIMIT ?`,
		partition, since, c.pageSize,
	)
	if err != nil {
		return since, fmt.Errorf("sqlsource: poll partition %d: %w", partition, err)
	}
	defer rows.Close()

	cursor := since
	for rows.Next() {
		var (
			seqno                          uint64
			vbucketUUID, kind, key         string
			cas, revSeqno                  uint64
			body, xattrsRaw                sql.NullString
			snapshotStart, snapshotEnd     uint64
		)
		if err := rows.Scan(&seqno, &vbucketUUID, &kind, &key, &cas, &revSeqno, &body, &xattrsRaw, &snapshotStart, &snapshotEnd); err != nil {
			return cursor, fmt.Errorf("sqlsource: scan: %w", err)
		}

		ev := event.ReplicationEvent{
			Partition:          partition,
			Seqno:              seqno,
			VBucketUUID:        vbucketUUID,
			Key:                key,
			Cas:                cas,
			RevSeqNo:           revSeqno,
			SnapshotStartSeqno: snapshotStart,
			SnapshotEndSeqno:   snapshotEnd,
		}
		switch kind {
		case "deletion":
			ev.Kind = event.Deletion
		case "snapshot":
			ev.Kind = event.SnapshotMarker
		default:
			ev.Kind = event.Mutation
			ev.Body = []byte(body.String)
		}
		if xattrsRaw.Valid && xattrsRaw.String != "" {
			var xattrs map[string]interface{}
			if err := json.Unmarshal([]byte(xattrsRaw.String), &xattrs); err == nil {
				ev.Xattrs = xattrs
			}
		}

		if err := onEvent(ctx, ev); err != nil {
			return cursor, err
		}
		cursor = seqno
	}
	return cursor, rows.Err()
}
