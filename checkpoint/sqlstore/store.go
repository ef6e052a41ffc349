// Package sqlstore implements checkpoint.Store against a relational
// database reached through database/sql, following the same shape as
// graph/store: one constructor per driver, a shared schema, connection
// pooling tuned for a long-lived process.
//
// MySQL is the production backend; SQLite backs local development and the
// test suite. Both drivers accept "?" placeholders, so the query layer is
// shared between them.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mvarga/vbreplicator/checkpoint"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Store persists checkpoint documents in a single table, one row per
// (group, partition), keyed by the doc id convention
// "<group-name>::checkpoint::<partition>".
type Store struct {
	db        *sql.DB
	groupName string
	dialect   dialect
}

// dialect captures the handful of places MySQL and SQLite syntax diverge.
type dialect struct {
	name       string
	upsertStmt string
}

var mysqlDialect = dialect{
	name: "mysql",
	upsertStmt: `
		INSERT INTO vb_checkpoints (doc_id, group_name, partition_id, vbucket_uuid, seqno, snapshot_start_seqno, snapshot_end_seqno)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			vbucket_uuid = VALUES(vbucket_uuid),
			seqno = VALUES(seqno),
			snapshot_start_seqno = VALUES(snapshot_start_seqno),
			snapshot_end_seqno = VALUES(snapshot_end_seqno)
	`,
}

var sqliteDialect = dialect{
	name: "sqlite",
	upsertStmt: `
		INSERT INTO vb_checkpoints (doc_id, group_name, partition_id, vbucket_uuid, seqno, snapshot_start_seqno, snapshot_end_seqno)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			vbucket_uuid = excluded.vbucket_uuid,
			seqno = excluded.seqno,
			snapshot_start_seqno = excluded.snapshot_start_seqno,
			snapshot_end_seqno = excluded.snapshot_end_seqno
	`,
}

// NewMySQL opens a MySQL/MariaDB-backed Store. dsn follows
// github.com/go-sql-driver/mysql's DSN format, e.g.
// "user:pass@tcp(127.0.0.1:3306)/cbes?parseTime=true".
func NewMySQL(dsn, groupName string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open mysql: %w", err)
	}
	return open(db, groupName, mysqlSchema, mysqlDialect)
}

// NewSQLite opens a SQLite-backed Store at path (or ":memory:" for tests).
func NewSQLite(path, groupName string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: avoid concurrent-writer lock contention
	return open(db, groupName, sqliteSchema, sqliteDialect)
}

func open(db *sql.DB, groupName, schema string, d dialect) (*Store, error) {
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: create schema: %w", err)
	}
	return &Store{db: db, groupName: groupName, dialect: d}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) docID(partition int) string {
	return fmt.Sprintf("%s::checkpoint::%d", s.groupName, partition)
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS vb_checkpoints (
	doc_id VARCHAR(255) PRIMARY KEY,
	group_name VARCHAR(255) NOT NULL,
	partition_id INT NOT NULL,
	vbucket_uuid VARCHAR(64) NOT NULL,
	seqno BIGINT UNSIGNED NOT NULL,
	snapshot_start_seqno BIGINT UNSIGNED NOT NULL,
	snapshot_end_seqno BIGINT UNSIGNED NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	INDEX idx_group (group_name)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vb_checkpoints (
	doc_id TEXT PRIMARY KEY,
	group_name TEXT NOT NULL,
	partition_id INTEGER NOT NULL,
	vbucket_uuid TEXT NOT NULL,
	seqno INTEGER NOT NULL,
	snapshot_start_seqno INTEGER NOT NULL,
	snapshot_end_seqno INTEGER NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)
`

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, partitions []int) (map[int]checkpoint.Checkpoint, error) {
	out := make(map[int]checkpoint.Checkpoint, len(partitions))
	if len(partitions) == 0 {
		return out, nil
	}

	query := `SELECT partition_id, vbucket_uuid, seqno, snapshot_start_seqno, snapshot_end_seqno
		FROM vb_checkpoints WHERE group_name = ? AND doc_id IN (` + placeholders(len(partitions)) + `)`
	args := make([]interface{}, 0, len(partitions)+1)
	args = append(args, s.groupName)
	for _, p := range partitions {
		args = append(args, s.docID(p))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cp checkpoint.Checkpoint
		if err := rows.Scan(&cp.Partition, &cp.VBucketUUID, &cp.Seqno, &cp.SnapshotStartSeqno, &cp.SnapshotEndSeqno); err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		out[cp.Partition] = cp
	}
	return out, rows.Err()
}

// Save implements checkpoint.Store. Each partition is upserted independently
// so one failing row doesn't roll back the rest.
func (s *Store) Save(ctx context.Context, checkpoints map[int]checkpoint.Checkpoint) ([]int, error) {
	var failed []int
	for p, cp := range checkpoints {
		if err := s.upsert(ctx, cp); err != nil {
			failed = append(failed, p)
		}
	}
	if len(failed) > 0 {
		return failed, checkpoint.ErrPartialSave
	}
	return nil, nil
}

func (s *Store) upsert(ctx context.Context, cp checkpoint.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, s.dialect.upsertStmt,
		s.docID(cp.Partition), s.groupName, cp.Partition, cp.VBucketUUID, cp.Seqno, cp.SnapshotStartSeqno, cp.SnapshotEndSeqno)
	return err
}

// Clear implements checkpoint.Store.
func (s *Store) Clear(ctx context.Context, partitions []int) error {
	for _, p := range partitions {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM vb_checkpoints WHERE doc_id = ?`, s.docID(p)); err != nil {
			return fmt.Errorf("sqlstore: clear partition %d: %w", p, err)
		}
	}
	return nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
