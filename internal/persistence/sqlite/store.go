// Package sqlite persists the checkpoint table to an embedded SQLite file
// via modernc.org/sqlite, adapted from the teacher's storage/sqlite conn
// helper, for single-node deployments that want durability without a
// separate database server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/mycelian/shard-watch/internal/changefeed"
	"github.com/mycelian/shard-watch/internal/checkpoint"
)

// Store implements persistence.Store over a local SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path with WAL enabled.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewStore wraps db, creating the checkpoints table if needed.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	const ddl = `
        CREATE TABLE IF NOT EXISTS shard_watch_checkpoints (
            shard      TEXT PRIMARY KEY,
            end_seq    TEXT NOT NULL DEFAULT ''
        )`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("sqlite: create checkpoints table: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns every persisted shard's last-known end sequence.
func (s *Store) Load(ctx context.Context) (map[changefeed.Shard]checkpoint.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT shard, end_seq FROM shard_watch_checkpoints`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[changefeed.Shard]checkpoint.Entry)
	for rows.Next() {
		var shard, endSeq string
		if err := rows.Scan(&shard, &endSeq); err != nil {
			return nil, err
		}
		out[changefeed.Shard(shard)] = checkpoint.Entry{
			Shard:  changefeed.Shard(shard),
			EndSeq: changefeed.Sequence(endSeq),
			Worker: uuid.Nil,
		}
	}
	return out, rows.Err()
}

// Save upserts e's end sequence.
func (s *Store) Save(ctx context.Context, e checkpoint.Entry) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO shard_watch_checkpoints (shard, end_seq) VALUES (?, ?)
        ON CONFLICT(shard) DO UPDATE SET end_seq = excluded.end_seq
    `, string(e.Shard), string(e.EndSeq))
	return err
}
