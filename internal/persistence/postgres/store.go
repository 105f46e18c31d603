// Package postgres persists the checkpoint table to PostgreSQL via the
// database/sql + pgx stdlib driver pattern, adapted from the teacher's
// storage/postgres adapter.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mycelian/shard-watch/internal/changefeed"
	"github.com/mycelian/shard-watch/internal/checkpoint"
)

// Store implements persistence.Store over a PostgreSQL checkpoints table.
type Store struct {
	db *sql.DB
}

// Open returns a *sql.DB using the pgx stdlib driver and pings it.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewStore wraps an existing *sql.DB, creating the checkpoints table if
// it is not already present.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	const ddl = `
        CREATE TABLE IF NOT EXISTS shard_watch_checkpoints (
            shard      TEXT PRIMARY KEY,
            end_seq    TEXT NOT NULL DEFAULT '',
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("postgres: create checkpoints table: %w", err)
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
        INSERT INTO shard_watch_checkpoints (shard, end_seq, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (shard) DO UPDATE SET end_seq = EXCLUDED.end_seq, updated_at = now()
    `, string(e.Shard), string(e.EndSeq))
	return err
}
