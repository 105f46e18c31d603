// Package persistence defines the optional durable view of the checkpoint
// table (SPEC_FULL §9) and its database-backed implementations. A process
// configured with CheckpointBackend=memory never opens either of this
// package's backends; the supervisor.CheckpointStore interface is satisfied
// here purely as an adapter in front of database/sql.
package persistence

import (
	"context"

	"github.com/mycelian/shard-watch/internal/changefeed"
	"github.com/mycelian/shard-watch/internal/checkpoint"
)

// Store is the shape every backend implements; it is assignable directly
// to supervisor.CheckpointStore.
type Store interface {
	Load(ctx context.Context) (map[changefeed.Shard]checkpoint.Entry, error)
	Save(ctx context.Context, e checkpoint.Entry) error
}
