// Package checkpoint holds the Supervisor's per-shard progress record.
// The table is exclusively owned and mutated by the Supervisor's message
// loop; Table itself is a plain map guarded by a mutex only so the
// introspection endpoint (internal/admin) can take a consistent snapshot
// without being handed the Supervisor's internals.
package checkpoint

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mycelian/shard-watch/internal/changefeed"
)

// Entry is the Supervisor's per-shard record of last-known sequence,
// pending-rescan flag, and currently-owning worker.
type Entry struct {
	Shard         changefeed.Shard
	EndSeq        changefeed.Sequence
	RescanPending bool
	Worker        uuid.UUID // uuid.Nil means "none"
}

// HasWorker reports whether the entry currently names a live worker.
func (e Entry) HasWorker() bool { return e.Worker != uuid.Nil }

// Table maps shard name to its checkpoint entry.
type Table struct {
	mu      sync.Mutex
	entries map[changefeed.Shard]Entry
}

// New returns an empty checkpoint table.
func New() *Table {
	return &Table{entries: make(map[changefeed.Shard]Entry)}
}

// Get returns the entry for shard and whether it exists.
func (t *Table) Get(shard changefeed.Shard) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[shard]
	return e, ok
}

// Put inserts or overwrites the entry for shard.
func (t *Table) Put(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.Shard] = e
}

// Snapshot returns a point-in-time copy of every entry, for introspection.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Restore seeds the table from a previously persisted set of entries,
// clearing any worker identity (no reader is live yet at restore time).
// Used by the optional durable CheckpointStore on startup.
func (t *Table) Restore(entries map[changefeed.Shard]Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for shard, e := range entries {
		e.Shard = shard
		e.Worker = uuid.Nil
		e.RescanPending = false
		t.entries[shard] = e
	}
}
