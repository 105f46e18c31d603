// Package persistencetest is a shared compliance suite run against every
// persistence.Store backend, mirroring the teacher's storetest pattern.
package persistencetest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shard-watch/internal/changefeed"
	"github.com/mycelian/shard-watch/internal/checkpoint"
	"github.com/mycelian/shard-watch/internal/persistence"
)

// Run exercises a minimal Load/Save round trip against a persistence.Store
// implementation: a fresh shard is absent, a Save makes it loadable with
// its worker identity stripped, and a second Save upserts rather than
// duplicating.
func Run(t *testing.T, makeStore func(t *testing.T) persistence.Store) {
	t.Helper()
	ctx := context.Background()
	store := makeStore(t)

	shard := changefeed.Shard("shards/1.acct/db-" + uuid.New().String() + ".target")

	before, err := store.Load(ctx)
	require.NoError(t, err)
	_, present := before[shard]
	require.False(t, present, "fresh shard must not be pre-populated")

	entry := checkpoint.Entry{Shard: shard, EndSeq: "42", Worker: uuid.New(), RescanPending: true}
	require.NoError(t, store.Save(ctx, entry))

	after, err := store.Load(ctx)
	require.NoError(t, err)
	got, ok := after[shard]
	require.True(t, ok, "saved shard must round-trip through Load")
	require.Equal(t, changefeed.Sequence("42"), got.EndSeq)
	require.Equal(t, uuid.Nil, got.Worker, "Load must never resurrect a worker identity")

	require.NoError(t, store.Save(ctx, checkpoint.Entry{Shard: shard, EndSeq: "43"}))

	after2, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, changefeed.Sequence("43"), after2[shard].EndSeq, "Save must upsert, not duplicate")
}
