package localshards

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shard-watch/internal/changefeed"
)

func TestLocalShards_ListsMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db1.target.couch"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db2.other.couch"), nil, 0o644))

	fs := New(dir)
	shards, err := fs.LocalShards(context.Background(), "db1")
	require.NoError(t, err)
	assert.Equal(t, []changefeed.Shard{"db1.target"}, shards)
}

func TestLocalShards_UnknownDatabase(t *testing.T) {
	dir := t.TempDir()
	fs := New(dir)
	_, err := fs.LocalShards(context.Background(), "missing")
	assert.ErrorIs(t, err, changefeed.ErrDatabaseDoesNotExist)
}

func TestLocalShards_MissingDirectory(t *testing.T) {
	fs := New(filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := fs.LocalShards(context.Background(), "db1")
	assert.ErrorIs(t, err, changefeed.ErrDatabaseDoesNotExist)
}
