// Package localshards answers changefeed.LocalShards queries from a
// directory of shard files on disk, the layout a single-node deployment
// of the document store uses: one file per shard, named "<shard>.<ext>",
// where the shard name is the file name with its final extension removed
// (e.g. "db1.target.couch" is shard "db1.target").
package localshards

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/mycelian/shard-watch/internal/changefeed"
)

// FS enumerates shard files under Dir.
type FS struct {
	Dir string
}

// New constructs an FS rooted at dir.
func New(dir string) *FS {
	return &FS{Dir: dir}
}

// LocalShards implements changefeed.LocalShards by listing Dir for
// files whose extension-stripped name begins with "<db>.".
func (f *FS) LocalShards(ctx context.Context, db string) ([]changefeed.Shard, error) {
	entries, err := os.ReadDir(f.Dir)
	if os.IsNotExist(err) {
		return nil, changefeed.ErrDatabaseDoesNotExist
	}
	if err != nil {
		return nil, err
	}

	prefix := db + "."
	var shards []changefeed.Shard
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if strings.HasPrefix(name, prefix) {
			shards = append(shards, changefeed.Shard(name))
		}
	}
	if len(shards) == 0 {
		return nil, changefeed.ErrDatabaseDoesNotExist
	}
	return shards, nil
}
