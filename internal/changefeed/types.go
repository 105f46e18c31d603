// Package changefeed defines the wire-level contracts this supervisor
// consumes from the underlying document store: shards, sequences, change
// rows, and the streaming primitive that turns one into the other.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Shard is an opaque database/shard name, e.g.
// "shards/40000000-5fffffff/acct/suff.0123456789".
type Shard string

// Sequence is an opaque, passthrough-only resume token. The zero value
// means "from the beginning".
type Sequence string

// SuffixOf returns the trailing dotted component of a shard name.
func SuffixOf(name Shard) string {
	s := string(name)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Row is one change-feed record.
type Row struct {
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted,omitempty"`
	Doc     json.RawMessage `json:"doc,omitempty"`
}

// FrameKind distinguishes the shapes a feed can emit.
type FrameKind int

const (
	FrameChange FrameKind = iota
	FrameStop
	FrameOther
)

// Frame is one decoded event off a change feed.
type Frame struct {
	Kind   FrameKind
	Row    Row
	EndSeq Sequence
}

// ErrDatabaseDoesNotExist is returned by LocalShards for a database that
// was not found locally; the Scanner treats it as an empty shard list.
var ErrDatabaseDoesNotExist = errors.New("database does not exist")

// Source opens change feeds against the document store. include-documents
// is always true and the feed is always "normal" (finite: current backlog
// then end) per spec — there is no streaming-forever mode here.
type Source interface {
	OpenChanges(ctx context.Context, db string, since Sequence) (Feed, error)
}

// Feed streams Frames from one open change feed. Next blocks until a frame
// is available; after a FrameStop is returned, or on error, the feed is
// exhausted and Close should be called.
type Feed interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// LocalShards enumerates the local shards backing a database name. It
// returns ErrDatabaseDoesNotExist (not a generic error) when the database
// is unknown locally.
type LocalShards interface {
	LocalShards(ctx context.Context, db string) ([]Shard, error)
}
