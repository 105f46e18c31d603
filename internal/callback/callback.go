// Package callback defines the application-supplied hook the Supervisor
// invokes for discovery, lifecycle, and change events. Every operation is
// pure from the Supervisor's perspective: it returns the next context
// value rather than mutating shared state, since the Supervisor is the
// single owner of that context.
package callback

import (
	"context"

	"github.com/mycelian/shard-watch/internal/changefeed"
)

// Module is the external contract implemented by the application. None of
// these may call back into the Supervisor synchronously — doing so
// deadlocks the worker that is blocked waiting for the current callback to
// return.
type Module interface {
	DBCreated(ctx context.Context, shard changefeed.Shard, userCtx any) (any, error)
	DBDeleted(ctx context.Context, shard changefeed.Shard, userCtx any) (any, error)
	DBFound(ctx context.Context, shard changefeed.Shard, userCtx any) (any, error)
	DBChange(ctx context.Context, shard changefeed.Shard, row changefeed.Row, userCtx any) (any, error)
}
