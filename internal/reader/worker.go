// Package reader implements the Change-Reader worker: one goroutine per
// followed shard that streams a change feed and translates each frame
// into a synchronous call back to the Supervisor.
package reader

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mycelian/shard-watch/internal/changefeed"
)

// Supervisor is the synchronous back-call surface a Worker drives. Both
// methods block until the Supervisor has processed the call — this
// blocking handoff is the system's only backpressure mechanism (spec.md
// §9) and must never be replaced by a buffered, fire-and-forget send.
type Supervisor interface {
	Change(ctx context.Context, shard changefeed.Shard, row changefeed.Row)
	Checkpoint(ctx context.Context, shard changefeed.Shard, endSeq changefeed.Sequence, worker uuid.UUID)
}

// Exit is delivered once, when a Worker's goroutine returns, carrying the
// reason (nil for a normal feed-end termination).
type Exit struct {
	ID    uuid.UUID
	Shard changefeed.Shard
	Err   error
}

// Worker streams one shard's change feed, starting at Since, to Sup.
type Worker struct {
	ID     uuid.UUID
	Shard  changefeed.Shard
	Since  changefeed.Sequence
	Source changefeed.Source
	Sup    Supervisor
	Log    zerolog.Logger
	OnExit chan<- Exit
}

// New constructs a Worker with a fresh identity.
func New(shard changefeed.Shard, since changefeed.Sequence, src changefeed.Source, sup Supervisor, log zerolog.Logger, onExit chan<- Exit) *Worker {
	return &Worker{
		ID:     uuid.New(),
		Shard:  shard,
		Since:  since,
		Source: src,
		Sup:    sup,
		Log:    log.With().Str("shard", string(shard)).Logger(),
		OnExit: onExit,
	}
}

// Run opens the feed and drives it to completion. It is meant to be
// launched with `go w.Run(ctx)`; its sole communication with the outside
// world is the synchronous Sup calls and the final Exit notification.
func (w *Worker) Run(ctx context.Context) {
	var exitErr error
	defer func() {
		w.OnExit <- Exit{ID: w.ID, Shard: w.Shard, Err: exitErr}
	}()

	feed, err := w.Source.OpenChanges(ctx, string(w.Shard), w.Since)
	if err != nil {
		exitErr = err
		return
	}
	defer feed.Close()

	for {
		frame, err := feed.Next(ctx)
		if err != nil {
			exitErr = err
			return
		}

		switch frame.Kind {
		case changefeed.FrameChange:
			w.Sup.Change(ctx, w.Shard, frame.Row)
		case changefeed.FrameStop:
			w.Sup.Checkpoint(ctx, w.Shard, frame.EndSeq, w.ID)
			return
		default:
			// unrecognized frame shape; ignore per spec.md §4.2
		}
	}
}
