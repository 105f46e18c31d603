package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shard-watch/internal/changefeed"
	"github.com/mycelian/shard-watch/internal/reader"
	"github.com/mycelian/shard-watch/internal/testsupport"
)

// TestHandleWorkerExit_UnknownTaskIsFatal exercises the
// "task_id unknown" branch directly: a reader.Exit arriving for an id the
// Supervisor never recorded in its workers map must terminate the
// Supervisor with unexpected_exit, matching an owner's fail-fast
// expectation for any mistracked task.
func TestHandleWorkerExit_UnknownTaskIsFatal(t *testing.T) {
	src := testsupport.NewFakeSource()
	src.Seed("_dbs", []changefeed.Frame{{Kind: changefeed.FrameStop}})
	local := testsupport.NewFakeLocalShards()
	bus := testsupport.NewFakeBus(4)
	mod := testsupport.NewFakeModule()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup, err := Start(ctx, Config{Suffix: "target", JitterAvgMsec: 1, JitterMaxMsec: 2},
		src, local, bus, nil, testsupport.FixedRand{N: 0}, mod, nil, zerolog.Nop())
	require.NoError(t, err)

	sup.workerExitCh <- reader.Exit{ID: uuid.New(), Shard: "shards/ghost.target", Err: nil}

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Wait() }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected_exit")
	case <-time.After(time.Second):
		t.Fatal("expected supervisor to terminate on unknown worker exit")
	}
}
