package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shard-watch/internal/changefeed"
	"github.com/mycelian/shard-watch/internal/checkpoint"
	"github.com/mycelian/shard-watch/internal/eventbus"
	"github.com/mycelian/shard-watch/internal/supervisor"
	"github.com/mycelian/shard-watch/internal/testsupport"
)

func newHarness(t *testing.T) (*testsupport.FakeSource, *testsupport.FakeLocalShards, *testsupport.FakeBus, *testsupport.FakeModule) {
	t.Helper()
	return testsupport.NewFakeSource(), testsupport.NewFakeLocalShards(), testsupport.NewFakeBus(16), testsupport.NewFakeModule()
}

func start(t *testing.T, src *testsupport.FakeSource, local *testsupport.FakeLocalShards, bus *testsupport.FakeBus, mod *testsupport.FakeModule) (*supervisor.Supervisor, context.CancelFunc) {
	t.Helper()
	return startWithConfig(t, supervisor.Config{Suffix: "target", JitterAvgMsec: 1, JitterMaxMsec: 2}, src, local, bus, mod)
}

func startWithConfig(t *testing.T, cfg supervisor.Config, src *testsupport.FakeSource, local *testsupport.FakeLocalShards, bus *testsupport.FakeBus, mod *testsupport.FakeModule) (*supervisor.Supervisor, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sup, err := supervisor.Start(
		ctx, cfg, src, local, bus, nil, testsupport.FixedRand{N: 0}, mod, nil, zerolog.Nop(),
	)
	require.NoError(t, err)
	return sup, cancel
}

func TestSupervisor_DiscoveryDrivesDBFoundThenWorker(t *testing.T) {
	src, local, bus, mod := newHarness(t)
	src.Seed("_dbs", []changefeed.Frame{{Kind: changefeed.FrameStop}})
	src.Seed("shards/1.acct/db1.target", []changefeed.Frame{
		{Kind: changefeed.FrameChange, Row: changefeed.Row{ID: "doc1"}},
		{Kind: changefeed.FrameStop, EndSeq: "5"},
	})

	sup, cancel := start(t, src, local, bus, mod)
	defer cancel()

	sup.ResumeScan("shards/1.acct/db1.target")

	require.Eventually(t, func() bool {
		_, _, found, changes := mod.CountsSnapshot()
		return found == 1 && changes == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		snap := sup.Snapshot()
		for _, e := range snap {
			if e.Shard == "shards/1.acct/db1.target" && e.EndSeq == "5" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_RescanCoalescesOntoLiveWorker(t *testing.T) {
	src, local, bus, mod := newHarness(t)
	src.Seed("_dbs", []changefeed.Frame{{Kind: changefeed.FrameStop}})
	handle := src.Live("shards/1.acct/db1.target")

	sup, cancel := start(t, src, local, bus, mod)
	defer cancel()

	sup.ResumeScan("shards/1.acct/db1.target")
	require.Eventually(t, func() bool {
		_, _, found, _ := mod.CountsSnapshot()
		return found == 1
	}, time.Second, 5*time.Millisecond)

	// A rescan while the worker is still live (the feed has not produced
	// a FrameStop yet) must coalesce onto the existing entry instead of
	// spawning a second worker for the same shard.
	sup.ResumeScan("shards/1.acct/db1.target")
	require.Eventually(t, func() bool {
		for _, e := range sup.Snapshot() {
			if e.Shard == "shards/1.acct/db1.target" {
				return e.RescanPending
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, _, found, _ := mod.CountsSnapshot()
	assert.Equal(t, 1, found) // still only one db_found: no second worker spawned

	handle.Stop("1")
	require.Eventually(t, func() bool {
		for _, e := range sup.Snapshot() {
			if e.Shard == "shards/1.acct/db1.target" {
				return e.HasWorker() && !e.RescanPending && e.EndSeq == "1"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	// The coalesced rescan restarts a reader from end_seq "1" as soon as the
	// first worker exits; that reader blocks on the live feed's now-empty
	// channel, so the entry keeps a live worker. Give it a brief moment
	// before asserting no duplicate db_found.
	time.Sleep(20 * time.Millisecond)
	_, _, found, _ = mod.CountsSnapshot()
	assert.Equal(t, 1, found)
}

func TestSupervisor_EventBusCreatedTriggersDiscovery(t *testing.T) {
	src, local, bus, mod := newHarness(t)
	src.Seed("_dbs", []changefeed.Frame{{Kind: changefeed.FrameStop}})
	src.Seed("shards/1.acct/new.target", []changefeed.Frame{{Kind: changefeed.FrameStop, EndSeq: "1"}})

	sup, cancel := start(t, src, local, bus, mod)
	defer cancel()

	bus.Emit(eventbus.Event{DB: "shards/1.acct/new.target", Kind: eventbus.Created})

	require.Eventually(t, func() bool {
		_, _, found, _ := mod.CountsSnapshot()
		return found == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_EventBusWrongSuffixIgnored(t *testing.T) {
	src, local, bus, mod := newHarness(t)
	src.Seed("_dbs", []changefeed.Frame{{Kind: changefeed.FrameStop}})

	sup, cancel := start(t, src, local, bus, mod)
	defer cancel()

	bus.Emit(eventbus.Event{DB: "shards/1.acct/new.other", Kind: eventbus.Created})

	time.Sleep(50 * time.Millisecond)
	_, _, found, _ := mod.CountsSnapshot()
	assert.Equal(t, 0, found)
}

func TestSupervisor_EventBusDeathTerminatesSupervisor(t *testing.T) {
	src, local, bus, mod := newHarness(t)
	src.Seed("_dbs", []changefeed.Frame{{Kind: changefeed.FrameStop}})

	sup, cancel := start(t, src, local, bus, mod)
	defer cancel()

	bus.Kill()

	err := sup.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_bus_died")
}

func TestSupervisor_RescanAfterWorkerExitSkipsDBFound(t *testing.T) {
	src, local, bus, mod := newHarness(t)
	src.Seed("_dbs", []changefeed.Frame{{Kind: changefeed.FrameStop}})
	src.Seed("shards/1.acct/db1.target", []changefeed.Frame{
		{Kind: changefeed.FrameChange, Row: changefeed.Row{ID: "doc1"}},
		{Kind: changefeed.FrameStop, EndSeq: "7"},
	})

	sup, cancel := start(t, src, local, bus, mod)
	defer cancel()

	sup.ResumeScan("shards/1.acct/db1.target")

	require.Eventually(t, func() bool {
		for _, e := range sup.Snapshot() {
			if e.Shard == "shards/1.acct/db1.target" {
				return e.EndSeq == "7" && !e.HasWorker()
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// A subsequent resume_scan restarts the reader from the checkpointed
	// end sequence, not from the beginning, and does not invoke db_found
	// a second time.
	src.Append("shards/1.acct/db1.target", changefeed.Frame{Kind: changefeed.FrameStop, EndSeq: "7"})
	sup.ResumeScan("shards/1.acct/db1.target")

	require.Eventually(t, func() bool {
		for _, e := range sup.Snapshot() {
			if e.Shard == "shards/1.acct/db1.target" {
				return !e.HasWorker()
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, _, found, _ := mod.CountsSnapshot()
	assert.Equal(t, 1, found)
}

// Scenario 3: a design-doc row must never reach the db_change callback
// when Config.SkipDesignDocs is set, while an ordinary row in the same
// feed still does.
func TestSupervisor_SkipDesignDocsFiltersDesignDocRows(t *testing.T) {
	src, local, bus, mod := newHarness(t)
	src.Seed("_dbs", []changefeed.Frame{{Kind: changefeed.FrameStop}})
	src.Seed("shards/1.acct/db1.target", []changefeed.Frame{
		{Kind: changefeed.FrameChange, Row: changefeed.Row{ID: "_design/views"}},
		{Kind: changefeed.FrameChange, Row: changefeed.Row{ID: "doc1"}},
		{Kind: changefeed.FrameStop, EndSeq: "2"},
	})

	cfg := supervisor.Config{Suffix: "target", SkipDesignDocs: true, DesignDocPrefix: "_design/", JitterAvgMsec: 1, JitterMaxMsec: 2}
	sup, cancel := startWithConfig(t, cfg, src, local, bus, mod)
	defer cancel()

	sup.ResumeScan("shards/1.acct/db1.target")

	require.Eventually(t, func() bool {
		for _, e := range sup.Snapshot() {
			if e.Shard == "shards/1.acct/db1.target" {
				return e.EndSeq == "2"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, _, _, changes := mod.CountsSnapshot()
	require.Len(t, mod.Changes, 1)
	assert.Equal(t, "doc1", mod.Changes[0].ID)
	assert.Equal(t, 1, changes) // the design-doc row never reached db_change
}

// Scenario 4: a Checkpoint call naming a worker id that no longer matches
// the table's entry (a stale message from an already-superseded worker)
// must leave end_seq untouched.
func TestSupervisor_StaleCheckpointFromMismatchedWorkerIgnored(t *testing.T) {
	src, local, bus, mod := newHarness(t)
	src.Seed("_dbs", []changefeed.Frame{{Kind: changefeed.FrameStop}})
	handle := src.Live("shards/1.acct/db1.target")

	sup, cancel := start(t, src, local, bus, mod)
	defer cancel()

	sup.ResumeScan("shards/1.acct/db1.target")
	require.Eventually(t, func() bool {
		_, _, found, _ := mod.CountsSnapshot()
		return found == 1
	}, time.Second, 5*time.Millisecond)

	before, ok := entryFor(sup, "shards/1.acct/db1.target")
	require.True(t, ok)
	require.Equal(t, changefeed.Sequence(""), before.EndSeq)

	// A checkpoint from a worker id that isn't the one currently on
	// record must be dropped: end_seq must not move.
	sup.Checkpoint(context.Background(), "shards/1.acct/db1.target", "99", uuid.New())

	time.Sleep(20 * time.Millisecond)
	after, ok := entryFor(sup, "shards/1.acct/db1.target")
	require.True(t, ok)
	assert.Equal(t, changefeed.Sequence(""), after.EndSeq, "stale checkpoint must not overwrite end_seq")

	// Control: the real worker's own checkpoint still applies.
	handle.Stop("3")
	require.Eventually(t, func() bool {
		e, ok := entryFor(sup, "shards/1.acct/db1.target")
		return ok && e.EndSeq == "3"
	}, time.Second, 5*time.Millisecond)
}

// Scenario 9: a Scanner that terminates abnormally (any error other than
// a clean feed-end) is fatal to the whole Supervisor.
func TestSupervisor_ScannerAbnormalExitIsFatal(t *testing.T) {
	src, local, bus, mod := newHarness(t)
	src.SeedMissing("_dbs") // OpenChanges("_dbs") fails: scanner.Run returns that error

	sup, cancel := start(t, src, local, bus, mod)
	defer cancel()

	err := sup.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner_died")
}

func entryFor(sup *supervisor.Supervisor, shard changefeed.Shard) (checkpoint.Entry, bool) {
	for _, e := range sup.Snapshot() {
		if e.Shard == shard {
			return e, true
		}
	}
	return checkpoint.Entry{}, false
}
