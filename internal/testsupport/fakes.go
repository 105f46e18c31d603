// Package testsupport provides in-memory fakes for changefeed.Source,
// changefeed.LocalShards, eventbus.Bus, and callback.Module so the
// supervisor/reader/scanner packages can be exercised deterministically,
// without a network dependency, in the teacher's testify-based style.
package testsupport

import (
	"context"
	"sync"

	"github.com/mycelian/shard-watch/internal/changefeed"
	"github.com/mycelian/shard-watch/internal/eventbus"
)

// FakeSource is an in-memory changefeed.Source: each db name maps to a
// fixed, pre-seeded slice of Frames ending in a FrameStop.
type FakeSource struct {
	mu      sync.Mutex
	feeds   map[string][]changefeed.Frame
	missing map[string]bool
	live    map[string]*LiveHandle
}

// NewFakeSource constructs an empty FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		feeds:   make(map[string][]changefeed.Frame),
		missing: make(map[string]bool),
		live:    make(map[string]*LiveHandle),
	}
}

// LiveHandle lets a test drive db's feed frame-by-frame instead of
// pre-seeding a fixed slice, so a worker can be held "live" (no
// FrameStop yet) for a deterministic window before the test finishes it.
type LiveHandle struct {
	ch chan changefeed.Frame
}

// Push delivers one more frame to the open feed.
func (h *LiveHandle) Push(f changefeed.Frame) { h.ch <- f }

// Stop delivers a terminating FrameStop at endSeq.
func (h *LiveHandle) Stop(endSeq changefeed.Sequence) {
	h.ch <- changefeed.Frame{Kind: changefeed.FrameStop, EndSeq: endSeq}
}

// Live registers db as a live feed and returns the handle to drive it.
func (f *FakeSource) Live(db string) *LiveHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &LiveHandle{ch: make(chan changefeed.Frame, 16)}
	f.live[db] = h
	return h
}

// Seed registers db's full frame sequence (the last frame should normally
// be a FrameStop carrying the feed's end sequence).
func (f *FakeSource) Seed(db string, frames []changefeed.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[db] = frames
}

// SeedMissing makes OpenChanges(db) return changefeed.ErrDatabaseDoesNotExist.
func (f *FakeSource) SeedMissing(db string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[db] = true
}

// Append adds more frames to db's feed, e.g. from a concurrent test
// goroutine simulating new changes arriving mid-test.
func (f *FakeSource) Append(db string, frames ...changefeed.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[db] = append(f.feeds[db], frames...)
}

// OpenChanges implements changefeed.Source.
func (f *FakeSource) OpenChanges(ctx context.Context, db string, since changefeed.Sequence) (changefeed.Feed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[db] {
		return nil, changefeed.ErrDatabaseDoesNotExist
	}
	if h, ok := f.live[db]; ok {
		return &liveFeed{ch: h.ch}, nil
	}
	frames := f.feeds[db]
	cp := make([]changefeed.Frame, len(frames))
	copy(cp, frames)
	return &fakeFeed{frames: cp}, nil
}

// liveFeed reads frames pushed through a LiveHandle, blocking between
// them so a worker can be observed as "live" for as long as the test
// wants before Stop is called.
type liveFeed struct {
	ch chan changefeed.Frame
}

func (f *liveFeed) Next(ctx context.Context) (changefeed.Frame, error) {
	select {
	case fr := <-f.ch:
		return fr, nil
	case <-ctx.Done():
		return changefeed.Frame{}, ctx.Err()
	}
}

func (f *liveFeed) Close() error { return nil }

type fakeFeed struct {
	frames []changefeed.Frame
	i      int
}

func (f *fakeFeed) Next(ctx context.Context) (changefeed.Frame, error) {
	select {
	case <-ctx.Done():
		return changefeed.Frame{}, ctx.Err()
	default:
	}
	if f.i >= len(f.frames) {
		return changefeed.Frame{Kind: changefeed.FrameStop}, nil
	}
	fr := f.frames[f.i]
	f.i++
	return fr, nil
}

func (f *fakeFeed) Close() error { return nil }

// FakeLocalShards maps a database name to its local shard list.
// ErrDatabaseDoesNotExist is returned for names not present in the map.
type FakeLocalShards struct {
	mu     sync.Mutex
	shards map[string][]changefeed.Shard
}

// NewFakeLocalShards constructs an empty FakeLocalShards.
func NewFakeLocalShards() *FakeLocalShards {
	return &FakeLocalShards{shards: make(map[string][]changefeed.Shard)}
}

// Set registers db's local shard list.
func (f *FakeLocalShards) Set(db string, shards ...changefeed.Shard) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shards[db] = shards
}

// LocalShards implements changefeed.LocalShards.
func (f *FakeLocalShards) LocalShards(ctx context.Context, db string) ([]changefeed.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	shards, ok := f.shards[db]
	if !ok {
		return nil, changefeed.ErrDatabaseDoesNotExist
	}
	return shards, nil
}

// FakeBus is an in-process eventbus.Bus with a single subscriber and a
// test-controlled Emit/Kill surface.
type FakeBus struct {
	ch chan eventbus.Event
}

// NewFakeBus constructs a FakeBus with the given buffer size.
func NewFakeBus(buffer int) *FakeBus {
	return &FakeBus{ch: make(chan eventbus.Event, buffer)}
}

// Subscribe implements eventbus.Bus.
func (b *FakeBus) Subscribe() (<-chan eventbus.Event, eventbus.Unsubscribe) {
	return b.ch, func() {}
}

// Emit publishes evt, blocking if the buffer is full (tests control
// buffer size, so this should never actually block in practice).
func (b *FakeBus) Emit(evt eventbus.Event) {
	b.ch <- evt
}

// Kill closes the bus channel, simulating the event-bus subscription
// dying out from under the Supervisor.
func (b *FakeBus) Kill() {
	close(b.ch)
}

// FakeModule is a callback.Module recording every invocation it receives.
type FakeModule struct {
	mu      sync.Mutex
	Created []changefeed.Shard
	Deleted []changefeed.Shard
	Found   []changefeed.Shard
	Changes []changefeed.Row

	// NextCtx, if non-nil, is returned from every hook instead of echoing
	// the incoming userCtx.
	NextCtx any
}

// NewFakeModule constructs an empty FakeModule.
func NewFakeModule() *FakeModule { return &FakeModule{} }

func (m *FakeModule) DBCreated(ctx context.Context, shard changefeed.Shard, userCtx any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Created = append(m.Created, shard)
	return m.nextCtx(userCtx), nil
}

func (m *FakeModule) DBDeleted(ctx context.Context, shard changefeed.Shard, userCtx any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deleted = append(m.Deleted, shard)
	return m.nextCtx(userCtx), nil
}

func (m *FakeModule) DBFound(ctx context.Context, shard changefeed.Shard, userCtx any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Found = append(m.Found, shard)
	return m.nextCtx(userCtx), nil
}

func (m *FakeModule) DBChange(ctx context.Context, shard changefeed.Shard, row changefeed.Row, userCtx any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Changes = append(m.Changes, row)
	return m.nextCtx(userCtx), nil
}

func (m *FakeModule) nextCtx(userCtx any) any {
	if m.NextCtx != nil {
		return m.NextCtx
	}
	return userCtx
}

// CountsSnapshot returns a race-safe copy of the recorded call counts.
func (m *FakeModule) CountsSnapshot() (created, deleted, found, changes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Created), len(m.Deleted), len(m.Found), len(m.Changes)
}

// FixedRand is a scanner.RandSource returning a constant value, for
// deterministic jitter assertions.
type FixedRand struct{ N int }

// Intn implements scanner.RandSource, returning N clamped to n-1.
func (r FixedRand) Intn(n int) int {
	if r.N >= n {
		return n - 1
	}
	return r.N
}
