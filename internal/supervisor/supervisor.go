// Package supervisor implements the core state machine of spec.md: a
// single-threaded cooperative loop that discovers shards, owns one
// Change-Reader worker per followed shard, multiplexes discovery and
// event-bus activity into a user callback, and keeps a per-shard
// checkpoint table consistent with the workers map under crashes, races,
// and stale messages.
package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mycelian/shard-watch/internal/callback"
	"github.com/mycelian/shard-watch/internal/changefeed"
	"github.com/mycelian/shard-watch/internal/checkpoint"
	"github.com/mycelian/shard-watch/internal/eventbus"
	"github.com/mycelian/shard-watch/internal/reader"
	"github.com/mycelian/shard-watch/internal/scanner"
)

// Config is the Supervisor's runtime configuration (spec.md §6's
// start_link arguments, minus the callback module and context which are
// passed separately).
type Config struct {
	Suffix          string
	SkipDesignDocs  bool
	DesignDocPrefix string // default "_design/" if empty
	ShardsDBName    string // default "_dbs" if empty
	JitterAvgMsec   int
	JitterMaxMsec   int
}

func (c Config) withDefaults() Config {
	if c.DesignDocPrefix == "" {
		c.DesignDocPrefix = "_design/"
	}
	if c.ShardsDBName == "" {
		c.ShardsDBName = "_dbs"
	}
	return c
}

// CheckpointStore is the optional write-through persistence view of the
// checkpoint table (SPEC_FULL §9). A nil store reproduces the original's
// in-memory-only behavior.
type CheckpointStore interface {
	Load(ctx context.Context) (map[changefeed.Shard]checkpoint.Entry, error)
	Save(ctx context.Context, e checkpoint.Entry) error
}

// Supervisor is the multi-database change-feed fan-out supervisor.
type Supervisor struct {
	cfg     Config
	module  callback.Module
	userCtx any

	source      changefeed.Source
	localShards changefeed.LocalShards
	bus         eventbus.Bus
	store       CheckpointStore
	log         zerolog.Logger

	table   *checkpoint.Table
	workers map[uuid.UUID]changefeed.Shard

	changeCh      chan changeReq
	checkpointCh  chan checkpointReq
	resumeScanCh  chan changefeed.Shard
	workerExitCh  chan reader.Exit
	scannerExitCh chan error
	busEventCh    <-chan eventbus.Event
	busUnsub      eventbus.Unsubscribe

	errCh  chan error
	ctx    context.Context
	cancel context.CancelFunc
}

type changeReq struct {
	shard changefeed.Shard
	row   changefeed.Row
	reply chan struct{}
}

type checkpointReq struct {
	shard  changefeed.Shard
	endSeq changefeed.Sequence
	worker uuid.UUID
	reply  chan struct{}
}

// Start validates cfg, opens the checkpoint table (restoring from store if
// given), subscribes to the event bus, spawns the Scanner, and begins the
// Supervisor's message loop. The only errors returned are argument
// validation failures and a failure to load the checkpoint store; once
// started, the Supervisor runs until Wait returns a terminal reason.
func Start(
	ctx context.Context,
	cfg Config,
	source changefeed.Source,
	localShards changefeed.LocalShards,
	bus eventbus.Bus,
	store CheckpointStore,
	rnd scanner.RandSource,
	module callback.Module,
	userCtx any,
	log zerolog.Logger,
) (*Supervisor, error) {
	if cfg.Suffix == "" {
		return nil, fmt.Errorf("supervisor: suffix must not be empty")
	}
	if source == nil || localShards == nil || bus == nil || module == nil {
		return nil, fmt.Errorf("supervisor: source, localShards, bus, and module are required")
	}
	cfg = cfg.withDefaults()

	table := checkpoint.New()
	if store != nil {
		entries, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("supervisor: loading checkpoint store: %w", err)
		}
		table.Restore(entries)
	}

	busCh, unsub := bus.Subscribe()
	sctx, cancel := context.WithCancel(ctx)

	s := &Supervisor{
		cfg:           cfg,
		module:        module,
		userCtx:       userCtx,
		source:        source,
		localShards:   localShards,
		bus:           bus,
		store:         store,
		log:           log,
		table:         table,
		workers:       make(map[uuid.UUID]changefeed.Shard),
		changeCh:      make(chan changeReq),
		checkpointCh:  make(chan checkpointReq),
		resumeScanCh:  make(chan changefeed.Shard, 64),
		workerExitCh:  make(chan reader.Exit),
		scannerExitCh: make(chan error, 1),
		busEventCh:    busCh,
		busUnsub:      unsub,
		errCh:         make(chan error, 1),
		ctx:           sctx,
		cancel:        cancel,
	}

	sc := scanner.New(scanner.Config{
		Suffix:       cfg.Suffix,
		ShardsDBName: cfg.ShardsDBName,
		AvgDelayMsec: cfg.JitterAvgMsec,
		MaxDelayMsec: cfg.JitterMaxMsec,
	}, source, localShards, s, rnd, log)

	go func() {
		s.scannerExitCh <- sc.Run(sctx)
	}()

	go s.loop()

	return s, nil
}

// Wait blocks until the Supervisor terminates and returns the terminal
// reason: event_bus_died, scanner_died(reason), unexpected_exit(task,
// reason), or the parent context's error on a clean shutdown.
func (s *Supervisor) Wait() error {
	return <-s.errCh
}

// Snapshot returns a point-in-time copy of the checkpoint table, safe to
// call concurrently with the running Supervisor (Table guards itself).
func (s *Supervisor) Snapshot() []checkpoint.Entry {
	return s.table.Snapshot()
}

// Change implements reader.Supervisor: a synchronous hand-off from a
// Change-Reader, blocking until the Supervisor has processed the row.
func (s *Supervisor) Change(ctx context.Context, shard changefeed.Shard, row changefeed.Row) {
	reply := make(chan struct{})
	select {
	case s.changeCh <- changeReq{shard: shard, row: row, reply: reply}:
	case <-s.ctx.Done():
		return
	}
	select {
	case <-reply:
	case <-s.ctx.Done():
	}
}

// Checkpoint implements reader.Supervisor: a synchronous hand-off
// signaling a worker's feed has ended at endSeq.
func (s *Supervisor) Checkpoint(ctx context.Context, shard changefeed.Shard, endSeq changefeed.Sequence, worker uuid.UUID) {
	reply := make(chan struct{})
	select {
	case s.checkpointCh <- checkpointReq{shard: shard, endSeq: endSeq, worker: worker, reply: reply}:
	case <-s.ctx.Done():
		return
	}
	select {
	case <-reply:
	case <-s.ctx.Done():
	}
}

// ResumeScan implements scanner.Supervisor: an async discovery/rescan
// request for shard.
func (s *Supervisor) ResumeScan(shard changefeed.Shard) {
	select {
	case s.resumeScanCh <- shard:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) loop() {
	defer s.cancel()
	defer s.busUnsub()

	for {
		select {
		case <-s.ctx.Done():
			s.errCh <- s.ctx.Err()
			return

		case req := <-s.changeCh:
			s.handleChange(req)

		case req := <-s.checkpointCh:
			s.handleCheckpoint(req)

		case shard := <-s.resumeScanCh:
			s.handleResumeScan(shard)

		case exit := <-s.workerExitCh:
			if err := s.handleWorkerExit(exit); err != nil {
				s.errCh <- err
				return
			}

		case evt, ok := <-s.busEventCh:
			if !ok {
				s.errCh <- fmt.Errorf("event_bus_died")
				return
			}
			s.handleBusEvent(evt)

		case err := <-s.scannerExitCh:
			if err != nil {
				s.errCh <- fmt.Errorf("scanner_died: %w", err)
				return
			}
			s.log.Info().Msg("scanner finished normally")
		}
	}
}

func (s *Supervisor) handleChange(req changeReq) {
	defer close(req.reply)

	if _, ok := s.table.Get(req.shard); !ok {
		return // stale: change for a shard with no checkpoint entry
	}
	if s.cfg.SkipDesignDocs && strings.HasPrefix(req.row.ID, s.cfg.DesignDocPrefix) {
		return
	}

	newCtx, err := s.module.DBChange(s.ctx, req.shard, req.row, s.userCtx)
	if err != nil {
		s.log.Error().Err(err).Str("shard", string(req.shard)).Str("row", req.row.ID).Msg("db_change callback failed")
		return
	}
	s.userCtx = newCtx
}

func (s *Supervisor) handleCheckpoint(req checkpointReq) {
	defer close(req.reply)

	entry, ok := s.table.Get(req.shard)
	if !ok || entry.Worker != req.worker {
		return // stale: entry missing, or a worker no longer of record
	}
	entry.EndSeq = req.endSeq
	s.table.Put(entry)

	if s.store != nil {
		if err := s.store.Save(s.ctx, entry); err != nil {
			s.log.Error().Err(err).Str("shard", string(req.shard)).Msg("checkpoint persistence failed")
		}
	}
}

func (s *Supervisor) handleResumeScan(shard changefeed.Shard) {
	entry, ok := s.table.Get(shard)

	switch {
	case !ok:
		id := s.spawnReader(shard, changefeed.Sequence(""))
		s.table.Put(checkpoint.Entry{Shard: shard, EndSeq: "", RescanPending: false, Worker: id})

		newCtx, err := s.module.DBFound(s.ctx, shard, s.userCtx)
		if err != nil {
			s.log.Error().Err(err).Str("shard", string(shard)).Msg("db_found callback failed")
			return
		}
		s.userCtx = newCtx

	case !entry.HasWorker():
		id := s.spawnReader(shard, entry.EndSeq)
		entry.Worker = id
		entry.RescanPending = false
		s.table.Put(entry)

	default:
		// A reader is already live for this shard: coalesce this request
		// onto it instead of racing a second reader for the same shard.
		entry.RescanPending = true
		s.table.Put(entry)
	}
}

func (s *Supervisor) handleBusEvent(evt eventbus.Event) {
	shard := changefeed.Shard(evt.DB)
	if changefeed.SuffixOf(shard) != s.cfg.Suffix {
		return
	}

	switch evt.Kind {
	case eventbus.Created:
		newCtx, err := s.module.DBCreated(s.ctx, shard, s.userCtx)
		if err != nil {
			s.log.Error().Err(err).Str("shard", string(shard)).Msg("db_created callback failed")
		} else {
			s.userCtx = newCtx
		}
		s.handleResumeScan(shard)

	case eventbus.Deleted:
		newCtx, err := s.module.DBDeleted(s.ctx, shard, s.userCtx)
		if err != nil {
			s.log.Error().Err(err).Str("shard", string(shard)).Msg("db_deleted callback failed")
			return
		}
		s.userCtx = newCtx
		// Workers and the checkpoint entry are untouched: a live reader's
		// eventual death cleans itself up through handleWorkerExit.

	case eventbus.Updated:
		s.handleResumeScan(shard)

	default:
		// unrecognized kind; ignore
	}
}

func (s *Supervisor) handleWorkerExit(exit reader.Exit) error {
	shard, known := s.workers[exit.ID]
	if !known {
		return fmt.Errorf("unexpected_exit: task=%s reason=%v", exit.ID, exit.Err)
	}
	delete(s.workers, exit.ID)

	if exit.Err != nil {
		s.log.Error().Err(exit.Err).Str("shard", string(shard)).Stack().Msg("change-reader terminated abnormally")
	}

	entry, ok := s.table.Get(shard)
	if !ok || entry.Worker != exit.ID {
		return nil // a fresher worker has already claimed this shard
	}

	entry.Worker = uuid.Nil
	rescan := entry.RescanPending
	entry.RescanPending = false
	s.table.Put(entry)

	if rescan {
		s.handleResumeScan(shard) // restarts a reader from entry.EndSeq
	}
	return nil
}

func (s *Supervisor) spawnReader(shard changefeed.Shard, since changefeed.Sequence) uuid.UUID {
	w := reader.New(shard, since, s.source, s, s.log, s.workerExitCh)
	s.workers[w.ID] = shard
	go w.Run(s.ctx)
	return w.ID
}
