// Package scanner implements the one-shot startup discovery task: walk
// the cluster shard-map database once, and schedule a jittered
// resume_scan request per matching local shard.
package scanner

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelian/shard-watch/internal/changefeed"
)

const (
	defaultAvgDelayMsec = 10
	defaultMaxDelayMsec = 120_000
)

// Supervisor is the async notification surface the Scanner drives.
// ResumeScan is fire-and-forget; the Scanner never blocks on it beyond
// whatever the Supervisor's inbox channel does.
type Supervisor interface {
	ResumeScan(shard changefeed.Shard)
}

// RandSource is the jitter's randomness collaborator, consumed via this
// narrow contract so tests can inject a deterministic source.
type RandSource interface {
	Intn(n int) int
}

// Config parameterizes the Scanner's jitter and target suffix.
type Config struct {
	Suffix       string
	ShardsDBName string
	AvgDelayMsec int
	MaxDelayMsec int
}

func (c Config) withDefaults() Config {
	if c.AvgDelayMsec <= 0 {
		c.AvgDelayMsec = defaultAvgDelayMsec
	}
	if c.MaxDelayMsec <= 0 {
		c.MaxDelayMsec = defaultMaxDelayMsec
	}
	return c
}

// Scanner performs the one-shot discovery walk.
type Scanner struct {
	cfg         Config
	source      changefeed.Source
	localShards changefeed.LocalShards
	sup         Supervisor
	rnd         RandSource
	log         zerolog.Logger

	n int // per-scanner jitter counter, starts at 1
}

// New constructs a Scanner.
func New(cfg Config, source changefeed.Source, localShards changefeed.LocalShards, sup Supervisor, rnd RandSource, log zerolog.Logger) *Scanner {
	return &Scanner{
		cfg:         cfg.withDefaults(),
		source:      source,
		localShards: localShards,
		sup:         sup,
		rnd:         rnd,
		log:         log.With().Str("component", "scanner").Logger(),
		n:           1,
	}
}

// Run performs the discovery walk and returns when done, or when ctx is
// canceled. A non-nil error signals abnormal termination, which the
// Supervisor treats as fatal (spec.md §4.1).
func (s *Scanner) Run(ctx context.Context) error {
	// Case 1: a local database whose name is literally the suffix (the
	// "system" database case).
	if _, err := s.localShards.LocalShards(ctx, s.cfg.Suffix); err == nil {
		s.scheduleResumeScan(ctx, changefeed.Shard(s.cfg.Suffix))
	} else if err != changefeed.ErrDatabaseDoesNotExist {
		return err
	}

	feed, err := s.source.OpenChanges(ctx, s.cfg.ShardsDBName, changefeed.Sequence(""))
	if err != nil {
		return err
	}
	defer feed.Close()

	found := 0
	for {
		frame, err := feed.Next(ctx)
		if err != nil {
			return err
		}
		if frame.Kind == changefeed.FrameStop {
			s.log.Info().Int("shards_scheduled", found).Msg("shard-map scan complete")
			return nil
		}
		if frame.Kind != changefeed.FrameChange {
			continue
		}
		row := frame.Row
		if isDesignDoc(row.ID) || row.Deleted {
			continue
		}

		dbName := row.ID
		if changefeed.SuffixOf(changefeed.Shard(dbName)) != s.cfg.Suffix {
			continue
		}

		shards, err := s.localShards.LocalShards(ctx, dbName)
		if err == changefeed.ErrDatabaseDoesNotExist {
			continue
		}
		if err != nil {
			return err
		}
		for _, shard := range shards {
			s.scheduleResumeScan(ctx, shard)
			found++
		}
	}
}

func isDesignDoc(id string) bool {
	const prefix = "_design/"
	return len(id) >= len(prefix) && id[:len(prefix)] == prefix
}

// scheduleResumeScan delays by an amount that widens with how many shards
// have been queued so far, then calls ResumeScan. The delay runs on its
// own goroutine so the shard-map walk (and the scheduling of the next
// shard's jitter) is never blocked by an earlier one's wait.
func (s *Scanner) scheduleResumeScan(ctx context.Context, shard changefeed.Shard) {
	bound := 2 * s.n * s.cfg.AvgDelayMsec
	if bound > s.cfg.MaxDelayMsec {
		bound = s.cfg.MaxDelayMsec
	}
	if bound < 1 {
		bound = 1
	}
	delay := time.Duration(1+s.rnd.Intn(bound)) * time.Millisecond
	s.n++

	go func() {
		select {
		case <-time.After(delay):
			s.sup.ResumeScan(shard)
		case <-ctx.Done():
		}
	}()
}
