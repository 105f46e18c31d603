// Command shard-watch runs the multi-database change-feed fan-out
// supervisor as a standalone process: it wires the HTTP change-feed
// source, the local shard-file directory, the in-process event bus, an
// optional durable checkpoint backend, and the read-only admin HTTP
// server, then blocks until the Supervisor terminates or the process
// receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mycelian/shard-watch/internal/admin"
	"github.com/mycelian/shard-watch/internal/changefeed"
	"github.com/mycelian/shard-watch/internal/config"
	"github.com/mycelian/shard-watch/internal/eventbus"
	feedhttp "github.com/mycelian/shard-watch/internal/feedsource/http"
	"github.com/mycelian/shard-watch/internal/localshards"
	"github.com/mycelian/shard-watch/internal/logger"
	"github.com/mycelian/shard-watch/internal/persistence/postgres"
	"github.com/mycelian/shard-watch/internal/persistence/sqlite"
	"github.com/mycelian/shard-watch/internal/supervisor"
)

var rootCmd = &cobra.Command{
	Use:   "shard-watch",
	Short: "Multi-database change-feed fan-out supervisor",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New("shard-watch")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}

	source := feedhttp.New(cfg.DocStoreURL)
	shards := localshards.New(cfg.LocalShardsDir)
	bus := eventbus.NewInProcBus(256)

	sup, err := supervisor.Start(
		ctx,
		supervisor.Config{
			Suffix:          cfg.Suffix,
			SkipDesignDocs:  cfg.SkipDesignDocs,
			DesignDocPrefix: cfg.DesignDocPrefix,
			ShardsDBName:    cfg.ShardsDBName,
			JitterAvgMsec:   cfg.JitterAvgMsec,
			JitterMaxMsec:   cfg.JitterMaxMsec,
		},
		source,
		shards,
		bus,
		store,
		rand.New(rand.NewSource(time.Now().UnixNano())),
		loggingModule{log: log},
		nil,
		log,
	)
	if err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	adminSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AdminHTTPPort),
		Handler: admin.NewRouter(sup),
	}
	go func() {
		log.Info().Int("port", cfg.AdminHTTPPort).Msg("admin server listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()

	err = sup.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = adminSrv.Shutdown(shutdownCtx)

	if err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("supervisor terminated")
		return err
	}
	log.Info().Msg("supervisor shut down cleanly")
	return nil
}

func openCheckpointStore(ctx context.Context, cfg *config.Config) (supervisor.CheckpointStore, error) {
	switch cfg.CheckpointBackend {
	case "postgres":
		db, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(ctx, db)
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sqlite.NewStore(ctx, db)
	default:
		return nil, nil
	}
}

// loggingModule is the default callback.Module: it does nothing but log,
// a standing placeholder until an application links in its own Module.
type loggingModule struct {
	log zerolog.Logger
}

func (m loggingModule) DBCreated(ctx context.Context, shard changefeed.Shard, userCtx any) (any, error) {
	m.log.Info().Str("shard", string(shard)).Msg("db_created")
	return userCtx, nil
}

func (m loggingModule) DBDeleted(ctx context.Context, shard changefeed.Shard, userCtx any) (any, error) {
	m.log.Info().Str("shard", string(shard)).Msg("db_deleted")
	return userCtx, nil
}

func (m loggingModule) DBFound(ctx context.Context, shard changefeed.Shard, userCtx any) (any, error) {
	m.log.Info().Str("shard", string(shard)).Msg("db_found")
	return userCtx, nil
}

func (m loggingModule) DBChange(ctx context.Context, shard changefeed.Shard, row changefeed.Row, userCtx any) (any, error) {
	m.log.Debug().Str("shard", string(shard)).Str("doc_id", row.ID).Bool("deleted", row.Deleted).Msg("db_change")
	return userCtx, nil
}
