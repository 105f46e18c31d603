// Package config loads the composition root's runtime configuration from
// environment variables. Nothing in the Supervisor/Worker/Scanner core
// touches the environment directly — see spec.md §6 — but a real process
// has to be parameterized somehow, and this is how the teacher repo does
// it for every one of its entrypoints.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Config holds the composition root's settings. Environment variables are
// parsed with the SHARDWATCH_ prefix, e.g. SHARDWATCH_SUFFIX.
type Config struct {
	// Suffix selects which local shards this process follows: only shards
	// whose trailing dotted component equals Suffix are watched.
	Suffix string `envconfig:"SUFFIX" required:"true"`

	// SkipDesignDocs filters change rows whose id begins with
	// DesignDocPrefix before they reach the callback's DBChange hook.
	SkipDesignDocs  bool   `envconfig:"SKIP_DESIGN_DOCS" default:"true"`
	DesignDocPrefix string `envconfig:"DESIGN_DOC_PREFIX" default:"_design/"`

	// DocStoreURL is the base URL of the CouchDB-compatible document store
	// exposing the change-feed primitive over HTTP.
	DocStoreURL string `envconfig:"DOCSTORE_URL" required:"true"`

	// ShardsDBName is the well-known local shard-map database name
	// (mem3.shards_db in the original source).
	ShardsDBName string `envconfig:"SHARDS_DB" default:"_dbs"`

	// LocalShardsDir is where local shard files are enumerated from to
	// answer LocalShards(db) queries.
	LocalShardsDir string `envconfig:"LOCAL_SHARDS_DIR" default:""`

	// CheckpointBackend selects how the checkpoint table is persisted
	// across restarts: "memory" (default, matches the original's
	// in-memory-only behavior), "postgres", or "sqlite".
	CheckpointBackend string `envconfig:"CHECKPOINT_BACKEND" default:"memory"`
	PostgresDSN       string `envconfig:"POSTGRES_DSN" default:""`
	SQLitePath        string `envconfig:"SQLITE_PATH" default:""`

	// AdminHTTPPort serves the read-only introspection endpoint.
	AdminHTTPPort int `envconfig:"ADMIN_PORT" default:"8090"`

	// Jitter controls the Scanner's pacing of scheduled resume_scan calls.
	JitterAvgMsec int `envconfig:"JITTER_AVG_MSEC" default:"10"`
	JitterMaxMsec int `envconfig:"JITTER_MAX_MSEC" default:"120000"`
}

// ResolveDefaults validates cross-field constraints once env vars are parsed.
func (c *Config) ResolveDefaults() error {
	allowedBackend := map[string]bool{"memory": true, "postgres": true, "sqlite": true}
	if !allowedBackend[c.CheckpointBackend] {
		return fmt.Errorf("unsupported CHECKPOINT_BACKEND: %s", c.CheckpointBackend)
	}
	if c.CheckpointBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("CHECKPOINT_BACKEND=postgres requires POSTGRES_DSN")
	}
	if c.CheckpointBackend == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("CHECKPOINT_BACKEND=sqlite requires SQLITE_PATH")
	}
	if c.JitterAvgMsec <= 0 || c.JitterMaxMsec <= 0 {
		return fmt.Errorf("jitter bounds must be positive")
	}
	return nil
}

// New parses Config from the environment and resolves defaults.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("SHARDWATCH", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("suffix", cfg.Suffix).
		Bool("skip_design_docs", cfg.SkipDesignDocs).
		Str("checkpoint_backend", cfg.CheckpointBackend).
		Int("admin_port", cfg.AdminHTTPPort).
		Msg("configuration loaded")

	return &cfg, nil
}
