package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/peterwi/project-f/internal/alerts"
	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/infrastructure/db"
	"github.com/peterwi/project-f/internal/ledger"
	"github.com/peterwi/project-f/internal/metrics"
	"github.com/peterwi/project-f/internal/persistence"
)

// app holds the wired collaborators of one command invocation
type app struct {
	cfg     *config.Config
	db      *db.Manager
	repo    *persistence.Repository
	ledger  *ledger.Service
	store   *artifacts.Store
	metrics *metrics.Registry
	cache   *ledger.RedisCache
}

// loadConfig reads and validates the policy named by --config. A missing
// default file falls back to built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if _, err := os.Stat(path); os.IsNotExist(err) && !cmd.Flags().Changed("config") {
		log.Warn().Str("path", path).Msg("Policy file not found, using defaults")
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp connects to PostgreSQL and, when configured, the Redis ledger cache
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	mgr, err := db.NewManager(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if !mgr.IsEnabled() {
		return nil, fmt.Errorf("database persistence is disabled; set PG_ENABLED=true and PG_DSN")
	}

	a := &app{
		cfg:     cfg,
		db:      mgr,
		repo:    mgr.Repository(),
		store:   artifacts.New(cfg.Artifacts.Dir),
		metrics: metrics.NewRegistry(),
	}

	var cache ledger.Cache
	if addr := cfg.Cache.Redis.Addr; addr != "" {
		ttl := time.Duration(cfg.Cache.Redis.TTLSeconds) * time.Second
		rc, err := ledger.NewRedisCache(addr, cfg.Cache.Redis.DB, ttl)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("Ledger cache unavailable, folding from the database")
		} else {
			a.cache = rc
			cache = rc
		}
	}
	a.ledger = ledger.NewService(a.repo.Ledger, cache).WithCacheObserver(a.metrics.RecordCacheLookup)

	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close ledger cache")
		}
	}
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

// emitter builds the alert emitter from the policy's sink settings
func (a *app) emitter() (*alerts.Emitter, error) {
	return alerts.NewEmitterFromConfig(a.store, a.repo.Alerts, a.cfg.Alerts)
}

// dateFlag parses a YYYY-MM-DD flag; empty yields the zero time
func dateFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := domain.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

// readInput reads a payload from path, or stdin when path is "-"
func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
