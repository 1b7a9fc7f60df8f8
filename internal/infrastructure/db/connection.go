package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/peterwi/project-f/internal/persistence"
	"github.com/peterwi/project-f/internal/persistence/postgres"
)

// ErrDisabled is returned by operations that need a database when persistence is off
var ErrDisabled = errors.New("database persistence is disabled; set PG_ENABLED=true and PG_DSN")

// Manager owns the connection pool and the tradeops repositories built on it
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
	health *healthChecker
}

// NewManager opens and pings the pool. A disabled config yields a manager
// without repositories.
func NewManager(config Config) (*Manager, error) {
	if !config.Enabled {
		return &Manager{config: config, health: &healthChecker{}}, nil
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewManagerFromDB(db, config), nil
}

// NewManagerFromDB wraps an already-open handle
func NewManagerFromDB(db *sqlx.DB, config Config) *Manager {
	return &Manager{
		db:     db,
		config: config,
		repos:  postgres.NewRepository(db, config.QueryTimeout),
		health: &healthChecker{db: db, timeout: config.QueryTimeout},
	}
}

// Repository returns the repositories, nil when disabled
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

// Health reports pool and schema health
func (m *Manager) Health() persistence.RepositoryHealth {
	return m.health
}

// DB returns the underlying handle, nil when disabled
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// IsEnabled reports whether a pool is open
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.db != nil
}

// Migrate applies pending embedded migrations
func (m *Manager) Migrate(ctx context.Context) ([]string, error) {
	if !m.IsEnabled() {
		return nil, ErrDisabled
	}
	return Migrate(ctx, m.db)
}

// Close closes the pool
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker implements persistence.RepositoryHealth. A nil db means
// persistence is disabled, which counts as healthy.
type healthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Health pings the pool and requires at least one applied migration
func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	if h.db == nil {
		return persistence.HealthCheck{
			Healthy:        true,
			Errors:         []string{"Database persistence disabled"},
			ConnectionPool: map[string]int{},
			LastCheck:      time.Now(),
		}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	check := persistence.HealthCheck{Healthy: true}
	fail := func(msg string) {
		check.Healthy = false
		check.Errors = append(check.Errors, msg)
	}

	if err := h.db.PingContext(ctx); err != nil {
		fail(fmt.Sprintf("ping failed: %v", err))
	} else if err := h.db.GetContext(ctx, &check.SchemaVersion,
		`SELECT COALESCE(MAX(version), '') FROM schema_migrations`); err != nil {
		fail(fmt.Sprintf("schema version unavailable: %v", err))
	} else if check.SchemaVersion == "" {
		fail("no migrations applied; run tradeops migrate")
	}

	stats := h.db.Stats()
	check.ConnectionPool = map[string]int{
		"max_open":      stats.MaxOpenConnections,
		"open":          stats.OpenConnections,
		"in_use":        stats.InUse,
		"idle":          stats.Idle,
		"wait_count":    int(stats.WaitCount),
		"wait_duration": int(stats.WaitDuration.Milliseconds()),
	}
	check.LastCheck = time.Now()
	check.ResponseTimeMS = time.Since(start).Milliseconds()
	return check
}

// Ping checks connectivity only
func (h *healthChecker) Ping(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(ctx)
}
