package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/persistence"
)

// Cache stores the folded view keyed by the history version it was computed from
type Cache interface {
	Get(ctx context.Context, version string) (*State, bool, error)
	Set(ctx context.Context, state State) error
	Invalidate(ctx context.Context) error
}

// Service serves the current ledger state, recomputing on every history change
type Service struct {
	repo    persistence.LedgerRepo
	cache   Cache
	observe func(hit bool)
}

// NewService creates a ledger service; cache may be nil
func NewService(repo persistence.LedgerRepo, cache Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// WithCacheObserver reports every cache lookup as a hit or miss
func (s *Service) WithCacheObserver(observe func(hit bool)) *Service {
	s.observe = observe
	return s
}

// Current returns the fold over all history.
// Cache failures are logged and fall through to a recompute.
func (s *Service) Current(ctx context.Context) (State, error) {
	version, err := s.repo.Version(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to read ledger version: %w", err)
	}

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, version)
		if err != nil {
			log.Warn().Err(err).Msg("Ledger cache read failed")
		} else if ok {
			s.record(true)
			return *cached, nil
		}
		s.record(false)
	}

	fills, err := s.repo.Fills(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to load fills: %w", err)
	}
	movements, err := s.repo.CashMovements(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to load cash movements: %w", err)
	}

	state := Fold(fills, movements)
	state.Version = version

	if s.cache != nil {
		if err := s.cache.Set(ctx, state); err != nil {
			log.Warn().Err(err).Msg("Ledger cache write failed")
		}
	}

	return state, nil
}

func (s *Service) record(hit bool) {
	if s.observe != nil {
		s.observe(hit)
	}
}

// Invalidate drops any cached view after history changes
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		log.Warn().Err(err).Msg("Ledger cache invalidation failed")
	}
}

// SetBaseline records the opening cash balance once. It returns false
// without writing when a BASELINE movement already exists.
func (s *Service) SetBaseline(ctx context.Context, cash decimal.Decimal, currency string, at time.Time) (bool, error) {
	if cash.IsNegative() {
		return false, &domain.ValidationError{Subject: "baseline", Problems: []string{"cash cannot be negative"}}
	}

	movements, err := s.repo.CashMovements(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load cash movements: %w", err)
	}
	for _, m := range movements {
		if m.MovementType == domain.CashBaseline {
			log.Info().Str("amount", m.Amount.String()).Msg("Baseline already recorded")
			return false, nil
		}
	}

	err = s.repo.AddCashMovement(ctx, domain.CashMovement{
		OccurredAt:   at.UTC(),
		Amount:       cash,
		Currency:     currency,
		MovementType: domain.CashBaseline,
		Notes:        "opening balance",
	})
	if err != nil {
		return false, fmt.Errorf("failed to record baseline: %w", err)
	}
	s.Invalidate(ctx)

	log.Info().Str("amount", cash.String()).Str("currency", currency).Msg("Baseline recorded")
	return true, nil
}

const redisStateKey = "tradeops:ledger:state"

// RedisCache keeps the folded view in Redis
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisCache connects to addr and verifies it answers PING
func NewRedisCache(addr string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisCache(client, ttl), nil
}

func newRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, timeout: 500 * time.Millisecond}
}

// Get returns the cached state only when it was computed from version
func (c *RedisCache) Get(ctx context.Context, version string) (*State, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	val, err := c.client.Get(ctx, redisStateKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, false, fmt.Errorf("decode cached ledger: %w", err)
	}
	if state.Version != version {
		return nil, false, nil
	}

	return &state, true, nil
}

// Set stores the state
func (c *RedisCache) Set(ctx context.Context, state State) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := c.client.Set(ctx, redisStateKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Invalidate removes the cached state
func (c *RedisCache) Invalidate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, redisStateKey).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}

	return nil
}

// Close releases the client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
