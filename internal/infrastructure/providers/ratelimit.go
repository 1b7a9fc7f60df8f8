package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a provider has no send budget left
var ErrRateLimited = errors.New("rate limit exceeded")

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	budgets  map[string]*RLBudget
	mutex    sync.RWMutex
}

type RLBudget struct {
	Name       string
	Used       int
	Denied     int
	PerMinute  int
	LastUpdate time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		budgets:  make(map[string]*RLBudget),
	}
}

// InitializeProvider allows perMinute sends with a burst of the same size
func (rl *RateLimiter) InitializeProvider(provider string, perMinute int) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if perMinute <= 0 {
		perMinute = 1
	}
	rl.limiters[provider] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	rl.budgets[provider] = &RLBudget{
		Name:       provider,
		PerMinute:  perMinute,
		LastUpdate: time.Now(),
	}
}

// Allow takes one token without waiting. Delivery is a single attempt, so
// an exhausted bucket is reported rather than waited out.
func (rl *RateLimiter) Allow(ctx context.Context, provider string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	limiter, exists := rl.limiters[provider]
	if !exists {
		return fmt.Errorf("rate limiter not initialized for provider: %s", provider)
	}

	budget := rl.budgets[provider]
	budget.LastUpdate = time.Now()
	if !limiter.Allow() {
		budget.Denied++
		return fmt.Errorf("%s: %w", provider, ErrRateLimited)
	}
	budget.Used++

	return nil
}

func (rl *RateLimiter) GetBudget(provider string) *RLBudget {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	budget, exists := rl.budgets[provider]
	if !exists {
		return nil
	}

	out := *budget
	return &out
}
