// Package providers guards outbound delivery providers (the secondary
// alert sinks) with per-provider circuit breakers and rate limits.
package providers

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

type CircuitBreakerManager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	configs  map[string]*CircuitBreakerConfig
	mutex    sync.RWMutex
}

type CircuitBreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ErrorRateThreshold  float64
	ConsecutiveFailures uint32
}

type BreakerStatus struct {
	Name                string
	State               string
	Counts              gobreaker.Counts
	ErrorRate           float64
	ConsecutiveFailures uint32
}

func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]*CircuitBreakerConfig),
	}
}

func (cbm *CircuitBreakerManager) InitializeProvider(name string, config *CircuitBreakerConfig) {
	cbm.mutex.Lock()
	defer cbm.mutex.Unlock()

	cbm.configs[name] = config

	settings := gobreaker.Settings{
		Name:          config.Name,
		MaxRequests:   config.MaxRequests,
		Interval:      config.Interval,
		Timeout:       config.Timeout,
		ReadyToTrip:   cbm.createTripCondition(config),
		OnStateChange: cbm.createStateChangeHandler(name),
	}

	cbm.breakers[name] = gobreaker.NewCircuitBreaker(settings)
}

// Execute runs fn through the provider's breaker. An open breaker fails
// fast with gobreaker.ErrOpenState.
func (cbm *CircuitBreakerManager) Execute(provider string, fn func() (interface{}, error)) (interface{}, error) {
	cbm.mutex.RLock()
	breaker, exists := cbm.breakers[provider]
	cbm.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("circuit breaker not found for provider: %s", provider)
	}

	return breaker.Execute(fn)
}

func (cbm *CircuitBreakerManager) GetStatus(provider string) *BreakerStatus {
	cbm.mutex.RLock()
	defer cbm.mutex.RUnlock()

	breaker, exists := cbm.breakers[provider]
	if !exists {
		return nil
	}

	counts := breaker.Counts()

	var errorRate float64
	if counts.Requests > 0 {
		errorRate = float64(counts.TotalFailures) / float64(counts.Requests) * 100
	}

	return &BreakerStatus{
		Name:                cbm.configs[provider].Name,
		State:               breaker.State().String(),
		Counts:              counts,
		ErrorRate:           errorRate,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}

func (cbm *CircuitBreakerManager) createTripCondition(config *CircuitBreakerConfig) func(counts gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		// Trip on error rate threshold
		if counts.Requests >= 10 {
			errorRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			if errorRate >= config.ErrorRateThreshold {
				return true
			}
		}

		// Trip on consecutive failures
		return counts.ConsecutiveFailures >= config.ConsecutiveFailures
	}
}

func (cbm *CircuitBreakerManager) createStateChangeHandler(provider string) func(name string, from, to gobreaker.State) {
	return func(name string, from, to gobreaker.State) {
		event := log.Info()
		if to == gobreaker.StateOpen {
			event = log.Warn()
		}
		event.
			Str("provider", provider).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Delivery circuit breaker changed state")
	}
}

// GetDefaultConfigs returns breaker settings per sink
func GetDefaultConfigs() map[string]*CircuitBreakerConfig {
	return map[string]*CircuitBreakerConfig{
		"webhook": {
			Name:                "Webhook",
			MaxRequests:         1,
			Interval:            5 * time.Minute,
			Timeout:             2 * time.Minute,
			ErrorRateThreshold:  50.0,
			ConsecutiveFailures: 3,
		},
		"telegram": {
			Name:                "Telegram",
			MaxRequests:         1,
			Interval:            5 * time.Minute,
			Timeout:             2 * time.Minute,
			ErrorRateThreshold:  50.0,
			ConsecutiveFailures: 3,
		},
	}
}
