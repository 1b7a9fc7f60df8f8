// Package httpclient is the outbound HTTP client used by alert delivery sinks.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Config bounds concurrency and retries for one client
type Config struct {
	MaxConcurrency int
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	UserAgent      string
}

// DefaultConfig returns the delivery defaults for a per-request timeout
func DefaultConfig(timeout time.Duration) Config {
	return Config{
		MaxConcurrency: 4,
		RequestTimeout: timeout,
		MaxRetries:     2,
		BackoffBase:    200 * time.Millisecond,
		BackoffMax:     2 * time.Second,
		UserAgent:      "tradeops-alerts",
	}
}

// Client retries transient failures with exponential backoff
type Client struct {
	config    Config
	semaphore chan struct{}
	client    *http.Client
	mu        sync.RWMutex
	stats     Stats
}

// Stats counts requests by outcome
type Stats struct {
	Requests  int64
	Succeeded int64
	Failed    int64
	Retried   int64
}

// New creates a client. A nil base gets a fresh http.Client with the configured timeout.
func New(config Config, base *http.Client) *Client {
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = 1
	}
	if base == nil {
		base = &http.Client{Timeout: config.RequestTimeout}
	}
	return &Client{
		config:    config,
		semaphore: make(chan struct{}, config.MaxConcurrency),
		client:    base,
	}
}

// Do sends req, retrying network errors and 429/502/503/504 responses.
// Requests with a body must be built so that GetBody is set.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	c.count(func(s *Stats) { s.Requests++ })

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.count(func(s *Stats) { s.Retried++ })
			backoff := c.backoff(attempt)
			log.Debug().
				Dur("backoff", backoff).
				Int("attempt", attempt).
				Str("host", req.URL.Host).
				Msg("Retrying HTTP request")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attemptReq, err := rewind(ctx, req, attempt)
		if err != nil {
			lastErr = err
			break
		}

		resp, err := c.client.Do(attemptReq)
		if err != nil {
			lastErr = err
			if retryableError(err) && ctx.Err() == nil {
				continue
			}
			break
		}

		if retryableStatus(resp.StatusCode) && attempt < c.config.MaxRetries {
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			continue
		}

		c.count(func(s *Stats) { s.Succeeded++ })
		return resp, nil
	}

	c.count(func(s *Stats) { s.Failed++ })
	return nil, lastErr
}

// Stats returns a copy of the counters
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Client) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func (c *Client) backoff(attempt int) time.Duration {
	backoff := c.config.BackoffBase * time.Duration(1<<uint(attempt-1))
	if c.config.BackoffMax > 0 && backoff > c.config.BackoffMax {
		backoff = c.config.BackoffMax
	}
	// up to 10% jitter
	return backoff + time.Duration(rand.Float64()*0.1*float64(backoff))
}

func rewind(ctx context.Context, req *http.Request, attempt int) (*http.Request, error) {
	out := req.Clone(ctx)
	if attempt == 0 || req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	out.Body = body
	return out, nil
}

func retryableError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
