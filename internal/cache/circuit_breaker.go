package cache

import (
	"context"
	"fmt"
	"time"

	"relay/internal/config"
	"relay/pkg/circuitbreaker"
)

// CircuitBreakerCache decorates a Cache so a flapping Redis does not get
// hammered by every message. With the breaker disabled it is a straight
// pass-through.
type CircuitBreakerCache struct {
	inner Cache
	cb    *circuitbreaker.Wrapper
}

func NewCircuitBreakerCache(inner Cache, cfg config.CircuitBreakerConfig) *CircuitBreakerCache {
	if !cfg.Enabled {
		return &CircuitBreakerCache{inner: inner}
	}

	return &CircuitBreakerCache{
		inner: inner,
		cb:    circuitbreaker.NewWrapper(circuitbreaker.FromConfig("redis-cache", cfg)),
	}
}

type getResult struct {
	val  string
	miss bool
}

func (c *CircuitBreakerCache) Get(ctx context.Context, key string) (string, error) {
	if c.cb == nil {
		return c.inner.Get(ctx, key)
	}

	// A miss is a healthy response from the backend; it must not count
	// against the breaker, so it travels as a value, not an error.
	result, err := c.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		val, err := c.inner.Get(ctx, key)
		if err == ErrCacheMiss {
			return getResult{miss: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return getResult{val: val}, nil
	})

	c.cb.RecordRequest(err == nil)

	if err != nil {
		if c.cb.IsOpen() {
			return "", fmt.Errorf("circuit breaker is open for redis-cache: %w", err)
		}
		return "", err
	}

	res, ok := result.(getResult)
	if !ok {
		return "", fmt.Errorf("cache returned invalid result type")
	}
	if res.miss {
		return "", ErrCacheMiss
	}

	return res.val, nil
}

func (c *CircuitBreakerCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.cb == nil {
		return c.inner.Set(ctx, key, value, ttl)
	}

	_, err := c.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, c.inner.Set(ctx, key, value, ttl)
	})

	c.cb.RecordRequest(err == nil)

	if err != nil && c.cb.IsOpen() {
		return fmt.Errorf("circuit breaker is open for redis-cache: %w", err)
	}
	return err
}

func (c *CircuitBreakerCache) Exists(ctx context.Context, key string) (bool, error) {
	if c.cb == nil {
		return c.inner.Exists(ctx, key)
	}

	result, err := c.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return c.inner.Exists(ctx, key)
	})

	c.cb.RecordRequest(err == nil)

	if err != nil {
		if c.cb.IsOpen() {
			return false, fmt.Errorf("circuit breaker is open for redis-cache: %w", err)
		}
		return false, err
	}

	found, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("cache returned invalid result type")
	}

	return found, nil
}

func (c *CircuitBreakerCache) State() string {
	if c.cb == nil {
		return "disabled"
	}
	return c.cb.State().String()
}

func (c *CircuitBreakerCache) IsOpen() bool {
	if c.cb == nil {
		return false
	}
	return c.cb.IsOpen()
}
