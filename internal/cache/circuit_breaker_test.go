package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/config"
)

type stubCache struct {
	values   map[string]string
	fail     bool
	getCalls int
	setCalls int
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[string]string)}
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getCalls++
	if s.fail {
		return "", fmt.Errorf("connection refused")
	}
	val, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return val, nil
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.setCalls++
	if s.fail {
		return fmt.Errorf("connection refused")
	}
	s.values[key] = fmt.Sprintf("%v", value)
	return nil
}

func (s *stubCache) Exists(ctx context.Context, key string) (bool, error) {
	if s.fail {
		return false, fmt.Errorf("connection refused")
	}
	_, ok := s.values[key]
	return ok, nil
}

func breakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

func TestCircuitBreakerCacheDisabledPassesThrough(t *testing.T) {
	stub := newStubCache()
	cbCache := NewCircuitBreakerCache(stub, config.CircuitBreakerConfig{Enabled: false})

	require.NoError(t, cbCache.Set(context.Background(), "k", "v", time.Minute))

	val, err := cbCache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
	assert.Equal(t, "disabled", cbCache.State())
}

func TestCircuitBreakerCacheMissIsNotAFailure(t *testing.T) {
	stub := newStubCache()
	cbCache := NewCircuitBreakerCache(stub, breakerConfig())

	for i := 0; i < 10; i++ {
		_, err := cbCache.Get(context.Background(), "absent")
		assert.ErrorIs(t, err, ErrCacheMiss)
	}

	assert.False(t, cbCache.IsOpen(), "misses must not trip the breaker")
}

func TestCircuitBreakerCacheOpensAfterFailures(t *testing.T) {
	stub := newStubCache()
	stub.fail = true
	cbCache := NewCircuitBreakerCache(stub, breakerConfig())

	for i := 0; i < 5; i++ {
		_, _ = cbCache.Get(context.Background(), "k")
	}

	require.True(t, cbCache.IsOpen())

	callsBefore := stub.getCalls
	_, err := cbCache.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, callsBefore, stub.getCalls, "open breaker must short-circuit the backend")
}

func TestCircuitBreakerCacheExistsAndSet(t *testing.T) {
	stub := newStubCache()
	cbCache := NewCircuitBreakerCache(stub, breakerConfig())

	found, err := cbCache.Exists(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cbCache.Set(context.Background(), "k", "v", time.Minute))

	found, err = cbCache.Exists(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "dedup:ext-1:conv-1", DedupKey("ext-1", "conv-1"))
	assert.Equal(t, "dedup:ext-1:", DedupKey("ext-1", ""))
	assert.Equal(t, "msg:m-1", MessageKey("m-1"))
}
