package circuitbreaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"relay/internal/config"
	"relay/pkg/metrics"
)

// Config defines trip behavior for a named breaker. The breaker opens
// once at least MinRequests calls have been observed in the current
// Interval and their failure ratio reaches FailureRatio.
type Config struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultConfig trips after 3+ requests with a 50% failure ratio.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      60 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.5,
	}
}

// FromConfig overlays the service-level circuit breaker section onto the
// defaults for a named breaker. Unset fields keep their default.
func FromConfig(name string, cfg config.CircuitBreakerConfig) Config {
	out := DefaultConfig(name)
	if cfg.MaxRequests > 0 {
		out.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		out.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		out.Timeout = cfg.Timeout
	}
	if cfg.MinRequests > 0 {
		out.MinRequests = cfg.MinRequests
	}
	if cfg.FailureRatio > 0 {
		out.FailureRatio = cfg.FailureRatio
	}
	return out
}

// Wrapper guards calls to a dependency with a gobreaker circuit breaker
// and keeps the state gauge current.
type Wrapper struct {
	cb *gobreaker.CircuitBreaker
}

func NewWrapper(cfg Config) *Wrapper {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			reportState(name, to)
		},
	})

	reportState(cfg.Name, cb.State())

	return &Wrapper{cb: cb}
}

// ExecuteWithContext runs fn under the breaker. The context is checked
// before entering, so an already-cancelled call never touches the
// breaker's counts, and again inside the guarded call.
func (w *Wrapper) ExecuteWithContext(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return w.cb.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
}

func (w *Wrapper) State() gobreaker.State {
	return w.cb.State()
}

func (w *Wrapper) IsOpen() bool {
	return w.cb.State() == gobreaker.StateOpen
}

// RecordRequest feeds the request/failure counters for this breaker.
func (w *Wrapper) RecordRequest(success bool) {
	name := w.cb.Name()
	metrics.CircuitBreakerRequests.WithLabelValues(name, w.cb.State().String()).Inc()
	if !success {
		metrics.CircuitBreakerFailures.WithLabelValues(name).Inc()
	}
}

var stateGauge = map[gobreaker.State]float64{
	gobreaker.StateClosed:   0,
	gobreaker.StateHalfOpen: 1,
	gobreaker.StateOpen:     2,
}

func reportState(name string, state gobreaker.State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateGauge[state])
}
