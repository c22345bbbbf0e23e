package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/broker"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// DegradedError marks a check failure that lowers the overall status
// without declaring the component down, e.g. a broker reconnect in
// flight.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string {
	return e.Reason
}

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type CheckerRegistry struct {
	checkers []Checker
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, checker)
}

// Check runs every registered checker and reports the worst status seen.
func (r *CheckerRegistry) Check(ctx context.Context) Health {
	results := make(map[string]CheckResult, len(r.checkers))
	overall := StatusHealthy

	for _, checker := range r.checkers {
		result := resultFor(checker.Check(ctx))
		results[checker.Name()] = result

		if severity[result.Status] > severity[overall] {
			overall = result.Status
		}
	}

	return Health{
		Status:    overall,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

func resultFor(err error) CheckResult {
	result := CheckResult{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if err == nil {
		return result
	}

	result.Message = err.Error()
	result.Status = StatusUnhealthy

	var degraded *DegradedError
	if errors.As(err, &degraded) {
		result.Status = StatusDegraded
	}

	return result
}

const pingTimeout = 5 * time.Second

// PingChecker adapts a ping-style probe into a Checker with a bounded
// timeout per call.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func NewPostgreSQLChecker(db *sql.DB) *PingChecker {
	return &PingChecker{name: "postgresql", ping: db.PingContext}
}

func NewRedisChecker(client *redis.Client) *PingChecker {
	return &PingChecker{
		name: "redis",
		ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := c.ping(ctx); err != nil {
		return fmt.Errorf("%s ping failed: %w", c.name, err)
	}
	return nil
}

// ConnectionStateReporter is the slice of the broker the checker needs.
type ConnectionStateReporter interface {
	State() broker.ConnectionState
}

type BrokerChecker struct {
	reporter ConnectionStateReporter
}

func NewBrokerChecker(reporter ConnectionStateReporter) *BrokerChecker {
	return &BrokerChecker{reporter: reporter}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) error {
	switch c.reporter.State() {
	case broker.StateConnected:
		return nil
	case broker.StateConnecting:
		return &DegradedError{Reason: "broker connection is being re-established"}
	default:
		return fmt.Errorf("broker is disconnected")
	}
}
