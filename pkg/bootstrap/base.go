package bootstrap

import (
	"context"
	"fmt"
	"time"

	"relay/internal/broker"
	"relay/internal/config"
	"relay/internal/logger"
	"relay/pkg/retry"
)

// Base wires the pieces every command shares: configuration, logging,
// and a connected broker with the messaging topology in place.
type Base struct {
	Config *config.Config
	Logger logger.Logger
	Broker broker.Broker
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitBroker dials the broker, retrying transient startup failures, and
// declares the topology so publishers and consumers find it in place.
func (b *Base) InitBroker(ctx context.Context) error {
	br, err := broker.New(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	err = retry.RetryNotify(ctx, retry.DefaultPolicy(), func() error {
		return br.Connect(ctx)
	}, func(err error, next time.Duration) {
		b.Logger.Warnw("Broker connection failed, retrying", "error", err, "next_attempt_in", next)
	})
	if err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}

	if err := br.DeclareTopology(ctx, broker.DefaultTopology()); err != nil {
		br.Close()
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	b.Broker = br
	return nil
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Broker != nil {
		if err := b.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	errs = append(errs, b.ShutdownBroker()...)

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
