package broker

import (
	"fmt"

	"relay/internal/config"
	"relay/internal/logger"
)

// New builds a Broker for the configured backend. Only AMQP is
// implemented today; the factory keeps that decision in configuration
// rather than at the call sites.
func New(cfg config.BrokerConfig, log logger.Logger) (Broker, error) {
	switch cfg.Type {
	case "amqp":
		return NewAMQPBroker(cfg.AMQP, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
