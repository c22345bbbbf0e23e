package config

import (
	"errors"
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateStatic checks everything that can be verified without touching
// the network. Dial-time failures are left to the bootstrap retry loop.
func ValidateStatic(cfg *Config) error {
	errs := []error{
		validateServer(cfg.Server),
		validateBroker(cfg.Broker),
		validatePostgres(cfg.Database.Postgres),
		validateRedis(cfg.Database.Redis),
		validateIngestion(cfg.Ingestion),
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", port),
		}
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if err := validatePort("server.port", cfg.Port); err != nil {
		return err
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{Field: "server.read_timeout_seconds", Message: "read timeout must be positive"}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{Field: "server.write_timeout_seconds", Message: "write timeout must be positive"}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "amqp":
		return validateAMQP(cfg.AMQP)
	case "":
		return &ValidationError{Field: "broker.type", Message: "broker type is required"}
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: amqp)", cfg.Type),
		}
	}
}

func validateAMQP(cfg AMQPConfig) error {
	if cfg.Host == "" {
		return &ValidationError{Field: "broker.amqp.host", Message: "AMQP host is required"}
	}

	if err := validatePort("broker.amqp.port", cfg.Port); err != nil {
		return err
	}

	if cfg.Prefetch < 0 {
		return &ValidationError{Field: "broker.amqp.prefetch", Message: "prefetch must be non-negative"}
	}

	if cfg.PublishTimeout < 0 {
		return &ValidationError{Field: "broker.amqp.publish_timeout", Message: "publish_timeout must be non-negative"}
	}

	if cfg.Reconnect.Delay < 0 {
		return &ValidationError{Field: "broker.amqp.reconnect.delay", Message: "reconnect delay must be non-negative"}
	}

	if cfg.Reconnect.MaxAttempts < 0 {
		return &ValidationError{Field: "broker.amqp.reconnect.max_attempts", Message: "reconnect max_attempts must be non-negative"}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	required := []struct {
		field, value, message string
	}{
		{"database.postgres.host", cfg.Host, "PostgreSQL host is required"},
		{"database.postgres.user", cfg.User, "PostgreSQL user is required"},
		{"database.postgres.dbname", cfg.DBName, "PostgreSQL database name is required"},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: r.field, Message: r.message}
		}
	}

	if err := validatePort("database.postgres.port", cfg.Port); err != nil {
		return err
	}

	switch strings.ToLower(cfg.SSLMode) {
	case "", "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{Field: "database.redis.host", Message: "Redis host is required"}
	}

	return validatePort("database.redis.port", cfg.Port)
}

func validateIngestion(cfg IngestionConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{Field: "ingestion.max_attempts", Message: "max_attempts must be non-negative"}
	}

	if cfg.CacheTTLSeconds < 0 {
		return &ValidationError{Field: "ingestion.cache_ttl_seconds", Message: "TTL must be non-negative"}
	}

	if cfg.Dedup.TTLSeconds < 0 {
		return &ValidationError{Field: "ingestion.dedup.ttl_seconds", Message: "TTL must be non-negative"}
	}

	switch strings.ToLower(cfg.Dedup.OnCacheError) {
	case "", "allow", "deny":
	default:
		return &ValidationError{
			Field:   "ingestion.dedup.on_cache_error",
			Message: fmt.Sprintf("invalid on_cache_error value: %s (valid: allow, deny)", cfg.Dedup.OnCacheError),
		}
	}

	return nil
}
