package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// envKeys are the config keys that may be overridden from the
// environment. AutomaticEnv only resolves keys viper has already seen,
// so each one is bound explicitly; the variable name is the key
// upper-cased with dots replaced by underscores, e.g.
// broker.amqp.host -> BROKER_AMQP_HOST.
var envKeys = []string{
	"server.port",
	"server.read_timeout_seconds",
	"server.write_timeout_seconds",
	"broker.amqp.host",
	"broker.amqp.port",
	"broker.amqp.user",
	"broker.amqp.password",
	"broker.amqp.vhost",
	"broker.amqp.prefetch",
	"database.postgres.host",
	"database.postgres.port",
	"database.postgres.user",
	"database.postgres.password",
	"database.postgres.dbname",
	"database.postgres.sslmode",
	"database.redis.host",
	"database.redis.port",
	"database.redis.password",
	"database.redis.db",
	"ingestion.dedup.enabled",
	"ingestion.dedup.ttl_seconds",
	"ingestion.dedup.on_cache_error",
	"logging.level",
	"logging.format",
	"tracing.enabled",
	"tracing.service_name",
	"tracing.otlp.endpoint",
	"tracing.otlp.insecure",
}

// Load reads the YAML config file, applies environment overrides, and
// validates the result.
func Load(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range envKeys {
		viper.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}
}
