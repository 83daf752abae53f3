package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. LIVEFLOW_NATS_URL.
const EnvPrefix = "LIVEFLOW"

// Load reads configuration from path (YAML, JSON or TOML by extension) and
// applies LIVEFLOW_* environment overrides. An empty path reads the
// environment only. Defaults are applied and the result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindKeys(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindKeys registers every mapstructure key so AutomaticEnv can resolve it
// during Unmarshal even when no config file mentions the key.
func bindKeys(v *viper.Viper) {
	for _, key := range []string{
		"pubsub_system", "kafka_brokers", "kafka_consumer_group", "rabbitmq_url",
		"nats_url", "nats_max_reconnects", "http_server_address", "http_publisher_url",
		"max_message_size", "poison_queue",
		"redis_url", "offline_store_driver", "offline_store_dsn",
		"sequencer_max_pending", "sequencer_flush_timeout",
		"delivery_timeout", "delivery_retention", "delivery_sweep_interval",
		"duplicate_window", "duplicate_capacity", "fanout_concurrency", "recipient_timeout",
		"suppress_provisional", "offline_queue_capacity", "offline_ttl",
		"offline_sweep_interval", "offline_batch_size", "offline_max_retries",
		"activity_timeout", "typing_timeout", "idle_timeout", "idle_sweep_interval",
		"quality_alpha", "quality_history", "reconnect_window", "probe_timeout",
		"metrics_enabled", "metrics_port", "api_enabled", "api_port", "api_cors_allowed_origins",
	} {
		_ = v.BindEnv(key)
	}
}
