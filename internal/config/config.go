// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/market-data-relay/internal/bridge"
	"github.com/YaganovValera/market-data-relay/internal/command"
	"github.com/YaganovValera/market-data-relay/internal/health"
	"github.com/YaganovValera/market-data-relay/internal/publisher"
	"github.com/YaganovValera/market-data-relay/internal/relay"
	"github.com/YaganovValera/market-data-relay/internal/worker"
	"github.com/YaganovValera/market-data-relay/pkg/kafka"
	"github.com/YaganovValera/market-data-relay/pkg/redisstore"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config — все настройки сервиса.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Upstream       relay.Config      `mapstructure:"upstream"`
	Bridge         bridge.Config     `mapstructure:"bridge"`
	Worker         worker.Config     `mapstructure:"worker"`
	Publisher      publisher.Config  `mapstructure:"publisher"`
	Command        command.Config    `mapstructure:"command"`
	Health         health.Config     `mapstructure:"health"`
	Redis          redisstore.Config `mapstructure:"redis"`
	Kafka          KafkaConfig       `mapstructure:"kafka"`
	Telemetry      Telemetry         `mapstructure:"telemetry"`
	Logging        Logging           `mapstructure:"logging"`
	HTTP           HTTPConfig        `mapstructure:"http"`
}

// KafkaConfig — настройки firehose. Выключен по умолчанию.
type KafkaConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Producer kafka.Config `mapstructure:",squash"`
}

// Telemetry хранит настройки OpenTelemetry.
type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otel_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// Logging хранит настройки логгера.
type Logging struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// HTTPConfig хранит конфигурацию HTTP-/metrics-сервера.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load загружает и валидирует конфиг. Если path пустой — читаются только ENV и defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "market-data-relay")
	v.SetDefault("service_version", "v1.0.0")

	// Upstream
	v.SetDefault("upstream.url", "")
	v.SetDefault("upstream.auth_token", "")
	v.SetDefault("upstream.heartbeat_interval", "4s")
	v.SetDefault("upstream.handshake_timeout", "15s")
	v.SetDefault("upstream.ack_timeout", "5s")
	v.SetDefault("upstream.max_reconnect_attempts", 10)

	// Bridge
	v.SetDefault("bridge.capacity", 1024)
	v.SetDefault("bridge.partitions", 4)
	v.SetDefault("bridge.overflow_policy", "drop_oldest")

	// Worker
	v.SetDefault("worker.handler_timeout", "5s")
	v.SetDefault("worker.drain_timeout", "10s")

	// Publisher
	v.SetDefault("publisher.key_prefix", "market:")
	v.SetDefault("publisher.record_ttl", "1h")
	v.SetDefault("publisher.notify_channel", "relay:data")
	v.SetDefault("publisher.kafka_topic", "market-data.raw")

	// Command
	v.SetDefault("command.channel", "relay:commands")
	v.SetDefault("command.result_key_prefix", "command_result:")
	v.SetDefault("command.result_ttl", "60s")
	v.SetDefault("command.timeout", "10s")

	// Health
	v.SetDefault("health.interval", "10s")
	v.SetDefault("health.health_key", "relay:health")
	v.SetDefault("health.health_ttl", "5m")
	v.SetDefault("health.stale_after", "30s")
	v.SetDefault("health.queue_depth_threshold", 3072) // 75% от ёмкости очереди по умолчанию
	v.SetDefault("health.sustain_window", "60s")

	// Redis
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	// Kafka (firehose выключен, пока явно не включат)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.required_acks", "all")
	v.SetDefault("kafka.timeout", "15s")
	v.SetDefault("kafka.compression", "none")

	// Telemetry
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", false)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.shutdown_timeout", "5s")

	// ---------- 2) ENV ----------
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     &cfg,
		DecodeHook: decodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// Upstream
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if c.Upstream.Heartbeat <= 0 {
		return fmt.Errorf("upstream.heartbeat_interval must be > 0")
	}
	if c.Upstream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("upstream.max_reconnect_attempts must be > 0")
	}

	// Bridge
	if c.Bridge.Capacity <= 0 {
		return fmt.Errorf("bridge.capacity must be > 0")
	}
	if c.Bridge.Partitions <= 0 {
		return fmt.Errorf("bridge.partitions must be > 0")
	}
	switch c.Bridge.Overflow {
	case bridge.DropOldest, bridge.RejectNewest:
	default:
		return fmt.Errorf("bridge.overflow_policy must be one of [drop_oldest, reject_newest]")
	}

	// Redis
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}

	// Kafka: брокеры обязательны только при включённом firehose
	if c.Kafka.Enabled && len(c.Kafka.Producer.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka.enabled")
	}

	// Telemetry
	if c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// HTTP
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be > 0")
	}

	return nil
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print выводит текущий конфиг в JSON (удобно в DevMode).
// Токен аутентификации не печатается.
func (c *Config) Print() {
	clone := *c
	if clone.Upstream.AuthToken != "" {
		clone.Upstream.AuthToken = "***"
	}
	b, _ := json.MarshalIndent(clone, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
