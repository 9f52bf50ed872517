// Package config loads the service's environment configuration, using the
// same caarlos0/env + godotenv combination the teacher uses.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every configuration option the service recognizes.
type Config struct {
	Port int `env:"PORT" envDefault:"3000"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`

	BinanceSpotWSBase   string   `env:"BINANCE_SPOT_WS_BASE" envDefault:"wss://stream.binance.com:9443"`
	BinanceSpotRESTBase string   `env:"BINANCE_SPOT_REST_BASE" envDefault:"https://api.binance.com"`
	BinanceStreams      []string `env:"BINANCE_STREAMS" envDefault:"btcusdt@miniTicker" envSeparator:","`

	PriceQueueName string `env:"PRICE_QUEUE_NAME" envDefault:"price"`
	NATSUrl        string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	MongoURI string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017/chart_db"`

	FrontendURL string `env:"FRONTEND_URL" envDefault:"*"`

	// Ambient / admission-control knobs carried from the teacher's
	// ResourceGuard, not part of the distilled spec's configuration table
	// but needed by the admission controller in internal/gateway.
	MaxConnections     int     `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MaxBroadcastRate   int     `env:"WS_MAX_BROADCAST_RATE" envDefault:"2000"`

	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the process
// environment, validates it, and returns the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("info: no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks configured values for obviously unusable settings.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("PORT must be > 0, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold <= 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be in (0,100], got %.1f", c.CPURejectThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}

	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("LOG_FORMAT must be one of json/pretty, got %q", c.LogFormat)
	}

	return nil
}

// LogConfig emits the loaded configuration as a single structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Str("nats_url", c.NATSUrl).
		Str("mongo_uri", redact(c.MongoURI)).
		Str("binance_ws_base", c.BinanceSpotWSBase).
		Str("binance_rest_base", c.BinanceSpotRESTBase).
		Strs("binance_streams", c.BinanceStreams).
		Str("price_queue", c.PriceQueueName).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}

// redact hides credentials embedded in a connection URI before logging it.
func redact(uri string) string {
	at := strings.Index(uri, "@")
	scheme := strings.Index(uri, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return uri
	}
	return uri[:scheme+3] + "***" + uri[at:]
}
