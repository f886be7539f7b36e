// Package server provides configuration helpers that define runtime defaults,
// environment loading, and validation for the chat relay.
package server

import (
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Config holds the server configuration settings.
type Config struct {
	Addr              string        `env:"CHAT_ADDR,default=:3000" validate:"required"`
	StaticDir         string        `env:"CHAT_STATIC_DIR"`
	HeartbeatInterval time.Duration `env:"CHAT_HEARTBEAT_INTERVAL,default=30s" validate:"gt=0"`
	AllowedOrigins    string        `env:"CHAT_ALLOWED_ORIGINS"`
	MaxMessageSize    int           `env:"CHAT_MAX_MESSAGE_SIZE,default=4096" validate:"min=1"`
	SendBuffer        int           `env:"CHAT_SEND_BUFFER,default=256" validate:"min=1"`
	RateLimitBurst    int           `env:"CHAT_RATE_LIMIT_BURST,default=10" validate:"min=1"`
	RateLimitInterval time.Duration `env:"CHAT_RATE_LIMIT_INTERVAL,default=1s" validate:"gt=0"`
	MetricsInterval   time.Duration `env:"CHAT_METRICS_INTERVAL,default=60s" validate:"gte=0"`
	ShutdownTimeout   time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`
	LogLevel          string        `env:"CHAT_LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
	LogPretty         bool          `env:"CHAT_LOG_PRETTY,default=false"`
}

var configValidator = validator.New()

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() Config {
	return Config{
		Addr:              ":3000",
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    4096,
		SendBuffer:        256,
		RateLimitBurst:    10,
		RateLimitInterval: time.Second,
		MetricsInterval:   60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		LogLevel:          "info",
	}
}

// NewConfigFromEnv loads an optional dotenv file and then reads the process
// environment. Unset variables take their defaults.
func NewConfigFromEnv(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load env file")
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// Origins returns the configured origin allow list.
func (c Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

func parseOrigins(origins string) []string {
	parts := lo.Map(strings.Split(origins, ","), func(part string, _ int) string {
		return strings.TrimSpace(part)
	})
	return lo.Compact(parts)
}
