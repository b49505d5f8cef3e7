package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Env holds infrastructure settings that never live in planline.yml.
type Env struct {
	LogLevel      string        `env:"PLANLINE_LOG_LEVEL" envDefault:"info"`
	JWTSecret     string        `env:"PLANLINE_JWT_SECRET"`
	CORSOrigins   []string      `env:"PLANLINE_CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	AMQPURL       string        `env:"PLANLINE_AMQP_URL"`
	AMQPExchange  string        `env:"PLANLINE_AMQP_EXCHANGE" envDefault:"planline.events"`
	RedisAddr     string        `env:"PLANLINE_REDIS_ADDR"`
	RedisPassword string        `env:"PLANLINE_REDIS_PASSWORD"`
	RedisDB       int           `env:"PLANLINE_REDIS_DB" envDefault:"0"`
	DedupTTL      time.Duration `env:"PLANLINE_DEDUP_TTL" envDefault:"24h"`
	RelayInterval time.Duration `env:"PLANLINE_RELAY_INTERVAL" envDefault:"2s"`
	RelayBatch    int           `env:"PLANLINE_RELAY_BATCH" envDefault:"100"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadEnv parses Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return Env{}, err
	}
	return e, nil
}
