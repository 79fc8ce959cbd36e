package main

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Host              string        `env:"BUS_HOST,default=0.0.0.0"`
	Port              int           `env:"BUS_PORT,default=9955" validate:"min=1,max=65535"`
	LogLevel          string        `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn warning error"`
	JoinTimeout       time.Duration `env:"JOIN_TIMEOUT,default=10s" validate:"gt=0"`
	MaxPeers          int           `env:"MAX_PEERS,default=0" validate:"min=0"`
	MaxSessions       int           `env:"MAX_SESSIONS,default=0" validate:"min=0"`
	HistorySize       int           `env:"HISTORY_SIZE,default=200" validate:"min=1"`
	ReservedNamesFile string        `env:"RESERVED_NAMES_FILE"`
}

func loadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
