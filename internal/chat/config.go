package chat

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultInterfaceName = "org.alljoyn.bus.samples.chat"
	DefaultNamePrefix    = "org.alljoyn.bus.samples.chat."
	DefaultObjectPath    = "/chatService"
)

var validate = validator.New()

// Config holds the identifiers and limits of a chat session.
type Config struct {
	BusURL        string `env:"CHAT_BUS_URL,default=ws://localhost:9955/bus" validate:"required,url"`
	InterfaceName string `env:"CHAT_INTERFACE_NAME,default=org.alljoyn.bus.samples.chat" validate:"required"`
	NamePrefix    string `env:"CHAT_NAME_PREFIX,default=org.alljoyn.bus.samples.chat." validate:"required"`
	ObjectPath    string `env:"CHAT_OBJECT_PATH,default=/chatService" validate:"required,startswith=/"`
	Handle        string `env:"CHAT_HANDLE" validate:"max=64"`

	ConnectTimeout   time.Duration `env:"CHAT_CONNECT_TIMEOUT,default=5s"`
	DiscoveryTimeout time.Duration `env:"CHAT_DISCOVERY_TIMEOUT,default=5s"`
	JoinTimeout      time.Duration `env:"CHAT_JOIN_TIMEOUT,default=15s"`
	WriteTimeout     time.Duration `env:"CHAT_WRITE_TIMEOUT,default=5s"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		BusURL:           "ws://localhost:9955/bus",
		InterfaceName:    DefaultInterfaceName,
		NamePrefix:       DefaultNamePrefix,
		ObjectPath:       DefaultObjectPath,
		ConnectTimeout:   5 * time.Second,
		DiscoveryTimeout: 5 * time.Second,
		JoinTimeout:      15 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// LoadConfig reads the configuration from the environment and an optional .env file.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("load chat config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the identifiers and timeouts.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid chat config: %w", err)
	}
	return nil
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InterfaceName == "" {
		c.InterfaceName = d.InterfaceName
	}
	if c.NamePrefix == "" {
		c.NamePrefix = d.NamePrefix
	}
	if c.ObjectPath == "" {
		c.ObjectPath = d.ObjectPath
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}
