package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

type Config struct {
	Addr      string `envconfig:"addr" default:"127.0.0.1:3000"`
	Env       string `envconfig:"env" default:"dev"`
	LogLevel  string `envconfig:"log_level" default:"info"`
	LogFormat string `envconfig:"log_format" default:"json"`

	Backend     string `envconfig:"backend" default:"memory"`
	PostgresDSN string `envconfig:"postgres_dsn"`
	SQLDebug    bool   `envconfig:"sql_debug"`
	// SeedProfiles provisions profiles in the memory backend, each as
	// id:username or id:username:admin.
	SeedProfiles []string `envconfig:"seed_profiles"`

	Feed         string `envconfig:"feed" default:"memory"`
	RedisAddr    string `envconfig:"redis_addr"`
	RedisChannel string `envconfig:"redis_channel" default:"pelusa:changes"`

	VoiceCapture        bool          `envconfig:"voice_capture"`
	SubscribeRetries    uint64        `envconfig:"subscribe_retries" default:"5"`
	SubscribeBackoffMax time.Duration `envconfig:"subscribe_backoff_max" default:"5s"`
	EventBuffer         int           `envconfig:"event_buffer" default:"64"`
	CommandRate         float64       `envconfig:"command_rate" default:"20"`
	CommandBurst        int           `envconfig:"command_burst" default:"40"`
}

// Load reads PELUSA_* variables. Outside release mode a ./.env file is
// loaded first when present.
func Load() (*Config, error) {
	if os.Getenv("PELUSA_ENV") != "release" {
		if err := godotenv.Load("./.env"); err != nil && !os.IsNotExist(err) {
			log.Printf("couldn't load env vars: %v", err)
		}
	}

	c := &Config{}
	if err := envconfig.Process("pelusa", c); err != nil {
		return nil, errors.Wrap(err, "process env")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("config: postgres backend needs PELUSA_POSTGRES_DSN")
		}
	default:
		return errors.Errorf("config: unknown backend %q", c.Backend)
	}
	switch c.Feed {
	case "memory":
		if c.Backend != "memory" {
			return errors.New("config: memory feed only works with the memory backend")
		}
	case "postgres":
		if c.Backend != "postgres" {
			return errors.New("config: postgres feed needs the postgres backend")
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("config: redis feed needs PELUSA_REDIS_ADDR")
		}
	default:
		return errors.Errorf("config: unknown feed %q", c.Feed)
	}
	if c.EventBuffer <= 0 {
		return errors.New("config: event buffer must be positive")
	}
	return nil
}
