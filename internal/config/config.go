package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"development"`
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RedisURL  string `env:"REDIS_URL" envDefault:"localhost:6379"`
	RedisPass string `env:"REDIS_PASS"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret      string        `env:"JWT_SECRET"`
	JWTIssuer      string        `env:"JWT_ISSUER" envDefault:"arena-control"`
	JWTTTL         time.Duration `env:"JWT_TTL" envDefault:"1h"`
	JWTInstanceTTL time.Duration `env:"JWT_INSTANCE_TTL" envDefault:"720h"`

	GSBinary           string        `env:"GS_BINARY"`
	GSArgs             []string      `env:"GS_ARGS" envSeparator:" "`
	GSHost             string        `env:"GS_HOST" envDefault:"127.0.0.1"`
	GSBasePort         int           `env:"GS_BASE_PORT" envDefault:"7000"`
	GSInstances        int           `env:"GS_INSTANCES" envDefault:"1"`
	GSCallTimeout      time.Duration `env:"GS_CALL_TIMEOUT" envDefault:"15s"`
	GSHandshakeTimeout time.Duration `env:"GS_HANDSHAKE_TIMEOUT" envDefault:"30s"`

	RealmURL         string        `env:"REALM_URL"`
	RealmCallTimeout time.Duration `env:"REALM_CALL_TIMEOUT" envDefault:"10s"`

	RewardItemAmountPerLegitPlayer   float64 `env:"REWARD_ITEM_PER_LEGIT_PLAYER" envDefault:"1"`
	RewardItemAmountMax              float64 `env:"REWARD_ITEM_MAX" envDefault:"20"`
	RewardWinnerAmountPerLegitPlayer float64 `env:"REWARD_WINNER_PER_LEGIT_PLAYER" envDefault:"5"`
	RewardWinnerAmountMax            float64 `env:"REWARD_WINNER_MAX" envDefault:"80"`

	WatchdogEnabled      bool   `env:"WATCHDOG_ENABLED" envDefault:"true"`
	WatchdogThresholdMiB uint64 `env:"WATCHDOG_THRESHOLD_MIB" envDefault:"200"`
	WatchdogFailFast     bool   `env:"WATCHDOG_FAIL_FAST" envDefault:"false"`

	RateLimitCalls int `env:"RATE_LIMIT_CALLS" envDefault:"120"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.GSBasePort <= 0 || c.GSBasePort > 65535 {
		return fmt.Errorf("GS_BASE_PORT out of range: %d", c.GSBasePort)
	}
	if c.GSInstances < 1 {
		return fmt.Errorf("GS_INSTANCES must be at least 1, got %d", c.GSInstances)
	}
	if c.GSCallTimeout <= 0 || c.GSHandshakeTimeout <= 0 || c.RealmCallTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.RewardItemAmountMax < 0 || c.RewardWinnerAmountMax < 0 {
		return fmt.Errorf("reward maximums must not be negative")
	}
	if c.WatchdogThresholdMiB == 0 {
		return fmt.Errorf("WATCHDOG_THRESHOLD_MIB must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
