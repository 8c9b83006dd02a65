package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis  RedisConfig
	Server ServerConfig
	Escrow EscrowConfig
	Lock   LockConfig
	Events EventsConfig
	Auth   AuthConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type EscrowConfig struct {
	// PartialRedemption is "retain" or "refund".
	PartialRedemption string `mapstructure:"partial_redemption"`
}

type LockConfig struct {
	Mode         string `mapstructure:"mode"` // "local" or "redis"
	ExpirySec    int64  `mapstructure:"expiry_sec"`
	Tries        int    `mapstructure:"tries"`
	RetryDelayMs int64  `mapstructure:"retry_delay_ms"`
}

type EventsConfig struct {
	Queue         string `mapstructure:"queue"`
	DLQ           string `mapstructure:"dlq"`
	PopTimeoutSec int64  `mapstructure:"pop_timeout_sec"`
	// Consume runs the in-process event consumer next to the API.
	Consume bool `mapstructure:"consume"`
}

type AuthConfig struct {
	MaxFutureWindowSec int64 `mapstructure:"max_future_window_sec"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("escrow.partial_redemption", "retain")
	v.SetDefault("lock.mode", "redis")
	v.SetDefault("lock.expiry_sec", 10)
	v.SetDefault("lock.tries", 32)
	v.SetDefault("lock.retry_delay_ms", 50)
	v.SetDefault("events.queue", "voucher:events")
	v.SetDefault("events.dlq", "voucher:events:dlq")
	v.SetDefault("events.pop_timeout_sec", 5)
	v.SetDefault("events.consume", true)
	v.SetDefault("auth.max_future_window_sec", 300)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"server.port":                "PORT",
		"escrow.partial_redemption":  "PARTIAL_REDEMPTION",
		"lock.mode":                  "LOCK_MODE",
		"lock.expiry_sec":            "LOCK_EXPIRY_SEC",
		"lock.tries":                 "LOCK_TRIES",
		"lock.retry_delay_ms":        "LOCK_RETRY_DELAY_MS",
		"events.queue":               "EVENTS_QUEUE",
		"events.dlq":                 "EVENTS_DLQ",
		"events.pop_timeout_sec":     "EVENTS_POP_TIMEOUT_SEC",
		"events.consume":             "EVENTS_CONSUME",
		"auth.max_future_window_sec": "AUTH_MAX_FUTURE_WINDOW_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: REDIS_ADDR")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Server.Port)
	}
	switch c.Escrow.PartialRedemption {
	case "retain", "refund":
	default:
		return fmt.Errorf("invalid PARTIAL_REDEMPTION %q (want retain or refund)", c.Escrow.PartialRedemption)
	}
	switch c.Lock.Mode {
	case "local", "redis":
	default:
		return fmt.Errorf("invalid LOCK_MODE %q (want local or redis)", c.Lock.Mode)
	}
	if c.Lock.ExpirySec <= 0 || c.Lock.Tries <= 0 || c.Lock.RetryDelayMs <= 0 {
		return fmt.Errorf("LOCK_EXPIRY_SEC, LOCK_TRIES and LOCK_RETRY_DELAY_MS must be positive")
	}
	if c.Events.Queue == "" || c.Events.DLQ == "" {
		return fmt.Errorf("required config missing: EVENTS_QUEUE / EVENTS_DLQ")
	}
	if c.Events.Queue == c.Events.DLQ {
		return fmt.Errorf("EVENTS_QUEUE and EVENTS_DLQ must differ")
	}
	if c.Events.PopTimeoutSec <= 0 {
		return fmt.Errorf("EVENTS_POP_TIMEOUT_SEC must be positive")
	}
	if c.Auth.MaxFutureWindowSec <= 0 {
		return fmt.Errorf("AUTH_MAX_FUTURE_WINDOW_SEC must be positive")
	}
	return nil
}
