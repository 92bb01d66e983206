package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server struct {
		Addr            string `toml:"addr"`
		ReadTimeoutSec  int    `toml:"read_timeout_sec"`
		WriteTimeoutSec int    `toml:"write_timeout_sec"`
	} `toml:"server"`

	Storage struct {
		Driver string `toml:"driver"` // sqlite | postgres
		SQLite struct {
			Path string `toml:"path"`
		} `toml:"sqlite"`
		Postgres struct {
			DSN string `toml:"dsn"`
		} `toml:"postgres"`
		TxTimeoutMs int `toml:"tx_timeout_ms"`
	} `toml:"storage"`

	Admission struct {
		RateWindowMs      int `toml:"rate_window_ms"`
		RateMaxRequests   int `toml:"rate_max_requests"`
		MaxBodyBytes      int `toml:"max_body_bytes"`
		ReplayDriftMs     int `toml:"replay_drift_ms"`
		IdempotencyTTLh   int `toml:"idempotency_ttl_h"`
		BreakerFailures   int `toml:"breaker_failures"`
		BreakerCooldownMs int `toml:"breaker_cooldown_ms"`
	} `toml:"admission"`

	Wal struct {
		StuckAfterMs    int `toml:"stuck_after_ms"`
		RecoveryEveryMs int `toml:"recovery_every_ms"`
		RetentionHours  int `toml:"retention_hours"`
	} `toml:"wal"`

	Retry struct {
		MaxRetries     int     `toml:"max_retries"`
		InitialDelayMs int     `toml:"initial_delay_ms"`
		Multiplier     float64 `toml:"multiplier"`
		MaxDelayMs     int     `toml:"max_delay_ms"`
		SweepEveryMs   int     `toml:"sweep_every_ms"`
		DrainLimit     int     `toml:"drain_limit"`
	} `toml:"retry"`

	Redis struct {
		Enabled      bool   `toml:"enabled"`
		Addr         string `toml:"addr"`
		Password     string `toml:"password"`
		DB           int    `toml:"db"`
		EventStream  string `toml:"event_stream"`
		EventChannel string `toml:"event_channel"`
	} `toml:"redis"`

	Feed struct {
		Enabled bool `toml:"enabled"` // websocket live event feed at /ws
	} `toml:"feed"`

	Strategies struct {
		Symbols []string `toml:"symbols"`
	} `toml:"strategies"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeoutSec <= 0 {
		cfg.Server.ReadTimeoutSec = 10
	}
	if cfg.Server.WriteTimeoutSec <= 0 {
		cfg.Server.WriteTimeoutSec = 15
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/signalpipe.db"
	}
	if cfg.Storage.TxTimeoutMs <= 0 {
		cfg.Storage.TxTimeoutMs = 5000
	}
	if cfg.Admission.RateWindowMs <= 0 {
		cfg.Admission.RateWindowMs = 60000
	}
	if cfg.Admission.RateMaxRequests <= 0 {
		cfg.Admission.RateMaxRequests = 60
	}
	if cfg.Admission.MaxBodyBytes <= 0 {
		cfg.Admission.MaxBodyBytes = 10 * 1024
	}
	if cfg.Admission.ReplayDriftMs <= 0 {
		cfg.Admission.ReplayDriftMs = 5 * 60 * 1000
	}
	if cfg.Admission.IdempotencyTTLh <= 0 {
		cfg.Admission.IdempotencyTTLh = 24
	}
	if cfg.Admission.BreakerFailures <= 0 {
		cfg.Admission.BreakerFailures = 5
	}
	if cfg.Admission.BreakerCooldownMs <= 0 {
		cfg.Admission.BreakerCooldownMs = 30000
	}
	if cfg.Wal.StuckAfterMs <= 0 {
		cfg.Wal.StuckAfterMs = 5 * 60 * 1000
	}
	if cfg.Wal.RecoveryEveryMs <= 0 {
		cfg.Wal.RecoveryEveryMs = 60000
	}
	if cfg.Wal.RetentionHours <= 0 {
		cfg.Wal.RetentionHours = 7 * 24
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 5
	}
	if cfg.Retry.InitialDelayMs <= 0 {
		cfg.Retry.InitialDelayMs = 1000
	}
	if cfg.Retry.Multiplier <= 1 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelayMs <= 0 {
		cfg.Retry.MaxDelayMs = 300000
	}
	if cfg.Retry.SweepEveryMs <= 0 {
		cfg.Retry.SweepEveryMs = 5000
	}
	if cfg.Retry.DrainLimit <= 0 {
		cfg.Retry.DrainLimit = 50
	}
	if cfg.Redis.EventStream == "" {
		cfg.Redis.EventStream = "signalpipe:events"
	}
	if cfg.Redis.EventChannel == "" {
		cfg.Redis.EventChannel = "signalpipe:events:pub"
	}
	cfg.Strategies.Symbols = normalizeSymbols(cfg.Strategies.Symbols)
}

func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.SQLite.Path) == "" {
			return errors.New("storage.sqlite.path is empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
			return errors.New("storage.postgres.dsn empty but driver is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	return nil
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Duration helpers so call sites read naturally.

func (c *Config) TxTimeout() time.Duration {
	return time.Duration(c.Storage.TxTimeoutMs) * time.Millisecond
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Admission.RateWindowMs) * time.Millisecond
}

func (c *Config) ReplayDrift() time.Duration {
	return time.Duration(c.Admission.ReplayDriftMs) * time.Millisecond
}

func (c *Config) IdempotencyTTL() time.Duration { return time.Duration(c.Admission.IdempotencyTTLh) * time.Hour }

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Admission.BreakerCooldownMs) * time.Millisecond
}

func (c *Config) WalStuckAfter() time.Duration { return time.Duration(c.Wal.StuckAfterMs) * time.Millisecond }

func (c *Config) WalRecoveryEvery() time.Duration {
	return time.Duration(c.Wal.RecoveryEveryMs) * time.Millisecond
}

func (c *Config) WalRetention() time.Duration { return time.Duration(c.Wal.RetentionHours) * time.Hour }

func (c *Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.Retry.InitialDelayMs) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration { return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond }

func (c *Config) RetrySweepEvery() time.Duration {
	return time.Duration(c.Retry.SweepEveryMs) * time.Millisecond
}
