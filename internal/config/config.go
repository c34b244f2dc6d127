package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StrategySpread = "spread"
	StrategyPack   = "pack"
	StrategyRandom = "random"
)

// Config carries the coordinator tuning knobs. Values load from an
// optional YAML file, then environment variables override.
type Config struct {
	SchedulerStrategy    string `yaml:"scheduler_strategy"`
	TimeTickIntervalS    int    `yaml:"time_tick_interval_s"`
	ReconcileIntervalS   int    `yaml:"reconcile_interval_s"`
	HeartbeatIntervalS   int    `yaml:"heartbeat_interval_s"`
	NodeStaleThresholdS  int    `yaml:"node_stale_threshold_s"`
	OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
	ReactorDebounceS     int    `yaml:"reactor_debounce_s"`

	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"`
}

func Default() Config {
	return Config{
		SchedulerStrategy:    StrategySpread,
		TimeTickIntervalS:    5,
		ReconcileIntervalS:   30,
		HeartbeatIntervalS:   5,
		NodeStaleThresholdS:  30,
		OverloadThresholdPct: 90,
		ReactorDebounceS:     30,
		ListenAddr:           ":7420",
	}
}

// Load reads the optional config file named by FLOCK_CONFIG_FILE,
// then applies FLOCK_* environment overrides, then validates.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("FLOCK_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.SchedulerStrategy = getenv("FLOCK_SCHEDULER_STRATEGY", cfg.SchedulerStrategy)
	cfg.TimeTickIntervalS = getenvInt("FLOCK_TIME_TICK_INTERVAL_S", cfg.TimeTickIntervalS)
	cfg.ReconcileIntervalS = getenvInt("FLOCK_RECONCILE_INTERVAL_S", cfg.ReconcileIntervalS)
	cfg.HeartbeatIntervalS = getenvInt("FLOCK_HEARTBEAT_INTERVAL_S", cfg.HeartbeatIntervalS)
	cfg.NodeStaleThresholdS = getenvInt("FLOCK_NODE_STALE_THRESHOLD_S", cfg.NodeStaleThresholdS)
	cfg.OverloadThresholdPct = getenvInt("FLOCK_OVERLOAD_THRESHOLD_PCT", cfg.OverloadThresholdPct)
	cfg.ReactorDebounceS = getenvInt("FLOCK_REACTOR_DEBOUNCE_S", cfg.ReactorDebounceS)
	cfg.ListenAddr = getenv("FLOCK_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseURL = getenv("FLOCK_DATABASE_URL", cfg.DatabaseURL)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.SchedulerStrategy {
	case StrategySpread, StrategyPack, StrategyRandom:
	default:
		return fmt.Errorf("scheduler_strategy must be spread, pack, or random, got %q", c.SchedulerStrategy)
	}
	if c.TimeTickIntervalS < 1 {
		return fmt.Errorf("time_tick_interval_s must be >= 1, got %d", c.TimeTickIntervalS)
	}
	if c.ReconcileIntervalS < c.TimeTickIntervalS {
		return fmt.Errorf("reconcile_interval_s must be >= time_tick_interval_s, got %d", c.ReconcileIntervalS)
	}
	if c.HeartbeatIntervalS < 1 {
		return fmt.Errorf("heartbeat_interval_s must be >= 1, got %d", c.HeartbeatIntervalS)
	}
	if c.NodeStaleThresholdS < 1 {
		return fmt.Errorf("node_stale_threshold_s must be >= 1, got %d", c.NodeStaleThresholdS)
	}
	if c.OverloadThresholdPct < 0 || c.OverloadThresholdPct > 100 {
		return fmt.Errorf("overload_threshold_pct must be 0..100, got %d", c.OverloadThresholdPct)
	}
	if c.ReactorDebounceS < 1 {
		return fmt.Errorf("reactor_debounce_s must be >= 1, got %d", c.ReactorDebounceS)
	}
	return nil
}

func (c Config) TimeTickInterval() time.Duration  { return time.Duration(c.TimeTickIntervalS) * time.Second }
func (c Config) ReconcileInterval() time.Duration { return time.Duration(c.ReconcileIntervalS) * time.Second }
func (c Config) ReactorDebounce() time.Duration   { return time.Duration(c.ReactorDebounceS) * time.Second }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
