package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SchedulerStrategy != StrategySpread {
		t.Fatalf("default strategy = %q", cfg.SchedulerStrategy)
	}
	if cfg.ListenAddr != ":7420" {
		t.Fatalf("default listen addr = %q", cfg.ListenAddr)
	}
	if cfg.TimeTickInterval() != 5*time.Second {
		t.Fatalf("default tick interval = %s", cfg.TimeTickInterval())
	}
	if cfg.ReconcileInterval() != 30*time.Second {
		t.Fatalf("default reconcile interval = %s", cfg.ReconcileInterval())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLOCK_SCHEDULER_STRATEGY", StrategyPack)
	t.Setenv("FLOCK_LISTEN_ADDR", ":9999")
	t.Setenv("FLOCK_NODE_STALE_THRESHOLD_S", "60")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SchedulerStrategy != StrategyPack {
		t.Fatalf("strategy = %q", cfg.SchedulerStrategy)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.NodeStaleThresholdS != 60 {
		t.Fatalf("stale threshold = %d", cfg.NodeStaleThresholdS)
	}
}

func TestLoadConfigFileThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flock.yaml")
	body := "scheduler_strategy: random\nlisten_addr: \":7000\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLOCK_CONFIG_FILE", path)
	t.Setenv("FLOCK_LISTEN_ADDR", ":7001")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SchedulerStrategy != StrategyRandom {
		t.Fatalf("file strategy not applied: %q", cfg.SchedulerStrategy)
	}
	if cfg.ListenAddr != ":7001" {
		t.Fatalf("env must override file: %q", cfg.ListenAddr)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.SchedulerStrategy = "roundrobin" }},
		{"zero tick", func(c *Config) { c.TimeTickIntervalS = 0 }},
		{"reconcile below tick", func(c *Config) { c.ReconcileIntervalS = 2 }},
		{"overload above 100", func(c *Config) { c.OverloadThresholdPct = 150 }},
		{"zero debounce", func(c *Config) { c.ReactorDebounceS = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
