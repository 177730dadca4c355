package brokerd

import (
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/brokerd/internal/lockmgr"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected store default, got %q", cfg.Store)
	}
	if cfg.MaxInFlight != DefaultMaxInFlight {
		t.Fatalf("expected max in-flight %d, got %d", DefaultMaxInFlight, cfg.MaxInFlight)
	}
	if cfg.WatchRefresh != DefaultWatchRefresh || cfg.WatchRetryDelay != DefaultWatchRetryDelay {
		t.Fatalf("expected watch defaults, got %s/%s", cfg.WatchRefresh, cfg.WatchRetryDelay)
	}
	if cfg.UnlockPollInterval != time.Minute || cfg.OperationPollInterval != 30*time.Second {
		t.Fatalf("unexpected poll defaults: %s %s", cfg.UnlockPollInterval, cfg.OperationPollInterval)
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier < 1 {
		t.Fatal("expected storage retry defaults")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"scheme":         {Store: "ftp://x"},
		"profiling":      {EnableProfilingMetrics: true},
		"inflight":       {MaxInFlight: -1},
		"lock ttl":       {LockTTL: map[string]time.Duration{"backup": 0}},
		"abort timeout":  {AbortTimeout: map[string]time.Duration{"backup": -time.Second}},
		"retry ordering": {StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond},
		"snappy no key":  {StorageSnappy: true},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestConfigPolicyOverrides(t *testing.T) {
	cfg := Config{
		LockTTL:      map[string]time.Duration{"Backup": 30 * time.Minute},
		AbortTimeout: map[string]time.Duration{"backup": 5 * time.Minute},
	}
	policy := cfg.Policy()
	if got := policy.GetLockTTL(lockmgr.OpBackup); got != 30*time.Minute {
		t.Fatalf("expected overridden backup ttl, got %s", got)
	}
	if got := policy.GetAbortTimeout(lockmgr.OpBackup); got != 5*time.Minute {
		t.Fatalf("expected overridden abort timeout, got %s", got)
	}
	if got := policy.GetLockTTL(lockmgr.OpRestore); got != 24*time.Hour {
		t.Fatalf("expected default restore ttl, got %s", got)
	}
}

func TestDefaultConfigPathHonoursOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BROKERD_CONFIG_DIR", dir)
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("unexpected config path %s", path)
	}
}
