package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"StockLedger/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GuardMode != config.GuardAdvisory || cfg.RetryMax != 3 || cfg.SnapshotInterval != 100 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STOCK_GUARD_MODE", "local")
	t.Setenv("STOCK_GUARD_TIMEOUT", "750ms")
	t.Setenv("STOCK_PROJECTION_BATCH", "50")
	t.Setenv("STOCK_NATS_DISABLED", "true")
	t.Setenv("STOCK_SNAPSHOT_INTERVAL", "not-a-number")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GuardMode != config.GuardLocal || cfg.GuardTimeout != 750*time.Millisecond {
		t.Errorf("guard: %s %s", cfg.GuardMode, cfg.GuardTimeout)
	}
	if cfg.ProjectionBatch != 50 || !cfg.NATSDisabled {
		t.Errorf("unexpected %+v", cfg)
	}
	if cfg.SnapshotInterval != 100 {
		t.Errorf("malformed int should fall back, got %d", cfg.SnapshotInterval)
	}
}

func TestLoad_RejectsUnknownGuardMode(t *testing.T) {
	t.Setenv("STOCK_GUARD_MODE", "optimistic")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("STOCK_TEST_DOTENV_KEY=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("STOCK_TEST_DOTENV_KEY") })

	if err := config.LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("STOCK_TEST_DOTENV_KEY"); got != "from-file" {
		t.Errorf("got %q", got)
	}
}
