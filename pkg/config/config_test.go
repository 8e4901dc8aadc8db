package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"DB_PATH", "SL_GRACE", "RECON_MIN_AGE", "MARK_MISMATCH", "SCHEDULE_FILE", "POOL_MAX_SIZE"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SLGrace != 60*time.Second || cfg.ReconMinAge != 2*time.Minute {
		t.Fatalf("unexpected durations %v %v", cfg.SLGrace, cfg.ReconMinAge)
	}
	if !cfg.MarkMismatch || cfg.PoolMaxSize != 100 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Schedule != DefaultSchedule() {
		t.Fatalf("schedule=%+v", cfg.Schedule)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SL_GRACE", "90s")
	t.Setenv("TP_QTY_TOLERANCE", "0.02")
	t.Setenv("MARK_MISMATCH", "false")
	t.Setenv("POOL_MAX_SIZE", "5")
	t.Setenv("SCHEDULE_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SLGrace != 90*time.Second || cfg.TPQtyTolerance != 0.02 || cfg.MarkMismatch || cfg.PoolMaxSize != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsNonPositivePool(t *testing.T) {
	t.Setenv("POOL_MAX_SIZE", "0")
	t.Setenv("SCHEDULE_FILE", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for POOL_MAX_SIZE=0")
	}
}

func TestLoadSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	if err := os.WriteFile(path, []byte("stoploss: \"@every 10s\"\nreconcile: \"*/2 * * * *\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("LoadSchedule: %v", err)
	}
	def := DefaultSchedule()
	if s.StopLoss != "@every 10s" || s.Reconcile != "*/2 * * * *" {
		t.Fatalf("overrides missing: %+v", s)
	}
	if s.Entry != def.Entry || s.ProtectionCheck != def.ProtectionCheck || s.StreamRefresh != def.StreamRefresh {
		t.Fatalf("defaults lost: %+v", s)
	}

	if _, err := LoadSchedule(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
