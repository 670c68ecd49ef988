package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_REQUEST_DELAY_MS", "")
	t.Setenv("CONTENT_STORE", "")
	cfg := Load()
	if cfg.SyncDelay != 150*time.Millisecond {
		t.Fatalf("SyncDelay = %v", cfg.SyncDelay)
	}
	if cfg.ContentStore != "postgres" || cfg.MigrationsDir != "./db/migrations" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYNC_REQUEST_DELAY_MS", "0")
	t.Setenv("CONTENT_STORE", "Memory")
	t.Setenv("ARCHIVE_USE_SSL", "true")
	t.Setenv("LEASE_TTL_SECONDS", "not-a-number")
	cfg := Load()
	if cfg.SyncDelay != 0 || cfg.ContentStore != "memory" || !cfg.ArchiveUseSSL {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.LeaseTTL != 30*time.Second {
		t.Fatalf("invalid ints fall back to defaults, got %v", cfg.LeaseTTL)
	}
}
