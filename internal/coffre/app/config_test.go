package app_test

import (
	"testing"
	"time"

	"github.com/coffre-fort/coffre/internal/coffre/app"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, name := range []string{"KV_BACKEND", "OCR_POLL_INTERVAL", "HTTP_ADDR", "ACL_SYNC_ENABLED"} {
		t.Setenv(name, "")
		t.Setenv("COFFRE_"+name, "")
	}
	cfg := app.LoadConfig()
	if cfg.KVBackend != app.BackendRedis {
		t.Errorf("KVBackend = %q", cfg.KVBackend)
	}
	if cfg.OCR.Interval != 5*time.Second || cfg.OCR.ImageAttemptLimit != 60 || cfg.OCR.DefaultAttemptLimit != 24 {
		t.Errorf("unexpected OCR defaults %+v", cfg.OCR)
	}
	if cfg.HTTPAddr != ":8080" || cfg.ACLSyncEnabled {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("KV_BACKEND", "sqlite")
	t.Setenv("COFFRE_DATABASE_PATH", "/var/lib/coffre/coffre.db")
	t.Setenv("OCR_POLL_INTERVAL", "2")
	t.Setenv("OCR_IMAGE_ATTEMPTS", "10")
	t.Setenv("ACL_SYNC_ENABLED", "true")
	t.Setenv("DMS_URL", "https://dms.example.com")

	cfg := app.LoadConfig()
	if cfg.KVBackend != "sqlite" || cfg.DatabasePath != "/var/lib/coffre/coffre.db" {
		t.Errorf("unexpected store config %q %q", cfg.KVBackend, cfg.DatabasePath)
	}
	if cfg.OCR.Interval != 2*time.Second || cfg.OCR.ImageAttemptLimit != 10 {
		t.Errorf("unexpected OCR config %+v", cfg.OCR)
	}
	if !cfg.ACLSyncEnabled || cfg.DMS.BaseURL != "https://dms.example.com" {
		t.Errorf("unexpected DMS config %+v", cfg.DMS)
	}
}
