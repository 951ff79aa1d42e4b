package config

import "testing"

func TestLoadLogDefaults(t *testing.T) {
	cfg, err := LoadLog()
	if err != nil {
		t.Fatalf("LoadLog() error = %v", err)
	}
	if cfg.Level != "info" {
		t.Fatalf("Level = %q, want info", cfg.Level)
	}
	if cfg.MaxMB != 25 {
		t.Fatalf("MaxMB = %d, want 25", cfg.MaxMB)
	}
}

func TestLoadLogParse(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_MAX_MB", "5")

	cfg, err := LoadLog()
	if err != nil {
		t.Fatalf("LoadLog() error = %v", err)
	}
	if cfg.Level != "debug" || cfg.MaxMB != 5 {
		t.Fatalf("unexpected log config: %+v", cfg)
	}
}

func TestLoadLogRejectsBadFileCap(t *testing.T) {
	t.Setenv("LOG_MAX_MB", "0")

	if _, err := LoadLog(); err == nil {
		t.Fatal("expected error for LOG_MAX_MB=0")
	}
}
