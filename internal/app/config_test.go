package app

import (
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	// Unset all BROKER_ env vars to ensure defaults are used.
	for _, key := range []string{
		"BROKER_LISTEN_ADDR",
		"BROKER_LOG_LEVEL",
		"BROKER_DATA_DIR",
		"BROKER_CONFIG_FILE",
		"BROKER_AUDIT_PATH",
		"BROKER_CORS_ORIGINS",
		"BROKER_RATE_LIMIT_RPS",
		"BROKER_RATE_LIMIT_BURST",
		"BROKER_EXPOSE_ADMIN_KEY",
		"BROKER_STRATEGY_TUNING",
		"BROKER_OTEL_ENABLED",
		"BROKER_OTEL_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8001" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8001")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DataDir != "browser_data" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "browser_data")
	}
	if cfg.ConfigFile != "server_config.ini" {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, "server_config.ini")
	}
	if cfg.RateLimitRPS != 60 || cfg.RateLimitBurst != 120 {
		t.Errorf("rate limit = %d/%d, want 60/120", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.ExposeAdminKey || cfg.StrategyTuning || cfg.OTelEnabled {
		t.Error("opt-in flags should default to off")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_LISTEN_ADDR", ":9001")
	t.Setenv("BROKER_LOG_LEVEL", "debug")
	t.Setenv("BROKER_DATA_DIR", "/tmp/broker-data")
	t.Setenv("BROKER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("BROKER_RATE_LIMIT_RPS", "10")
	t.Setenv("BROKER_EXPOSE_ADMIN_KEY", "true")
	t.Setenv("BROKER_STRATEGY_TUNING", "1")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9001" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9001")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.DataDir != "/tmp/broker-data" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "/tmp/broker-data")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://a.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.RateLimitRPS != 10 {
		t.Errorf("RateLimitRPS = %d, want 10", cfg.RateLimitRPS)
	}
	if !cfg.ExposeAdminKey || !cfg.StrategyTuning {
		t.Error("opt-in flags should be enabled")
	}
}

func TestLoadConfigInvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_RATE_LIMIT_RPS", "notanint")
	t.Setenv("BROKER_EXPOSE_ADMIN_KEY", "notabool")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimitRPS != 60 {
		t.Errorf("RateLimitRPS = %d, want default 60", cfg.RateLimitRPS)
	}
	if cfg.ExposeAdminKey {
		t.Error("ExposeAdminKey should fall back to false")
	}
}

func TestConfigValidate(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_RATE_LIMIT_RPS", "0")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for zero rate limit")
	}

	clearEnv(t)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty data dir")
	}
}
