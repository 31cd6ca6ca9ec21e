package config

import (
	"os"
	"testing"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `shopflow:
  name: "TestApp"
  version: "1.0"
channels:
  observation_buffer: 1
  event_buffer: 1
capture:
  max_workers: 1
sink:
  max_workers: 1
  throttle_minutes: 20
store:
  url: "https://example.supabase.co"
  api_key: "test-key"
  tables:
    cart_log: shop_cart_log
    traffic_log: shop_traffic_log
    market_rank_log: shop_market_rank_log
    chart_notes: shop_chart_point_notes
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	t.Setenv("APP_ENV", "")

	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Shopflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Shopflow.Name)
	}
	if cfg.Sink.ThrottleMinutes != 20 {
		t.Errorf("unexpected throttle minutes: %d", cfg.Sink.ThrottleMinutes)
	}
	if cfg.Business.UTCOffsetHours != 8 {
		t.Errorf("unexpected business offset: %d", cfg.Business.UTCOffsetHours)
	}
	if cfg.API.MaxTemplateMetrics != 8 {
		t.Errorf("unexpected template cap: %d", cfg.API.MaxTemplateMetrics)
	}
}

func TestLoadConfigRejectsUnknownThrottle(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	t.Setenv("APP_ENV", "")

	content := `shopflow:
  name: "TestApp"
  version: "1.0"
channels:
  observation_buffer: 1
  event_buffer: 1
capture:
  max_workers: 1
sink:
  max_workers: 1
  throttle_minutes: 25
store:
  url: "https://example.supabase.co"
  api_key: "test-key"
  tables:
    cart_log: a
    traffic_log: b
    market_rank_log: c
    chart_notes: d
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected error for throttle_minutes outside allowed set")
	}
}

func TestThrottleAllowed(t *testing.T) {
	c := SinkConfig{AllowedMinutes: []int{10, 20, 30, 60}}
	for _, m := range []int{10, 20, 30, 60} {
		if !c.ThrottleAllowed(m) {
			t.Errorf("expected %d to be allowed", m)
		}
	}
	for _, m := range []int{0, 15, 45, 120} {
		if c.ThrottleAllowed(m) {
			t.Errorf("expected %d to be rejected", m)
		}
	}
}

func TestProductionRequiresMarkerPath(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	t.Setenv("APP_ENV", "prod")

	path := writeTempConfig(t)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected production config without marker_path to be rejected")
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	cases := map[string]string{
		"":         EnvironmentDevelopment,
		"prod":     EnvironmentProduction,
		"stagging": EnvironmentStaging,
		"qa":       "qa",
	}
	for raw, want := range cases {
		t.Setenv("APP_ENV", raw)
		if got := AppEnvironment(); got != want {
			t.Errorf("APP_ENV=%q resolved to %s, want %s", raw, got, want)
		}
	}
	if IsProductionLike(EnvironmentDevelopment) || !IsProductionLike(EnvironmentStaging) {
		t.Errorf("production-like classification wrong")
	}
}

func TestStoreEnvOverrides(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://override.supabase.co/")
	t.Setenv("SUPABASE_ANON_KEY", "override-key")
	t.Setenv("APP_ENV", "")

	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Store.URL != "https://override.supabase.co" {
		t.Errorf("url override not applied: %s", cfg.Store.URL)
	}
	if cfg.Store.APIKey != "override-key" {
		t.Errorf("api key override not applied")
	}
}
