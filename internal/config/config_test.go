package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearRelayEnv isolates a test from RELAY_* variables leaking in from the
// invoking shell.
func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, entry := range os.Environ() {
		key, _, _ := strings.Cut(entry, "=")
		if strings.HasPrefix(key, "RELAY_") {
			t.Setenv(key, "")
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearRelayEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("unexpected address %q", cfg.Address)
	}
	if cfg.RedisURL != DefaultRedisURL {
		t.Fatalf("unexpected redis url %q", cfg.RedisURL)
	}
	if cfg.SharingTTL != 2*time.Minute {
		t.Fatalf("unexpected sharing ttl %v", cfg.SharingTTL)
	}
	if cfg.HistoryTTL != time.Hour || cfg.HistoryMax != 2000 {
		t.Fatalf("unexpected history settings %v %d", cfg.HistoryTTL, cfg.HistoryMax)
	}
	if cfg.RelayPoll != time.Second {
		t.Fatalf("unexpected relay poll %v", cfg.RelayPoll)
	}
	if cfg.MaxClients != DefaultMaxClients || cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("unexpected limits %d %d", cfg.MaxClients, cfg.MaxPayloadBytes)
	}
	if cfg.Logging.Level != DefaultLogLevel || !cfg.Logging.Compress {
		t.Fatalf("unexpected logging defaults %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_ADDR", ":9999")
	t.Setenv("RELAY_REDIS_URL", "redis://cache:6379/3")
	t.Setenv("RELAY_DIRECTORY_URL", "http://directory:8080")
	t.Setenv("RELAY_SHARING_TTL", "45s")
	t.Setenv("RELAY_HISTORY_MAX", "500")
	t.Setenv("RELAY_MAX_CLIENTS", "0")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RELAY_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":9999" || cfg.RedisURL != "redis://cache:6379/3" {
		t.Fatalf("env overrides not applied: %q %q", cfg.Address, cfg.RedisURL)
	}
	if cfg.DirectoryURL != "http://directory:8080" {
		t.Fatalf("unexpected directory url %q", cfg.DirectoryURL)
	}
	if cfg.SharingTTL != 45*time.Second || cfg.HistoryMax != 500 {
		t.Fatalf("unexpected tunables %v %d", cfg.SharingTTL, cfg.HistoryMax)
	}
	if cfg.MaxClients != 0 {
		t.Fatalf("zero max clients should disable the limit, got %d", cfg.MaxClients)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Logging.Level)
	}
}

func TestLoadAccumulatesProblems(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_SHARING_TTL", "soon")
	t.Setenv("RELAY_MAX_CLIENTS", "-1")
	t.Setenv("RELAY_TLS_CERT", "/etc/relay/cert.pem")

	_, err := Load()
	if err == nil {
		t.Fatal("expected load to fail")
	}
	for _, fragment := range []string{"RELAY_SHARING_TTL", "RELAY_MAX_CLIENTS", "RELAY_TLS_CERT"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("error should mention %s, got %q", fragment, err)
		}
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	clearRelayEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := `
address: ":7000"
redis_url: "redis://file:6379/0"
sharing_ttl: "90s"
history_max: 100
logging:
  level: warn
  compress: false
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("RELAY_CONFIG", path)
	t.Setenv("RELAY_ADDR", ":7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":7001" {
		t.Fatalf("environment must override the file, got %q", cfg.Address)
	}
	if cfg.RedisURL != "redis://file:6379/0" || cfg.SharingTTL != 90*time.Second || cfg.HistoryMax != 100 {
		t.Fatalf("file values not applied: %q %v %d", cfg.RedisURL, cfg.SharingTTL, cfg.HistoryMax)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Compress {
		t.Fatalf("file logging section not applied: %+v", cfg.Logging)
	}
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("RELAY_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("missing config file must fail the load")
	}
}
