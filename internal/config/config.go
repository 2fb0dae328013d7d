// Package config loads the relay's runtime tunables from an optional YAML
// file overlaid by RELAY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAddr is the default TCP address the relay listens on.
	DefaultAddr = ":8090"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 1024

	// DefaultRedisURL points at a local redis deployment.
	DefaultRedisURL = "redis://127.0.0.1:6379/0"

	// DefaultSharingTTL bounds how stale a vehicle's "live" flag can become.
	DefaultSharingTTL = 2 * time.Minute
	// DefaultHistoryTTL retires an idle vehicle's position log.
	DefaultHistoryTTL = time.Hour
	// DefaultHistoryMax caps retained position events per vehicle.
	DefaultHistoryMax = 2000
	// DefaultRelayPoll bounds the bus listener's receive wait.
	DefaultRelayPoll = time.Second

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "relay.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the relay service.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string

	RedisURL     string
	DirectoryURL string
	AuthSecret   string

	SharingTTL time.Duration
	HistoryTTL time.Duration
	HistoryMax int64
	RelayPoll  time.Duration

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// fileConfig is the YAML shape accepted via RELAY_CONFIG. Every field is
// optional; environment variables override whatever the file sets.
type fileConfig struct {
	Address         string   `yaml:"address"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxPayloadBytes int64    `yaml:"max_payload_bytes"`
	PingInterval    string   `yaml:"ping_interval"`
	MaxClients      *int     `yaml:"max_clients"`
	TLSCertPath     string   `yaml:"tls_cert"`
	TLSKeyPath      string   `yaml:"tls_key"`
	AdminToken      string   `yaml:"admin_token"`
	RedisURL        string   `yaml:"redis_url"`
	DirectoryURL    string   `yaml:"directory_url"`
	AuthSecret      string   `yaml:"auth_secret"`
	SharingTTL      string   `yaml:"sharing_ttl"`
	HistoryTTL      string   `yaml:"history_ttl"`
	HistoryMax      int64    `yaml:"history_max"`
	RelayPoll       string   `yaml:"relay_poll"`
	Logging         struct {
		Level      string `yaml:"level"`
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups *int   `yaml:"max_backups"`
		MaxAgeDays *int   `yaml:"max_age_days"`
		Compress   *bool  `yaml:"compress"`
	} `yaml:"logging"`
}

// Load reads the relay configuration, applying sane defaults and returning
// descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         DefaultAddr,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxClients:      DefaultMaxClients,
		RedisURL:        DefaultRedisURL,
		SharingTTL:      DefaultSharingTTL,
		HistoryTTL:      DefaultHistoryTTL,
		HistoryMax:      DefaultHistoryMax,
		RelayPoll:       DefaultRelayPoll,
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if path := strings.TrimSpace(os.Getenv("RELAY_CONFIG")); path != "" {
		if err := applyFile(cfg, path); err != nil {
			problems = append(problems, err.Error())
		}
	}

	applyEnv(cfg, &problems)

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "RELAY_TLS_CERT and RELAY_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("RELAY_CONFIG: %v", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("RELAY_CONFIG: %v", err)
	}

	if file.Address != "" {
		cfg.Address = file.Address
	}
	if len(file.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = file.AllowedOrigins
	}
	if file.MaxPayloadBytes > 0 {
		cfg.MaxPayloadBytes = file.MaxPayloadBytes
	}
	if file.MaxClients != nil && *file.MaxClients >= 0 {
		cfg.MaxClients = *file.MaxClients
	}
	if file.TLSCertPath != "" {
		cfg.TLSCertPath = file.TLSCertPath
	}
	if file.TLSKeyPath != "" {
		cfg.TLSKeyPath = file.TLSKeyPath
	}
	if file.AdminToken != "" {
		cfg.AdminToken = file.AdminToken
	}
	if file.RedisURL != "" {
		cfg.RedisURL = file.RedisURL
	}
	if file.DirectoryURL != "" {
		cfg.DirectoryURL = file.DirectoryURL
	}
	if file.AuthSecret != "" {
		cfg.AuthSecret = file.AuthSecret
	}
	if file.HistoryMax > 0 {
		cfg.HistoryMax = file.HistoryMax
	}

	var err2 error
	for _, item := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{file.PingInterval, &cfg.PingInterval, "ping_interval"},
		{file.SharingTTL, &cfg.SharingTTL, "sharing_ttl"},
		{file.HistoryTTL, &cfg.HistoryTTL, "history_ttl"},
		{file.RelayPoll, &cfg.RelayPoll, "relay_poll"},
	} {
		if item.raw == "" {
			continue
		}
		duration, err := time.ParseDuration(item.raw)
		if err != nil || duration <= 0 {
			err2 = fmt.Errorf("RELAY_CONFIG: %s must be a positive duration, got %q", item.key, item.raw)
			continue
		}
		*item.dst = duration
	}

	if file.Logging.Level != "" {
		cfg.Logging.Level = file.Logging.Level
	}
	if file.Logging.Path != "" {
		cfg.Logging.Path = file.Logging.Path
	}
	if file.Logging.MaxSizeMB > 0 {
		cfg.Logging.MaxSizeMB = file.Logging.MaxSizeMB
	}
	if file.Logging.MaxBackups != nil && *file.Logging.MaxBackups >= 0 {
		cfg.Logging.MaxBackups = *file.Logging.MaxBackups
	}
	if file.Logging.MaxAgeDays != nil && *file.Logging.MaxAgeDays >= 0 {
		cfg.Logging.MaxAgeDays = *file.Logging.MaxAgeDays
	}
	if file.Logging.Compress != nil {
		cfg.Logging.Compress = *file.Logging.Compress
	}

	return err2
}

func applyEnv(cfg *Config, problems *[]string) {
	cfg.Address = getString("RELAY_ADDR", cfg.Address)
	if raw := os.Getenv("RELAY_ALLOWED_ORIGINS"); raw != "" {
		cfg.AllowedOrigins = parseList(raw)
	}
	cfg.TLSCertPath = getString("RELAY_TLS_CERT", cfg.TLSCertPath)
	cfg.TLSKeyPath = getString("RELAY_TLS_KEY", cfg.TLSKeyPath)
	cfg.AdminToken = getString("RELAY_ADMIN_TOKEN", cfg.AdminToken)
	cfg.RedisURL = getString("RELAY_REDIS_URL", cfg.RedisURL)
	cfg.DirectoryURL = getString("RELAY_DIRECTORY_URL", cfg.DirectoryURL)
	cfg.AuthSecret = getString("RELAY_AUTH_SECRET", cfg.AuthSecret)
	cfg.Logging.Level = getString("RELAY_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Path = getString("RELAY_LOG_PATH", cfg.Logging.Path)

	if raw := strings.TrimSpace(os.Getenv("RELAY_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			*problems = append(*problems, fmt.Sprintf("RELAY_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			*problems = append(*problems, fmt.Sprintf("RELAY_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_HISTORY_MAX")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			*problems = append(*problems, fmt.Sprintf("RELAY_HISTORY_MAX must be a positive integer, got %q", raw))
		} else {
			cfg.HistoryMax = value
		}
	}

	for _, item := range []struct {
		key string
		dst *time.Duration
	}{
		{"RELAY_PING_INTERVAL", &cfg.PingInterval},
		{"RELAY_SHARING_TTL", &cfg.SharingTTL},
		{"RELAY_HISTORY_TTL", &cfg.HistoryTTL},
		{"RELAY_POLL_INTERVAL", &cfg.RelayPoll},
	} {
		raw := strings.TrimSpace(os.Getenv(item.key))
		if raw == "" {
			continue
		}
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", item.key, raw))
		} else {
			*item.dst = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			*problems = append(*problems, fmt.Sprintf("RELAY_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			*problems = append(*problems, fmt.Sprintf("RELAY_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			*problems = append(*problems, fmt.Sprintf("RELAY_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			*problems = append(*problems, fmt.Sprintf("RELAY_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
