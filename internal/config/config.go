package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/park285/meet-signaling/internal/metrics"
	"github.com/park285/meet-signaling/internal/obslog"
)

type AppConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":11311"`
	NodeName   string `env:"NODE_NAME"`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	AuthBaseURL string `env:"AUTH_BASE_URL"`

	// Room lifecycle
	GracePeriod time.Duration `env:"ROOM_GRACE_PERIOD" envDefault:"30s"`
	LockTTL     time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	LockRetries int           `env:"LOCK_RETRIES" envDefault:"8"`

	ACLReloadInterval time.Duration `env:"ACL_RELOAD_INTERVAL" envDefault:"5m"`

	// Websocket
	PingInterval time.Duration `env:"WS_PING_INTERVAL" envDefault:"20s"`
	ReadLimit    int64         `env:"WS_READ_LIMIT" envDefault:"65536"`
	JoinTimeout  time.Duration `env:"JOIN_TIMEOUT" envDefault:"30s"`

	MessageDir string `env:"MESSAGE_DIR"`

	// Metrics export
	OTelEnabled     bool          `env:"OTEL_ENABLED" envDefault:"true"`
	OTelEndpoint    string        `env:"OTEL_METRICS_ENDPOINT"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"30s"`

	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"legacy"`
	LogConsole bool   `env:"LOG_TO_CONSOLE" envDefault:"true"`
	LogFile    string `env:"LOG_FILE"`
	LogCaller  bool   `env:"LOG_CALLER" envDefault:"false"`
}

// Load reads .env when present, then the process environment.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse builds AppConfig from the current environment only.
func Parse() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.AuthBaseURL = strings.TrimRight(strings.TrimSpace(cfg.AuthBaseURL), "/")
	cfg.MessageDir = strings.TrimSpace(cfg.MessageDir)
	cfg.OTelEndpoint = strings.TrimSpace(cfg.OTelEndpoint)
	if cfg.NodeName = strings.TrimSpace(cfg.NodeName); cfg.NodeName == "" {
		cfg.NodeName, _ = os.Hostname()
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.AuthBaseURL == "" {
		return nil, errors.New("AUTH_BASE_URL is required")
	}
	if cfg.GracePeriod < 0 {
		return nil, errors.New("ROOM_GRACE_PERIOD must not be negative")
	}
	if cfg.LockTTL <= 0 {
		return nil, errors.New("LOCK_TTL must be positive")
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = 1
	}
	if cfg.ACLReloadInterval <= 0 {
		return nil, errors.New("ACL_RELOAD_INTERVAL must be positive")
	}
	return cfg, nil
}

func (c *AppConfig) MetricsOptions() metrics.ProviderOptions {
	return metrics.ProviderOptions{
		Enabled:     c.OTelEnabled,
		Endpoint:    c.OTelEndpoint,
		ServiceName: "meet-signaling",
		NodeName:    c.NodeName,
		Interval:    c.MetricsInterval,
	}
}

func (c *AppConfig) LogOptions() obslog.Options {
	return obslog.Options{
		Level:    c.LogLevel,
		Format:   c.LogFormat,
		Console:  c.LogConsole,
		File:     c.LogFile,
		Caller:   c.LogCaller,
		NodeName: c.NodeName,
	}
}
