package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/seantiz/async/internal/retry"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "async.db"
	defaultWorkers         = 4
	defaultPollInterval    = 500 * time.Millisecond
	defaultLeaseDuration   = 30 * time.Second
	defaultReapInterval    = 5 * time.Second
	defaultFetchBatch      = 16
	defaultMaxAttempts     = 5
	defaultBackoffInitial  = time.Second
	defaultBackoffMax      = time.Minute
	defaultShutdownTimeout = 30 * time.Second

	envConfigFile      = "ASYNC_CONFIG"
	envListenAddr      = "ASYNC_LISTEN_ADDR"
	envDBPath          = "ASYNC_DB_PATH"
	envLogLevel        = "ASYNC_LOG_LEVEL"
	envWorkers         = "ASYNC_WORKERS"
	envPollInterval    = "ASYNC_POLL_INTERVAL"
	envLeaseDuration   = "ASYNC_LEASE_DURATION"
	envReapInterval    = "ASYNC_REAP_INTERVAL"
	envFetchBatch      = "ASYNC_FETCH_BATCH"
	envMaxAttempts     = "ASYNC_MAX_ATTEMPTS"
	envBackoffInitial  = "ASYNC_BACKOFF_INITIAL"
	envBackoffMax      = "ASYNC_BACKOFF_MAX"
	envShutdownTimeout = "ASYNC_SHUTDOWN_TIMEOUT"
	envMaxPending      = "ASYNC_MAX_PENDING"
	envSubmitRate      = "ASYNC_SUBMIT_RATE"
	envSubmitBurst     = "ASYNC_SUBMIT_BURST"
	envRetention       = "ASYNC_RETENTION"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	Workers         int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	ReapInterval    time.Duration
	FetchBatch      int
	ShutdownTimeout time.Duration

	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// MaxPending bounds pending plus leased jobs; zero is unbounded.
	MaxPending int
	// SubmitRate limits accepted submissions per second; zero is unlimited.
	SubmitRate  float64
	SubmitBurst int

	// Retention is how long finished jobs are kept; zero keeps them forever.
	Retention time.Duration
}

// fileConfig mirrors Config in TOML. Durations are Go duration strings
// ("500ms", "1m").
type fileConfig struct {
	ListenAddr      string  `toml:"listen_addr"`
	DBPath          string  `toml:"db_path"`
	LogLevel        string  `toml:"log_level"`
	Workers         int     `toml:"workers"`
	PollInterval    string  `toml:"poll_interval"`
	LeaseDuration   string  `toml:"lease_duration"`
	ReapInterval    string  `toml:"reap_interval"`
	FetchBatch      int     `toml:"fetch_batch"`
	ShutdownTimeout string  `toml:"shutdown_timeout"`
	MaxAttempts     int     `toml:"max_attempts"`
	BackoffInitial  string  `toml:"backoff_initial"`
	BackoffMax      string  `toml:"backoff_max"`
	MaxPending      int     `toml:"max_pending"`
	SubmitRate      float64 `toml:"submit_rate"`
	SubmitBurst     int     `toml:"submit_burst"`
	Retention       string  `toml:"retention"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		Workers:         defaultWorkers,
		PollInterval:    defaultPollInterval,
		LeaseDuration:   defaultLeaseDuration,
		ReapInterval:    defaultReapInterval,
		FetchBatch:      defaultFetchBatch,
		ShutdownTimeout: defaultShutdownTimeout,
		MaxAttempts:     defaultMaxAttempts,
		BackoffInitial:  defaultBackoffInitial,
		BackoffMax:      defaultBackoffMax,
	}
}

// Load builds the configuration from defaults, an optional TOML file named
// by ASYNC_CONFIG, and ASYNC_* environment variables, in increasing order of
// precedence. A .env file in the working directory is loaded first if
// present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.DBPath, fc.DBPath)
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}
	setInt(&c.Workers, fc.Workers)
	setInt(&c.FetchBatch, fc.FetchBatch)
	setInt(&c.MaxAttempts, fc.MaxAttempts)
	setInt(&c.MaxPending, fc.MaxPending)
	setInt(&c.SubmitBurst, fc.SubmitBurst)
	if fc.SubmitRate != 0 {
		c.SubmitRate = fc.SubmitRate
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"lease_duration", fc.LeaseDuration, &c.LeaseDuration},
		{"reap_interval", fc.ReapInterval, &c.ReapInterval},
		{"shutdown_timeout", fc.ShutdownTimeout, &c.ShutdownTimeout},
		{"backoff_initial", fc.BackoffInitial, &c.BackoffInitial},
		{"backoff_max", fc.BackoffMax, &c.BackoffMax},
		{"retention", fc.Retention, &c.Retention},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}

	ints := []struct {
		env string
		dst *int
	}{
		{envWorkers, &c.Workers},
		{envFetchBatch, &c.FetchBatch},
		{envMaxAttempts, &c.MaxAttempts},
		{envMaxPending, &c.MaxPending},
		{envSubmitBurst, &c.SubmitBurst},
	}
	for _, e := range ints {
		v := os.Getenv(e.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.env, err)
		}
		*e.dst = n
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envPollInterval, &c.PollInterval},
		{envLeaseDuration, &c.LeaseDuration},
		{envReapInterval, &c.ReapInterval},
		{envShutdownTimeout, &c.ShutdownTimeout},
		{envBackoffInitial, &c.BackoffInitial},
		{envBackoffMax, &c.BackoffMax},
		{envRetention, &c.Retention},
	}
	for _, e := range durations {
		v := os.Getenv(e.env)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.env, err)
		}
		*e.dst = d
	}

	if v := os.Getenv(envSubmitRate); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envSubmitRate, err)
		}
		c.SubmitRate = r
	}
	return nil
}

// RetryPolicy returns the policy applied to failed attempts.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		Backoff:     retry.ExponentialWithJitter{Initial: c.BackoffInitial, Max: c.BackoffMax},
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
