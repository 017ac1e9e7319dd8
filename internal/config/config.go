package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBDriver          = DriverSQLite
	defaultDBPath            = "chainlink.db"
	defaultLogFormat         = FormatJSON
	defaultMaxConcurrentRuns = 4
	defaultAMQPExchange      = "chainlink.events"

	envListenAddr        = "CHAINLINK_LISTEN_ADDR"
	envLogLevel          = "CHAINLINK_LOG_LEVEL"
	envLogFormat         = "CHAINLINK_LOG_FORMAT"
	envDBDriver          = "CHAINLINK_DB_DRIVER"
	envDBPath            = "CHAINLINK_DB_PATH"
	envDatabaseURL       = "CHAINLINK_DATABASE_URL"
	envWorkDir           = "CHAINLINK_WORKDIR"
	envPullConcurrency   = "CHAINLINK_PULL_CONCURRENCY"
	envMaxConcurrentRuns = "CHAINLINK_MAX_CONCURRENT_RUNS"
	envAMQPURL           = "CHAINLINK_AMQP_URL"
	envAMQPExchange      = "CHAINLINK_AMQP_EXCHANGE"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Log formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level
	LogFormat  string

	DBDriver    string
	DBPath      string
	DatabaseURL string

	// WorkDir is the parent of run workspaces; empty means the OS temp dir.
	WorkDir           string
	PullConcurrency   int
	MaxConcurrentRuns int

	// AMQPURL enables event publishing when set.
	AMQPURL      string
	AMQPExchange string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		LogLevel:          slog.LevelInfo,
		LogFormat:         defaultLogFormat,
		DBDriver:          defaultDBDriver,
		DBPath:            defaultDBPath,
		MaxConcurrentRuns: defaultMaxConcurrentRuns,
		AMQPExchange:      defaultAMQPExchange,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = parseLogFormat(v)
	}
	if v := os.Getenv(envDBDriver); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	cfg.DatabaseURL = os.Getenv(envDatabaseURL)
	cfg.WorkDir = os.Getenv(envWorkDir)
	if n, ok := parseNonNegative(os.Getenv(envPullConcurrency)); ok {
		cfg.PullConcurrency = n
	}
	if n, ok := parseNonNegative(os.Getenv(envMaxConcurrentRuns)); ok && n > 0 {
		cfg.MaxConcurrentRuns = n
	}
	cfg.AMQPURL = os.Getenv(envAMQPURL)
	if v := os.Getenv(envAMQPExchange); v != "" {
		cfg.AMQPExchange = v
	}

	return cfg
}

func parseNonNegative(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
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

func parseLogFormat(s string) string {
	if strings.ToLower(s) == FormatText {
		return FormatText
	}
	return FormatJSON
}

// NewLogger creates a structured logger writing to w at the given level.
// format selects the text handler; anything else yields JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
