package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every key when reading the environment.
const EnvPrefix = "TURNQ_"

type Config struct {
	DatabaseURL string // TURNQ_DATABASE_URL (Postgres; wins over SQLite when set)
	SQLitePath  string // TURNQ_SQLITE_PATH (default "<StateDir>/turnq.db")
	NATSURL     string // TURNQ_NATS_URL (optional, empty = in-process bus)
	HTTPAddr    string // TURNQ_HTTP_ADDR (default ":8080")
	GRPCAddr    string // TURNQ_GRPC_ADDR (default ":9090")
	AuthToken   string // TURNQ_AUTH_TOKEN (optional, empty = auth disabled)

	// Turn and session settings
	TurnDuration      time.Duration // TURNQ_TURN_DURATION (default 120s)
	HeartbeatInterval time.Duration // TURNQ_HEARTBEAT_INTERVAL (default 5s)
	ReminderInterval  time.Duration // TURNQ_REMINDER_INTERVAL (default 30s)
	RetryAttempts     int           // TURNQ_RETRY_ATTEMPTS (default 3)
	RetryBackoff      time.Duration // TURNQ_RETRY_BACKOFF (default 2s)
	CountTimeoutSkips bool          // TURNQ_COUNT_TIMEOUT_SKIPS (default true)
	DeviceID          string        // TURNQ_DEVICE_ID (default hostname)
	StateDir          string        // TURNQ_STATE_DIR (default ~/.local/state/turnq)
	NotifyCommand     string        // TURNQ_NOTIFY_COMMAND (optional desktop notifier)

	LogFormat string // TURNQ_LOG_FORMAT ("text" or "json", default "text")
	LogLevel  string // TURNQ_LOG_LEVEL (default "info")

	// Sync settings
	SyncInterval   time.Duration // TURNQ_SYNC_INTERVAL (default 0 = disabled)
	SyncS3Bucket   string        // TURNQ_SYNC_S3_BUCKET (enables S3 when set)
	SyncS3Endpoint string        // TURNQ_SYNC_S3_ENDPOINT (custom endpoint for MinIO)
	SyncS3Region   string        // TURNQ_SYNC_S3_REGION (default "us-east-1")
	SyncS3Key      string        // TURNQ_SYNC_S3_KEY (default "turnq/backup.jsonl")
	SyncGitRepo    string        // TURNQ_SYNC_GIT_REPO (enables git when set; path to clone)
	SyncGitFile    string        // TURNQ_SYNC_GIT_FILE (default "turnq.jsonl")
	SyncGitBranch  string        // TURNQ_SYNC_GIT_BRANCH (default "main")

	// File is the TOML file that was read, empty if none.
	File string
}

// Backend names the storage backend the config selects.
func (c *Config) Backend() string {
	if c.DatabaseURL != "" {
		return "postgres"
	}
	return "sqlite"
}

// Load reads .env from the working directory, then the TOML config file,
// then the environment. Real environment variables win over .env, which
// wins over the file, which wins over defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	path, explicit := os.LookupEnv(EnvPrefix + "CONFIG")
	if !explicit {
		path = DefaultFile()
	}
	file, err := readFile(path, explicit)
	if err != nil {
		return nil, err
	}
	c, err := build(source{file: file})
	if err != nil {
		return nil, err
	}
	if file != nil {
		c.File = path
	}
	return c, nil
}

// DefaultFile returns ~/.config/turnq/config.toml, or "" without a home.
func DefaultFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "turnq", "config.toml")
}

// readFile decodes a flat TOML table. A missing file is only an error
// when its path was given explicitly.
func readFile(path string, explicit bool) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	var m map[string]any
	if _, err := toml.DecodeFile(path, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return m, nil
}

// source resolves a key from the environment first, then the file.
type source struct {
	file map[string]any
}

func (s source) get(key string) (string, bool) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v, true
	}
	if v, ok := s.file[strings.ToLower(key)]; ok {
		return fmt.Sprint(v), true
	}
	return "", false
}

func (s source) str(key, fallback string) string {
	if v, ok := s.get(key); ok {
		return v
	}
	return fallback
}

func build(s source) (*Config, error) {
	host, _ := os.Hostname()
	c := &Config{
		DatabaseURL:    s.str("DATABASE_URL", ""),
		NATSURL:        s.str("NATS_URL", ""),
		HTTPAddr:       s.str("HTTP_ADDR", ":8080"),
		GRPCAddr:       s.str("GRPC_ADDR", ":9090"),
		AuthToken:      s.str("AUTH_TOKEN", ""),
		DeviceID:       s.str("DEVICE_ID", host),
		StateDir:       s.str("STATE_DIR", defaultStateDir()),
		NotifyCommand:  s.str("NOTIFY_COMMAND", ""),
		LogFormat:      strings.ToLower(s.str("LOG_FORMAT", "text")),
		LogLevel:       strings.ToLower(s.str("LOG_LEVEL", "info")),
		SyncS3Bucket:   s.str("SYNC_S3_BUCKET", ""),
		SyncS3Endpoint: s.str("SYNC_S3_ENDPOINT", ""),
		SyncS3Region:   s.str("SYNC_S3_REGION", "us-east-1"),
		SyncS3Key:      s.str("SYNC_S3_KEY", "turnq/backup.jsonl"),
		SyncGitRepo:    s.str("SYNC_GIT_REPO", ""),
		SyncGitFile:    s.str("SYNC_GIT_FILE", "turnq.jsonl"),
		SyncGitBranch:  s.str("SYNC_GIT_BRANCH", "main"),
	}
	c.SQLitePath = s.str("SQLITE_PATH", filepath.Join(c.StateDir, "turnq.db"))

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"TURN_DURATION", 120 * time.Second, &c.TurnDuration},
		{"HEARTBEAT_INTERVAL", 5 * time.Second, &c.HeartbeatInterval},
		{"REMINDER_INTERVAL", 30 * time.Second, &c.ReminderInterval},
		{"RETRY_BACKOFF", 2 * time.Second, &c.RetryBackoff},
		{"SYNC_INTERVAL", 0, &c.SyncInterval},
	}
	for _, d := range durations {
		*d.dst = d.fallback
		v, ok := s.get(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s%s: %w", EnvPrefix, d.key, err)
		}
		if parsed < 0 {
			return nil, fmt.Errorf("%s%s: must not be negative", EnvPrefix, d.key)
		}
		*d.dst = parsed
	}

	c.RetryAttempts = 3
	if v, ok := s.get("RETRY_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%sRETRY_ATTEMPTS: invalid count %q", EnvPrefix, v)
		}
		c.RetryAttempts = n
	}

	c.CountTimeoutSkips = true
	if v, ok := s.get("COUNT_TIMEOUT_SKIPS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%sCOUNT_TIMEOUT_SKIPS: %w", EnvPrefix, err)
		}
		c.CountTimeoutSkips = b
	}

	if c.TurnDuration == 0 || c.HeartbeatInterval == 0 || c.ReminderInterval == 0 {
		return nil, fmt.Errorf("turn duration, heartbeat and reminder intervals must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("%sLOG_FORMAT: unknown format %q", EnvPrefix, c.LogFormat)
	}
	return c, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "turnq")
	}
	return filepath.Join(home, ".local", "state", "turnq")
}
