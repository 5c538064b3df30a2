package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// allKeys lists every env var Load reads, cleared between tests.
var allKeys = []string{
	"CONFIG", "DATABASE_URL", "SQLITE_PATH", "NATS_URL", "HTTP_ADDR", "GRPC_ADDR",
	"AUTH_TOKEN", "TURN_DURATION", "HEARTBEAT_INTERVAL", "REMINDER_INTERVAL",
	"RETRY_ATTEMPTS", "RETRY_BACKOFF", "COUNT_TIMEOUT_SKIPS", "DEVICE_ID",
	"STATE_DIR", "NOTIFY_COMMAND", "LOG_FORMAT", "LOG_LEVEL",
	"SYNC_INTERVAL", "SYNC_S3_BUCKET", "SYNC_S3_ENDPOINT", "SYNC_S3_REGION",
	"SYNC_S3_KEY", "SYNC_GIT_REPO", "SYNC_GIT_FILE", "SYNC_GIT_BRANCH",
}

// clearAllEnv blanks every key and points TURNQ_CONFIG at nothing so the
// user's own config file is never read.
func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(EnvPrefix+key, "")
	}
	t.Chdir(t.TempDir())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("TURNQ_STATE_DIR", "/var/lib/turnq")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tc := range []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, ":8080"},
		{"GRPCAddr", cfg.GRPCAddr, ":9090"},
		{"TurnDuration", cfg.TurnDuration, 120 * time.Second},
		{"HeartbeatInterval", cfg.HeartbeatInterval, 5 * time.Second},
		{"ReminderInterval", cfg.ReminderInterval, 30 * time.Second},
		{"RetryAttempts", cfg.RetryAttempts, 3},
		{"RetryBackoff", cfg.RetryBackoff, 2 * time.Second},
		{"CountTimeoutSkips", cfg.CountTimeoutSkips, true},
		{"SQLitePath", cfg.SQLitePath, "/var/lib/turnq/turnq.db"},
		{"Backend", cfg.Backend(), "sqlite"},
		{"LogFormat", cfg.LogFormat, "text"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"SyncInterval", cfg.SyncInterval, time.Duration(0)},
		{"SyncS3Region", cfg.SyncS3Region, "us-east-1"},
		{"SyncS3Key", cfg.SyncS3Key, "turnq/backup.jsonl"},
		{"SyncGitFile", cfg.SyncGitFile, "turnq.jsonl"},
		{"SyncGitBranch", cfg.SyncGitBranch, "main"},
		{"File", cfg.File, ""},
	} {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestLoadEnv(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("TURNQ_DATABASE_URL", "postgres://db:5432/turnq")
	t.Setenv("TURNQ_HTTP_ADDR", ":3000")
	t.Setenv("TURNQ_NATS_URL", "nats://localhost:4222")
	t.Setenv("TURNQ_TURN_DURATION", "90s")
	t.Setenv("TURNQ_RETRY_ATTEMPTS", "0")
	t.Setenv("TURNQ_COUNT_TIMEOUT_SKIPS", "false")
	t.Setenv("TURNQ_LOG_FORMAT", "JSON")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend() != "postgres" {
		t.Errorf("Backend = %q, want postgres", cfg.Backend())
	}
	if cfg.HTTPAddr != ":3000" || cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("addresses = %q / %q", cfg.HTTPAddr, cfg.NATSURL)
	}
	if cfg.TurnDuration != 90*time.Second {
		t.Errorf("TurnDuration = %v", cfg.TurnDuration)
	}
	if cfg.RetryAttempts != 0 {
		t.Errorf("RetryAttempts = %d, want 0", cfg.RetryAttempts)
	}
	if cfg.CountTimeoutSkips {
		t.Error("CountTimeoutSkips = true, want false")
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
}

func TestLoadFilePrecedence(t *testing.T) {
	clearAllEnv(t)
	path := writeFile(t, "config.toml", `
http_addr = ":7000"
grpc_addr = ":7001"
turn_duration = "60s"
retry_attempts = 5
count_timeout_skips = false
notify_command = "notify-send \"$TURNQ_ALERT_TITLE\""
`)
	t.Setenv("TURNQ_CONFIG", path)
	t.Setenv("TURNQ_GRPC_ADDR", ":5050")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Errorf("HTTPAddr = %q, want value from file", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":5050" {
		t.Errorf("GRPCAddr = %q, env must win over file", cfg.GRPCAddr)
	}
	if cfg.TurnDuration != time.Minute || cfg.RetryAttempts != 5 || cfg.CountTimeoutSkips {
		t.Errorf("typed file values = %v / %d / %v", cfg.TurnDuration, cfg.RetryAttempts, cfg.CountTimeoutSkips)
	}
	if cfg.NotifyCommand != `notify-send "$TURNQ_ALERT_TITLE"` {
		t.Errorf("NotifyCommand = %q", cfg.NotifyCommand)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearAllEnv(t)
	path := writeFile(t, "config.toml", `reminder_interval = "10s"`)
	t.Setenv("TURNQ_CONFIG", path)
	// .env only fills variables that are absent from the environment.
	os.Unsetenv("TURNQ_REMINDER_INTERVAL")
	if err := os.WriteFile(".env", []byte("TURNQ_REMINDER_INTERVAL=45s\nTURNQ_HTTP_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ReminderInterval != 45*time.Second {
		t.Errorf("ReminderInterval = %v, .env must win over file", cfg.ReminderInterval)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, .env must not override the environment", cfg.HTTPAddr)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
	}{
		{"BadDuration", map[string]string{"TURNQ_TURN_DURATION": "soon"}},
		{"NegativeDuration", map[string]string{"TURNQ_SYNC_INTERVAL": "-1m"}},
		{"ZeroHeartbeat", map[string]string{"TURNQ_HEARTBEAT_INTERVAL": "0s"}},
		{"BadRetryCount", map[string]string{"TURNQ_RETRY_ATTEMPTS": "many"}},
		{"BadBool", map[string]string{"TURNQ_COUNT_TIMEOUT_SKIPS": "maybe"}},
		{"BadLogFormat", map[string]string{"TURNQ_LOG_FORMAT": "xml"}},
		{"MissingExplicitFile", map[string]string{"TURNQ_CONFIG": "/nonexistent/turnq.toml"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
