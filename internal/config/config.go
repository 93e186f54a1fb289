package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the server reads. Values come from the
// environment; zero-config startup uses the defaults below.
type Config struct {
	HTTPAddr    string
	DatabaseURL string
	JWTSecret   string
	DevMode     bool
	ServerID    string

	// Push sessions
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	AuthTimeout          time.Duration
	MaxAuthAttempts      int
	MaxSessionsPerUser   int // 0 = unbounded
	MaxSessionsPerClient int // 0 = unbounded

	// Sync
	SyncTimeout      time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	DefaultBatchSize int

	// Conflicts
	ConflictRetentionDays     int
	MaxConflictRecords        int
	ConflictResolutionTimeout time.Duration

	// Connection health
	DisconnectThreshold  int
	DisconnectTimeWindow time.Duration
	TimeoutThreshold     time.Duration
	AutoRecoveryDelay    time.Duration

	// Pull fallback
	NormalPollInterval time.Duration
	HighPollInterval   time.Duration
	MinPollInterval    time.Duration
	MaxPollInterval    time.Duration
}

// Default returns the documented defaults. Tests start from here.
func Default() Config {
	return Config{
		HTTPAddr: ":8081",
		ServerID: "notesync-1",

		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		AuthTimeout:       5 * time.Second,
		MaxAuthAttempts:   3,

		SyncTimeout:      60 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		DefaultBatchSize: 100,

		ConflictRetentionDays:     30,
		MaxConflictRecords:        1000,
		ConflictResolutionTimeout: 30 * time.Second,

		DisconnectThreshold:  3,
		DisconnectTimeWindow: 60 * time.Second,
		TimeoutThreshold:     5 * time.Second,
		AutoRecoveryDelay:    30 * time.Second,

		NormalPollInterval: 5 * time.Second,
		HighPollInterval:   time.Second,
		MinPollInterval:    time.Second,
		MaxPollInterval:    30 * time.Second,
	}
}

// FromEnv loads configuration from the environment on top of the defaults.
func FromEnv() Config {
	c := Default()

	c.HTTPAddr = env("HTTP_ADDR", c.HTTPAddr)
	c.DatabaseURL = env("DATABASE_URL", "")
	c.JWTSecret = env("JWT_HS256_SECRET", "dev-secret-change-in-production")
	c.DevMode = env("ENV", "dev") == "dev"
	c.ServerID = env("SERVER_ID", c.ServerID)

	c.HeartbeatInterval = envMs("HEARTBEAT_INTERVAL_MS", c.HeartbeatInterval)
	c.HeartbeatTimeout = envMs("HEARTBEAT_TIMEOUT_MS", c.HeartbeatTimeout)
	c.AuthTimeout = envMs("AUTH_TIMEOUT_MS", c.AuthTimeout)
	c.MaxAuthAttempts = envInt("MAX_AUTH_ATTEMPTS", c.MaxAuthAttempts)
	c.MaxSessionsPerUser = envInt("MAX_SESSIONS_PER_USER", c.MaxSessionsPerUser)
	c.MaxSessionsPerClient = envInt("MAX_SESSIONS_PER_CLIENT", c.MaxSessionsPerClient)

	c.SyncTimeout = envMs("SYNC_TIMEOUT_MS", c.SyncTimeout)
	c.MaxRetries = envInt("MAX_RETRIES", c.MaxRetries)
	c.RetryDelay = envMs("RETRY_DELAY_MS", c.RetryDelay)
	c.DefaultBatchSize = envInt("DEFAULT_BATCH_SIZE", c.DefaultBatchSize)

	c.ConflictRetentionDays = envInt("CONFLICT_RETENTION_DAYS", c.ConflictRetentionDays)
	c.MaxConflictRecords = envInt("MAX_CONFLICT_RECORDS", c.MaxConflictRecords)
	c.ConflictResolutionTimeout = envMs("CONFLICT_RESOLUTION_TIMEOUT_MS", c.ConflictResolutionTimeout)

	c.DisconnectThreshold = envInt("DISCONNECT_THRESHOLD", c.DisconnectThreshold)
	c.DisconnectTimeWindow = envMs("DISCONNECT_TIME_WINDOW_MS", c.DisconnectTimeWindow)
	c.TimeoutThreshold = envMs("TIMEOUT_THRESHOLD_MS", c.TimeoutThreshold)
	c.AutoRecoveryDelay = envMs("AUTO_RECOVERY_DELAY_MS", c.AutoRecoveryDelay)

	c.NormalPollInterval = envMs("POLL_NORMAL_INTERVAL_MS", c.NormalPollInterval)
	c.HighPollInterval = envMs("POLL_HIGH_PRIORITY_INTERVAL_MS", c.HighPollInterval)
	c.MinPollInterval = envMs("POLL_MIN_INTERVAL_MS", c.MinPollInterval)
	c.MaxPollInterval = envMs("POLL_MAX_INTERVAL_MS", c.MaxPollInterval)

	return c
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envMs(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
