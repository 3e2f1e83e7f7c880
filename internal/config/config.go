package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	// Empty runs a single instance: in-process hub, presence and sweeper.
	RedisURL string

	PermissionCooldown time.Duration
	PermissionExpiry   time.Duration
	CleanupSchedule    string
	CleanupInterval    time.Duration
	PresenceTTL        time.Duration
	PresenceSweep      time.Duration
	MaxContentBytes    int
	LogLevel           slog.Level
}

// Load reads the environment, after filling it from a .env file in the
// working directory if there is one. Variables already set win.
func Load() Config {
	_ = godotenv.Load()

	cleanupInterval := getenvDuration("COSESSION_CLEANUP_INTERVAL_SECONDS", 10*time.Minute)
	return Config{
		Addr:               getenv("API_ADDR", ":8787"),
		DatabaseURL:        getenv("DATABASE_URL", ""),
		MigrationsDir:      getenv("COSESSION_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:         getenv("COSESSION_CORS_ORIGIN", "*"),
		RedisURL:           getenv("REDIS_URL", ""),
		PermissionCooldown: getenvDuration("COSESSION_PERMISSION_COOLDOWN_SECONDS", 30*time.Second),
		PermissionExpiry:   getenvDuration("COSESSION_PERMISSION_EXPIRY_SECONDS", 24*time.Hour),
		CleanupSchedule:    getenv("COSESSION_CLEANUP_SCHEDULE", "@every "+cleanupInterval.String()),
		CleanupInterval:    cleanupInterval,
		PresenceTTL:        getenvDuration("COSESSION_PRESENCE_TTL_SECONDS", 45*time.Second),
		PresenceSweep:      getenvDuration("COSESSION_PRESENCE_SWEEP_SECONDS", 15*time.Second),
		MaxContentBytes:    getenvInt("COSESSION_MAX_CONTENT_BYTES", 1<<20),
		LogLevel:           getenvLevel("COSESSION_LOG_LEVEL", slog.LevelInfo),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration reads a whole number of seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	seconds := getenvInt(key, -1)
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func getenvLevel(key string, fallback slog.Level) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv(key)))); err != nil {
		return fallback
	}
	return level
}
