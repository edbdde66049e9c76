package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only BACKEND_BASE_URL is required.
type Config struct {
	// Local observability server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Backend
	BackendBaseURL string
	RequestTimeout time.Duration
	PageSize       int
	RateLimit      int // outbound requests per second

	// Identity namespace for persisted local state
	UserKey   string
	StatePath string

	// Feed memory cache
	MaxCache int

	// Ingestion pull defaults
	PullBatch  int
	PullPages  int
	PullTarget int

	// Ingestion event stream
	DebounceWindow    time.Duration
	ItemRetryBase     time.Duration
	ItemRetryJitter   time.Duration
	ItemRetryMax      int
	StreamRetryBase   time.Duration
	StreamRetryCap    time.Duration
	StreamRetryJitter time.Duration
	StreamRetryMax    int

	// Sync orchestration
	FailCooldown        time.Duration
	QuietCooldown       time.Duration
	QuietCooldownSpread time.Duration
	TailPollInterval    time.Duration
	TailPollMax         int
	BackgroundPoll      time.Duration

	// Image resolution
	ImageLoadTimeout time.Duration
}

func Load() (*Config, error) {
	baseURL := os.Getenv("BACKEND_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("BACKEND_BASE_URL is required")
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8090"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		BackendBaseURL: baseURL,
		RequestTimeout: getDuration("REQUEST_TIMEOUT", 15*time.Second),
		PageSize:       getInt("PAGE_SIZE", 20),
		RateLimit:      getInt("RATE_LIMIT", 10),

		UserKey:   getEnv("USER_KEY", "anonymous"),
		StatePath: getEnv("STATE_PATH", "feedsync.db"),

		MaxCache: getInt("MAX_CACHE", 1500),

		PullBatch:  getInt("PULL_BATCH", 5),
		PullPages:  getInt("PULL_PAGES", 1),
		PullTarget: getInt("PULL_TARGET", 25),

		DebounceWindow:    getDuration("DEBOUNCE_WINDOW", 800*time.Millisecond),
		ItemRetryBase:     getDuration("ITEM_RETRY_BASE", 800*time.Millisecond),
		ItemRetryJitter:   getDuration("ITEM_RETRY_JITTER", 200*time.Millisecond),
		ItemRetryMax:      getInt("ITEM_RETRY_MAX", 3),
		StreamRetryBase:   getDuration("STREAM_RETRY_BASE", 600*time.Millisecond),
		StreamRetryCap:    getDuration("STREAM_RETRY_CAP", 8*time.Second),
		StreamRetryJitter: getDuration("STREAM_RETRY_JITTER", 300*time.Millisecond),
		StreamRetryMax:    getInt("STREAM_RETRY_MAX", 5),

		FailCooldown:        getDuration("FAIL_COOLDOWN", 30*time.Second),
		QuietCooldown:       getDuration("QUIET_COOLDOWN", 60*time.Second),
		QuietCooldownSpread: getDuration("QUIET_COOLDOWN_SPREAD", 5*time.Second),
		TailPollInterval:    getDuration("TAIL_POLL_INTERVAL", 4*time.Second),
		TailPollMax:         getInt("TAIL_POLL_MAX", 12),
		BackgroundPoll:      getDuration("BACKGROUND_POLL", 5*time.Minute),

		ImageLoadTimeout: getDuration("IMAGE_LOAD_TIMEOUT", 12*time.Second),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
