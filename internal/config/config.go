// Package config handles the loading and parsing of application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// S3Config holds the settings for the S3-compatible replay archive. Optional.
type S3Config struct {
	Endpoint string
	Region   string
	KeyID    string
	AppKey   string
	Bucket   string
}

// AppConfig holds all configuration settings for the application.
type AppConfig struct {
	// --- Core Settings ---
	DatabaseURL    string // PostgreSQL DSN for the persistent store.
	RedisAddr      string // Redis address for windows and tokens. Optional; in-memory fallback when empty.
	RedisPassword  string
	RedisDB        int
	ServerAddr     string // Address for the HTTP server to listen on (e.g., ":8080").
	MigrationsPath string // Path to the database migration files.
	Region         string // Region label stamped onto created instances.

	// --- Authentication ---
	JWTSecret      string // Secret key for signing session JWT tokens.
	TokenSealKey   string // Key for sealing replacement-token payloads.

	// --- External Services ---
	S3          S3Config // Replay archive storage. Optional.
	AlertWebhook string  // Webhook URL for operational alerts. Optional.

	// --- Sessions & Admission ---
	GracePeriod            time.Duration // Reconnection window after a transport drop.
	ReconnectionTokenTTL   time.Duration // Clamped to the grace period; the session registry does not read it and stores reconnection tokens with SessionTimeout as TTL.
	ReplacementTokenTTL    time.Duration // TTL of a replace-confirmation token.
	SessionTimeout         time.Duration // Hard ceiling on session age.
	MaxQueueSize           int           // Per-instance admission queue cap.
	QueueEntryTTL          time.Duration // Age at which waiting entries are reaped.
	AdmissionLockout       time.Duration // Lockout after repeated admission rejections.
	AdmissionRejectBudget  int           // Rejections inside the lockout window that trigger a lockout.

	// --- Heartbeats & Quorum ---
	HeartbeatInterval      time.Duration // Expected client heartbeat cadence.
	HeartbeatTimeout       time.Duration // Silence beyond this marks a player unresponsive.
	MaxConsecutiveFailures int           // Missed heartbeats before a player is unresponsive.
	QuorumThresholdPct     int           // Responsive percentage an arena must hold.
	QuorumCheckInterval    time.Duration // Cadence of the per-arena quorum worker.
	AbortDrainDelay        time.Duration // Broadcast-to-dispose delay on arena abort.

	// --- Battle ---
	TickPeriod       time.Duration // Fixed tick period of the battle loop.
	BattleTimeLimit  time.Duration // Wall-clock limit before a battle times out.
	PlacementBacklog int           // Bounded per-battle attempt queue size.

	// --- Chat ---
	ChatRateLimit        int           // Messages allowed per window on the chat channel.
	ActionRateLimit      int           // Actions allowed per window on the action channel.
	RateWindow           time.Duration // Sliding-window span for both channels.
	DedupWindow          time.Duration // Exactly-once dedup window.
	ChatRetryInterval    time.Duration // Retry scheduler scan cadence.
	ExactlyOnceRetries   int
	ExactlyOnceTimeout   time.Duration
	AtLeastOnceRetries   int
	AtLeastOnceBackoff   time.Duration // Base backoff; grows by 1.5x per attempt.
	BestEffortTimeout    time.Duration

	// --- Replays ---
	ReplayBatchSize    int
	ReplayFlushEvery   time.Duration
	ReplayMaxBuffer    int
	ReplayRetention    time.Duration
	ReplayDir          string // Local spool directory for JSON-lines streams.

	// --- AI Elasticity ---
	AiCooldown        time.Duration // Per-arena cooldown after any scaling action.
	AiMinRatio        float64
	AiMaxRatio        float64
	AiMaxOpsPerPass   int

	// --- Caches & Reapers ---
	BlockCacheTTL      time.Duration
	MuteReapInterval   time.Duration
	QueueReapInterval  time.Duration
	GraceScanInterval  time.Duration
	ArchiveReapEvery   time.Duration

	// --- HTTP ---
	CORSAllowedOrigins string
	CORSMaxAge         int
	ShutdownTimeout    time.Duration
}

// Load reads environment variables and populates the AppConfig struct.
// It sets the documented defaults for every tunable.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		// --- Core Settings ---
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvAsInt("REDIS_DB", 0),
		ServerAddr:     getEnv("SERVER_ADDR", ":8080"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		Region:         getEnv("REGION", "local"),

		// --- Authentication ---
		JWTSecret:    getEnv("JWT_SECRET", ""),
		TokenSealKey: getEnv("TOKEN_SEAL_KEY", ""),

		// --- External Services ---
		S3: S3Config{
			Endpoint: getEnv("S3_ENDPOINT", ""),
			Region:   getEnv("S3_REGION", ""),
			KeyID:    getEnv("S3_ACCESS_KEY", ""),
			AppKey:   getEnv("S3_SECRET_KEY", ""),
			Bucket:   getEnv("S3_BUCKET_NAME", ""),
		},
		AlertWebhook: getEnv("ALERT_WEBHOOK_URL", ""),

		// --- Sessions & Admission ---
		GracePeriod:           getEnvAsDuration("GRACE_PERIOD", 60*time.Second),
		ReconnectionTokenTTL:  getEnvAsDuration("RECONNECTION_TOKEN_TTL", 60*time.Second),
		ReplacementTokenTTL:   getEnvAsDuration("REPLACEMENT_TOKEN_TTL", 5*time.Minute),
		SessionTimeout:        getEnvAsDuration("SESSION_TIMEOUT", 24*time.Hour),
		MaxQueueSize:          getEnvAsInt("MAX_QUEUE_SIZE", 100),
		QueueEntryTTL:         getEnvAsDuration("QUEUE_ENTRY_TTL", 5*time.Minute),
		AdmissionLockout:      getEnvAsDuration("ADMISSION_LOCKOUT", 30*time.Second),
		AdmissionRejectBudget: getEnvAsInt("ADMISSION_REJECT_BUDGET", 5),

		// --- Heartbeats & Quorum ---
		HeartbeatInterval:      getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:       getEnvAsDuration("HEARTBEAT_TIMEOUT", 30*time.Second),
		MaxConsecutiveFailures: getEnvAsInt("MAX_CONSECUTIVE_FAILURES", 3),
		QuorumThresholdPct:     getEnvAsInt("QUORUM_THRESHOLD_PCT", 60),
		QuorumCheckInterval:    getEnvAsDuration("QUORUM_CHECK_INTERVAL", 10*time.Second),
		AbortDrainDelay:        getEnvAsDuration("ABORT_DRAIN_DELAY", 2*time.Second),

		// --- Battle ---
		TickPeriod:       getEnvAsDuration("TICK_PERIOD", time.Second),
		BattleTimeLimit:  getEnvAsDuration("BATTLE_TIME_LIMIT", 30*time.Minute),
		PlacementBacklog: getEnvAsInt("PLACEMENT_BACKLOG", 4096),

		// --- Chat ---
		ChatRateLimit:      getEnvAsInt("CHAT_RATE_LIMIT", 20),
		ActionRateLimit:    getEnvAsInt("ACTION_RATE_LIMIT", 60),
		RateWindow:         getEnvAsDuration("RATE_WINDOW", 10*time.Second),
		DedupWindow:        getEnvAsDuration("CHAT_DEDUP_WINDOW", 5*time.Minute),
		ChatRetryInterval:  getEnvAsDuration("CHAT_RETRY_INTERVAL", 5*time.Second),
		ExactlyOnceRetries: getEnvAsInt("CHAT_EXACTLY_ONCE_RETRIES", 3),
		ExactlyOnceTimeout: getEnvAsDuration("CHAT_EXACTLY_ONCE_TIMEOUT", 10*time.Second),
		AtLeastOnceRetries: getEnvAsInt("CHAT_AT_LEAST_ONCE_RETRIES", 5),
		AtLeastOnceBackoff: getEnvAsDuration("CHAT_AT_LEAST_ONCE_BACKOFF", 5*time.Second),
		BestEffortTimeout:  getEnvAsDuration("CHAT_BEST_EFFORT_TIMEOUT", time.Second),

		// --- Replays ---
		ReplayBatchSize:  getEnvAsInt("REPLAY_BATCH_SIZE", 100),
		ReplayFlushEvery: getEnvAsDuration("REPLAY_FLUSH_INTERVAL", 5*time.Second),
		ReplayMaxBuffer:  getEnvAsInt("REPLAY_MAX_BUFFER", 10000),
		ReplayRetention:  getEnvAsDuration("REPLAY_RETENTION", 7*24*time.Hour),
		ReplayDir:        getEnv("REPLAY_DIR", "replays"),

		// --- AI Elasticity ---
		AiCooldown:      getEnvAsDuration("AI_COOLDOWN", 30*time.Second),
		AiMinRatio:      getEnvAsFloat("AI_MIN_RATIO", 0.1),
		AiMaxRatio:      getEnvAsFloat("AI_MAX_RATIO", 0.6),
		AiMaxOpsPerPass: getEnvAsInt("AI_MAX_OPS_PER_PASS", 3),

		// --- Caches & Reapers ---
		BlockCacheTTL:     getEnvAsDuration("BLOCK_CACHE_TTL", 5*time.Minute),
		MuteReapInterval:  getEnvAsDuration("MUTE_REAP_INTERVAL", time.Minute),
		QueueReapInterval: getEnvAsDuration("QUEUE_REAP_INTERVAL", 30*time.Second),
		GraceScanInterval: getEnvAsDuration("GRACE_SCAN_INTERVAL", time.Second),
		ArchiveReapEvery:  getEnvAsDuration("ARCHIVE_REAP_INTERVAL", 6*time.Hour),

		// --- HTTP ---
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		CORSMaxAge:         getEnvAsInt("CORS_MAX_AGE", 300),
		ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	// The reconnection token must never outlive the grace window it reclaims.
	if cfg.ReconnectionTokenTTL > cfg.GracePeriod {
		cfg.ReconnectionTokenTTL = cfg.GracePeriod
	}

	if err := validateCriticalConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateCriticalConfig checks that essential configuration values are set.
func validateCriticalConfig(cfg *AppConfig) error {
	criticalVars := map[string]string{
		"DATABASE_URL":   cfg.DatabaseURL,
		"JWT_SECRET":     cfg.JWTSecret,
		"TOKEN_SEAL_KEY": cfg.TokenSealKey,
	}
	var missing []string
	for name, value := range criticalVars {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing critical environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// --- Helper Functions for robust environment variable loading ---

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an integer environment variable or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsFloat retrieves a float environment variable or returns a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration retrieves a time.Duration environment variable or returns a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	return defaultValue
}
