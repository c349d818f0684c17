package config

import "time"

// ServerConfig holds runtime configuration for the control-plane service.
// It is constructed once in main and passed by value; nothing else reads
// the environment.
type ServerConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	JWTSecret           string
	SecretEncryptionKey string

	// Worker dispatch. WorkerURL is the production worker, WorkerDevURL the
	// development one; the environment decides which applies. When neither
	// is set, jobs fall back to the legacy batch runner (production) or the
	// local simulator.
	WorkerURL           string
	WorkerDevURL        string
	WorkerAuthToken     string
	WorkerCallbackToken string
	CallbackBaseURL     string
	WorkerDispatchTTL   time.Duration

	BatchRunnerURL   string
	BatchRunnerToken string

	SimulateWorker bool
	SimulatorDelay time.Duration

	RunningJobTTL  time.Duration
	ReaperInterval time.Duration

	WebhookRetryBaseDelay     time.Duration
	WebhookSweepInterval      time.Duration
	WebhookDefaultMaxAttempts int
	WebhookDefaultBackoffRate float64
	WebhookDefaultTimeoutMs   int

	NotifyRedisAddr     string
	NotifyRedisPassword string
	NotifyRedisDB       int
	NotifyChannelName   string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	LogBuffer int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://skiff:skiff@db:5432/skiff?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		SecretEncryptionKey: GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),

		WorkerURL:           GetString("WORKER_URL", ""),
		WorkerDevURL:        GetString("WORKER_DEV_URL", ""),
		WorkerAuthToken:     GetString("WORKER_AUTH_TOKEN", ""),
		WorkerCallbackToken: GetString("WORKER_CALLBACK_TOKEN", ""),
		CallbackBaseURL:     GetString("CALLBACK_BASE_URL", "http://api:4000"),
		WorkerDispatchTTL:   time.Duration(GetInt("WORKER_DISPATCH_TIMEOUT_SECONDS", 30)) * time.Second,

		BatchRunnerURL:   GetString("BATCH_RUNNER_URL", ""),
		BatchRunnerToken: GetString("BATCH_RUNNER_TOKEN", ""),

		SimulateWorker: GetBool("SIMULATE_WORKER", false),
		SimulatorDelay: time.Duration(GetInt("SIMULATOR_DELAY_SECONDS", 3)) * time.Second,

		RunningJobTTL:  time.Duration(GetInt("RUNNING_JOB_TTL_SECONDS", 3600)) * time.Second,
		ReaperInterval: time.Duration(GetInt("JOB_REAPER_SECONDS", 300)) * time.Second,

		WebhookRetryBaseDelay:     time.Duration(GetInt("WEBHOOK_RETRY_BASE_SECONDS", 30)) * time.Second,
		WebhookSweepInterval:      time.Duration(GetInt("WEBHOOK_SWEEP_SECONDS", 15)) * time.Second,
		WebhookDefaultMaxAttempts: GetInt("WEBHOOK_DEFAULT_MAX_ATTEMPTS", 3),
		WebhookDefaultBackoffRate: GetFloat("WEBHOOK_DEFAULT_BACKOFF_RATE", 2),
		WebhookDefaultTimeoutMs:   GetInt("WEBHOOK_DEFAULT_TIMEOUT_MS", 10000),

		NotifyRedisAddr:     GetString("NOTIFY_REDIS_ADDR", ""),
		NotifyRedisPassword: GetString("NOTIFY_REDIS_PASSWORD", ""),
		NotifyRedisDB:       GetInt("NOTIFY_REDIS_DB", 0),
		NotifyChannelName:   GetString("NOTIFY_CHANNEL", "skiff:events"),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		LogBuffer: GetInt("WS_LOG_BUFFER", 100),
	}
}

// ResolveWorkerURL returns the worker base URL applicable to the configured
// environment, or empty when no remote worker is available.
func (c ServerConfig) ResolveWorkerURL() string {
	if c.Environment == "production" {
		return c.WorkerURL
	}
	if c.WorkerDevURL != "" {
		return c.WorkerDevURL
	}
	return c.WorkerURL
}

// IsProduction reports whether the service runs in production mode.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}
