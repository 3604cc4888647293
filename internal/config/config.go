package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	API         APIConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Storage     StorageConfig
	Database    DatabaseConfig
	Enhancement EnhancementConfig
	Results     ResultStoreConfig
	RateLimit   RateLimitConfig
	Webhook     WebhookConfig
	Telemetry   TelemetryConfig
	Log         LogConfig
	PrintAreas  PrintAreaConfig
}

type APIConfig struct {
	Addr       string
	PresignTTL time.Duration
	// UserIDHeader names the header used as the rate limit subject.
	UserIDHeader string
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// RedisOptions reuses the queue's Redis for the rate limiter and the
// result store.
func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalOutputDir string
	OutputPrefix   string
	OutputFormat   string
	OutputQuality  int
	MetricsAddr    string
	VipsCacheMB    int
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	// DSN selects the Postgres session store; empty keeps sessions in memory.
	DSN string
}

type EnhancementConfig struct {
	Endpoint      string
	Timeout       time.Duration
	MaxAttempts   int
	MinPixels     int
	ThumbnailEdge int
	SweepInterval time.Duration
}

type ResultStoreConfig struct {
	// Backend is "memory" or "redis".
	Backend       string
	CapacityBytes int
	MaxEntryBytes int
	KeyPrefix     string
	TTL           time.Duration
}

type RateLimitConfig struct {
	Enabled   bool
	Capacity  int
	Window    time.Duration
	KeyPrefix string
	// EnhanceCost is charged per enhancement trigger instead of 1.
	EnhanceCost int
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TelemetryConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type PrintAreaConfig struct {
	// TablePath overrides the embedded print-area table.
	TablePath string
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:         env("PRINTFORGE_API_ADDR", ":8080"),
			PresignTTL:   envDuration("PRINTFORGE_PRESIGN_TTL", 15*time.Minute),
			UserIDHeader: env("PRINTFORGE_USER_ID_HEADER", "X-User-ID"),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", "./.printforge-output"),
			OutputPrefix:   env("WORKER_OUTPUT_PREFIX", "composites"),
			OutputFormat:   env("WORKER_OUTPUT_FORMAT", "png"),
			OutputQuality:  envInt("WORKER_OUTPUT_QUALITY", 92),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
			VipsCacheMB:    envInt("WORKER_VIPS_CACHE_MB", 128),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "printforge"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Enhancement: EnhancementConfig{
			Endpoint:      env("ENHANCEMENT_ENDPOINT", ""),
			Timeout:       envDuration("ENHANCEMENT_TIMEOUT", 120*time.Second),
			MaxAttempts:   envInt("ENHANCEMENT_MAX_ATTEMPTS", 2),
			MinPixels:     envInt("ENHANCEMENT_MIN_PIXELS", 2000),
			ThumbnailEdge: envInt("ENHANCEMENT_THUMBNAIL_EDGE", 1024),
			SweepInterval: envDuration("ENHANCEMENT_SWEEP_INTERVAL", 30*time.Second),
		},
		Results: ResultStoreConfig{
			Backend:       strings.ToLower(env("RESULT_STORE_BACKEND", "memory")),
			CapacityBytes: envInt("RESULT_STORE_CAPACITY_BYTES", 256<<20),
			MaxEntryBytes: envInt("RESULT_STORE_MAX_ENTRY_BYTES", 8<<20),
			KeyPrefix:     env("RESULT_STORE_PREFIX", "printforge:results"),
			TTL:           envDuration("RESULT_STORE_TTL", 7*24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:     envBool("RATE_LIMIT_ENABLED", true),
			Capacity:    envInt("RATE_LIMIT_CAPACITY", 30),
			Window:      envDuration("RATE_LIMIT_WINDOW", time.Minute),
			KeyPrefix:   env("RATE_LIMIT_PREFIX", "printforge:ratelimit"),
			EnhanceCost: envInt("RATE_LIMIT_ENHANCE_COST", 5),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		Telemetry: TelemetryConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		},
		Log: LogConfig{
			Level:  env("PRINTFORGE_LOG_LEVEL", "info"),
			Pretty: envBool("PRINTFORGE_LOG_PRETTY", false),
		},
		PrintAreas: PrintAreaConfig{
			TablePath: env("PRINTFORGE_PRINT_AREAS", ""),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// envDuration accepts Go durations ("90s") or bare seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
