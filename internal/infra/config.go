package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	// InternalToken authorizes service-to-service calls (the poller daemon
	// and scheduled triggers) that act without a user context.
	InternalToken string

	// WebhookSecret is the global shared secret expected on provider
	// webhooks; per-user secrets are looked up from the database.
	WebhookSecret string

	MeshyAPIKey  string
	MeshyBaseURL string
	TripoAPIKey  string
	TripoBaseURL string

	StorageBackend string
	StoragePath    string
	StorageBaseURL string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string

	AssetMaxMB      int
	SignedURLTTL    time.Duration
	GeoIPDBPath     string
	AllowedOrigins  []string
	PollInterval    time.Duration
	PollBatchSize   int
	ProviderTimeout time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		InternalToken:    os.Getenv("INTERNAL_TOKEN"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		MeshyAPIKey:      os.Getenv("MESHY_API_KEY"),
		MeshyBaseURL:     getEnv("MESHY_BASE_URL", "https://api.meshy.ai"),
		TripoAPIKey:      os.Getenv("TRIPO_API_KEY"),
		TripoBaseURL:     getEnv("TRIPO_BASE_URL", "https://api.tripo3d.ai/v2/openapi"),
		StorageBackend:   getEnv("STORAGE_BACKEND", "filesystem"),
		StoragePath:      getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:   getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		S3Bucket:         os.Getenv("S3_BUCKET"),
		S3Region:         getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		AssetMaxMB:       getEnvInt("ASSET_MAX_MB", 50),
		SignedURLTTL:     time.Second * time.Duration(getEnvInt("ASSET_SIGNED_URL_TTL_SECONDS", 3600)),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "")),
		PollInterval:     time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)),
		PollBatchSize:    getEnvInt("POLL_BATCH_SIZE", 20),
		ProviderTimeout:  time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 30)),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
