package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Backend selects which remote store the gateway talks to.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendMongo    Backend = "mongo"
)

// Config holds everything the process reads from the environment.
type Config struct {
	HTTPAddr string

	// Local cache database file.
	CachePath string

	Backend     Backend
	DatabaseURL string
	MongoURI    string
	MongoDB     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioBucket    string

	JWTSecret string

	RemoteTimeout time.Duration
	// Connectivity probe cadence and how long to wait before the first probe.
	PingInterval     time.Duration
	PingInitialDelay time.Duration

	NegativeStockAllowed bool
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		CachePath:            getEnv("CACHE_PATH", "waresync-cache.db"),
		Backend:              Backend(getEnv("BACKEND", string(BackendPostgres))),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		MongoURI:             os.Getenv("MONGO_URI"),
		MongoDB:              getEnv("MONGO_DB", "waresync"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getIntEnv("REDIS_DB", 0),
		MinioEndpoint:        os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey:       os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:       os.Getenv("MINIO_SECRET_KEY"),
		MinioUseSSL:          getBoolEnv("MINIO_USE_SSL", false),
		MinioBucket:          getEnv("MINIO_BUCKET", "waresync-documents"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		RemoteTimeout:        getDurationEnv("REMOTE_TIMEOUT", 10*time.Second),
		PingInterval:         getDurationEnv("PING_INTERVAL", 30*time.Second),
		PingInitialDelay:     getDurationEnv("PING_INITIAL_DELAY", 5*time.Second),
		NegativeStockAllowed: getBoolEnv("ALLOW_NEGATIVE_STOCK", false),
	}

	switch cfg.Backend {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when BACKEND=postgres")
		}
	case BackendMongo:
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("MONGO_URI is required when BACKEND=mongo")
		}
	default:
		return nil, fmt.Errorf("unknown BACKEND %q (want postgres or mongo)", cfg.Backend)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBoolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
