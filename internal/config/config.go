package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Storage string

const (
	StorageMemory   Storage = "memory"
	StoragePostgres Storage = "postgres"
	StoragePebble   Storage = "pebble"
)

type Server struct {
	HTTPAddr    string
	GRPCAddr    string
	RateLimit   time.Duration // minimum interval between requests per owner; 0 disables
	CORSOrigins []string
}

type Store struct {
	Driver      Storage
	DatabaseURL string
	AutoMigrate bool
	PebblePath  string
}

type Redis struct {
	Addr           string // empty means in-process cache and idempotency store
	Password       string
	DB             int
	CacheTTL       time.Duration
	IdempotencyTTL time.Duration
}

type Kafka struct {
	Brokers    []string // empty disables the fill topic
	FillsTopic string
}

type Matching struct {
	MaxPasses    int
	TxMaxRetries int
}

type Config struct {
	Server   Server
	Store    Store
	Redis    Redis
	Kafka    Kafka
	Matching Matching
	LogLevel string
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":9090",
			CORSOrigins: []string{"*"},
		},
		Store: Store{
			Driver:      StorageMemory,
			AutoMigrate: true,
			PebblePath:  "data/exchange",
		},
		Redis: Redis{
			CacheTTL:       5 * time.Minute,
			IdempotencyTTL: 24 * time.Hour,
		},
		Kafka: Kafka{
			FillsTopic: "fills",
		},
		Matching: Matching{
			MaxPasses:    64,
			TxMaxRetries: 3,
		},
		LogLevel: "info",
	}
}

// Load reads the .env file at envPath (or ./.env) when present, then lets
// environment variables override the defaults.
func Load(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Server.HTTPAddr = getEnv("HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Server.GRPCAddr = getEnv("GRPC_ADDR", cfg.Server.GRPCAddr)
	cfg.Server.RateLimit = getMillis("RATE_LIMIT_MS", cfg.Server.RateLimit)
	cfg.Server.CORSOrigins = getList("CORS_ORIGINS", cfg.Server.CORSOrigins)

	cfg.Store.Driver = Storage(strings.ToLower(getEnv("STORAGE_DRIVER", string(cfg.Store.Driver))))
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.AutoMigrate = getBool("DB_AUTO_MIGRATE", cfg.Store.AutoMigrate)
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.CacheTTL = getMillis("CACHE_TTL_MS", cfg.Redis.CacheTTL)
	cfg.Redis.IdempotencyTTL = getMillis("IDEMPOTENCY_TTL_MS", cfg.Redis.IdempotencyTTL)

	cfg.Kafka.Brokers = getList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.FillsTopic = getEnv("KAFKA_FILLS_TOPIC", cfg.Kafka.FillsTopic)

	cfg.Matching.MaxPasses = getInt("MATCH_MAX_PASSES", cfg.Matching.MaxPasses)
	cfg.Matching.TxMaxRetries = getInt("TX_MAX_RETRIES", cfg.Matching.TxMaxRetries)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getMillis(key string, def time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func getList(key string, def []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
