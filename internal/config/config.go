package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string

	// Sources
	DefaultSource string

	ScryfallEnabled      bool
	ScryfallBaseURL      string
	ScryfallSyncInterval time.Duration

	MTGJSONEnabled      bool
	MTGJSONBaseURL      string
	MTGJSONSyncInterval time.Duration

	CardTraderEnabled      bool
	CardTraderBaseURL      string
	CardTraderClientID     string
	CardTraderClientSecret string
	CardTraderSyncInterval time.Duration

	// Fetch
	FetchTimeout time.Duration
	BulkTimeout  time.Duration
	FetchMaxSize int64

	// Sync worker
	SyncTickInterval time.Duration
	SyncWorkers      int
	SyncMaxAttempts  int
	SyncBaseDelay    time.Duration

	// Rate Limit (HTTP API)
	RateLimitGeneral int

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.DefaultSource = getEnvString("DEFAULT_SOURCE", "scryfall")

	cfg.ScryfallEnabled = getEnvBool("SCRYFALL_ENABLED", true)
	cfg.ScryfallBaseURL = getEnvString("SCRYFALL_BASE_URL", "")
	cfg.ScryfallSyncInterval = getEnvDuration("SCRYFALL_SYNC_INTERVAL", 24*time.Hour)

	cfg.MTGJSONEnabled = getEnvBool("MTGJSON_ENABLED", true)
	cfg.MTGJSONBaseURL = getEnvString("MTGJSON_BASE_URL", "")
	cfg.MTGJSONSyncInterval = getEnvDuration("MTGJSON_SYNC_INTERVAL", 24*time.Hour)

	cfg.CardTraderEnabled = getEnvBool("CARDTRADER_ENABLED", true)
	cfg.CardTraderBaseURL = getEnvString("CARDTRADER_BASE_URL", "")
	cfg.CardTraderClientID = os.Getenv("CARDTRADER_CLIENT_ID")
	cfg.CardTraderClientSecret = os.Getenv("CARDTRADER_CLIENT_SECRET")
	cfg.CardTraderSyncInterval = getEnvDuration("CARDTRADER_SYNC_INTERVAL", 6*time.Hour)

	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.BulkTimeout = getEnvDuration("BULK_TIMEOUT", 60*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 52428800)

	cfg.SyncTickInterval = getEnvDuration("SYNC_TICK_INTERVAL", time.Minute)
	cfg.SyncWorkers = getEnvInt("SYNC_WORKERS", 4)
	cfg.SyncMaxAttempts = getEnvInt("SYNC_MAX_ATTEMPTS", 3)
	cfg.SyncBaseDelay = getEnvDuration("SYNC_BASE_DELAY", 30*time.Second)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
