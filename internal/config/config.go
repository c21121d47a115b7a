// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// envPrefix is the namespace for all environment variables read by this
// application. Any PARCEL_* variable that is not a known key is a startup
// error, so typos surface immediately instead of silently using defaults.
const envPrefix = "PARCEL_"

// Config holds application configuration.
type Config struct {
	DataDir   string // Base directory for all databases (always absolute)
	Port      int
	LogLevel  string
	LogPretty bool
	DevMode   bool

	// Auth: at least one of TokenSecret (local HMAC verification) or
	// TokenVerifyURL (remote verifier endpoint) must be configured.
	TokenSecret    string
	TokenVerifyURL string

	CORSOrigins []string

	// Connection hub
	HeartbeatInterval time.Duration
	OfflineGrace      time.Duration
	SendQueueSize     int
	ValidationStrikes int
	StrikeWindow      time.Duration

	// Presence
	NearbyRadius int

	// Biome market engine
	MarketTick        time.Duration
	MarketTickJitter  time.Duration
	RedistribFraction float64
	MaxPriceMove      float64
	MaxSingleTx       float64
	BiomeFee          float64

	// Marketplace
	MarketplaceFee      float64
	MinBidIncrement     int64 // minimum bid raise in currency units
	AuctionExtend       time.Duration
	AuctionExtendWindow time.Duration

	// Chat
	ChatRetention time.Duration
	HistoryLimit  int

	// Live media
	CallRingTimeout time.Duration

	// Cloud backups (optional; disabled when bucket is empty)
	S3Endpoint          string
	S3Bucket            string
	S3AccessKey         string
	S3SecretKey         string
	S3Region            string
	BackupRetentionDays int
}

// knownKeys lists every recognized PARCEL_* variable (without the prefix).
var knownKeys = map[string]bool{
	"DATA_DIR":              true,
	"PORT":                  true,
	"LOG_LEVEL":             true,
	"LOG_PRETTY":            true,
	"DEV_MODE":              true,
	"TOKEN_SECRET":          true,
	"TOKEN_VERIFY_URL":      true,
	"CORS_ORIGINS":          true,
	"HEARTBEAT_INTERVAL":    true,
	"OFFLINE_GRACE":         true,
	"SEND_QUEUE_SIZE":       true,
	"VALIDATION_STRIKES":    true,
	"STRIKE_WINDOW":         true,
	"NEARBY_RADIUS":         true,
	"MARKET_TICK":           true,
	"MARKET_TICK_JITTER":    true,
	"REDISTRIB_FRACTION":    true,
	"MAX_PRICE_MOVE":        true,
	"MAX_SINGLE_TX":         true,
	"BIOME_FEE":             true,
	"MARKETPLACE_FEE":       true,
	"MIN_BID_INCREMENT":     true,
	"AUCTION_EXTEND":        true,
	"AUCTION_EXTEND_WINDOW": true,
	"CHAT_RETENTION":        true,
	"HISTORY_LIMIT":         true,
	"CALL_RING_TIMEOUT":     true,
	"S3_ENDPOINT":           true,
	"S3_BUCKET":             true,
	"S3_ACCESS_KEY":         true,
	"S3_SECRET_KEY":         true,
	"S3_REGION":             true,
	"BACKUP_RETENTION_DAYS": true,
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := checkUnknownKeys(); err != nil {
		return nil, err
	}

	// Resolve the data directory to an absolute path and make sure it exists
	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		Port:      getEnvAsInt("PORT", 8420),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		DevMode:   getEnvAsBool("DEV_MODE", false),

		TokenSecret:    getEnv("TOKEN_SECRET", ""),
		TokenVerifyURL: getEnv("TOKEN_VERIFY_URL", ""),

		CORSOrigins: splitAndTrim(getEnv("CORS_ORIGINS", "*")),

		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 60*time.Second),
		OfflineGrace:      getEnvAsDuration("OFFLINE_GRACE", 5*time.Second),
		SendQueueSize:     getEnvAsInt("SEND_QUEUE_SIZE", 256),
		ValidationStrikes: getEnvAsInt("VALIDATION_STRIKES", 10),
		StrikeWindow:      getEnvAsDuration("STRIKE_WINDOW", 60*time.Second),

		NearbyRadius: getEnvAsInt("NEARBY_RADIUS", 5),

		MarketTick:        getEnvAsDuration("MARKET_TICK", 500*time.Millisecond),
		MarketTickJitter:  getEnvAsDuration("MARKET_TICK_JITTER", 50*time.Millisecond),
		RedistribFraction: getEnvAsFloat("REDISTRIB_FRACTION", 0.25),
		MaxPriceMove:      getEnvAsFloat("MAX_PRICE_MOVE", 0.05),
		MaxSingleTx:       getEnvAsFloat("MAX_SINGLE_TX", 0.10),
		BiomeFee:          getEnvAsFloat("BIOME_FEE", 0.02),

		MarketplaceFee:      getEnvAsFloat("MARKETPLACE_FEE", 0.05),
		MinBidIncrement:     int64(getEnvAsInt("MIN_BID_INCREMENT", 50)),
		AuctionExtend:       getEnvAsDuration("AUCTION_EXTEND", 120*time.Second),
		AuctionExtendWindow: getEnvAsDuration("AUCTION_EXTEND_WINDOW", 60*time.Second),

		ChatRetention: getEnvAsDuration("CHAT_RETENTION", 720*time.Hour),
		HistoryLimit:  getEnvAsInt("HISTORY_LIMIT", 100),

		CallRingTimeout: getEnvAsDuration("CALL_RING_TIMEOUT", 60*time.Second),

		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3Bucket:            getEnv("S3_BUCKET", ""),
		S3AccessKey:         getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:         getEnv("S3_SECRET_KEY", ""),
		S3Region:            getEnv("S3_REGION", "auto"),
		BackupRetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.TokenSecret == "" && c.TokenVerifyURL == "" {
		return fmt.Errorf("either %sTOKEN_SECRET or %sTOKEN_VERIFY_URL must be set", envPrefix, envPrefix)
	}
	if c.MarketTick <= 0 {
		return fmt.Errorf("market tick must be positive, got %s", c.MarketTick)
	}
	if c.MarketTickJitter < 0 || c.MarketTickJitter >= c.MarketTick {
		return fmt.Errorf("market tick jitter must be in [0, tick), got %s", c.MarketTickJitter)
	}
	for name, f := range map[string]float64{
		"REDISTRIB_FRACTION": c.RedistribFraction,
		"MAX_PRICE_MOVE":     c.MaxPriceMove,
		"MAX_SINGLE_TX":      c.MaxSingleTx,
		"BIOME_FEE":          c.BiomeFee,
		"MARKETPLACE_FEE":    c.MarketplaceFee,
	} {
		if f < 0 || f > 1 {
			return fmt.Errorf("%s%s must be within [0, 1], got %v", envPrefix, name, f)
		}
	}
	if c.MinBidIncrement < 1 {
		return fmt.Errorf("minimum bid increment must be at least 1, got %d", c.MinBidIncrement)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("send queue size must be at least 1, got %d", c.SendQueueSize)
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > 500 {
		return fmt.Errorf("history limit must be within [1, 500], got %d", c.HistoryLimit)
	}
	if c.NearbyRadius < 0 {
		return fmt.Errorf("nearby radius must be non-negative, got %d", c.NearbyRadius)
	}
	return nil
}

// BackupsEnabled reports whether cloud backups are configured.
func (c *Config) BackupsEnabled() bool {
	return c.S3Bucket != "" && c.S3Endpoint != ""
}

// checkUnknownKeys rejects any PARCEL_* environment variable that is not a
// recognized configuration key.
func checkUnknownKeys() error {
	for _, entry := range os.Environ() {
		if !strings.HasPrefix(entry, envPrefix) {
			continue
		}
		key := strings.SplitN(strings.TrimPrefix(entry, envPrefix), "=", 2)[0]
		if !knownKeys[key] {
			return fmt.Errorf("unknown configuration key %s%s", envPrefix, key)
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
