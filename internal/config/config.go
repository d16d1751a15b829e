package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains runtime configuration values.
type Config struct {
	Environment      string
	HTTPPort         string
	DatabaseURL      string
	PublicBaseURL    string
	SigningLinkTTL   time.Duration
	TokenBytes       int
	SecretsKey       []byte
	ProviderBaseURL  string
	ProviderClientID string
	ProviderSecret   string
	ProviderRedirect string
	WebhookSecret    string
	NotifyBaseURL    string
	HTTPTimeout      time.Duration
	MaxRetries       int
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	cfg := Config{
		Environment:      getEnv("APP_ENV", "development"),
		HTTPPort:         getEnv("HTTP_PORT", "8084"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		PublicBaseURL:    getEnv("PUBLIC_BASE_URL", "http://localhost:8084"),
		SigningLinkTTL:   getDuration("SIGNING_LINK_TTL", 24*time.Hour),
		TokenBytes:       getInt("SIGNING_TOKEN_BYTES", 32),
		ProviderBaseURL:  getEnv("ESIGN_BASE_URL", "https://esign.example.com"),
		ProviderClientID: os.Getenv("ESIGN_CLIENT_ID"),
		ProviderSecret:   os.Getenv("ESIGN_CLIENT_SECRET"),
		ProviderRedirect: getEnv("ESIGN_REDIRECT_URL", "http://localhost:8084/callback"),
		WebhookSecret:    os.Getenv("ESIGN_WEBHOOK_SECRET"),
		NotifyBaseURL:    os.Getenv("NOTIFY_BASE_URL"),
		HTTPTimeout:      getDuration("PROVIDER_HTTP_TIMEOUT", 15*time.Second),
		MaxRetries:       getInt("PROVIDER_MAX_RETRIES", 2),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.TokenBytes < 16 {
		cfg.TokenBytes = 16
	}

	keyHex := os.Getenv("SECRETS_KEY_HEX")
	if keyHex == "" {
		return Config{}, fmt.Errorf("SECRETS_KEY_HEX is required")
	}
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil || len(key) != 32 {
		return Config{}, fmt.Errorf("SECRETS_KEY_HEX must be 64 hex chars (32 bytes)")
	}
	cfg.SecretsKey = key

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
