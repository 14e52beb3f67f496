// Package config loads runtime configuration for the deepclaw analytics
// service from environment variables, with a .env file honoured when present.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// defaultRelays is the public relay set used when NOSTR_RELAYS is unset.
var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
	"wss://relay.primal.net",
}

// Config holds all runtime configuration.
type Config struct {
	DatabaseURL string
	Port        string
	RedisURL    string

	Relays            []string
	RelayQueryTimeout time.Duration
	RegistryReload    time.Duration

	WebhookTimeout time.Duration
	WebhookRetries int

	RateLimitFree    int
	RateLimitPremium int

	ScanMaxFollowers int
	ScanMaxFollowing int
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first so local deployments need no exported variables.
func Load() *Config {
	_ = godotenv.Load()

	relays := parseList(os.Getenv("NOSTR_RELAYS"))
	if len(relays) == 0 {
		relays = defaultRelays
	}

	return &Config{
		DatabaseURL:       getEnv("DATABASE_URL", "deepclaw.db"),
		Port:              getEnv("PORT", "3000"),
		RedisURL:          os.Getenv("REDIS_URL"),
		Relays:            relays,
		RelayQueryTimeout: parseDuration(os.Getenv("RELAY_QUERY_TIMEOUT"), 10*time.Second),
		RegistryReload:    parseDuration(os.Getenv("REGISTRY_RELOAD"), 5*time.Minute),
		WebhookTimeout:    time.Duration(parseInt(os.Getenv("WEBHOOK_TIMEOUT_MS"), 5000)) * time.Millisecond,
		WebhookRetries:    parseInt(os.Getenv("WEBHOOK_RETRIES"), 3),
		RateLimitFree:     parseInt(os.Getenv("RATE_LIMIT_FREE"), 100),
		RateLimitPremium:  parseInt(os.Getenv("RATE_LIMIT_PREMIUM"), 1000),
		ScanMaxFollowers:  parseInt(os.Getenv("SCAN_MAX_FOLLOWERS"), 300),
		ScanMaxFollowing:  parseInt(os.Getenv("SCAN_MAX_FOLLOWING"), 100),
	}
}

// RateLimit returns the hourly request budget for a tier.
func (c *Config) RateLimit(tier string) int {
	if tier == "premium" {
		return c.RateLimitPremium
	}
	return c.RateLimitFree
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
