// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backend names accepted in SUBSYNC_STORE
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

// Config holds all service configuration
type Config struct {
	// Port the HTTP server listens on
	Port string

	// Store selects the storage backend: memory, postgres, redis, firestore
	Store string

	// DatabaseURL is the Postgres connection string (postgres backend)
	DatabaseURL string

	// RedisAddr and RedisPassword configure the Redis client (redis backend)
	RedisAddr     string
	RedisPassword string

	// FirestoreProject is the GCP project id (firestore backend)
	FirestoreProject string

	// StripeAPIKey is the secret API key for the Stripe client
	StripeAPIKey string

	// StripeWebhookSecret is the endpoint signing secret for webhook verification
	StripeWebhookSecret string

	// PlanMapping maps plan names to Stripe price ids,
	// parsed from "plan=price_xxx,other=price_yyy"
	PlanMapping map[string]string

	// SuccessURL and CancelURL are the default checkout redirect targets
	SuccessURL string
	CancelURL  string

	// LogLevel is a zerolog level string (debug, info, warn, error)
	LogLevel string

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() (*Config, error) {
	// Missing .env is the normal case in production
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Store:               getEnv("SUBSYNC_STORE", StoreMemory),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		FirestoreProject:    os.Getenv("FIRESTORE_PROJECT"),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		SuccessURL:          getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:8080/success"),
		CancelURL:           getEnv("CHECKOUT_CANCEL_URL", "http://localhost:8080/cancel"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout:     10 * time.Second,
	}

	mapping, err := parsePlanMapping(os.Getenv("PLAN_MAPPING"))
	if err != nil {
		return nil, err
	}
	cfg.PlanMapping = mapping

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis, StoreFirestore:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store)
	}

	if c.Store == StoreFirestore && c.FirestoreProject == "" {
		return fmt.Errorf("FIRESTORE_PROJECT is required for the firestore store")
	}

	if c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required")
	}
	return nil
}

// parsePlanMapping parses "premium=price_123,team=price_456" into a map
func parsePlanMapping(raw string) (map[string]string, error) {
	mapping := make(map[string]string)
	if raw == "" {
		return mapping, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		plan, price, ok := strings.Cut(pair, "=")
		if !ok || plan == "" || price == "" {
			return nil, fmt.Errorf("invalid PLAN_MAPPING entry %q", pair)
		}
		mapping[strings.TrimSpace(plan)] = strings.TrimSpace(price)
	}
	return mapping, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
