// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Network names accepted by Config.Network.
const (
	NetworkMainnet = "mainnet"
	NetworkSandbox = "sandbox"
)

// Config holds all runtime configuration. Values come from the environment,
// optionally seeded from a .env file.
type Config struct {
	// Pi network selection and platform API access.
	Network      string `env:"PI_NETWORK,default=mainnet"`
	PiAPIBaseURL string `env:"PI_API_URL,default=https://api.minepi.com"`
	PiAPIVersion string `env:"PI_API_VERSION,default=v2"`
	PiAPIKey     string `env:"PI_API_KEY"`
	SDKVersion   string `env:"PI_SDK_VERSION,default=2.0"`
	SDKScriptURL string `env:"PI_SDK_SCRIPT_URL,default=https://sdk.minepi.com/pi-sdk.js"`

	// Gateway server and the orchestrator's view of it.
	ListenAddr     string `env:"GATEWAY_ADDR,default=:8090"`
	BackendBaseURL string `env:"GATEWAY_BASE_URL,default=http://localhost:8090"`

	// Supabase REST persistence (profiles, payment idempotency).
	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_KEY"`
	SupabaseJWTSecret  string `env:"SUPABASE_JWT_SECRET"`

	// Postgres for the subscription store.
	PostgresDSN string `env:"DATABASE_URL"`

	// Redis session cache.
	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	// Account policy.
	AllowMultipleAccounts  bool    `env:"ALLOW_MULTIPLE_ACCOUNTS,default=false"`
	AdditionalAccountPrice float64 `env:"ADDITIONAL_ACCOUNT_PRICE,default=10"`

	// Token distribution.
	DropAssetCode  string `env:"DROP_ASSET_CODE,default=DROP"`
	DistributorURL string `env:"DISTRIBUTOR_URL"`

	// Stale-payment reconciliation sweep (cron spec, empty disables).
	ReconcileSchedule string `env:"PAYMENT_RECONCILE_SCHEDULE,default=@every 5m"`
}

// Load reads .env when present, then decodes the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Network != NetworkMainnet && cfg.Network != NetworkSandbox {
		return Config{}, fmt.Errorf("unknown PI_NETWORK %q", cfg.Network)
	}
	return cfg, nil
}

// Sandbox reports whether the SDK should initialize against the sandbox.
func (c Config) Sandbox() bool {
	return c.Network != NetworkMainnet
}

// HorizonBaseURL returns the ledger API endpoint for the selected network.
func (c Config) HorizonBaseURL() string {
	if c.Sandbox() {
		return "https://api.testnet.minepi.com"
	}
	return "https://api.mainnet.minepi.com"
}
