// Package config loads the orchestration core's configuration from
// environment variables (spec.md §6.1), optionally layered over a local
// .env file for development, grounded on tarsy's pkg/database.LoadConfigFromEnv
// getEnvOrDefault/parse-and-validate shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StoreBackend selects a storage.Store implementation.
type StoreBackend string

const (
	StoreBackendBolt     StoreBackend = "bolt"
	StoreBackendPostgres StoreBackend = "postgres"
	StoreBackendMemory   StoreBackend = "memory"
)

// Config is the core's runtime configuration, assembled once at process
// start and passed explicitly into the object graph (spec.md §9: no
// singletons).
type Config struct {
	// Gateway Client
	GatewayURL   string
	GatewayToken string

	// State Store
	StoreBackend StoreBackend
	DBPath       string
	PostgresDSN  string
	DataDir      string

	// Safety ceilings
	MaxConcurrentAgents int
	GlobalDailyCostCap  float64

	// Event Bus
	EventBusReplaySize int
	EventMirrorAddr    string

	// Auto-Improvement Loop
	AutoImproveSchedule     string
	AutoImproveAllowlist    []string
	AutoImproveDailyCostCap float64

	// At-rest encryption (pkg/security): derives the AES-256-GCM key used to
	// encrypt a team's shared-context blob before it reaches the Store.
	EncryptionInstanceID string
}

// Load reads configuration from the environment, after loading a .env file
// from path if present (missing .env is not an error — it's optional, the
// way a local dev override always is).
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	maxAgents, err := strconv.Atoi(getEnvOrDefault("MAX_CONCURRENT_AGENTS", "50"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_CONCURRENT_AGENTS: %w", err)
	}

	dailyCap, err := strconv.ParseFloat(getEnvOrDefault("GLOBAL_DAILY_COST_CAP", "100.0"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid GLOBAL_DAILY_COST_CAP: %w", err)
	}

	replaySize, err := strconv.Atoi(getEnvOrDefault("EVENT_BUS_REPLAY_SIZE", "10000"))
	if err != nil {
		return nil, fmt.Errorf("invalid EVENT_BUS_REPLAY_SIZE: %w", err)
	}

	autoImproveCap, err := strconv.ParseFloat(getEnvOrDefault("AUTO_IMPROVE_DAILY_COST_CAP", "10.0"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_IMPROVE_DAILY_COST_CAP: %w", err)
	}

	cfg := &Config{
		GatewayURL:   os.Getenv("GATEWAY_URL"),
		GatewayToken: os.Getenv("GATEWAY_TOKEN"),

		StoreBackend: StoreBackend(getEnvOrDefault("STORE_BACKEND", string(StoreBackendBolt))),
		DBPath:       getEnvOrDefault("DB_PATH", "foreman.db"),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		DataDir:      getEnvOrDefault("DATA_DIR", "./data"),

		MaxConcurrentAgents: maxAgents,
		GlobalDailyCostCap:  dailyCap,

		EventBusReplaySize: replaySize,
		EventMirrorAddr:    os.Getenv("EVENT_MIRROR_ADDR"),

		AutoImproveSchedule:     getEnvOrDefault("AUTO_IMPROVE_SCHEDULE", "@every 30m"),
		AutoImproveAllowlist:    splitCSV(os.Getenv("AUTO_IMPROVE_ALLOWLIST")),
		AutoImproveDailyCostCap: autoImproveCap,

		EncryptionInstanceID: getEnvOrDefault("ENCRYPTION_INSTANCE_ID", "foreman-default"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// failures deep inside the object graph.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendBolt, StoreBackendPostgres, StoreBackendMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: must be bolt, postgres or memory", c.StoreBackend)
	}
	if c.StoreBackend == StoreBackendPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=postgres")
	}
	if c.MaxConcurrentAgents < 1 {
		return fmt.Errorf("MAX_CONCURRENT_AGENTS must be at least 1")
	}
	if c.GlobalDailyCostCap <= 0 {
		return fmt.Errorf("GLOBAL_DAILY_COST_CAP must be positive")
	}
	if c.EventBusReplaySize < 1 {
		return fmt.Errorf("EVENT_BUS_REPLAY_SIZE must be at least 1")
	}
	if c.AutoImproveDailyCostCap <= 0 {
		return fmt.Errorf("AUTO_IMPROVE_DAILY_COST_CAP must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ReconnectBaseDelay and ReconnectMaxDelay are the Gateway Client's
// reconnection backoff bounds (spec.md §4.3); fixed, not environment-tunable.
const (
	ReconnectBaseDelay = time.Second
	ReconnectMaxDelay  = 30 * time.Second
)
