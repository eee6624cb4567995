package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the consultation control plane.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Consult   ConsultConfig
	Relay     RelayConfig
	Agents    AgentsConfig
}

type DatabaseConfig struct {
	// Driver selects the store: "memory", "sqlite" or "postgres".
	Driver         string
	URL            string
	Path           string
	MaxConnections int
}

type RedisConfig struct {
	// URL is a redis:// URL. Empty means local mode: in-memory event log
	// and no rate limiting.
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	SessionSecret string
	SessionTTL    time.Duration
	// DevLogin enables POST /api/auth/session, which mints a session for
	// any user id. Never enable outside local development.
	DevLogin bool
}

type RateLimitConfig struct {
	Window         time.Duration
	ConsultLimit   int
	GeneralLimit   int
	AnonymousLimit int
	// Local counts requests in process memory when Redis is not configured.
	// Only correct for a single instance.
	Local bool
	// Exempt replaces the default unlimited path prefixes when set.
	Exempt []string
}

type ConsultConfig struct {
	MaxAgents    int
	AgentTimeout time.Duration
	JobTimeout   time.Duration
	StaleAfter   time.Duration
	ReapInterval time.Duration
}

type RelayConfig struct {
	PollInterval time.Duration
	MaxDuration  time.Duration
}

type AgentsConfig struct {
	// Endpoints entries have the form "id|owner|url".
	Endpoints      []string
	RequestTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:    envInt("CROWDCONSULT_PORT", 8080),
		Version: envStr("CROWDCONSULT_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			Driver:         envStr("STORE_DRIVER", "memory"),
			URL:            envStr("DATABASE_URL", ""),
			Path:           envStr("DB_PATH", "./data/crowdconsult.db"),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "crowdconsult"),
		},
		Auth: AuthConfig{
			SessionSecret: envStr("SESSION_SECRET", ""),
			SessionTTL:    envDuration("SESSION_TTL", 7*24*time.Hour),
			DevLogin:      envBool("AUTH_DEV_LOGIN", false),
		},
		RateLimit: RateLimitConfig{
			Window:         envDuration("RATE_LIMIT_WINDOW", 60*time.Second),
			ConsultLimit:   envInt("RATE_LIMIT_CONSULT", 10),
			GeneralLimit:   envInt("RATE_LIMIT_GENERAL", 60),
			AnonymousLimit: envInt("RATE_LIMIT_ANONYMOUS", 60),
			Local:          envBool("RATE_LIMIT_LOCAL", false),
			Exempt:         envList("RATE_LIMIT_EXEMPT"),
		},
		Consult: ConsultConfig{
			MaxAgents:    envInt("CONSULT_MAX_AGENTS", 5),
			AgentTimeout: envDuration("CONSULT_AGENT_TIMEOUT", 30*time.Second),
			JobTimeout:   envDuration("CONSULT_JOB_TIMEOUT", 2*time.Minute),
			StaleAfter:   envDuration("CONSULT_STALE_AFTER", 10*time.Minute),
			ReapInterval: envDuration("CONSULT_REAP_INTERVAL", time.Minute),
		},
		Relay: RelayConfig{
			PollInterval: envDuration("RELAY_POLL_INTERVAL", 500*time.Millisecond),
			MaxDuration:  envDuration("RELAY_MAX_DURATION", 5*time.Minute),
		},
		Agents: AgentsConfig{
			Endpoints:      envList("AGENT_ENDPOINTS"),
			RequestTimeout: envDuration("AGENT_REQUEST_TIMEOUT", 25*time.Second),
		},
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("DB_PATH cannot be empty when STORE_DRIVER=sqlite")
	}
	if c.RateLimit.Window < time.Second {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s")
	}
	if c.RateLimit.ConsultLimit <= 0 || c.RateLimit.GeneralLimit <= 0 || c.RateLimit.AnonymousLimit <= 0 {
		return fmt.Errorf("rate limits must be > 0")
	}
	if c.Consult.MaxAgents <= 0 {
		return fmt.Errorf("CONSULT_MAX_AGENTS must be > 0")
	}
	if c.Consult.JobTimeout <= c.Consult.AgentTimeout {
		return fmt.Errorf("CONSULT_JOB_TIMEOUT (%s) must exceed CONSULT_AGENT_TIMEOUT (%s)", c.Consult.JobTimeout, c.Consult.AgentTimeout)
	}
	if c.Consult.StaleAfter <= c.Consult.JobTimeout {
		return fmt.Errorf("CONSULT_STALE_AFTER (%s) must exceed CONSULT_JOB_TIMEOUT (%s)", c.Consult.StaleAfter, c.Consult.JobTimeout)
	}
	if c.Relay.PollInterval <= 0 || c.Relay.MaxDuration <= c.Relay.PollInterval {
		return fmt.Errorf("RELAY_MAX_DURATION must exceed RELAY_POLL_INTERVAL")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
