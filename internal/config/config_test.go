package config_test

import (
	"testing"
	"time"

	"github.com/agentoven/crowdconsult/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("RATE_LIMIT_WINDOW", "")
	t.Setenv("RELAY_POLL_INTERVAL", "")

	cfg := config.Load()
	if cfg.Database.Driver != "memory" {
		t.Errorf("Driver = %q, want memory", cfg.Database.Driver)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Errorf("Window = %s, want 1m", cfg.RateLimit.Window)
	}
	if cfg.Relay.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %s, want 500ms", cfg.Relay.PollInterval)
	}
	if cfg.Relay.MaxDuration != 5*time.Minute {
		t.Errorf("MaxDuration = %s, want 5m", cfg.Relay.MaxDuration)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_CONSULT", "3")
	t.Setenv("CONSULT_AGENT_TIMEOUT", "5s")
	t.Setenv("AGENT_ENDPOINTS", "a1|u1|http://a1, a2|u2|http://a2 ,")
	t.Setenv("RATE_LIMIT_EXEMPT", "/health,/metrics")

	cfg := config.Load()
	if cfg.RateLimit.ConsultLimit != 3 {
		t.Errorf("ConsultLimit = %d, want 3", cfg.RateLimit.ConsultLimit)
	}
	if len(cfg.RateLimit.Exempt) != 2 || cfg.RateLimit.Exempt[1] != "/metrics" {
		t.Errorf("Exempt = %v", cfg.RateLimit.Exempt)
	}
	if cfg.Consult.AgentTimeout != 5*time.Second {
		t.Errorf("AgentTimeout = %s, want 5s", cfg.Consult.AgentTimeout)
	}
	if len(cfg.Agents.Endpoints) != 2 || cfg.Agents.Endpoints[1] != "a2|u2|http://a2" {
		t.Errorf("Endpoints = %v", cfg.Agents.Endpoints)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Database.Driver = "mongo" }},
		{"postgres without url", func(c *config.Config) { c.Database.Driver = "postgres"; c.Database.URL = "" }},
		{"job timeout within agent timeout", func(c *config.Config) { c.Consult.JobTimeout = c.Consult.AgentTimeout }},
		{"stale before job timeout", func(c *config.Config) { c.Consult.StaleAfter = c.Consult.JobTimeout }},
		{"zero limit", func(c *config.Config) { c.RateLimit.ConsultLimit = 0 }},
		{"relay duration too short", func(c *config.Config) { c.Relay.MaxDuration = c.Relay.PollInterval }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Load()
			cfg.Database.Driver = "memory"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
