// Package server provides the public entry point for initializing the
// consultation control plane.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	...
//	srv.ShutdownFunc(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentoven/crowdconsult/internal/api"
	"github.com/agentoven/crowdconsult/internal/api/handlers"
	"github.com/agentoven/crowdconsult/internal/auth"
	"github.com/agentoven/crowdconsult/internal/config"
	"github.com/agentoven/crowdconsult/internal/consult"
	"github.com/agentoven/crowdconsult/internal/dispatch"
	"github.com/agentoven/crowdconsult/internal/eventlog"
	"github.com/agentoven/crowdconsult/internal/ratelimit"
	"github.com/agentoven/crowdconsult/internal/relay"
	"github.com/agentoven/crowdconsult/internal/store"
	"github.com/agentoven/crowdconsult/internal/telemetry"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the consultation store selected by STORE_DRIVER.
	Store store.Store

	// Orchestrator runs consultation jobs. ShutdownFunc drains it.
	Orchestrator *consult.Orchestrator

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc drains running consultations, then releases Redis, the
	// store and telemetry. Call it after the HTTP server has stopped.
	ShutdownFunc func(context.Context) error
}

// New loads configuration from the environment and builds the server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes all components from cfg.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		shutdownTelemetry(ctx)
		return nil, err
	}
	if err := dataStore.Migrate(ctx); err != nil {
		dataStore.Close()
		shutdownTelemetry(ctx)
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	// Background loops stop when the server shuts down.
	bgCtx, stopBackground := context.WithCancel(context.Background())

	var (
		redisClient *redis.Client
		events      eventlog.Log
		counters    ratelimit.CounterStore
	)
	if cfg.Redis.URL != "" {
		redisClient, err = openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			stopBackground()
			dataStore.Close()
			shutdownTelemetry(ctx)
			return nil, err
		}
		events = eventlog.NewRedisLog(redisClient, 0)
		counters = ratelimit.NewRedisCounterStore(redisClient)
		log.Info().Msg("✅ Redis event log and rate limiter initialized")
	} else {
		events = eventlog.NewMemoryLog()
		log.Info().Msg("✅ In-memory event log initialized")
		if cfg.RateLimit.Local {
			mem := ratelimit.NewMemoryCounterStore()
			go sweepCounters(bgCtx, mem, cfg.RateLimit.Window)
			counters = mem
			log.Info().Msg("✅ In-memory rate limiter initialized")
		}
	}

	agents, err := dispatch.ParseEndpoints(cfg.Agents.Endpoints)
	if err != nil {
		stopBackground()
		closeRedis(redisClient)
		dataStore.Close()
		shutdownTelemetry(ctx)
		return nil, fmt.Errorf("parse agent endpoints: %w", err)
	}
	if len(agents) == 0 {
		log.Warn().Msg("⚠️  No agent endpoints configured; consultations will fail")
	}
	dispatcher := dispatch.NewA2AClient(agents, cfg.Consult.MaxAgents, cfg.Agents.RequestTimeout)
	log.Info().Int("agents", len(agents)).Msg("✅ Agent dispatcher initialized")

	orch := consult.New(dataStore, events, nil, dispatcher, nil, consult.Options{
		AgentTimeout: cfg.Consult.AgentTimeout,
		JobTimeout:   cfg.Consult.JobTimeout,
	})
	reaper := consult.NewReaper(dataStore, orch, cfg.Consult.StaleAfter, cfg.Consult.ReapInterval)
	go reaper.Start(bgCtx)
	log.Info().Msg("✅ Consultation orchestrator initialized")

	streams := relay.New(dataStore, events, relay.Options{
		PollInterval: cfg.Relay.PollInterval,
		MaxDuration:  cfg.Relay.MaxDuration,
	})

	sessions := auth.NewSessionProvider(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL)
	if !sessions.Enabled() {
		log.Warn().Msg("⚠️  SESSION_SECRET not set; every request is anonymous")
	}
	if cfg.Auth.DevLogin {
		log.Warn().Msg("⚠️  Dev login enabled; anyone can mint a session")
	}
	chain := auth.NewProviderChain(sessions)

	log.Info().Strs("providers", chain.ListProviders()).Msg("✅ Auth chain initialized")

	var limiterOpts []ratelimit.Option
	if len(cfg.RateLimit.Exempt) > 0 {
		limiterOpts = append(limiterOpts, ratelimit.WithExemptPrefixes(cfg.RateLimit.Exempt...))
	}
	limiter := ratelimit.New(counters, cfg.RateLimit.Window, ratelimit.Limits{
		Consult:   cfg.RateLimit.ConsultLimit,
		General:   cfg.RateLimit.GeneralLimit,
		Anonymous: cfg.RateLimit.AnonymousLimit,
	}, sessions.VerifiedCredential, limiterOpts...)

	h := handlers.New(dataStore, orch, streams, sessions)
	h.DevLogin = cfg.Auth.DevLogin
	h.Version = cfg.Version
	router := api.NewRouter(h, chain, limiter)

	shutdown := func(ctx context.Context) error {
		stopBackground()
		errs := []error{orch.Shutdown(ctx)}
		if redisClient != nil {
			errs = append(errs, redisClient.Close())
		}
		errs = append(errs, dataStore.Close(), shutdownTelemetry(ctx))
		return errors.Join(errs...)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Orchestrator: orch,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.URL, cfg.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		log.Info().Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(), nil
	}
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func closeRedis(c *redis.Client) {
	if c != nil {
		c.Close()
	}
}

func sweepCounters(ctx context.Context, s *ratelimit.MemoryCounterStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Debug().Int("swept", n).Msg("Rate limit counters swept")
			}
		}
	}
}
