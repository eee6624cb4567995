// Package contracts defines the collaborator interfaces the consultation
// engine consumes.
//
// The engine never talks to agents, summarizers or identity providers
// directly; it depends on these interfaces so a deployment can swap the
// community implementations (internal/dispatch, internal/consult's
// KeyPointSummarizer, internal/auth) without touching the orchestrator.
package contracts

import (
	"context"

	"github.com/agentoven/crowdconsult/internal/store"
	"github.com/agentoven/crowdconsult/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Agent Dispatcher ────────────────────────────────────────

// AgentDispatcher reaches other users' agents.
// OSS implementation: internal/dispatch.A2AClient
type AgentDispatcher interface {
	// Agents returns the agents that should answer a question asked by
	// askerID. The asker's own agents are never included.
	Agents(ctx context.Context, askerID string) ([]models.AgentRef, error)

	// Ask sends the question to one agent. A returned error is a dispatch
	// failure for that agent only.
	Ask(ctx context.Context, agent models.AgentRef, question string) (*models.AgentReply, error)
}

// ── Summarizer ──────────────────────────────────────────────

// Summarizer aggregates valid agent responses into a consensus report.
// OSS implementation: internal/consult.KeyPointSummarizer
type Summarizer interface {
	Summarize(ctx context.Context, question string, responses []models.AgentResponse) (*models.Summary, error)
}
