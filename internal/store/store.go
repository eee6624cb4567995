// Package store provides the persistence interface and implementations for
// consultations, agent responses and feedback.
//
// MemoryStore serves local development and tests, SQLiteStore a single
// node, PostgresStore shared deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentoven/crowdconsult/pkg/models"
)

// Store is the primary storage interface for the control plane.
// The orchestrator, relay and handlers depend only on this interface.
type Store interface {
	ConsultationStore
	AgentResponseStore
	FeedbackStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error
}

// ── Consultation Store ──────────────────────────────────────

type ConsultationStore interface {
	CreateConsultation(ctx context.Context, c *models.Consultation) error
	GetConsultation(ctx context.Context, id string) (*models.Consultation, error)

	// FinalizeConsultation moves a PENDING consultation to a terminal status
	// and stores its summary. Returns ErrAlreadyFinal if the consultation is
	// not PENDING, so each consultation is finalized exactly once.
	FinalizeConsultation(ctx context.Context, id string, status models.ConsultationStatus, summary *models.Summary) error

	// ListConsultationsByAsker returns the asker's consultations, newest first.
	ListConsultationsByAsker(ctx context.Context, askerID string, limit int) ([]models.Consultation, error)

	// ListStalePending returns PENDING consultations created before cutoff.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Consultation, error)
}

// ── Agent Response Store ────────────────────────────────────

type AgentResponseStore interface {
	CreateAgentResponse(ctx context.Context, r *models.AgentResponse) error

	// ListAgentResponses returns a consultation's responses in creation order.
	ListAgentResponses(ctx context.Context, consultationID string) ([]models.AgentResponse, error)
}

// ── Feedback Store ──────────────────────────────────────────

type FeedbackStore interface {
	CreateFeedback(ctx context.Context, f *models.Feedback) error
	ListFeedback(ctx context.Context, consultationID string) ([]models.Feedback, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrAlreadyFinal is returned when finalizing a consultation that already
// left PENDING.
var ErrAlreadyFinal = errors.New("consultation already finalized")

// IsNotFound reports whether err is (or wraps) an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// DefaultListLimit caps list queries when the caller passes limit <= 0.
const DefaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}
