package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/crowdconsult/pkg/models"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store on PostgreSQL via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
	url  string
}

// NewPostgresStore connects to databaseURL and verifies the connection.
// Call Migrate before serving traffic.
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Msg("✅ PostgreSQL store initialized")
	return &PostgresStore{pool: pool, url: databaseURL}, nil
}

// Migrate applies the embedded SQL migrations.
func (s *PostgresStore) Migrate(_ context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, s.url)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Migrations applied")
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Consultations ───────────────────────────────────────────

func (s *PostgresStore) CreateConsultation(ctx context.Context, c *models.Consultation) error {
	summary, err := encodeSummary(c.Summary)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO consultations (id, asker_id, question, status, summary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.AskerID, c.Question, string(c.Status), summary, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConsultation(ctx context.Context, id string) (*models.Consultation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, asker_id, question, status, summary, created_at, updated_at
		FROM consultations WHERE id = $1`, id)

	c, err := scanPgConsultation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "consultation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("scan consultation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) FinalizeConsultation(ctx context.Context, id string, status models.ConsultationStatus, summary *models.Summary) error {
	encoded, err := encodeSummary(summary)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE consultations SET status = $1, summary = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(status), encoded, time.Now().UTC(), id, string(models.ConsultationPending),
	)
	if err != nil {
		return fmt.Errorf("finalize consultation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetConsultation(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyFinal
}

func (s *PostgresStore) ListConsultationsByAsker(ctx context.Context, askerID string, limit int) ([]models.Consultation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, asker_id, question, status, summary, created_at, updated_at
		FROM consultations WHERE asker_id = $1
		ORDER BY created_at DESC LIMIT $2`, askerID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query consultations: %w", err)
	}
	return collectPgConsultations(rows)
}

func (s *PostgresStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Consultation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, asker_id, question, status, summary, created_at, updated_at
		FROM consultations WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC LIMIT $3`,
		string(models.ConsultationPending), cutoff, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query stale consultations: %w", err)
	}
	return collectPgConsultations(rows)
}

// ── Agent Responses ─────────────────────────────────────────

func (s *PostgresStore) CreateAgentResponse(ctx context.Context, r *models.AgentResponse) error {
	keyPoints, err := encodeStrings(r.KeyPoints)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_responses
			(id, consultation_id, agent_id, raw_response, key_points, is_valid, invalid_reason, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ConsultationID, r.AgentID, r.RawResponse, keyPoints,
		r.IsValid, nullString(r.InvalidReason), r.LatencyMs, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent response: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAgentResponses(ctx context.Context, consultationID string) ([]models.AgentResponse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, consultation_id, agent_id, raw_response, key_points, is_valid, invalid_reason, latency_ms, created_at
		FROM agent_responses WHERE consultation_id = $1 ORDER BY seq ASC`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("query agent responses: %w", err)
	}
	defer rows.Close()

	result := make([]models.AgentResponse, 0)
	for rows.Next() {
		var r models.AgentResponse
		var keyPoints []byte
		var reason *string
		if err := rows.Scan(&r.ID, &r.ConsultationID, &r.AgentID, &r.RawResponse, &keyPoints,
			&r.IsValid, &reason, &r.LatencyMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent response: %w", err)
		}
		if err := json.Unmarshal(keyPoints, &r.KeyPoints); err != nil {
			return nil, fmt.Errorf("decode key points: %w", err)
		}
		if reason != nil {
			r.InvalidReason = *reason
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ── Feedback ────────────────────────────────────────────────

func (s *PostgresStore) CreateFeedback(ctx context.Context, f *models.Feedback) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback (id, consultation_id, user_id, helpful, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.ConsultationID, f.UserID, f.Helpful, f.Rating, nullString(f.Comment), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFeedback(ctx context.Context, consultationID string) ([]models.Feedback, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, consultation_id, user_id, helpful, rating, comment, created_at
		FROM feedback WHERE consultation_id = $1 ORDER BY seq ASC`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	result := make([]models.Feedback, 0)
	for rows.Next() {
		var f models.Feedback
		var comment *string
		if err := rows.Scan(&f.ID, &f.ConsultationID, &f.UserID, &f.Helpful, &f.Rating, &comment, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if comment != nil {
			f.Comment = *comment
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// ── Helpers ─────────────────────────────────────────────────

func scanPgConsultation(row pgx.Row) (*models.Consultation, error) {
	var c models.Consultation
	var status string
	var summary []byte

	if err := row.Scan(&c.ID, &c.AskerID, &c.Question, &status, &summary, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = models.ConsultationStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if len(summary) > 0 {
		var s models.Summary
		if err := json.Unmarshal(summary, &s); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		c.Summary = &s
	}
	return &c, nil
}

func collectPgConsultations(rows pgx.Rows) ([]models.Consultation, error) {
	defer rows.Close()
	result := make([]models.Consultation, 0)
	for rows.Next() {
		c, err := scanPgConsultation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consultation: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

// Truncate removes all rows. Used by integration tests.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE feedback, agent_responses, consultations`)
	return err
}
