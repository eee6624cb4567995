package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentoven/crowdconsult/pkg/models"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Suitable for a single node.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode lets the relay read while fan-out jobs write.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("✅ SQLite store initialized")
	return s, nil
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS consultations (
		id TEXT PRIMARY KEY,
		asker_id TEXT NOT NULL,
		question TEXT NOT NULL,
		status TEXT NOT NULL,
		summary_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_consultations_asker ON consultations(asker_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_consultations_pending ON consultations(created_at) WHERE status = 'PENDING';

	CREATE TABLE IF NOT EXISTS agent_responses (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		consultation_id TEXT NOT NULL REFERENCES consultations(id),
		agent_id TEXT NOT NULL,
		raw_response TEXT NOT NULL,
		key_points_json TEXT NOT NULL,
		is_valid INTEGER NOT NULL,
		invalid_reason TEXT,
		latency_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_responses_consultation ON agent_responses(consultation_id, seq);

	CREATE TABLE IF NOT EXISTS feedback (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		consultation_id TEXT NOT NULL REFERENCES consultations(id),
		user_id TEXT NOT NULL,
		helpful INTEGER NOT NULL,
		rating INTEGER NOT NULL,
		comment TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_consultation ON feedback(consultation_id, seq);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ── Consultations ───────────────────────────────────────────

func (s *SQLiteStore) CreateConsultation(ctx context.Context, c *models.Consultation) error {
	summary, err := encodeSummary(c.Summary)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consultations (id, asker_id, question, status, summary_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AskerID, c.Question, string(c.Status), summary,
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConsultation(ctx context.Context, id string) (*models.Consultation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, asker_id, question, status, summary_json, created_at, updated_at
		FROM consultations WHERE id = ?`, id)

	c, err := scanConsultation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "consultation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("scan consultation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) FinalizeConsultation(ctx context.Context, id string, status models.ConsultationStatus, summary *models.Summary) error {
	encoded, err := encodeSummary(summary)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE consultations SET status = ?, summary_json = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), encoded, time.Now().UTC().UnixMilli(), id, string(models.ConsultationPending),
	)
	if err != nil {
		return fmt.Errorf("finalize consultation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize consultation: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetConsultation(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyFinal
}

func (s *SQLiteStore) ListConsultationsByAsker(ctx context.Context, askerID string, limit int) ([]models.Consultation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asker_id, question, status, summary_json, created_at, updated_at
		FROM consultations WHERE asker_id = ?
		ORDER BY created_at DESC LIMIT ?`, askerID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query consultations: %w", err)
	}
	return collectConsultations(rows)
}

func (s *SQLiteStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Consultation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asker_id, question, status, summary_json, created_at, updated_at
		FROM consultations WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC LIMIT ?`,
		string(models.ConsultationPending), cutoff.UnixMilli(), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query stale consultations: %w", err)
	}
	return collectConsultations(rows)
}

// ── Agent Responses ─────────────────────────────────────────

func (s *SQLiteStore) CreateAgentResponse(ctx context.Context, r *models.AgentResponse) error {
	keyPoints, err := encodeStrings(r.KeyPoints)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_responses
			(id, consultation_id, agent_id, raw_response, key_points_json, is_valid, invalid_reason, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConsultationID, r.AgentID, r.RawResponse, keyPoints,
		boolToInt(r.IsValid), nullString(r.InvalidReason), r.LatencyMs, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert agent response: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAgentResponses(ctx context.Context, consultationID string) ([]models.AgentResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, consultation_id, agent_id, raw_response, key_points_json, is_valid, invalid_reason, latency_ms, created_at
		FROM agent_responses WHERE consultation_id = ? ORDER BY seq ASC`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("query agent responses: %w", err)
	}
	defer rows.Close()

	result := make([]models.AgentResponse, 0)
	for rows.Next() {
		var r models.AgentResponse
		var keyPoints string
		var valid int
		var reason sql.NullString
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.ConsultationID, &r.AgentID, &r.RawResponse, &keyPoints,
			&valid, &reason, &r.LatencyMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan agent response: %w", err)
		}
		if err := json.Unmarshal([]byte(keyPoints), &r.KeyPoints); err != nil {
			return nil, fmt.Errorf("decode key points: %w", err)
		}
		r.IsValid = valid != 0
		r.InvalidReason = reason.String
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		result = append(result, r)
	}
	return result, rows.Err()
}

// ── Feedback ────────────────────────────────────────────────

func (s *SQLiteStore) CreateFeedback(ctx context.Context, f *models.Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, consultation_id, user_id, helpful, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ConsultationID, f.UserID, boolToInt(f.Helpful), f.Rating, nullString(f.Comment), f.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFeedback(ctx context.Context, consultationID string) ([]models.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, consultation_id, user_id, helpful, rating, comment, created_at
		FROM feedback WHERE consultation_id = ? ORDER BY seq ASC`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	result := make([]models.Feedback, 0)
	for rows.Next() {
		var f models.Feedback
		var helpful int
		var comment sql.NullString
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.ConsultationID, &f.UserID, &helpful, &f.Rating, &comment, &createdAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		f.Helpful = helpful != 0
		f.Comment = comment.String
		f.CreatedAt = time.UnixMilli(createdAt).UTC()
		result = append(result, f)
	}
	return result, rows.Err()
}

// ── Helpers ─────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsultation(row rowScanner) (*models.Consultation, error) {
	var c models.Consultation
	var status string
	var summary sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&c.ID, &c.AskerID, &c.Question, &status, &summary, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = models.ConsultationStatus(status)
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if summary.Valid && summary.String != "" {
		var s models.Summary
		if err := json.Unmarshal([]byte(summary.String), &s); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		c.Summary = &s
	}
	return &c, nil
}

func collectConsultations(rows *sql.Rows) ([]models.Consultation, error) {
	defer rows.Close()
	result := make([]models.Consultation, 0)
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consultation: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func encodeSummary(s *models.Summary) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode summary: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode key points: %w", err)
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
