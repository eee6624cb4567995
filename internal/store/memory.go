// In-memory Store implementation.
// Used when no database is configured (local dev, tests). Data does not
// survive a restart.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/crowdconsult/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	consultations map[string]*models.Consultation    // key: id
	responses     map[string][]*models.AgentResponse // key: consultation id, creation order
	feedback      map[string][]*models.Feedback      // key: consultation id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		consultations: make(map[string]*models.Consultation),
		responses:     make(map[string][]*models.AgentResponse),
		feedback:      make(map[string][]*models.Feedback),
	}
}

func (m *MemoryStore) Ping(_ context.Context) error    { return nil }
func (m *MemoryStore) Close() error                    { return nil }
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Consultations ───────────────────────────────────────────

func (m *MemoryStore) CreateConsultation(_ context.Context, c *models.Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyConsultation(c)
	m.consultations[c.ID] = cp
	return nil
}

func (m *MemoryStore) GetConsultation(_ context.Context, id string) (*models.Consultation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.consultations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "consultation", Key: id}
	}
	return copyConsultation(c), nil
}

func (m *MemoryStore) FinalizeConsultation(_ context.Context, id string, status models.ConsultationStatus, summary *models.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.consultations[id]
	if !ok {
		return &ErrNotFound{Entity: "consultation", Key: id}
	}
	if c.Status != models.ConsultationPending {
		return ErrAlreadyFinal
	}
	c.Status = status
	c.Summary = copySummary(summary)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListConsultationsByAsker(_ context.Context, askerID string, limit int) ([]models.Consultation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Consultation
	for _, c := range m.consultations {
		if c.AskerID == askerID {
			result = append(result, *copyConsultation(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit = normalizeLimit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]models.Consultation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Consultation
	for _, c := range m.consultations {
		if c.Status == models.ConsultationPending && c.CreatedAt.Before(cutoff) {
			result = append(result, *copyConsultation(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit = normalizeLimit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Agent Responses ─────────────────────────────────────────

func (m *MemoryStore) CreateAgentResponse(_ context.Context, r *models.AgentResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.consultations[r.ConsultationID]; !ok {
		return &ErrNotFound{Entity: "consultation", Key: r.ConsultationID}
	}
	cp := *r
	cp.KeyPoints = append([]string(nil), r.KeyPoints...)
	m.responses[r.ConsultationID] = append(m.responses[r.ConsultationID], &cp)
	return nil
}

func (m *MemoryStore) ListAgentResponses(_ context.Context, consultationID string) ([]models.AgentResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.responses[consultationID]
	result := make([]models.AgentResponse, 0, len(rows))
	for _, r := range rows {
		cp := *r
		cp.KeyPoints = append([]string(nil), r.KeyPoints...)
		result = append(result, cp)
	}
	return result, nil
}

// ── Feedback ────────────────────────────────────────────────

func (m *MemoryStore) CreateFeedback(_ context.Context, f *models.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.consultations[f.ConsultationID]; !ok {
		return &ErrNotFound{Entity: "consultation", Key: f.ConsultationID}
	}
	cp := *f
	m.feedback[f.ConsultationID] = append(m.feedback[f.ConsultationID], &cp)
	return nil
}

func (m *MemoryStore) ListFeedback(_ context.Context, consultationID string) ([]models.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.feedback[consultationID]
	result := make([]models.Feedback, 0, len(rows))
	for _, f := range rows {
		result = append(result, *f)
	}
	return result, nil
}

// ── Helpers ─────────────────────────────────────────────────

func copyConsultation(c *models.Consultation) *models.Consultation {
	cp := *c
	cp.Summary = copySummary(c.Summary)
	return &cp
}

func copySummary(s *models.Summary) *models.Summary {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ConsensusPoints = append([]string(nil), s.ConsensusPoints...)
	cp.PreparationChecklist = append([]string(nil), s.PreparationChecklist...)
	return &cp
}
