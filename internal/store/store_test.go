package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentoven/crowdconsult/internal/store"
	"github.com/agentoven/crowdconsult/pkg/models"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("FinalizeOnce", func(t *testing.T) { testFinalizeOnce(t, newStore(t)) })
	t.Run("ListByAsker", func(t *testing.T) { testListByAsker(t, newStore(t)) })
	t.Run("ListStalePending", func(t *testing.T) { testListStalePending(t, newStore(t)) })
	t.Run("AgentResponsesInOrder", func(t *testing.T) { testAgentResponses(t, newStore(t)) })
	t.Run("Feedback", func(t *testing.T) { testFeedback(t, newStore(t)) })
}

func newConsultation(id, asker string, createdAt time.Time) *models.Consultation {
	return &models.Consultation{
		ID:        id,
		AskerID:   asker,
		Question:  "How should I prepare for a knee MRI?",
		Status:    models.ConsultationPending,
		CreatedAt: createdAt.UTC().Truncate(time.Millisecond),
		UpdatedAt: createdAt.UTC().Truncate(time.Millisecond),
	}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := newConsultation("c-1", "alice", time.Now())
	if err := s.CreateConsultation(ctx, c); err != nil {
		t.Fatalf("CreateConsultation() error = %v", err)
	}

	got, err := s.GetConsultation(ctx, "c-1")
	if err != nil {
		t.Fatalf("GetConsultation() error = %v", err)
	}
	if got.AskerID != "alice" || got.Question != c.Question {
		t.Errorf("GetConsultation() = %+v, want asker alice and original question", got)
	}
	if got.Status != models.ConsultationPending {
		t.Errorf("Status = %q, want PENDING", got.Status)
	}
	if got.Summary != nil {
		t.Errorf("Summary = %+v, want nil", got.Summary)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, c.CreatedAt)
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.GetConsultation(context.Background(), "nope")
	if !store.IsNotFound(err) {
		t.Fatalf("GetConsultation(missing) error = %v, want ErrNotFound", err)
	}
	err = s.FinalizeConsultation(context.Background(), "nope", models.ConsultationDone, nil)
	if !store.IsNotFound(err) {
		t.Fatalf("FinalizeConsultation(missing) error = %v, want ErrNotFound", err)
	}
}

func testFinalizeOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateConsultation(ctx, newConsultation("c-1", "alice", time.Now())); err != nil {
		t.Fatalf("CreateConsultation() error = %v", err)
	}

	summary := &models.Summary{
		ConsensusPoints:      []string{"Remove metal objects"},
		PreparationChecklist: []string{"Bring previous scans"},
		RiskWarning:          "Tell staff about implants",
		ValidResponses:       2,
		TotalResponses:       3,
	}
	if err := s.FinalizeConsultation(ctx, "c-1", models.ConsultationPartial, summary); err != nil {
		t.Fatalf("FinalizeConsultation() error = %v", err)
	}

	err := s.FinalizeConsultation(ctx, "c-1", models.ConsultationFailed, nil)
	if !errors.Is(err, store.ErrAlreadyFinal) {
		t.Fatalf("second FinalizeConsultation() error = %v, want ErrAlreadyFinal", err)
	}

	got, err := s.GetConsultation(ctx, "c-1")
	if err != nil {
		t.Fatalf("GetConsultation() error = %v", err)
	}
	if got.Status != models.ConsultationPartial {
		t.Errorf("Status = %q, want PARTIAL", got.Status)
	}
	if got.Summary == nil {
		t.Fatal("Summary = nil, want stored summary")
	}
	if got.Summary.ValidResponses != 2 || got.Summary.TotalResponses != 3 {
		t.Errorf("Summary counts = %d/%d, want 2/3", got.Summary.ValidResponses, got.Summary.TotalResponses)
	}
	if len(got.Summary.ConsensusPoints) != 1 || got.Summary.ConsensusPoints[0] != "Remove metal objects" {
		t.Errorf("ConsensusPoints = %v", got.Summary.ConsensusPoints)
	}
}

func testListByAsker(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a-1", "a-2", "a-3"} {
		if err := s.CreateConsultation(ctx, newConsultation(id, "alice", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("CreateConsultation(%s) error = %v", id, err)
		}
	}
	if err := s.CreateConsultation(ctx, newConsultation("b-1", "bob", base)); err != nil {
		t.Fatalf("CreateConsultation(b-1) error = %v", err)
	}

	got, err := s.ListConsultationsByAsker(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListConsultationsByAsker() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "a-3" || got[2].ID != "a-1" {
		t.Errorf("order = [%s %s %s], want newest first", got[0].ID, got[1].ID, got[2].ID)
	}

	limited, err := s.ListConsultationsByAsker(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("ListConsultationsByAsker(limit) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len = %d, want 2", len(limited))
	}
}

func testListStalePending(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()
	if err := s.CreateConsultation(ctx, newConsultation("old", "alice", now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateConsultation(ctx, newConsultation("old-done", "alice", now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeConsultation(ctx, "old-done", models.ConsultationDone, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateConsultation(ctx, newConsultation("fresh", "alice", now)); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListStalePending(ctx, now.Add(-10*time.Minute), 0)
	if err != nil {
		t.Fatalf("ListStalePending() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "old" {
		t.Errorf("ListStalePending() = %v, want only 'old'", got)
	}
}

func testAgentResponses(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateConsultation(ctx, newConsultation("c-1", "alice", time.Now())); err != nil {
		t.Fatal(err)
	}

	for i, agent := range []string{"agent-b", "agent-a", "agent-c"} {
		r := &models.AgentResponse{
			ID:             agent + "-resp",
			ConsultationID: "c-1",
			AgentID:        agent,
			RawResponse:    "Fast for four hours before the scan.",
			KeyPoints:      []string{"Fast for four hours"},
			IsValid:        i != 2,
			LatencyMs:      int64(100 * (i + 1)),
			CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		}
		if i == 2 {
			r.InvalidReason = "timeout"
			r.RawResponse = ""
			r.KeyPoints = nil
		}
		if err := s.CreateAgentResponse(ctx, r); err != nil {
			t.Fatalf("CreateAgentResponse(%s) error = %v", agent, err)
		}
	}

	got, err := s.ListAgentResponses(ctx, "c-1")
	if err != nil {
		t.Fatalf("ListAgentResponses() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].AgentID != "agent-b" || got[1].AgentID != "agent-a" || got[2].AgentID != "agent-c" {
		t.Errorf("responses not in creation order: %s %s %s", got[0].AgentID, got[1].AgentID, got[2].AgentID)
	}
	if got[2].IsValid || got[2].InvalidReason != "timeout" {
		t.Errorf("invalid response = %+v, want IsValid=false reason=timeout", got[2])
	}
	if len(got[0].KeyPoints) != 1 {
		t.Errorf("KeyPoints = %v, want one point", got[0].KeyPoints)
	}

	empty, err := s.ListAgentResponses(ctx, "other")
	if err != nil {
		t.Fatalf("ListAgentResponses(other) error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("len = %d, want 0", len(empty))
	}
}

func testFeedback(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateConsultation(ctx, newConsultation("c-1", "alice", time.Now())); err != nil {
		t.Fatal(err)
	}
	f := &models.Feedback{
		ID:             "f-1",
		ConsultationID: "c-1",
		UserID:         "alice",
		Helpful:        true,
		Rating:         4,
		Comment:        "clear checklist",
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.CreateFeedback(ctx, f); err != nil {
		t.Fatalf("CreateFeedback() error = %v", err)
	}

	got, err := s.ListFeedback(ctx, "c-1")
	if err != nil {
		t.Fatalf("ListFeedback() error = %v", err)
	}
	if len(got) != 1 || got[0].Rating != 4 || !got[0].Helpful || got[0].Comment != "clear checklist" {
		t.Errorf("ListFeedback() = %+v", got)
	}
}

// ─── Implementations ─────────────────────────────────────────

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store {
		s := store.NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "consult.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := store.NewPostgresStore(ctx, url, 4)
		if err != nil {
			t.Fatalf("NewPostgresStore() error = %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
		if err := s.Truncate(ctx); err != nil {
			t.Fatalf("Truncate() error = %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_ChildRowsNeedConsultation(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	err := s.CreateAgentResponse(ctx, &models.AgentResponse{ID: "r", ConsultationID: "missing"})
	if !store.IsNotFound(err) {
		t.Errorf("CreateAgentResponse(missing) error = %v, want ErrNotFound", err)
	}
	err = s.CreateFeedback(ctx, &models.Feedback{ID: "f", ConsultationID: "missing", Rating: 3})
	if !store.IsNotFound(err) {
		t.Errorf("CreateFeedback(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateConsultation(ctx, newConsultation("c-1", "alice", time.Now())); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetConsultation(ctx, "c-1")
	got.Status = models.ConsultationDone

	again, _ := s.GetConsultation(ctx, "c-1")
	if again.Status != models.ConsultationPending {
		t.Errorf("mutating a returned consultation changed the store: %q", again.Status)
	}
}
