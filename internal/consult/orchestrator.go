// Package consult runs consultations: it admits a question, then fans it out
// to other users' agents in a detached job that records progress in the
// event log and finalizes the consultation exactly once.
package consult

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/agentoven/crowdconsult/internal/eventlog"
	"github.com/agentoven/crowdconsult/internal/safety"
	"github.com/agentoven/crowdconsult/internal/store"
	"github.com/agentoven/crowdconsult/pkg/contracts"
	"github.com/agentoven/crowdconsult/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Invalid reasons recorded when dispatch itself fails.
	ReasonTimeout       = "timeout"
	ReasonDispatchError = "dispatch_error"
	ReasonInternalError = "internal_error"
	ReasonEmpty         = "empty_response"

	// MaxCommentLength bounds feedback comments, in characters.
	MaxCommentLength = 1000

	finalizeTimeout = 10 * time.Second
)

// Options tunes job execution.
type Options struct {
	AgentTimeout time.Duration // per-agent Ask deadline
	JobTimeout   time.Duration // whole-job deadline
}

func (o Options) withDefaults() Options {
	if o.AgentTimeout <= 0 {
		o.AgentTimeout = 30 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Minute
	}
	return o
}

// SubmitResult is the outcome of admitting a question. Exactly one of
// Blocked or ConsultationID is set.
type SubmitResult struct {
	ConsultationID string                    `json:"consultationId,omitempty"`
	Status         models.ConsultationStatus `json:"status,omitempty"`
	Blocked        *safety.Verdict           `json:"-"`
}

// Orchestrator admits consultations and runs their fan-out jobs.
type Orchestrator struct {
	store      store.Store
	events     eventlog.Log
	gate       *safety.Gate
	dispatcher contracts.AgentDispatcher
	summarizer contracts.Summarizer
	opts       Options
	tracer     trace.Tracer

	// Live jobs: consultationID → cancel func
	jobsMu   sync.Mutex
	jobs     map[string]context.CancelFunc
	closing  bool
	inflight sync.WaitGroup
}

// New creates an orchestrator. A nil gate uses safety.DefaultGate and a nil
// summarizer uses KeyPointSummarizer.
func New(s store.Store, events eventlog.Log, gate *safety.Gate, dispatcher contracts.AgentDispatcher, summarizer contracts.Summarizer, opts Options) *Orchestrator {
	if gate == nil {
		gate = safety.DefaultGate()
	}
	if summarizer == nil {
		summarizer = NewKeyPointSummarizer()
	}
	return &Orchestrator{
		store:      s,
		events:     events,
		gate:       gate,
		dispatcher: dispatcher,
		summarizer: summarizer,
		opts:       opts.withDefaults(),
		tracer:     otel.Tracer("crowdconsult/consult"),
		jobs:       make(map[string]context.CancelFunc),
	}
}

// Submit validates and classifies a question. Blocked questions return the
// advisory verdict and create nothing. Otherwise a PENDING consultation is
// stored and its job is started in the background; Submit returns without
// waiting for it.
func (o *Orchestrator) Submit(ctx context.Context, userID, question string) (*SubmitResult, error) {
	question = strings.TrimSpace(question)
	if err := validateQuestion(question); err != nil {
		return nil, err
	}

	if verdict := o.gate.Classify(question); verdict.Blocked {
		log.Info().
			Str("user_id", userID).
			Str("category", string(verdict.Category)).
			Msg("🛑 Consultation blocked by safety gate")
		return &SubmitResult{Blocked: &verdict}, nil
	}

	o.jobsMu.Lock()
	if o.closing {
		o.jobsMu.Unlock()
		return nil, ErrShuttingDown
	}
	o.inflight.Add(1)
	o.jobsMu.Unlock()

	now := time.Now().UTC()
	c := &models.Consultation{
		ID:        uuid.New().String(),
		AskerID:   userID,
		Question:  question,
		Status:    models.ConsultationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateConsultation(ctx, c); err != nil {
		o.inflight.Done()
		return nil, fmt.Errorf("create consultation: %w", err)
	}

	// The job outlives the request but keeps its values (trace, request id).
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.JobTimeout)
	o.jobsMu.Lock()
	o.jobs[c.ID] = cancel
	o.jobsMu.Unlock()

	log.Info().
		Str("consultation_id", c.ID).
		Str("user_id", userID).
		Msg("🩺 Consultation started")

	go o.run(jobCtx, c)

	return &SubmitResult{ConsultationID: c.ID, Status: c.Status}, nil
}

func validateQuestion(q string) error {
	n := utf8.RuneCountInString(q)
	switch {
	case n == 0:
		return &ValidationError{Field: "question", Message: "is required"}
	case n < models.QuestionMinLength:
		return &ValidationError{Field: "question", Message: fmt.Sprintf("must be at least %d characters", models.QuestionMinLength)}
	case n > models.QuestionMaxLength:
		return &ValidationError{Field: "question", Message: fmt.Sprintf("must be at most %d characters", models.QuestionMaxLength)}
	}
	return nil
}

// ── Detached job ────────────────────────────────────────────

// run is the job wrapper. Any panic below it forces the consultation to
// FAILED; jobs are never retried.
func (o *Orchestrator) run(ctx context.Context, c *models.Consultation) {
	defer o.untrack(c.ID)

	ctx, span := o.tracer.Start(ctx, "consultation.run",
		trace.WithAttributes(attribute.String("consultation.id", c.ID)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			log.Error().Err(err).Str("consultation_id", c.ID).Msg("💥 Consultation job panicked")
			o.finalize(c.ID, models.ConsultationFailed, nil)
		}
	}()

	status, summary, err := o.execute(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("consultation_id", c.ID).Msg("💥 Consultation job failed")
		status, summary = models.ConsultationFailed, nil
	}
	span.SetAttributes(attribute.String("consultation.status", string(status)))
	o.finalize(c.ID, status, summary)
}

func (o *Orchestrator) execute(ctx context.Context, c *models.Consultation) (models.ConsultationStatus, *models.Summary, error) {
	agents, err := o.dispatcher.Agents(ctx, c.AskerID)
	if err != nil {
		return "", nil, fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		return "", nil, errNoAgents
	}

	o.appendEvent(ctx, c.ID, models.EventConsultationStarted, models.StartedPayload{Agents: len(agents)})

	responses := make([]models.AgentResponse, len(agents))
	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent models.AgentRef) {
			defer wg.Done()
			responses[i] = o.ask(ctx, c, agent)
		}(i, agent)
	}
	wg.Wait()

	valid := 0
	for _, r := range responses {
		if r.IsValid {
			valid++
		}
	}
	if valid == 0 {
		return "", nil, fmt.Errorf("%w (%d agents)", errNoValidReplies, len(agents))
	}

	summary, err := o.summarizer.Summarize(ctx, c.Question, responses)
	if err != nil || summary == nil {
		log.Warn().Err(err).Str("consultation_id", c.ID).Msg("Summarizer failed, storing counts only")
		summary = &models.Summary{}
	}
	summary.ValidResponses = valid
	summary.TotalResponses = len(responses)

	if valid == len(responses) {
		return models.ConsultationDone, summary, nil
	}
	return models.ConsultationPartial, summary, nil
}

// ask dispatches to one agent and records the outcome, whatever it is.
func (o *Orchestrator) ask(ctx context.Context, c *models.Consultation, agent models.AgentRef) (resp models.AgentResponse) {
	ctx, span := o.tracer.Start(ctx, "agent.ask",
		trace.WithAttributes(attribute.String("agent.id", agent.ID)))
	defer span.End()

	start := time.Now()
	resp = models.AgentResponse{
		ID:             uuid.New().String(),
		ConsultationID: c.ID,
		AgentID:        agent.ID,
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("agent_id", agent.ID).Msg("Agent dispatch panicked")
			resp.IsValid, resp.InvalidReason, resp.RawResponse, resp.KeyPoints = false, ReasonInternalError, "", nil
		}
		resp.LatencyMs = time.Since(start).Milliseconds()
		resp.CreatedAt = time.Now().UTC()
		span.SetAttributes(attribute.Bool("agent.valid", resp.IsValid))
		o.record(ctx, &resp)
	}()

	askCtx, cancel := context.WithTimeout(ctx, o.opts.AgentTimeout)
	defer cancel()

	reply, err := o.dispatcher.Ask(askCtx, agent, c.Question)
	switch {
	case err != nil:
		span.RecordError(err)
		resp.InvalidReason = ReasonDispatchError
		if errors.Is(err, context.DeadlineExceeded) || askCtx.Err() != nil {
			resp.InvalidReason = ReasonTimeout
		}
		log.Warn().Err(err).
			Str("consultation_id", c.ID).
			Str("agent_id", agent.ID).
			Str("reason", resp.InvalidReason).
			Msg("Agent dispatch failed")
	case reply == nil:
		resp.InvalidReason = ReasonEmpty
	default:
		resp.IsValid = reply.Valid
		resp.InvalidReason = reply.InvalidReason
		resp.KeyPoints = reply.KeyPoints
		if reply.Valid {
			resp.RawResponse = reply.Answer
			resp.InvalidReason = ""
		} else if resp.InvalidReason == "" {
			resp.InvalidReason = ReasonEmpty
		}
	}
	return resp
}

// record persists one agent's response and appends its progress event. It
// runs after the job deadline too, so failures caused by that deadline are
// still stored.
func (o *Orchestrator) record(ctx context.Context, resp *models.AgentResponse) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := o.store.CreateAgentResponse(ctx, resp); err != nil {
		log.Error().Err(err).
			Str("consultation_id", resp.ConsultationID).
			Str("agent_id", resp.AgentID).
			Msg("Failed to persist agent response")
	}
	o.appendEvent(ctx, resp.ConsultationID, models.EventAgentResponded, models.AgentRespondedPayload{
		AgentID:       resp.AgentID,
		IsValid:       resp.IsValid,
		InvalidReason: resp.InvalidReason,
		LatencyMs:     resp.LatencyMs,
		KeyPoints:     resp.KeyPoints,
	})
}

// finalize moves the consultation to its terminal status and closes its
// event log. A consultation that already left PENDING is left untouched and
// finalize reports false.
func (o *Orchestrator) finalize(id string, status models.ConsultationStatus, summary *models.Summary) bool {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	err := o.store.FinalizeConsultation(ctx, id, status, summary)
	if errors.Is(err, store.ErrAlreadyFinal) {
		log.Debug().Str("consultation_id", id).Str("status", string(status)).Msg("Consultation already finalized")
		return false
	}
	if err != nil {
		log.Error().Err(err).Str("consultation_id", id).Msg("Failed to finalize consultation")
		return false
	}

	o.appendEvent(ctx, id, models.EventConsultationDone, models.DonePayload{Status: status})

	evt := log.Info()
	if status == models.ConsultationFailed {
		evt = log.Warn()
	}
	evt.Str("consultation_id", id).Str("status", string(status)).Msg("✅ Consultation finished")
	return true
}

func (o *Orchestrator) appendEvent(ctx context.Context, id string, t models.EventType, payload interface{}) {
	e, err := models.NewEvent(t, payload)
	if err == nil {
		err = o.events.Append(ctx, id, e)
	}
	if err != nil {
		// Readers re-check the consultation status, so a lost event only
		// delays them.
		log.Warn().Err(err).Str("consultation_id", id).Str("event", string(t)).Msg("Failed to append event")
	}
}

func (o *Orchestrator) untrack(id string) {
	o.jobsMu.Lock()
	if cancel, ok := o.jobs[id]; ok {
		cancel()
		delete(o.jobs, id)
	}
	o.jobsMu.Unlock()
	o.inflight.Done()
}

// IsActive reports whether a job for the consultation is running in this
// process.
func (o *Orchestrator) IsActive(id string) bool {
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	_, ok := o.jobs[id]
	return ok
}

// Wait blocks until every running job has finished.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// Shutdown stops admitting consultations and waits for running jobs. If ctx
// expires first, the remaining jobs are canceled; they still finalize.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.jobsMu.Lock()
	o.closing = true
	o.jobsMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	o.jobsMu.Lock()
	for id, cancel := range o.jobs {
		log.Warn().Str("consultation_id", id).Msg("Canceling consultation job on shutdown")
		cancel()
	}
	o.jobsMu.Unlock()
	<-done
	return ctx.Err()
}

// ── Reads ───────────────────────────────────────────────────

// Get returns the consultation with its agent responses. Non-owners do not
// see the question, and raw answers are shown only to the owner and only
// for valid responses.
func (o *Orchestrator) Get(ctx context.Context, id, callerID string) (*models.ConsultationView, error) {
	c, err := o.store.GetConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	responses, err := o.store.ListAgentResponses(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list agent responses: %w", err)
	}

	owner := c.AskerID == callerID
	if !owner {
		c.Question = ""
	}
	for i := range responses {
		if !owner || !responses[i].IsValid {
			responses[i].RawResponse = ""
		}
	}
	return &models.ConsultationView{Consultation: *c, Responses: responses}, nil
}

// List returns the caller's own consultations, newest first.
func (o *Orchestrator) List(ctx context.Context, callerID string, limit int) ([]models.Consultation, error) {
	return o.store.ListConsultationsByAsker(ctx, callerID, limit)
}

// SubmitFeedback records the asker's rating of a finished consultation.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, id, callerID string, helpful bool, rating int, comment string) (*models.Feedback, error) {
	if rating < 1 || rating > 5 {
		return nil, &ValidationError{Field: "rating", Message: "must be between 1 and 5"}
	}
	comment = strings.TrimSpace(comment)
	if utf8.RuneCountInString(comment) > MaxCommentLength {
		return nil, &ValidationError{Field: "comment", Message: fmt.Sprintf("must be at most %d characters", MaxCommentLength)}
	}

	c, err := o.store.GetConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.AskerID != callerID {
		return nil, ErrForbidden
	}
	if !c.Status.IsTerminal() {
		return nil, ErrNotTerminal
	}

	f := &models.Feedback{
		ID:             uuid.New().String(),
		ConsultationID: id,
		UserID:         callerID,
		Helpful:        helpful,
		Rating:         rating,
		Comment:        comment,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.CreateFeedback(ctx, f); err != nil {
		return nil, fmt.Errorf("create feedback: %w", err)
	}
	return f, nil
}
