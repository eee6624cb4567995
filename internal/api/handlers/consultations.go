package handlers

import (
	"net/http"
	"strconv"

	"github.com/agentoven/crowdconsult/internal/relay"
	"github.com/agentoven/crowdconsult/pkg/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type createConsultationRequest struct {
	Question string `json:"question"`
}

type feedbackRequest struct {
	Helpful bool   `json:"helpful"`
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// CreateConsultation admits a question. Blocked questions get 200 with the
// safety advisory; admitted ones 202 with the new consultation id.
func (h *Handlers) CreateConsultation(w http.ResponseWriter, r *http.Request) {
	var req createConsultationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.Consult.Submit(r.Context(), middleware.UserID(r.Context()), req.Question)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if result.Blocked != nil {
		respondJSON(w, http.StatusOK, result.Blocked)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

func (h *Handlers) ListConsultations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := h.Consult.List(r.Context(), middleware.UserID(r.Context()), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetConsultation(w http.ResponseWriter, r *http.Request) {
	view, err := h.Consult.Get(r.Context(), chi.URLParam(r, "id"), middleware.UserID(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// StreamConsultation relays the consultation's progress as server-sent
// events until it finishes, the client leaves, or the stream times out.
func (h *Handlers) StreamConsultation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sse := relay.NewSSEWriter(w)

	err := h.Relay.Stream(r.Context(), id, middleware.UserID(r.Context()), sse)
	if err == nil {
		return
	}
	if !sse.Started() {
		respondServiceError(w, err)
		return
	}
	log.Warn().Err(err).Str("consultation_id", id).Msg("Stream ended with error")
}

func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	f, err := h.Consult.SubmitFeedback(r.Context(), chi.URLParam(r, "id"),
		middleware.UserID(r.Context()), req.Helpful, req.Rating, req.Comment)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, f)
}
