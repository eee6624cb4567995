// Package handlers implements the HTTP handlers for the consultation API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentoven/crowdconsult/internal/auth"
	"github.com/agentoven/crowdconsult/internal/consult"
	"github.com/agentoven/crowdconsult/internal/relay"
	"github.com/agentoven/crowdconsult/internal/store"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Store    store.Store
	Consult  *consult.Orchestrator
	Relay    *relay.Relay
	Sessions *auth.SessionProvider
	DevLogin bool
	Version  string
}

// New creates a new Handlers instance.
func New(s store.Store, orch *consult.Orchestrator, rl *relay.Relay, sessions *auth.SessionProvider) *Handlers {
	return &Handlers{
		Store:    s,
		Consult:  orch,
		Relay:    rl,
		Sessions: sessions,
	}
}

// Health reports whether the store is reachable.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("Health check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "crowdconsult",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "crowdconsult",
	})
}

func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"service": "crowdconsult",
	})
}

// ── Helpers ─────────────────────────────────────────────────

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// respondServiceError maps orchestrator and store errors to status codes.
func respondServiceError(w http.ResponseWriter, err error) {
	var ve *consult.ValidationError
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, ve.Error())
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, "consultation not found")
	case errors.Is(err, consult.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, consult.ErrNotTerminal):
		respondError(w, http.StatusConflict, "consultation is still in progress")
	case errors.Is(err, consult.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, "server is shutting down")
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
