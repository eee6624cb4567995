package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/crowdconsult/internal/auth"
	"github.com/agentoven/crowdconsult/pkg/middleware"
	"github.com/rs/zerolog/log"
)

type devLoginRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type sessionResponse struct {
	Subject     string     `json:"subject"`
	DisplayName string     `json:"displayName,omitempty"`
	Provider    string     `json:"provider,omitempty"`
	Token       string     `json:"token,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// GetSession returns the caller's identity.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r.Context())
	if id == nil {
		respondError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{
		Subject:     id.Subject,
		DisplayName: id.DisplayName,
		Provider:    id.Provider,
		ExpiresAt:   id.ExpiresAt,
	})
}

// CreateSession mints a session for any user id. Returns 404 unless dev
// login is enabled.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	if !h.DevLogin || h.Sessions == nil || !h.Sessions.Enabled() {
		respondError(w, http.StatusNotFound, "dev login is disabled")
		return
	}

	var req devLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	token, exp, err := h.Sessions.Issue(req.UserID, req.DisplayName)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue session")
		respondError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	log.Info().Str("user_id", req.UserID).Msg("🔑 Dev session issued")
	respondJSON(w, http.StatusCreated, sessionResponse{
		Subject:     req.UserID,
		DisplayName: req.DisplayName,
		Provider:    h.Sessions.Name(),
		Token:       token,
		ExpiresAt:   exp,
	})
}

// DeleteSession clears the session cookie. Bearer tokens expire on their own.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
