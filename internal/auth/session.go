package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/crowdconsult/pkg/contracts"
)

// CookieName is the session cookie set by the login endpoint.
const CookieName = "cc_session"

var (
	ErrMalformedToken = errors.New("malformed session token")
	ErrBadSignature   = errors.New("session signature mismatch")
	ErrExpired        = errors.New("session expired")
)

// SessionProvider validates HMAC-signed session tokens.
//
// Token format: base64url(JSON payload) + "." + base64url(HMAC-SHA256(payload))
// Payload: {"sub": "user-123", "name": "Alice", "exp": 1234567890}
type SessionProvider struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type sessionPayload struct {
	Subject string `json:"sub"`
	Name    string `json:"name,omitempty"`
	Exp     int64  `json:"exp"`
}

// NewSessionProvider creates a provider. An empty secret disables it.
func NewSessionProvider(secret string, ttl time.Duration) *SessionProvider {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &SessionProvider{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (p *SessionProvider) Name() string  { return "session" }
func (p *SessionProvider) Enabled() bool { return len(p.secret) > 0 }

// Credential returns the raw session token from the request: the bearer
// token if present, otherwise the session cookie.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Authenticate returns (nil, nil) when the request carries no session.
func (p *SessionProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	token := Credential(r)
	if token == "" {
		return nil, nil
	}

	payload, err := p.validate(token)
	if err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}

	return &contracts.Identity{
		Subject:     payload.Subject,
		DisplayName: payload.Name,
		Provider:    p.Name(),
		ExpiresAt:   time.Unix(payload.Exp, 0),
	}, nil
}

// VerifiedCredential returns the request's session token only when it has
// a valid signature and has not expired, otherwise "". The rate limiter uses
// it so forged tokens are counted by client IP.
func (p *SessionProvider) VerifiedCredential(r *http.Request) string {
	if !p.Enabled() {
		return ""
	}
	token := Credential(r)
	if token == "" {
		return ""
	}
	if _, err := p.validate(token); err != nil {
		return ""
	}
	return token
}

// Issue signs a session for subject valid for the provider's TTL.
func (p *SessionProvider) Issue(subject, displayName string) (string, time.Time, error) {
	exp := p.now().Add(p.ttl)
	token, err := sign(p.secret, sessionPayload{Subject: subject, Name: displayName, Exp: exp.Unix()})
	return token, exp, err
}

// TTL is how long issued sessions last.
func (p *SessionProvider) TTL() time.Duration { return p.ttl }

func (p *SessionProvider) validate(token string) (*sessionPayload, error) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return nil, ErrMalformedToken
	}
	payloadB64, sigB64 := token[:i], token[i+1:]

	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(payloadB64))
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, ErrMalformedToken
	}
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrBadSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, ErrMalformedToken
	}
	var payload sessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrMalformedToken
	}
	if payload.Subject == "" {
		return nil, ErrMalformedToken
	}
	if payload.Exp > 0 && p.now().Unix() > payload.Exp {
		return nil, ErrExpired
	}
	return &payload, nil
}

// GenerateToken creates a signed session token. Used by tests and tooling.
func GenerateToken(secret []byte, subject, displayName string, ttl time.Duration) (string, error) {
	return sign(secret, sessionPayload{Subject: subject, Name: displayName, Exp: time.Now().Add(ttl).Unix()})
}

func sign(secret []byte, payload sessionPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(data)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadB64))
	return payloadB64 + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
