// Package ratelimit implements a fixed-window request limiter backed by a
// shared counter store.
//
// Every non-exempt request increments the counter for
// (identifier, floor(now/window)). Authenticated callers are identified by
// a hash of their session credential, everyone else by client IP. The
// limiter fails open: a counter store error lets the request through and
// is only logged.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// KeyPrefix namespaces counters in the shared store.
const KeyPrefix = "ratelimit:"

// ttlSlack is added to the window so a counter outlives its window.
const ttlSlack = 10 * time.Second

// Limits holds the per-window request budgets.
type Limits struct {
	Consult   int // authenticated POST /api/v1/consultations
	General   int // other authenticated traffic
	Anonymous int // unauthenticated traffic on any non-exempt route
}

// Quota is attached to the request context of admitted requests.
type Quota struct {
	Identifier string
	Limit      int
	Remaining  int
	ResetAt    time.Time
}

type quotaKey struct{}

// QuotaFromContext returns the quota attached by the limiter, if any.
func QuotaFromContext(ctx context.Context) (Quota, bool) {
	q, ok := ctx.Value(quotaKey{}).(Quota)
	return q, ok
}

// CredentialFunc extracts the raw session credential from a request, or ""
// for anonymous callers.
type CredentialFunc func(r *http.Request) string

// Limiter is HTTP middleware enforcing Limits.
type Limiter struct {
	store      CounterStore
	window     time.Duration
	limits     Limits
	credential CredentialFunc
	exempt     []string
	now        func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithExemptPrefixes replaces the default exempt path prefixes.
func WithExemptPrefixes(prefixes ...string) Option {
	return func(l *Limiter) { l.exempt = prefixes }
}

// DefaultExemptPrefixes are never counted.
var DefaultExemptPrefixes = []string{"/api/auth/", "/health", "/version"}

// New creates a limiter. A nil store makes the limiter a no-op.
func New(store CounterStore, window time.Duration, limits Limits, credential CredentialFunc, opts ...Option) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if credential == nil {
		credential = func(*http.Request) string { return "" }
	}
	l := &Limiter{
		store:      store,
		window:     window,
		limits:     limits,
		credential: credential,
		exempt:     DefaultExemptPrefixes,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Middleware returns the limiting handler wrapper.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	if l.store == nil {
		log.Info().Msg("🔕 Rate limiting disabled (no counter store)")
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identifier, authenticated := l.identify(r)
		limit := l.limitFor(r, authenticated)

		now := l.now()
		windowSecs := int64(l.window / time.Second)
		windowID := now.Unix() / windowSecs
		resetAt := time.Unix((windowID+1)*windowSecs, 0)
		key := WindowKey(identifier, windowID)

		count, err := l.store.Incr(r.Context(), key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Rate limit counter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			if err := l.store.Expire(r.Context(), key, l.window+ttlSlack); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Failed to set rate limit TTL")
			}
		}

		remaining := limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if count > int64(limit) {
			retryAfter := int(resetAt.Sub(now).Seconds() + 0.999)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":      "rate limit exceeded",
				"limit":      limit,
				"retryAfter": retryAfter,
			})
			log.Debug().Str("identifier", identifier).Int64("count", count).Int("limit", limit).Msg("Rate limit exceeded")
			return
		}

		q := Quota{Identifier: identifier, Limit: limit, Remaining: remaining, ResetAt: resetAt}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), quotaKey{}, q)))
	})
}

// WindowKey builds the counter key for an identifier and window id.
func WindowKey(identifier string, windowID int64) string {
	return fmt.Sprintf("%s%s:%d", KeyPrefix, identifier, windowID)
}

func (l *Limiter) isExempt(path string) bool {
	for _, p := range l.exempt {
		if path == strings.TrimSuffix(p, "/") || strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (l *Limiter) identify(r *http.Request) (string, bool) {
	if cred := l.credential(r); cred != "" {
		sum := sha256.Sum256([]byte(cred))
		return "s:" + hex.EncodeToString(sum[:])[:32], true
	}
	return "ip:" + ClientIP(r), false
}

func (l *Limiter) limitFor(r *http.Request, authenticated bool) int {
	switch {
	case !authenticated:
		return l.limits.Anonymous
	case r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == "/api/v1/consultations":
		return l.limits.Consult
	default:
		return l.limits.General
	}
}

// ClientIP returns the caller's IP from RemoteAddr, which chi's RealIP
// middleware has already rewritten from proxy headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
