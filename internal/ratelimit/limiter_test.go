package ratelimit_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/crowdconsult/internal/ratelimit"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testLimits = ratelimit.Limits{Consult: 3, General: 5, Anonymous: 4}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// countingStore records Expire calls on top of a real store.
type countingStore struct {
	ratelimit.CounterStore
	mu      sync.Mutex
	expires map[string]int
}

func (s *countingStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	s.expires[key]++
	s.mu.Unlock()
	return s.CounterStore.Expire(ctx, key, ttl)
}

type brokenStore struct{}

func (brokenStore) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func (brokenStore) Expire(context.Context, string, time.Duration) error {
	return errors.New("connection refused")
}

func newHandler(l *ratelimit.Limiter) http.Handler {
	return l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func do(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "203.0.113.7:51234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLimiter_RejectsOverLimitInOneWindow(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1_699_999_990, 0)}
	h := newHandler(ratelimit.New(ratelimit.NewMemoryCounterStore(), time.Minute, testLimits, bearer,
		ratelimit.WithClock(clock.Now)))

	for i := 1; i <= testLimits.Consult; i++ {
		rec := do(h, http.MethodPost, "/api/v1/consultations", "tok-alice")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(testLimits.Consult-i) {
			t.Errorf("request %d: X-RateLimit-Remaining = %q, want %d", i, got, testLimits.Consult-i)
		}
	}

	rec := do(h, http.MethodPost, "/api/v1/consultations", "tok-alice")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request %d: status = %d, want 429", testLimits.Consult+1, rec.Code)
	}
	if rec.Header().Get("Retry-After") != "50" {
		t.Errorf("Retry-After = %q, want 50", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Limit") != "3" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("limit headers = %q/%q, want 3/0",
			rec.Header().Get("X-RateLimit-Limit"), rec.Header().Get("X-RateLimit-Remaining"))
	}
	if !strings.Contains(rec.Body.String(), "rate limit exceeded") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestLimiter_TwoWindowsNeverReject(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1_699_999_980+58, 0)}
	h := newHandler(ratelimit.New(ratelimit.NewMemoryCounterStore(), time.Minute, testLimits, bearer,
		ratelimit.WithClock(clock.Now)))

	// L requests split across the window boundary.
	first := testLimits.Consult / 2
	for i := 0; i < first; i++ {
		if rec := do(h, http.MethodPost, "/api/v1/consultations", "tok"); rec.Code != http.StatusOK {
			t.Fatalf("before boundary: status = %d", rec.Code)
		}
	}
	clock.Set(clock.Now().Add(3 * time.Second))
	for i := first; i < testLimits.Consult; i++ {
		if rec := do(h, http.MethodPost, "/api/v1/consultations", "tok"); rec.Code != http.StatusOK {
			t.Fatalf("after boundary: status = %d", rec.Code)
		}
	}
}

func TestLimiter_NewWindowResetsCount(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1_700_000_040, 0)}
	h := newHandler(ratelimit.New(ratelimit.NewMemoryCounterStore(), time.Minute, testLimits, bearer,
		ratelimit.WithClock(clock.Now)))

	for i := 0; i <= testLimits.Consult; i++ {
		do(h, http.MethodPost, "/api/v1/consultations", "tok")
	}
	clock.Set(clock.Now().Add(time.Minute))
	if rec := do(h, http.MethodPost, "/api/v1/consultations", "tok"); rec.Code != http.StatusOK {
		t.Errorf("next window: status = %d, want 200", rec.Code)
	}
}

func TestLimiter_LimitDependsOnRouteAndAuth(t *testing.T) {
	h := newHandler(ratelimit.New(ratelimit.NewMemoryCounterStore(), time.Minute, testLimits, bearer))

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   string
	}{
		{"authenticated create", http.MethodPost, "/api/v1/consultations", "a", "3"},
		{"authenticated read", http.MethodGet, "/api/v1/consultations", "b", "5"},
		{"anonymous create", http.MethodPost, "/api/v1/consultations", "", "4"},
		{"anonymous read", http.MethodGet, "/api/v1/consultations/x", "", "4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, tt.method, tt.path, tt.token)
			if got := rec.Header().Get("X-RateLimit-Limit"); got != tt.want {
				t.Errorf("X-RateLimit-Limit = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLimiter_SessionAndIPCountedSeparately(t *testing.T) {
	h := newHandler(ratelimit.New(ratelimit.NewMemoryCounterStore(), time.Minute, testLimits, bearer))

	for i := 0; i < testLimits.Consult; i++ {
		do(h, http.MethodPost, "/api/v1/consultations", "tok-alice")
	}
	if rec := do(h, http.MethodPost, "/api/v1/consultations", "tok-bob"); rec.Code != http.StatusOK {
		t.Errorf("other session from same IP: status = %d, want 200", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/v1/consultations", ""); rec.Code == http.StatusTooManyRequests {
		t.Error("anonymous caller should not share the session counter")
	}
}

func TestLimiter_ExemptRoutes(t *testing.T) {
	store := &countingStore{CounterStore: ratelimit.NewMemoryCounterStore(), expires: map[string]int{}}
	h := newHandler(ratelimit.New(store, time.Minute, ratelimit.Limits{Consult: 1, General: 1, Anonymous: 1}, bearer))

	for _, path := range []string{"/api/auth/session", "/health", "/version"} {
		for i := 0; i < 5; i++ {
			rec := do(h, http.MethodGet, path, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("%s: status = %d, want 200", path, rec.Code)
			}
			if rec.Header().Get("X-RateLimit-Limit") != "" {
				t.Fatalf("%s: exempt route should not carry limit headers", path)
			}
		}
	}
	if len(store.expires) != 0 {
		t.Errorf("exempt routes touched the counter store: %v", store.expires)
	}
}

func TestLimiter_CustomExemptPrefixes(t *testing.T) {
	h := newHandler(ratelimit.New(ratelimit.NewMemoryCounterStore(), time.Minute,
		ratelimit.Limits{Consult: 1, General: 1, Anonymous: 1}, bearer,
		ratelimit.WithExemptPrefixes("/metrics")))

	for i := 0; i < 3; i++ {
		if rec := do(h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
			t.Fatalf("/metrics request %d: status = %d, want 200", i, rec.Code)
		}
	}
	// The defaults are replaced, not extended.
	do(h, http.MethodGet, "/health", "")
	if rec := do(h, http.MethodGet, "/health", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("/health: status = %d, want 429", rec.Code)
	}
}

func TestLimiter_FailsOpen(t *testing.T) {
	h := newHandler(ratelimit.New(brokenStore{}, time.Minute, testLimits, bearer))

	for i := 0; i < 10; i++ {
		rec := do(h, http.MethodPost, "/api/v1/consultations", "tok")
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d rejected while counter store is down", i)
		}
	}
}

func TestLimiter_NilStoreIsNoop(t *testing.T) {
	h := newHandler(ratelimit.New(nil, time.Minute, testLimits, bearer))

	for i := 0; i < 20; i++ {
		rec := do(h, http.MethodGet, "/api/v1/other", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("no-op limiter should not set headers")
		}
	}
}

func TestLimiter_TTLSetOnFirstIncrementOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := &countingStore{CounterStore: ratelimit.NewRedisCounterStore(client), expires: map[string]int{}}
	clock := &fixedClock{t: time.Unix(1_700_000_000, 0)}
	h := newHandler(ratelimit.New(store, time.Minute, testLimits, bearer, ratelimit.WithClock(clock.Now)))

	for i := 0; i < 4; i++ {
		do(h, http.MethodGet, "/api/v1/consultations", "")
	}

	key := ratelimit.WindowKey("ip:203.0.113.7", 1_700_000_000/60)
	if store.expires[key] != 1 {
		t.Errorf("Expire calls for %s = %d, want 1", key, store.expires[key])
	}
	if got := mr.TTL(key); got != 70*time.Second {
		t.Errorf("TTL = %v, want 70s", got)
	}
	if got, _ := mr.Get(key); got != "4" {
		t.Errorf("counter = %q, want 4", got)
	}
}

func TestLimiter_SessionIdentifierIsHashed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := newHandler(ratelimit.New(ratelimit.NewRedisCounterStore(client), time.Minute, testLimits, bearer))
	do(h, http.MethodGet, "/api/v1/consultations", "secret-session-token")

	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("keys = %v, want exactly one", keys)
	}
	if strings.Contains(keys[0], "secret") {
		t.Errorf("key %q leaks the raw credential", keys[0])
	}
	parts := strings.Split(keys[0], ":")
	if len(parts) != 4 || parts[1] != "s" || len(parts[2]) != 32 {
		t.Errorf("key %q, want ratelimit:s:<32 hex>:<window>", keys[0])
	}
}

func TestMemoryCounterStore_Expiry(t *testing.T) {
	s := ratelimit.NewMemoryCounterStore()
	ctx := context.Background()

	if n, _ := s.Incr(ctx, "k"); n != 1 {
		t.Fatalf("Incr = %d, want 1", n)
	}
	if err := s.Expire(ctx, "k", -time.Second); err != nil {
		t.Fatal(err)
	}
	if removed := s.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	if n, _ := s.Incr(ctx, "k"); n != 1 {
		t.Errorf("Incr after expiry = %d, want 1", n)
	}
}

func TestLimiter_AttachesQuota(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1_699_999_980, 0)}
	l := ratelimit.New(ratelimit.NewMemoryCounterStore(), time.Minute, testLimits, bearer, ratelimit.WithClock(clock.Now))

	var got ratelimit.Quota
	var ok bool
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = ratelimit.QuotaFromContext(r.Context())
	}))
	do(h, http.MethodGet, "/api/v1/consultations", "tok")

	if !ok {
		t.Fatal("quota missing from request context")
	}
	if got.Limit != testLimits.General || got.Remaining != testLimits.General-1 {
		t.Errorf("Quota = %+v", got)
	}
	if !got.ResetAt.Equal(time.Unix(1_700_000_040, 0)) {
		t.Errorf("ResetAt = %v", got.ResetAt)
	}
}
