package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/cybv-network/cybv/internal/domain"
	"github.com/cybv-network/cybv/internal/infra/identity"
	"github.com/cybv-network/cybv/internal/infra/observability"
)

type contextKey string

const accountKey contextKey = "cybv.account"

// accountFrom returns the authenticated account id of the request.
func accountFrom(ctx context.Context) string {
	v, _ := ctx.Value(accountKey).(string)
	return v
}

// withAccount returns ctx carrying accountID.
func withAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey, accountID)
}

// ─── Authentication ─────────────────────────────────────────────────────────

// authMiddleware resolves the bearer token to an account id.
func authMiddleware(resolver domain.IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := identity.BearerToken(r.Header.Get("Authorization"))
			accountID, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), accountID)))
		})
	}
}

// ─── Throttling ─────────────────────────────────────────────────────────────

// ThrottleConfig bounds request rates per account.
type ThrottleConfig struct {
	RequestsPerMinute float64
	Burst             int
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle is a per-account token bucket. Idle buckets are swept.
type Throttle struct {
	cfg       ThrottleConfig
	mu        sync.Mutex
	buckets   map[string]*throttleEntry
	lastSweep time.Time
	now       func() time.Time
}

// idleTTL is how long an unused bucket is kept.
const idleTTL = 10 * time.Minute

// NewThrottle creates a throttle. A zero rate disables it.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	return &Throttle{cfg: cfg, buckets: make(map[string]*throttleEntry), now: time.Now}
}

// Allow reports whether key may make another request now.
func (t *Throttle) Allow(key string) bool {
	if t == nil || t.cfg.RequestsPerMinute <= 0 {
		return true
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.lastSweep) > time.Minute {
		for k, e := range t.buckets {
			if now.Sub(e.lastSeen) > idleTTL {
				delete(t.buckets, k)
			}
		}
		t.lastSweep = now
	}
	e, ok := t.buckets[key]
	if !ok {
		burst := t.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e = &throttleEntry{limiter: rate.NewLimiter(rate.Limit(t.cfg.RequestsPerMinute/60.0), burst)}
		t.buckets[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Middleware refuses requests over the account's rate with 429.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(accountFrom(r.Context())) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{
					"message": "too many requests",
					"type":    "rejected",
					"code":    "rate_limited",
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Tracing & Access Log ───────────────────────────────────────────────────

// traceMiddleware uses the request id as the trace id of every span the
// request produces.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(observability.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog logs one line per request.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
