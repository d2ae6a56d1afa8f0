// Package api provides the HTTP server for CYBV.
// It exposes the reward, wallet, and staking operations under /api/v1.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cybv-network/cybv/internal/app/policy"
	"github.com/cybv-network/cybv/internal/domain"
)

// Config holds the HTTP surface settings.
type Config struct {
	RequestTimeout time.Duration
	Throttle       ThrottleConfig
}

// Server is the CYBV HTTP API server.
type Server struct {
	cfg            Config
	rewards        *RewardsAPI
	auth           domain.IdentityResolver
	throttle       *Throttle
	hub            *LedgerHub
	metricsEnabled bool
	logger         *slog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, rewards *RewardsAPI, auth domain.IdentityResolver, logger *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		rewards:  rewards,
		auth:     auth,
		throttle: NewThrottle(cfg.Throttle),
		logger:   logger.With("component", "api"),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetLedgerHub sets the live ledger SSE hub.
func (s *Server) SetLedgerHub(h *LedgerHub) { s.hub = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(traceMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"policy_version": policy.Version,
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rewards/policy", s.rewards.HandlePolicy)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(s.auth))
			r.Use(s.throttle.Middleware)

			// Live ledger feed: long-lived, so outside the request timeout
			if s.hub != nil {
				r.Get("/rewards/live", s.hub.HandleLive)
			}

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(s.cfg.RequestTimeout))

				r.Post("/rewards/earn", s.rewards.HandleEarn)
				r.Get("/rewards/balance", s.rewards.HandleBalance)
				r.Get("/rewards/transactions", s.rewards.HandleTransactions)
				r.Post("/rewards/spend", s.rewards.HandleSpend)
				r.Get("/rewards/limits/{action}", s.rewards.HandleLimit)

				r.Post("/stake", s.rewards.HandleOpenStake)
				r.Get("/stake", s.rewards.HandleStakeStatus)
				r.Post("/stake/{id}/close", s.rewards.HandleCloseStake)
			})
		})
	})

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
