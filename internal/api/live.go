package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cybv-network/cybv/internal/domain"
	"github.com/cybv-network/cybv/internal/infra/observability"
)

// ─── Live Ledger Feed ───────────────────────────────────────────────────────
// Committed ledger events are pushed to the owning account over Server-Sent
// Events: {type: "credit_earned", reason: "post_create", amount: "5", ...}

const liveBuffer = 32

type liveClient struct {
	accountID string
	ch        chan []byte
}

// LedgerHub fans ledger events out to connected clients. It implements
// domain.EventPublisher; a slow client loses events rather than blocking
// the engines.
type LedgerHub struct {
	mu        sync.RWMutex
	clients   map[*liveClient]struct{}
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewLedgerHub creates a hub. heartbeat <= 0 disables keep-alive comments.
func NewLedgerHub(heartbeat time.Duration, logger *slog.Logger) *LedgerHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerHub{
		clients:   make(map[*liveClient]struct{}),
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// Publish delivers event to every client of the event's account.
func (h *LedgerHub) Publish(event domain.LedgerEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("live: encode event", "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.accountID != event.AccountID {
			continue
		}
		select {
		case c.ch <- data:
		default:
			observability.LiveDropped.Inc()
		}
	}
}

// Subscribe registers a client for accountID. The returned func removes it.
func (h *LedgerHub) Subscribe(accountID string) (<-chan []byte, func()) {
	c := &liveClient{accountID: accountID, ch: make(chan []byte, liveBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	observability.LiveSubscribers.Inc()

	var once sync.Once
	return c.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			observability.LiveSubscribers.Dec()
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *LedgerHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleLive serves the caller's ledger events.
// GET /api/v1/rewards/live
func (h *LedgerHub) HandleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	accountID := accountFrom(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := h.Subscribe(accountID)
	defer unsub()

	var tick <-chan time.Time
	if h.heartbeat > 0 {
		t := time.NewTicker(h.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case data := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
