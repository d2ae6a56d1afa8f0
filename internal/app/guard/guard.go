// Package guard serializes mutating operations per account and bounds them
// in time.
//
// Every earn, spend, stake and unstake for one account runs under that
// account's lock; different accounts never contend. Queries run through Read,
// which applies the same timeout and retry policy without the lock. A failure
// that is not a business rejection is retried once, then surfaced as
// domain.ErrPersistenceFailure.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cybv-network/cybv/internal/domain"
	"github.com/cybv-network/cybv/internal/infra/observability"
)

// ─── Keyed Mutex ────────────────────────────────────────────────────────────

// KeyedMutex hands out one lock per key. Entries are reference counted and
// removed when the last holder or waiter releases them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key, giving up when ctx is done. The returned
// func releases it and must be called exactly once.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently locked or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// ─── Guard ──────────────────────────────────────────────────────────────────

// Config bounds guarded operations.
type Config struct {
	Timeout time.Duration // per attempt
	Retries int           // extra attempts after a persistence error
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second, Retries: 1}
}

// Guard runs account operations under the account lock with a timeout and
// retry policy.
type Guard struct {
	cfg    Config
	locks  *KeyedMutex
	tracer *observability.Tracer
	logger *slog.Logger
}

// New creates a Guard. tracer and logger may be nil.
func New(cfg Config, tracer *observability.Tracer, logger *slog.Logger) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cfg: cfg, locks: NewKeyedMutex(), tracer: tracer, logger: logger}
}

// Do runs fn for accountID. Rejections are returned unchanged. Any other
// error is retried up to Config.Retries times and then reported as a
// persistence failure.
func (g *Guard) Do(ctx context.Context, op, accountID string, fn func(ctx context.Context) error) error {
	return g.guarded(ctx, op, accountID, true, fn)
}

// Read runs a query for accountID with the same timeout and retry policy as
// Do, but without taking the account lock.
func (g *Guard) Read(ctx context.Context, op, accountID string, fn func(ctx context.Context) error) error {
	return g.guarded(ctx, op, accountID, false, fn)
}

func (g *Guard) guarded(ctx context.Context, op, accountID string, lock bool, fn func(ctx context.Context) error) error {
	ctx, span := g.tracer.StartSpan(ctx, op, map[string]string{"account": accountID})
	start := time.Now()

	err := g.run(ctx, op, accountID, lock, fn)

	outcome := observability.SpanOK
	switch {
	case err == nil:
	case IsRejection(err):
		outcome = observability.SpanRejected
		observability.Rejections.WithLabelValues(op, domain.Code(err)).Inc()
	default:
		outcome = observability.SpanError
		observability.Rejections.WithLabelValues(op, domain.Code(err)).Inc()
	}
	g.tracer.EndSpan(span, outcome, err)
	observability.OperationDuration.WithLabelValues(op, outcome.String()).Observe(time.Since(start).Seconds())
	return err
}

func (g *Guard) run(ctx context.Context, op, accountID string, lock bool, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt <= g.cfg.Retries; attempt++ {
		if attempt > 0 {
			observability.OperationRetries.WithLabelValues(op).Inc()
			g.logger.Warn("retrying ledger operation",
				"op", op, "account", accountID, "attempt", attempt+1, "error", last)
		}
		err := g.attempt(ctx, accountID, lock, fn)
		if err == nil || IsRejection(err) {
			return err
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}

	g.logger.Error("ledger operation failed",
		"op", op, "account", accountID, "error", last)
	return domain.Reject(domain.ErrPersistenceFailure, "op", op, "cause", last.Error())
}

func (g *Guard) attempt(ctx context.Context, accountID string, lock bool, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	if !lock {
		return fn(ctx)
	}
	unlock, err := g.locks.Lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// IsRejection reports whether err is a business outcome that must not be
// retried: any domain sentinel other than a persistence failure.
func IsRejection(err error) bool {
	if err == nil || errors.Is(err, domain.ErrPersistenceFailure) {
		return false
	}
	for _, sentinel := range []error{
		domain.ErrUnknownAction,
		domain.ErrDailyLimitExceeded,
		domain.ErrInvalidAmount,
		domain.ErrOutOfRange,
		domain.ErrInvalidPeriod,
		domain.ErrInsufficientBalance,
		domain.ErrStakeAlreadyActive,
		domain.ErrStakeNotMatured,
		domain.ErrNotFound,
		domain.ErrUnauthenticated,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
