// Package wallet answers balance and history queries, debits spends, and
// audits that every cached balance still equals the sum of its ledger.
package wallet

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/cybv-network/cybv/internal/app/guard"
	"github.com/cybv-network/cybv/internal/domain"
	"github.com/cybv-network/cybv/internal/infra/observability"
)

// History page bounds.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// verifyWorkers bounds concurrent account audits.
const verifyWorkers = 8

// Service is the wallet facade over the ledger store.
type Service struct {
	store  domain.LedgerStore
	guard  *guard.Guard
	events domain.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the wallet service. events and logger may be nil.
func NewService(store domain.LedgerStore, g *guard.Guard, events domain.EventPublisher, logger *slog.Logger) *Service {
	if events == nil {
		events = domain.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		guard:  g,
		events: events,
		logger: logger.With("component", "wallet"),
		now:    time.Now,
	}
}

// SetNow overrides the clock (for testing).
func (s *Service) SetNow(fn func() time.Time) { s.now = fn }

// Balance returns the balance with lifetime credit and debit totals.
func (s *Service) Balance(ctx context.Context, accountID string) (domain.BalanceSummary, error) {
	var summary domain.BalanceSummary
	err := s.guard.Read(ctx, "balance", accountID, func(ctx context.Context) error {
		var err error
		summary, err = s.store.BalanceSummary(ctx, accountID)
		return err
	})
	if err != nil {
		return domain.BalanceSummary{}, err
	}
	return summary, nil
}

// RecentTransactions returns the newest entries first. limit is clamped to
// [1, MaxHistoryLimit]; zero or negative means DefaultHistoryLimit.
func (s *Service) RecentTransactions(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	var entries []domain.LedgerEntry
	err := s.guard.Read(ctx, "history", accountID, func(ctx context.Context) error {
		var err error
		entries, err = s.store.RecentEntries(ctx, accountID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return entries, nil
}

// ─── Spend ──────────────────────────────────────────────────────────────────

// SpendResult describes a committed debit.
type SpendResult struct {
	Entry      domain.LedgerEntry `json:"entry"`
	NewBalance decimal.Decimal    `json:"new_balance"`
}

// Spend debits amount from the account. purpose is recorded in the entry
// metadata next to any caller-supplied keys.
func (s *Service) Spend(ctx context.Context, accountID string, amount decimal.Decimal, purpose string, metadata map[string]string) (SpendResult, error) {
	if accountID == "" {
		return SpendResult{}, domain.Reject(domain.ErrUnauthenticated)
	}
	if !amount.IsPositive() || !amount.Equal(domain.RoundAmount(amount)) {
		return SpendResult{}, domain.Reject(domain.ErrInvalidAmount, "amount", amount.String())
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if purpose != "" {
		meta["purpose"] = purpose
	}

	var res SpendResult
	err := s.guard.Do(ctx, "spend", accountID, func(ctx context.Context) error {
		now := s.now().UTC()
		return s.store.WithAccountTx(ctx, accountID, func(tx domain.LedgerTx) error {
			acct, err := tx.Account()
			if err != nil {
				return err
			}
			if acct.CachedBalance.LessThan(amount) {
				return domain.Reject(domain.ErrInsufficientBalance,
					"balance", acct.CachedBalance.String(),
					"required", amount.String())
			}
			entry, err := tx.Append(domain.LedgerEntry{
				Amount:     amount.Neg(),
				Reason:     domain.ReasonSpend,
				Metadata:   meta,
				OccurredAt: now,
			})
			if err != nil {
				return err
			}
			res = SpendResult{Entry: entry, NewBalance: entry.BalanceAfter}
			return nil
		})
	})
	if err != nil {
		return SpendResult{}, err
	}

	observability.TokensDebited.WithLabelValues(string(domain.ReasonSpend)).Add(amount.InexactFloat64())
	s.events.Publish(domain.LedgerEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventSpent,
		AccountID: accountID,
		Reason:    domain.ReasonSpend,
		Amount:    res.Entry.Amount,
		Balance:   res.NewBalance,
		Timestamp: res.Entry.OccurredAt,
	})
	return res, nil
}

// ─── Verify ─────────────────────────────────────────────────────────────────

// Discrepancy is an account whose cached balance disagrees with its ledger.
type Discrepancy struct {
	AccountID string          `json:"account_id"`
	Cached    decimal.Decimal `json:"cached"`
	Summed    decimal.Decimal `json:"summed"`
}

// Report summarizes a ledger audit.
type Report struct {
	Checked       int           `json:"checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// OK reports whether every audited account balanced.
func (r Report) OK() bool { return len(r.Discrepancies) == 0 }

// Verify audits the given accounts, or every account when none are given.
func (s *Service) Verify(ctx context.Context, accountIDs ...string) (Report, error) {
	if len(accountIDs) == 0 {
		ids, err := s.store.ListAccountIDs(ctx)
		if err != nil {
			return Report{}, err
		}
		accountIDs = ids
	}

	var (
		mu  sync.Mutex
		bad []Discrepancy
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyWorkers)
	for _, id := range accountIDs {
		g.Go(func() error {
			cached, summed, err := s.store.LedgerSum(gctx, id)
			if err != nil {
				return err
			}
			if !cached.Equal(summed) {
				mu.Lock()
				bad = append(bad, Discrepancy{AccountID: id, Cached: cached, Summed: summed})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	sort.Slice(bad, func(i, j int) bool { return bad[i].AccountID < bad[j].AccountID })
	report := Report{Checked: len(accountIDs), Discrepancies: bad}
	if report.Discrepancies == nil {
		report.Discrepancies = []Discrepancy{}
	}
	for _, d := range report.Discrepancies {
		s.logger.Error("ledger discrepancy",
			"account", d.AccountID, "cached", d.Cached.String(), "summed", d.Summed.String())
	}
	return report, nil
}
