package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the engines depend on them.

// LedgerStore is the durable home of accounts, ledger entries, and stakes.
type LedgerStore interface {
	// WithAccountTx runs fn inside one atomic transaction scoped to accountID.
	// If fn returns an error nothing it wrote is visible afterwards.
	WithAccountTx(ctx context.Context, accountID string, fn func(tx LedgerTx) error) error

	GetAccount(ctx context.Context, accountID string) (*Account, error)
	BalanceSummary(ctx context.Context, accountID string) (BalanceSummary, error)
	RecentEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error)
	CountEntries(ctx context.Context, accountID string, reason Reason, from, to time.Time) (int, error)
	ActiveStake(ctx context.Context, accountID string) (*Stake, error)
	ListStakes(ctx context.Context, accountID string) ([]Stake, error)

	// LedgerSum returns the cached balance next to SUM(amount) recomputed
	// from the entries. The two must always agree.
	LedgerSum(ctx context.Context, accountID string) (cached, summed decimal.Decimal, err error)

	// ListAccountIDs returns every account the store knows, ordered.
	ListAccountIDs(ctx context.Context) ([]string, error)
}

// LedgerTx is the set of writes allowed inside an account transaction.
// Append is the only operation that moves the cached balance.
type LedgerTx interface {
	// Account loads the account, creating it on first use.
	Account() (Account, error)

	// Append writes entry and moves the cached balance by entry.Amount.
	Append(entry LedgerEntry) (LedgerEntry, error)

	CountEntries(reason Reason, from, to time.Time) (int, error)

	// IncrementDailyCounter atomically adds n to the (action, day) counter
	// only if the result stays within limit. It returns the count after the
	// call and whether the increment was applied.
	IncrementDailyCounter(action Reason, day time.Time, n, limit int) (int, bool, error)

	SetLoginStreak(streak int, lastLoginAt time.Time) error

	ActiveStake() (*Stake, error)
	GetStake(stakeID string) (*Stake, error)
	InsertStake(stake Stake) error
	CompleteStake(stake Stake) error
}

// EventPublisher receives ledger events after the owning transaction commits.
// Publishing is best effort and never affects ledger state.
type EventPublisher interface {
	Publish(event LedgerEvent)
}

// IdentityResolver maps a bearer credential to an account id.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}
