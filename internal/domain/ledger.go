// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of the service: accounts, ledger entries, stakes,
// and the errors and interfaces the engines agree on.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places every ledger amount carries.
const AmountScale = 2

// ─── Ledger Reasons ─────────────────────────────────────────────────────────

// Reason is the closed set of tags a ledger entry may carry.
// Earnable actions, bonuses, spending, and stake movements all live here so
// the ledger can be audited exhaustively.
type Reason string

const (
	// Earnable actions (keys of the reward policy table)
	ReasonPostCreate      Reason = "post_create"
	ReasonPostLike        Reason = "post_like"
	ReasonCommentCreate   Reason = "comment_create"
	ReasonBlogCreate      Reason = "blog_create"
	ReasonDailyLogin      Reason = "daily_login"
	ReasonReferral        Reason = "referral"
	ReasonProfileComplete Reason = "profile_complete"

	// One-time bonuses
	ReasonFirstPost   Reason = "first_post"
	ReasonWeekStreak  Reason = "week_streak"
	ReasonMonthStreak Reason = "month_streak"

	// Spending
	ReasonSpend Reason = "spend"

	// Staking
	ReasonStakeLock     Reason = "stake_lock"
	ReasonStakeReward   Reason = "stake_reward"
	ReasonUnstakeReturn Reason = "unstake_return"
)

// AllReasons lists every valid reason in a stable order.
func AllReasons() []Reason {
	return []Reason{
		ReasonPostCreate, ReasonPostLike, ReasonCommentCreate, ReasonBlogCreate,
		ReasonDailyLogin, ReasonReferral, ReasonProfileComplete,
		ReasonFirstPost, ReasonWeekStreak, ReasonMonthStreak,
		ReasonSpend,
		ReasonStakeLock, ReasonStakeReward, ReasonUnstakeReturn,
	}
}

// Valid reports whether r belongs to the closed reason set.
func (r Reason) Valid() bool {
	for _, known := range AllReasons() {
		if r == known {
			return true
		}
	}
	return false
}

// IsBonus reports whether r is a one-time bonus tag.
func (r Reason) IsBonus() bool {
	return r == ReasonFirstPost || r == ReasonWeekStreak || r == ReasonMonthStreak
}

// IsStake reports whether r is produced by the staking engine.
func (r Reason) IsStake() bool {
	return r == ReasonStakeLock || r == ReasonStakeReward || r == ReasonUnstakeReturn
}

// EntryStatus is the lifecycle state of a ledger entry.
// The core never writes partial states, so completed is the only value.
type EntryStatus string

const EntryCompleted EntryStatus = "completed"

// ─── Ledger Types ───────────────────────────────────────────────────────────

// LedgerEntry is one immutable balance-affecting event.
// Positive amounts are credits, negative amounts are debits.
type LedgerEntry struct {
	ID           int64             `json:"id"`
	AccountID    string            `json:"account_id"`
	Amount       decimal.Decimal   `json:"amount"`
	Reason       Reason            `json:"reason"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
	Status       EntryStatus       `json:"status"`
	BalanceAfter decimal.Decimal   `json:"balance_after"`
}

// IsCredit reports whether the entry increased the balance.
func (e LedgerEntry) IsCredit() bool { return e.Amount.IsPositive() }

// Account is the per-user ledger head. CachedBalance always equals the sum
// of the account's ledger entries.
type Account struct {
	ID            string          `json:"account_id"`
	CachedBalance decimal.Decimal `json:"balance"`
	LoginStreak   int             `json:"login_streak"`
	LastLoginAt   *time.Time      `json:"last_login_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BalanceSummary is the read model returned by balance queries.
type BalanceSummary struct {
	AccountID   string          `json:"account_id"`
	Balance     decimal.Decimal `json:"balance"`
	TotalEarned decimal.Decimal `json:"total_earned"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
}

// ─── Amount Helpers ─────────────────────────────────────────────────────────

// RoundAmount rounds d half away from zero to AmountScale places.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountScale)
}

// ToMinorUnits converts an amount to integer cents for storage.
func ToMinorUnits(d decimal.Decimal) int64 {
	return RoundAmount(d).Shift(AmountScale).IntPart()
}

// FromMinorUnits converts stored integer cents back to an amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -AmountScale)
}

// ─── Day Window ─────────────────────────────────────────────────────────────

// DayWindow returns the UTC calendar day [start, end) containing t.
// Daily caps and login streaks are keyed on UTC midnight, never local time.
func DayWindow(t time.Time) (start, end time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// DaysBetween returns the number of UTC calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	da, _ := DayWindow(a)
	db, _ := DayWindow(b)
	return int(db.Sub(da).Hours() / 24)
}
