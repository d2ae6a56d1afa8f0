// Package limiter enforces per-account daily caps on reward actions.
//
// The day window is [00:00 UTC, 24:00 UTC). Reservation happens inside the
// same store transaction that appends the ledger entry, through an atomic
// increment-if-below-cap counter, so concurrent requests cannot overshoot a
// cap: a reservation and its credit commit or roll back together.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/cybv-network/cybv/internal/app/policy"
	"github.com/cybv-network/cybv/internal/domain"
)

// Decision is the outcome of a cap check.
type Decision struct {
	Allowed  bool          `json:"allowed"`
	Action   domain.Reason `json:"action"`
	Count    int           `json:"count"`     // today's count, including this reservation when allowed
	Cap      int           `json:"cap"`       // 0 when the action is uncapped
	ResetsAt time.Time     `json:"resets_at"` // next UTC midnight
}

// Remaining returns how many more occurrences fit under the cap today.
// Uncapped actions report -1.
func (d Decision) Remaining() int {
	if d.Cap == 0 {
		return -1
	}
	if d.Count >= d.Cap {
		return 0
	}
	return d.Cap - d.Count
}

// Err returns a DailyLimitExceeded rejection for a denied decision.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return domain.Reject(domain.ErrDailyLimitExceeded,
		"action", string(d.Action),
		"count", d.Count,
		"cap", d.Cap,
		"resets_at", d.ResetsAt.Format(time.RFC3339),
	)
}

// CheckAndReserve reserves n occurrences of action for the transaction's
// account. Uncapped actions are always allowed and reserve nothing.
func CheckAndReserve(tx domain.LedgerTx, action domain.Reason, n int, now time.Time) (Decision, error) {
	if n <= 0 {
		n = 1
	}
	day, next := domain.DayWindow(now)
	d := Decision{Action: action, ResetsAt: next}

	limit, capped := policy.Cap(action)
	if !capped {
		d.Allowed = true
		return d, nil
	}
	d.Cap = limit

	count, applied, err := tx.IncrementDailyCounter(action, day, n, limit)
	if err != nil {
		return d, fmt.Errorf("reserve %s: %w", action, err)
	}
	d.Count = count
	d.Allowed = applied
	return d, nil
}

// Peek reports today's standing for action without reserving anything.
// The count is derived from the ledger entries themselves.
func Peek(ctx context.Context, store domain.LedgerStore, accountID string, action domain.Reason, now time.Time) (Decision, error) {
	day, next := domain.DayWindow(now)
	d := Decision{Action: action, ResetsAt: next, Allowed: true}

	limit, capped := policy.Cap(action)
	if !capped {
		return d, nil
	}
	count, err := store.CountEntries(ctx, accountID, action, day, next)
	if err != nil {
		return d, fmt.Errorf("peek %s: %w", action, err)
	}
	d.Cap = limit
	d.Count = count
	d.Allowed = count < limit
	return d, nil
}
