package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Earning errors
	ErrUnknownAction      = errors.New("unknown action")
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")

	// Request validation errors
	ErrInvalidAmount = errors.New("invalid amount")
	ErrOutOfRange    = errors.New("amount out of range")
	ErrInvalidPeriod = errors.New("invalid stake period")

	// Business rule errors
	ErrInsufficientBalance = errors.New("insufficient balance")

	// Stake state errors
	ErrStakeAlreadyActive = errors.New("an active stake already exists")
	ErrStakeNotMatured    = errors.New("stake has not matured")
	ErrNotFound           = errors.New("not found")

	// Infrastructure errors
	ErrPersistenceFailure = errors.New("persistence failure")

	// Identity errors
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Code returns the stable machine-readable code for a sentinel.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnknownAction):
		return "unknown_action"
	case errors.Is(err, ErrDailyLimitExceeded):
		return "daily_limit_exceeded"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrInvalidPeriod):
		return "invalid_period"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrStakeAlreadyActive):
		return "stake_already_active"
	case errors.Is(err, ErrStakeNotMatured):
		return "stake_not_matured"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPersistenceFailure):
		return "persistence_failure"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "internal"
	}
}

// ─── Rejection ──────────────────────────────────────────────────────────────

// Rejection is a refused operation with enough detail for the caller to
// render a specific message. It unwraps to one of the sentinels above.
type Rejection struct {
	Err     error
	Details map[string]any
}

// Reject builds a Rejection for err with key/value detail pairs.
func Reject(err error, kv ...any) *Rejection {
	r := &Rejection{Err: err, Details: make(map[string]any, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		r.Details[key] = kv[i+1]
	}
	return r
}

func (r *Rejection) Error() string {
	if len(r.Details) == 0 {
		return r.Err.Error()
	}
	keys := make([]string, 0, len(r.Details))
	for k := range r.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, r.Details[k]))
	}
	return fmt.Sprintf("%s (%s)", r.Err.Error(), strings.Join(parts, ", "))
}

func (r *Rejection) Unwrap() error { return r.Err }

// Code returns the machine-readable code of the wrapped sentinel.
func (r *Rejection) Code() string { return Code(r.Err) }

// AsRejection extracts a *Rejection from err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
