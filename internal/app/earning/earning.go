// Package earning credits accounts for platform activity.
//
// Earn is the single entry point: it resolves the action against the policy
// table, reserves a slot under the daily cap, appends the credit, evaluates
// login streaks and the first-post bonus, and publishes events once the
// transaction has committed.
package earning

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cybv-network/cybv/internal/app/guard"
	"github.com/cybv-network/cybv/internal/app/limiter"
	"github.com/cybv-network/cybv/internal/app/policy"
	"github.com/cybv-network/cybv/internal/domain"
	"github.com/cybv-network/cybv/internal/infra/observability"
)

// Bounds of the "ever" window used for once-per-account checks.
var (
	beginningOfTime = time.Unix(0, 0).UTC()
	endOfTime       = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
)

// Bonus is one bonus credit granted alongside an action.
type Bonus struct {
	Reason domain.Reason   `json:"reason"`
	Amount decimal.Decimal `json:"amount"`
}

// EarnResult describes a successful Earn. AmountCredited covers the action
// itself; bonus credits are listed separately in Bonuses.
type EarnResult struct {
	AccountID      string             `json:"account_id"`
	Action         domain.Reason      `json:"action"`
	AmountCredited decimal.Decimal    `json:"amount_credited"`
	Bonuses        []Bonus            `json:"bonuses"`
	NewBalance     decimal.Decimal    `json:"new_balance"`
	LoginStreak    int                `json:"login_streak,omitempty"`
	Entry          domain.LedgerEntry `json:"entry"`
	Limit          limiter.Decision   `json:"limit"`
}

// TotalCredited is the action credit plus every bonus.
func (r EarnResult) TotalCredited() decimal.Decimal {
	total := r.AmountCredited
	for _, b := range r.Bonuses {
		total = total.Add(b.Amount)
	}
	return total
}

// Service is the earning engine.
type Service struct {
	store  domain.LedgerStore
	guard  *guard.Guard
	events domain.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the earning engine. events and logger may be nil.
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
		logger: logger.With("component", "earning"),
		now:    time.Now,
	}
}

// SetNow overrides the clock (for testing).
func (s *Service) SetNow(fn func() time.Time) { s.now = fn }

// Earn credits accountID for one occurrence of action.
func (s *Service) Earn(ctx context.Context, accountID string, action domain.Reason, metadata map[string]string) (EarnResult, error) {
	if accountID == "" {
		return EarnResult{}, domain.Reject(domain.ErrUnauthenticated)
	}
	rule, err := policy.Lookup(action)
	if err != nil {
		return EarnResult{}, err
	}

	var res EarnResult
	err = s.guard.Do(ctx, "earn", accountID, func(ctx context.Context) error {
		res = EarnResult{AccountID: accountID, Action: action, Bonuses: []Bonus{}}
		now := s.now().UTC()

		return s.store.WithAccountTx(ctx, accountID, func(tx domain.LedgerTx) error {
			decision, err := limiter.CheckAndReserve(tx, action, 1, now)
			if err != nil {
				return err
			}
			if !decision.Allowed {
				return decision.Err()
			}
			res.Limit = decision

			firstPost := false
			if action == domain.ReasonPostCreate {
				if firstPost, err = isFirstPost(tx); err != nil {
					return err
				}
			}

			entry, err := tx.Append(domain.LedgerEntry{
				Amount:     rule.Reward,
				Reason:     action,
				Metadata:   copyMetadata(metadata),
				OccurredAt: now,
			})
			if err != nil {
				return err
			}
			res.Entry = entry
			res.AmountCredited = entry.Amount
			res.NewBalance = entry.BalanceAfter

			if action == domain.ReasonDailyLogin {
				if err := s.applyLogin(tx, now, &res); err != nil {
					return err
				}
			}
			if firstPost {
				if err := s.grantBonus(tx, domain.ReasonFirstPost, now, map[string]string{"trigger": string(action)}, &res); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		if guard.IsRejection(err) {
			s.logger.Info("earn rejected", "account", accountID, "action", action, "code", domain.Code(err))
		}
		return EarnResult{}, err
	}

	s.publish(res, res.Entry.OccurredAt)
	return res, nil
}

// Limit reports today's standing for action without reserving a slot.
func (s *Service) Limit(ctx context.Context, accountID string, action domain.Reason) (limiter.Decision, error) {
	if _, err := policy.Lookup(action); err != nil {
		return limiter.Decision{}, err
	}
	var d limiter.Decision
	err := s.guard.Read(ctx, "limit", accountID, func(ctx context.Context) error {
		var err error
		d, err = limiter.Peek(ctx, s.store, accountID, action, s.now().UTC())
		return err
	})
	if err != nil {
		return limiter.Decision{}, err
	}
	return d, nil
}

// applyLogin advances the login streak and grants a streak bonus when the
// streak lands exactly on a threshold.
func (s *Service) applyLogin(tx domain.LedgerTx, now time.Time, res *EarnResult) error {
	acct, err := tx.Account()
	if err != nil {
		return err
	}
	streak := NextStreak(acct.LoginStreak, acct.LastLoginAt, now)
	if err := tx.SetLoginStreak(streak, now); err != nil {
		return err
	}
	res.LoginStreak = streak

	if streak == acct.LoginStreak && acct.LastLoginAt != nil {
		return nil
	}
	reason, ok := policy.StreakBonus(streak)
	if !ok {
		return nil
	}
	return s.grantBonus(tx, reason, now, map[string]string{"streak": strconv.Itoa(streak)}, res)
}

func (s *Service) grantBonus(tx domain.LedgerTx, reason domain.Reason, now time.Time, meta map[string]string, res *EarnResult) error {
	amount, ok := policy.Bonus(reason)
	if !ok {
		return domain.Reject(domain.ErrUnknownAction, "action", string(reason))
	}
	entry, err := tx.Append(domain.LedgerEntry{
		Amount:     amount,
		Reason:     reason,
		Metadata:   meta,
		OccurredAt: now,
	})
	if err != nil {
		return err
	}
	res.Bonuses = append(res.Bonuses, Bonus{Reason: reason, Amount: entry.Amount})
	res.NewBalance = entry.BalanceAfter
	return nil
}

func (s *Service) publish(res EarnResult, at time.Time) {
	observability.TokensCredited.WithLabelValues(string(res.Action)).Add(res.AmountCredited.InexactFloat64())
	s.events.Publish(domain.LedgerEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventCreditEarned,
		AccountID: res.AccountID,
		Reason:    res.Action,
		Amount:    res.AmountCredited,
		Balance:   res.Entry.BalanceAfter,
		Timestamp: at,
	})
	for _, b := range res.Bonuses {
		observability.TokensCredited.WithLabelValues(string(b.Reason)).Add(b.Amount.InexactFloat64())
		s.events.Publish(domain.LedgerEvent{
			ID:        uuid.NewString(),
			Type:      domain.EventBonusAwarded,
			AccountID: res.AccountID,
			Reason:    b.Reason,
			Amount:    b.Amount,
			Balance:   res.NewBalance,
			Timestamp: at,
		})
	}
	s.logger.Debug("credited",
		"account", res.AccountID, "action", res.Action,
		"amount", res.AmountCredited.String(), "bonuses", len(res.Bonuses),
		"balance", res.NewBalance.String())
}

// NextStreak returns the login streak after a login at now, given the
// current streak and the previous login time.
func NextStreak(current int, lastLoginAt *time.Time, now time.Time) int {
	if lastLoginAt == nil {
		return 1
	}
	switch days := domain.DaysBetween(*lastLoginAt, now); {
	case days <= 0:
		if current < 1 {
			return 1
		}
		return current
	case days == 1:
		return current + 1
	default:
		return 1
	}
}

func isFirstPost(tx domain.LedgerTx) (bool, error) {
	for _, reason := range []domain.Reason{domain.ReasonFirstPost, domain.ReasonPostCreate} {
		n, err := tx.CountEntries(reason, beginningOfTime, endOfTime)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
