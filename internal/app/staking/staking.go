// Package staking locks balance for a fixed period at a fixed annual rate
// and unwinds it back into the ledger at or before maturity.
package staking

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cybv-network/cybv/internal/app/guard"
	"github.com/cybv-network/cybv/internal/domain"
	"github.com/cybv-network/cybv/internal/infra/observability"
)

// Config holds the staking limits.
type Config struct {
	MinStake                  decimal.Decimal
	MaxStake                  decimal.Decimal
	EarlyWithdrawalPenaltyPct decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinStake:                  decimal.NewFromInt(10),
		MaxStake:                  decimal.NewFromInt(1_000_000),
		EarlyWithdrawalPenaltyPct: decimal.NewFromInt(10),
	}
}

// Service is the staking engine.
type Service struct {
	cfg    Config
	store  domain.LedgerStore
	guard  *guard.Guard
	events domain.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the staking engine. events and logger may be nil.
func NewService(cfg Config, store domain.LedgerStore, g *guard.Guard, events domain.EventPublisher, logger *slog.Logger) *Service {
	if events == nil {
		events = domain.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		guard:  g,
		events: events,
		logger: logger.With("component", "staking"),
		now:    time.Now,
	}
}

// SetNow overrides the clock (for testing).
func (s *Service) SetNow(fn func() time.Time) { s.now = fn }

// Config returns the limits the engine enforces.
func (s *Service) Config() Config { return s.cfg }

// ─── Open ───────────────────────────────────────────────────────────────────

// Open locks principal from the account balance for period. Checks run in
// order and the first failure wins: amount, range, period, balance, then
// the one-active-stake rule.
func (s *Service) Open(ctx context.Context, accountID string, principal decimal.Decimal, period domain.StakePeriod, walletRef string) (domain.Stake, error) {
	if accountID == "" {
		return domain.Stake{}, domain.Reject(domain.ErrUnauthenticated)
	}
	if !principal.IsPositive() || !principal.Equal(domain.RoundAmount(principal)) {
		return domain.Stake{}, domain.Reject(domain.ErrInvalidAmount, "amount", principal.String())
	}
	if principal.LessThan(s.cfg.MinStake) || principal.GreaterThan(s.cfg.MaxStake) {
		return domain.Stake{}, domain.Reject(domain.ErrOutOfRange,
			"amount", principal.String(),
			"min", s.cfg.MinStake.String(),
			"max", s.cfg.MaxStake.String())
	}
	terms, ok := period.Terms()
	if !ok {
		return domain.Stake{}, domain.Reject(domain.ErrInvalidPeriod, "period", string(period))
	}

	var stake domain.Stake
	var balance decimal.Decimal
	err := s.guard.Do(ctx, "stake.open", accountID, func(ctx context.Context) error {
		now := s.now().UTC()
		return s.store.WithAccountTx(ctx, accountID, func(tx domain.LedgerTx) error {
			acct, err := tx.Account()
			if err != nil {
				return err
			}
			if acct.CachedBalance.LessThan(principal) {
				return domain.Reject(domain.ErrInsufficientBalance,
					"balance", acct.CachedBalance.String(),
					"required", principal.String())
			}
			active, err := tx.ActiveStake()
			if err != nil {
				return err
			}
			if active != nil {
				return domain.Reject(domain.ErrStakeAlreadyActive, "stake_id", active.ID)
			}

			stake = domain.Stake{
				ID:            uuid.NewString(),
				AccountID:     accountID,
				Principal:     principal,
				Period:        terms.Period,
				AnnualRatePct: terms.AnnualRatePct,
				WalletRef:     walletRef,
				StartedAt:     now,
				MaturesAt:     now.AddDate(0, 0, terms.Days),
				Status:        domain.StakeActive,
			}
			entry, err := tx.Append(domain.LedgerEntry{
				Amount:     principal.Neg(),
				Reason:     domain.ReasonStakeLock,
				Metadata:   map[string]string{"stake_id": stake.ID, "period": string(terms.Period)},
				OccurredAt: now,
			})
			if err != nil {
				return err
			}
			balance = entry.BalanceAfter
			return tx.InsertStake(stake)
		})
	})
	if err != nil {
		return domain.Stake{}, err
	}

	observability.StakesOpened.WithLabelValues(string(stake.Period)).Inc()
	observability.TokensDebited.WithLabelValues(string(domain.ReasonStakeLock)).Add(principal.InexactFloat64())
	s.events.Publish(domain.LedgerEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventStakeOpened,
		AccountID: accountID,
		Reason:    domain.ReasonStakeLock,
		Amount:    principal.Neg(),
		Balance:   balance,
		StakeID:   stake.ID,
		Timestamp: stake.StartedAt,
	})
	s.logger.Info("stake opened",
		"account", accountID, "stake", stake.ID,
		"principal", principal.String(), "period", stake.Period)
	return stake, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Active returns the account's active stake with rewards projected to now,
// or nil when there is none.
func (s *Service) Active(ctx context.Context, accountID string) (*domain.StakeView, error) {
	var stake *domain.Stake
	err := s.guard.Read(ctx, "stake.active", accountID, func(ctx context.Context) error {
		var err error
		stake, err = s.store.ActiveStake(ctx, accountID)
		return err
	})
	if err != nil || stake == nil {
		return nil, err
	}
	view := s.view(*stake, s.now().UTC())
	return &view, nil
}

// Status returns the active stake, the completed history, and totals.
func (s *Service) Status(ctx context.Context, accountID string) (domain.StakeStatusView, error) {
	out := domain.StakeStatusView{
		Completed: []domain.Stake{},
		Totals: domain.StakeTotals{
			TotalStaked:    decimal.Zero,
			TotalRewards:   decimal.Zero,
			TotalPenalties: decimal.Zero,
		},
	}
	var stakes []domain.Stake
	err := s.guard.Read(ctx, "stake.status", accountID, func(ctx context.Context) error {
		var err error
		stakes, err = s.store.ListStakes(ctx, accountID)
		return err
	})
	if err != nil {
		return out, err
	}
	now := s.now().UTC()
	for _, st := range stakes {
		out.Totals.TotalStaked = out.Totals.TotalStaked.Add(st.Principal)
		if st.Status == domain.StakeActive {
			v := s.view(st, now)
			out.Active = &v
			continue
		}
		out.Completed = append(out.Completed, st)
		out.Totals.Completed++
		out.Totals.TotalRewards = out.Totals.TotalRewards.Add(st.AccruedRewardsAtClose)
		out.Totals.TotalPenalties = out.Totals.TotalPenalties.Add(st.PenaltyAtClose)
	}
	return out, nil
}

func (s *Service) view(st domain.Stake, now time.Time) domain.StakeView {
	return domain.StakeView{
		Stake:            st,
		ProjectedRewards: st.ProjectedRewards(now),
		DaysElapsed:      st.DaysElapsed(now),
		DaysRemaining:    st.DaysRemaining(now),
		IsMatured:        st.IsMatured(now),
	}
}

// Penalty returns the early withdrawal penalty for principal.
func (s *Service) Penalty(principal decimal.Decimal) decimal.Decimal {
	return domain.RoundAmount(principal.Mul(s.cfg.EarlyWithdrawalPenaltyPct).Div(decimal.NewFromInt(100)))
}

// ─── Close ──────────────────────────────────────────────────────────────────

// Close completes an active stake. Before maturity it requires forceEarly,
// in which case the penalty is taken from principal and also offsets the
// accrued rewards. The return is credited as an unstake_return entry for
// principal minus penalty plus a stake_reward entry when rewards remain.
func (s *Service) Close(ctx context.Context, accountID, stakeID string, forceEarly bool) (domain.UnstakeResult, error) {
	if accountID == "" {
		return domain.UnstakeResult{}, domain.Reject(domain.ErrUnauthenticated)
	}

	var res domain.UnstakeResult
	var balance decimal.Decimal
	err := s.guard.Do(ctx, "stake.close", accountID, func(ctx context.Context) error {
		now := s.now().UTC()
		return s.store.WithAccountTx(ctx, accountID, func(tx domain.LedgerTx) error {
			stake, err := tx.GetStake(stakeID)
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Reject(domain.ErrNotFound, "stake_id", stakeID)
			}
			if err != nil {
				return err
			}
			if stake.Status != domain.StakeActive {
				return domain.Reject(domain.ErrNotFound, "stake_id", stakeID, "status", string(stake.Status))
			}

			matured := stake.IsMatured(now)
			rewards := stake.ProjectedRewards(now)
			penalty := decimal.Zero
			if !matured {
				if !forceEarly {
					return domain.Reject(domain.ErrStakeNotMatured,
						"stake_id", stakeID,
						"days_remaining", stake.DaysRemaining(now),
						"penalty_if_forced", s.Penalty(stake.Principal).String())
				}
				penalty = s.Penalty(stake.Principal)
				rewards = decimal.Max(decimal.Zero, rewards.Sub(penalty))
			}
			final := stake.Principal.Sub(penalty)

			closedAt := now
			stake.Status = domain.StakeCompleted
			stake.AccruedRewardsAtClose = rewards
			stake.PenaltyAtClose = penalty
			stake.ClosedAt = &closedAt
			if err := tx.CompleteStake(*stake); err != nil {
				return err
			}

			meta := map[string]string{"stake_id": stake.ID, "early": strconv.FormatBool(!matured)}
			if final.IsPositive() {
				entry, err := tx.Append(domain.LedgerEntry{
					Amount:     final,
					Reason:     domain.ReasonUnstakeReturn,
					Metadata:   meta,
					OccurredAt: now,
				})
				if err != nil {
					return err
				}
				balance = entry.BalanceAfter
			}
			if rewards.IsPositive() {
				entry, err := tx.Append(domain.LedgerEntry{
					Amount:     rewards,
					Reason:     domain.ReasonStakeReward,
					Metadata:   meta,
					OccurredAt: now,
				})
				if err != nil {
					return err
				}
				balance = entry.BalanceAfter
			}

			res = domain.UnstakeResult{
				Stake:       *stake,
				Principal:   stake.Principal,
				Rewards:     rewards,
				Penalty:     penalty,
				FinalAmount: final,
				TotalReturn: final.Add(rewards),
				Early:       !matured,
			}
			return nil
		})
	})
	if err != nil {
		return domain.UnstakeResult{}, err
	}

	observability.StakesClosed.WithLabelValues(string(res.Stake.Period), strconv.FormatBool(res.Early)).Inc()
	observability.TokensCredited.WithLabelValues(string(domain.ReasonUnstakeReturn)).Add(res.FinalAmount.InexactFloat64())
	if res.Rewards.IsPositive() {
		observability.TokensCredited.WithLabelValues(string(domain.ReasonStakeReward)).Add(res.Rewards.InexactFloat64())
	}
	s.events.Publish(domain.LedgerEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventStakeClosed,
		AccountID: accountID,
		Reason:    domain.ReasonUnstakeReturn,
		Amount:    res.TotalReturn,
		Balance:   balance,
		StakeID:   res.Stake.ID,
		Timestamp: *res.Stake.ClosedAt,
	})
	s.logger.Info("stake closed",
		"account", accountID, "stake", res.Stake.ID, "early", res.Early,
		"penalty", res.Penalty.String(), "total_return", res.TotalReturn.String())
	return res, nil
}
