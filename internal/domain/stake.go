package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Staking Types ──────────────────────────────────────────────────────────

// StakePeriod is one entry of the fixed lock-period enumeration.
type StakePeriod string

const (
	Period7d   StakePeriod = "7d"
	Period30d  StakePeriod = "30d"
	Period90d  StakePeriod = "90d"
	Period365d StakePeriod = "365d"
)

// PeriodTerms holds the lock length and annual rate of a period.
type PeriodTerms struct {
	Period        StakePeriod     `json:"period"`
	Days          int             `json:"days"`
	AnnualRatePct decimal.Decimal `json:"annual_rate_pct"`
}

var periodTerms = map[StakePeriod]PeriodTerms{
	Period7d:   {Period: Period7d, Days: 7, AnnualRatePct: decimal.NewFromInt(5)},
	Period30d:  {Period: Period30d, Days: 30, AnnualRatePct: decimal.NewFromInt(12)},
	Period90d:  {Period: Period90d, Days: 90, AnnualRatePct: decimal.NewFromInt(18)},
	Period365d: {Period: Period365d, Days: 365, AnnualRatePct: decimal.NewFromInt(25)},
}

// Terms returns the terms for p and whether p is a known period.
func (p StakePeriod) Terms() (PeriodTerms, bool) {
	t, ok := periodTerms[p]
	return t, ok
}

// StakePeriods returns every period, shortest first.
func StakePeriods() []PeriodTerms {
	return []PeriodTerms{
		periodTerms[Period7d], periodTerms[Period30d],
		periodTerms[Period90d], periodTerms[Period365d],
	}
}

// StakeStatus is the state of a stake: active → completed, nothing else.
type StakeStatus string

const (
	StakeActive    StakeStatus = "active"
	StakeCompleted StakeStatus = "completed"
)

// Stake is one locked-balance position.
type Stake struct {
	ID                    string          `json:"id"`
	AccountID             string          `json:"account_id"`
	Principal             decimal.Decimal `json:"principal"`
	Period                StakePeriod     `json:"period"`
	AnnualRatePct         decimal.Decimal `json:"annual_rate_pct"`
	WalletRef             string          `json:"wallet_ref,omitempty"`
	StartedAt             time.Time       `json:"started_at"`
	MaturesAt             time.Time       `json:"matures_at"`
	Status                StakeStatus     `json:"status"`
	AccruedRewardsAtClose decimal.Decimal `json:"accrued_rewards_at_close"`
	PenaltyAtClose        decimal.Decimal `json:"penalty_at_close"`
	ClosedAt              *time.Time      `json:"closed_at,omitempty"`
}

// IsMatured reports whether the lock period has elapsed at now.
func (s Stake) IsMatured(now time.Time) bool {
	return !now.Before(s.MaturesAt)
}

// DaysElapsed returns whole 24h periods since the stake started.
func (s Stake) DaysElapsed(now time.Time) int {
	if now.Before(s.StartedAt) {
		return 0
	}
	return int(now.Sub(s.StartedAt) / (24 * time.Hour))
}

// DaysRemaining returns whole days until maturity, rounded up; 0 once matured.
func (s Stake) DaysRemaining(now time.Time) int {
	if s.IsMatured(now) {
		return 0
	}
	left := s.MaturesAt.Sub(now)
	days := int(left / (24 * time.Hour))
	if left%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// ProjectedRewards computes principal × rate/100/365 × daysElapsed, rounded
// half-up to two places.
func (s Stake) ProjectedRewards(now time.Time) decimal.Decimal {
	days := decimal.NewFromInt(int64(s.DaysElapsed(now)))
	daily := s.Principal.Mul(s.AnnualRatePct).Div(decimal.NewFromInt(100)).Div(decimal.NewFromInt(365))
	return RoundAmount(daily.Mul(days))
}

// StakeView is an active stake with its rewards projected to now.
type StakeView struct {
	Stake
	ProjectedRewards decimal.Decimal `json:"projected_rewards"`
	DaysElapsed      int             `json:"days_elapsed"`
	DaysRemaining    int             `json:"days_remaining"`
	IsMatured        bool            `json:"is_matured"`
}

// StakeTotals aggregates an account's staking history.
type StakeTotals struct {
	TotalStaked    decimal.Decimal `json:"total_staked"`
	TotalRewards   decimal.Decimal `json:"total_rewards"`
	TotalPenalties decimal.Decimal `json:"total_penalties"`
	Completed      int             `json:"completed_count"`
}

// StakeStatusView is the full staking picture for one account.
type StakeStatusView struct {
	Active    *StakeView  `json:"active_stake"`
	Completed []Stake     `json:"completed_stakes"`
	Totals    StakeTotals `json:"totals"`
}

// UnstakeResult describes a closed stake and what was returned.
type UnstakeResult struct {
	Stake       Stake           `json:"stake"`
	Principal   decimal.Decimal `json:"principal"`
	Rewards     decimal.Decimal `json:"rewards"`
	Penalty     decimal.Decimal `json:"penalty"`
	FinalAmount decimal.Decimal `json:"final_amount"`
	TotalReturn decimal.Decimal `json:"total_return"`
	Early       bool            `json:"early"`
}
