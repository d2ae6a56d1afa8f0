// Package policy holds the reward economics: what each action pays, how
// often per UTC day it may pay, and the one-time bonuses.
//
// The table is compiled in and read-only at runtime. Changing the economics
// means shipping a new Version, never a database write.
package policy

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/cybv-network/cybv/internal/domain"
)

// Version identifies the deployed reward table.
const Version = "2024-06-v1"

// Streak thresholds that grant a one-time bonus when reached.
const (
	WeekStreakDays  = 7
	MonthStreakDays = 30
)

// Rule is one row of the policy table.
type Rule struct {
	Action   domain.Reason   `json:"action"`
	Reward   decimal.Decimal `json:"reward"`
	DailyCap int             `json:"daily_cap,omitempty"` // 0 = uncapped
}

// Capped reports whether the rule has a daily cap.
func (r Rule) Capped() bool { return r.DailyCap > 0 }

var rules = map[domain.Reason]Rule{
	domain.ReasonPostCreate:      {Action: domain.ReasonPostCreate, Reward: decimal.NewFromInt(5)},
	domain.ReasonPostLike:        {Action: domain.ReasonPostLike, Reward: decimal.NewFromInt(1), DailyCap: 50},
	domain.ReasonCommentCreate:   {Action: domain.ReasonCommentCreate, Reward: decimal.NewFromInt(2), DailyCap: 20},
	domain.ReasonBlogCreate:      {Action: domain.ReasonBlogCreate, Reward: decimal.NewFromInt(25)},
	domain.ReasonDailyLogin:      {Action: domain.ReasonDailyLogin, Reward: decimal.NewFromInt(1), DailyCap: 1},
	domain.ReasonReferral:        {Action: domain.ReasonReferral, Reward: decimal.NewFromInt(50)},
	domain.ReasonProfileComplete: {Action: domain.ReasonProfileComplete, Reward: decimal.NewFromInt(10), DailyCap: 1},
}

var bonuses = map[domain.Reason]decimal.Decimal{
	domain.ReasonFirstPost:   decimal.NewFromInt(15),
	domain.ReasonWeekStreak:  decimal.NewFromInt(10),
	domain.ReasonMonthStreak: decimal.NewFromInt(50),
}

// Lookup returns the rule for an earnable action. Bonus, spend, and stake
// reasons are not earnable and are rejected like any unknown action.
func Lookup(action domain.Reason) (Rule, error) {
	rule, ok := rules[action]
	if !ok {
		return Rule{}, domain.Reject(domain.ErrUnknownAction, "action", string(action))
	}
	return rule, nil
}

// Cap returns the daily cap for action and whether one applies.
func Cap(action domain.Reason) (int, bool) {
	rule, ok := rules[action]
	if !ok || !rule.Capped() {
		return 0, false
	}
	return rule.DailyCap, true
}

// Bonus returns the amount of a one-time bonus.
func Bonus(reason domain.Reason) (decimal.Decimal, bool) {
	amt, ok := bonuses[reason]
	return amt, ok
}

// StreakBonus returns the bonus reason granted when a login streak reaches
// streak days, if any. Only the exact threshold pays.
func StreakBonus(streak int) (domain.Reason, bool) {
	switch streak {
	case WeekStreakDays:
		return domain.ReasonWeekStreak, true
	case MonthStreakDays:
		return domain.ReasonMonthStreak, true
	}
	return "", false
}

// Rules returns the earnable actions sorted by name.
func Rules() []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// BonusTable returns the bonus amounts keyed by reason.
func BonusTable() map[domain.Reason]decimal.Decimal {
	out := make(map[domain.Reason]decimal.Decimal, len(bonuses))
	for k, v := range bonuses {
		out[k] = v
	}
	return out
}
