package policy

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/cybv-network/cybv/internal/domain"
)

func TestLookup_KnownActions(t *testing.T) {
	tests := []struct {
		action domain.Reason
		reward int64
		cap    int
	}{
		{domain.ReasonPostCreate, 5, 0},
		{domain.ReasonPostLike, 1, 50},
		{domain.ReasonCommentCreate, 2, 20},
		{domain.ReasonBlogCreate, 25, 0},
		{domain.ReasonDailyLogin, 1, 1},
		{domain.ReasonReferral, 50, 0},
		{domain.ReasonProfileComplete, 10, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			rule, err := Lookup(tt.action)
			if err != nil {
				t.Fatalf("Lookup(%s) error: %v", tt.action, err)
			}
			if !rule.Reward.Equal(decimal.NewFromInt(tt.reward)) {
				t.Errorf("Reward = %s, want %d", rule.Reward, tt.reward)
			}
			if rule.DailyCap != tt.cap {
				t.Errorf("DailyCap = %d, want %d", rule.DailyCap, tt.cap)
			}
			gotCap, capped := Cap(tt.action)
			if capped != (tt.cap > 0) || gotCap != tt.cap {
				t.Errorf("Cap() = %d, %v; want %d, %v", gotCap, capped, tt.cap, tt.cap > 0)
			}
		})
	}
}

func TestLookup_RejectsNonEarnable(t *testing.T) {
	for _, action := range []domain.Reason{"nope", domain.ReasonFirstPost, domain.ReasonStakeReward, domain.ReasonSpend} {
		_, err := Lookup(action)
		if !errors.Is(err, domain.ErrUnknownAction) {
			t.Errorf("Lookup(%q) error = %v, want ErrUnknownAction", action, err)
		}
	}
}

func TestStreakBonus_ExactThresholdsOnly(t *testing.T) {
	for day := 1; day <= 60; day++ {
		reason, ok := StreakBonus(day)
		switch day {
		case 7:
			if !ok || reason != domain.ReasonWeekStreak {
				t.Errorf("day 7 = %q, %v; want week_streak", reason, ok)
			}
		case 30:
			if !ok || reason != domain.ReasonMonthStreak {
				t.Errorf("day 30 = %q, %v; want month_streak", reason, ok)
			}
		default:
			if ok {
				t.Errorf("day %d granted %q, want none", day, reason)
			}
		}
	}
}

func TestBonusTable(t *testing.T) {
	amt, ok := Bonus(domain.ReasonFirstPost)
	if !ok || !amt.Equal(decimal.NewFromInt(15)) {
		t.Errorf("first_post bonus = %s, %v; want 15", amt, ok)
	}

	table := BonusTable()
	table[domain.ReasonFirstPost] = decimal.NewFromInt(1000)
	if amt, _ := Bonus(domain.ReasonFirstPost); !amt.Equal(decimal.NewFromInt(15)) {
		t.Error("BonusTable() must return a copy")
	}
}

func TestRules_SortedAndValid(t *testing.T) {
	rs := Rules()
	if len(rs) != 7 {
		t.Fatalf("Rules() = %d rules, want 7", len(rs))
	}
	for i, r := range rs {
		if !r.Action.Valid() {
			t.Errorf("rule %q uses an unknown reason", r.Action)
		}
		if i > 0 && rs[i-1].Action >= r.Action {
			t.Errorf("Rules() not sorted at %d", i)
		}
	}
}
