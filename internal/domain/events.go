package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Ledger Events ──────────────────────────────────────────────────────────

// EventType names a post-commit ledger notification.
type EventType string

const (
	EventCreditEarned EventType = "credit_earned"
	EventBonusAwarded EventType = "bonus_awarded"
	EventSpent        EventType = "spent"
	EventStakeOpened  EventType = "stake_opened"
	EventStakeClosed  EventType = "stake_closed"
)

// LedgerEvent is emitted after a transaction commits.
type LedgerEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	AccountID string          `json:"account_id"`
	Reason    Reason          `json:"reason,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	StakeID   string          `json:"stake_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(LedgerEvent) {}
