package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cybv-network/cybv/internal/domain"
)

// ─── Stake Operations ───────────────────────────────────────────────────────

const stakeSelect = `
	SELECT id, account_id, principal_cents, period, annual_rate_pct, wallet_ref,
	       started_at, matures_at, status, accrued_rewards_cents, penalty_cents, closed_at
	FROM stakes`

func scanStake(row rowScanner) (*domain.Stake, error) {
	var (
		s                       domain.Stake
		principal, rewards, pen int64
		period, rate, status    string
		started, matures        string
		closed                  sql.NullString
	)
	if err := row.Scan(&s.ID, &s.AccountID, &principal, &period, &rate, &s.WalletRef,
		&started, &matures, &status, &rewards, &pen, &closed); err != nil {
		return nil, err
	}
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("stake %s: bad rate %q: %w", s.ID, rate, err)
	}
	s.Principal = domain.FromMinorUnits(principal)
	s.Period = domain.StakePeriod(period)
	s.AnnualRatePct = r
	s.StartedAt = parseTime(started)
	s.MaturesAt = parseTime(matures)
	s.Status = domain.StakeStatus(status)
	s.AccruedRewardsAtClose = domain.FromMinorUnits(rewards)
	s.PenaltyAtClose = domain.FromMinorUnits(pen)
	if closed.Valid && closed.String != "" {
		t := parseTime(closed.String)
		s.ClosedAt = &t
	}
	return &s, nil
}

// ActiveStake returns the account's active stake, or nil if none.
func (t *ledgerTx) ActiveStake() (*domain.Stake, error) {
	s, err := scanStake(t.tx.QueryRowContext(t.ctx, stakeSelect+` WHERE account_id = ? AND status = 'active'`, t.accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active stake: %w", err)
	}
	return s, nil
}

// GetStake loads a stake owned by the transaction's account.
// Stakes belonging to other accounts are reported as domain.ErrNotFound.
func (t *ledgerTx) GetStake(stakeID string) (*domain.Stake, error) {
	s, err := scanStake(t.tx.QueryRowContext(t.ctx, stakeSelect+` WHERE id = ? AND account_id = ?`, stakeID, t.accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stake: %w", err)
	}
	return s, nil
}

// InsertStake creates a stake row. The partial unique index refuses a
// second active stake for the same account.
func (t *ledgerTx) InsertStake(s domain.Stake) error {
	if err := t.ensureAccount(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO stakes (id, account_id, principal_cents, period, annual_rate_pct, wallet_ref,
		                    started_at, matures_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, t.accountID, domain.ToMinorUnits(s.Principal), string(s.Period), s.AnnualRatePct.String(),
		s.WalletRef, formatTime(s.StartedAt), formatTime(s.MaturesAt), string(domain.StakeActive))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrStakeAlreadyActive
		}
		return fmt.Errorf("insert stake: %w", err)
	}
	return nil
}

// CompleteStake performs the active → completed transition. Completing a
// stake that is not active fails with domain.ErrNotFound.
func (t *ledgerTx) CompleteStake(s domain.Stake) error {
	if s.ClosedAt == nil {
		return fmt.Errorf("complete stake %s: closed_at required", s.ID)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE stakes
		SET status = 'completed', accrued_rewards_cents = ?, penalty_cents = ?, closed_at = ?
		WHERE id = ? AND account_id = ? AND status = 'active'
	`, domain.ToMinorUnits(s.AccruedRewardsAtClose), domain.ToMinorUnits(s.PenaltyAtClose),
		formatTime(*s.ClosedAt), s.ID, t.accountID)
	if err != nil {
		return fmt.Errorf("complete stake: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete stake: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ActiveStake returns the account's active stake, or nil if none.
func (db *DB) ActiveStake(ctx context.Context, accountID string) (*domain.Stake, error) {
	s, err := scanStake(db.db.QueryRowContext(ctx, stakeSelect+` WHERE account_id = ? AND status = 'active'`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active stake: %w", err)
	}
	return s, nil
}

// ListStakes returns every stake of the account, newest first.
func (db *DB) ListStakes(ctx context.Context, accountID string) ([]domain.Stake, error) {
	rows, err := db.db.QueryContext(ctx, stakeSelect+` WHERE account_id = ? ORDER BY started_at DESC, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list stakes: %w", err)
	}
	defer rows.Close()

	var out []domain.Stake
	for rows.Next() {
		s, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
