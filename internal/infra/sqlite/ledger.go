// Ledger schema and operations.
// Persistence for accounts, append-only ledger entries, and the atomic
// per-account-per-day action counters.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cybv-network/cybv/internal/domain"
)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the schema statements, one per Exec.
func LedgerMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id            TEXT PRIMARY KEY,
			balance_cents INTEGER NOT NULL DEFAULT 0,
			login_streak  INTEGER NOT NULL DEFAULT 0,
			last_login_at TEXT,
			created_at    TEXT NOT NULL
		)`,

		// Append-only: UPDATE and DELETE are refused by triggers below.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id          TEXT NOT NULL REFERENCES accounts(id),
			amount_cents        INTEGER NOT NULL,
			reason              TEXT NOT NULL,
			metadata            TEXT NOT NULL DEFAULT '{}',
			occurred_at         TEXT NOT NULL,
			status              TEXT NOT NULL DEFAULT 'completed',
			balance_after_cents INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account_reason_time ON ledger_entries(account_id, reason, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account_id ON ledger_entries(account_id, id)`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END`,

		// Atomic daily counters for capped actions
		`CREATE TABLE IF NOT EXISTS daily_counters (
			account_id TEXT NOT NULL,
			action     TEXT NOT NULL,
			day        TEXT NOT NULL,
			count      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account_id, action, day)
		)`,

		// Stakes: at most one active row per account
		`CREATE TABLE IF NOT EXISTS stakes (
			id                    TEXT PRIMARY KEY,
			account_id            TEXT NOT NULL REFERENCES accounts(id),
			principal_cents       INTEGER NOT NULL,
			period                TEXT NOT NULL,
			annual_rate_pct       TEXT NOT NULL,
			wallet_ref            TEXT NOT NULL DEFAULT '',
			started_at            TEXT NOT NULL,
			matures_at            TEXT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'active',
			accrued_rewards_cents INTEGER NOT NULL DEFAULT 0,
			penalty_cents         INTEGER NOT NULL DEFAULT 0,
			closed_at             TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_stakes_one_active ON stakes(account_id) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_stakes_account ON stakes(account_id, started_at)`,
	}
}

// ─── Transactions ───────────────────────────────────────────────────────────

// WithAccountTx runs fn in one transaction. Any error from fn (or a failed
// commit) rolls back every write fn made.
func (db *DB) WithAccountTx(ctx context.Context, accountID string, fn func(tx domain.LedgerTx) error) error {
	if accountID == "" {
		return fmt.Errorf("account id required")
	}
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &ledgerTx{ctx: ctx, tx: sqlTx, accountID: accountID, now: db.clock()}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ledgerTx implements domain.LedgerTx over one *sql.Tx.
type ledgerTx struct {
	ctx       context.Context
	tx        *sql.Tx
	accountID string
	now       time.Time
}

func (t *ledgerTx) ensureAccount() error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO accounts (id, balance_cents, login_streak, created_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.accountID, formatTime(t.now))
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// Account loads the transaction's account, creating it on first use.
func (t *ledgerTx) Account() (domain.Account, error) {
	if err := t.ensureAccount(); err != nil {
		return domain.Account{}, err
	}
	acct, err := scanAccount(t.tx.QueryRowContext(t.ctx, accountSelect+` WHERE id = ?`, t.accountID))
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account: %w", err)
	}
	return *acct, nil
}

// Append writes the entry and moves the cached balance in the same
// transaction. It is the only writer of accounts.balance_cents.
func (t *ledgerTx) Append(entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if !entry.Reason.Valid() {
		return domain.LedgerEntry{}, fmt.Errorf("append: invalid reason %q", entry.Reason)
	}
	cents := domain.ToMinorUnits(entry.Amount)
	if cents == 0 {
		return domain.LedgerEntry{}, fmt.Errorf("append: zero amount for %s", entry.Reason)
	}
	if err := t.ensureAccount(); err != nil {
		return domain.LedgerEntry{}, err
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = t.now
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append: encode metadata: %w", err)
	}
	if entry.Metadata == nil {
		meta = []byte("{}")
	}

	var balanceAfter int64
	err = t.tx.QueryRowContext(t.ctx, `
		UPDATE accounts SET balance_cents = balance_cents + ?
		WHERE id = ?
		RETURNING balance_cents
	`, cents, t.accountID).Scan(&balanceAfter)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append: update balance: %w", err)
	}

	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_entries (account_id, amount_cents, reason, metadata, occurred_at, status, balance_after_cents)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.accountID, cents, string(entry.Reason), string(meta), formatTime(entry.OccurredAt),
		string(domain.EntryCompleted), balanceAfter)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append: insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append: entry id: %w", err)
	}

	entry.ID = id
	entry.AccountID = t.accountID
	entry.Amount = domain.FromMinorUnits(cents)
	entry.OccurredAt = entry.OccurredAt.UTC()
	entry.Status = domain.EntryCompleted
	entry.BalanceAfter = domain.FromMinorUnits(balanceAfter)
	return entry, nil
}

// CountEntries counts the account's entries with reason in [from, to).
func (t *ledgerTx) CountEntries(reason domain.Reason, from, to time.Time) (int, error) {
	return countEntries(t.ctx, t.tx, t.accountID, reason, from, to)
}

// IncrementDailyCounter adds n to the (action, day) counter iff the result
// stays within limit. Every statement runs inside the caller's transaction,
// so the check and the increment are one atomic step. Counters of earlier
// days for the same account are deleted on the way.
func (t *ledgerTx) IncrementDailyCounter(action domain.Reason, day time.Time, n, limit int) (int, bool, error) {
	dayKey := day.UTC().Format(time.DateOnly)
	// Only today's counters are ever read; earlier days of this account go.
	if _, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM daily_counters WHERE account_id = ? AND day < ?
	`, t.accountID, dayKey); err != nil {
		return 0, false, fmt.Errorf("daily counter: prune: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO daily_counters (account_id, action, day, count) VALUES (?, ?, ?, 0)
		ON CONFLICT(account_id, action, day) DO NOTHING
	`, t.accountID, string(action), dayKey); err != nil {
		return 0, false, fmt.Errorf("daily counter: %w", err)
	}

	var count int
	err := t.tx.QueryRowContext(t.ctx, `
		UPDATE daily_counters SET count = count + ?
		WHERE account_id = ? AND action = ? AND day = ? AND count + ? <= ?
		RETURNING count
	`, n, t.accountID, string(action), dayKey, n, limit).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("daily counter: %w", err)
	}

	err = t.tx.QueryRowContext(t.ctx, `
		SELECT count FROM daily_counters WHERE account_id = ? AND action = ? AND day = ?
	`, t.accountID, string(action), dayKey).Scan(&count)
	if err != nil {
		return 0, false, fmt.Errorf("daily counter: %w", err)
	}
	return count, false, nil
}

// SetLoginStreak records the login streak bookkeeping fields.
func (t *ledgerTx) SetLoginStreak(streak int, lastLoginAt time.Time) error {
	if err := t.ensureAccount(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE accounts SET login_streak = ?, last_login_at = ? WHERE id = ?
	`, streak, formatTime(lastLoginAt), t.accountID)
	if err != nil {
		return fmt.Errorf("set login streak: %w", err)
	}
	return nil
}

// ─── Read Operations ────────────────────────────────────────────────────────

const accountSelect = `SELECT id, balance_cents, login_streak, last_login_at, created_at FROM accounts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		a         domain.Account
		cents     int64
		lastLogin sql.NullString
		created   string
	)
	if err := row.Scan(&a.ID, &cents, &a.LoginStreak, &lastLogin, &created); err != nil {
		return nil, err
	}
	a.CachedBalance = domain.FromMinorUnits(cents)
	a.CreatedAt = parseTime(created)
	if lastLogin.Valid && lastLogin.String != "" {
		t := parseTime(lastLogin.String)
		a.LastLoginAt = &t
	}
	return &a, nil
}

// GetAccount returns the account or domain.ErrNotFound.
func (db *DB) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	acct, err := scanAccount(db.db.QueryRowContext(ctx, accountSelect+` WHERE id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

// BalanceSummary returns the cached balance plus the sums of credits and
// debits. Unknown accounts report zeros.
func (db *DB) BalanceSummary(ctx context.Context, accountID string) (domain.BalanceSummary, error) {
	summary := domain.BalanceSummary{
		AccountID:   accountID,
		Balance:     decimal.Zero,
		TotalEarned: decimal.Zero,
		TotalSpent:  decimal.Zero,
	}

	// One statement so the balance and the totals come from the same snapshot.
	var (
		balance       sql.NullInt64
		earned, spent int64
	)
	err := db.db.QueryRowContext(ctx, `
		SELECT
			(SELECT balance_cents FROM accounts WHERE id = ?),
			COALESCE(SUM(CASE WHEN amount_cents > 0 THEN amount_cents ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN amount_cents < 0 THEN -amount_cents ELSE 0 END), 0)
		FROM ledger_entries WHERE account_id = ?
	`, accountID, accountID).Scan(&balance, &earned, &spent)
	if err != nil {
		return summary, fmt.Errorf("balance: %w", err)
	}
	if !balance.Valid {
		return summary, nil
	}

	summary.Balance = domain.FromMinorUnits(balance.Int64)
	summary.TotalEarned = domain.FromMinorUnits(earned)
	summary.TotalSpent = domain.FromMinorUnits(spent)
	return summary, nil
}

// RecentEntries returns up to limit entries, most recent first.
func (db *DB) RecentEntries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, account_id, amount_cents, reason, metadata, occurred_at, status, balance_after_cents
		FROM ledger_entries WHERE account_id = ?
		ORDER BY id DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e            domain.LedgerEntry
			cents, after int64
			reason, meta string
			occurred     string
			status       string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &cents, &reason, &meta, &occurred, &status, &after); err != nil {
			return nil, err
		}
		e.Amount = domain.FromMinorUnits(cents)
		e.BalanceAfter = domain.FromMinorUnits(after)
		e.Reason = domain.Reason(reason)
		e.Status = domain.EntryStatus(status)
		e.OccurredAt = parseTime(occurred)
		if meta != "" && meta != "{}" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of entry %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountEntries counts the account's entries with reason in [from, to).
func (db *DB) CountEntries(ctx context.Context, accountID string, reason domain.Reason, from, to time.Time) (int, error) {
	return countEntries(ctx, db.db, accountID, reason, from, to)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countEntries(ctx context.Context, q queryer, accountID string, reason domain.Reason, from, to time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE account_id = ? AND reason = ? AND occurred_at >= ? AND occurred_at < ?
	`, accountID, string(reason), formatTime(from), formatTime(to)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// LedgerSum returns the cached balance and the balance recomputed from the
// entries. Unknown accounts report zero for both.
func (db *DB) LedgerSum(ctx context.Context, accountID string) (cached, summed decimal.Decimal, err error) {
	var cachedCents, sumCents int64
	err = db.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT balance_cents FROM accounts WHERE id = ?), 0),
			COALESCE((SELECT SUM(amount_cents) FROM ledger_entries WHERE account_id = ?), 0)
	`, accountID, accountID).Scan(&cachedCents, &sumCents)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ledger sum: %w", err)
	}
	return domain.FromMinorUnits(cachedCents), domain.FromMinorUnits(sumCents), nil
}

// ListAccountIDs returns every known account id, ordered.
func (db *DB) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
