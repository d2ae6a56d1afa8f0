package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cybv-network/cybv/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// Ledger Store Tests
// ═══════════════════════════════════════════════════════════════════════════

var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func appendEntry(t *testing.T, db *DB, account string, amount string, reason domain.Reason, at time.Time) domain.LedgerEntry {
	t.Helper()
	var out domain.LedgerEntry
	err := db.WithAccountTx(context.Background(), account, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.Append(domain.LedgerEntry{
			Amount:     decimal.RequireFromString(amount),
			Reason:     reason,
			OccurredAt: at,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Append(%s, %s) error: %v", reason, amount, err)
	}
	return out
}

// ─── Append ─────────────────────────────────────────────────────────────────

func TestLedger_Append_MovesCachedBalance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e1 := appendEntry(t, db, "alice", "5", domain.ReasonPostCreate, testNow)
	e2 := appendEntry(t, db, "alice", "-2.50", domain.ReasonSpend, testNow.Add(time.Minute))

	if e1.ID == 0 || e2.ID <= e1.ID {
		t.Errorf("entry ids = %d, %d, want increasing", e1.ID, e2.ID)
	}
	if !e2.BalanceAfter.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("BalanceAfter = %s, want 2.5", e2.BalanceAfter)
	}
	if e2.Status != domain.EntryCompleted {
		t.Errorf("Status = %q, want completed", e2.Status)
	}

	acct, err := db.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount() error: %v", err)
	}
	if !acct.CachedBalance.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("CachedBalance = %s, want 2.5", acct.CachedBalance)
	}

	cached, summed, err := db.LedgerSum(ctx, "alice")
	if err != nil {
		t.Fatalf("LedgerSum() error: %v", err)
	}
	if !cached.Equal(summed) {
		t.Errorf("cached %s != summed %s", cached, summed)
	}
}

func TestLedger_Append_RejectsInvalidReasonAndZero(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.WithAccountTx(ctx, "bob", func(tx domain.LedgerTx) error {
		_, err := tx.Append(domain.LedgerEntry{Amount: decimal.NewFromInt(1), Reason: "made_up"})
		return err
	})
	if err == nil {
		t.Error("Append with unknown reason should fail")
	}

	err = db.WithAccountTx(ctx, "bob", func(tx domain.LedgerTx) error {
		_, err := tx.Append(domain.LedgerEntry{Amount: decimal.Zero, Reason: domain.ReasonSpend})
		return err
	})
	if err == nil {
		t.Error("Append with zero amount should fail")
	}
}

func TestLedger_Metadata_RoundTrips(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.WithAccountTx(ctx, "carol", func(tx domain.LedgerTx) error {
		_, err := tx.Append(domain.LedgerEntry{
			Amount:   decimal.NewFromInt(5),
			Reason:   domain.ReasonPostCreate,
			Metadata: map[string]string{"post_id": "p-1"},
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := db.RecentEntries(ctx, "carol", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("RecentEntries() = %d entries, want 1", len(entries))
	}
	if entries[0].Metadata["post_id"] != "p-1" {
		t.Errorf("metadata post_id = %q, want p-1", entries[0].Metadata["post_id"])
	}
}

// ─── Atomicity ──────────────────────────────────────────────────────────────

func TestLedger_WithAccountTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	appendEntry(t, db, "dave", "10", domain.ReasonReferral, testNow)

	err := db.WithAccountTx(ctx, "dave", func(tx domain.LedgerTx) error {
		if _, err := tx.Append(domain.LedgerEntry{Amount: decimal.NewFromInt(25), Reason: domain.ReasonBlogCreate}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithAccountTx() error = %v, want boom", err)
	}

	summary, err := db.BalanceSummary(ctx, "dave")
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Balance = %s, want 10 after rollback", summary.Balance)
	}
	entries, _ := db.RecentEntries(ctx, "dave", 10)
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1 after rollback", len(entries))
	}
}

func TestLedger_EntriesAreAppendOnly(t *testing.T) {
	db := newTestDB(t)
	appendEntry(t, db, "erin", "5", domain.ReasonPostCreate, testNow)

	if _, err := db.db.Exec(`UPDATE ledger_entries SET amount_cents = 999`); err == nil {
		t.Error("UPDATE on ledger_entries should be refused")
	}
	if _, err := db.db.Exec(`DELETE FROM ledger_entries`); err == nil {
		t.Error("DELETE on ledger_entries should be refused")
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

func TestLedger_BalanceSummary_Totals(t *testing.T) {
	db := newTestDB(t)
	appendEntry(t, db, "frank", "50", domain.ReasonReferral, testNow)
	appendEntry(t, db, "frank", "25", domain.ReasonBlogCreate, testNow)
	appendEntry(t, db, "frank", "-30", domain.ReasonStakeLock, testNow)

	summary, err := db.BalanceSummary(context.Background(), "frank")
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Balance.Equal(decimal.NewFromInt(45)) {
		t.Errorf("Balance = %s, want 45", summary.Balance)
	}
	if !summary.TotalEarned.Equal(decimal.NewFromInt(75)) {
		t.Errorf("TotalEarned = %s, want 75", summary.TotalEarned)
	}
	if !summary.TotalSpent.Equal(decimal.NewFromInt(30)) {
		t.Errorf("TotalSpent = %s, want 30", summary.TotalSpent)
	}
}

func TestLedger_BalanceSummary_UnknownAccount(t *testing.T) {
	db := newTestDB(t)
	summary, err := db.BalanceSummary(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("BalanceSummary(ghost) error: %v", err)
	}
	if !summary.Balance.IsZero() || !summary.TotalEarned.IsZero() || !summary.TotalSpent.IsZero() {
		t.Errorf("summary = %+v, want zeros", summary)
	}
	if _, err := db.GetAccount(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetAccount(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestLedger_BalanceSummary_ConsistentUnderWrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 100; i++ {
			amount, reason := "2", domain.ReasonPostLike
			if i%2 == 1 {
				amount, reason = "-1", domain.ReasonSpend
			}
			err := db.WithAccountTx(ctx, "rita", func(tx domain.LedgerTx) error {
				_, err := tx.Append(domain.LedgerEntry{Amount: decimal.RequireFromString(amount), Reason: reason, OccurredAt: testNow})
				return err
			})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
		}
	}()

	for reading := true; reading; {
		select {
		case <-done:
			reading = false
		default:
		}
		s, err := db.BalanceSummary(ctx, "rita")
		if err != nil {
			t.Fatalf("BalanceSummary() error: %v", err)
		}
		if !s.Balance.Equal(s.TotalEarned.Sub(s.TotalSpent)) {
			t.Fatalf("balance %s != earned %s - spent %s", s.Balance, s.TotalEarned, s.TotalSpent)
		}
	}
	wg.Wait()
}

func TestLedger_RecentEntries_NewestFirstWithLimit(t *testing.T) {
	db := newTestDB(t)
	for i := 0; i < 5; i++ {
		appendEntry(t, db, "gina", "1", domain.ReasonPostLike, testNow.Add(time.Duration(i)*time.Minute))
	}

	entries, err := db.RecentEntries(context.Background(), "gina", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID >= entries[i-1].ID {
			t.Errorf("entries not newest-first: %d then %d", entries[i-1].ID, entries[i].ID)
		}
	}
	if !entries[0].BalanceAfter.Equal(decimal.NewFromInt(5)) {
		t.Errorf("newest BalanceAfter = %s, want 5", entries[0].BalanceAfter)
	}
}

func TestLedger_CountEntries_DayWindow(t *testing.T) {
	db := newTestDB(t)
	start, end := domain.DayWindow(testNow)

	appendEntry(t, db, "hank", "1", domain.ReasonPostLike, start.Add(-time.Nanosecond)) // yesterday
	appendEntry(t, db, "hank", "1", domain.ReasonPostLike, start)                       // midnight, included
	appendEntry(t, db, "hank", "1", domain.ReasonPostLike, end.Add(-time.Second))
	appendEntry(t, db, "hank", "1", domain.ReasonPostLike, end) // tomorrow

	n, err := db.CountEntries(context.Background(), "hank", domain.ReasonPostLike, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountEntries() = %d, want 2", n)
	}
}

// ─── Daily Counters ─────────────────────────────────────────────────────────

func TestLedger_IncrementDailyCounter_RespectsLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		var (
			count   int
			applied bool
		)
		err := db.WithAccountTx(ctx, "ivy", func(tx domain.LedgerTx) error {
			var err error
			count, applied, err = tx.IncrementDailyCounter(domain.ReasonPostLike, testNow, 1, 3)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if i <= 3 && (!applied || count != i) {
			t.Errorf("call %d: count=%d applied=%v, want %d true", i, count, applied, i)
		}
		if i == 4 && (applied || count != 3) {
			t.Errorf("call 4: count=%d applied=%v, want 3 false", count, applied)
		}
	}

	// A new UTC day starts a fresh counter
	err := db.WithAccountTx(ctx, "ivy", func(tx domain.LedgerTx) error {
		count, applied, err := tx.IncrementDailyCounter(domain.ReasonPostLike, testNow.Add(24*time.Hour), 1, 3)
		if err != nil {
			return err
		}
		if !applied || count != 1 {
			t.Errorf("next day: count=%d applied=%v, want 1 true", count, applied)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLedger_IncrementDailyCounter_PrunesEarlierDays(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bump := func(account string, action domain.Reason, day time.Time) {
		t.Helper()
		err := db.WithAccountTx(ctx, account, func(tx domain.LedgerTx) error {
			_, _, err := tx.IncrementDailyCounter(action, day, 1, 10)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	rows := func(account string) int {
		t.Helper()
		var n int
		if err := db.db.QueryRow(`SELECT COUNT(*) FROM daily_counters WHERE account_id = ?`, account).Scan(&n); err != nil {
			t.Fatal(err)
		}
		return n
	}

	bump("kim", domain.ReasonPostLike, testNow.Add(-48*time.Hour))
	bump("kim", domain.ReasonCommentCreate, testNow.Add(-24*time.Hour))
	bump("lou", domain.ReasonPostLike, testNow.Add(-24*time.Hour))
	if got := rows("kim"); got != 2 {
		t.Fatalf("kim rows before = %d, want 2", got)
	}

	bump("kim", domain.ReasonPostLike, testNow)
	if got := rows("kim"); got != 1 {
		t.Errorf("kim rows after = %d, want only today's", got)
	}
	if got := rows("lou"); got != 1 {
		t.Errorf("lou rows = %d, other accounts must be untouched", got)
	}
}

func TestLedger_IncrementDailyCounter_RequestAboveLimit(t *testing.T) {
	db := newTestDB(t)
	err := db.WithAccountTx(context.Background(), "jack", func(tx domain.LedgerTx) error {
		count, applied, err := tx.IncrementDailyCounter(domain.ReasonDailyLogin, testNow, 2, 1)
		if err != nil {
			return err
		}
		if applied || count != 0 {
			t.Errorf("count=%d applied=%v, want 0 false", count, applied)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// ─── Login Streak ───────────────────────────────────────────────────────────

func TestLedger_SetLoginStreak(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.WithAccountTx(ctx, "kate", func(tx domain.LedgerTx) error {
		return tx.SetLoginStreak(4, testNow)
	})
	if err != nil {
		t.Fatal(err)
	}
	acct, err := db.GetAccount(ctx, "kate")
	if err != nil {
		t.Fatal(err)
	}
	if acct.LoginStreak != 4 {
		t.Errorf("LoginStreak = %d, want 4", acct.LoginStreak)
	}
	if acct.LastLoginAt == nil || !acct.LastLoginAt.Equal(testNow) {
		t.Errorf("LastLoginAt = %v, want %v", acct.LastLoginAt, testNow)
	}
}

// ─── Stakes ─────────────────────────────────────────────────────────────────

func newStake(account string) domain.Stake {
	terms, _ := domain.Period30d.Terms()
	return domain.Stake{
		ID:            uuid.NewString(),
		AccountID:     account,
		Principal:     decimal.NewFromInt(100),
		Period:        terms.Period,
		AnnualRatePct: terms.AnnualRatePct,
		StartedAt:     testNow,
		MaturesAt:     testNow.AddDate(0, 0, terms.Days),
		Status:        domain.StakeActive,
	}
}

func TestStakes_OneActivePerAccount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := newStake("liam")
	if err := db.WithAccountTx(ctx, "liam", func(tx domain.LedgerTx) error { return tx.InsertStake(first) }); err != nil {
		t.Fatalf("InsertStake(first) error: %v", err)
	}

	err := db.WithAccountTx(ctx, "liam", func(tx domain.LedgerTx) error { return tx.InsertStake(newStake("liam")) })
	if !errors.Is(err, domain.ErrStakeAlreadyActive) {
		t.Fatalf("InsertStake(second) error = %v, want ErrStakeAlreadyActive", err)
	}

	active, err := db.ActiveStake(ctx, "liam")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != first.ID {
		t.Fatalf("ActiveStake() = %+v, want %s", active, first.ID)
	}
	if !active.AnnualRatePct.Equal(decimal.NewFromInt(12)) {
		t.Errorf("AnnualRatePct = %s, want 12", active.AnnualRatePct)
	}
}

func TestStakes_CompleteTransition(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := newStake("mia")

	err := db.WithAccountTx(ctx, "mia", func(tx domain.LedgerTx) error { return tx.InsertStake(s) })
	if err != nil {
		t.Fatal(err)
	}

	closed := testNow.Add(48 * time.Hour)
	s.AccruedRewardsAtClose = decimal.RequireFromString("0.66")
	s.PenaltyAtClose = decimal.NewFromInt(10)
	s.ClosedAt = &closed
	if err := db.WithAccountTx(ctx, "mia", func(tx domain.LedgerTx) error { return tx.CompleteStake(s) }); err != nil {
		t.Fatalf("CompleteStake() error: %v", err)
	}

	// Completed is terminal
	err = db.WithAccountTx(ctx, "mia", func(tx domain.LedgerTx) error { return tx.CompleteStake(s) })
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second CompleteStake() error = %v, want ErrNotFound", err)
	}

	stakes, err := db.ListStakes(ctx, "mia")
	if err != nil {
		t.Fatal(err)
	}
	if len(stakes) != 1 {
		t.Fatalf("ListStakes() = %d, want 1", len(stakes))
	}
	got := stakes[0]
	if got.Status != domain.StakeCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if !got.PenaltyAtClose.Equal(decimal.NewFromInt(10)) {
		t.Errorf("PenaltyAtClose = %s, want 10", got.PenaltyAtClose)
	}
	if got.ClosedAt == nil || !got.ClosedAt.Equal(closed) {
		t.Errorf("ClosedAt = %v, want %v", got.ClosedAt, closed)
	}

	active, err := db.ActiveStake(ctx, "mia")
	if err != nil || active != nil {
		t.Errorf("ActiveStake() = %v, %v; want nil, nil", active, err)
	}
}

func TestStakes_GetStake_OtherAccountIsNotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := newStake("noah")
	if err := db.WithAccountTx(ctx, "noah", func(tx domain.LedgerTx) error { return tx.InsertStake(s) }); err != nil {
		t.Fatal(err)
	}

	err := db.WithAccountTx(ctx, "olga", func(tx domain.LedgerTx) error {
		_, err := tx.GetStake(s.ID)
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetStake from other account error = %v, want ErrNotFound", err)
	}
}

// ─── Accounts ───────────────────────────────────────────────────────────────

func TestLedger_ListAccountIDs_Ordered(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ids, err := db.ListAccountIDs(ctx)
	if err != nil {
		t.Fatalf("ListAccountIDs() error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("empty store ids = %v, want none", ids)
	}

	appendEntry(t, db, "carol", "1", domain.ReasonPostLike, testNow)
	appendEntry(t, db, "alice", "1", domain.ReasonPostLike, testNow)
	appendEntry(t, db, "bob", "1", domain.ReasonPostLike, testNow)

	ids, err = db.ListAccountIDs(ctx)
	if err != nil {
		t.Fatalf("ListAccountIDs() error: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}
