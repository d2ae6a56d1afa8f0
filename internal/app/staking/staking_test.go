package staking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/cybv-network/cybv/internal/app/guard"
	"github.com/cybv-network/cybv/internal/domain"
	"github.com/cybv-network/cybv/internal/infra/sqlite"
)

// ═══════════════════════════════════════════════════════════════════════════
// Test Helpers
// ═══════════════════════════════════════════════════════════════════════════

var start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db    *sqlite.DB
	svc   *Service
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{db: db, clock: start}
	f.svc = NewService(DefaultConfig(), db, guard.New(guard.DefaultConfig(), nil, logger), nil, logger)
	f.svc.SetNow(func() time.Time { return f.clock })
	return f
}

// fund credits the account through the ledger so balances stay conserved.
func (f *fixture) fund(t *testing.T, account string, amount int64) {
	t.Helper()
	err := f.db.WithAccountTx(context.Background(), account, func(tx domain.LedgerTx) error {
		_, err := tx.Append(domain.LedgerEntry{
			Amount:     decimal.NewFromInt(amount),
			Reason:     domain.ReasonReferral,
			OccurredAt: f.clock,
		})
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	cached, summed, err := f.db.LedgerSum(context.Background(), account)
	require.NoError(t, err)
	require.True(t, cached.Equal(summed), "cached %s != summed %s", cached, summed)
	return cached
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// brokenStore fails every stake query.
type brokenStore struct{ *sqlite.DB }

func (brokenStore) ActiveStake(ctx context.Context, accountID string) (*domain.Stake, error) {
	return nil, errors.New("disk I/O error")
}

func (brokenStore) ListStakes(ctx context.Context, accountID string) ([]domain.Stake, error) {
	return nil, errors.New("disk I/O error")
}

// ═══════════════════════════════════════════════════════════════════════════
// Open
// ═══════════════════════════════════════════════════════════════════════════

func TestOpen_ValidationOrder(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 50)

	tests := []struct {
		name      string
		principal decimal.Decimal
		period    domain.StakePeriod
		want      error
	}{
		{"zero amount", decimal.Zero, "bogus", domain.ErrInvalidAmount},
		{"negative amount", dec("-5"), domain.Period30d, domain.ErrInvalidAmount},
		{"sub-cent amount", dec("10.001"), domain.Period30d, domain.ErrInvalidAmount},
		{"below minimum beats bad period", dec("9.99"), "bogus", domain.ErrOutOfRange},
		{"above maximum", dec("1000000.01"), domain.Period30d, domain.ErrOutOfRange},
		{"bad period beats balance", dec("500"), "14d", domain.ErrInvalidPeriod},
		{"insufficient balance", dec("50.01"), domain.Period7d, domain.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Open(context.Background(), "alice", tt.principal, tt.period, "")
			require.ErrorIs(t, err, tt.want)
		})
	}
	require.True(t, f.balance(t, "alice").Equal(decimal.NewFromInt(50)), "rejections must not move the balance")
}

func TestOpen_LocksPrincipal(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 150)

	stake, err := f.svc.Open(context.Background(), "alice", decimal.NewFromInt(100), domain.Period30d, "0xabc")
	require.NoError(t, err)
	require.Equal(t, domain.StakeActive, stake.Status)
	require.True(t, stake.AnnualRatePct.Equal(decimal.NewFromInt(12)))
	require.True(t, stake.MaturesAt.Equal(start.AddDate(0, 0, 30)))
	require.Equal(t, "0xabc", stake.WalletRef)
	require.True(t, f.balance(t, "alice").Equal(decimal.NewFromInt(50)))

	entries, err := f.db.RecentEntries(context.Background(), "alice", 1)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonStakeLock, entries[0].Reason)
	require.True(t, entries[0].Amount.Equal(decimal.NewFromInt(-100)))
}

func TestOpen_NoSecondActiveStake(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 500)

	_, err := f.svc.Open(context.Background(), "alice", decimal.NewFromInt(100), domain.Period7d, "")
	require.NoError(t, err)
	_, err = f.svc.Open(context.Background(), "alice", decimal.NewFromInt(100), domain.Period90d, "")
	require.ErrorIs(t, err, domain.ErrStakeAlreadyActive)
	require.True(t, f.balance(t, "alice").Equal(decimal.NewFromInt(400)))
}

func TestOpen_ConcurrentOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 1000)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Open(context.Background(), "alice", decimal.NewFromInt(50), domain.Period7d, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, domain.ErrStakeAlreadyActive)
	}
	require.Equal(t, 1, wins)
	require.True(t, f.balance(t, "alice").Equal(decimal.NewFromInt(950)))
}

// ═══════════════════════════════════════════════════════════════════════════
// Queries
// ═══════════════════════════════════════════════════════════════════════════

func TestActive_ProjectsRewards(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 1000)

	view, err := f.svc.Active(context.Background(), "alice")
	require.NoError(t, err)
	require.Nil(t, view)

	_, err = f.svc.Open(context.Background(), "alice", decimal.NewFromInt(1000), domain.Period365d, "")
	require.NoError(t, err)

	f.clock = start.Add(73*24*time.Hour + 5*time.Hour)
	view, err = f.svc.Active(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, view)
	require.Equal(t, 73, view.DaysElapsed)
	// 1000 × 25% / 365 × 73 = 50
	require.True(t, view.ProjectedRewards.Equal(decimal.NewFromInt(50)), "projected = %s", view.ProjectedRewards)
	require.False(t, view.IsMatured)
	require.Equal(t, 292, view.DaysRemaining)
}

func TestQueries_StoreFailureIsPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(DefaultConfig(), brokenStore{f.db}, guard.New(guard.DefaultConfig(), nil, logger), nil, logger)

	_, err := svc.Active(context.Background(), "alice")
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
	_, err = svc.Status(context.Background(), "alice")
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
}

func TestStatus_Totals(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 300)
	ctx := context.Background()

	first, err := f.svc.Open(ctx, "alice", decimal.NewFromInt(100), domain.Period7d, "")
	require.NoError(t, err)
	f.clock = start.AddDate(0, 0, 7)
	_, err = f.svc.Close(ctx, "alice", first.ID, false)
	require.NoError(t, err)

	f.clock = start.AddDate(0, 0, 8)
	_, err = f.svc.Open(ctx, "alice", decimal.NewFromInt(100), domain.Period30d, "")
	require.NoError(t, err)
	f.clock = start.AddDate(0, 0, 9)
	_, err = f.svc.Close(ctx, "alice", mustActiveID(t, f), true)
	require.NoError(t, err)

	f.clock = start.AddDate(0, 0, 10)
	_, err = f.svc.Open(ctx, "alice", decimal.NewFromInt(50), domain.Period90d, "")
	require.NoError(t, err)

	st, err := f.svc.Status(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, st.Active)
	require.Len(t, st.Completed, 2)
	require.Equal(t, 2, st.Totals.Completed)
	require.True(t, st.Totals.TotalStaked.Equal(decimal.NewFromInt(250)))
	require.True(t, st.Totals.TotalPenalties.Equal(decimal.NewFromInt(10)))
	// 100 × 5% / 365 × 7 = 0.0958… → 0.10
	require.True(t, st.Totals.TotalRewards.Equal(dec("0.10")), "rewards = %s", st.Totals.TotalRewards)
}

func mustActiveID(t *testing.T, f *fixture) string {
	t.Helper()
	view, err := f.svc.Active(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, view)
	return view.ID
}

// ═══════════════════════════════════════════════════════════════════════════
// Close
// ═══════════════════════════════════════════════════════════════════════════

func TestClose_ForcedEarlyScenario(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100)
	ctx := context.Background()

	stake, err := f.svc.Open(ctx, "alice", decimal.NewFromInt(100), domain.Period30d, "")
	require.NoError(t, err)

	f.clock = start.AddDate(0, 0, 10)
	res, err := f.svc.Close(ctx, "alice", stake.ID, true)
	require.NoError(t, err)
	require.True(t, res.Early)
	require.True(t, res.Penalty.Equal(decimal.NewFromInt(10)))
	require.True(t, res.Rewards.IsZero(), "rewards = %s", res.Rewards)
	require.True(t, res.TotalReturn.Equal(decimal.NewFromInt(90)))
	require.Equal(t, domain.StakeCompleted, res.Stake.Status)
	require.True(t, f.balance(t, "alice").Equal(decimal.NewFromInt(90)))

	entries, err := f.db.RecentEntries(ctx, "alice", 1)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonUnstakeReturn, entries[0].Reason)
}

func TestClose_NotMaturedWithoutForce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100)
	ctx := context.Background()

	stake, err := f.svc.Open(ctx, "alice", decimal.NewFromInt(100), domain.Period30d, "")
	require.NoError(t, err)

	f.clock = start.AddDate(0, 0, 10).Add(time.Hour)
	_, err = f.svc.Close(ctx, "alice", stake.ID, false)
	require.ErrorIs(t, err, domain.ErrStakeNotMatured)

	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	require.Equal(t, 20, rej.Details["days_remaining"])
	require.Equal(t, "10", rej.Details["penalty_if_forced"])

	view, err := f.svc.Active(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, view, "stake stays active")
}

func TestClose_MaturityGrantsNoPenalty(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 1000)
	ctx := context.Background()

	stake, err := f.svc.Open(ctx, "alice", decimal.NewFromInt(1000), domain.Period365d, "")
	require.NoError(t, err)

	f.clock = stake.MaturesAt
	res, err := f.svc.Close(ctx, "alice", stake.ID, false)
	require.NoError(t, err)
	require.False(t, res.Early)
	require.True(t, res.Penalty.IsZero())
	require.True(t, res.Rewards.Equal(decimal.NewFromInt(250)), "rewards = %s", res.Rewards)
	require.True(t, res.TotalReturn.Equal(decimal.NewFromInt(1250)))
	require.True(t, f.balance(t, "alice").Equal(decimal.NewFromInt(1250)))

	entries, err := f.db.RecentEntries(ctx, "alice", 2)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonStakeReward, entries[0].Reason)
	require.True(t, entries[0].Amount.Equal(decimal.NewFromInt(250)))
	require.Equal(t, domain.ReasonUnstakeReturn, entries[1].Reason)
	require.True(t, entries[1].Amount.Equal(decimal.NewFromInt(1000)))
}

func TestClose_RoundTripForcedImmediately(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 500)
	ctx := context.Background()
	before := f.balance(t, "alice")

	stake, err := f.svc.Open(ctx, "alice", decimal.NewFromInt(200), domain.Period90d, "")
	require.NoError(t, err)
	res, err := f.svc.Close(ctx, "alice", stake.ID, true)
	require.NoError(t, err)

	penalty := decimal.NewFromInt(20)
	require.True(t, res.Penalty.Equal(penalty))
	require.False(t, res.Rewards.IsNegative())
	require.True(t, res.TotalReturn.Equal(decimal.NewFromInt(200).Sub(penalty).Add(res.Rewards)))
	require.True(t, f.balance(t, "alice").Equal(before.Sub(decimal.NewFromInt(200)).Add(res.TotalReturn)))
}

func TestClose_NotFound(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", 100)
	f.fund(t, "bob", 100)
	ctx := context.Background()

	_, err := f.svc.Close(ctx, "alice", "no-such-stake", true)
	require.ErrorIs(t, err, domain.ErrNotFound)

	stake, err := f.svc.Open(ctx, "alice", decimal.NewFromInt(100), domain.Period7d, "")
	require.NoError(t, err)

	_, err = f.svc.Close(ctx, "bob", stake.ID, true)
	require.ErrorIs(t, err, domain.ErrNotFound, "other accounts cannot close it")

	f.clock = stake.MaturesAt
	_, err = f.svc.Close(ctx, "alice", stake.ID, false)
	require.NoError(t, err)
	_, err = f.svc.Close(ctx, "alice", stake.ID, false)
	require.ErrorIs(t, err, domain.ErrNotFound, "completed stakes cannot close twice")
}

func TestPenalty(t *testing.T) {
	svc := NewService(DefaultConfig(), nil, nil, nil, nil)
	require.True(t, svc.Penalty(dec("123.45")).Equal(dec("12.35")))
	require.True(t, svc.Penalty(decimal.NewFromInt(100)).Equal(decimal.NewFromInt(10)))
}
