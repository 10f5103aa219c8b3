package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
	"github.com/villenero912/waifugen-system-sub000/internal/eventbus"
	"github.com/villenero912/waifugen-system-sub000/internal/storage"
	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

func testPools() []config.PoolConfig {
	return []config.PoolConfig{
		{ID: "credits", CapacityDaily: 60, CapacityMonthly: 1000, RolloverCeiling: 120},
		{ID: "proxy", CapacityDaily: 500, CapacityMonthly: 5000, RolloverCeiling: 0},
	}
}

func newTestLedger(t *testing.T, now *time.Time) (*Ledger, *storage.Memory) {
	t.Helper()
	st := storage.NewMemory()
	l := New(testPools(), time.UTC, st, eventbus.New(), logx.Nop(),
		WithClock(func() time.Time { return *now }))
	return l, st
}

func TestReserveExhaustsDailyCapacity(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, &now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := l.Reserve(ctx, "credits", 15, "slot"); err != nil {
			t.Fatalf("reservation %d: %v", i+1, err)
		}
	}

	_, err := l.Reserve(ctx, "credits", 15, "slot")
	var ib *InsufficientBudgetError
	if !errors.As(err, &ib) {
		t.Fatalf("expected InsufficientBudgetError, got %v", err)
	}
	if ib.Available != 0 {
		t.Fatalf("expected 0 available, got %d", ib.Available)
	}

	st, err := l.Status("credits")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.DailyRemaining != 0 {
		t.Fatalf("expected 0 daily remaining, got %d", st.DailyRemaining)
	}
	if st.Rollover != 0 {
		t.Fatalf("rollover should be unaffected before the boundary, got %d", st.Rollover)
	}
}

func TestCommitAndReleaseSettleExactlyOnce(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l, st := newTestLedger(t, &now)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "credits", 20, "slot-a")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Commit(ctx, res); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.Commit(ctx, res); !errors.Is(err, ErrReservationSettled) {
		t.Fatalf("double commit: expected ErrReservationSettled, got %v", err)
	}
	if err := l.Release(ctx, res); !errors.Is(err, ErrReservationSettled) {
		t.Fatalf("release after commit: expected ErrReservationSettled, got %v", err)
	}

	totals, err := st.SumLedger(ctx, "credits")
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if totals.Committed != 20 || totals.Released != 0 {
		t.Fatalf("ledger totals off: %+v", totals)
	}
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, &now)
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := l.Reserve(ctx, "credits", 7, "load")
				if err != nil {
					return
				}
				mu.Lock()
				granted += res.Amount
				mu.Unlock()
				if err := l.Commit(ctx, res); err != nil {
					t.Errorf("commit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if granted > 60 {
		t.Fatalf("overspend: committed %d against daily capacity 60", granted)
	}
	st, _ := l.Status("credits")
	if st.DailyRemaining < 0 {
		t.Fatalf("negative daily remaining: %d", st.DailyRemaining)
	}
}

func TestDailyRolloverIsLazyAndCapped(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, &now)
	ctx := context.Background()

	// Consume 10 of 60 today; 50 unused should roll over.
	res, err := l.Reserve(ctx, "credits", 10, "slot")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Commit(ctx, res); err != nil {
		t.Fatalf("commit: %v", err)
	}

	now = now.Add(24 * time.Hour)
	st, err := l.Status("credits")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Rollover != 50 {
		t.Fatalf("expected rollover 50, got %d", st.Rollover)
	}
	if st.DailyRemaining != 110 {
		t.Fatalf("expected daily remaining 110 (60 + 50), got %d", st.DailyRemaining)
	}

	// Unused full day: ceiling 120 caps 50 + 60.
	now = now.Add(24 * time.Hour)
	st, _ = l.Status("credits")
	if st.Rollover != 110 {
		t.Fatalf("expected rollover 110, got %d", st.Rollover)
	}
	now = now.Add(24 * time.Hour)
	st, _ = l.Status("credits")
	if st.Rollover != 120 {
		t.Fatalf("expected rollover capped at 120, got %d", st.Rollover)
	}
}

func TestMonthBoundaryResetsConsumptionAndRollover(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, &now)
	ctx := context.Background()

	res, _ := l.Reserve(ctx, "credits", 30, "slot")
	if err := l.Commit(ctx, res); err != nil {
		t.Fatalf("commit: %v", err)
	}

	now = time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC)
	st, _ := l.Status("credits")
	if st.MonthlyRemaining != 1000 {
		t.Fatalf("expected monthly reset to 1000, got %d", st.MonthlyRemaining)
	}
	if st.Rollover != 0 {
		t.Fatalf("expected rollover reset at month boundary, got %d", st.Rollover)
	}
}

func TestBudgetAlertEventsAreEdgeTriggered(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	l := New(testPools(), time.UTC, st, bus, logx.Nop(),
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	commit := func(n int64) {
		res, err := l.Reserve(ctx, "credits", n, "slot")
		if err != nil {
			t.Fatalf("reserve %d: %v", n, err)
		}
		if err := l.Commit(ctx, res); err != nil {
			t.Fatalf("commit %d: %v", n, err)
		}
	}

	commit(48) // 80% -> warn
	commit(5)  // 88% -> no new event
	commit(5)  // 96% -> critical

	var types []string
	for len(events) > 0 {
		e := <-events
		types = append(types, e.Type)
	}
	if len(types) != 2 || types[0] != eventbus.TypeBudgetWarn || types[1] != eventbus.TypeBudgetCritical {
		t.Fatalf("expected [budget.warn budget.critical], got %v", types)
	}
}

func TestRestartRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := storage.NewMemory()
	ctx := context.Background()

	l := New(testPools(), time.UTC, st, eventbus.New(), logx.Nop(),
		WithClock(func() time.Time { return now }))

	res, _ := l.Reserve(ctx, "credits", 25, "slot")
	if err := l.Commit(ctx, res); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// A hold released just before shutdown must not be double-counted.
	res2, _ := l.Reserve(ctx, "credits", 10, "slot")
	if err := l.Release(ctx, res2); err != nil {
		t.Fatalf("release: %v", err)
	}
	before, _ := l.Status("credits")

	l2 := New(testPools(), time.UTC, st, eventbus.New(), logx.Nop(),
		WithClock(func() time.Time { return now }))
	if err := l2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	after, _ := l2.Status("credits")

	if before.DailyRemaining != after.DailyRemaining ||
		before.MonthlyRemaining != after.MonthlyRemaining ||
		before.Rollover != after.Rollover {
		t.Fatalf("restart mismatch: before %+v, after %+v", before, after)
	}
}

func TestCreditRaisesRolloverWithinCeiling(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l, st := newTestLedger(t, &now)
	ctx := context.Background()

	if err := l.Credit(ctx, "credits", 200, "manual top-up"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	status, _ := l.Status("credits")
	if status.Rollover != 120 {
		t.Fatalf("expected rollover capped at 120, got %d", status.Rollover)
	}
	totals, _ := st.SumLedger(ctx, "credits")
	if totals.Credited != 200 {
		t.Fatalf("expected credit entry of 200, got %d", totals.Credited)
	}
}

func TestLedgerEntriesReconcileWithSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l, st := newTestLedger(t, &now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Reserve(ctx, "credits", 15, "slot")
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if err := l.Commit(ctx, res); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	res, err := l.Reserve(ctx, "credits", 10, "slot")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Release(ctx, res); err != nil {
		t.Fatalf("release: %v", err)
	}

	totals, err := st.SumLedger(ctx, "credits")
	if err != nil {
		t.Fatalf("sum ledger: %v", err)
	}
	if totals.Committed != 30 || totals.Released != 10 {
		t.Fatalf("unexpected totals %+v", totals)
	}

	snaps, err := st.LoadPoolSnapshots(ctx)
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	for _, s := range snaps {
		if s.Pool != "credits" {
			continue
		}
		if s.ConsumedToday != totals.Committed {
			t.Fatalf("snapshot consumption %d does not match committed entries %d",
				s.ConsumedToday, totals.Committed)
		}
		return
	}
	t.Fatalf("no snapshot persisted for credits pool")
}

func TestBoundarySpanningCommitStaysInItsPeriod(t *testing.T) {
	t.Run("month", func(t *testing.T) {
		now := time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)
		l, _ := newTestLedger(t, &now)
		ctx := context.Background()

		if err := l.Credit(ctx, "credits", 120, "top-up"); err != nil {
			t.Fatalf("credit: %v", err)
		}
		res, err := l.Reserve(ctx, "credits", 100, "slot")
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}

		now = time.Date(2026, 4, 1, 0, 1, 0, 0, time.UTC)
		if err := l.Commit(ctx, res); err != nil {
			t.Fatalf("commit: %v", err)
		}

		st, _ := l.Status("credits")
		if st.DailyRemaining != 60 || st.MonthlyRemaining != 1000 {
			t.Fatalf("spend leaked into the new month: %+v", st)
		}
	})

	t.Run("day", func(t *testing.T) {
		now := time.Date(2026, 3, 30, 23, 59, 0, 0, time.UTC)
		l, _ := newTestLedger(t, &now)
		ctx := context.Background()

		res, err := l.Reserve(ctx, "credits", 50, "slot")
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}

		now = time.Date(2026, 3, 31, 0, 1, 0, 0, time.UTC)
		if err := l.Commit(ctx, res); err != nil {
			t.Fatalf("commit: %v", err)
		}

		st, _ := l.Status("credits")
		// Yesterday's unused capacity rolled over; the spend counts against
		// the month, not the fresh day.
		if st.DailyRemaining != 120 {
			t.Fatalf("expected fresh daily budget of 120, got %d", st.DailyRemaining)
		}
		if st.MonthlyRemaining != 950 {
			t.Fatalf("expected 950 monthly remaining, got %d", st.MonthlyRemaining)
		}
	})
}

func TestCommitActualReleasesUnusedRemainder(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l, st := newTestLedger(t, &now)
	ctx := context.Background()

	res, err := l.Reserve(ctx, "credits", 20, "slot")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.CommitActual(ctx, res, 12); err != nil {
		t.Fatalf("commit actual: %v", err)
	}

	status, _ := l.Status("credits")
	if status.DailyRemaining != 48 || status.Held != 0 {
		t.Fatalf("expected 48 remaining with no holds, got %+v", status)
	}
	totals, _ := st.SumLedger(ctx, "credits")
	if totals.Committed != 12 || totals.Released != 8 {
		t.Fatalf("expected 12 committed / 8 released, got %+v", totals)
	}

	if err := l.CommitActual(ctx, res, 12); !errors.Is(err, ErrReservationSettled) {
		t.Fatalf("expected double settle to fail, got %v", err)
	}
}

func TestReleaseOutstandingOnShutdown(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, &now)
	ctx := context.Background()

	if _, err := l.Reserve(ctx, "credits", 15, "slot-a"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Reserve(ctx, "proxy", 100, "slot-b"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	l.ReleaseOutstanding(ctx)

	st, _ := l.Status("credits")
	if st.Held != 0 || st.DailyRemaining != 60 {
		t.Fatalf("expected all holds released, got %+v", st)
	}
}
