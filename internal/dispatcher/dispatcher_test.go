package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
	"github.com/villenero912/waifugen-system-sub000/internal/escalation"
	"github.com/villenero912/waifugen-system-sub000/internal/eventbus"
	"github.com/villenero912/waifugen-system-sub000/internal/ledger"
	"github.com/villenero912/waifugen-system-sub000/internal/outreach"
	"github.com/villenero912/waifugen-system-sub000/internal/production"
	"github.com/villenero912/waifugen-system-sub000/internal/rotation"
	"github.com/villenero912/waifugen-system-sub000/internal/storage"
	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

func testConfig() *config.Config {
	return &config.Config{
		Pools: []config.PoolConfig{
			{ID: "gen", CapacityDaily: 100, CapacityMonthly: 1000},
		},
		Personas: []config.PersonaConfig{
			{ID: "aiko", BaseWeight: 100},
			{ID: "mika", BaseWeight: 100},
		},
		Tiers: []config.TierConfig{
			{Index: 0, Label: "teaser", Channels: []string{"telegram"}, Backend: "recorder", Pool: "gen", Cost: 10},
		},
		Slots: []config.SlotConfig{
			{ID: "morning", At: "09:00", Channel: "telegram"},
		},
	}
}

type fixture struct {
	d       *Dispatcher
	led     *ledger.Ledger
	store   *storage.Memory
	bus     eventbus.Bus
	backend *production.Recorder
}

func newFixture(t *testing.T, cfg *config.Config, backend production.Backend, now func() time.Time) *fixture {
	t.Helper()
	store := storage.NewMemory()
	bus := eventbus.New()
	nop := logx.Nop()

	led := ledger.New(cfg.Pools, time.UTC, store, bus, nop, ledger.WithClock(now))
	machine := escalation.New(cfg, store, bus, nop)
	planner, err := rotation.New(cfg, time.UTC, store, bus, nop)
	if err != nil {
		t.Fatalf("rotation.New: %v", err)
	}
	seq, err := outreach.New(cfg, store, bus, nopMessenger{}, nop)
	if err != nil {
		t.Fatalf("outreach.New: %v", err)
	}
	reg := production.NewRegistry()
	rec, _ := backend.(*production.Recorder)
	reg.Register("recorder", backend)

	dcfg := Config{
		TickEvery:         time.Minute,
		Workers:           2,
		ProductionTimeout: 5 * time.Second,
		RetryMax:          0,
		RetryBase:         time.Millisecond,
		RetryMaxDelay:     2 * time.Millisecond,
		RetryJitter:       0.2,
		Location:          time.UTC,
	}
	d := New(dcfg, cfg.Tiers, led, machine, planner, seq, reg, StaticFollowers{}, bus, nop, WithClock(now))
	return &fixture{d: d, led: led, store: store, bus: bus, backend: rec}
}

type nopMessenger struct{}

func (nopMessenger) Send(context.Context, storage.Subscriber, string) error { return nil }

func TestRunTickProducesDueSlot(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 30, 0, time.UTC)
	rec := &production.Recorder{}
	f := newFixture(t, testConfig(), rec, func() time.Time { return now })

	stats, err := f.d.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if stats.SlotsDue != 1 || stats.Produced != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v, want 1 due / 1 produced / 0 errors", stats)
	}
	reqs := rec.Requests()
	if len(reqs) != 1 || reqs[0].SlotID != "morning" {
		t.Fatalf("backend requests = %+v", reqs)
	}
	st, err := f.led.Status("gen")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.DailyRemaining != 90 || st.Held != 0 {
		t.Fatalf("pool after commit: remaining %d held %d, want 90/0", st.DailyRemaining, st.Held)
	}
}

func TestProductionFailureReleasesReservation(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 30, 0, time.UTC)
	rec := &production.Recorder{Fail: true}
	f := newFixture(t, testConfig(), rec, func() time.Time { return now })

	stats, err := f.d.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if stats.Produced != 0 || stats.Errors != 1 {
		t.Fatalf("stats = %+v, want 0 produced / 1 error", stats)
	}
	st, _ := f.led.Status("gen")
	if st.DailyRemaining != 100 || st.Held != 0 {
		t.Fatalf("failed production must leave the pool untouched: remaining %d held %d", st.DailyRemaining, st.Held)
	}
	a, err := f.store.AssignmentFor(context.Background(), "2026-06-01", "morning")
	if err != nil {
		t.Fatalf("AssignmentFor: %v", err)
	}
	if a.Outcome != "failure" {
		t.Fatalf("outcome = %q, want failure", a.Outcome)
	}
}

type panicBackend struct{}

func (panicBackend) Produce(context.Context, production.Request) (production.Result, error) {
	panic("render pipeline blew up")
}

func TestBackendPanicIsIsolated(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 30, 0, time.UTC)
	f := newFixture(t, testConfig(), panicBackend{}, func() time.Time { return now })

	stats, err := f.d.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if stats.Errors != 1 {
		t.Fatalf("stats = %+v, want the panicking unit counted as one error", stats)
	}
	st, _ := f.led.Status("gen")
	if st.Held != 0 || st.DailyRemaining != 100 {
		t.Fatalf("panic leaked a hold: remaining %d held %d", st.DailyRemaining, st.Held)
	}
}

type blockingBackend struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingBackend) Produce(ctx context.Context, _ production.Request) (production.Result, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return production.Result{ArtifactRef: "blocked://done"}, nil
	case <-ctx.Done():
		return production.Result{}, ctx.Err()
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 30, 0, time.UTC)
	backend := &blockingBackend{started: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, testConfig(), backend, func() time.Time { return now })

	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.d.tick(context.Background())
	}()
	<-backend.started

	// Second firing while the first tick is mid-production.
	f.d.tick(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeTickSkipped {
				close(backend.release)
				wg.Wait()
				return
			}
		case <-deadline:
			t.Fatal("no tick.skipped event for the overlapping firing")
		}
	}
}

func TestSlotOutcomeEventsArePublished(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 30, 0, time.UTC)
	clock := func() time.Time { return now }

	waitFor := func(t *testing.T, events <-chan eventbus.Event, typ string) eventbus.SlotOutcome {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.Type == typ {
					return ev.Data.(eventbus.SlotOutcome)
				}
			case <-deadline:
				t.Fatalf("no %s event published", typ)
			}
		}
	}

	t.Run("produced", func(t *testing.T) {
		rec := &production.Recorder{}
		f := newFixture(t, testConfig(), rec, clock)
		events, unsub := f.bus.Subscribe(16)
		defer unsub()

		if _, err := f.d.RunTick(context.Background(), now); err != nil {
			t.Fatalf("RunTick: %v", err)
		}
		out := waitFor(t, events, eventbus.TypeSlotProduced)
		if out.SlotID != "morning" || out.Artifact == "" || out.Error != "" {
			t.Fatalf("produced outcome = %+v", out)
		}
	})

	t.Run("failed", func(t *testing.T) {
		rec := &production.Recorder{Fail: true}
		f := newFixture(t, testConfig(), rec, clock)
		events, unsub := f.bus.Subscribe(16)
		defer unsub()

		if _, err := f.d.RunTick(context.Background(), now); err != nil {
			t.Fatalf("RunTick: %v", err)
		}
		out := waitFor(t, events, eventbus.TypeSlotFailed)
		if out.SlotID != "morning" || out.Error == "" {
			t.Fatalf("failed outcome = %+v", out)
		}
	})
}

func TestBackendUndercutCommitsActualCost(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 30, 0, time.UTC)
	rec := &production.Recorder{Cost: 4}
	f := newFixture(t, testConfig(), rec, func() time.Time { return now })

	stats, err := f.d.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if stats.Produced != 1 {
		t.Fatalf("stats = %+v, want 1 produced", stats)
	}
	st, _ := f.led.Status("gen")
	if st.DailyRemaining != 96 || st.Held != 0 {
		t.Fatalf("expected only the actual cost of 4 committed: remaining %d held %d", st.DailyRemaining, st.Held)
	}
}

func TestCriticalBudgetSkipsNonEssentialSlots(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 30, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("non-essential skipped", func(t *testing.T) {
		rec := &production.Recorder{}
		f := newFixture(t, testConfig(), rec, clock)
		burn(t, f.led, "gen", 96)

		stats, err := f.d.RunTick(context.Background(), now)
		if err != nil {
			t.Fatalf("RunTick: %v", err)
		}
		if stats.Produced != 0 || stats.Errors != 0 {
			t.Fatalf("stats = %+v, want clean skip", stats)
		}
		if len(rec.Requests()) != 0 {
			t.Fatalf("backend called despite critical budget")
		}
	})

	t.Run("essential still runs", func(t *testing.T) {
		cfg := testConfig()
		cfg.Tiers[0].Essential = true
		// CRITICAL must coexist with enough budget for the essential tier's
		// cost, otherwise Reserve correctly fails closed and the path under
		// test is unreachable: lower the threshold instead of the balance.
		cfg.Pools[0].CriticalPct = 0.5
		rec := &production.Recorder{}
		f := newFixture(t, cfg, rec, clock)
		burn(t, f.led, "gen", 60)

		stats, err := f.d.RunTick(context.Background(), now)
		if err != nil {
			t.Fatalf("RunTick: %v", err)
		}
		if stats.Produced != 1 {
			t.Fatalf("stats = %+v, want the essential slot produced", stats)
		}
	})
}

func burn(t *testing.T, led *ledger.Ledger, pool string, amount int64) {
	t.Helper()
	res, err := led.Reserve(context.Background(), pool, amount, "burn")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := led.Commit(context.Background(), res); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}
