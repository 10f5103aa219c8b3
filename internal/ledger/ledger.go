// Package ledger owns all budget state. Every consumer goes through the
// two-phase Reserve/Commit/Release API; nothing else writes pool balances.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
	"github.com/villenero912/waifugen-system-sub000/internal/eventbus"
	"github.com/villenero912/waifugen-system-sub000/internal/storage"
	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

const (
	dayKeyFormat   = "2006-01-02"
	monthKeyFormat = "2006-01"
)

// pool is the in-memory balance state for one configured pool.
// All fields are guarded by mu; ledger operations on the same pool are
// serialized so reserve/commit/release stay linearizable.
type pool struct {
	mu sync.Mutex

	id              string
	capacityDaily   int64
	capacityMonthly int64
	rolloverCeiling int64
	warnPct         float64
	criticalPct     float64

	consumedToday int64
	consumedMonth int64
	rollover      int64
	held          int64

	dayKey   string
	monthKey string

	lastLevel AlertLevel
}

type Ledger struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	loc   *time.Location
	now   func() time.Time

	pools map[string]*pool

	// resMu guards the outstanding reservation set; settling a reservation
	// removes it so double commit/release fails loudly.
	resMu sync.Mutex
	open  map[string]*Reservation
}

type Option func(*Ledger)

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(cfgs []config.PoolConfig, loc *time.Location, store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	l := &Ledger{
		store: store,
		bus:   bus,
		log:   log,
		loc:   loc,
		now:   time.Now,
		pools: make(map[string]*pool, len(cfgs)),
		open:  map[string]*Reservation{},
	}
	for _, o := range opts {
		o(l)
	}
	now := l.now().In(loc)
	for _, c := range cfgs {
		warn := c.WarnPct
		if warn == 0 {
			warn = 0.80
		}
		crit := c.CriticalPct
		if crit == 0 {
			crit = 0.95
		}
		l.pools[c.ID] = &pool{
			id:              c.ID,
			capacityDaily:   c.CapacityDaily,
			capacityMonthly: c.CapacityMonthly,
			rolloverCeiling: c.RolloverCeiling,
			warnPct:         warn,
			criticalPct:     crit,
			dayKey:          now.Format(dayKeyFormat),
			monthKey:        now.Format(monthKeyFormat),
		}
	}
	return l
}

// Restore reloads persisted balances. Reservations are never persisted, so
// holds released just before a shutdown cannot be double-counted here.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	snaps, err := l.store.LoadPoolSnapshots(ctx)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		p, ok := l.pools[s.Pool]
		if !ok {
			l.log.Warn("ledger: snapshot for unconfigured pool ignored", logx.String("pool", s.Pool))
			continue
		}
		p.mu.Lock()
		p.consumedToday = s.ConsumedToday
		p.consumedMonth = s.ConsumedMonth
		p.rollover = s.Rollover
		p.dayKey = s.DayKey
		p.monthKey = s.MonthKey
		// Boundary may have been crossed while the process was down.
		l.rollLocked(p, l.now().In(l.loc))
		p.mu.Unlock()
	}
	return nil
}

// Reserve atomically re-verifies availability and places a hold.
// Available budget is min(daily remaining, monthly remaining), both net of
// existing holds. It fails closed with *InsufficientBudgetError.
func (l *Ledger) Reserve(ctx context.Context, poolID string, amount int64, ref string) (*Reservation, error) {
	p, ok := l.pools[poolID]
	if !ok {
		return nil, ErrUnknownPool
	}
	now := l.now().In(l.loc)

	p.mu.Lock()
	l.rollLocked(p, now)
	avail := minInt64(l.dailyRemainingLocked(p), l.monthlyRemainingLocked(p))
	if amount > avail {
		p.mu.Unlock()
		return nil, &InsufficientBudgetError{Pool: poolID, Requested: amount, Available: avail}
	}
	p.held += amount
	p.mu.Unlock()

	res := &Reservation{
		ID:        uuid.NewString(),
		Pool:      poolID,
		Amount:    amount,
		Reference: ref,
		At:        now,
	}
	l.resMu.Lock()
	l.open[res.ID] = res
	l.resMu.Unlock()

	if l.store != nil {
		if err := l.store.AppendLedger(ctx, storage.LedgerEntry{
			At: now, Pool: poolID, Amount: amount, Kind: "reserve", Reference: ref,
		}); err != nil {
			l.log.Warn("ledger: reserve entry write failed", logx.String("pool", poolID), logx.Err(err))
		}
	}
	return res, nil
}

// Commit converts a hold into permanent consumption for the full reserved
// amount.
func (l *Ledger) Commit(ctx context.Context, res *Reservation) error {
	if res == nil {
		return ErrReservationSettled
	}
	return l.CommitActual(ctx, res, res.Amount)
}

// CommitActual settles a reservation at the amount the backend actually
// spent, releasing the unused remainder of the hold. actual is clamped to
// [0, res.Amount]: backends may undercut a reservation, never exceed it.
//
// Consumption is attributed to the period the reservation was taken in.
// A hold placed just before a day or month boundary was checked against
// that period's budget; booking it against the fresh period would let
// consumed_today exceed the daily capacity plus rollover.
func (l *Ledger) CommitActual(ctx context.Context, res *Reservation, actual int64) error {
	if err := l.settle(res); err != nil {
		return err
	}
	if actual < 0 {
		actual = 0
	}
	if actual > res.Amount {
		actual = res.Amount
	}
	remainder := res.Amount - actual

	p := l.pools[res.Pool]
	now := l.now().In(l.loc)

	p.mu.Lock()
	l.rollLocked(p, now)
	p.held -= res.Amount
	switch {
	case res.At.Format(monthKeyFormat) != p.monthKey:
		// The reservation's month already rolled; its spend was budgeted
		// against that month and counts against neither the new month nor
		// the new day.
	case res.At.Format(dayKeyFormat) != p.dayKey:
		p.consumedMonth += actual
	default:
		p.consumedToday += actual
		p.consumedMonth += actual
	}
	snap := l.snapshotLocked(p)
	level, pct, status := l.levelLocked(p)
	crossed := level > p.lastLevel
	if crossed {
		p.lastLevel = level
	}
	p.mu.Unlock()

	if l.store != nil {
		if err := l.store.AppendLedger(ctx, storage.LedgerEntry{
			At: now, Pool: res.Pool, Amount: actual, Kind: "commit", Reference: res.Reference,
		}); err != nil {
			return err
		}
		if remainder > 0 {
			if err := l.store.AppendLedger(ctx, storage.LedgerEntry{
				At: now, Pool: res.Pool, Amount: remainder, Kind: "release", Reference: res.Reference,
			}); err != nil {
				l.log.Warn("ledger: remainder release entry write failed",
					logx.String("pool", res.Pool), logx.Err(err))
			}
		}
		if err := l.store.SavePoolSnapshot(ctx, snap); err != nil {
			return err
		}
	}

	if crossed && l.bus != nil {
		typ := eventbus.TypeBudgetWarn
		if level == LevelCritical {
			typ = eventbus.TypeBudgetCritical
		}
		l.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: eventbus.BudgetAlert{
			Pool:     res.Pool,
			PctUsed:  pct,
			Daily:    status.DailyRemaining,
			Monthly:  status.MonthlyRemaining,
			Critical: level == LevelCritical,
		}})
	}
	return nil
}

// Release returns a hold without consuming it. The pool can never go
// negative: the hold is known to exist because settle succeeded.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if err := l.settle(res); err != nil {
		return err
	}
	p := l.pools[res.Pool]
	now := l.now().In(l.loc)

	p.mu.Lock()
	l.rollLocked(p, now)
	p.held -= res.Amount
	p.mu.Unlock()

	if l.store != nil {
		if err := l.store.AppendLedger(ctx, storage.LedgerEntry{
			At: now, Pool: res.Pool, Amount: res.Amount, Kind: "release", Reference: res.Reference,
		}); err != nil {
			l.log.Warn("ledger: release entry write failed", logx.String("pool", res.Pool), logx.Err(err))
		}
	}
	return nil
}

// Credit adds budget to a pool's rollover balance, capped at the ceiling.
func (l *Ledger) Credit(ctx context.Context, poolID string, amount int64, reason string) error {
	p, ok := l.pools[poolID]
	if !ok {
		return ErrUnknownPool
	}
	now := l.now().In(l.loc)

	p.mu.Lock()
	l.rollLocked(p, now)
	p.rollover += amount
	if p.rolloverCeiling > 0 && p.rollover > p.rolloverCeiling {
		p.rollover = p.rolloverCeiling
	}
	snap := l.snapshotLocked(p)
	p.mu.Unlock()

	return l.persist(ctx, storage.LedgerEntry{
		At: now, Pool: poolID, Amount: amount, Kind: "credit", Reference: reason,
	}, snap)
}

// Status reports the pool's remaining budget. Accessing status also applies
// any pending boundary rollover (the recomputation is lazy).
func (l *Ledger) Status(poolID string) (PoolStatus, error) {
	p, ok := l.pools[poolID]
	if !ok {
		return PoolStatus{}, ErrUnknownPool
	}
	now := l.now().In(l.loc)
	p.mu.Lock()
	l.rollLocked(p, now)
	_, _, st := l.levelLocked(p)
	p.mu.Unlock()
	return st, nil
}

// StatusAll returns statuses for every pool, ordered by pool id.
func (l *Ledger) StatusAll() []PoolStatus {
	ids := make([]string, 0, len(l.pools))
	for id := range l.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]PoolStatus, 0, len(ids))
	for _, id := range ids {
		st, err := l.Status(id)
		if err == nil {
			out = append(out, st)
		}
	}
	return out
}

// ReleaseOutstanding drops every uncommitted hold. Called on shutdown so
// an interrupted tick cannot leak budget permanently.
func (l *Ledger) ReleaseOutstanding(ctx context.Context) {
	l.resMu.Lock()
	open := make([]*Reservation, 0, len(l.open))
	for _, r := range l.open {
		open = append(open, r)
	}
	l.resMu.Unlock()

	for _, r := range open {
		if err := l.Release(ctx, r); err != nil {
			l.log.Warn("ledger: shutdown release failed",
				logx.String("pool", r.Pool), logx.String("reservation", r.ID), logx.Err(err))
		}
	}
	if len(open) > 0 {
		l.log.Info("ledger: released outstanding reservations", logx.Int("count", len(open)))
	}
}

// ---- internals ----

// settle removes the reservation from the outstanding set; exactly one
// Commit or Release wins.
func (l *Ledger) settle(res *Reservation) error {
	if res == nil {
		return ErrReservationSettled
	}
	l.resMu.Lock()
	defer l.resMu.Unlock()
	if _, ok := l.open[res.ID]; !ok {
		return ErrReservationSettled
	}
	if _, ok := l.pools[res.Pool]; !ok {
		return ErrUnknownPool
	}
	delete(l.open, res.ID)
	return nil
}

// rollLocked applies daily and monthly boundary recomputation. Caller holds p.mu.
func (l *Ledger) rollLocked(p *pool, now time.Time) {
	day := now.Format(dayKeyFormat)
	month := now.Format(monthKeyFormat)

	if month != p.monthKey {
		// Month boundary: consumption and rollover both start fresh.
		p.consumedMonth = 0
		p.consumedToday = 0
		p.rollover = 0
		p.monthKey = month
		p.dayKey = day
		p.lastLevel = LevelOK
		return
	}
	if day != p.dayKey {
		unused := p.capacityDaily - p.consumedToday
		if unused > 0 {
			p.rollover += unused
			if p.rolloverCeiling > 0 && p.rollover > p.rolloverCeiling {
				p.rollover = p.rolloverCeiling
			}
		}
		p.consumedToday = 0
		p.dayKey = day
		p.lastLevel = LevelOK
	}
}

func (l *Ledger) dailyRemainingLocked(p *pool) int64 {
	r := p.capacityDaily + p.rollover - p.consumedToday - p.held
	if r < 0 {
		r = 0
	}
	return r
}

func (l *Ledger) monthlyRemainingLocked(p *pool) int64 {
	r := p.capacityMonthly - p.consumedMonth - p.held
	if r < 0 {
		r = 0
	}
	return r
}

func (l *Ledger) levelLocked(p *pool) (AlertLevel, float64, PoolStatus) {
	dailyCap := p.capacityDaily + p.rollover
	var pctDaily, pctMonthly float64
	if dailyCap > 0 {
		pctDaily = float64(p.consumedToday) / float64(dailyCap)
	}
	if p.capacityMonthly > 0 {
		pctMonthly = float64(p.consumedMonth) / float64(p.capacityMonthly)
	}
	pct := pctDaily
	if pctMonthly > pct {
		pct = pctMonthly
	}

	level := LevelOK
	switch {
	case pct >= p.criticalPct:
		level = LevelCritical
	case pct >= p.warnPct:
		level = LevelWarn
	}
	st := PoolStatus{
		Pool:             p.id,
		DailyRemaining:   l.dailyRemainingLocked(p),
		MonthlyRemaining: l.monthlyRemainingLocked(p),
		PctUsed:          pct,
		Rollover:         p.rollover,
		Held:             p.held,
		Level:            level,
	}
	return level, pct, st
}

func (l *Ledger) snapshotLocked(p *pool) storage.PoolSnapshot {
	return storage.PoolSnapshot{
		Pool:          p.id,
		ConsumedToday: p.consumedToday,
		ConsumedMonth: p.consumedMonth,
		Rollover:      p.rollover,
		DayKey:        p.dayKey,
		MonthKey:      p.monthKey,
	}
}

func (l *Ledger) persist(ctx context.Context, e storage.LedgerEntry, snap storage.PoolSnapshot) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.AppendLedger(ctx, e); err != nil {
		return err
	}
	return l.store.SavePoolSnapshot(ctx, snap)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
