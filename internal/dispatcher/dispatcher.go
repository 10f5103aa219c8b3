// Package dispatcher runs the serialized tick loop that drives the whole
// pipeline: budget check, tier evaluation, slot assignment, production, and
// outreach. Ticks never overlap; a tick that is still running when the next
// cadence fires makes that firing a no-op.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
	"github.com/villenero912/waifugen-system-sub000/internal/escalation"
	"github.com/villenero912/waifugen-system-sub000/internal/eventbus"
	"github.com/villenero912/waifugen-system-sub000/internal/ledger"
	"github.com/villenero912/waifugen-system-sub000/internal/outreach"
	"github.com/villenero912/waifugen-system-sub000/internal/production"
	"github.com/villenero912/waifugen-system-sub000/internal/rotation"
	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

// FollowerSource reports the current audience size per persona id. It is
// an external collaborator (platform APIs, an analytics export); tests and
// replay use a static map.
type FollowerSource interface {
	Followers(ctx context.Context) (map[string]int64, error)
}

// StaticFollowers is a FollowerSource backed by a fixed map.
type StaticFollowers map[string]int64

func (s StaticFollowers) Followers(context.Context) (map[string]int64, error) { return s, nil }

// Config is the parsed dispatcher tuning.
type Config struct {
	TickEvery         time.Duration
	Workers           int
	ProductionTimeout time.Duration
	RetryMax          int
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
	RetryJitter       float64
	Location          *time.Location
}

// ParseConfig applies defaults and resolves the timezone.
func ParseConfig(raw config.DispatcherConfig) (Config, error) {
	out := Config{
		Workers:     raw.Workers,
		RetryMax:    raw.RetryMax,
		RetryJitter: raw.RetryJitter,
	}
	var err error
	if out.TickEvery, err = config.ParseDurationOrDefault("dispatcher.tick_every", raw.TickEvery, time.Minute); err != nil {
		return Config{}, err
	}
	if out.ProductionTimeout, err = config.ParseDurationOrDefault("dispatcher.production_timeout", raw.ProductionTimeout, 2*time.Minute); err != nil {
		return Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("dispatcher.retry_base", raw.RetryBase, 500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("dispatcher.retry_max_delay", raw.RetryMaxDelay, 15*time.Second); err != nil {
		return Config{}, err
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.RetryMax < 0 {
		out.RetryMax = 0
	}
	if out.RetryJitter <= 0 {
		out.RetryJitter = 0.2
	}
	out.Location = time.UTC
	if raw.Timezone != "" {
		loc, err := time.LoadLocation(raw.Timezone)
		if err != nil {
			return Config{}, fmt.Errorf("dispatcher.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

type Dispatcher struct {
	cfg       Config
	tiers     map[int]config.TierConfig
	ledger    *ledger.Ledger
	machine   *escalation.Machine
	planner   *rotation.Planner
	sequencer *outreach.Sequencer
	backends  *production.Registry
	followers FollowerSource
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time

	inFlight atomic.Bool

	mu       sync.Mutex
	prevTick time.Time
}

// Option tweaks construction; tests inject a fake clock.
type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(
	cfg Config,
	tiers []config.TierConfig,
	led *ledger.Ledger,
	machine *escalation.Machine,
	planner *rotation.Planner,
	sequencer *outreach.Sequencer,
	backends *production.Registry,
	followers FollowerSource,
	bus eventbus.Bus,
	log logx.Logger,
	opts ...Option,
) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:       cfg,
		tiers:     map[int]config.TierConfig{},
		ledger:    led,
		machine:   machine,
		planner:   planner,
		sequencer: sequencer,
		backends:  backends,
		followers: followers,
		bus:       bus,
		log:       log,
		now:       time.Now,
	}
	for _, t := range tiers {
		d.tiers[t.Index] = t
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run drives ticks at the configured cadence until ctx is done. The first
// tick fires immediately so a restart never waits a full interval.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickEvery)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		// Previous tick still running; this firing is dropped, not queued.
		d.log.Warn("tick skipped, previous still in flight")
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeTickSkipped})
		}
		return
	}
	defer d.inFlight.Store(false)

	now := d.now()
	stats, err := d.RunTick(ctx, now)
	if err != nil {
		d.log.Error("tick failed", logx.Err(err))
		return
	}
	d.log.Debug("tick completed",
		logx.Duration("dur", stats.Duration),
		logx.Int("slots_due", stats.SlotsDue),
		logx.Int("produced", stats.Produced),
		logx.Int("errors", stats.Errors))
}

// RunTick executes exactly one tick against the given wall-clock instant.
// It is exported so replay and tests can drive ticks directly; callers
// must not run two ticks concurrently.
func (d *Dispatcher) RunTick(ctx context.Context, now time.Time) (eventbus.TickStats, error) {
	start := time.Now()
	stats := eventbus.TickStats{Started: now}

	d.mu.Lock()
	from := d.prevTick
	if from.IsZero() {
		from = now.Add(-d.cfg.TickEvery)
	}
	d.prevTick = now
	d.mu.Unlock()

	// Phase 1: budget posture. Pools at CRITICAL switch production to the
	// fallback policy: only essential tiers run until the boundary rolls.
	critical := map[string]bool{}
	for _, st := range d.ledger.StatusAll() {
		if st.Level == ledger.LevelCritical {
			critical[st.Pool] = true
		}
	}

	// Phase 2: tier evaluation.
	followers, err := d.followers.Followers(ctx)
	if err != nil {
		// Stale audience numbers delay promotions; they never block the tick.
		d.log.Warn("follower source failed", logx.Err(err))
	} else {
		transitions := d.machine.EvaluateAll(ctx, now, followers)
		stats.Transitions = len(transitions)
	}

	// Phase 3: slot occurrences due in (from, now].
	due := d.planner.Due(from, now)
	stats.SlotsDue = len(due)

	// Phase 4: bounded-parallel slot production with per-unit isolation.
	if len(due) > 0 {
		type outcome struct {
			produced bool
			gap      bool
			failed   bool
		}
		results := make([]outcome, len(due))
		sem := make(chan struct{}, d.cfg.Workers)
		var wg sync.WaitGroup
		for i, occ := range due {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, occ rotation.Occurrence) {
				defer wg.Done()
				defer func() { <-sem }()
				err := d.runProtected(func() error {
					return d.processSlot(ctx, now, occ, critical)
				})
				switch {
				case err == nil:
					results[i].produced = true
				case errors.Is(err, rotation.ErrNoEligible):
					results[i].gap = true
				case errors.Is(err, errSkippedNonEssential):
					// Deliberate skip under the fallback policy, not a failure.
				default:
					results[i].failed = true
					d.log.Warn("slot production failed",
						logx.String("slot", occ.SlotID), logx.Err(err))
				}
			}(i, occ)
		}
		wg.Wait()
		for _, r := range results {
			if r.produced {
				stats.Produced++
			}
			if r.gap {
				stats.Gaps++
			}
			if r.failed {
				stats.Errors++
			}
		}
	}

	// Phase 5: outreach.
	dispatched, err := d.sequencer.Tick(ctx, now)
	stats.Dispatched = dispatched
	if err != nil {
		stats.Errors++
		d.log.Warn("outreach tick failed", logx.Err(err))
	}

	stats.Duration = time.Since(start)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeTickCompleted, Time: now, Data: stats})
	}
	return stats, nil
}

var errSkippedNonEssential = errors.New("non-essential slot skipped under critical budget")

func (d *Dispatcher) processSlot(ctx context.Context, now time.Time, occ rotation.Occurrence, critical map[string]bool) error {
	eligible := d.machine.EligibleForChannel(occ.Channel)
	persona, err := d.planner.Assign(ctx, occ.At, occ.SlotID, eligible)
	if err != nil {
		return err
	}

	tierIdx, err := d.machine.TierOf(persona)
	if err != nil {
		return err
	}
	tier, ok := d.tiers[tierIdx]
	if !ok {
		return fmt.Errorf("persona %s on unconfigured tier %d", persona, tierIdx)
	}

	if critical[tier.Pool] && !tier.Essential {
		d.log.Info("slot skipped under critical budget",
			logx.String("slot", occ.SlotID), logx.String("persona", persona), logx.String("pool", tier.Pool))
		return errSkippedNonEssential
	}

	// Compliance check is a hard stop, never retried.
	if err := d.machine.CheckChannel(persona, occ.Channel); err != nil {
		_ = d.planner.RecordOutcome(ctx, occ.At, occ.SlotID, persona, false)
		return err
	}

	ref := fmt.Sprintf("%s/%s/%s", occ.At.Format("2006-01-02"), occ.SlotID, persona)
	res, err := d.ledger.Reserve(ctx, tier.Pool, tier.Cost, ref)
	if err != nil {
		_ = d.planner.RecordOutcome(ctx, occ.At, occ.SlotID, persona, false)
		return err
	}

	backend, err := d.backends.Lookup(tier.Backend)
	if err != nil {
		_ = d.ledger.Release(ctx, res)
		_ = d.planner.RecordOutcome(ctx, occ.At, occ.SlotID, persona, false)
		return err
	}

	req := production.Request{
		Persona: persona,
		Tier:    tierIdx,
		Channel: occ.Channel,
		SlotID:  occ.SlotID,
		Date:    occ.At.Format("2006-01-02"),
	}

	result, attempts, err := d.produceWithRetry(ctx, backend, req)
	if err != nil {
		// The hold must not outlive the attempt; release before reporting.
		_ = d.ledger.Release(ctx, res)
		_ = d.planner.RecordOutcome(ctx, occ.At, occ.SlotID, persona, false)
		d.publishOutcome(eventbus.TypeSlotFailed, occ, persona, tierIdx, "", attempts, err)
		return err
	}

	// Backends may undercut the reservation; zero means full reserved cost.
	actual := res.Amount
	if result.CostConsumed > 0 {
		actual = result.CostConsumed
	}
	if err := d.ledger.CommitActual(ctx, res, actual); err != nil {
		return err
	}
	if err := d.planner.RecordOutcome(ctx, occ.At, occ.SlotID, persona, true); err != nil {
		return err
	}
	d.publishOutcome(eventbus.TypeSlotProduced, occ, persona, tierIdx, result.ArtifactRef, attempts, nil)
	d.log.Info("slot produced",
		logx.String("slot", occ.SlotID),
		logx.String("persona", persona),
		logx.String("artifact", result.ArtifactRef),
		logx.Int("attempts", attempts))
	return nil
}

// publishOutcome emits slot.produced / slot.failed; the alerts service
// turns failures into operator messages.
func (d *Dispatcher) publishOutcome(typ string, occ rotation.Occurrence, persona string, tier int, artifact string, attempts int, produceErr error) {
	if d.bus == nil {
		return
	}
	out := eventbus.SlotOutcome{
		SlotID:   occ.SlotID,
		Persona:  persona,
		Channel:  occ.Channel,
		Tier:     tier,
		Artifact: artifact,
		Attempts: attempts,
	}
	if produceErr != nil {
		out.Error = produceErr.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: out})
}

func (d *Dispatcher) produceWithRetry(ctx context.Context, backend production.Backend, req production.Request) (production.Result, int, error) {
	maxAttempts := 1 + d.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.ProductionTimeout)
		result, err := d.produceOnce(callCtx, backend, req)
		cancel()
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		if !production.Retryable(err) || attempt >= maxAttempts {
			return production.Result{}, attempt, lastErr
		}
		delay := d.backoffDelay(attempt, err)
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !t.Stop() {
					<-t.C
				}
				return production.Result{}, attempt, ctx.Err()
			case <-t.C:
			}
		}
	}
	return production.Result{}, maxAttempts, lastErr
}

// produceOnce converts a backend panic into a non-retryable error so the
// reservation release path still runs.
func (d *Dispatcher) produceOnce(ctx context.Context, backend production.Backend, req production.Request) (result production.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &production.BackendError{Ref: req.SlotID, Retryable: false, Err: fmt.Errorf("panic: %v", r)}
			d.log.Error("backend panic",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return backend.Produce(ctx, req)
}

func (d *Dispatcher) backoffDelay(retry int, err error) time.Duration {
	maxD := d.cfg.RetryMaxDelay

	// Respect explicit retry-after hints from the backend.
	var be *production.BackendError
	if errors.As(err, &be) && be.RetryIn > 0 {
		delay := be.RetryIn
		if delay > maxD {
			delay = maxD
		}
		return jitter(delay, d.cfg.RetryJitter, maxD)
	}

	delay := d.cfg.RetryBase
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay > maxD {
			delay = maxD
			break
		}
	}
	return jitter(delay, d.cfg.RetryJitter, maxD)
}

func jitter(delay time.Duration, j float64, maxD time.Duration) time.Duration {
	if j > 0 && delay > 0 {
		r := (rand.Float64()*2 - 1) * j
		delay = time.Duration(float64(delay) * (1 + r))
	}
	if delay < 0 {
		return 0
	}
	if delay > maxD {
		return maxD
	}
	return delay
}

// runProtected converts a unit panic to an error so one bad slot can never
// take down the tick loop or leak the in-flight flag.
func (d *Dispatcher) runProtected(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			d.log.Error("slot unit panic",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn()
}

// Shutdown releases every uncommitted reservation. Call after the tick
// loop has stopped; held amounts are in-memory only and would otherwise
// reappear as free budget on restart anyway, but releasing keeps the
// ledger audit trail complete.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.ledger.ReleaseOutstanding(ctx)
}
