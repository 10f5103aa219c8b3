package app

import (
	"context"
	"fmt"
	"time"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
	"github.com/villenero912/waifugen-system-sub000/internal/dispatcher"
	"github.com/villenero912/waifugen-system-sub000/internal/escalation"
	"github.com/villenero912/waifugen-system-sub000/internal/eventbus"
	"github.com/villenero912/waifugen-system-sub000/internal/ledger"
	"github.com/villenero912/waifugen-system-sub000/internal/outreach"
	"github.com/villenero912/waifugen-system-sub000/internal/production"
	"github.com/villenero912/waifugen-system-sub000/internal/rotation"
	"github.com/villenero912/waifugen-system-sub000/internal/storage"
	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

// Admin operations run against the durable store without starting the
// daemon. They share the store with a running instance through SQLite's
// locking, so short reads and single writes are safe while the daemon is
// up.

type StatusReport struct {
	Pools           []ledger.PoolStatus
	Personas        []storage.PersonaState
	ActiveSequences int
}

func openCore(cfgPath string) (*config.Config, storage.Store, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logx.Nop())
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// Status reports pool balances and persona tiers from durable state.
func Status(ctx context.Context, cfgPath string) (StatusReport, error) {
	cfg, store, err := openCore(cfgPath)
	if err != nil {
		return StatusReport{}, err
	}
	defer store.Close()

	dcfg, err := dispatcher.ParseConfig(cfg.Dispatcher)
	if err != nil {
		return StatusReport{}, err
	}

	bus := eventbus.New()
	led := ledger.New(cfg.Pools, dcfg.Location, store, bus, logx.Nop())
	if err := led.Restore(ctx); err != nil {
		return StatusReport{}, err
	}
	machine := escalation.New(cfg, store, bus, logx.Nop())
	if err := machine.Restore(ctx); err != nil {
		return StatusReport{}, err
	}
	instances, err := store.LoadActiveSequenceInstances(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		Pools:           led.StatusAll(),
		Personas:        machine.Snapshot(),
		ActiveSequences: len(instances),
	}, nil
}

// ForceTier pins a persona to a tier through the durable store, with an
// audit trail entry naming the actor.
func ForceTier(ctx context.Context, cfgPath, persona string, tier int, actor, reason string) (escalation.Transition, error) {
	cfg, store, err := openCore(cfgPath)
	if err != nil {
		return escalation.Transition{}, err
	}
	defer store.Close()

	machine := escalation.New(cfg, store, eventbus.New(), logx.Nop())
	if err := machine.Restore(ctx); err != nil {
		return escalation.Transition{}, err
	}
	return machine.ForceTier(ctx, persona, actor, tier, reason, time.Now())
}

// ReplayReport is the dry-run outcome of one tick.
type ReplayReport struct {
	Stats    eventbus.TickStats
	Requests []production.Request
	Pools    []ledger.PoolStatus
}

// Replay copies durable state into an in-memory store and runs exactly one
// tick at the given instant with a recording backend and no delivery, so
// nothing durable changes. Assignment history is not copied; the
// yesterday-exclusion rule may therefore pick a different persona than a
// live tick would.
func Replay(ctx context.Context, cfgPath string, at time.Time) (ReplayReport, error) {
	cfg, durable, err := openCore(cfgPath)
	if err != nil {
		return ReplayReport{}, err
	}
	defer durable.Close()

	mem := storage.NewMemory()
	if err := copyState(ctx, durable, mem); err != nil {
		return ReplayReport{}, err
	}

	dcfg, err := dispatcher.ParseConfig(cfg.Dispatcher)
	if err != nil {
		return ReplayReport{}, err
	}

	nop := logx.Nop()
	bus := eventbus.New()
	led := ledger.New(cfg.Pools, dcfg.Location, mem, bus, nop,
		ledger.WithClock(func() time.Time { return at }))
	if err := led.Restore(ctx); err != nil {
		return ReplayReport{}, err
	}
	machine := escalation.New(cfg, mem, bus, nop)
	if err := machine.Restore(ctx); err != nil {
		return ReplayReport{}, err
	}
	planner, err := rotation.New(cfg, dcfg.Location, mem, bus, nop)
	if err != nil {
		return ReplayReport{}, err
	}
	sequencer, err := outreach.New(cfg, mem, bus, dropMessenger{}, nop)
	if err != nil {
		return ReplayReport{}, err
	}

	rec := &production.Recorder{}
	registry := production.NewRegistry()
	for _, t := range cfg.Tiers {
		registry.Register(t.Backend, rec)
	}

	disp := dispatcher.New(dcfg, cfg.Tiers, led, machine, planner, sequencer,
		registry, dispatcher.StaticFollowers{}, bus, nop,
		dispatcher.WithClock(func() time.Time { return at }))

	stats, err := disp.RunTick(ctx, at)
	if err != nil {
		return ReplayReport{}, err
	}
	return ReplayReport{
		Stats:    stats,
		Requests: rec.Requests(),
		Pools:    led.StatusAll(),
	}, nil
}

type dropMessenger struct{}

func (dropMessenger) Send(context.Context, storage.Subscriber, string) error { return nil }

func copyState(ctx context.Context, from, to storage.Store) error {
	snaps, err := from.LoadPoolSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("copy pool snapshots: %w", err)
	}
	for _, s := range snaps {
		if err := to.SavePoolSnapshot(ctx, s); err != nil {
			return err
		}
	}
	states, err := from.LoadPersonaStates(ctx)
	if err != nil {
		return fmt.Errorf("copy persona states: %w", err)
	}
	for _, s := range states {
		if err := to.SavePersonaState(ctx, s); err != nil {
			return err
		}
	}
	instances, err := from.LoadActiveSequenceInstances(ctx)
	if err != nil {
		return fmt.Errorf("copy sequence instances: %w", err)
	}
	seen := map[string]bool{}
	for _, si := range instances {
		if err := to.SaveSequenceInstance(ctx, si); err != nil {
			return err
		}
		if seen[si.Subscriber] {
			continue
		}
		seen[si.Subscriber] = true
		sub, err := from.GetSubscriber(ctx, si.Subscriber)
		if err != nil {
			continue
		}
		if err := to.UpsertSubscriber(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}
