// Package app wires the orchestration core together and owns the daemon
// lifecycle: config, logging, storage, the tick loop, the alert pipeline,
// and systemd integration.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/villenero912/waifugen-system-sub000/internal/alerts"
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

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger

	store storage.Store
	bus   eventbus.Bus

	ledger    *ledger.Ledger
	machine   *escalation.Machine
	planner   *rotation.Planner
	sequencer *outreach.Sequencer
	alerts    *alerts.Service
	disp      *dispatcher.Dispatcher
	backends  *production.Registry
}

// Option customizes wiring. Production backends and the follower source
// are external collaborators registered here.
type Option func(*options)

type options struct {
	backends  map[string]production.Backend
	followers dispatcher.FollowerSource
	messenger outreach.Messenger
}

// WithBackend registers a production backend under the reference tiers
// name in their `backend` field.
func WithBackend(ref string, b production.Backend) Option {
	return func(o *options) { o.backends[ref] = b }
}

func WithFollowerSource(f dispatcher.FollowerSource) Option {
	return func(o *options) { o.followers = f }
}

func WithMessenger(m outreach.Messenger) Option {
	return func(o *options) { o.messenger = m }
}

// New loads and validates configuration, then builds the full component
// graph. Nothing starts running until Run.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := &options{backends: map[string]production.Backend{}}
	for _, fn := range opts {
		fn(o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, rootLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log := rootLog.With(logx.String("comp", "app"))
	cfgm.SetLogger(rootLog.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, rootLog.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	dcfg, err := dispatcher.ParseConfig(cfg.Dispatcher)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()

	led := ledger.New(cfg.Pools, dcfg.Location, store, bus,
		rootLog.With(logx.String("comp", "ledger")))
	machine := escalation.New(cfg, store, bus,
		rootLog.With(logx.String("comp", "escalation")))
	planner, err := rotation.New(cfg, dcfg.Location, store, bus,
		rootLog.With(logx.String("comp", "rotation")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	messenger := o.messenger
	if messenger == nil && cfg.Alerts.Telegram.Enabled {
		messenger, err = outreach.NewTelegramMessenger(cfg.Alerts.Telegram.Token)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	if messenger == nil {
		messenger = noopMessenger{log: rootLog.With(logx.String("comp", "outreach"))}
	}
	sequencer, err := outreach.New(cfg, store, bus, messenger,
		rootLog.With(logx.String("comp", "outreach")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sinks := []alerts.Sink{alerts.LogSink{Log: rootLog.With(logx.String("comp", "alerts"))}}
	if cfg.Alerts.Telegram.Enabled {
		tg, err := alerts.NewTelegramSink(cfg.Alerts.Telegram.Token, cfg.Alerts.Telegram.ChatID)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		sinks = append(sinks, tg)
	}
	alertSvc, err := alerts.New(cfg.Alerts, sinks, rootLog.With(logx.String("comp", "alerts")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := production.NewRegistry()
	registry.Register("recorder", &production.Recorder{})
	for ref, b := range o.backends {
		registry.Register(ref, b)
	}
	for _, t := range cfg.Tiers {
		if _, err := registry.Lookup(t.Backend); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("tier %d: %w", t.Index, err)
		}
	}

	followers := o.followers
	if followers == nil {
		followers = dispatcher.StaticFollowers{}
	}

	disp := dispatcher.New(dcfg, cfg.Tiers, led, machine, planner, sequencer,
		registry, followers, bus, rootLog.With(logx.String("comp", "dispatcher")))

	return &App{
		cfgm:      cfgm,
		cfg:       cfg,
		logs:      logs,
		log:       log,
		store:     store,
		bus:       bus,
		ledger:    led,
		machine:   machine,
		planner:   planner,
		sequencer: sequencer,
		alerts:    alertSvc,
		disp:      disp,
		backends:  registry,
	}, nil
}

type noopMessenger struct{ log logx.Logger }

func (m noopMessenger) Send(_ context.Context, sub storage.Subscriber, text string) error {
	m.log.Info("outreach message (no delivery channel configured)",
		logx.String("subscriber", sub.ID), logx.String("text", text))
	return nil
}

// IngestSubscriberJoined is the platform boundary for join events. It
// upserts the subscriber row and starts instances for every sequence
// triggered by the join; repeat deliveries for the same subscriber do not
// restart an existing instance.
func (a *App) IngestSubscriberJoined(ctx context.Context, sub storage.Subscriber) error {
	return a.sequencer.HandleSubscriberJoined(ctx, sub, time.Now())
}

// Restore reloads durable state into the in-memory components. Call once
// before Run or before driving ticks manually.
func (a *App) Restore(ctx context.Context) error {
	if err := a.ledger.Restore(ctx); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if err := a.machine.Restore(ctx); err != nil {
		return fmt.Errorf("restore escalation: %w", err)
	}
	return nil
}

// Run blocks until ctx is canceled, then shuts everything down in order:
// tick loop, outstanding reservations, alert drain, storage.
func (a *App) Run(ctx context.Context) error {
	if err := a.Restore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.alerts.Start(runCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.alerts.Watch(runCtx, a.bus)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reloadLoop(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watchdogLoop(runCtx)
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("daemon started")

	a.disp.Run(runCtx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	a.disp.Shutdown(shutCtx)
	cancel()
	wg.Wait()
	a.alerts.Stop(shutCtx)

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	_ = a.logs.Close()
	a.log.Info("stopped")
	return nil
}

// reloadLoop applies hot-reloadable config sections (logging, alerts).
// Domain tables require a restart; the validator already rejects files
// that fail cross-field checks, so anything arriving here parsed clean.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if err := a.alerts.Apply(cfg.Alerts); err != nil {
				a.log.Warn("alerts config not applied", logx.Err(err))
			}
			a.log.Info("config reloaded")
		}
	}
}

func (a *App) watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
