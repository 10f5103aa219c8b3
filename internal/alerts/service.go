// Package alerts is the async operator notification pipeline:
// queue + worker pool + rate limit + retry + dedup, fanning out to sinks.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
	"github.com/villenero912/waifugen-system-sub000/internal/eventbus"
	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alerts queue full")
	ErrStopped   = errors.New("alerts stopped")
)

// Sink delivers one alert to one destination. Implementations must honor
// ctx; the pipeline bounds every delivery with a timeout.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a Alert) error
}

type job struct {
	a        Alert
	dedupKey string
}

// Service is safe for concurrent use. Start/Stop bracket the worker pool;
// Apply swaps runtime tuning (rate, retry, dedup) without a restart.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	workerWG  sync.WaitGroup
	queue     chan job

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg config.AlertsConfig, sinks []Sink, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	parsed, err := parseConfig(cfg)
	if err != nil {
		return nil, err
	}
	s := &Service{
		log:   log,
		sinks: sinks,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(parsed)
	return s, nil
}

func parseConfig(cfg config.AlertsConfig) (Config, error) {
	out := Config{
		Enabled:    true,
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		RatePerSec: cfg.RatePerSec,
		RetryMax:   cfg.RetryMax,
	}
	if cfg.Enabled != nil {
		out.Enabled = *cfg.Enabled
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("alerts.retry_base", cfg.RetryBase, 500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("alerts.retry_max_delay", cfg.RetryMaxDelay, 10*time.Second); err != nil {
		return Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("alerts.dedup_window", cfg.DedupWindow); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Apply re-tunes the pipeline from a reloaded config section. Worker and
// queue sizing only take effect on the next Start.
func (s *Service) Apply(cfg config.AlertsConfig) error {
	parsed, err := parseConfig(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.applyLocked(parsed)
	s.mu.Unlock()
	return nil
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start spins up the worker pool. Idempotent; a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.workerLoop(ctx, q)
		}()
	}
}

// Stop blocks intake, drains the queue, and waits for workers. Returns
// early if ctx expires; queued alerts are then abandoned.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		s.workerWG.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Send enqueues an alert. Full queue drops with ErrQueueFull rather than
// blocking the caller.
func (s *Service) Send(ctx context.Context, a Alert) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(a)
	if window > 0 && key != "" && !s.dedupAllow(key, window) {
		return nil
	}

	select {
	case q <- job{a: a, dedupKey: key}:
		return nil
	default:
		s.log.Warn("alert dropped, queue full", logx.String("title", a.Title))
		return ErrQueueFull
	}
}

// Watch subscribes to the bus and translates core events into alerts until
// ctx is done. Run it in its own goroutine.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a, ok := fromEvent(ev)
			if !ok {
				continue
			}
			if err := s.Send(ctx, a); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Debug("alert enqueue failed", logx.Err(err))
			}
		}
	}
}

func fromEvent(ev eventbus.Event) (Alert, bool) {
	switch ev.Type {
	case eventbus.TypeBudgetWarn:
		d, _ := ev.Data.(eventbus.BudgetAlert)
		return Alert{
			Severity: SevWarn,
			Title:    "budget warning",
			Body:     fmt.Sprintf("pool %s at %.0f%% of capacity", d.Pool, d.PctUsed*100),
			Key:      "budget:" + d.Pool + ":warn",
			At:       ev.Time,
		}, true
	case eventbus.TypeBudgetCritical:
		d, _ := ev.Data.(eventbus.BudgetAlert)
		return Alert{
			Severity: SevCritical,
			Title:    "budget critical",
			Body:     fmt.Sprintf("pool %s at %.0f%% of capacity, non-essential production pausing", d.Pool, d.PctUsed*100),
			Key:      "budget:" + d.Pool + ":critical",
			At:       ev.Time,
		}, true
	case eventbus.TypeSchedulingGap:
		d, _ := ev.Data.(eventbus.SchedulingGap)
		return Alert{
			Severity: SevWarn,
			Title:    "scheduling gap",
			Body:     fmt.Sprintf("slot %s on %s has no eligible persona", d.SlotID, d.Date),
			Key:      "gap:" + d.SlotID + ":" + d.Date,
			At:       ev.Time,
		}, true
	case eventbus.TypeSlotFailed:
		d, _ := ev.Data.(eventbus.SlotOutcome)
		return Alert{
			Severity: SevWarn,
			Title:    "slot production failed",
			Body:     fmt.Sprintf("slot %s persona %s: %s", d.SlotID, d.Persona, d.Error),
			Key:      "slotfail:" + d.SlotID + ":" + d.Persona,
			At:       ev.Time,
		}, true
	default:
		return Alert{}, false
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliverWithRetry(ctx, j)
		}
	}
}

func (s *Service) deliverWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sinks := s.sinks
	s.mu.Unlock()

	if len(sinks) == 0 {
		return
	}

	text := Format(j.a)
	maxAttempts := 1 + cfg.RetryMax

	for _, sink := range sinks {
		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
			callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
			err := sink.Deliver(callCtx, j.a)
			cancel()
			if err == nil {
				lastErr = nil
				break
			}
			lastErr = err
			s.log.Debug("alert delivery failed",
				logx.String("sink", sink.Name()), logx.Int("attempt", attempt), logx.Err(err))
			if attempt >= maxAttempts {
				break
			}
			t := time.NewTimer(retryDelay(cfg, attempt))
			select {
			case <-t.C:
			case <-runCtx.Done():
				if !t.Stop() {
					<-t.C
				}
				return
			}
		}
		if lastErr == nil {
			s.appendHistory(text)
		} else {
			s.log.Warn("alert abandoned",
				logx.String("sink", sink.Name()), logx.String("title", j.a.Title), logx.Err(lastErr))
		}
	}
}

// Format renders an alert as a single operator-readable line.
func Format(a Alert) string {
	text := prefixForSeverity(a.Severity) + a.Title
	if a.Body != "" {
		text += ": " + a.Body
	}
	return text
}

func prefixForSeverity(sev Severity) string {
	switch sev {
	case SevCritical:
		return "[CRIT] "
	case SevWarn:
		return "[WARN] "
	default:
		return ""
	}
}

func dedupKey(a Alert) string {
	if a.Key != "" {
		h := fnv.New64a()
		_, _ = h.Write([]byte(a.Key))
		return fmt.Sprintf("%x", h.Sum64())
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Title))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(a.Body))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
