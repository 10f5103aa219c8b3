// Package outreach advances subscribers through ordered, time-offset message
// sequences. Dispatch is at-most-once per (instance, step): the store's
// unique claim key absorbs the at-least-once tick cadence, and a
// per-subscriber lease keeps two concurrent ticks off the same subscriber.
package outreach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
	"github.com/villenero912/waifugen-system-sub000/internal/eventbus"
	"github.com/villenero912/waifugen-system-sub000/internal/storage"
	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

// Messenger delivers one rendered message to a subscriber. Implementations
// are external collaborators (Telegram, a stub in tests/replay).
type Messenger interface {
	Send(ctx context.Context, sub storage.Subscriber, text string) error
}

// TriggerSubscriberJoined starts instances of sequences configured with
// this trigger.
const TriggerSubscriberJoined = "subscriber.joined"

// staleClaimWindow bounds how long a "sending" claim may sit unresolved
// before a tick flips it back to "pending". A live dispatch finishes well
// inside this; a claim this old can only come from a process that crashed
// between claim and send.
const staleClaimWindow = 15 * time.Minute

type step struct {
	offset   time.Duration
	maxWait  time.Duration
	guard    func(storage.Subscriber) bool
	guardRaw string
	tmpl     *template.Template
}

type sequence struct {
	id    string
	steps []step
}

// templateData is the render context for step templates.
type templateData struct {
	Subscriber storage.Subscriber
	Persona    config.PersonaConfig
	Now        time.Time
}

type Sequencer struct {
	defs      map[string]*sequence
	byTrigger map[string][]*sequence
	personas  map[string]config.PersonaConfig

	store     storage.Store
	bus       eventbus.Bus
	log       logx.Logger
	messenger Messenger

	// leases serialize per-subscriber processing inside this process.
	leaseMu sync.Mutex
	leases  map[string]*sync.Mutex
}

func New(cfg *config.Config, store storage.Store, bus eventbus.Bus, messenger Messenger, log logx.Logger) (*Sequencer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sequencer{
		defs:      map[string]*sequence{},
		byTrigger: map[string][]*sequence{},
		personas:  map[string]config.PersonaConfig{},
		store:     store,
		bus:       bus,
		log:       log,
		messenger: messenger,
		leases:    map[string]*sync.Mutex{},
	}
	for _, p := range cfg.Personas {
		s.personas[p.ID] = p
	}
	for _, sc := range cfg.Sequences {
		seq := &sequence{id: sc.ID}
		for i, st := range sc.Steps {
			offset, err := config.ParseDurationField("offset", st.Offset)
			if err != nil {
				return nil, fmt.Errorf("sequence %q step %d: %w", sc.ID, i, err)
			}
			maxWait, err := config.ParseDurationField("max_wait", st.MaxWait)
			if err != nil {
				return nil, fmt.Errorf("sequence %q step %d: %w", sc.ID, i, err)
			}
			guard, err := parseGuard(st.Guard)
			if err != nil {
				return nil, fmt.Errorf("sequence %q step %d: %w", sc.ID, i, err)
			}
			tmpl, err := template.New(fmt.Sprintf("%s.%d", sc.ID, i)).Parse(st.Template)
			if err != nil {
				return nil, fmt.Errorf("sequence %q step %d: template: %w", sc.ID, i, err)
			}
			seq.steps = append(seq.steps, step{
				offset: offset, maxWait: maxWait, guard: guard, guardRaw: st.Guard, tmpl: tmpl,
			})
		}
		s.defs[sc.ID] = seq
		s.byTrigger[sc.Trigger] = append(s.byTrigger[sc.Trigger], seq)
	}
	return s, nil
}

func parseGuard(raw string) (func(storage.Subscriber) bool, error) {
	g := strings.TrimSpace(raw)
	switch {
	case g == "" || g == "always":
		return func(storage.Subscriber) bool { return true }, nil
	case g == "subscriber_active":
		return func(sub storage.Subscriber) bool { return sub.Status == "active" }, nil
	case strings.HasPrefix(g, "tier_is:"):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(g, "tier_is:")))
		if err != nil {
			return nil, fmt.Errorf("invalid guard %q", raw)
		}
		return func(sub storage.Subscriber) bool { return sub.Tier == n }, nil
	case strings.HasPrefix(g, "tier_at_least:"):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(g, "tier_at_least:")))
		if err != nil {
			return nil, fmt.Errorf("invalid guard %q", raw)
		}
		return func(sub storage.Subscriber) bool { return sub.Tier >= n }, nil
	default:
		return nil, fmt.Errorf("unknown guard %q", raw)
	}
}

// HandleSubscriberJoined upserts the subscriber and starts an instance of
// every sequence triggered by the join. Instance ids are deterministic
// (sequence + subscriber), so a re-delivered join event cannot start a
// duplicate or reset an existing instance.
func (s *Sequencer) HandleSubscriberJoined(ctx context.Context, sub storage.Subscriber, now time.Time) error {
	if sub.Status == "" {
		sub.Status = "active"
	}
	if sub.JoinedAt.IsZero() {
		sub.JoinedAt = now
	}
	if err := s.store.UpsertSubscriber(ctx, sub); err != nil {
		return err
	}
	for _, seq := range s.byTrigger[TriggerSubscriberJoined] {
		id := seq.id + ":" + sub.ID
		_, err := s.store.GetSequenceInstance(ctx, id)
		if err == nil {
			continue // already started (or finished) once
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		err = s.store.SaveSequenceInstance(ctx, storage.SequenceInstance{
			ID:         id,
			Subscriber: sub.ID,
			Sequence:   seq.id,
			StepCursor: 0,
			StartedAt:  sub.JoinedAt,
			Status:     "active",
		})
		if err != nil {
			return err
		}
		s.log.Info("sequence started",
			logx.String("sequence", seq.id), logx.String("subscriber", sub.ID))
	}
	return nil
}

// Tick evaluates every active instance once and dispatches due steps.
// It returns the number of messages actually sent.
func (s *Sequencer) Tick(ctx context.Context, now time.Time) (int, error) {
	if n, err := s.store.ReclaimStaleSending(ctx, now.Add(-staleClaimWindow)); err != nil {
		s.log.Warn("stale claim reclaim failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("stale dispatch claims reclaimed", logx.Int("count", n))
	}

	instances, err := s.store.LoadActiveSequenceInstances(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, si := range instances {
		n, err := s.processInstance(ctx, now, si)
		sent += n
		if err != nil {
			// Unit isolation: one subscriber's failure never stalls the rest.
			s.log.Warn("outreach instance failed",
				logx.String("instance", si.ID), logx.Err(err))
		}
	}
	return sent, nil
}

func (s *Sequencer) processInstance(ctx context.Context, now time.Time, si storage.SequenceInstance) (int, error) {
	lease := s.lease(si.Subscriber)
	lease.Lock()
	defer lease.Unlock()

	// Re-read under the lease; a concurrent tick may have advanced it.
	cur, err := s.store.GetSequenceInstance(ctx, si.ID)
	if err != nil {
		return 0, err
	}
	si = cur
	if si.Status != "active" {
		return 0, nil
	}

	seq, ok := s.defs[si.Sequence]
	if !ok {
		// Definition removed from config; the instance cannot make progress.
		return 0, s.terminate(ctx, si, "skipped", "sequence definition missing")
	}

	sent := 0
	for si.Status == "active" {
		if si.StepCursor >= len(seq.steps) {
			if err := s.terminate(ctx, si, "completed", ""); err != nil {
				return sent, err
			}
			break
		}
		st := seq.steps[si.StepCursor]
		dueAt := si.StartedAt.Add(st.offset)
		if now.Before(dueAt) {
			break
		}

		sub, err := s.store.GetSubscriber(ctx, si.Subscriber)
		if err != nil {
			return sent, err
		}

		if !st.guard(sub) {
			if st.maxWait > 0 && !now.Before(dueAt.Add(st.maxWait)) {
				return sent, s.terminate(ctx, si, "skipped",
					fmt.Sprintf("guard %q false past max wait", st.guardRaw))
			}
			// Deferred, not failed: the subscriber never sees an error.
			break
		}

		claimed, err := s.store.ClaimMessage(ctx, si.ID, si.StepCursor, dueAt, now)
		if err != nil {
			return sent, err
		}
		if !claimed {
			status, err := s.store.MessageStatus(ctx, si.ID, si.StepCursor)
			if err != nil {
				return sent, err
			}
			if status != storage.MessageSent {
				// Claimed elsewhere but not yet delivered. Leave the cursor
				// alone; the claim either resolves or goes stale and is
				// reclaimed, and then this step is retried.
				break
			}
			// Another tick already dispatched this step; just move past it.
			si.StepCursor++
			if err := s.store.SaveSequenceInstance(ctx, si); err != nil {
				return sent, err
			}
			continue
		}

		text, err := s.render(st, sub, now)
		if err != nil {
			// Rendering is deterministic; retrying cannot help. Skip the instance.
			_ = s.store.MarkMessageFailed(ctx, si.ID, si.StepCursor)
			return sent, s.terminate(ctx, si, "skipped", "template render failed: "+err.Error())
		}

		if err := s.messenger.Send(ctx, sub, text); err != nil {
			// Flip the claim back so the next tick retries this step.
			_ = s.store.MarkMessageFailed(ctx, si.ID, si.StepCursor)
			return sent, fmt.Errorf("send step %d: %w", si.StepCursor, err)
		}
		if err := s.store.MarkMessageSent(ctx, si.ID, si.StepCursor, now); err != nil {
			return sent, err
		}
		s.publish(eventbus.TypeOutreachSent, si, si.StepCursor, "")
		sent++

		si.StepCursor++
		if err := s.store.SaveSequenceInstance(ctx, si); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (s *Sequencer) terminate(ctx context.Context, si storage.SequenceInstance, status, reason string) error {
	si.Status = status
	if err := s.store.SaveSequenceInstance(ctx, si); err != nil {
		return err
	}
	if status == "skipped" {
		s.publish(eventbus.TypeOutreachSkip, si, si.StepCursor, reason)
		s.log.Info("sequence skipped",
			logx.String("instance", si.ID), logx.String("reason", reason))
	} else {
		s.log.Info("sequence completed", logx.String("instance", si.ID))
	}
	return nil
}

func (s *Sequencer) render(st step, sub storage.Subscriber, now time.Time) (string, error) {
	var buf bytes.Buffer
	data := templateData{
		Subscriber: sub,
		Persona:    s.personas[sub.Persona],
		Now:        now,
	}
	if err := st.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *Sequencer) publish(typ string, si storage.SequenceInstance, stepIdx int, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.OutreachEvent{
		Subscriber: si.Subscriber,
		Sequence:   si.Sequence,
		Instance:   si.ID,
		Step:       stepIdx,
		Reason:     reason,
	}})
}

func (s *Sequencer) lease(subscriber string) *sync.Mutex {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	m, ok := s.leases[subscriber]
	if !ok {
		m = &sync.Mutex{}
		s.leases[subscriber] = m
	}
	return m
}
