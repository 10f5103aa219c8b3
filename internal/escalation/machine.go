// Package escalation tracks each persona's position on the content-intensity
// ladder. Transitions are forward-only and evaluated once per dispatcher
// tick; demotion happens only through an explicit external injection.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
	"github.com/villenero912/waifugen-system-sub000/internal/eventbus"
	"github.com/villenero912/waifugen-system-sub000/internal/storage"
	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

var ErrUnknownPersona = errors.New("escalation: unknown persona")

// ComplianceError is the hard reject for a channel/tier mismatch.
// It is never auto-rerouted.
type ComplianceError struct {
	Persona string
	Tier    int
	Channel string
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("channel %q is not eligible at tier %d for persona %q",
		e.Channel, e.Tier, e.Persona)
}

// Transition describes one applied tier change.
type Transition struct {
	Persona  string
	OldTier  int
	NewTier  int
	Demotion bool
	At       time.Time
}

// personaState is the in-memory ladder position of one persona.
type personaState struct {
	persona       string
	tier          int
	enteredAt     time.Time
	lastMilestone int64
	eligible      map[int]bool // nil means the whole ladder
}

type Machine struct {
	mu sync.Mutex

	tiers []config.TierConfig
	state map[string]*personaState

	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg *config.Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Machine {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Machine{
		tiers: cfg.Tiers,
		state: map[string]*personaState{},
		store: store,
		bus:   bus,
		log:   log,
	}
	for _, p := range cfg.Personas {
		var eligible map[int]bool
		if len(p.Tiers) > 0 {
			eligible = make(map[int]bool, len(p.Tiers))
			for _, t := range p.Tiers {
				eligible[t] = true
			}
		}
		m.state[p.ID] = &personaState{persona: p.ID, eligible: eligible}
	}
	return m
}

// Restore reloads persisted tier state. Personas with no persisted row start
// at tier 0 with entered_at set on first activation (first EvaluateAll).
func (m *Machine) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	states, err := m.store.LoadPersonaStates(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		st, ok := m.state[s.Persona]
		if !ok {
			m.log.Warn("escalation: state for unconfigured persona ignored", logx.String("persona", s.Persona))
			continue
		}
		st.tier = s.CurrentTier
		st.enteredAt = s.TierEnteredAt
		st.lastMilestone = s.MilestoneSnapshot
	}
	return nil
}

// EvaluateAll advances personas whose next tier's milestone AND dwell
// requirement both hold. At most one step per persona per call; evaluation
// is tick-driven, not continuous, so noisy follower counts cannot thrash.
func (m *Machine) EvaluateAll(ctx context.Context, now time.Time, followers map[string]int64) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.state))
	for id := range m.state {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Transition
	for _, id := range ids {
		st := m.state[id]
		if st.enteredAt.IsZero() {
			// First activation.
			st.enteredAt = now
			m.persistLocked(ctx, st)
		}
		count, ok := followers[id]
		if ok {
			st.lastMilestone = count
		}

		next := st.tier + 1
		if next >= len(m.tiers) {
			continue
		}
		if st.eligible != nil && !st.eligible[next] {
			continue
		}
		nt := m.tiers[next]
		milestoneMet := st.lastMilestone >= nt.Milestone
		dwell := now.Sub(st.enteredAt)
		dwellMet := dwell >= time.Duration(nt.MinDwellDays)*24*time.Hour
		if !milestoneMet || !dwellMet {
			continue
		}

		tr := Transition{Persona: id, OldTier: st.tier, NewTier: next, At: now}
		st.tier = next
		st.enteredAt = now
		m.persistLocked(ctx, st)
		m.publish(tr, "")
		m.log.Info("tier advanced",
			logx.String("persona", id), logx.Int("from", tr.OldTier), logx.Int("to", tr.NewTier),
			logx.Int64("followers", st.lastMilestone))
		out = append(out, tr)
	}
	return out
}

// Demote resets a persona to tier 0 in response to an external event
// (e.g. a platform enforcement action). Dwell accounting restarts so the
// persona must fully re-qualify.
func (m *Machine) Demote(ctx context.Context, persona, actor, reason string, now time.Time) (Transition, error) {
	m.mu.Lock()
	st, ok := m.state[persona]
	if !ok {
		m.mu.Unlock()
		return Transition{}, ErrUnknownPersona
	}
	tr := Transition{Persona: persona, OldTier: st.tier, NewTier: 0, Demotion: true, At: now}
	st.tier = 0
	st.enteredAt = now
	m.persistLocked(ctx, st)
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.AppendAudit(ctx, storage.AuditEntry{
			At: now, Actor: actor, Action: "demote", Target: persona, Detail: reason,
		})
	}
	m.publish(tr, reason)
	m.log.Warn("persona demoted",
		logx.String("persona", persona), logx.Int("from", tr.OldTier), logx.String("reason", reason))
	return tr, nil
}

// ForceTier applies an audit-logged admin override to an arbitrary tier.
func (m *Machine) ForceTier(ctx context.Context, persona, actor string, tier int, reason string, now time.Time) (Transition, error) {
	if tier < 0 || tier >= len(m.tiers) {
		return Transition{}, fmt.Errorf("escalation: tier %d is outside the ladder", tier)
	}
	m.mu.Lock()
	st, ok := m.state[persona]
	if !ok {
		m.mu.Unlock()
		return Transition{}, ErrUnknownPersona
	}
	tr := Transition{Persona: persona, OldTier: st.tier, NewTier: tier, Demotion: tier < st.tier, At: now}
	st.tier = tier
	st.enteredAt = now
	m.persistLocked(ctx, st)
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.AppendAudit(ctx, storage.AuditEntry{
			At: now, Actor: actor, Action: "force-tier",
			Target: persona, Detail: fmt.Sprintf("tier %d -> %d: %s", tr.OldTier, tier, reason),
		})
	}
	m.publish(tr, reason)
	return tr, nil
}

// CheckChannel verifies the channel is eligible at the persona's current
// tier. A mismatch is a hard reject.
func (m *Machine) CheckChannel(persona, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[persona]
	if !ok {
		return ErrUnknownPersona
	}
	for _, c := range m.tiers[st.tier].Channels {
		if c == channel {
			return nil
		}
	}
	return &ComplianceError{Persona: persona, Tier: st.tier, Channel: channel}
}

// TierOf returns the persona's current tier index.
func (m *Machine) TierOf(persona string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[persona]
	if !ok {
		return 0, ErrUnknownPersona
	}
	return st.tier, nil
}

// Tier returns the ladder rung at the given index.
func (m *Machine) Tier(index int) (config.TierConfig, bool) {
	if index < 0 || index >= len(m.tiers) {
		return config.TierConfig{}, false
	}
	return m.tiers[index], true
}

// EligibleForChannel lists personas whose current tier allows the channel,
// sorted by id. The rotation planner uses this as its candidate set.
func (m *Machine) EligibleForChannel(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, st := range m.state {
		for _, c := range m.tiers[st.tier].Channels {
			if c == channel {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the persisted-shape view of all persona states, sorted
// by persona id.
func (m *Machine) Snapshot() []storage.PersonaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.PersonaState, 0, len(m.state))
	for _, st := range m.state {
		out = append(out, storage.PersonaState{
			Persona:           st.persona,
			CurrentTier:       st.tier,
			TierEnteredAt:     st.enteredAt,
			MilestoneSnapshot: st.lastMilestone,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Persona < out[j].Persona })
	return out
}

func (m *Machine) persistLocked(ctx context.Context, st *personaState) {
	if m.store == nil {
		return
	}
	err := m.store.SavePersonaState(ctx, storage.PersonaState{
		Persona:           st.persona,
		CurrentTier:       st.tier,
		TierEnteredAt:     st.enteredAt,
		MilestoneSnapshot: st.lastMilestone,
	})
	if err != nil {
		m.log.Warn("escalation: persist failed", logx.String("persona", st.persona), logx.Err(err))
	}
}

func (m *Machine) publish(tr Transition, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeTierChanged, Time: tr.At, Data: eventbus.TierChanged{
		Persona:  tr.Persona,
		OldTier:  tr.OldTier,
		NewTier:  tr.NewTier,
		Demotion: tr.Demotion,
		Reason:   reason,
		At:       tr.At,
	}})
}
