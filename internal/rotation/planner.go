// Package rotation assigns personas to recurring publishing slots.
// Assignment is deterministic: identical history and date always produce
// the identical persona.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
	"github.com/villenero912/waifugen-system-sub000/internal/eventbus"
	"github.com/villenero912/waifugen-system-sub000/internal/storage"
	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

// ErrNoEligible means a due slot had no persona to assign. The slot is left
// explicitly unassigned; the caller must not default to an arbitrary persona.
var ErrNoEligible = errors.New("rotation: no eligible persona for slot")

const dateFormat = "2006-01-02"

// Occurrence is one concrete firing of a slot.
type Occurrence struct {
	SlotID  string
	Channel string
	At      time.Time
}

type slotDef struct {
	id       string
	channel  string
	schedule cron.Schedule
}

type Planner struct {
	slots       []slotDef
	baseWeights map[string]int
	windowDays  int
	loc         *time.Location

	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg *config.Config, loc *time.Location, store storage.Store, bus eventbus.Bus, log logx.Logger) (*Planner, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	window := cfg.Rotation.FairnessWindowDays
	if window <= 0 {
		window = 7
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	p := &Planner{
		baseWeights: map[string]int{},
		windowDays:  window,
		loc:         loc,
		store:       store,
		bus:         bus,
		log:         log,
	}
	for _, pc := range cfg.Personas {
		w := pc.BaseWeight
		if w <= 0 {
			w = 100
		}
		p.baseWeights[pc.ID] = w
	}

	for _, s := range cfg.Slots {
		spec, err := cronSpec(s)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", s.ID, err)
		}
		sched, err := parser.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", s.ID, err)
		}
		p.slots = append(p.slots, slotDef{id: s.ID, channel: s.Channel, schedule: sched})
	}
	return p, nil
}

// cronSpec renders the slot pattern as a standard 5-field cron spec.
func cronSpec(s config.SlotConfig) (string, error) {
	h, m, err := config.ParseHHMM(s.At)
	if err != nil {
		return "", err
	}
	dow := "*"
	if len(s.Weekdays) > 0 {
		var days []string
		for _, wd := range s.Weekdays {
			d, err := config.ParseWeekday(wd)
			if err != nil {
				return "", err
			}
			days = append(days, fmt.Sprintf("%d", int(d)))
		}
		dow = strings.Join(days, ",")
	}
	return fmt.Sprintf("%d %d * * %s", m, h, dow), nil
}

// Due returns slot occurrences in the half-open window (from, to].
func (p *Planner) Due(from, to time.Time) []Occurrence {
	var out []Occurrence
	for _, s := range p.slots {
		at := s.schedule.Next(from.In(p.loc))
		for !at.IsZero() && !at.After(to.In(p.loc)) {
			out = append(out, Occurrence{SlotID: s.id, Channel: s.channel, At: at})
			at = s.schedule.Next(at)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].SlotID < out[j].SlotID
	})
	return out
}

// Assign picks a persona for a slot occurrence from the eligible set.
//
// Weight is base_weight / (1 + uses_in_last_N_days); the persona used in the
// same slot yesterday is excluded while more than one candidate exists;
// ties break on the lexicographically smallest persona id.
func (p *Planner) Assign(ctx context.Context, date time.Time, slotID string, eligible []string) (string, error) {
	date = date.In(p.loc)
	candidates := append([]string(nil), eligible...)
	sort.Strings(candidates)

	if len(candidates) > 1 && p.store != nil {
		yesterday := date.AddDate(0, 0, -1).Format(dateFormat)
		prev, err := p.store.AssignmentFor(ctx, yesterday, slotID)
		if err == nil && prev.Persona != "" {
			kept := candidates[:0]
			for _, c := range candidates {
				if c != prev.Persona {
					kept = append(kept, c)
				}
			}
			candidates = kept
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}

	if len(candidates) == 0 {
		p.emitGap(slotID, date)
		return "", ErrNoEligible
	}

	since := date.AddDate(0, 0, -p.windowDays)
	best := ""
	bestWeight := -1.0
	for _, c := range candidates {
		uses := 0
		if p.store != nil {
			n, err := p.store.CountAssignments(ctx, c, since)
			if err != nil {
				return "", err
			}
			uses = n
		}
		w := float64(p.baseWeights[c]) / float64(1+uses)
		// Candidates are sorted, so a strict > keeps the smallest id on ties.
		if w > bestWeight {
			best = c
			bestWeight = w
		}
	}

	if p.store != nil {
		err := p.store.RecordAssignment(ctx, storage.Assignment{
			Date:     date.Format(dateFormat),
			SlotID:   slotID,
			Persona:  best,
			Assigned: date,
		})
		if err != nil {
			return "", err
		}
	}
	p.log.Debug("slot assigned",
		logx.String("slot", slotID), logx.String("persona", best), logx.Float64("weight", bestWeight))
	return best, nil
}

// RecordOutcome stores the production result for an assignment.
func (p *Planner) RecordOutcome(ctx context.Context, date time.Time, slotID, persona string, success bool) error {
	if p.store == nil {
		return nil
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	return p.store.RecordOutcome(ctx, date.In(p.loc).Format(dateFormat), slotID, persona, outcome)
}

// Channel returns the configured channel of a slot.
func (p *Planner) Channel(slotID string) (string, bool) {
	for _, s := range p.slots {
		if s.id == slotID {
			return s.channel, true
		}
	}
	return "", false
}

func (p *Planner) emitGap(slotID string, date time.Time) {
	channel, _ := p.Channel(slotID)
	p.log.Warn("scheduling gap: slot left unassigned",
		logx.String("slot", slotID), logx.String("channel", channel))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulingGap, Time: date, Data: eventbus.SchedulingGap{
			SlotID:  slotID,
			Channel: channel,
			Date:    date.Format(dateFormat),
			At:      date,
		}})
	}
}
