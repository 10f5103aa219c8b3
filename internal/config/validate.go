package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate checks cross-field consistency of the whole config.
// It is called by the loader and by the watcher before publishing a reload.
func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("pools: at least one pool is required")
	}
	pools := map[string]bool{}
	for i, p := range c.Pools {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("pools[%d]: id is required", i)
		}
		if pools[p.ID] {
			return fmt.Errorf("pools[%d]: duplicate id %q", i, p.ID)
		}
		pools[p.ID] = true
		if p.CapacityDaily <= 0 {
			return fmt.Errorf("pool %q: capacity_daily must be > 0", p.ID)
		}
		if p.CapacityMonthly <= 0 {
			return fmt.Errorf("pool %q: capacity_monthly must be > 0", p.ID)
		}
		if p.RolloverCeiling < 0 {
			return fmt.Errorf("pool %q: rollover_ceiling must be >= 0", p.ID)
		}
		warn := p.WarnPct
		if warn == 0 {
			warn = 0.80
		}
		crit := p.CriticalPct
		if crit == 0 {
			crit = 0.95
		}
		if warn <= 0 || warn >= 1 || crit <= 0 || crit > 1 || warn >= crit {
			return fmt.Errorf("pool %q: thresholds must satisfy 0 < warn < critical <= 1", p.ID)
		}
	}

	if len(c.Tiers) == 0 {
		return fmt.Errorf("tiers: the intensity ladder is required")
	}
	lastMilestone := int64(-1)
	for i, t := range c.Tiers {
		if t.Index != i {
			return fmt.Errorf("tiers[%d]: index must be contiguous from 0 (got %d)", i, t.Index)
		}
		if strings.TrimSpace(t.Label) == "" {
			return fmt.Errorf("tiers[%d]: label is required", i)
		}
		if i > 0 {
			if t.Milestone <= lastMilestone {
				return fmt.Errorf("tier %q: milestone must increase along the ladder", t.Label)
			}
			if t.MinDwellDays < 0 {
				return fmt.Errorf("tier %q: min_dwell_days must be >= 0", t.Label)
			}
		}
		lastMilestone = t.Milestone
		if len(t.Channels) == 0 {
			return fmt.Errorf("tier %q: at least one eligible channel is required", t.Label)
		}
		if strings.TrimSpace(t.Backend) == "" {
			return fmt.Errorf("tier %q: backend reference is required", t.Label)
		}
		if !pools[t.Pool] {
			return fmt.Errorf("tier %q: unknown pool %q", t.Label, t.Pool)
		}
		if t.Cost <= 0 {
			return fmt.Errorf("tier %q: cost must be > 0", t.Label)
		}
	}

	if len(c.Personas) == 0 {
		return fmt.Errorf("personas: at least one persona is required")
	}
	personas := map[string]bool{}
	for i, p := range c.Personas {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("personas[%d]: id is required", i)
		}
		if personas[p.ID] {
			return fmt.Errorf("personas[%d]: duplicate id %q", i, p.ID)
		}
		personas[p.ID] = true
		if p.BaseWeight < 0 {
			return fmt.Errorf("persona %q: base_weight must be >= 0", p.ID)
		}
		for _, ti := range p.Tiers {
			if ti < 0 || ti >= len(c.Tiers) {
				return fmt.Errorf("persona %q: tier %d is outside the ladder", p.ID, ti)
			}
		}
	}

	slots := map[string]bool{}
	for i, s := range c.Slots {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("slots[%d]: id is required", i)
		}
		if slots[s.ID] {
			return fmt.Errorf("slots[%d]: duplicate id %q", i, s.ID)
		}
		slots[s.ID] = true
		if _, _, err := ParseHHMM(s.At); err != nil {
			return fmt.Errorf("slot %q: %w", s.ID, err)
		}
		for _, wd := range s.Weekdays {
			if _, err := ParseWeekday(wd); err != nil {
				return fmt.Errorf("slot %q: %w", s.ID, err)
			}
		}
		if strings.TrimSpace(s.Channel) == "" {
			return fmt.Errorf("slot %q: channel is required", s.ID)
		}
	}

	seqs := map[string]bool{}
	for i, sq := range c.Sequences {
		if strings.TrimSpace(sq.ID) == "" {
			return fmt.Errorf("sequences[%d]: id is required", i)
		}
		if seqs[sq.ID] {
			return fmt.Errorf("sequences[%d]: duplicate id %q", i, sq.ID)
		}
		seqs[sq.ID] = true
		if strings.TrimSpace(sq.Trigger) == "" {
			return fmt.Errorf("sequence %q: trigger is required", sq.ID)
		}
		if len(sq.Steps) == 0 {
			return fmt.Errorf("sequence %q: at least one step is required", sq.ID)
		}
		var prev time.Duration = -1
		for j, st := range sq.Steps {
			off, err := ParseDurationField(fmt.Sprintf("sequence %q steps[%d].offset", sq.ID, j), st.Offset)
			if err != nil {
				return err
			}
			if off < prev {
				return fmt.Errorf("sequence %q: step offsets must be non-decreasing", sq.ID)
			}
			prev = off
			if err := ValidateGuard(st.Guard); err != nil {
				return fmt.Errorf("sequence %q steps[%d]: %w", sq.ID, j, err)
			}
			if strings.TrimSpace(st.Template) == "" {
				return fmt.Errorf("sequence %q steps[%d]: template is required", sq.ID, j)
			}
			if _, err := ParseDurationField(fmt.Sprintf("sequence %q steps[%d].max_wait", sq.ID, j), st.MaxWait); err != nil {
				return err
			}
		}
	}

	return nil
}

// ValidateGuard checks a sequence-step guard expression.
func ValidateGuard(guard string) error {
	g := strings.TrimSpace(guard)
	switch {
	case g == "" || g == "always" || g == "subscriber_active":
		return nil
	case strings.HasPrefix(g, "tier_is:"), strings.HasPrefix(g, "tier_at_least:"):
		_, arg, _ := strings.Cut(g, ":")
		if _, err := strconv.Atoi(strings.TrimSpace(arg)); err != nil {
			return fmt.Errorf("invalid guard %q: tier argument must be an integer", guard)
		}
		return nil
	default:
		return fmt.Errorf("unknown guard %q", guard)
	}
}

// ParseHHMM parses a "HH:MM" wall-clock string.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// ParseWeekday maps "mon".."sun" (or full names) to time.Weekday.
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
}
