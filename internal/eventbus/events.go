package eventbus

import "time"

// Event types published by the orchestration core.
//
// Payload types below are the Data carried by each event. Keep them small;
// the alerts service serializes some of them into operator messages.
const (
	TypeBudgetWarn     = "budget.warn"
	TypeBudgetCritical = "budget.critical"
	TypeTierChanged    = "tier.changed"
	TypeSchedulingGap  = "slot.gap"
	TypeSlotProduced   = "slot.produced"
	TypeSlotFailed     = "slot.failed"
	TypeOutreachSent   = "outreach.sent"
	TypeOutreachSkip   = "outreach.skipped"
	TypeTickCompleted  = "tick.completed"
	TypeTickSkipped    = "tick.skipped"
)

// BudgetAlert is the payload for budget.warn and budget.critical.
type BudgetAlert struct {
	Pool     string  `json:"pool"`
	PctUsed  float64 `json:"pct_used"`
	Daily    int64   `json:"daily_remaining"`
	Monthly  int64   `json:"monthly_remaining"`
	Critical bool    `json:"critical"`
}

// TierChanged is the payload for tier.changed (promotions and demotions).
type TierChanged struct {
	Persona  string    `json:"persona"`
	OldTier  int       `json:"old_tier"`
	NewTier  int       `json:"new_tier"`
	Demotion bool      `json:"demotion,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// SchedulingGap is the payload for slot.gap: a due slot with no eligible persona.
type SchedulingGap struct {
	SlotID  string    `json:"slot_id"`
	Channel string    `json:"channel"`
	Date    string    `json:"date"`
	At      time.Time `json:"at"`
}

// SlotOutcome is the payload for slot.produced and slot.failed.
type SlotOutcome struct {
	SlotID   string `json:"slot_id"`
	Persona  string `json:"persona"`
	Channel  string `json:"channel"`
	Tier     int    `json:"tier"`
	Artifact string `json:"artifact,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// OutreachEvent is the payload for outreach.sent and outreach.skipped.
type OutreachEvent struct {
	Subscriber string `json:"subscriber"`
	Sequence   string `json:"sequence"`
	Instance   string `json:"instance"`
	Step       int    `json:"step"`
	Reason     string `json:"reason,omitempty"`
}

// TickStats is the payload for tick.completed.
type TickStats struct {
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	SlotsDue    int           `json:"slots_due"`
	Produced    int           `json:"produced"`
	Gaps        int           `json:"gaps"`
	Transitions int           `json:"transitions"`
	Dispatched  int           `json:"dispatched"`
	Errors      int           `json:"errors"`
}
