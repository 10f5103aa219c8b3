package config

// Config is the full startup configuration.
//
// Domain tables (Pools, Personas, Tiers, Slots, Sequences) are immutable for
// the lifetime of a run; changing them requires a restart. Runtime sections
// (Logging, Alerts) may be re-applied through the watcher's reload point.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "72h").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Alerts     AlertsConfig     `json:"alerts,omitempty"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Rotation   RotationConfig   `json:"rotation,omitempty"`

	Pools     []PoolConfig     `json:"pools"`
	Personas  []PersonaConfig  `json:"personas"`
	Tiers     []TierConfig     `json:"tiers"`
	Slots     []SlotConfig     `json:"slots"`
	Sequences []SequenceConfig `json:"sequences,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file (default for production)
//   - "memory": in-process store (tests, throwaway runs)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AlertsConfig controls the async operator alert pipeline.
//
// If the whole section is omitted, alerts default to enabled with log-only
// delivery.
type AlertsConfig struct {
	Enabled       *bool                `json:"enabled,omitempty"`
	Workers       int                  `json:"workers,omitempty"`
	QueueSize     int                  `json:"queue_size,omitempty"`
	RatePerSec    int                  `json:"rate_per_sec,omitempty"`
	RetryMax      int                  `json:"retry_max,omitempty"`
	RetryBase     string               `json:"retry_base,omitempty"`
	RetryMaxDelay string               `json:"retry_max_delay,omitempty"`
	DedupWindow   string               `json:"dedup_window,omitempty"`
	Telegram      TelegramAlertsConfig `json:"telegram,omitempty"`
}

// TelegramAlertsConfig enables the Telegram alert sink and, when subscribers
// use the "telegram" channel, outreach delivery.
type TelegramAlertsConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// DispatcherConfig controls the tick loop and per-unit execution.
//
// Defaults (when fields are omitted/zero):
//   - tick_every: "1m"
//   - workers: 4
//   - production_timeout: "2m"
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - retry_jitter: 0.2
type DispatcherConfig struct {
	TickEvery         string  `json:"tick_every,omitempty"`
	Workers           int     `json:"workers,omitempty"`
	ProductionTimeout string  `json:"production_timeout,omitempty"`
	RetryMax          int     `json:"retry_max,omitempty"`
	RetryBase         string  `json:"retry_base,omitempty"`
	RetryMaxDelay     string  `json:"retry_max_delay,omitempty"`
	RetryJitter       float64 `json:"retry_jitter,omitempty"`
	Timezone          string  `json:"timezone,omitempty"`
}

// RotationConfig tunes fairness weighting.
type RotationConfig struct {
	// FairnessWindowDays is the N in base_weight / (1 + uses_in_last_N_days).
	FairnessWindowDays int `json:"fairness_window_days,omitempty"` // default 7
}

// PoolConfig describes one budget pool (generation credits, proxy
// bandwidth, compute minutes, ...). Capacities are integral units of
// whatever the pool measures.
type PoolConfig struct {
	ID              string  `json:"id"`
	CapacityDaily   int64   `json:"capacity_daily"`
	CapacityMonthly int64   `json:"capacity_monthly"`
	RolloverCeiling int64   `json:"rollover_ceiling,omitempty"`
	WarnPct         float64 `json:"warn_pct,omitempty"`     // default 0.80
	CriticalPct     float64 `json:"critical_pct,omitempty"` // default 0.95
}

type PersonaConfig struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	BaseStyle   string `json:"base_style,omitempty"`
	BaseWeight  int    `json:"base_weight,omitempty"` // default 100
	// Tiers the persona may ever occupy; empty means the whole ladder.
	Tiers []int `json:"tiers,omitempty"`
}

// TierConfig is one rung of the content-intensity ladder.
//
// Index 0 is the entry tier: its Milestone/MinDwellDays are ignored.
// For index i > 0, a persona advances from i-1 only when both the milestone
// and the dwell requirement are met.
type TierConfig struct {
	Index        int      `json:"index"`
	Label        string   `json:"label"`
	Milestone    int64    `json:"milestone,omitempty"`
	MinDwellDays int      `json:"min_dwell_days,omitempty"`
	Channels     []string `json:"channels"`
	Backend      string   `json:"backend"`
	Pool         string   `json:"pool"`
	Cost         int64    `json:"cost"`
	// Essential slots on this tier still run under the CRITICAL budget
	// fallback policy; non-essential ones are skipped.
	Essential bool `json:"essential,omitempty"`
}

// SlotConfig is a recurring publishing window.
//
// At is "HH:MM" in the dispatcher timezone. Weekdays, if set, limits the
// slot to those days ("mon".."sun"); empty means daily.
type SlotConfig struct {
	ID       string   `json:"id"`
	At       string   `json:"at"`
	Weekdays []string `json:"weekdays,omitempty"`
	Channel  string   `json:"channel"`
}

// SequenceConfig is an ordered outreach template chain.
//
// Trigger names the subscriber event that starts an instance
// (currently "subscriber.joined").
type SequenceConfig struct {
	ID      string               `json:"id"`
	Trigger string               `json:"trigger"`
	Steps   []SequenceStepConfig `json:"steps"`
}

// SequenceStepConfig is one step of a sequence.
//
// Offset is relative to the triggering event. Guard is one of:
// "always", "subscriber_active", "tier_is:<n>", "tier_at_least:<n>".
// MaxWait bounds how long a false guard defers the step before the whole
// instance is skipped; empty means wait forever.
type SequenceStepConfig struct {
	Offset   string `json:"offset"`
	Guard    string `json:"guard,omitempty"`
	Template string `json:"template"`
	MaxWait  string `json:"max_wait,omitempty"`
}
