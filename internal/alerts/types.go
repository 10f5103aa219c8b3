package alerts

import "time"

// Severity orders operator alerts; sinks may use it for formatting.
type Severity int

const (
	SevInfo Severity = iota
	SevWarn
	SevCritical
)

func (s Severity) String() string {
	switch s {
	case SevWarn:
		return "warn"
	case SevCritical:
		return "critical"
	default:
		return "info"
	}
}

// Alert is one operator-facing notification. Key, when non-empty, is the
// dedup identity: identical keys inside the dedup window collapse to one
// delivery.
type Alert struct {
	Severity Severity
	Title    string
	Body     string
	Key      string
	At       time.Time
}

// Config mirrors config.AlertsConfig with parsed durations and defaults
// applied.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
}

// HistoryItem is one delivered alert kept for the status surface.
type HistoryItem struct {
	At   time.Time
	Text string
}
