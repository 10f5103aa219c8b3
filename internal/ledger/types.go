package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownPool = errors.New("ledger: unknown pool")
	// ErrReservationSettled is returned when a reservation is committed or
	// released twice.
	ErrReservationSettled = errors.New("ledger: reservation already settled")
)

// InsufficientBudgetError is the typed fail-closed result of Reserve.
// It is a soft error: callers skip the unit of work and alert, never crash.
type InsufficientBudgetError struct {
	Pool      string
	Requested int64
	Available int64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget in pool %q: requested %d, available %d",
		e.Pool, e.Requested, e.Available)
}

// AlertLevel is the edge-triggered budget alert state of a pool.
type AlertLevel int

const (
	LevelOK AlertLevel = iota
	LevelWarn
	LevelCritical
)

func (l AlertLevel) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelCritical:
		return "critical"
	default:
		return "ok"
	}
}

// Reservation is a provisional hold on a pool. It is settled exactly once,
// by Commit or Release.
type Reservation struct {
	ID        string
	Pool      string
	Amount    int64
	Reference string
	At        time.Time
}

// PoolStatus is the point-in-time budget view of one pool.
type PoolStatus struct {
	Pool             string
	DailyRemaining   int64
	MonthlyRemaining int64
	PctUsed          float64
	Rollover         int64
	Held             int64
	Level            AlertLevel
}
