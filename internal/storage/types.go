package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// LedgerEntry is one append-only budget ledger row.
// Kind is one of "reserve", "commit", "release", "credit".
type LedgerEntry struct {
	At        time.Time
	Pool      string
	Amount    int64
	Kind      string
	Reference string
}

// PoolSnapshot is the current-balance row for one pool.
// DayKey/MonthKey are "2006-01-02" / "2006-01" in the dispatcher timezone.
type PoolSnapshot struct {
	Pool          string
	ConsumedToday int64
	ConsumedMonth int64
	Rollover      int64
	DayKey        string
	MonthKey      string
	UpdatedAt     time.Time
}

// LedgerTotals is the audit view over the append-only ledger.
type LedgerTotals struct {
	Committed int64
	Released  int64
	Credited  int64
}

// PersonaState is the persisted escalation state for one persona.
type PersonaState struct {
	Persona           string
	CurrentTier       int
	TierEnteredAt     time.Time
	MilestoneSnapshot int64
	UpdatedAt         time.Time
}

// Assignment is one slot assignment and, once known, its outcome.
// Date is "2006-01-02" in the dispatcher timezone.
type Assignment struct {
	Date     string
	SlotID   string
	Persona  string
	Assigned time.Time
	Outcome  string // "", "success", "failure"
}

// Subscriber mirrors the platform-side audience member.
// Status is "active" or "inactive".
type Subscriber struct {
	ID           string
	Channel      string
	ChatID       int64 // telegram delivery target (0 if n/a)
	Persona      string
	Tier         int
	Status       string
	JoinedAt     time.Time
	LastActivity time.Time
}

// SequenceInstance is one subscriber's progress through a sequence.
// Status is "active", "completed" or "skipped".
type SequenceInstance struct {
	ID         string
	Subscriber string
	Sequence   string
	StepCursor int
	StartedAt  time.Time
	Status     string
	UpdatedAt  time.Time
}

// Message claim statuses. A row is created at claim time; the unique
// (instance, step) key is what makes dispatch at-most-once.
const (
	MessageSending = "sending"
	MessagePending = "pending"
	MessageSent    = "sent"
)

// AuditEntry records an operator or platform-injected action.
type AuditEntry struct {
	At     time.Time
	Actor  string
	Action string
	Target string
	Detail string
}

// Store is the persistence API used by the orchestration core.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Ledger.
	AppendLedger(ctx context.Context, e LedgerEntry) error
	SavePoolSnapshot(ctx context.Context, s PoolSnapshot) error
	LoadPoolSnapshots(ctx context.Context) ([]PoolSnapshot, error)
	SumLedger(ctx context.Context, pool string) (LedgerTotals, error)

	// Escalation.
	SavePersonaState(ctx context.Context, s PersonaState) error
	LoadPersonaStates(ctx context.Context) ([]PersonaState, error)

	// Rotation.
	RecordAssignment(ctx context.Context, a Assignment) error
	RecordOutcome(ctx context.Context, date, slotID, persona, outcome string) error
	AssignmentFor(ctx context.Context, date, slotID string) (Assignment, error)
	CountAssignments(ctx context.Context, persona string, since time.Time) (int, error)

	// Outreach.
	UpsertSubscriber(ctx context.Context, s Subscriber) error
	GetSubscriber(ctx context.Context, id string) (Subscriber, error)
	SaveSequenceInstance(ctx context.Context, si SequenceInstance) error
	GetSequenceInstance(ctx context.Context, id string) (SequenceInstance, error)
	LoadActiveSequenceInstances(ctx context.Context) ([]SequenceInstance, error)
	// ClaimMessage inserts the unique (instance, step) row in the "sending"
	// state, or takes over an existing row that failed back to "pending".
	// It reports whether this caller owns the dispatch.
	ClaimMessage(ctx context.Context, instanceID string, step int, sendAt, claimedAt time.Time) (bool, error)
	// MessageStatus reports the claim row's status, or ErrNotFound when the
	// step has never been claimed.
	MessageStatus(ctx context.Context, instanceID string, step int) (string, error)
	MarkMessageSent(ctx context.Context, instanceID string, step int, at time.Time) error
	MarkMessageFailed(ctx context.Context, instanceID string, step int) error
	// ReclaimStaleSending flips "sending" rows claimed before the cutoff
	// back to "pending", so a dispatch orphaned by a crash between claim
	// and send is retried instead of lost.
	ReclaimStaleSending(ctx context.Context, before time.Time) (int, error)

	// Audit.
	AppendAudit(ctx context.Context, e AuditEntry) error

	Close() error
}
