package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs tests and throwaway runs and
// mirrors the sqlite driver's semantics, including the unique-claim
// behavior of ClaimMessage.
type Memory struct {
	mu sync.Mutex

	ledger      []LedgerEntry
	snapshots   map[string]PoolSnapshot
	personas    map[string]PersonaState
	assignments map[string]Assignment // key: date|slot
	subscribers map[string]Subscriber
	instances   map[string]SequenceInstance
	messages    map[string]*memMessage // key: instance|step
	audit       []AuditEntry
}

type memMessage struct {
	sendAt    time.Time
	claimedAt time.Time
	sentAt    time.Time
	status    string
}

func NewMemory() *Memory {
	return &Memory{
		snapshots:   map[string]PoolSnapshot{},
		personas:    map[string]PersonaState{},
		assignments: map[string]Assignment{},
		subscribers: map[string]Subscriber{},
		instances:   map[string]SequenceInstance{},
		messages:    map[string]*memMessage{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) AppendLedger(_ context.Context, e LedgerEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.ledger = append(m.ledger, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SavePoolSnapshot(_ context.Context, s PoolSnapshot) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.snapshots[s.Pool] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadPoolSnapshots(_ context.Context) ([]PoolSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PoolSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) SumLedger(_ context.Context, pool string) (LedgerTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t LedgerTotals
	for _, e := range m.ledger {
		if e.Pool != pool {
			continue
		}
		switch e.Kind {
		case "commit":
			t.Committed += e.Amount
		case "release":
			t.Released += e.Amount
		case "credit":
			t.Credited += e.Amount
		}
	}
	return t, nil
}

func (m *Memory) SavePersonaState(_ context.Context, s PersonaState) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.personas[s.Persona] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadPersonaStates(_ context.Context) ([]PersonaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PersonaState, 0, len(m.personas))
	for _, s := range m.personas {
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) RecordAssignment(_ context.Context, a Assignment) error {
	if a.Assigned.IsZero() {
		a.Assigned = time.Now()
	}
	m.mu.Lock()
	m.assignments[a.Date+"|"+a.SlotID] = a
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordOutcome(_ context.Context, date, slotID, persona, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := date + "|" + slotID
	if a, ok := m.assignments[key]; ok && a.Persona == persona {
		a.Outcome = outcome
		m.assignments[key] = a
	}
	return nil
}

func (m *Memory) AssignmentFor(_ context.Context, date, slotID string) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[date+"|"+slotID]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) CountAssignments(_ context.Context, persona string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.assignments {
		if a.Persona == persona && !a.Assigned.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertSubscriber(_ context.Context, s Subscriber) error {
	m.mu.Lock()
	m.subscribers[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetSubscriber(_ context.Context, id string) (Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return Subscriber{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) SaveSequenceInstance(_ context.Context, si SequenceInstance) error {
	if si.UpdatedAt.IsZero() {
		si.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.instances[si.ID] = si
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetSequenceInstance(_ context.Context, id string) (SequenceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	si, ok := m.instances[id]
	if !ok {
		return SequenceInstance{}, ErrNotFound
	}
	return si, nil
}

func (m *Memory) LoadActiveSequenceInstances(_ context.Context) ([]SequenceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SequenceInstance
	for _, si := range m.instances {
		if si.Status == "active" {
			out = append(out, si)
		}
	}
	return out, nil
}

func (m *Memory) ClaimMessage(_ context.Context, instanceID string, step int, sendAt, claimedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := msgKey(instanceID, step)
	msg, ok := m.messages[key]
	if !ok {
		m.messages[key] = &memMessage{sendAt: sendAt, claimedAt: claimedAt, status: MessageSending}
		return true, nil
	}
	if msg.status == MessagePending {
		msg.status = MessageSending
		msg.claimedAt = claimedAt
		return true, nil
	}
	return false, nil
}

func (m *Memory) MessageStatus(_ context.Context, instanceID string, step int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[msgKey(instanceID, step)]
	if !ok {
		return "", ErrNotFound
	}
	return msg.status, nil
}

func (m *Memory) ReclaimStaleSending(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if msg.status == MessageSending && msg.claimedAt.Before(before) {
			msg.status = MessagePending
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkMessageSent(_ context.Context, instanceID string, step int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[msgKey(instanceID, step)]; ok {
		msg.status = MessageSent
		msg.sentAt = at
	}
	return nil
}

func (m *Memory) MarkMessageFailed(_ context.Context, instanceID string, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[msgKey(instanceID, step)]; ok && msg.status == MessageSending {
		msg.status = MessagePending
	}
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// AuditEntries returns a copy of recorded audit rows. Test helper.
func (m *Memory) AuditEntries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

// LedgerEntries returns a copy of the append-only ledger. Test helper.
func (m *Memory) LedgerEntries() []LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LedgerEntry(nil), m.ledger...)
}

func msgKey(instanceID string, step int) string {
	return instanceID + "|" + strconv.Itoa(step)
}
