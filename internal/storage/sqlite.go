package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- ledger ----

func (s *sqliteStore) AppendLedger(ctx context.Context, e LedgerEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(at, pool, amount, kind, reference) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Pool, e.Amount, e.Kind, nullStr(e.Reference),
	)
	return err
}

func (s *sqliteStore) SavePoolSnapshot(ctx context.Context, snap PoolSnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pool_snapshot(pool, consumed_today, consumed_month, rollover, day_key, month_key, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(pool) DO UPDATE SET
		   consumed_today=excluded.consumed_today,
		   consumed_month=excluded.consumed_month,
		   rollover=excluded.rollover,
		   day_key=excluded.day_key,
		   month_key=excluded.month_key,
		   updated_at=excluded.updated_at`,
		snap.Pool, snap.ConsumedToday, snap.ConsumedMonth, snap.Rollover,
		snap.DayKey, snap.MonthKey, snap.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadPoolSnapshots(ctx context.Context) ([]PoolSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pool, consumed_today, consumed_month, rollover, day_key, month_key, updated_at FROM pool_snapshot`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoolSnapshot
	for rows.Next() {
		var snap PoolSnapshot
		var updated string
		if err := rows.Scan(&snap.Pool, &snap.ConsumedToday, &snap.ConsumedMonth,
			&snap.Rollover, &snap.DayKey, &snap.MonthKey, &updated); err != nil {
			return nil, err
		}
		snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SumLedger(ctx context.Context, pool string) (LedgerTotals, error) {
	var t LedgerTotals
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COALESCE(SUM(amount), 0) FROM ledger WHERE pool = ? GROUP BY kind`, pool)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var sum int64
		if err := rows.Scan(&kind, &sum); err != nil {
			return t, err
		}
		switch kind {
		case "commit":
			t.Committed = sum
		case "release":
			t.Released = sum
		case "credit":
			t.Credited = sum
		}
	}
	return t, rows.Err()
}

// ---- escalation ----

func (s *sqliteStore) SavePersonaState(ctx context.Context, st PersonaState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persona_state(persona, current_tier, tier_entered_at, milestone_snapshot, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(persona) DO UPDATE SET
		   current_tier=excluded.current_tier,
		   tier_entered_at=excluded.tier_entered_at,
		   milestone_snapshot=excluded.milestone_snapshot,
		   updated_at=excluded.updated_at`,
		st.Persona, st.CurrentTier, st.TierEnteredAt.Format(time.RFC3339Nano),
		st.MilestoneSnapshot, st.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadPersonaStates(ctx context.Context) ([]PersonaState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona, current_tier, tier_entered_at, milestone_snapshot, updated_at FROM persona_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PersonaState
	for rows.Next() {
		var st PersonaState
		var entered, updated string
		if err := rows.Scan(&st.Persona, &st.CurrentTier, &entered, &st.MilestoneSnapshot, &updated); err != nil {
			return nil, err
		}
		st.TierEnteredAt, _ = time.Parse(time.RFC3339Nano, entered)
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ---- rotation ----

func (s *sqliteStore) RecordAssignment(ctx context.Context, a Assignment) error {
	if a.Assigned.IsZero() {
		a.Assigned = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignment(date, slot_id, persona, assigned, outcome) VALUES(?,?,?,?,?)
		 ON CONFLICT(date, slot_id) DO UPDATE SET
		   persona=excluded.persona, assigned=excluded.assigned`,
		a.Date, a.SlotID, a.Persona, a.Assigned.Format(time.RFC3339Nano), a.Outcome,
	)
	return err
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, date, slotID, persona, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE assignment SET outcome = ? WHERE date = ? AND slot_id = ? AND persona = ?`,
		outcome, date, slotID, persona,
	)
	return err
}

func (s *sqliteStore) AssignmentFor(ctx context.Context, date, slotID string) (Assignment, error) {
	var a Assignment
	var assigned string
	err := s.db.QueryRowContext(ctx,
		`SELECT date, slot_id, persona, assigned, outcome FROM assignment WHERE date = ? AND slot_id = ?`,
		date, slotID,
	).Scan(&a.Date, &a.SlotID, &a.Persona, &assigned, &a.Outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, err
	}
	a.Assigned, _ = time.Parse(time.RFC3339Nano, assigned)
	return a, nil
}

func (s *sqliteStore) CountAssignments(ctx context.Context, persona string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignment WHERE persona = ? AND assigned >= ?`,
		persona, since.Format(time.RFC3339Nano),
	).Scan(&n)
	return n, err
}

// ---- outreach ----

func (s *sqliteStore) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriber(id, channel, chat_id, persona, tier, status, joined_at, last_activity)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   channel=excluded.channel,
		   chat_id=excluded.chat_id,
		   persona=excluded.persona,
		   tier=excluded.tier,
		   status=excluded.status,
		   last_activity=excluded.last_activity`,
		sub.ID, sub.Channel, sub.ChatID, nullStr(sub.Persona), sub.Tier, sub.Status,
		sub.JoinedAt.Format(time.RFC3339Nano), timeOrNull(sub.LastActivity),
	)
	return err
}

func (s *sqliteStore) GetSubscriber(ctx context.Context, id string) (Subscriber, error) {
	var sub Subscriber
	var persona, joined sql.NullString
	var lastActivity sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel, chat_id, persona, tier, status, joined_at, last_activity FROM subscriber WHERE id = ?`,
		id,
	).Scan(&sub.ID, &sub.Channel, &sub.ChatID, &persona, &sub.Tier, &sub.Status, &joined, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, err
	}
	sub.Persona = persona.String
	if joined.Valid {
		sub.JoinedAt, _ = time.Parse(time.RFC3339Nano, joined.String)
	}
	if lastActivity.Valid {
		sub.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity.String)
	}
	return sub, nil
}

func (s *sqliteStore) SaveSequenceInstance(ctx context.Context, si SequenceInstance) error {
	if si.UpdatedAt.IsZero() {
		si.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sequence_instance(id, subscriber, sequence, step_cursor, started_at, status, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   step_cursor=excluded.step_cursor,
		   status=excluded.status,
		   updated_at=excluded.updated_at`,
		si.ID, si.Subscriber, si.Sequence, si.StepCursor,
		si.StartedAt.Format(time.RFC3339Nano), si.Status, si.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetSequenceInstance(ctx context.Context, id string) (SequenceInstance, error) {
	var si SequenceInstance
	var started, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subscriber, sequence, step_cursor, started_at, status, updated_at
		 FROM sequence_instance WHERE id = ?`, id,
	).Scan(&si.ID, &si.Subscriber, &si.Sequence, &si.StepCursor, &started, &si.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return SequenceInstance{}, ErrNotFound
	}
	if err != nil {
		return SequenceInstance{}, err
	}
	si.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	si.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return si, nil
}

func (s *sqliteStore) LoadActiveSequenceInstances(ctx context.Context) ([]SequenceInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscriber, sequence, step_cursor, started_at, status, updated_at
		 FROM sequence_instance WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SequenceInstance
	for rows.Next() {
		var si SequenceInstance
		var started, updated string
		if err := rows.Scan(&si.ID, &si.Subscriber, &si.Sequence, &si.StepCursor, &started, &si.Status, &updated); err != nil {
			return nil, err
		}
		si.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		si.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, si)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimMessage(ctx context.Context, instanceID string, step int, sendAt, claimedAt time.Time) (bool, error) {
	// The unique key enforces at-most-once: only the inserting caller (or the
	// one flipping a failed row back from "pending") owns the dispatch.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbound_message(instance_id, step_index, send_at, claimed_at, status)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(instance_id, step_index) DO UPDATE SET status = ?, claimed_at = ?
		 WHERE outbound_message.status = ?`,
		instanceID, step, sendAt.Format(time.RFC3339Nano), claimedAt.Format(time.RFC3339Nano), MessageSending,
		MessageSending, claimedAt.Format(time.RFC3339Nano), MessagePending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) MessageStatus(ctx context.Context, instanceID string, step int) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM outbound_message WHERE instance_id = ? AND step_index = ?`,
		instanceID, step,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

func (s *sqliteStore) ReclaimStaleSending(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_message SET status = ? WHERE status = ? AND claimed_at < ?`,
		MessagePending, MessageSending, before.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) MarkMessageSent(ctx context.Context, instanceID string, step int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_message SET status = ?, sent_at = ? WHERE instance_id = ? AND step_index = ?`,
		MessageSent, at.Format(time.RFC3339Nano), instanceID, step,
	)
	return err
}

func (s *sqliteStore) MarkMessageFailed(ctx context.Context, instanceID string, step int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_message SET status = ? WHERE instance_id = ? AND step_index = ? AND status = ?`,
		MessagePending, instanceID, step, MessageSending,
	)
	return err
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, detail) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Actor, e.Action, nullStr(e.Target), nullStr(e.Detail),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
