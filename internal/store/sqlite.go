package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
)

// Settlement is the task transition written together with an execution record.
type Settlement struct {
	State      domain.State
	NextFireAt *time.Time
}

type Repository interface {
	Create(ctx context.Context, t domain.Task) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	UpdateState(ctx context.Context, id string, to domain.State) error
	AppendExecution(ctx context.Context, rec domain.ExecutionRecord) (int64, error)
	Cancel(ctx context.Context, id string) (domain.State, error)

	// Engine operations
	Due(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Settle(ctx context.Context, rec domain.ExecutionRecord, s Settlement) (domain.State, error)
	Advance(ctx context.Context, id string, s Settlement) (domain.State, error)
	Defer(ctx context.Context, id string, next time.Time) error
	RecoverFiring(ctx context.Context) (int, error)

	// History
	ListHistory(ctx context.Context, taskID string, limit int) ([]domain.ExecutionRecord, error)
	ClearHistory(ctx context.Context, taskID string) (int, error)

	// Scheduler watermark
	LastTick(ctx context.Context) (time.Time, bool, error)
	SaveTick(ctx context.Context, t time.Time) error
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

const taskColumns = `id,trigger_kind,fire_at,cron_expr,timezone,state,next_fire_at,last_fired_at,payload,channels,idempotency_key,cancel_requested,created_at,updated_at`

func (r *sqliteRepo) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	now := r.now().UTC()
	t.State = domain.StateScheduled
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Channels == nil {
		t.Channels = []string{}
	}

	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return domain.Task{}, fmt.Errorf("encoding payload: %w", err)
	}
	channels, err := json.Marshal(t.Channels)
	if err != nil {
		return domain.Task{}, fmt.Errorf("encoding channels: %w", err)
	}
	var fireAt *time.Time
	if !t.Trigger.Recurring() {
		fireAt = &t.Trigger.At
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,'scheduled',?,NULL,?,?,?,0,?,?)
`, t.ID, string(t.Trigger.Kind), nullTime(fireAt), t.Trigger.Cron, t.Trigger.Timezone,
		nullTime(t.NextFireAt), string(payload), string(channels), t.IdempotencyKey,
		formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) && t.IdempotencyKey != nil {
			return domain.Task{}, domain.Errorf(domain.ErrDuplicateSubmission, "idempotency key %q already used", *t.IdempotencyKey)
		}
		return domain.Task{}, fmt.Errorf("inserting task: %w", err)
	}
	return t, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	return r.get(ctx, r.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *sqliteRepo) get(ctx context.Context, q queryer, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.Errorf(domain.ErrNotFound, "%s", id)
	}
	return t, err
}

func (r *sqliteRepo) List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Kind != "" {
		where = append(where, "trigger_kind = ?")
		args = append(args, string(f.Kind))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateState moves a task to a new state after checking the transition is
// legal. Illegal transitions leave the row untouched.
func (r *sqliteRepo) UpdateState(ctx context.Context, id string, to domain.State) error {
	return r.tx(ctx, func(tx *sql.Tx) error {
		t, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := domain.CheckTransition(t.Trigger.Kind, t.State, to, false); err != nil {
			log.Error().Err(err).Str("task_id", id).Msg("rejected state transition")
			return err
		}
		next := t.NextFireAt
		if to.Terminal() {
			next = nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET state=?, next_fire_at=?, updated_at=? WHERE id=? AND state=?`,
			string(to), nullTime(next), formatTime(r.now()), id, string(t.State))
		return err
	})
}

func (r *sqliteRepo) AppendExecution(ctx context.Context, rec domain.ExecutionRecord) (int64, error) {
	var id int64
	err := r.tx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertExecution(ctx, tx, rec)
		return err
	})
	return id, err
}

func insertExecution(ctx context.Context, tx *sql.Tx, rec domain.ExecutionRecord) (int64, error) {
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return 0, fmt.Errorf("encoding outcomes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO executions (task_id, scheduled_for, fired_at, finished_at, outcomes, status, reason, catch_up)
VALUES (?,?,?,?,?,?,?,?)
`, rec.TaskID, formatTime(rec.ScheduledFor), formatTime(rec.FiredAt), formatTime(rec.FinishedAt),
		string(outcomes), string(rec.Status), rec.Reason, boolInt(rec.CatchUp))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, domain.Errorf(domain.ErrDuplicateExecution, "task %s at %s", rec.TaskID, formatTime(rec.ScheduledFor))
		}
		return 0, fmt.Errorf("inserting execution: %w", err)
	}
	return res.LastInsertId()
}

// Cancel stops a scheduled task. A firing task keeps running; the request is
// remembered so a recurring task is not re-enrolled.
func (r *sqliteRepo) Cancel(ctx context.Context, id string) (domain.State, error) {
	var state domain.State
	err := r.tx(ctx, func(tx *sql.Tx) error {
		t, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		now := formatTime(r.now())
		switch t.State {
		case domain.StateScheduled:
			state = domain.StateCancelled
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET state='cancelled', next_fire_at=NULL, updated_at=? WHERE id=? AND state='scheduled'`, now, id)
		case domain.StateFiring:
			state = domain.StateFiring
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET cancel_requested=1, updated_at=? WHERE id=?`, now, id)
		default:
			return domain.Errorf(domain.ErrInvalidTransition, "task %s is already %s", id, t.State)
		}
		return err
	})
	return state, err
}

func (r *sqliteRepo) Due(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE state='scheduled' AND next_fire_at IS NOT NULL AND next_fire_at <= ?
ORDER BY next_fire_at ASC
LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Claim atomically moves a due task from scheduled to firing. Only one caller
// can win for a given task.
func (r *sqliteRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET state='firing', updated_at=?
WHERE id=? AND state='scheduled' AND next_fire_at IS NOT NULL AND next_fire_at <= ?`,
		formatTime(r.now()), id, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Settle records the execution and applies the task transition in one
// transaction. It returns the state actually written, which is cancelled when
// a recurring task was cancelled while it was firing.
func (r *sqliteRepo) Settle(ctx context.Context, rec domain.ExecutionRecord, s Settlement) (domain.State, error) {
	return r.settle(ctx, rec.TaskID, &rec, s)
}

// Advance applies a settlement to a firing task without recording an
// execution, for occurrences another process already recorded. Cancel
// requests are honored the same way as in Settle.
func (r *sqliteRepo) Advance(ctx context.Context, id string, s Settlement) (domain.State, error) {
	return r.settle(ctx, id, nil, s)
}

func (r *sqliteRepo) settle(ctx context.Context, id string, rec *domain.ExecutionRecord, s Settlement) (domain.State, error) {
	state := s.State
	err := r.tx(ctx, func(tx *sql.Tx) error {
		t, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.CancelRequested && state == domain.StateScheduled {
			state = domain.StateCancelled
		}
		if err := domain.CheckTransition(t.Trigger.Kind, t.State, state, false); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("rejected settlement")
			return err
		}

		var firedAt *time.Time
		if rec != nil {
			if _, err := insertExecution(ctx, tx, *rec); err != nil {
				return err
			}
			firedAt = &rec.FiredAt
		}

		next := s.NextFireAt
		if state != domain.StateScheduled {
			next = nil
		}
		_, err = tx.ExecContext(ctx, `
UPDATE tasks SET state=?, next_fire_at=?, last_fired_at=COALESCE(?, last_fired_at), updated_at=?
WHERE id=? AND state='firing'`,
			string(state), nullTime(next), nullTime(firedAt), formatTime(r.now()), t.ID)
		return err
	})
	return state, err
}

// Defer moves a scheduled task's next fire instant without firing it.
func (r *sqliteRepo) Defer(ctx context.Context, id string, next time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET next_fire_at=?, updated_at=? WHERE id=? AND state='scheduled'`,
		formatTime(next), formatTime(r.now()), id)
	if err != nil {
		return fmt.Errorf("deferring task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.ErrInvalidTransition, "task %s is not scheduled", id)
	}
	return nil
}

// RecoverFiring returns tasks left firing by a crash to scheduled. Their next
// fire instant is kept, so the interrupted occurrence fires once more at most.
func (r *sqliteRepo) RecoverFiring(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET state='scheduled', updated_at=?
WHERE state='firing' AND next_fire_at IS NOT NULL`, formatTime(r.now()))
	if err != nil {
		return 0, fmt.Errorf("recovering firing tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) ListHistory(ctx context.Context, taskID string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, task_id, scheduled_for, fired_at, finished_at, outcomes, status, reason, catch_up FROM executions`
	var args []any
	if taskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY fired_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var (
			rec                        domain.ExecutionRecord
			scheduled, fired, finished string
			outcomes, status           string
			catchUp                    int
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &scheduled, &fired, &finished, &outcomes, &status, &rec.Reason, &catchUp); err != nil {
			return nil, err
		}
		if rec.ScheduledFor, err = parseTime(scheduled); err != nil {
			return nil, err
		}
		if rec.FiredAt, err = parseTime(fired); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(outcomes), &rec.Outcomes); err != nil {
			return nil, fmt.Errorf("decoding outcomes: %w", err)
		}
		rec.Status = domain.OverallStatus(status)
		rec.CatchUp = catchUp != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) ClearHistory(ctx context.Context, taskID string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if taskID != "" {
		res, err = r.db.ExecContext(ctx, `DELETE FROM executions WHERE task_id = ?`, taskID)
	} else {
		res, err = r.db.ExecContext(ctx, `DELETE FROM executions`)
	}
	if err != nil {
		return 0, fmt.Errorf("clearing history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const lastTickKey = "last_tick"

func (r *sqliteRepo) LastTick(ctx context.Context) (time.Time, bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM scheduler_state WHERE key = ?`, lastTickKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading last tick: %w", err)
	}
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (r *sqliteRepo) SaveTick(ctx context.Context, t time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO scheduler_state (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		lastTickKey, formatTime(t), formatTime(r.now()))
	if err != nil {
		return fmt.Errorf("saving last tick: %w", err)
	}
	return nil
}

func (r *sqliteRepo) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                                 domain.Task
		kind, state, payload, channels    string
		created, updated                  string
		fireAt, nextFire, lastFired, idem sql.NullString
		cancelRequested                   int
	)
	if err := row.Scan(&t.ID, &kind, &fireAt, &t.Trigger.Cron, &t.Trigger.Timezone, &state, &nextFire,
		&lastFired, &payload, &channels, &idem, &cancelRequested, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Trigger.Kind = domain.TriggerKind(kind)
	t.State = domain.State(state)
	t.CancelRequested = cancelRequested != 0
	if idem.Valid {
		t.IdempotencyKey = &idem.String
	}

	var err error
	if at, err := scanNullTime(fireAt); err != nil {
		return domain.Task{}, err
	} else if at != nil {
		t.Trigger.At = *at
	}
	if t.NextFireAt, err = scanNullTime(nextFire); err != nil {
		return domain.Task{}, err
	}
	if t.LastFiredAt, err = scanNullTime(lastFired); err != nil {
		return domain.Task{}, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return domain.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Task{}, err
	}
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return domain.Task{}, fmt.Errorf("decoding payload: %w", err)
	}
	if err := json.Unmarshal([]byte(channels), &t.Channels); err != nil {
		return domain.Task{}, fmt.Errorf("decoding channels: %w", err)
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
