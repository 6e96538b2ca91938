package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"tasklane/internal/domain"
)

// ErrNotFound signals that a task (or registration) does not exist.
// Most callers treat it as a soft condition: the desired end state
// already holds.
var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('Scheduled','Running','Completed','Failed')) DEFAULT 'Scheduled',
  schedule_kind TEXT NOT NULL CHECK(schedule_kind IN ('once','daily','interval')),
  fire_at TEXT,
  run_at TEXT,
  every_days INTEGER,
  payload_ref TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  task_name TEXT NOT NULL,
  start_time DATETIME NOT NULL,
  end_time DATETIME,
  status TEXT NOT NULL CHECK(status IN ('Running','Completed','Failed')),
  output TEXT,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_task_start ON history(task_id, start_time);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	CreateTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) error
	SetTaskStatus(ctx context.Context, id, status string) error
	DeleteTask(ctx context.Context, id string) error

	// History operations
	InsertHistory(ctx context.Context, rec domain.HistoryRecord) (int64, error)
	FinalizeRun(ctx context.Context, taskID string, histID int64, status, output, errText string, endedAt time.Time) error
	ListHistory(ctx context.Context, taskID string, limit int) ([]domain.HistoryRecord, error)
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) error {
	fireAt, runAt, everyDays := scheduleColumns(t.Schedule)
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,name,status,schedule_kind,fire_at,run_at,every_days,payload_ref,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, t.ID, t.Name, t.Status, t.Schedule.Kind, fireAt, runAt, everyDays, t.PayloadRef)
	return err
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,name,status,schedule_kind,fire_at,run_at,every_days,payload_ref,created_at,updated_at
FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,status,schedule_kind,fire_at,run_at,every_days,payload_ref,created_at,updated_at
FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Warn().Err(err).Msg("skipping unreadable task row")
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) UpdateTask(ctx context.Context, t domain.Task) error {
	fireAt, runAt, everyDays := scheduleColumns(t.Schedule)
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET name=?,status=?,schedule_kind=?,fire_at=?,run_at=?,every_days=?,payload_ref=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, t.Name, t.Status, t.Schedule.Kind, fireAt, runAt, everyDays, t.PayloadRef, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) SetTaskStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes the task row and all of its history rows in one
// transaction. History for the id is deleted even when the task row is
// already gone, so a repeated delete still converges on the goal state.
func (r *sqliteRepo) DeleteTask(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE task_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) InsertHistory(ctx context.Context, rec domain.HistoryRecord) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO history (task_id,task_name,start_time,end_time,status,output,error)
VALUES (?,?,?,NULL,?,?,?)
`, rec.TaskID, rec.TaskName, rec.StartTime.UTC(), rec.Status, rec.Output, rec.Error)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinalizeRun commits the execution outcome: the history row and the
// task status are updated together.
func (r *sqliteRepo) FinalizeRun(ctx context.Context, taskID string, histID int64, status, output, errText string, endedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
UPDATE history SET status=?, output=?, error=?, end_time=? WHERE id=?`,
		status, output, errText, endedAt.UTC(), histID); err != nil {
		return err
	}
	// Last writer wins on task status; the task row may be gone if the
	// task was deleted while the run was in flight.
	if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, status, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) ListHistory(ctx context.Context, taskID string, limit int) ([]domain.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,task_name,start_time,end_time,status,output,error
FROM history WHERE task_id=? ORDER BY start_time DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		var end sql.NullTime
		var output, errText sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.TaskName, &rec.StartTime, &end, &rec.Status, &output, &errText); err != nil {
			return nil, err
		}
		if end.Valid {
			t := end.Time
			rec.EndTime = &t
		}
		rec.Output = output.String
		rec.Error = errText.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *sqliteRepo) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM history WHERE start_time < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scheduleColumns(s domain.Schedule) (fireAt, runAt sql.NullString, everyDays sql.NullInt64) {
	switch s.Kind {
	case domain.KindOnce:
		fireAt = sql.NullString{String: s.FireAt.Format(time.RFC3339Nano), Valid: true}
	case domain.KindDaily:
		runAt = sql.NullString{String: domain.FormatHHMM(s.Hour, s.Minute), Valid: true}
	case domain.KindInterval:
		runAt = sql.NullString{String: domain.FormatHHMM(s.Hour, s.Minute), Valid: true}
		everyDays = sql.NullInt64{Int64: int64(s.EveryDays), Valid: true}
	}
	return fireAt, runAt, everyDays
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var fireAt, runAt sql.NullString
	var everyDays sql.NullInt64
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &t.Schedule.Kind, &fireAt, &runAt, &everyDays, &t.PayloadRef, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	switch t.Schedule.Kind {
	case domain.KindOnce:
		at, err := time.Parse(time.RFC3339Nano, fireAt.String)
		if err != nil {
			return domain.Task{}, fmt.Errorf("task %s: bad fire_at %q: %w", t.ID, fireAt.String, err)
		}
		t.Schedule.FireAt = at
	case domain.KindDaily, domain.KindInterval:
		h, m, err := domain.ParseHHMM(runAt.String)
		if err != nil {
			return domain.Task{}, fmt.Errorf("task %s: bad run_at %q: %w", t.ID, runAt.String, err)
		}
		t.Schedule.Hour, t.Schedule.Minute = h, m
		t.Schedule.EveryDays = int(everyDays.Int64)
	}
	return t, nil
}
