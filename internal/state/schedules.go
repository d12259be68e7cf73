package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type ScheduleKind string

const (
	ScheduleAbsolute ScheduleKind = "absolute"
	ScheduleDelay    ScheduleKind = "delay"
	ScheduleCron     ScheduleKind = "cron"
)

type Schedule struct {
	ID        string          `json:"id"`
	Callback  string          `json:"callbackName"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Kind      ScheduleKind    `json:"kind"`
	DueAt     time.Time       `json:"dueAt"`
	CronExpr  string          `json:"cronExpr,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// due_at is stored as Unix nanoseconds so MIN() and range scans are exact.

func (s *Store) InsertSchedule(ctx context.Context, sched Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, callback, payload, kind, due_at, cron_expr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sched.ID, sched.Callback, nullRaw(sched.Payload), string(sched.Kind), sched.DueAt.UnixNano(), nullString(sched.CronExpr), formatTime(sched.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RescheduleAt(ctx context.Context, id string, dueAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE schedules SET due_at = ? WHERE id = ?`, dueAt.UnixNano(), id); err != nil {
		return fmt.Errorf("reschedule %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, callback, payload, kind, due_at, cron_expr, created_at FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sched, err
}

// ListSchedules returns every pending schedule, earliest first.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT id, callback, payload, kind, due_at, cron_expr, created_at FROM schedules ORDER BY due_at ASC, created_at ASC`)
}

// DueSchedules returns schedules with dueAt <= now, earliest first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT id, callback, payload, kind, due_at, cron_expr, created_at FROM schedules WHERE due_at <= ? ORDER BY due_at ASC, created_at ASC`, now.UnixNano())
}

// NextDue returns the earliest dueAt, or ok=false when nothing is pending.
func (s *Store) NextDue(ctx context.Context) (time.Time, bool, error) {
	var due sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(due_at) FROM schedules`).Scan(&due); err != nil {
		return time.Time{}, false, fmt.Errorf("next due: %w", err)
	}
	if !due.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, due.Int64).UTC(), true, nil
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	out := []Schedule{}
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

func scanSchedule(row scanner) (Schedule, error) {
	var sched Schedule
	var payload, cronExpr sql.NullString
	var kind, createdAt string
	var due int64
	if err := row.Scan(&sched.ID, &sched.Callback, &payload, &kind, &due, &cronExpr, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Schedule{}, err
		}
		return Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	sched.Payload = rawOrNil(payload.String)
	sched.Kind = ScheduleKind(kind)
	sched.DueAt = time.Unix(0, due).UTC()
	sched.CronExpr = cronExpr.String
	sched.CreatedAt = parseTime(createdAt)
	return sched, nil
}
