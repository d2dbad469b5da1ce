package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

type scheduleRepo struct{ s *Store }

const scheduleColumns = `id, definition_id, name, description, cron, timezone,
	parameters, enabled, catch_up, next_run_at, last_window, created_at, updated_at`

func (r scheduleRepo) Create(ctx context.Context, sched *store.Schedule) error {
	const op = "schedules.Create"
	now := r.s.now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	_, err := r.s.db.Exec(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sched.ID, sched.DefinitionID, sched.Name, sched.Description, sched.Cron,
		sched.Timezone, sched.Parameters, sched.Enabled, sched.CatchUp,
		utcPtr(sched.NextRunAt), sched.LastWindow, sched.CreatedAt, sched.UpdatedAt)
	if uniqueViolation(err, "") {
		return core.NewConflict(op, fmt.Sprintf("schedule %q already exists", sched.ID), nil)
	}
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r scheduleRepo) Update(ctx context.Context, sched *store.Schedule) error {
	const op = "schedules.Update"
	sched.UpdatedAt = r.s.now().UTC()
	row := r.s.db.QueryRow(ctx, `
		UPDATE schedules
		SET name = $2, description = $3, cron = $4, timezone = $5,
		    parameters = $6, enabled = $7, catch_up = $8, next_run_at = $9,
		    last_window = $10, updated_at = $11
		WHERE id = $1
		RETURNING created_at`,
		sched.ID, sched.Name, sched.Description, sched.Cron, sched.Timezone,
		sched.Parameters, sched.Enabled, sched.CatchUp, utcPtr(sched.NextRunAt),
		sched.LastWindow, sched.UpdatedAt)
	err := row.Scan(&sched.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.NewNotFound(op, core.ErrScheduleNotFound)
	}
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r scheduleRepo) Get(ctx context.Context, id string) (*store.Schedule, error) {
	const op = "schedules.Get"
	row := r.s.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrScheduleNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return sched, nil
}

func (r scheduleRepo) ListByDefinition(ctx context.Context, definitionID string) ([]*store.Schedule, error) {
	return r.list(ctx, `WHERE definition_id = $1 ORDER BY created_at, id`, definitionID)
}

func (r scheduleRepo) List(ctx context.Context) ([]*store.Schedule, error) {
	return r.list(ctx, `ORDER BY created_at, id`)
}

func (r scheduleRepo) ListDue(ctx context.Context, now time.Time) ([]*store.Schedule, error) {
	return r.list(ctx,
		`WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1 ORDER BY next_run_at`,
		now.UTC())
}

func (r scheduleRepo) list(ctx context.Context, tail string, args ...any) ([]*store.Schedule, error) {
	const op = "schedules.list"
	rows, err := r.s.db.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules `+tail, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.Schedule, error) {
		return scanSchedule(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanSchedule(row pgx.Row) (*store.Schedule, error) {
	var sched store.Schedule
	if err := row.Scan(&sched.ID, &sched.DefinitionID, &sched.Name,
		&sched.Description, &sched.Cron, &sched.Timezone, &sched.Parameters,
		&sched.Enabled, &sched.CatchUp, &sched.NextRunAt, &sched.LastWindow,
		&sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return nil, err
	}
	return &sched, nil
}
