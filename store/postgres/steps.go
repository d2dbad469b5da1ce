package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

type stepRepo struct{ s *Store }

const stepColumns = `id, run_id, step_id, status, retry_state, retry_attempts,
	next_attempt_at, started_at, completed_at, output, error_message,
	created_at, updated_at`

func (r stepRepo) CreateBatch(ctx context.Context, steps []*store.RunStep) error {
	const op = "steps.CreateBatch"
	now := r.s.now().UTC()
	for _, step := range steps {
		if step.CreatedAt.IsZero() {
			step.CreatedAt = now
		}
		step.UpdatedAt = now
		// ON CONFLICT DO NOTHING keeps materialization idempotent.
		_, err := r.s.db.Exec(ctx, `
			INSERT INTO run_steps (`+stepColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (run_id, step_id) DO NOTHING`,
			step.ID, step.RunID, step.StepID, step.Status, step.RetryState,
			step.RetryAttempts, utcPtr(step.NextAttemptAt), utcPtr(step.StartedAt),
			utcPtr(step.CompletedAt), step.Output, step.ErrorMessage,
			step.CreatedAt, step.UpdatedAt)
		if err != nil {
			return queryErr(op, err)
		}
	}
	return nil
}

func (r stepRepo) Get(ctx context.Context, runID, stepID string) (*store.RunStep, error) {
	const op = "steps.Get"
	row := r.s.db.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = $1 AND step_id = $2`,
		runID, stepID)
	step, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrRunNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return step, nil
}

func (r stepRepo) ListByRun(ctx context.Context, runID string) ([]*store.RunStep, error) {
	const op = "steps.ListByRun"
	rows, err := r.s.db.Query(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = $1 ORDER BY step_id`, runID)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.RunStep, error) {
		return scanStep(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func (r stepRepo) Update(ctx context.Context, step *store.RunStep) error {
	const op = "steps.Update"
	step.UpdatedAt = r.s.now().UTC()
	// retryAttempts is monotonic; a stale writer loses.
	tag, err := r.s.db.Exec(ctx, `
		UPDATE run_steps
		SET status = $3, retry_state = $4, retry_attempts = $5,
		    next_attempt_at = $6, started_at = $7, completed_at = $8,
		    output = $9, error_message = $10, updated_at = $11
		WHERE run_id = $1 AND step_id = $2 AND retry_attempts <= $5`,
		step.RunID, step.StepID, step.Status, step.RetryState, step.RetryAttempts,
		utcPtr(step.NextAttemptAt), utcPtr(step.StartedAt), utcPtr(step.CompletedAt),
		step.Output, step.ErrorMessage, step.UpdatedAt)
	if err != nil {
		return queryErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, step.RunID, step.StepID); getErr != nil {
			return getErr
		}
		return core.NewConflict(op, "retryAttempts may not decrease", nil)
	}
	return nil
}

func scanStep(row pgx.Row) (*store.RunStep, error) {
	var step store.RunStep
	if err := row.Scan(&step.ID, &step.RunID, &step.StepID, &step.Status,
		&step.RetryState, &step.RetryAttempts, &step.NextAttemptAt,
		&step.StartedAt, &step.CompletedAt, &step.Output, &step.ErrorMessage,
		&step.CreatedAt, &step.UpdatedAt); err != nil {
		return nil, err
	}
	return &step, nil
}
