package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

type runRepo struct{ s *Store }

const runColumns = `id, definition_id, status, triggered_by, parameters,
	partition_key, run_key, run_key_normalized, module_id, parent_run_id,
	parent_step_id, context, output, error_message, created_at, started_at,
	completed_at`

var nonTerminalRunStatuses = []string{string(store.RunPending), string(store.RunRunning)}

func (r runRepo) Create(ctx context.Context, run *store.WorkflowRun) error {
	const op = "runs.Create"
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.s.now().UTC()
	}
	_, err := r.s.db.Exec(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		run.ID, run.DefinitionID, run.Status, run.TriggeredBy, run.Parameters,
		run.PartitionKey, run.RunKey, run.RunKeyNormalized, run.ModuleID,
		run.ParentRunID, run.ParentStepID, run.Context, run.Output,
		run.ErrorMessage, run.CreatedAt, utcPtr(run.StartedAt), utcPtr(run.CompletedAt))
	if uniqueViolation(err, "workflow_runs_active_run_key") {
		return core.NewConflict(op,
			fmt.Sprintf("run key %q is held by an active run", run.RunKeyNormalized),
			core.ErrRunKeyConflict)
	}
	if uniqueViolation(err, "") {
		return core.NewConflict(op, fmt.Sprintf("run %q already exists", run.ID), nil)
	}
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r runRepo) Get(ctx context.Context, id string) (*store.WorkflowRun, error) {
	const op = "runs.Get"
	row := r.s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrRunNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return run, nil
}

func (r runRepo) Update(ctx context.Context, run *store.WorkflowRun) error {
	const op = "runs.Update"
	// Terminal status is write-once: the update only lands when the stored
	// status is non-terminal or unchanged.
	tag, err := r.s.db.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $2, triggered_by = $3, parameters = $4, partition_key = $5,
		    run_key = $6, run_key_normalized = $7, module_id = $8,
		    parent_run_id = $9, parent_step_id = $10, context = $11, output = $12,
		    error_message = $13, started_at = $14, completed_at = $15
		WHERE id = $1 AND (status = ANY($16) OR status = $2)`,
		run.ID, run.Status, run.TriggeredBy, run.Parameters, run.PartitionKey,
		run.RunKey, run.RunKeyNormalized, run.ModuleID, run.ParentRunID,
		run.ParentStepID, run.Context, run.Output, run.ErrorMessage,
		utcPtr(run.StartedAt), utcPtr(run.CompletedAt), nonTerminalRunStatuses)
	if err != nil {
		return queryErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		existing, getErr := r.Get(ctx, run.ID)
		if getErr != nil {
			return getErr
		}
		return core.NewConflict(op,
			fmt.Sprintf("run %s is terminal (%s)", run.ID, existing.Status), core.ErrTerminalRun)
	}
	return nil
}

func (r runRepo) List(ctx context.Context, filter store.RunFilter) ([]*store.WorkflowRun, error) {
	const op = "runs.List"
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.DefinitionID != "" {
		query += ` AND definition_id = ` + arg(filter.DefinitionID)
	}
	if filter.ParentRunID != "" {
		query += ` AND parent_run_id = ` + arg(filter.ParentRunID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += ` AND status = ANY(` + arg(statuses) + `)`
	}
	if len(filter.IDs) > 0 {
		query += ` AND id = ANY(` + arg(filter.IDs) + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC` + limitClause(filter.Limit)

	rows, err := r.s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.WorkflowRun, error) {
		return scanRun(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func (r runRepo) FindActiveByRunKey(ctx context.Context, definitionID, runKeyNormalized string) (*store.WorkflowRun, error) {
	const op = "runs.FindActiveByRunKey"
	if runKeyNormalized == "" {
		return nil, nil
	}
	row := r.s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE definition_id = $1 AND run_key_normalized = $2 AND status = ANY($3)`,
		definitionID, runKeyNormalized, nonTerminalRunStatuses)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return run, nil
}

func (r runRepo) CountNonTerminalByIDs(ctx context.Context, ids []string) (int, error) {
	const op = "runs.CountNonTerminalByIDs"
	if len(ids) == 0 {
		return 0, nil
	}
	var count int
	err := r.s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_runs
		WHERE id = ANY($1) AND status = ANY($2)`,
		ids, nonTerminalRunStatuses).Scan(&count)
	if err != nil {
		return 0, queryErr(op, err)
	}
	return count, nil
}

func scanRun(row pgx.Row) (*store.WorkflowRun, error) {
	var run store.WorkflowRun
	if err := row.Scan(&run.ID, &run.DefinitionID, &run.Status, &run.TriggeredBy,
		&run.Parameters, &run.PartitionKey, &run.RunKey, &run.RunKeyNormalized,
		&run.ModuleID, &run.ParentRunID, &run.ParentStepID, &run.Context,
		&run.Output, &run.ErrorMessage, &run.CreatedAt, &run.StartedAt,
		&run.CompletedAt); err != nil {
		return nil, err
	}
	return &run, nil
}
