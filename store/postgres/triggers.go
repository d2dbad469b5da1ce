package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// --- event triggers ---

type triggerRepo struct{ s *Store }

const triggerColumns = `id, definition_id, name, description, event_type,
	event_source, predicates, parameter_template, run_key_template,
	idempotency_key_expression, throttle_window_ms, throttle_count,
	max_concurrency, metadata, status, version, created_at, updated_at`

func (r triggerRepo) Create(ctx context.Context, trigger *store.EventTrigger) error {
	const op = "triggers.Create"
	predicates, err := json.Marshal(trigger.Predicates)
	if err != nil {
		return core.NewInternal(op, "encoding predicates", err)
	}
	now := r.s.now().UTC()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now
	if trigger.Version == 0 {
		trigger.Version = 1
	}

	_, err = r.s.db.Exec(ctx, `
		INSERT INTO event_triggers (`+triggerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		trigger.ID, trigger.DefinitionID, trigger.Name, trigger.Description,
		trigger.EventType, trigger.EventSource, predicates, trigger.ParameterTemplate,
		trigger.RunKeyTemplate, trigger.IdempotencyKeyExpression,
		trigger.ThrottleWindowMs, trigger.ThrottleCount, trigger.MaxConcurrency,
		trigger.Metadata, trigger.Status, trigger.Version, trigger.CreatedAt,
		trigger.UpdatedAt)
	if uniqueViolation(err, "") {
		return core.NewConflict(op, fmt.Sprintf("trigger %q already exists", trigger.ID), nil)
	}
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r triggerRepo) Update(ctx context.Context, trigger *store.EventTrigger) error {
	const op = "triggers.Update"
	predicates, err := json.Marshal(trigger.Predicates)
	if err != nil {
		return core.NewInternal(op, "encoding predicates", err)
	}
	trigger.UpdatedAt = r.s.now().UTC()

	row := r.s.db.QueryRow(ctx, `
		UPDATE event_triggers
		SET name = $2, description = $3, event_type = $4, event_source = $5,
		    predicates = $6, parameter_template = $7, run_key_template = $8,
		    idempotency_key_expression = $9, throttle_window_ms = $10,
		    throttle_count = $11, max_concurrency = $12, metadata = $13,
		    status = $14, version = version + 1, updated_at = $15
		WHERE id = $1
		RETURNING version, created_at`,
		trigger.ID, trigger.Name, trigger.Description, trigger.EventType,
		trigger.EventSource, predicates, trigger.ParameterTemplate,
		trigger.RunKeyTemplate, trigger.IdempotencyKeyExpression,
		trigger.ThrottleWindowMs, trigger.ThrottleCount, trigger.MaxConcurrency,
		trigger.Metadata, trigger.Status, trigger.UpdatedAt)
	err = row.Scan(&trigger.Version, &trigger.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.NewNotFound(op, core.ErrTriggerNotFound)
	}
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r triggerRepo) Get(ctx context.Context, id string) (*store.EventTrigger, error) {
	const op = "triggers.Get"
	row := r.s.db.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM event_triggers WHERE id = $1`, id)
	trigger, err := scanTrigger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrTriggerNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return trigger, nil
}

func (r triggerRepo) Delete(ctx context.Context, id string) error {
	const op = "triggers.Delete"
	tag, err := r.s.db.Exec(ctx, `DELETE FROM event_triggers WHERE id = $1`, id)
	if err != nil {
		return queryErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFound(op, core.ErrTriggerNotFound)
	}
	return nil
}

func (r triggerRepo) ListByDefinition(ctx context.Context, definitionID string) ([]*store.EventTrigger, error) {
	const op = "triggers.ListByDefinition"
	rows, err := r.s.db.Query(ctx, `
		SELECT `+triggerColumns+` FROM event_triggers
		WHERE definition_id = $1 ORDER BY created_at, id`, definitionID)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.EventTrigger, error) {
		return scanTrigger(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func (r triggerRepo) ListActiveByEventType(ctx context.Context, eventType, source string) ([]*store.EventTrigger, error) {
	const op = "triggers.ListActiveByEventType"
	rows, err := r.s.db.Query(ctx, `
		SELECT `+triggerColumns+` FROM event_triggers
		WHERE status = $1 AND event_type = $2
		  AND (event_source = '' OR event_source = $3)
		ORDER BY created_at, id`,
		store.TriggerActive, eventType, source)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.EventTrigger, error) {
		return scanTrigger(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanTrigger(row pgx.Row) (*store.EventTrigger, error) {
	var trigger store.EventTrigger
	var predicates []byte
	if err := row.Scan(&trigger.ID, &trigger.DefinitionID, &trigger.Name,
		&trigger.Description, &trigger.EventType, &trigger.EventSource,
		&predicates, &trigger.ParameterTemplate, &trigger.RunKeyTemplate,
		&trigger.IdempotencyKeyExpression, &trigger.ThrottleWindowMs,
		&trigger.ThrottleCount, &trigger.MaxConcurrency, &trigger.Metadata,
		&trigger.Status, &trigger.Version, &trigger.CreatedAt,
		&trigger.UpdatedAt); err != nil {
		return nil, err
	}
	if len(predicates) > 0 {
		if err := json.Unmarshal(predicates, &trigger.Predicates); err != nil {
			return nil, fmt.Errorf("decoding predicates of %s: %w", trigger.ID, err)
		}
	}
	return &trigger, nil
}

// --- trigger deliveries ---

type deliveryRepo struct{ s *Store }

const deliveryColumns = `id, trigger_id, definition_id, event_id, status,
	retry_state, retry_attempts, next_attempt_at, workflow_run_id,
	idempotency_key, reason, parameters, created_at, updated_at`

func (r deliveryRepo) Create(ctx context.Context, d *store.TriggerDelivery) error {
	const op = "deliveries.Create"
	now := r.s.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := r.s.db.Exec(ctx, `
		INSERT INTO trigger_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.TriggerID, d.DefinitionID, d.EventID, d.Status, d.RetryState,
		d.RetryAttempts, utcPtr(d.NextAttemptAt), d.WorkflowRunID,
		d.IdempotencyKey, d.Reason, d.Parameters, d.CreatedAt, d.UpdatedAt)
	if uniqueViolation(err, "trigger_deliveries_launched_once") {
		return core.NewConflict(op,
			fmt.Sprintf("idempotency key %q already launched", d.IdempotencyKey), nil)
	}
	if uniqueViolation(err, "") {
		return core.NewConflict(op, fmt.Sprintf("delivery %q already exists", d.ID), nil)
	}
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r deliveryRepo) Get(ctx context.Context, id string) (*store.TriggerDelivery, error) {
	const op = "deliveries.Get"
	row := r.s.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM trigger_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrDeliveryNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return d, nil
}

func (r deliveryRepo) Update(ctx context.Context, d *store.TriggerDelivery) error {
	const op = "deliveries.Update"
	d.UpdatedAt = r.s.now().UTC()
	tag, err := r.s.db.Exec(ctx, `
		UPDATE trigger_deliveries
		SET status = $2, retry_state = $3, retry_attempts = $4,
		    next_attempt_at = $5, workflow_run_id = $6, idempotency_key = $7,
		    reason = $8, parameters = $9, updated_at = $10
		WHERE id = $1`,
		d.ID, d.Status, d.RetryState, d.RetryAttempts, utcPtr(d.NextAttemptAt),
		d.WorkflowRunID, d.IdempotencyKey, d.Reason, d.Parameters, d.UpdatedAt)
	if uniqueViolation(err, "trigger_deliveries_launched_once") {
		return core.NewConflict(op,
			fmt.Sprintf("idempotency key %q already launched", d.IdempotencyKey), nil)
	}
	if err != nil {
		return queryErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFound(op, core.ErrDeliveryNotFound)
	}
	return nil
}

func (r deliveryRepo) ListByTrigger(ctx context.Context, triggerID string, filter store.DeliveryFilter) ([]*store.TriggerDelivery, error) {
	const op = "deliveries.ListByTrigger"
	query := `SELECT ` + deliveryColumns + ` FROM trigger_deliveries WHERE trigger_id = $1`
	args := []any{triggerID}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, statuses)
	}
	query += ` ORDER BY created_at DESC, id DESC` + limitClause(filter.Limit)

	rows, err := r.s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.TriggerDelivery, error) {
		return scanDelivery(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func (r deliveryRepo) FindByIdempotencyKey(ctx context.Context, triggerID, key string) (*store.TriggerDelivery, error) {
	const op = "deliveries.FindByIdempotencyKey"
	row := r.s.db.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM trigger_deliveries
		WHERE trigger_id = $1 AND idempotency_key = $2 AND status <> $3
		ORDER BY created_at DESC LIMIT 1`,
		triggerID, key, store.DeliveryFailed)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return d, nil
}

func (r deliveryRepo) CountLaunchedSince(ctx context.Context, triggerID string, since time.Time) (int, error) {
	const op = "deliveries.CountLaunchedSince"
	var count int
	err := r.s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM trigger_deliveries
		WHERE trigger_id = $1 AND status = $2 AND updated_at >= $3`,
		triggerID, store.DeliveryLaunched, since.UTC()).Scan(&count)
	if err != nil {
		return 0, queryErr(op, err)
	}
	return count, nil
}

func (r deliveryRepo) ListLaunchedRunIDs(ctx context.Context, triggerID string) ([]string, error) {
	const op = "deliveries.ListLaunchedRunIDs"
	rows, err := r.s.db.Query(ctx, `
		SELECT workflow_run_id FROM trigger_deliveries
		WHERE trigger_id = $1 AND status = $2 AND workflow_run_id <> ''
		ORDER BY workflow_run_id`,
		triggerID, store.DeliveryLaunched)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanDelivery(row pgx.Row) (*store.TriggerDelivery, error) {
	var d store.TriggerDelivery
	if err := row.Scan(&d.ID, &d.TriggerID, &d.DefinitionID, &d.EventID,
		&d.Status, &d.RetryState, &d.RetryAttempts, &d.NextAttemptAt,
		&d.WorkflowRunID, &d.IdempotencyKey, &d.Reason, &d.Parameters,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}
