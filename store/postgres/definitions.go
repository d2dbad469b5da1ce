package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

type definitionRepo struct{ s *Store }

const definitionColumns = `id, slug, version, display_name, description, steps,
	parameters_schema, default_parameters, output_schema, metadata, created_at, updated_at`

func (r definitionRepo) Create(ctx context.Context, def *store.WorkflowDefinition) error {
	const op = "definitions.Create"
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return core.NewInternal(op, "encoding steps", err)
	}
	now := r.s.now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	_, err = r.s.db.Exec(ctx, `
		INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		def.ID, def.Slug, def.Version, def.DisplayName, def.Description, steps,
		def.ParametersSchema, def.DefaultParameters, def.OutputSchema, def.Metadata,
		def.CreatedAt, def.UpdatedAt)
	if uniqueViolation(err, "workflow_definitions_slug_key") {
		return core.NewConflict(op, fmt.Sprintf("slug %q already exists", def.Slug), nil)
	}
	if uniqueViolation(err, "") {
		return core.NewConflict(op, fmt.Sprintf("definition %q already exists", def.ID), nil)
	}
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r definitionRepo) Update(ctx context.Context, def *store.WorkflowDefinition) error {
	const op = "definitions.Update"
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return core.NewInternal(op, "encoding steps", err)
	}
	def.UpdatedAt = r.s.now().UTC()

	tag, err := r.s.db.Exec(ctx, `
		UPDATE workflow_definitions
		SET version = $2, display_name = $3, description = $4, steps = $5,
		    parameters_schema = $6, default_parameters = $7, output_schema = $8,
		    metadata = $9, updated_at = $10
		WHERE id = $1 AND slug = $11`,
		def.ID, def.Version, def.DisplayName, def.Description, steps,
		def.ParametersSchema, def.DefaultParameters, def.OutputSchema,
		def.Metadata, def.UpdatedAt, def.Slug)
	if err != nil {
		return queryErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is missing or the caller tried to change the slug.
		if _, getErr := r.GetByID(ctx, def.ID); getErr != nil {
			return getErr
		}
		return core.NewValidation(op, "definition slug is immutable")
	}
	return nil
}

func (r definitionRepo) GetByID(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	const op = "definitions.GetByID"
	row := r.s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return def, nil
}

func (r definitionRepo) GetBySlug(ctx context.Context, slug string) (*store.WorkflowDefinition, error) {
	const op = "definitions.GetBySlug"
	row := r.s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE slug = $1`, slug)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return def, nil
}

func (r definitionRepo) List(ctx context.Context, filter store.DefinitionFilter) ([]*store.WorkflowDefinition, error) {
	const op = "definitions.List"
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions`
	var args []any
	if len(filter.IDs) > 0 {
		query += ` WHERE id = ANY($1)`
		args = append(args, filter.IDs)
	}
	query += ` ORDER BY slug` + limitClause(filter.Limit)

	rows, err := r.s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.WorkflowDefinition, error) {
		return scanDefinition(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanDefinition(row pgx.Row) (*store.WorkflowDefinition, error) {
	var def store.WorkflowDefinition
	var steps []byte
	if err := row.Scan(&def.ID, &def.Slug, &def.Version, &def.DisplayName,
		&def.Description, &steps, &def.ParametersSchema, &def.DefaultParameters,
		&def.OutputSchema, &def.Metadata, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &def.Steps); err != nil {
			return nil, fmt.Errorf("decoding steps of %s: %w", def.ID, err)
		}
	}
	return &def, nil
}
