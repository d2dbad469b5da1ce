package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

type contextRepo struct{ s *Store }

const contextColumns = `module_id, module_version, resource_type, resource_id, created_at`

func (r contextRepo) Upsert(ctx context.Context, mc *store.ModuleContext) error {
	const op = "contexts.Upsert"
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = r.s.now().UTC()
	}
	_, err := r.s.db.Exec(ctx, `
		INSERT INTO module_contexts (`+contextColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (module_id, resource_type, resource_id) DO UPDATE
		SET module_version = EXCLUDED.module_version`,
		mc.ModuleID, mc.ModuleVersion, mc.ResourceType, mc.ResourceID, mc.CreatedAt)
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r contextRepo) Delete(ctx context.Context, moduleID, resourceType, resourceID string) error {
	const op = "contexts.Delete"
	tag, err := r.s.db.Exec(ctx, `
		DELETE FROM module_contexts
		WHERE module_id = $1 AND resource_type = $2 AND resource_id = $3`,
		moduleID, resourceType, resourceID)
	if err != nil {
		return queryErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFound(op, core.ErrModuleNotFound)
	}
	return nil
}

func (r contextRepo) ModuleKnown(ctx context.Context, moduleID string) (bool, error) {
	const op = "contexts.ModuleKnown"
	var known bool
	err := r.s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM module_contexts WHERE module_id = $1)`,
		moduleID).Scan(&known)
	if err != nil {
		return false, queryErr(op, err)
	}
	return known, nil
}

func (r contextRepo) ListResources(ctx context.Context, moduleID, resourceType string) ([]*store.ModuleContext, error) {
	if resourceType == "" {
		return r.list(ctx, `WHERE module_id = $1 ORDER BY resource_id`, moduleID)
	}
	return r.list(ctx,
		`WHERE module_id = $1 AND resource_type = $2 ORDER BY resource_id`,
		moduleID, resourceType)
}

func (r contextRepo) ListForResource(ctx context.Context, resourceType, resourceID string) ([]*store.ModuleContext, error) {
	return r.list(ctx,
		`WHERE resource_type = $1 AND resource_id = $2 ORDER BY module_id`,
		resourceType, resourceID)
}

func (r contextRepo) list(ctx context.Context, tail string, args ...any) ([]*store.ModuleContext, error) {
	const op = "contexts.list"
	rows, err := r.s.db.Query(ctx, `SELECT `+contextColumns+` FROM module_contexts `+tail, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.ModuleContext, error) {
		var mc store.ModuleContext
		if err := rows.Scan(&mc.ModuleID, &mc.ModuleVersion, &mc.ResourceType,
			&mc.ResourceID, &mc.CreatedAt); err != nil {
			return nil, err
		}
		return &mc, nil
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}
