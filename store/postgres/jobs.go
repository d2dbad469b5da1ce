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

// --- job definitions ---

type jobRepo struct{ s *Store }

const jobColumns = `id, slug, version, display_name, queue_key, timeout_ms,
	retry_policy, parameters_schema, metadata, created_at, updated_at`

func (r jobRepo) Upsert(ctx context.Context, job *store.JobDefinition) error {
	const op = "jobs.Upsert"
	var retryPolicy []byte
	if job.RetryPolicy != nil {
		var err error
		retryPolicy, err = json.Marshal(job.RetryPolicy)
		if err != nil {
			return core.NewInternal(op, "encoding retry policy", err)
		}
	}
	now := r.s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.Version == 0 {
		job.Version = 1
	}
	job.UpdatedAt = now

	row := r.s.db.QueryRow(ctx, `
		INSERT INTO job_definitions (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (slug) DO UPDATE
		SET id = EXCLUDED.id, version = job_definitions.version + 1,
		    display_name = EXCLUDED.display_name, queue_key = EXCLUDED.queue_key,
		    timeout_ms = EXCLUDED.timeout_ms, retry_policy = EXCLUDED.retry_policy,
		    parameters_schema = EXCLUDED.parameters_schema,
		    metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at
		RETURNING version, created_at`,
		job.ID, job.Slug, job.Version, job.DisplayName, job.QueueKey,
		job.TimeoutMs, retryPolicy, job.ParametersSchema, job.Metadata,
		job.CreatedAt, job.UpdatedAt)
	if err := row.Scan(&job.Version, &job.CreatedAt); err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r jobRepo) GetBySlug(ctx context.Context, slug string) (*store.JobDefinition, error) {
	const op = "jobs.GetBySlug"
	row := r.s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_definitions WHERE slug = $1`, slug)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrJobNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return job, nil
}

func (r jobRepo) List(ctx context.Context) ([]*store.JobDefinition, error) {
	const op = "jobs.List"
	rows, err := r.s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM job_definitions ORDER BY slug`)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.JobDefinition, error) {
		return scanJob(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (*store.JobDefinition, error) {
	var job store.JobDefinition
	var retryPolicy []byte
	if err := row.Scan(&job.ID, &job.Slug, &job.Version, &job.DisplayName,
		&job.QueueKey, &job.TimeoutMs, &retryPolicy, &job.ParametersSchema,
		&job.Metadata, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	if len(retryPolicy) > 0 {
		job.RetryPolicy = &store.RetryPolicySpec{}
		if err := json.Unmarshal(retryPolicy, job.RetryPolicy); err != nil {
			return nil, fmt.Errorf("decoding retry policy of %s: %w", job.Slug, err)
		}
	}
	return &job, nil
}

// --- backend mounts ---

type mountRepo struct{ s *Store }

const mountColumns = `id, mount_key, display_name, kind, root_path, config,
	created_at, updated_at`

func (r mountRepo) Upsert(ctx context.Context, mount *store.BackendMount) error {
	const op = "mounts.Upsert"
	now := r.s.now().UTC()
	if mount.CreatedAt.IsZero() {
		mount.CreatedAt = now
	}
	mount.UpdatedAt = now

	row := r.s.db.QueryRow(ctx, `
		INSERT INTO backend_mounts (`+mountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (mount_key) DO UPDATE
		SET id = EXCLUDED.id, display_name = EXCLUDED.display_name,
		    kind = EXCLUDED.kind, root_path = EXCLUDED.root_path,
		    config = EXCLUDED.config, updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		mount.ID, mount.MountKey, mount.DisplayName, mount.Kind, mount.RootPath,
		mount.Config, mount.CreatedAt, mount.UpdatedAt)
	if err := row.Scan(&mount.CreatedAt); err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r mountRepo) Get(ctx context.Context, mountKey string) (*store.BackendMount, error) {
	const op = "mounts.Get"
	row := r.s.db.QueryRow(ctx,
		`SELECT `+mountColumns+` FROM backend_mounts WHERE mount_key = $1`, mountKey)
	mount, err := scanMount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrMountNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return mount, nil
}

func (r mountRepo) List(ctx context.Context) ([]*store.BackendMount, error) {
	const op = "mounts.List"
	rows, err := r.s.db.Query(ctx,
		`SELECT `+mountColumns+` FROM backend_mounts ORDER BY mount_key`)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.BackendMount, error) {
		return scanMount(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanMount(row pgx.Row) (*store.BackendMount, error) {
	var mount store.BackendMount
	if err := row.Scan(&mount.ID, &mount.MountKey, &mount.DisplayName,
		&mount.Kind, &mount.RootPath, &mount.Config, &mount.CreatedAt,
		&mount.UpdatedAt); err != nil {
		return nil, err
	}
	return &mount, nil
}
