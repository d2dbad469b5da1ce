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

// --- services ---

type serviceRepo struct{ s *Store }

const serviceColumns = `slug, display_name, kind, base_url, base_url_source,
	status, status_message, capabilities, metadata, created_at, updated_at`

func (r serviceRepo) Upsert(ctx context.Context, svc *store.Service) error {
	const op = "services.Upsert"
	if svc.Status == "" {
		svc.Status = store.ServiceUnknown
	}
	capabilities, err := json.Marshal(svc.Capabilities)
	if err != nil {
		return core.NewInternal(op, "encoding capabilities", err)
	}
	metadata, err := json.Marshal(svc.Metadata)
	if err != nil {
		return core.NewInternal(op, "encoding metadata", err)
	}
	now := r.s.now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now

	row := r.s.db.QueryRow(ctx, `
		INSERT INTO services (`+serviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (slug) DO UPDATE
		SET display_name = EXCLUDED.display_name, kind = EXCLUDED.kind,
		    base_url = EXCLUDED.base_url, base_url_source = EXCLUDED.base_url_source,
		    status = EXCLUDED.status, status_message = EXCLUDED.status_message,
		    capabilities = EXCLUDED.capabilities, metadata = EXCLUDED.metadata,
		    updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		svc.Slug, svc.DisplayName, svc.Kind, svc.BaseURL, svc.BaseURLSource,
		svc.Status, svc.StatusMessage, capabilities, metadata, svc.CreatedAt,
		svc.UpdatedAt)
	if err := row.Scan(&svc.CreatedAt); err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r serviceRepo) Get(ctx context.Context, slug string) (*store.Service, error) {
	const op = "services.Get"
	row := r.s.db.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE slug = $1`, slug)
	svc, err := scanService(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrServiceNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return svc, nil
}

func (r serviceRepo) List(ctx context.Context) ([]*store.Service, error) {
	const op = "services.List"
	rows, err := r.s.db.Query(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY slug`)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.Service, error) {
		return scanService(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func (r serviceRepo) UpdateStatus(ctx context.Context, slug string, status store.ServiceStatus, message string, at time.Time) error {
	const op = "services.UpdateStatus"
	tag, err := r.s.db.Exec(ctx, `
		UPDATE services SET status = $2, status_message = $3, updated_at = $4
		WHERE slug = $1`,
		slug, status, message, at.UTC())
	if err != nil {
		return queryErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFound(op, core.ErrServiceNotFound)
	}
	return nil
}

func scanService(row pgx.Row) (*store.Service, error) {
	var svc store.Service
	var capabilities, metadata []byte
	if err := row.Scan(&svc.Slug, &svc.DisplayName, &svc.Kind, &svc.BaseURL,
		&svc.BaseURLSource, &svc.Status, &svc.StatusMessage, &capabilities,
		&metadata, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
		return nil, err
	}
	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &svc.Capabilities); err != nil {
			return nil, fmt.Errorf("decoding capabilities of %s: %w", svc.Slug, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &svc.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", svc.Slug, err)
		}
	}
	return &svc, nil
}

// --- service manifests ---

type manifestRepo struct{ s *Store }

func (r manifestRepo) ReplaceModule(ctx context.Context, moduleID string, entries []*store.ServiceManifest) error {
	const op = "manifests.ReplaceModule"
	return r.s.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		txs := tx.(*Store)
		if _, err := txs.db.Exec(ctx,
			`DELETE FROM service_manifests WHERE module_id = $1`, moduleID); err != nil {
			return queryErr(op, err)
		}
		now := r.s.now().UTC()
		for _, entry := range entries {
			entry.ModuleID = moduleID
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = now
			}
			doc, err := json.Marshal(entry)
			if err != nil {
				return core.NewInternal(op, "encoding manifest", err)
			}
			if _, err := txs.db.Exec(ctx, `
				INSERT INTO service_manifests (id, module_id, slug, manifest, created_at)
				VALUES ($1, $2, $3, $4, $5)`,
				entry.ID, moduleID, entry.Slug, doc, entry.CreatedAt); err != nil {
				return queryErr(op, err)
			}
		}
		return nil
	})
}

func (r manifestRepo) ListAll(ctx context.Context) ([]*store.ServiceManifest, error) {
	return r.list(ctx, `ORDER BY module_id, created_at, id`)
}

func (r manifestRepo) ListByModule(ctx context.Context, moduleID string) ([]*store.ServiceManifest, error) {
	return r.list(ctx, `WHERE module_id = $1 ORDER BY created_at, id`, moduleID)
}

func (r manifestRepo) list(ctx context.Context, tail string, args ...any) ([]*store.ServiceManifest, error) {
	const op = "manifests.list"
	rows, err := r.s.db.Query(ctx, `SELECT manifest FROM service_manifests `+tail, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.ServiceManifest, error) {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var manifest store.ServiceManifest
		if err := json.Unmarshal(doc, &manifest); err != nil {
			return nil, fmt.Errorf("decoding manifest: %w", err)
		}
		return &manifest, nil
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

// --- health snapshots ---

type healthRepo struct{ s *Store }

const healthColumns = `id, service_slug, status, status_message, latency_ms,
	probed_url, checked_at`

func (r healthRepo) Insert(ctx context.Context, snap *store.HealthSnapshot) error {
	const op = "health.Insert"
	if snap.CheckedAt.IsZero() {
		snap.CheckedAt = r.s.now().UTC()
	}
	_, err := r.s.db.Exec(ctx, `
		INSERT INTO health_snapshots (`+healthColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.ServiceSlug, snap.Status, snap.StatusMessage,
		snap.LatencyMs, snap.ProbedURL, snap.CheckedAt)
	if err != nil {
		return queryErr(op, err)
	}
	return nil
}

func (r healthRepo) Latest(ctx context.Context, serviceSlug string) (*store.HealthSnapshot, error) {
	const op = "health.Latest"
	row := r.s.db.QueryRow(ctx, `
		SELECT `+healthColumns+` FROM health_snapshots
		WHERE service_slug = $1 ORDER BY checked_at DESC, id DESC LIMIT 1`, serviceSlug)
	snap, err := scanHealth(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return snap, nil
}

func (r healthRepo) ListByService(ctx context.Context, serviceSlug string, limit int) ([]*store.HealthSnapshot, error) {
	const op = "health.ListByService"
	rows, err := r.s.db.Query(ctx, `
		SELECT `+healthColumns+` FROM health_snapshots
		WHERE service_slug = $1 ORDER BY checked_at DESC, id DESC`+limitClause(limit),
		serviceSlug)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.HealthSnapshot, error) {
		return scanHealth(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanHealth(row pgx.Row) (*store.HealthSnapshot, error) {
	var snap store.HealthSnapshot
	if err := row.Scan(&snap.ID, &snap.ServiceSlug, &snap.Status,
		&snap.StatusMessage, &snap.LatencyMs, &snap.ProbedURL,
		&snap.CheckedAt); err != nil {
		return nil, err
	}
	return &snap, nil
}
