// Package postgres implements store.Store on PostgreSQL via pgx. Schema
// migrations are embedded and applied with goose. Rich nested structures
// (step graphs, manifests, service metadata) live in jsonb columns; fields
// the control plane filters or sorts on get their own columns and indexes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// querier is the subset of pgx shared by pool and transaction handles, so
// every repository method works inside and outside WithinTx unchanged.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the pgx-backed store.Store implementation.
type Store struct {
	pool   *pgxpool.Pool // nil on transaction-bound views
	db     querier
	logger core.Logger
	now    func() time.Time
}

// Option adjusts a Store at construction.
type Option func(*Store)

// WithLogger injects the structured logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New connects a pool to databaseURL and verifies connectivity. Migrations
// are not applied here; run Migrate (or `apphub migrate`) first.
func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	const op = "postgres.New"
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, core.NewConfiguration("parsing database url", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, core.NewExternal(op, "creating connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, core.NewExternal(op, "pinging database",
			fmt.Errorf("%v: %w", err, core.ErrConnectionFailed))
	}

	s := &Store{pool: pool, db: pool, logger: &core.NoOpLogger{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the pool. No-op on transaction-bound views.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithinTx runs fn against a transaction-bound view of the store. Nested
// calls reuse the enclosing transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	const op = "postgres.WithinTx"
	if s.pool == nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.NewExternal(op, "beginning transaction", err)
	}
	view := &Store{db: tx, logger: s.logger, now: s.now}
	if err := fn(ctx, view); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("transaction rollback", map[string]interface{}{"error": rbErr.Error()})
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return core.NewExternal(op, "committing transaction", err)
	}
	return nil
}

func (s *Store) WorkflowDefinitions() store.WorkflowDefinitionRepo { return definitionRepo{s} }
func (s *Store) WorkflowRuns() store.WorkflowRunRepo               { return runRepo{s} }
func (s *Store) RunSteps() store.RunStepRepo                       { return stepRepo{s} }
func (s *Store) EventTriggers() store.EventTriggerRepo             { return triggerRepo{s} }
func (s *Store) TriggerDeliveries() store.TriggerDeliveryRepo      { return deliveryRepo{s} }
func (s *Store) Events() store.EventRepo                           { return eventRepo{s} }
func (s *Store) Schedules() store.ScheduleRepo                     { return scheduleRepo{s} }
func (s *Store) Services() store.ServiceRepo                       { return serviceRepo{s} }
func (s *Store) ServiceManifests() store.ServiceManifestRepo       { return manifestRepo{s} }
func (s *Store) HealthSnapshots() store.HealthSnapshotRepo         { return healthRepo{s} }
func (s *Store) ModuleContexts() store.ModuleContextRepo           { return contextRepo{s} }
func (s *Store) JobDefinitions() store.JobDefinitionRepo           { return jobRepo{s} }
func (s *Store) BackendMounts() store.BackendMountRepo             { return mountRepo{s} }

// --- shared helpers ---

const pgUniqueViolation = "23505"

// uniqueViolation reports whether err is a unique-constraint violation on
// the named constraint (any constraint when name is empty).
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func queryErr(op string, err error) error {
	return core.NewExternal(op, "query failed", err)
}

// collect drains rows through scan, one value per row.
func collect[T any](rows pgx.Rows, scan func(pgx.Rows) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// limitClause renders "LIMIT n" for positive n.
func limitClause(limit int) string {
	if limit > 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return ""
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
