package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

type eventRepo struct{ s *Store }

const eventColumns = `id, type, source, occurred_at, payload, correlation_id, ingested_at`

func (r eventRepo) Insert(ctx context.Context, e *store.Event) (bool, error) {
	const op = "events.Insert"
	if e.IngestedAt.IsZero() {
		e.IngestedAt = r.s.now().UTC()
	}
	tag, err := r.s.db.Exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Type, e.Source, e.OccurredAt.UTC(), e.Payload, e.CorrelationID,
		e.IngestedAt)
	if err != nil {
		return false, queryErr(op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r eventRepo) Get(ctx context.Context, id string) (*store.Event, error) {
	const op = "events.Get"
	row := r.s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound(op, core.ErrEventNotFound)
	}
	if err != nil {
		return nil, queryErr(op, err)
	}
	return e, nil
}

func (r eventRepo) List(ctx context.Context, filter store.EventFilter) ([]*store.Event, error) {
	const op = "events.List"
	query := `SELECT ` + eventColumns + ` FROM events WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Type != "" {
		query += ` AND type = ` + arg(filter.Type)
	}
	if filter.Source != "" {
		query += ` AND source = ` + arg(filter.Source)
	}
	if filter.CorrelationID != "" {
		query += ` AND correlation_id = ` + arg(filter.CorrelationID)
	}
	if filter.From != nil {
		query += ` AND occurred_at >= ` + arg(filter.From.UTC())
	}
	if filter.To != nil {
		query += ` AND occurred_at <= ` + arg(filter.To.UTC())
	}
	if filter.After != nil {
		// Keyset cursor: strictly after (occurredAt desc, id desc).
		query += fmt.Sprintf(` AND (occurred_at, id) < (%s, %s)`,
			arg(filter.After.OccurredAt.UTC()), arg(filter.After.ID))
	}
	query += ` ORDER BY occurred_at DESC, id DESC` + limitClause(filter.Limit)

	rows, err := r.s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	out, err := collect(rows, func(rows pgx.Rows) (*store.Event, error) {
		return scanEvent(rows)
	})
	if err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (*store.Event, error) {
	var e store.Event
	if err := row.Scan(&e.ID, &e.Type, &e.Source, &e.OccurredAt, &e.Payload,
		&e.CorrelationID, &e.IngestedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
