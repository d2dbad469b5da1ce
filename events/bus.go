// Package events implements the event envelope bus: validation,
// at-most-once ingestion into the event log, and cursor-paged listing.
// Downstream trigger evaluation is handed off through the queue manager in
// redis mode or invoked directly in inline mode.
package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/queue"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/telemetry"
)

// SourceGate admits or denies an envelope based on its source's rate
// limit. Implemented by scheduling.State.
type SourceGate interface {
	RegisterSourceEvent(source string) bool
}

// TriggerDispatcher evaluates triggers for one persisted envelope.
// Implemented by triggers.Processor.
type TriggerDispatcher interface {
	ProcessEvent(ctx context.Context, event *store.Event) error
}

// Bus validates and persists envelopes and fans them out to the trigger
// processor.
type Bus struct {
	store      store.Store
	gate       SourceGate
	dispatcher TriggerDispatcher
	manager    *queue.Manager
	logger     core.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// Option adjusts a Bus at construction.
type Option func(*Bus)

// WithLogger injects the structured logger.
func WithLogger(logger core.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics wires the shared Prometheus collectors.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = metrics }
}

// WithQueueManager routes trigger dispatch through the event-trigger queue
// when running in redis mode.
func WithQueueManager(manager *queue.Manager) Option {
	return func(b *Bus) { b.manager = manager }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New builds an event bus. The dispatcher may be nil when no trigger
// processor is wired (ingestion-only deployments).
func New(st store.Store, gate SourceGate, dispatcher TriggerDispatcher, opts ...Option) *Bus {
	b := &Bus{
		store:      st,
		gate:       gate,
		dispatcher: dispatcher,
		logger:     &core.NoOpLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// dottedName reports whether s looks like a dotted identifier such as
// "metastore.record.updated".
func dottedName(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Validate checks envelope structure. OccurredAt must carry a real instant;
// the HTTP boundary parses RFC3339 with offset before calling Ingest.
func Validate(e *store.Event) error {
	if e == nil {
		return core.NewValidation("events.Validate", "envelope is required")
	}
	if !dottedName(e.Type) {
		return core.NewValidationf("events.Validate", "invalid event type %q", e.Type)
	}
	if !dottedName(e.Source) {
		return core.NewValidationf("events.Validate", "invalid event source %q", e.Source)
	}
	if e.OccurredAt.IsZero() {
		return core.NewValidation("events.Validate", "occurredAt is required")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return core.NewValidation("events.Validate", "payload is not valid JSON")
	}
	return nil
}

// Ingest validates, normalizes and persists the envelope, then dispatches
// it to the trigger processor unless the source is rate-paused. A duplicate
// id is silently dropped: the call succeeds and nothing downstream runs.
func (b *Bus) Ingest(ctx context.Context, e *store.Event) (*store.Event, error) {
	if err := Validate(e); err != nil {
		if b.metrics != nil {
			source := "unknown"
			if e != nil {
				source = e.Source
			}
			b.metrics.EventsDropped.WithLabelValues(source, "invalid").Inc()
		}
		return nil, err
	}

	row := *e
	if row.ID == "" {
		row.ID = core.NewUUID()
	}
	row.OccurredAt = row.OccurredAt.UTC()
	row.IngestedAt = b.now().UTC()

	inserted, err := b.store.Events().Insert(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("inserting event %s: %w", row.ID, err)
	}
	if !inserted {
		b.logger.Debug("duplicate event dropped", map[string]interface{}{
			"event_id": row.ID, "type": row.Type,
		})
		existing, err := b.store.Events().Get(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}

	if b.metrics != nil {
		b.metrics.EventsIngested.WithLabelValues(row.Type, row.Source).Inc()
	}

	if b.gate != nil && !b.gate.RegisterSourceEvent(row.Source) {
		b.logger.Warn("event source rate-paused, skipping trigger dispatch", map[string]interface{}{
			"event_id": row.ID, "source": row.Source,
		})
		if b.metrics != nil {
			b.metrics.EventsDropped.WithLabelValues(row.Source, "rate_limited").Inc()
		}
		return &row, nil
	}

	if err := b.dispatch(ctx, &row); err != nil {
		// The envelope is durable; dispatch failures surface in logs and
		// are recoverable through delivery retries.
		b.logger.Error("trigger dispatch failed", map[string]interface{}{
			"event_id": row.ID, "error": err.Error(),
		})
	}
	return &row, nil
}

// dispatch hands the envelope to the trigger processor, through the
// event-trigger queue when one is wired and running in redis mode.
func (b *Bus) dispatch(ctx context.Context, e *store.Event) error {
	if b.manager != nil {
		handle, ok, err := b.manager.TryQueue(ctx, queue.QueueEventTrigger)
		if err != nil {
			return err
		}
		if ok {
			payload, _ := json.Marshal(map[string]string{"eventId": e.ID})
			return handle.Enqueue(ctx, &queue.Job{Type: "evaluate-event", Payload: payload}, queue.JobOptions{})
		}
	}
	if b.dispatcher == nil {
		return nil
	}
	return b.dispatcher.ProcessEvent(ctx, e)
}

// ListQuery narrows Bus.List.
type ListQuery struct {
	Cursor        string
	Limit         int
	Type          string
	Source        string
	CorrelationID string
	From          *time.Time
	To            *time.Time
	// JSONPath is a gojq expression evaluated against each payload; the
	// event passes when the expression yields a truthy value.
	JSONPath string
}

// Page is one cursor-paged slice of the event log, ordered by
// occurredAt desc, id desc.
type Page struct {
	Events     []*store.Event
	NextCursor string
}

// cursorToken is the opaque wire form of a keyset position.
type cursorToken struct {
	OccurredAt int64  `json:"o"` // unix nanos
	ID         string `json:"i"`
}

func encodeCursor(e *store.Event) string {
	data, _ := json.Marshal(cursorToken{OccurredAt: e.OccurredAt.UnixNano(), ID: e.ID})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (*store.EventKey, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, core.NewValidation("events.List", "malformed cursor")
	}
	var tok cursorToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, core.NewValidation("events.List", "malformed cursor")
	}
	return &store.EventKey{OccurredAt: time.Unix(0, tok.OccurredAt).UTC(), ID: tok.ID}, nil
}

const defaultPageSize = 50

// List returns one page of the event log matching the query.
func (b *Bus) List(ctx context.Context, q ListQuery) (*Page, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultPageSize
	}

	var predicate *gojq.Code
	if q.JSONPath != "" {
		parsed, err := gojq.Parse(q.JSONPath)
		if err != nil {
			return nil, core.NewValidationf("events.List", "invalid jsonPath expression: %v", err)
		}
		predicate, err = gojq.Compile(parsed)
		if err != nil {
			return nil, core.NewValidationf("events.List", "invalid jsonPath expression: %v", err)
		}
	}

	filter := store.EventFilter{
		Type:          q.Type,
		Source:        q.Source,
		CorrelationID: q.CorrelationID,
		From:          q.From,
		To:            q.To,
	}
	if q.Cursor != "" {
		after, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		filter.After = after
	}

	page := &Page{}
	for {
		// Over-fetch one row to learn whether another page exists; the
		// loop only repeats when a jsonPath filter thinned the batch.
		filter.Limit = limit + 1
		batch, err := b.store.Events().List(ctx, filter)
		if err != nil {
			return nil, err
		}

		more := len(batch) > limit
		if more {
			batch = batch[:limit]
		}

		for _, e := range batch {
			if predicate != nil {
				match, err := evalPredicate(ctx, predicate, e.Payload)
				if err != nil {
					return nil, err
				}
				if !match {
					continue
				}
			}
			page.Events = append(page.Events, e)
			if len(page.Events) == limit {
				page.NextCursor = encodeCursor(e)
				return page, nil
			}
		}

		if !more {
			return page, nil
		}
		last := batch[len(batch)-1]
		filter.After = &store.EventKey{OccurredAt: last.OccurredAt, ID: last.ID}
	}
}

// evalPredicate runs the compiled gojq program against the payload and
// reports whether the first emitted value is truthy.
func evalPredicate(ctx context.Context, code *gojq.Code, payload json.RawMessage) (bool, error) {
	var doc interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return false, nil
		}
	}
	iter := code.RunWithContext(ctx, doc)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		// Expression errors on one payload fail closed for that event.
		_ = err
		return false, nil
	}
	switch val := v.(type) {
	case nil:
		return false, nil
	case bool:
		return val, nil
	default:
		return true, nil
	}
}
