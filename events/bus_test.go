package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/store/memory"
)

type recordingDispatcher struct {
	events []*store.Event
	err    error
}

func (d *recordingDispatcher) ProcessEvent(ctx context.Context, e *store.Event) error {
	d.events = append(d.events, e)
	return d.err
}

type gateFunc func(source string) bool

func (f gateFunc) RegisterSourceEvent(source string) bool { return f(source) }

func envelope(id string, occurredAt time.Time) *store.Event {
	return &store.Event{
		ID:         id,
		Type:       "metastore.record.updated",
		Source:     "metastore.worker",
		OccurredAt: occurredAt,
		Payload:    json.RawMessage(`{"namespace":"feature-flags","status":"active"}`),
	}
}

func TestIngestValidation(t *testing.T) {
	bus := New(memory.New(), nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		e    *store.Event
	}{
		{"missing type", &store.Event{Source: "a.b", OccurredAt: time.Now()}},
		{"bad type", &store.Event{Type: "has space", Source: "a.b", OccurredAt: time.Now()}},
		{"missing source", &store.Event{Type: "a.b", OccurredAt: time.Now()}},
		{"missing occurredAt", &store.Event{Type: "a.b", Source: "c.d"}},
		{"bad payload", &store.Event{Type: "a.b", Source: "c.d", OccurredAt: time.Now(), Payload: json.RawMessage(`{`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := bus.Ingest(ctx, tc.e)
			assert.Error(t, err)
		})
	}
}

func TestIngestAssignsIDAndDispatches(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	bus := New(memory.New(), nil, dispatcher)

	e := envelope("", time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	stored, err := bus.Ingest(context.Background(), e)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.IngestedAt.IsZero())
	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, stored.ID, dispatcher.events[0].ID)
}

func TestIngestDuplicateDropped(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	bus := New(memory.New(), nil, dispatcher)
	ctx := context.Background()

	at := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	first, err := bus.Ingest(ctx, envelope("evt-1", at))
	require.NoError(t, err)

	second, err := bus.Ingest(ctx, envelope("evt-1", at.Add(time.Hour)))
	require.NoError(t, err)

	// Re-inserting by id leaves the log and downstream state unchanged.
	assert.Equal(t, first.OccurredAt, second.OccurredAt)
	assert.Len(t, dispatcher.events, 1)
}

func TestIngestRatePausedSkipsDispatch(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	denied := gateFunc(func(string) bool { return false })
	st := memory.New()
	bus := New(st, denied, dispatcher)

	stored, err := bus.Ingest(context.Background(), envelope("evt-1", time.Now()))
	require.NoError(t, err)
	assert.Empty(t, dispatcher.events)

	// The envelope is persisted even though dispatch was gated.
	got, err := st.Events().Get(context.Background(), stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "metastore.record.updated", got.Type)
}

func TestListOrderingAndCursor(t *testing.T) {
	bus := New(memory.New(), nil, nil)
	ctx := context.Background()

	base := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := bus.Ingest(ctx, envelope(fmt.Sprintf("evt-%d", i), base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	page, err := bus.List(ctx, ListQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "evt-4", page.Events[0].ID)
	assert.Equal(t, "evt-3", page.Events[1].ID)
	require.NotEmpty(t, page.NextCursor)

	page2, err := bus.List(ctx, ListQuery{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2.Events, 2)
	assert.Equal(t, "evt-2", page2.Events[0].ID)
	assert.Equal(t, "evt-1", page2.Events[1].ID)

	page3, err := bus.List(ctx, ListQuery{Limit: 2, Cursor: page2.NextCursor})
	require.NoError(t, err)
	require.Len(t, page3.Events, 1)
	assert.Equal(t, "evt-0", page3.Events[0].ID)
}

func TestListFilters(t *testing.T) {
	bus := New(memory.New(), nil, nil)
	ctx := context.Background()

	at := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	_, err := bus.Ingest(ctx, envelope("evt-1", at))
	require.NoError(t, err)
	other := &store.Event{
		ID: "evt-2", Type: "repo.pushed", Source: "git.gateway",
		OccurredAt: at.Add(time.Minute), CorrelationID: "corr-9",
	}
	_, err = bus.Ingest(ctx, other)
	require.NoError(t, err)

	page, err := bus.List(ctx, ListQuery{Type: "repo.pushed"})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "evt-2", page.Events[0].ID)

	page, err = bus.List(ctx, ListQuery{CorrelationID: "corr-9"})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)

	page, err = bus.List(ctx, ListQuery{Source: "metastore.worker"})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "evt-1", page.Events[0].ID)
}

func TestListJSONPathPredicate(t *testing.T) {
	bus := New(memory.New(), nil, nil)
	ctx := context.Background()

	at := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	_, err := bus.Ingest(ctx, envelope("evt-1", at))
	require.NoError(t, err)
	dull := envelope("evt-2", at.Add(time.Minute))
	dull.Payload = json.RawMessage(`{"namespace":"other"}`)
	_, err = bus.Ingest(ctx, dull)
	require.NoError(t, err)

	page, err := bus.List(ctx, ListQuery{JSONPath: `.namespace == "feature-flags"`})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "evt-1", page.Events[0].ID)

	_, err = bus.List(ctx, ListQuery{JSONPath: `.[broken`})
	assert.Error(t, err)
}
