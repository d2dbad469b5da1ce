package triggers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/store/memory"
)

type fakeLauncher struct {
	store    store.Store
	launched []LaunchRequest
	err      error
}

// LaunchRun creates the run row the way the orchestrator's launcher does,
// so run-key conflicts and concurrency counts behave like production.
func (l *fakeLauncher) LaunchRun(ctx context.Context, req LaunchRequest) (*store.WorkflowRun, error) {
	if l.err != nil {
		return nil, l.err
	}
	run := &store.WorkflowRun{
		ID:               core.NewID("run"),
		DefinitionID:     req.DefinitionID,
		Status:           store.RunPending,
		TriggeredBy:      req.TriggeredBy,
		Parameters:       req.Parameters,
		RunKey:           req.RunKey,
		RunKeyNormalized: NormalizeRunKey(req.RunKey),
	}
	if err := l.store.WorkflowRuns().Create(ctx, run); err != nil {
		return nil, err
	}
	l.launched = append(l.launched, req)
	return run, nil
}

type fixture struct {
	store     *memory.Store
	launcher  *fakeLauncher
	processor *Processor
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
	f.store = memory.NewWithClock(func() time.Time { return f.clock })
	f.launcher = &fakeLauncher{store: f.store}
	f.processor = New(f.store, nil, f.launcher, WithClock(func() time.Time { return f.clock }))
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) createTrigger(t *testing.T, mutate func(*store.EventTrigger)) *store.EventTrigger {
	t.Helper()
	trigger := &store.EventTrigger{
		DefinitionID: "wfdef_1",
		Name:         "on-metastore-update",
		EventType:    "metastore.record.updated",
		Predicates: []store.TriggerPredicate{
			{Path: "$.payload.namespace", Operator: OpEquals, Value: json.RawMessage(`"feature-flags"`)},
		},
		ParameterTemplate: json.RawMessage(`{"namespace":"{{ event.payload.namespace }}"}`),
	}
	if mutate != nil {
		mutate(trigger)
	}
	require.NoError(t, f.processor.CreateTrigger(context.Background(), trigger))
	return trigger
}

func (f *fixture) ingest(t *testing.T, id string, payload string) *store.Event {
	t.Helper()
	e := &store.Event{
		ID:         id,
		Type:       "metastore.record.updated",
		Source:     "metastore.worker",
		OccurredAt: f.clock,
		Payload:    json.RawMessage(payload),
	}
	_, err := f.store.Events().Insert(context.Background(), e)
	require.NoError(t, err)
	return e
}

func deliveries(t *testing.T, f *fixture, triggerID string) []*store.TriggerDelivery {
	t.Helper()
	out, err := f.store.TriggerDeliveries().ListByTrigger(context.Background(), triggerID, store.DeliveryFilter{})
	require.NoError(t, err)
	return out
}

func TestEventTriggersWorkflow(t *testing.T) {
	f := newFixture(t)
	trigger := f.createTrigger(t, nil)
	event := f.ingest(t, "evt-1", `{"namespace":"feature-flags","status":"active"}`)

	require.NoError(t, f.processor.ProcessEvent(context.Background(), event))

	all := deliveries(t, f, trigger.ID)
	require.Len(t, all, 1)
	assert.Equal(t, store.DeliveryLaunched, all[0].Status)
	assert.NotEmpty(t, all[0].WorkflowRunID)

	require.Len(t, f.launcher.launched, 1)
	assert.Equal(t, store.TriggeredByEvent, f.launcher.launched[0].TriggeredBy)
	assert.JSONEq(t, `{"namespace":"feature-flags"}`, string(f.launcher.launched[0].Parameters))
}

func TestPredicateMismatchCreatesNoDelivery(t *testing.T) {
	f := newFixture(t)
	trigger := f.createTrigger(t, nil)
	event := f.ingest(t, "evt-1", `{"namespace":"other"}`)

	require.NoError(t, f.processor.ProcessEvent(context.Background(), event))
	assert.Empty(t, deliveries(t, f, trigger.ID))
}

func TestEventSourceFilter(t *testing.T) {
	f := newFixture(t)
	trigger := f.createTrigger(t, func(tr *store.EventTrigger) {
		tr.EventSource = "other.source"
	})
	event := f.ingest(t, "evt-1", `{"namespace":"feature-flags"}`)

	require.NoError(t, f.processor.ProcessEvent(context.Background(), event))
	assert.Empty(t, deliveries(t, f, trigger.ID))
}

func TestThrottledRetry(t *testing.T) {
	f := newFixture(t)
	trigger := f.createTrigger(t, func(tr *store.EventTrigger) {
		tr.ThrottleWindowMs = 60_000
		tr.ThrottleCount = 1
	})
	ctx := context.Background()

	first := f.ingest(t, "evt-1", `{"namespace":"feature-flags"}`)
	require.NoError(t, f.processor.ProcessEvent(ctx, first))

	f.advance(time.Second)
	second := f.ingest(t, "evt-2", `{"namespace":"feature-flags"}`)
	require.NoError(t, f.processor.ProcessEvent(ctx, second))

	all := deliveries(t, f, trigger.ID)
	require.Len(t, all, 2)

	var throttled *store.TriggerDelivery
	for _, d := range all {
		if d.Status == store.DeliveryThrottled {
			throttled = d
		}
	}
	require.NotNil(t, throttled)
	assert.Equal(t, store.RetryScheduled, throttled.RetryState)
	assert.Equal(t, 1, throttled.RetryAttempts)
	require.NotNil(t, throttled.NextAttemptAt)
	assert.Equal(t, f.clock.Add(time.Minute), *throttled.NextAttemptAt)

	// Two minutes later the window has drained; the retry launches.
	f.advance(2 * time.Minute)
	require.NoError(t, f.processor.RetryDelivery(ctx, throttled.ID))

	got, err := f.store.TriggerDeliveries().Get(ctx, throttled.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryLaunched, got.Status)
	assert.NotEmpty(t, got.WorkflowRunID)
	assert.Len(t, f.launcher.launched, 2)
}

func TestIdempotencyShortCircuit(t *testing.T) {
	f := newFixture(t)
	trigger := f.createTrigger(t, func(tr *store.EventTrigger) {
		tr.IdempotencyKeyExpression = "{{ event.payload.namespace }}"
	})
	ctx := context.Background()

	first := f.ingest(t, "evt-1", `{"namespace":"feature-flags"}`)
	require.NoError(t, f.processor.ProcessEvent(ctx, first))

	f.advance(time.Second)
	second := f.ingest(t, "evt-2", `{"namespace":"feature-flags"}`)
	require.NoError(t, f.processor.ProcessEvent(ctx, second))

	all := deliveries(t, f, trigger.ID)
	require.Len(t, all, 2)

	statuses := map[store.DeliveryStatus]int{}
	for _, d := range all {
		statuses[d.Status]++
		if d.Status == store.DeliverySkipped {
			assert.Equal(t, ReasonIdempotentReplay, d.Reason)
		}
	}
	assert.Equal(t, 1, statuses[store.DeliveryLaunched])
	assert.Equal(t, 1, statuses[store.DeliverySkipped])
	assert.Len(t, f.launcher.launched, 1)
}

func TestConcurrencyCapDefers(t *testing.T) {
	f := newFixture(t)
	trigger := f.createTrigger(t, func(tr *store.EventTrigger) {
		tr.MaxConcurrency = 1
		tr.RunKeyTemplate = "{{ event.id }}"
	})
	ctx := context.Background()

	first := f.ingest(t, "evt-1", `{"namespace":"feature-flags"}`)
	require.NoError(t, f.processor.ProcessEvent(ctx, first))

	// The launched run is still non-terminal, so the next event defers.
	f.advance(time.Second)
	second := f.ingest(t, "evt-2", `{"namespace":"feature-flags"}`)
	require.NoError(t, f.processor.ProcessEvent(ctx, second))

	all := deliveries(t, f, trigger.ID)
	require.Len(t, all, 2)
	var throttled *store.TriggerDelivery
	for _, d := range all {
		if d.Status == store.DeliveryThrottled {
			throttled = d
		}
	}
	require.NotNil(t, throttled)
	assert.Equal(t, ReasonConcurrencyCap, throttled.Reason)
}

func TestParameterResolutionFailure(t *testing.T) {
	f := newFixture(t)
	trigger := f.createTrigger(t, func(tr *store.EventTrigger) {
		tr.ParameterTemplate = json.RawMessage(`{"missing":"{{ event.payload.absent }}"}`)
	})
	event := f.ingest(t, "evt-1", `{"namespace":"feature-flags"}`)

	require.NoError(t, f.processor.ProcessEvent(context.Background(), event))

	all := deliveries(t, f, trigger.ID)
	require.Len(t, all, 1)
	assert.Equal(t, store.DeliveryFailed, all[0].Status)
	assert.Contains(t, all[0].Reason, ReasonParameterResolution)
	assert.Empty(t, f.launcher.launched)
}

func TestDisabledTriggerRetrySkips(t *testing.T) {
	f := newFixture(t)
	trigger := f.createTrigger(t, func(tr *store.EventTrigger) {
		tr.ThrottleWindowMs = 60_000
		tr.ThrottleCount = 1
	})
	ctx := context.Background()

	require.NoError(t, f.processor.ProcessEvent(ctx, f.ingest(t, "evt-1", `{"namespace":"feature-flags"}`)))
	require.NoError(t, f.processor.ProcessEvent(ctx, f.ingest(t, "evt-2", `{"namespace":"feature-flags"}`)))

	var throttled *store.TriggerDelivery
	for _, d := range deliveries(t, f, trigger.ID) {
		if d.Status == store.DeliveryThrottled {
			throttled = d
		}
	}
	require.NotNil(t, throttled)

	trigger.Status = store.TriggerDisabled
	require.NoError(t, f.store.EventTriggers().Update(ctx, trigger))

	require.NoError(t, f.processor.RetryDelivery(ctx, throttled.ID))
	got, err := f.store.TriggerDeliveries().Get(ctx, throttled.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverySkipped, got.Status)
	assert.Equal(t, ReasonTriggerDisabled, got.Reason)
}

func TestRunKeyConflictSkips(t *testing.T) {
	f := newFixture(t)
	trigger := f.createTrigger(t, func(tr *store.EventTrigger) {
		tr.RunKeyTemplate = "fixed-{{ event.payload.namespace }}"
	})
	ctx := context.Background()

	require.NoError(t, f.processor.ProcessEvent(ctx, f.ingest(t, "evt-1", `{"namespace":"feature-flags"}`)))
	f.advance(time.Second)
	require.NoError(t, f.processor.ProcessEvent(ctx, f.ingest(t, "evt-2", `{"namespace":"feature-flags"}`)))

	statuses := map[store.DeliveryStatus]int{}
	for _, d := range deliveries(t, f, trigger.ID) {
		statuses[d.Status]++
	}
	assert.Equal(t, 1, statuses[store.DeliveryLaunched])
	assert.Equal(t, 1, statuses[store.DeliverySkipped])
}

func TestParseRetryKind(t *testing.T) {
	kind, err := ParseRetryKind("trigger")
	require.NoError(t, err)
	assert.Equal(t, RetryKindTrigger, kind)

	_, err = ParseRetryKind("mystery")
	assert.Error(t, err)
}

func TestValidateTriggerRejectsBadInput(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*store.EventTrigger)
	}{
		{"missing definition", func(tr *store.EventTrigger) { tr.DefinitionID = "" }},
		{"bad event type", func(tr *store.EventTrigger) { tr.EventType = "has space" }},
		{"unknown operator", func(tr *store.EventTrigger) {
			tr.Predicates = []store.TriggerPredicate{{Path: "$.a", Operator: "matches"}}
		}},
		{"invalid regex", func(tr *store.EventTrigger) {
			tr.Predicates = []store.TriggerPredicate{{Path: "$.a", Operator: OpRegex, Value: json.RawMessage(`"["`)}}
		}},
		{"bad path", func(tr *store.EventTrigger) {
			tr.Predicates = []store.TriggerPredicate{{Path: "payload", Operator: OpExists}}
		}},
		{"negative throttle", func(tr *store.EventTrigger) { tr.ThrottleCount = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trigger := &store.EventTrigger{
				DefinitionID: "wfdef_1",
				EventType:    "metastore.record.updated",
			}
			tc.mutate(trigger)
			err := ValidateTrigger(trigger)
			require.Error(t, err)
			assert.Equal(t, core.KindValidation, core.KindOf(err))
		})
	}
}

func TestPredicateOperators(t *testing.T) {
	payload := `{
		"namespace": "Feature-Flags",
		"count": 7,
		"tags": ["beta", "internal"],
		"nested": {"deep": {"value": "x"}},
		"rate": "12.5"
	}`
	cases := []struct {
		name  string
		pred  store.TriggerPredicate
		match bool
	}{
		{"exists hit", store.TriggerPredicate{Path: "$.payload.namespace", Operator: OpExists}, true},
		{"exists miss", store.TriggerPredicate{Path: "$.payload.absent", Operator: OpExists}, false},
		{"equals case-sensitive miss", store.TriggerPredicate{
			Path: "$.payload.namespace", Operator: OpEquals, Value: json.RawMessage(`"feature-flags"`),
		}, false},
		{"equals case-insensitive hit", store.TriggerPredicate{
			Path: "$.payload.namespace", Operator: OpEquals, Value: json.RawMessage(`"feature-flags"`),
			CaseSensitive: boolPtr(false),
		}, true},
		{"notEquals", store.TriggerPredicate{
			Path: "$.payload.count", Operator: OpNotEquals, Value: json.RawMessage(`8`),
		}, true},
		{"contains string", store.TriggerPredicate{
			Path: "$.payload.namespace", Operator: OpContains, Value: json.RawMessage(`"Flags"`),
		}, true},
		{"contains array", store.TriggerPredicate{
			Path: "$.payload.tags", Operator: OpContains, Value: json.RawMessage(`"beta"`),
		}, true},
		{"in", store.TriggerPredicate{
			Path: "$.payload.count", Operator: OpIn, Value: json.RawMessage(`[5, 6, 7]`),
		}, true},
		{"notIn", store.TriggerPredicate{
			Path: "$.payload.count", Operator: OpNotIn, Value: json.RawMessage(`[5, 6, 7]`),
		}, false},
		{"gt", store.TriggerPredicate{
			Path: "$.payload.count", Operator: OpGT, Value: json.RawMessage(`5`),
		}, true},
		{"gte boundary", store.TriggerPredicate{
			Path: "$.payload.count", Operator: OpGTE, Value: json.RawMessage(`7`),
		}, true},
		{"lt coerced string", store.TriggerPredicate{
			Path: "$.payload.rate", Operator: OpLT, Value: json.RawMessage(`20`),
		}, true},
		{"lte non-numeric fails closed", store.TriggerPredicate{
			Path: "$.payload.namespace", Operator: OpLTE, Value: json.RawMessage(`5`),
		}, false},
		{"regex", store.TriggerPredicate{
			Path: "$.payload.namespace", Operator: OpRegex, Value: json.RawMessage(`"^feature"`), Flags: "i",
		}, true},
		{"deep path", store.TriggerPredicate{
			Path: "$.payload.nested.deep.value", Operator: OpEquals, Value: json.RawMessage(`"x"`),
		}, true},
	}

	event := &store.Event{
		ID: "evt-1", Type: "t.t", Source: "s.s",
		OccurredAt: time.Now(), Payload: json.RawMessage(payload),
	}
	doc := envelopeDocument(event)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluatePredicates(context.Background(), []store.TriggerPredicate{tc.pred}, doc)
			require.NoError(t, err)
			assert.Equal(t, tc.match, got)
		})
	}
}

func TestDeriveRunKeySanitizes(t *testing.T) {
	trigger := &store.EventTrigger{ID: "trg_1", Name: "My Trigger/Name!"}
	event := &store.Event{OccurredAt: time.Date(2025, 8, 1, 12, 15, 0, 0, time.UTC)}

	key, err := deriveRunKey(context.Background(), trigger, event)
	require.NoError(t, err)
	assert.Equal(t, "My-Trigger-Name-:2025-08-01T12:15:00.000Z", key)
	assert.Equal(t, "my-trigger-name-:2025-08-01t12:15:00.000z", NormalizeRunKey(key))
}

func TestRenderParametersTypePreservation(t *testing.T) {
	trigger := &store.EventTrigger{
		ID:                "trg_1",
		Metadata:          json.RawMessage(`{"team":"platform"}`),
		ParameterTemplate: json.RawMessage(`{"count":"{{ event.payload.count }}","label":"ns={{ event.payload.ns }} team={{ trigger.metadata.team }}"}`),
	}
	event := &store.Event{
		ID: "evt-1", Type: "t.t", Source: "s.s", OccurredAt: time.Now(),
		Payload: json.RawMessage(`{"count": 7, "ns": "ff"}`),
	}

	out, err := RenderParameters(context.Background(), trigger, event)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count": 7, "label": "ns=ff team=platform"}`, string(out))
}

func TestProcessorErrorIsolation(t *testing.T) {
	f := newFixture(t)
	// Two triggers on the same type: one fails to launch, one succeeds.
	bad := f.createTrigger(t, func(tr *store.EventTrigger) {
		tr.Name = "bad"
		tr.ParameterTemplate = json.RawMessage(`{"v":"{{ event.payload.absent }}"}`)
	})
	good := f.createTrigger(t, func(tr *store.EventTrigger) { tr.Name = "good" })

	event := f.ingest(t, "evt-1", `{"namespace":"feature-flags"}`)
	require.NoError(t, f.processor.ProcessEvent(context.Background(), event))

	assert.Len(t, deliveries(t, f, bad.ID), 1)
	launched := deliveries(t, f, good.ID)
	require.Len(t, launched, 1)
	assert.Equal(t, store.DeliveryLaunched, launched[0].Status)
}

// stubState reports a fixed set of paused triggers.
type stubState struct{ paused map[string]bool }

func (s *stubState) TriggerPaused(triggerID string) bool        { return s.paused[triggerID] }
func (s *stubState) RecordTriggerFailure(triggerID string) bool { return false }
func (s *stubState) RecordTriggerSuccess(triggerID string)      {}

func TestPausedTriggerSkipsDelivery(t *testing.T) {
	f := newFixture(t)
	trigger := f.createTrigger(t, nil)
	paused := New(f.store, &stubState{paused: map[string]bool{trigger.ID: true}}, f.launcher,
		WithClock(func() time.Time { return f.clock }))

	event := f.ingest(t, "evt-1", `{"namespace":"feature-flags"}`)
	require.NoError(t, paused.ProcessEvent(context.Background(), event))

	all := deliveries(t, f, trigger.ID)
	require.Len(t, all, 1)
	assert.Equal(t, store.DeliverySkipped, all[0].Status)
	assert.Equal(t, ReasonTriggerPaused, all[0].Reason)
	assert.Empty(t, f.launcher.launched)
}

func boolPtr(b bool) *bool { return &b }
