package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// requirePostgres connects to the database named by APPHUB_TEST_DATABASE_URL
// and skips the test when it is unset. Each call migrates and truncates, so
// tests never see each other's rows.
func requirePostgres(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("APPHUB_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("APPHUB_TEST_DATABASE_URL not set; skipping postgres store tests")
	}

	require.NoError(t, Migrate(databaseURL))

	ctx := context.Background()
	st, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	_, err = st.pool.Exec(ctx, `
		TRUNCATE workflow_definitions, workflow_runs, run_steps, event_triggers,
		trigger_deliveries, events, schedules, services, service_manifests,
		health_snapshots, module_contexts, job_definitions, backend_mounts
		CASCADE`)
	require.NoError(t, err)
	return st
}

func testDefinition(t *testing.T, st *Store, slug string) *store.WorkflowDefinition {
	t.Helper()
	def := &store.WorkflowDefinition{
		ID:      core.NewID("wf"),
		Slug:    slug,
		Version: 1,
		Steps: []store.StepSpec{
			{ID: "extract", Type: store.StepTypeJob, JobSlug: "extract"},
			{ID: "load", Type: store.StepTypeJob, JobSlug: "load", DependsOn: []string{"extract"}},
		},
	}
	require.NoError(t, st.WorkflowDefinitions().Create(context.Background(), def))
	return def
}

func TestDefinitionRoundTrip(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()

	def := testDefinition(t, st, "observatory-rollup")

	got, err := st.WorkflowDefinitions().GetBySlug(ctx, "observatory-rollup")
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, []string{"extract"}, got.Steps[1].DependsOn)

	// Slug is unique.
	err = st.WorkflowDefinitions().Create(ctx, &store.WorkflowDefinition{
		ID: core.NewID("wf"), Slug: "observatory-rollup",
	})
	assert.True(t, core.IsConflict(err))

	// Slug is immutable.
	got.Slug = "renamed"
	err = st.WorkflowDefinitions().Update(ctx, got)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestRunKeyUniqueAmongActiveRuns(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()
	def := testDefinition(t, st, "rollup")

	first := &store.WorkflowRun{
		ID: core.NewID("run"), DefinitionID: def.ID, Status: store.RunPending,
		TriggeredBy: store.TriggeredManual,
		RunKey:      "Window-1", RunKeyNormalized: "window-1",
	}
	require.NoError(t, st.WorkflowRuns().Create(ctx, first))

	dup := &store.WorkflowRun{
		ID: core.NewID("run"), DefinitionID: def.ID, Status: store.RunPending,
		TriggeredBy: store.TriggeredManual,
		RunKey:      "window-1", RunKeyNormalized: "window-1",
	}
	err := st.WorkflowRuns().Create(ctx, dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRunKeyConflict)

	held, err := st.WorkflowRuns().FindActiveByRunKey(ctx, def.ID, "window-1")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, first.ID, held.ID)

	// A terminal holder frees the key.
	first.Status = store.RunSucceeded
	now := time.Now().UTC()
	first.CompletedAt = &now
	require.NoError(t, st.WorkflowRuns().Update(ctx, first))
	require.NoError(t, st.WorkflowRuns().Create(ctx, dup))
}

func TestTerminalRunIsWriteOnce(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()
	def := testDefinition(t, st, "rollup")

	run := &store.WorkflowRun{
		ID: core.NewID("run"), DefinitionID: def.ID,
		Status: store.RunFailed, TriggeredBy: store.TriggeredManual,
	}
	require.NoError(t, st.WorkflowRuns().Create(ctx, run))

	run.Status = store.RunRunning
	err := st.WorkflowRuns().Update(ctx, run)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTerminalRun)
}

func TestStepBatchIsIdempotent(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()
	def := testDefinition(t, st, "rollup")
	run := &store.WorkflowRun{
		ID: core.NewID("run"), DefinitionID: def.ID,
		Status: store.RunPending, TriggeredBy: store.TriggeredManual,
	}
	require.NoError(t, st.WorkflowRuns().Create(ctx, run))

	steps := []*store.RunStep{
		{ID: core.NewID("step"), RunID: run.ID, StepID: "extract", Status: store.StepPending, RetryState: store.RetryIdle},
		{ID: core.NewID("step"), RunID: run.ID, StepID: "load", Status: store.StepPending, RetryState: store.RetryIdle},
	}
	require.NoError(t, st.RunSteps().CreateBatch(ctx, steps))
	require.NoError(t, st.RunSteps().CreateBatch(ctx, steps))

	listed, err := st.RunSteps().ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	listed[0].RetryAttempts = 2
	require.NoError(t, st.RunSteps().Update(ctx, listed[0]))
	listed[0].RetryAttempts = 1
	err = st.RunSteps().Update(ctx, listed[0])
	assert.True(t, core.IsConflict(err))
}

func TestEventInsertIsIdempotentAndKeysetPaginates(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()
	base := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		inserted, err := st.Events().Insert(ctx, &store.Event{
			ID:         fmt.Sprintf("evt-%d", i),
			Type:       "asset.produced",
			Source:     "metastore",
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
			Payload:    json.RawMessage(`{"n":` + fmt.Sprint(i) + `}`),
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	dup, err := st.Events().Insert(ctx, &store.Event{
		ID: "evt-0", Type: "asset.produced", Source: "metastore", OccurredAt: base,
	})
	require.NoError(t, err)
	assert.False(t, dup)

	page, err := st.Events().List(ctx, store.EventFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "evt-4", page[0].ID)
	assert.Equal(t, "evt-3", page[1].ID)

	next, err := st.Events().List(ctx, store.EventFilter{
		Limit: 2,
		After: &store.EventKey{OccurredAt: page[1].OccurredAt, ID: page[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, "evt-2", next[0].ID)
	assert.Equal(t, "evt-1", next[1].ID)
}

func TestLaunchedOnceConstraint(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()
	def := testDefinition(t, st, "rollup")

	trigger := &store.EventTrigger{
		ID: core.NewID("trg"), DefinitionID: def.ID,
		EventType: "asset.produced", Status: store.TriggerActive,
	}
	require.NoError(t, st.EventTriggers().Create(ctx, trigger))

	first := &store.TriggerDelivery{
		ID: core.NewID("del"), TriggerID: trigger.ID, DefinitionID: def.ID,
		EventID: "evt-1", Status: store.DeliveryLaunched,
		RetryState: store.RetryIdle, IdempotencyKey: "key-1",
	}
	require.NoError(t, st.TriggerDeliveries().Create(ctx, first))

	second := &store.TriggerDelivery{
		ID: core.NewID("del"), TriggerID: trigger.ID, DefinitionID: def.ID,
		EventID: "evt-2", Status: store.DeliveryLaunched,
		RetryState: store.RetryIdle, IdempotencyKey: "key-1",
	}
	err := st.TriggerDeliveries().Create(ctx, second)
	assert.True(t, core.IsConflict(err))

	found, err := st.TriggerDeliveries().FindByIdempotencyKey(ctx, trigger.ID, "key-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()
	def := testDefinition(t, st, "rollup")

	sentinel := fmt.Errorf("boom")
	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.WorkflowRuns().Create(ctx, &store.WorkflowRun{
			ID: "run-tx", DefinitionID: def.ID,
			Status: store.RunPending, TriggeredBy: store.TriggeredManual,
		}); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	_, err = st.WorkflowRuns().Get(ctx, "run-tx")
	assert.True(t, core.IsNotFound(err))
}

func TestServiceUpsertPreservesCreatedAt(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()

	svc := &store.Service{Slug: "metastore", BaseURL: "http://a", Status: store.ServiceUnknown}
	require.NoError(t, st.Services().Upsert(ctx, svc))
	created := svc.CreatedAt

	svc.BaseURL = "http://b"
	require.NoError(t, st.Services().Upsert(ctx, svc))
	assert.Equal(t, created, svc.CreatedAt)

	got, err := st.Services().Get(ctx, "metastore")
	require.NoError(t, err)
	assert.Equal(t, "http://b", got.BaseURL)
}

func TestScheduleListDueFiltersDisabled(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()
	def := testDefinition(t, st, "rollup")

	due := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	later := due.Add(time.Hour)
	require.NoError(t, st.Schedules().Create(ctx, &store.Schedule{
		ID: "sched-due", DefinitionID: def.ID, Cron: "0 * * * *",
		Enabled: true, NextRunAt: &due,
	}))
	require.NoError(t, st.Schedules().Create(ctx, &store.Schedule{
		ID: "sched-disabled", DefinitionID: def.ID, Cron: "0 * * * *",
		Enabled: false, NextRunAt: &due,
	}))
	require.NoError(t, st.Schedules().Create(ctx, &store.Schedule{
		ID: "sched-future", DefinitionID: def.ID, Cron: "0 * * * *",
		Enabled: true, NextRunAt: &later,
	}))

	got, err := st.Schedules().ListDue(ctx, due.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sched-due", got[0].ID)
}
