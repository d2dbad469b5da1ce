package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/store/memory"
)

// captureEmitter records lifecycle envelopes instead of routing them
// through a real event bus.
type captureEmitter struct {
	events []*store.Event
}

func (c *captureEmitter) Ingest(ctx context.Context, e *store.Event) (*store.Event, error) {
	c.events = append(c.events, e)
	return e, nil
}

// mapResolver resolves service slugs from a fixed table.
type mapResolver map[string]string

func (r mapResolver) BaseURL(ctx context.Context, slug string) (string, error) {
	url, ok := r[slug]
	if !ok {
		return "", core.NewNotFound("test.BaseURL", core.ErrServiceNotFound)
	}
	return url, nil
}

type fixture struct {
	store    *memory.Store
	orch     *Orchestrator
	launcher *Launcher
	emitter  *captureEmitter
	resolver mapResolver
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
		emitter:  &captureEmitter{},
		resolver: mapResolver{},
	}
	now := func() time.Time { return f.clock }
	f.store = memory.NewWithClock(now)
	f.orch = New(f.store, core.WorkflowConfig{
		RetryBase:         500 * time.Millisecond,
		RetryFactor:       2.0,
		RetryMax:          5 * time.Minute,
		StepTimeout:       30 * time.Second,
		FanoutMaxItems:    100,
		FanoutConcurrency: 4,
	},
		WithOrchestratorClock(now),
		WithEventEmitter(f.emitter),
		WithServiceResolver(f.resolver),
	)
	f.launcher = NewLauncher(f.store,
		WithRunner(f.orch),
		WithLauncherClock(now),
	)
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) createDefinition(t *testing.T, slug string, steps []store.StepSpec, mutate func(*store.WorkflowDefinition)) *store.WorkflowDefinition {
	t.Helper()
	def := &store.WorkflowDefinition{Slug: slug, Steps: steps}
	if mutate != nil {
		mutate(def)
	}
	created, err := f.launcher.CreateDefinition(context.Background(), def)
	require.NoError(t, err)
	return created
}

func (f *fixture) step(t *testing.T, runID, stepID string) *store.RunStep {
	t.Helper()
	rec, err := f.store.RunSteps().Get(context.Background(), runID, stepID)
	require.NoError(t, err)
	return rec
}

func (f *fixture) run(t *testing.T, runID string) *store.WorkflowRun {
	t.Helper()
	run, err := f.store.WorkflowRuns().Get(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func TestSingleJobStepRunSucceeds(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterJobHandler("ingest-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepSucceeded, Output: json.RawMessage(`{"rows":42}`)}, nil
	}))
	def := f.createDefinition(t, "single-ingest", []store.StepSpec{
		{ID: "ingest", Type: store.StepTypeJob, JobSlug: "ingest-job"},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)

	final := f.run(t, run.ID)
	assert.Equal(t, store.RunSucceeded, final.Status)
	assert.Equal(t, store.TriggeredManual, final.TriggeredBy)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.JSONEq(t, `{"ingest":{"rows":42}}`, string(final.Output))

	rec := f.step(t, run.ID, "ingest")
	assert.Equal(t, store.StepSucceeded, rec.Status)
	assert.Equal(t, store.RetryIdle, rec.RetryState)

	require.Len(t, f.emitter.events, 1)
	assert.Equal(t, "workflow.run.succeeded", f.emitter.events[0].Type)
	assert.Equal(t, "workflow.orchestrator", f.emitter.events[0].Source)
}

func TestChainedStepsCompleteInOnePass(t *testing.T) {
	f := newFixture(t)
	var order []string
	for _, slug := range []string{"extract-job", "transform-job", "load-job"} {
		slug := slug
		require.NoError(t, f.orch.RegisterJobHandler(slug, func(ctx context.Context, req JobRequest) (JobResult, error) {
			order = append(order, slug)
			return JobResult{Status: store.StepSucceeded}, nil
		}))
	}
	def := f.createDefinition(t, "etl-chain", []store.StepSpec{
		{ID: "extract", Type: store.StepTypeJob, JobSlug: "extract-job"},
		{ID: "transform", Type: store.StepTypeJob, JobSlug: "transform-job", DependsOn: []string{"extract"}},
		{ID: "load", Type: store.StepTypeJob, JobSlug: "load-job", DependsOn: []string{"transform"}},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)

	assert.Equal(t, store.RunSucceeded, f.run(t, run.ID).Status)
	assert.Equal(t, []string{"extract-job", "transform-job", "load-job"}, order)
}

func TestStepRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	require.NoError(t, f.orch.RegisterJobHandler("flaky-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		attempts++
		if attempts == 1 {
			return JobResult{Status: store.StepFailed, ErrorMessage: "transient"}, nil
		}
		return JobResult{Status: store.StepSucceeded}, nil
	}))
	def := f.createDefinition(t, "flaky-run", []store.StepSpec{
		{ID: "work", Type: store.StepTypeJob, JobSlug: "flaky-job",
			Retry: &store.RetryPolicySpec{MaxAttempts: 3, Strategy: StrategyFixed, InitialDelayMs: 100}},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)

	rec := f.step(t, run.ID, "work")
	assert.Equal(t, store.StepPending, rec.Status)
	assert.Equal(t, store.RetryScheduled, rec.RetryState)
	assert.Equal(t, 1, rec.RetryAttempts)
	require.NotNil(t, rec.NextAttemptAt)
	assert.Equal(t, f.clock.Add(100*time.Millisecond), *rec.NextAttemptAt)
	assert.Equal(t, store.RunRunning, f.run(t, run.ID).Status)

	f.advance(100 * time.Millisecond)
	res, err := f.orch.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, res.Status)

	rec = f.step(t, run.ID, "work")
	assert.Equal(t, store.StepSucceeded, rec.Status)
	assert.Equal(t, store.RetryCompleted, rec.RetryState)
	assert.Nil(t, rec.NextAttemptAt)
	assert.Equal(t, 2, attempts)
}

func TestFixedRetryExhaustion(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterJobHandler("doomed-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepFailed, ErrorMessage: "boom"}, nil
	}))
	def := f.createDefinition(t, "doomed-run", []store.StepSpec{
		{ID: "work", Type: store.StepTypeJob, JobSlug: "doomed-job",
			Retry: &store.RetryPolicySpec{MaxAttempts: 3, Strategy: StrategyFixed, InitialDelayMs: 100}},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)

	rec := f.step(t, run.ID, "work")
	assert.Equal(t, 1, rec.RetryAttempts)
	assert.Equal(t, store.RetryScheduled, rec.RetryState)

	f.advance(100 * time.Millisecond)
	_, err = f.orch.Run(context.Background(), run.ID)
	require.NoError(t, err)
	rec = f.step(t, run.ID, "work")
	assert.Equal(t, 2, rec.RetryAttempts)
	assert.Equal(t, store.RetryScheduled, rec.RetryState)

	f.advance(100 * time.Millisecond)
	res, err := f.orch.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, res.Status)

	rec = f.step(t, run.ID, "work")
	assert.Equal(t, store.StepFailed, rec.Status)
	assert.Equal(t, store.RetryExhausted, rec.RetryState)
	assert.Equal(t, 3, rec.RetryAttempts)

	final := f.run(t, run.ID)
	assert.Equal(t, store.RunFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "boom")
	require.NotEmpty(t, f.emitter.events)
	assert.Equal(t, "workflow.run.failed", f.emitter.events[len(f.emitter.events)-1].Type)
}

func TestServiceStepMissingServiceIsRetriable(t *testing.T) {
	f := newFixture(t)
	def := f.createDefinition(t, "service-run", []store.StepSpec{
		{ID: "call", Type: store.StepTypeService, Service: "missing",
			Request: &store.RequestSpec{Method: http.MethodGet, Path: "/ping"}},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)

	rec := f.step(t, run.ID, "call")
	assert.Equal(t, store.StepPending, rec.Status)
	assert.Equal(t, store.RetryScheduled, rec.RetryState)
	assert.Equal(t, 1, rec.RetryAttempts)
	assert.Contains(t, rec.ErrorMessage, "service_unavailable")
	assert.Equal(t, store.RunRunning, f.run(t, run.ID).Status)
}

func TestServiceStepCallsResolvedBaseURL(t *testing.T) {
	f := newFixture(t)
	var gotPath, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()
	f.resolver["metastore"] = server.URL

	def := f.createDefinition(t, "service-call", []store.StepSpec{
		{ID: "call", Type: store.StepTypeService, Service: "metastore",
			Request: &store.RequestSpec{
				Method: http.MethodPost,
				Path:   "/records/{{ parameters.namespace }}",
				Body:   json.RawMessage(`{"runId":"{{ run.id }}"}`),
			}},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{
		DefinitionID: def.ID,
		Parameters:   json.RawMessage(`{"namespace":"feature-flags"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, store.RunSucceeded, f.run(t, run.ID).Status)
	assert.Equal(t, "/records/feature-flags", gotPath)
	assert.JSONEq(t, fmt.Sprintf(`{"runId":%q}`, run.ID), gotBody)

	rec := f.step(t, run.ID, "call")
	assert.Equal(t, store.StepSucceeded, rec.Status)
	assert.JSONEq(t, `{"statusCode":200,"body":{"ok":true}}`, string(rec.Output))
}

func TestServiceStepNon2xxSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	f.resolver["upstream"] = server.URL

	def := f.createDefinition(t, "service-502", []store.StepSpec{
		{ID: "call", Type: store.StepTypeService, Service: "upstream",
			Request: &store.RequestSpec{Path: "/sync"}},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)

	rec := f.step(t, run.ID, "call")
	assert.Equal(t, store.StepPending, rec.Status)
	assert.Equal(t, store.RetryScheduled, rec.RetryState)
	assert.Contains(t, rec.ErrorMessage, "502")
}

func TestFanoutCreatesChildPerPartition(t *testing.T) {
	f := newFixture(t)
	var partitions []string
	require.NoError(t, f.orch.RegisterJobHandler("region-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		partitions = append(partitions, req.PartitionKey)
		return JobResult{Status: store.StepSucceeded}, nil
	}))
	def := f.createDefinition(t, "region-sync", []store.StepSpec{
		{ID: "fan", Type: store.StepTypeFanout,
			Partition: &store.PartitionSpec{Type: "static", Values: []string{"us-east", "eu-west"}},
			Body:      &store.StepSpec{ID: "region", Type: store.StepTypeJob, JobSlug: "region-job"}},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)

	assert.Equal(t, store.RunSucceeded, f.run(t, run.ID).Status)
	assert.ElementsMatch(t, []string{"us-east", "eu-west"}, partitions)

	rec := f.step(t, run.ID, "fan")
	assert.Equal(t, store.StepSucceeded, rec.Status)
	var state fanoutState
	require.NoError(t, json.Unmarshal(rec.Output, &state))
	require.Len(t, state.ChildRunIDs, 2)

	children, err := f.store.WorkflowRuns().List(context.Background(), store.RunFilter{IDs: state.ChildRunIDs})
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, store.RunSucceeded, child.Status)
		assert.Equal(t, run.ID, child.ParentRunID)
		assert.Equal(t, "fan", child.ParentStepID)
		assert.Equal(t, store.TriggeredModule, child.TriggeredBy)
		assert.NotEmpty(t, child.PartitionKey)
	}
}

func TestFanoutChildFailureFailsParent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterJobHandler("bad-region-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepFailed, ErrorMessage: "partition corrupt"}, nil
	}))
	def := f.createDefinition(t, "failing-fanout", []store.StepSpec{
		{ID: "fan", Type: store.StepTypeFanout,
			Partition: &store.PartitionSpec{Type: "static", Values: []string{"only"}},
			Body: &store.StepSpec{ID: "region", Type: store.StepTypeJob, JobSlug: "bad-region-job",
				Retry: &store.RetryPolicySpec{MaxAttempts: 1, Strategy: StrategyFixed, InitialDelayMs: 10}}},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)

	final := f.run(t, run.ID)
	assert.Equal(t, store.RunFailed, final.Status)
	rec := f.step(t, run.ID, "fan")
	assert.Equal(t, store.StepFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "finished failed")
}

func TestFanoutDynamicPartitionsSucceedVacuously(t *testing.T) {
	f := newFixture(t)
	def := f.createDefinition(t, "dynamic-fanout", []store.StepSpec{
		{ID: "fan", Type: store.StepTypeFanout,
			Partition: &store.PartitionSpec{Type: "dynamic"},
			Body:      &store.StepSpec{ID: "body", Type: store.StepTypeJob, JobSlug: "noop-job"}},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)

	assert.Equal(t, store.RunSucceeded, f.run(t, run.ID).Status)
	assert.Equal(t, store.StepSucceeded, f.step(t, run.ID, "fan").Status)
}

func TestCancellationSkipsNonTerminalSteps(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterJobHandler("slow-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepFailed, ErrorMessage: "transient"}, nil
	}))
	def := f.createDefinition(t, "cancelable", []store.StepSpec{
		{ID: "first", Type: store.StepTypeJob, JobSlug: "slow-job",
			Retry: &store.RetryPolicySpec{MaxAttempts: 5, Strategy: StrategyFixed, InitialDelayMs: 100}},
		{ID: "second", Type: store.StepTypeJob, JobSlug: "slow-job", DependsOn: []string{"first"}},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, f.run(t, run.ID).Status)

	canceled, err := f.orch.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCanceled, canceled.Status)

	assert.Equal(t, store.StepSkipped, f.step(t, run.ID, "first").Status)
	assert.Equal(t, store.StepSkipped, f.step(t, run.ID, "second").Status)

	// Further passes are no-ops and cancel is not repeatable.
	res, err := f.orch.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCanceled, res.Status)

	_, err = f.orch.Cancel(context.Background(), run.ID)
	assert.True(t, core.IsConflict(err))

	require.NotEmpty(t, f.emitter.events)
	assert.Equal(t, "workflow.run.canceled", f.emitter.events[len(f.emitter.events)-1].Type)
}

func TestRunKeyConflictRejectsSecondLaunch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterJobHandler("pending-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepFailed, ErrorMessage: "keep running"}, nil
	}))
	def := f.createDefinition(t, "keyed-run", []store.StepSpec{
		{ID: "work", Type: store.StepTypeJob, JobSlug: "pending-job",
			Retry: &store.RetryPolicySpec{MaxAttempts: 5, Strategy: StrategyFixed, InitialDelayMs: 100}},
	}, nil)

	_, err := f.launcher.Launch(context.Background(), LaunchInput{
		DefinitionID: def.ID, RunKey: "Daily-2025-08-01",
	})
	require.NoError(t, err)

	// Same key differing only in case targets the same normalized slot.
	_, err = f.launcher.Launch(context.Background(), LaunchInput{
		DefinitionID: def.ID, RunKey: "daily-2025-08-01",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRunKeyConflict)
}

func TestIllegalHandlerResultFailsStep(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterJobHandler("confused-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepPending}, nil
	}))
	def := f.createDefinition(t, "confused-run", []store.StepSpec{
		{ID: "work", Type: store.StepTypeJob, JobSlug: "confused-job"},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)

	rec := f.step(t, run.ID, "work")
	assert.Equal(t, store.StepFailed, rec.Status)
	assert.Equal(t, store.RetryExhausted, rec.RetryState)
	assert.Contains(t, rec.ErrorMessage, "illegal handler result")
	assert.Equal(t, store.RunFailed, f.run(t, run.ID).Status)
}

func TestTerminalRunPassIsNoOp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterJobHandler("noop-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepSucceeded}, nil
	}))
	def := f.createDefinition(t, "noop-run", []store.StepSpec{
		{ID: "work", Type: store.StepTypeJob, JobSlug: "noop-job"},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{DefinitionID: def.ID})
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, f.run(t, run.ID).Status)
	emitted := len(f.emitter.events)

	res, err := f.orch.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, res.Status)
	assert.Len(t, f.emitter.events, emitted)
}

// dispatchedRun seeds a running run with one running job step, the state a
// run is left in after a queue dispatch of that step.
func dispatchedRun(t *testing.T, f *fixture, defID string) *store.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	started := f.clock
	run := &store.WorkflowRun{
		ID:           core.NewID("run"),
		DefinitionID: defID,
		Status:       store.RunRunning,
		TriggeredBy:  store.TriggeredManual,
		StartedAt:    &started,
		CreatedAt:    f.clock,
	}
	require.NoError(t, f.store.WorkflowRuns().Create(ctx, run))
	require.NoError(t, f.store.RunSteps().CreateBatch(ctx, []*store.RunStep{
		{RunID: run.ID, StepID: "ingest", Status: store.StepRunning, StartedAt: &started},
	}))
	return run
}

func TestExecuteJobCompletesDispatchedStep(t *testing.T) {
	f := newFixture(t)
	def := f.createDefinition(t, "async-ingest", []store.StepSpec{
		{ID: "ingest", Type: store.StepTypeJob, JobSlug: "async-ingest-job"},
	}, nil)
	run := dispatchedRun(t, f, def.ID)

	require.NoError(t, f.orch.RegisterJobHandler("async-ingest-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepSucceeded, Output: json.RawMessage(`{"rows":7}`)}, nil
	}))

	require.NoError(t, f.orch.ExecuteJob(context.Background(), JobRequest{
		RunID: run.ID, StepID: "ingest", JobSlug: "async-ingest-job", Attempt: 1,
	}))

	rec := f.step(t, run.ID, "ingest")
	assert.Equal(t, store.StepSucceeded, rec.Status)
	assert.JSONEq(t, `{"rows":7}`, string(rec.Output))
	assert.Equal(t, store.RunSucceeded, f.run(t, run.ID).Status)
}

func TestExecuteJobWithoutHandlerSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	def := f.createDefinition(t, "async-orphan", []store.StepSpec{
		{ID: "ingest", Type: store.StepTypeJob, JobSlug: "unregistered-job"},
	}, nil)
	run := dispatchedRun(t, f, def.ID)

	require.NoError(t, f.orch.ExecuteJob(context.Background(), JobRequest{
		RunID: run.ID, StepID: "ingest", JobSlug: "unregistered-job", Attempt: 1,
	}))

	rec := f.step(t, run.ID, "ingest")
	assert.Equal(t, store.StepPending, rec.Status)
	assert.Equal(t, store.RetryScheduled, rec.RetryState)
	assert.Contains(t, rec.ErrorMessage, "no handler registered")
	assert.Equal(t, store.RunRunning, f.run(t, run.ID).Status)
}

func TestDuplicateJobHandlerRegistrationConflicts(t *testing.T) {
	f := newFixture(t)
	handler := func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepSucceeded}, nil
	}
	require.NoError(t, f.orch.RegisterJobHandler("once-job", handler))
	err := f.orch.RegisterJobHandler("once-job", handler)
	assert.True(t, core.IsConflict(err))
}
