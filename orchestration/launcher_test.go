package orchestration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

func TestCreateDefinitionRejectsInvalidSchema(t *testing.T) {
	f := newFixture(t)
	_, err := f.launcher.CreateDefinition(context.Background(), &store.WorkflowDefinition{
		Slug:             "bad-schema",
		Steps:            []store.StepSpec{jobStep("work")},
		ParametersSchema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"nonsense"}}}`),
	})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestCreateDefinitionRejectsInvalidSlug(t *testing.T) {
	f := newFixture(t)
	_, err := f.launcher.CreateDefinition(context.Background(), &store.WorkflowDefinition{
		Slug:  "Not A Slug!",
		Steps: []store.StepSpec{jobStep("work")},
	})
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestLaunchValidatesParametersAgainstSchema(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterJobHandler("work-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepSucceeded}, nil
	}))
	def := f.createDefinition(t, "schema-run", []store.StepSpec{
		{ID: "work", Type: store.StepTypeJob, JobSlug: "work-job"},
	}, func(d *store.WorkflowDefinition) {
		d.ParametersSchema = json.RawMessage(`{
			"type": "object",
			"required": ["namespace"],
			"properties": {"namespace": {"type": "string"}}
		}`)
	})

	_, err := f.launcher.Launch(context.Background(), LaunchInput{
		DefinitionID: def.ID,
		Parameters:   json.RawMessage(`{"count":3}`),
	})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	run, err := f.launcher.Launch(context.Background(), LaunchInput{
		DefinitionID: def.ID,
		Parameters:   json.RawMessage(`{"namespace":"feature-flags"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, f.run(t, run.ID).Status)
}

func TestLaunchMergesDefaultParameters(t *testing.T) {
	f := newFixture(t)
	var got json.RawMessage
	require.NoError(t, f.orch.RegisterJobHandler("echo-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		got = req.Parameters
		return JobResult{Status: store.StepSucceeded}, nil
	}))
	def := f.createDefinition(t, "defaults-run", []store.StepSpec{
		{ID: "work", Type: store.StepTypeJob, JobSlug: "echo-job"},
	}, func(d *store.WorkflowDefinition) {
		d.DefaultParameters = json.RawMessage(`{"mode":"full","limit":10}`)
	})

	run, err := f.launcher.Launch(context.Background(), LaunchInput{
		DefinitionID: def.ID,
		Parameters:   json.RawMessage(`{"limit":25}`),
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"mode":"full","limit":25}`, string(got))
	assert.JSONEq(t, `{"mode":"full","limit":25}`, string(f.run(t, run.ID).Parameters))
}

func TestLaunchBySlugAndMissingDefinition(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterJobHandler("slug-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepSucceeded}, nil
	}))
	f.createDefinition(t, "by-slug", []store.StepSpec{
		{ID: "work", Type: store.StepTypeJob, JobSlug: "slug-job"},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{Slug: "by-slug"})
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, f.run(t, run.ID).Status)

	_, err = f.launcher.Launch(context.Background(), LaunchInput{Slug: "absent"})
	assert.True(t, core.IsNotFound(err))

	_, err = f.launcher.Launch(context.Background(), LaunchInput{})
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestLaunchRecordsTriggerContext(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterJobHandler("ctx-job", func(ctx context.Context, req JobRequest) (JobResult, error) {
		return JobResult{Status: store.StepSucceeded}, nil
	}))
	def := f.createDefinition(t, "ctx-run", []store.StepSpec{
		{ID: "work", Type: store.StepTypeJob, JobSlug: "ctx-job"},
	}, nil)

	run, err := f.launcher.Launch(context.Background(), LaunchInput{
		DefinitionID: def.ID,
		TriggeredBy:  store.TriggeredByEvent,
		EventID:      "evt-1",
		TriggerID:    "trg-1",
	})
	require.NoError(t, err)

	stored := f.run(t, run.ID)
	assert.Equal(t, store.TriggeredByEvent, stored.TriggeredBy)
	assert.JSONEq(t, `{"eventId":"evt-1","triggerId":"trg-1"}`, string(stored.Context))
}
