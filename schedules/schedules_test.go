package schedules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/orchestration"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/store/memory"
)

// fakeLauncher records launches and enforces run-key uniqueness the way the
// real launcher does.
type fakeLauncher struct {
	launches []orchestration.LaunchInput
	usedKeys map[string]bool
	failWith error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{usedKeys: map[string]bool{}}
}

func (f *fakeLauncher) Launch(ctx context.Context, input orchestration.LaunchInput) (*store.WorkflowRun, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	key := core.NormalizeKey(input.RunKey)
	if f.usedKeys[key] {
		return nil, core.NewConflict("launch", "run key already active", core.ErrRunKeyConflict)
	}
	f.usedKeys[key] = true
	f.launches = append(f.launches, input)
	return &store.WorkflowRun{ID: core.NewID("run"), Status: store.RunPending}, nil
}

type fixture struct {
	store        *memory.Store
	launcher     *fakeLauncher
	materializer *Materializer
	clock        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: time.Date(2025, 8, 1, 12, 0, 30, 0, time.UTC)}
	now := func() time.Time { return f.clock }
	f.store = memory.NewWithClock(now)
	f.launcher = newFakeLauncher()
	f.materializer = New(f.store, f.launcher, WithClock(now))

	require.NoError(t, f.store.WorkflowDefinitions().Create(context.Background(), &store.WorkflowDefinition{
		ID:   "wf-1",
		Slug: "nightly-rollup",
		Steps: []store.StepSpec{
			{ID: "rollup", Type: store.StepTypeJob, JobSlug: "rollup"},
		},
	}))
	return f
}

func (f *fixture) createSchedule(t *testing.T, sched *store.Schedule) *store.Schedule {
	t.Helper()
	if sched.DefinitionID == "" {
		sched.DefinitionID = "wf-1"
	}
	created, err := f.materializer.Create(context.Background(), sched)
	require.NoError(t, err)
	return created
}

func TestCreateSeedsNextRunAt(t *testing.T) {
	f := newFixture(t)

	sched := f.createSchedule(t, &store.Schedule{Cron: "*/5 * * * *", Enabled: true})

	require.NotNil(t, sched.NextRunAt)
	assert.Equal(t, time.Date(2025, 8, 1, 12, 5, 0, 0, time.UTC), *sched.NextRunAt)
	assert.NotEmpty(t, sched.ID)
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.materializer.Create(ctx, &store.Schedule{DefinitionID: "wf-1", Cron: "not a cron", Enabled: true})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = f.materializer.Create(ctx, &store.Schedule{DefinitionID: "wf-1", Cron: "* * * * *", Timezone: "Mars/Olympus"})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = f.materializer.Create(ctx, &store.Schedule{DefinitionID: "ghost", Cron: "* * * * *"})
	assert.True(t, core.IsNotFound(err))
}

func TestTickLaunchesDueWindow(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, &store.Schedule{
		Cron:       "*/5 * * * *",
		Enabled:    true,
		Parameters: json.RawMessage(`{"mode":"rollup"}`),
	})

	f.clock = time.Date(2025, 8, 1, 12, 5, 10, 0, time.UTC)
	launched, err := f.materializer.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, launched)

	require.Len(t, f.launcher.launches, 1)
	input := f.launcher.launches[0]
	assert.Equal(t, "wf-1", input.DefinitionID)
	assert.Equal(t, store.TriggeredSchedule, input.TriggeredBy)
	assert.JSONEq(t, `{"mode":"rollup"}`, string(input.Parameters))
	assert.Equal(t, "schedule:"+sched.ID+":2025-08-01T12:05:00Z", input.RunKey)

	updated, err := f.materializer.Get(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 1, 12, 10, 0, 0, time.UTC), *updated.NextRunAt)
	assert.Equal(t, "2025-08-01T12:05:00Z", updated.LastWindow)
}

func TestTickIgnoresRunKeyConflicts(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, &store.Schedule{Cron: "*/5 * * * *", Enabled: true})

	// Another process already took this window's run key.
	f.launcher.usedKeys[core.NormalizeKey("schedule:"+sched.ID+":2025-08-01T12:05:00Z")] = true

	f.clock = time.Date(2025, 8, 1, 12, 5, 10, 0, time.UTC)
	launched, err := f.materializer.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, launched)

	// The window still advances so the conflict is not retried forever.
	updated, err := f.materializer.Get(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 1, 12, 10, 0, 0, time.UTC), *updated.NextRunAt)
}

func TestTickWithoutCatchUpRunsOnlyLatestMissedWindow(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, &store.Schedule{Cron: "*/5 * * * *", Enabled: true})

	// Three windows elapsed while the process was down: 12:05, 12:10, 12:15.
	f.clock = time.Date(2025, 8, 1, 12, 17, 0, 0, time.UTC)
	launched, err := f.materializer.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, launched)

	require.Len(t, f.launcher.launches, 1)
	assert.Equal(t, "schedule:"+sched.ID+":2025-08-01T12:15:00Z", f.launcher.launches[0].RunKey)

	updated, err := f.materializer.Get(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 1, 12, 20, 0, 0, time.UTC), *updated.NextRunAt)
}

func TestTickWithCatchUpRunsEveryMissedWindow(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, &store.Schedule{Cron: "*/5 * * * *", Enabled: true, CatchUp: true})

	f.clock = time.Date(2025, 8, 1, 12, 17, 0, 0, time.UTC)
	launched, err := f.materializer.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, launched)

	var keys []string
	for _, input := range f.launcher.launches {
		keys = append(keys, input.RunKey)
	}
	assert.Equal(t, []string{
		"schedule:" + sched.ID + ":2025-08-01T12:05:00Z",
		"schedule:" + sched.ID + ":2025-08-01T12:10:00Z",
		"schedule:" + sched.ID + ":2025-08-01T12:15:00Z",
	}, keys)
}

func TestTickSkipsDisabledSchedules(t *testing.T) {
	f := newFixture(t)
	f.createSchedule(t, &store.Schedule{Cron: "*/5 * * * *", Enabled: false})

	f.clock = time.Date(2025, 8, 1, 13, 0, 0, 0, time.UTC)
	launched, err := f.materializer.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, launched)
	assert.Empty(t, f.launcher.launches)
}

func TestTimezoneAwareNextRunAt(t *testing.T) {
	f := newFixture(t)

	// 09:00 in New York is 13:00 UTC during daylight saving.
	sched := f.createSchedule(t, &store.Schedule{
		Cron:     "0 9 * * *",
		Timezone: "America/New_York",
		Enabled:  true,
	})

	require.NotNil(t, sched.NextRunAt)
	assert.Equal(t, time.Date(2025, 8, 1, 13, 0, 0, 0, time.UTC), *sched.NextRunAt)
}

func TestUpdateRecomputesNextRunAtOnCronChange(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, &store.Schedule{Cron: "*/5 * * * *", Enabled: true})

	sched.Cron = "0 * * * *"
	updated, err := f.materializer.Update(context.Background(), sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 1, 13, 0, 0, 0, time.UTC), *updated.NextRunAt)
}
