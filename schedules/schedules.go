// Package schedules materializes workflow runs from cron schedules. Each
// due window becomes one run with a deterministic run key, so a window is
// materialized at most once even across restarts and competing processes.
package schedules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/orchestration"
	"github.com/apphub/apphub/store"
)

// windowFormat names one materialized cron window in run keys.
const windowFormat = "2006-01-02T15:04:05Z"

// RunLauncher creates workflow runs. Implemented by orchestration.Launcher.
type RunLauncher interface {
	Launch(ctx context.Context, input orchestration.LaunchInput) (*store.WorkflowRun, error)
}

// Materializer owns the schedule lifecycle and the due-window loop.
type Materializer struct {
	store    store.Store
	launcher RunLauncher
	logger   core.Logger
	now      func() time.Time
}

// Option adjusts a Materializer at construction.
type Option func(*Materializer)

// WithLogger injects the structured logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Materializer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Materializer) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a schedule materializer.
func New(st store.Store, launcher RunLauncher, opts ...Option) *Materializer {
	m := &Materializer{
		store:    st,
		launcher: launcher,
		logger:   &core.NoOpLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create validates and persists a schedule, seeding nextRunAt from the
// cron expression.
func (m *Materializer) Create(ctx context.Context, sched *store.Schedule) (*store.Schedule, error) {
	const op = "schedules.Create"
	if sched.DefinitionID == "" {
		return nil, core.NewValidation(op, "workflowDefinitionId is required")
	}
	if _, err := m.store.WorkflowDefinitions().GetByID(ctx, sched.DefinitionID); err != nil {
		return nil, err
	}
	spec, loc, err := parseCron(sched.Cron, sched.Timezone)
	if err != nil {
		return nil, core.NewValidationf(op, "%v", err)
	}

	now := m.now().UTC()
	created := *sched
	if created.ID == "" {
		created.ID = core.NewID("sched")
	}
	next := spec.Next(now.In(loc)).UTC()
	created.NextRunAt = &next
	created.CreatedAt = now
	created.UpdatedAt = now
	if err := m.store.Schedules().Create(ctx, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Update applies changes to a schedule, recomputing nextRunAt when the
// cron expression or timezone changed.
func (m *Materializer) Update(ctx context.Context, sched *store.Schedule) (*store.Schedule, error) {
	const op = "schedules.Update"
	current, err := m.store.Schedules().Get(ctx, sched.ID)
	if err != nil {
		return nil, err
	}
	spec, loc, err := parseCron(sched.Cron, sched.Timezone)
	if err != nil {
		return nil, core.NewValidationf(op, "%v", err)
	}

	now := m.now().UTC()
	if sched.Cron != current.Cron || sched.Timezone != current.Timezone || sched.NextRunAt == nil {
		next := spec.Next(now.In(loc)).UTC()
		sched.NextRunAt = &next
	}
	sched.CreatedAt = current.CreatedAt
	sched.UpdatedAt = now
	if err := m.store.Schedules().Update(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Get returns one schedule.
func (m *Materializer) Get(ctx context.Context, id string) (*store.Schedule, error) {
	return m.store.Schedules().Get(ctx, id)
}

// List returns all schedules.
func (m *Materializer) List(ctx context.Context) ([]*store.Schedule, error) {
	return m.store.Schedules().List(ctx)
}

// ListByDefinition returns the schedules of one definition.
func (m *Materializer) ListByDefinition(ctx context.Context, definitionID string) ([]*store.Schedule, error) {
	return m.store.Schedules().ListByDefinition(ctx, definitionID)
}

// Start runs the materialization loop until the context is canceled.
func (m *Materializer) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Tick(ctx); err != nil {
					m.logger.Warn("schedule tick", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()
}

// Tick materializes every due window across all enabled schedules and
// returns how many runs were launched. Failures are per-schedule.
func (m *Materializer) Tick(ctx context.Context) (int, error) {
	now := m.now().UTC()
	due, err := m.store.Schedules().ListDue(ctx, now)
	if err != nil {
		return 0, err
	}

	launched := 0
	for _, sched := range due {
		n, err := m.materialize(ctx, sched, now)
		if err != nil {
			m.logger.Error("materializing schedule", map[string]interface{}{
				"scheduleId": sched.ID, "error": err.Error(),
			})
			continue
		}
		launched += n
	}
	return launched, nil
}

// materialize launches runs for each due window of one schedule. Without
// catchUp only the most recent missed window runs; with it, every missed
// window does.
func (m *Materializer) materialize(ctx context.Context, sched *store.Schedule, now time.Time) (int, error) {
	spec, loc, err := parseCron(sched.Cron, sched.Timezone)
	if err != nil {
		return 0, err
	}
	if sched.NextRunAt == nil {
		next := spec.Next(now.In(loc)).UTC()
		sched.NextRunAt = &next
		sched.UpdatedAt = now
		return 0, m.store.Schedules().Update(ctx, sched)
	}

	windows := dueWindows(spec, loc, *sched.NextRunAt, now, sched.CatchUp)
	launched := 0
	var lastWindow string
	for _, window := range windows {
		key := window.UTC().Format(windowFormat)
		_, err := m.launcher.Launch(ctx, orchestration.LaunchInput{
			DefinitionID: sched.DefinitionID,
			TriggeredBy:  store.TriggeredSchedule,
			Parameters:   sched.Parameters,
			RunKey:       fmt.Sprintf("schedule:%s:%s", sched.ID, key),
		})
		switch {
		case err == nil:
			launched++
		case errors.Is(err, core.ErrRunKeyConflict):
			// Another process already materialized this window.
		default:
			return launched, err
		}
		lastWindow = key
	}

	next := spec.Next(now.In(loc)).UTC()
	sched.NextRunAt = &next
	if lastWindow != "" {
		sched.LastWindow = lastWindow
	}
	sched.UpdatedAt = now
	return launched, m.store.Schedules().Update(ctx, sched)
}

// dueWindows collects the scheduled instants from next through now.
func dueWindows(spec cron.Schedule, loc *time.Location, next, now time.Time, catchUp bool) []time.Time {
	var windows []time.Time
	cursor := next
	for !cursor.After(now) {
		windows = append(windows, cursor)
		cursor = spec.Next(cursor.In(loc)).UTC()
	}
	if !catchUp && len(windows) > 1 {
		windows = windows[len(windows)-1:]
	}
	return windows
}

func parseCron(expr, timezone string) (cron.Schedule, *time.Location, error) {
	if expr == "" {
		return nil, nil, fmt.Errorf("cron expression is required")
	}
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("unknown timezone %q: %w", timezone, err)
		}
	}
	return spec, loc, nil
}
