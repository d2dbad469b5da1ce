// Package memory implements store.Store with in-process maps. It backs
// inline mode and the test suites. A single coarse RW mutex serializes
// access; WithinTx snapshots the state and restores it when the callback
// fails, giving rollback at the granularity the control plane needs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

type state struct {
	Definitions map[string]*store.WorkflowDefinition
	SlugIndex   map[string]string
	Runs        map[string]*store.WorkflowRun
	Steps       map[string]map[string]*store.RunStep
	Triggers    map[string]*store.EventTrigger
	Deliveries  map[string]*store.TriggerDelivery
	Events      map[string]*store.Event
	Schedules   map[string]*store.Schedule
	Services    map[string]*store.Service
	Manifests   map[string][]*store.ServiceManifest
	Health      map[string][]*store.HealthSnapshot
	Contexts    map[string]*store.ModuleContext
	Jobs        map[string]*store.JobDefinition
	Mounts      map[string]*store.BackendMount
}

func newState() *state {
	return &state{
		Definitions: make(map[string]*store.WorkflowDefinition),
		SlugIndex:   make(map[string]string),
		Runs:        make(map[string]*store.WorkflowRun),
		Steps:       make(map[string]map[string]*store.RunStep),
		Triggers:    make(map[string]*store.EventTrigger),
		Deliveries:  make(map[string]*store.TriggerDelivery),
		Events:      make(map[string]*store.Event),
		Schedules:   make(map[string]*store.Schedule),
		Services:    make(map[string]*store.Service),
		Manifests:   make(map[string][]*store.ServiceManifest),
		Health:      make(map[string][]*store.HealthSnapshot),
		Contexts:    make(map[string]*store.ModuleContext),
		Jobs:        make(map[string]*store.JobDefinition),
		Mounts:      make(map[string]*store.BackendMount),
	}
}

// Store is the in-process store.Store implementation.
type Store struct {
	mu     *sync.RWMutex
	state  *state
	now    func() time.Time
	inTx   bool
	closed bool
}

// New builds an empty memory store using the wall clock.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock builds a memory store whose timestamps come from now.
// Tests inject a fake clock to exercise window and retry timing.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		mu:    &sync.RWMutex{},
		state: newState(),
		now:   now,
	}
}

// Close releases nothing; present to satisfy store.Store.
func (s *Store) Close() {
	s.closed = true
}

// WithinTx runs fn while holding the write lock. On error the pre-tx state
// is restored, so partial writes from fn never become visible.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.inTx {
		return fn(ctx, s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := json.Marshal(s.state)
	if err != nil {
		return core.NewInternal("memory.WithinTx", "snapshot state", err)
	}

	tx := &Store{mu: s.mu, state: s.state, now: s.now, inTx: true}
	if err := fn(ctx, tx); err != nil {
		restored := newState()
		if uerr := json.Unmarshal(snapshot, restored); uerr != nil {
			return core.NewInternal("memory.WithinTx", "restore state", uerr)
		}
		s.state = restored
		return err
	}
	return nil
}

func (s *Store) read() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) write() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// cloneRow deep-copies a row through JSON so callers never alias stored
// state. Rows are plain serializable data; a marshal failure is an
// invariant violation.
func cloneRow[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store: row not serializable: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("memory store: row not deserializable: %v", err))
	}
	return out
}

func cloneRows[T any](src []*T) []*T {
	out := make([]*T, len(src))
	for i, v := range src {
		out[i] = cloneRow(v)
	}
	return out
}

// Repositories.

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

// --- workflow definitions ---

type definitionRepo struct{ s *Store }

func (r definitionRepo) Create(ctx context.Context, def *store.WorkflowDefinition) error {
	defer r.s.write()()
	if _, dup := r.s.state.SlugIndex[def.Slug]; dup {
		return core.NewConflict("definitions.Create", fmt.Sprintf("slug %q already exists", def.Slug), nil)
	}
	now := r.s.now().UTC()
	row := cloneRow(def)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	r.s.state.Definitions[row.ID] = row
	r.s.state.SlugIndex[row.Slug] = row.ID
	*def = *cloneRow(row)
	return nil
}

func (r definitionRepo) Update(ctx context.Context, def *store.WorkflowDefinition) error {
	defer r.s.write()()
	existing, ok := r.s.state.Definitions[def.ID]
	if !ok {
		return core.NewNotFound("definitions.Update", core.ErrWorkflowNotFound)
	}
	if existing.Slug != def.Slug {
		return core.NewValidation("definitions.Update", "definition slug is immutable")
	}
	row := cloneRow(def)
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = r.s.now().UTC()
	r.s.state.Definitions[row.ID] = row
	*def = *cloneRow(row)
	return nil
}

func (r definitionRepo) GetByID(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	defer r.s.read()()
	def, ok := r.s.state.Definitions[id]
	if !ok {
		return nil, core.NewNotFound("definitions.GetByID", core.ErrWorkflowNotFound)
	}
	return cloneRow(def), nil
}

func (r definitionRepo) GetBySlug(ctx context.Context, slug string) (*store.WorkflowDefinition, error) {
	defer r.s.read()()
	id, ok := r.s.state.SlugIndex[slug]
	if !ok {
		return nil, core.NewNotFound("definitions.GetBySlug", core.ErrWorkflowNotFound)
	}
	return cloneRow(r.s.state.Definitions[id]), nil
}

func (r definitionRepo) List(ctx context.Context, filter store.DefinitionFilter) ([]*store.WorkflowDefinition, error) {
	defer r.s.read()()
	var out []*store.WorkflowDefinition
	ids := toSet(filter.IDs)
	for _, def := range r.s.state.Definitions {
		if len(ids) > 0 {
			if _, ok := ids[def.ID]; !ok {
				continue
			}
		}
		out = append(out, cloneRow(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return truncate(out, filter.Limit), nil
}

// --- workflow runs ---

type runRepo struct{ s *Store }

func (r runRepo) Create(ctx context.Context, run *store.WorkflowRun) error {
	defer r.s.write()()
	if _, dup := r.s.state.Runs[run.ID]; dup {
		return core.NewConflict("runs.Create", fmt.Sprintf("run %q already exists", run.ID), nil)
	}
	if run.RunKeyNormalized != "" {
		for _, other := range r.s.state.Runs {
			if other.DefinitionID == run.DefinitionID &&
				other.RunKeyNormalized == run.RunKeyNormalized &&
				!other.Status.Terminal() {
				return core.NewConflict("runs.Create",
					fmt.Sprintf("run key %q is held by run %s", run.RunKeyNormalized, other.ID),
					core.ErrRunKeyConflict)
			}
		}
	}
	row := cloneRow(run)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = r.s.now().UTC()
	}
	r.s.state.Runs[row.ID] = row
	*run = *cloneRow(row)
	return nil
}

func (r runRepo) Get(ctx context.Context, id string) (*store.WorkflowRun, error) {
	defer r.s.read()()
	run, ok := r.s.state.Runs[id]
	if !ok {
		return nil, core.NewNotFound("runs.Get", core.ErrRunNotFound)
	}
	return cloneRow(run), nil
}

func (r runRepo) Update(ctx context.Context, run *store.WorkflowRun) error {
	defer r.s.write()()
	existing, ok := r.s.state.Runs[run.ID]
	if !ok {
		return core.NewNotFound("runs.Update", core.ErrRunNotFound)
	}
	// Terminal status is write-once.
	if existing.Status.Terminal() && run.Status != existing.Status {
		return core.NewConflict("runs.Update",
			fmt.Sprintf("run %s is terminal (%s)", run.ID, existing.Status), core.ErrTerminalRun)
	}
	row := cloneRow(run)
	row.CreatedAt = existing.CreatedAt
	r.s.state.Runs[row.ID] = row
	*run = *cloneRow(row)
	return nil
}

func (r runRepo) List(ctx context.Context, filter store.RunFilter) ([]*store.WorkflowRun, error) {
	defer r.s.read()()
	statuses := make(map[store.RunStatus]struct{}, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = struct{}{}
	}
	ids := toSet(filter.IDs)
	var out []*store.WorkflowRun
	for _, run := range r.s.state.Runs {
		if filter.DefinitionID != "" && run.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.ParentRunID != "" && run.ParentRunID != filter.ParentRunID {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[run.Status]; !ok {
				continue
			}
		}
		if len(ids) > 0 {
			if _, ok := ids[run.ID]; !ok {
				continue
			}
		}
		out = append(out, cloneRow(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return truncate(out, filter.Limit), nil
}

func (r runRepo) FindActiveByRunKey(ctx context.Context, definitionID, runKeyNormalized string) (*store.WorkflowRun, error) {
	defer r.s.read()()
	if runKeyNormalized == "" {
		return nil, nil
	}
	for _, run := range r.s.state.Runs {
		if run.DefinitionID == definitionID &&
			run.RunKeyNormalized == runKeyNormalized &&
			!run.Status.Terminal() {
			return cloneRow(run), nil
		}
	}
	return nil, nil
}

func (r runRepo) CountNonTerminalByIDs(ctx context.Context, ids []string) (int, error) {
	defer r.s.read()()
	count := 0
	for _, id := range ids {
		if run, ok := r.s.state.Runs[id]; ok && !run.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// --- run steps ---

type stepRepo struct{ s *Store }

func (r stepRepo) CreateBatch(ctx context.Context, steps []*store.RunStep) error {
	defer r.s.write()()
	now := r.s.now().UTC()
	for _, step := range steps {
		byStep, ok := r.s.state.Steps[step.RunID]
		if !ok {
			byStep = make(map[string]*store.RunStep)
			r.s.state.Steps[step.RunID] = byStep
		}
		if _, exists := byStep[step.StepID]; exists {
			continue // idempotent materialization
		}
		row := cloneRow(step)
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
		byStep[row.StepID] = row
	}
	return nil
}

func (r stepRepo) Get(ctx context.Context, runID, stepID string) (*store.RunStep, error) {
	defer r.s.read()()
	if byStep, ok := r.s.state.Steps[runID]; ok {
		if step, ok := byStep[stepID]; ok {
			return cloneRow(step), nil
		}
	}
	return nil, core.NewNotFound("steps.Get", core.ErrRunNotFound)
}

func (r stepRepo) ListByRun(ctx context.Context, runID string) ([]*store.RunStep, error) {
	defer r.s.read()()
	byStep := r.s.state.Steps[runID]
	out := make([]*store.RunStep, 0, len(byStep))
	for _, step := range byStep {
		out = append(out, cloneRow(step))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (r stepRepo) Update(ctx context.Context, step *store.RunStep) error {
	defer r.s.write()()
	byStep, ok := r.s.state.Steps[step.RunID]
	if !ok {
		return core.NewNotFound("steps.Update", core.ErrRunNotFound)
	}
	existing, ok := byStep[step.StepID]
	if !ok {
		return core.NewNotFound("steps.Update", core.ErrRunNotFound)
	}
	if step.RetryAttempts < existing.RetryAttempts {
		return core.NewConflict("steps.Update", "retryAttempts may not decrease", nil)
	}
	row := cloneRow(step)
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = r.s.now().UTC()
	byStep[row.StepID] = row
	*step = *cloneRow(row)
	return nil
}

// --- event triggers ---

type triggerRepo struct{ s *Store }

func (r triggerRepo) Create(ctx context.Context, trigger *store.EventTrigger) error {
	defer r.s.write()()
	if _, dup := r.s.state.Triggers[trigger.ID]; dup {
		return core.NewConflict("triggers.Create", fmt.Sprintf("trigger %q already exists", trigger.ID), nil)
	}
	now := r.s.now().UTC()
	row := cloneRow(trigger)
	row.CreatedAt = now
	row.UpdatedAt = now
	if row.Version == 0 {
		row.Version = 1
	}
	r.s.state.Triggers[row.ID] = row
	*trigger = *cloneRow(row)
	return nil
}

func (r triggerRepo) Update(ctx context.Context, trigger *store.EventTrigger) error {
	defer r.s.write()()
	existing, ok := r.s.state.Triggers[trigger.ID]
	if !ok {
		return core.NewNotFound("triggers.Update", core.ErrTriggerNotFound)
	}
	row := cloneRow(trigger)
	row.CreatedAt = existing.CreatedAt
	row.Version = existing.Version + 1
	row.UpdatedAt = r.s.now().UTC()
	r.s.state.Triggers[row.ID] = row
	*trigger = *cloneRow(row)
	return nil
}

func (r triggerRepo) Get(ctx context.Context, id string) (*store.EventTrigger, error) {
	defer r.s.read()()
	trigger, ok := r.s.state.Triggers[id]
	if !ok {
		return nil, core.NewNotFound("triggers.Get", core.ErrTriggerNotFound)
	}
	return cloneRow(trigger), nil
}

func (r triggerRepo) Delete(ctx context.Context, id string) error {
	defer r.s.write()()
	if _, ok := r.s.state.Triggers[id]; !ok {
		return core.NewNotFound("triggers.Delete", core.ErrTriggerNotFound)
	}
	delete(r.s.state.Triggers, id)
	return nil
}

func (r triggerRepo) ListByDefinition(ctx context.Context, definitionID string) ([]*store.EventTrigger, error) {
	defer r.s.read()()
	var out []*store.EventTrigger
	for _, trigger := range r.s.state.Triggers {
		if trigger.DefinitionID == definitionID {
			out = append(out, cloneRow(trigger))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r triggerRepo) ListActiveByEventType(ctx context.Context, eventType, source string) ([]*store.EventTrigger, error) {
	defer r.s.read()()
	var out []*store.EventTrigger
	for _, trigger := range r.s.state.Triggers {
		if trigger.Status != store.TriggerActive || trigger.EventType != eventType {
			continue
		}
		if trigger.EventSource != "" && trigger.EventSource != source {
			continue
		}
		out = append(out, cloneRow(trigger))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- trigger deliveries ---

type deliveryRepo struct{ s *Store }

func (r deliveryRepo) Create(ctx context.Context, d *store.TriggerDelivery) error {
	defer r.s.write()()
	if _, dup := r.s.state.Deliveries[d.ID]; dup {
		return core.NewConflict("deliveries.Create", fmt.Sprintf("delivery %q already exists", d.ID), nil)
	}
	if err := r.guardLaunchedOnce(d); err != nil {
		return err
	}
	now := r.s.now().UTC()
	row := cloneRow(d)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	r.s.state.Deliveries[row.ID] = row
	*d = *cloneRow(row)
	return nil
}

func (r deliveryRepo) Get(ctx context.Context, id string) (*store.TriggerDelivery, error) {
	defer r.s.read()()
	d, ok := r.s.state.Deliveries[id]
	if !ok {
		return nil, core.NewNotFound("deliveries.Get", core.ErrDeliveryNotFound)
	}
	return cloneRow(d), nil
}

func (r deliveryRepo) Update(ctx context.Context, d *store.TriggerDelivery) error {
	defer r.s.write()()
	existing, ok := r.s.state.Deliveries[d.ID]
	if !ok {
		return core.NewNotFound("deliveries.Update", core.ErrDeliveryNotFound)
	}
	if err := r.guardLaunchedOnce(d); err != nil {
		return err
	}
	row := cloneRow(d)
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = r.s.now().UTC()
	r.s.state.Deliveries[row.ID] = row
	*d = *cloneRow(row)
	return nil
}

// guardLaunchedOnce enforces at-most-one launched delivery per
// (triggerId, idempotencyKey). Caller holds the write lock.
func (r deliveryRepo) guardLaunchedOnce(d *store.TriggerDelivery) error {
	if d.Status != store.DeliveryLaunched || d.IdempotencyKey == "" {
		return nil
	}
	for _, other := range r.s.state.Deliveries {
		if other.ID != d.ID &&
			other.TriggerID == d.TriggerID &&
			other.IdempotencyKey == d.IdempotencyKey &&
			other.Status == store.DeliveryLaunched {
			return core.NewConflict("deliveries.guardLaunchedOnce",
				fmt.Sprintf("idempotency key %q already launched by delivery %s", d.IdempotencyKey, other.ID), nil)
		}
	}
	return nil
}

func (r deliveryRepo) ListByTrigger(ctx context.Context, triggerID string, filter store.DeliveryFilter) ([]*store.TriggerDelivery, error) {
	defer r.s.read()()
	statuses := make(map[store.DeliveryStatus]struct{}, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = struct{}{}
	}
	var out []*store.TriggerDelivery
	for _, d := range r.s.state.Deliveries {
		if d.TriggerID != triggerID {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[d.Status]; !ok {
				continue
			}
		}
		out = append(out, cloneRow(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return truncate(out, filter.Limit), nil
}

func (r deliveryRepo) FindByIdempotencyKey(ctx context.Context, triggerID, key string) (*store.TriggerDelivery, error) {
	defer r.s.read()()
	var newest *store.TriggerDelivery
	for _, d := range r.s.state.Deliveries {
		if d.TriggerID != triggerID || d.IdempotencyKey != key || d.Status == store.DeliveryFailed {
			continue
		}
		if newest == nil || d.CreatedAt.After(newest.CreatedAt) {
			newest = d
		}
	}
	return cloneRow(newest), nil
}

func (r deliveryRepo) CountLaunchedSince(ctx context.Context, triggerID string, since time.Time) (int, error) {
	defer r.s.read()()
	count := 0
	for _, d := range r.s.state.Deliveries {
		if d.TriggerID == triggerID && d.Status == store.DeliveryLaunched && !d.UpdatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r deliveryRepo) ListLaunchedRunIDs(ctx context.Context, triggerID string) ([]string, error) {
	defer r.s.read()()
	var out []string
	for _, d := range r.s.state.Deliveries {
		if d.TriggerID == triggerID && d.Status == store.DeliveryLaunched && d.WorkflowRunID != "" {
			out = append(out, d.WorkflowRunID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- events ---

type eventRepo struct{ s *Store }

func (r eventRepo) Insert(ctx context.Context, e *store.Event) (bool, error) {
	defer r.s.write()()
	if _, dup := r.s.state.Events[e.ID]; dup {
		return false, nil
	}
	row := cloneRow(e)
	if row.IngestedAt.IsZero() {
		row.IngestedAt = r.s.now().UTC()
	}
	r.s.state.Events[row.ID] = row
	*e = *cloneRow(row)
	return true, nil
}

func (r eventRepo) Get(ctx context.Context, id string) (*store.Event, error) {
	defer r.s.read()()
	e, ok := r.s.state.Events[id]
	if !ok {
		return nil, core.NewNotFound("events.Get", core.ErrEventNotFound)
	}
	return cloneRow(e), nil
}

func (r eventRepo) List(ctx context.Context, filter store.EventFilter) ([]*store.Event, error) {
	defer r.s.read()()
	var out []*store.Event
	for _, e := range r.s.state.Events {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.Source != "" && e.Source != filter.Source {
			continue
		}
		if filter.CorrelationID != "" && e.CorrelationID != filter.CorrelationID {
			continue
		}
		if filter.From != nil && e.OccurredAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.OccurredAt.After(*filter.To) {
			continue
		}
		out = append(out, cloneRow(e))
	}
	// Strict order: occurredAt desc, id desc.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.After != nil {
		idx := 0
		for idx < len(out) {
			e := out[idx]
			if e.OccurredAt.Before(filter.After.OccurredAt) ||
				(e.OccurredAt.Equal(filter.After.OccurredAt) && e.ID < filter.After.ID) {
				break
			}
			idx++
		}
		out = out[idx:]
	}
	return truncate(out, filter.Limit), nil
}

// --- schedules ---

type scheduleRepo struct{ s *Store }

func (r scheduleRepo) Create(ctx context.Context, sched *store.Schedule) error {
	defer r.s.write()()
	if _, dup := r.s.state.Schedules[sched.ID]; dup {
		return core.NewConflict("schedules.Create", fmt.Sprintf("schedule %q already exists", sched.ID), nil)
	}
	now := r.s.now().UTC()
	row := cloneRow(sched)
	row.CreatedAt = now
	row.UpdatedAt = now
	r.s.state.Schedules[row.ID] = row
	*sched = *cloneRow(row)
	return nil
}

func (r scheduleRepo) Update(ctx context.Context, sched *store.Schedule) error {
	defer r.s.write()()
	existing, ok := r.s.state.Schedules[sched.ID]
	if !ok {
		return core.NewNotFound("schedules.Update", core.ErrScheduleNotFound)
	}
	row := cloneRow(sched)
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = r.s.now().UTC()
	r.s.state.Schedules[row.ID] = row
	*sched = *cloneRow(row)
	return nil
}

func (r scheduleRepo) Get(ctx context.Context, id string) (*store.Schedule, error) {
	defer r.s.read()()
	sched, ok := r.s.state.Schedules[id]
	if !ok {
		return nil, core.NewNotFound("schedules.Get", core.ErrScheduleNotFound)
	}
	return cloneRow(sched), nil
}

func (r scheduleRepo) ListByDefinition(ctx context.Context, definitionID string) ([]*store.Schedule, error) {
	defer r.s.read()()
	var out []*store.Schedule
	for _, sched := range r.s.state.Schedules {
		if sched.DefinitionID == definitionID {
			out = append(out, cloneRow(sched))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r scheduleRepo) List(ctx context.Context) ([]*store.Schedule, error) {
	defer r.s.read()()
	out := make([]*store.Schedule, 0, len(r.s.state.Schedules))
	for _, sched := range r.s.state.Schedules {
		out = append(out, cloneRow(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r scheduleRepo) ListDue(ctx context.Context, now time.Time) ([]*store.Schedule, error) {
	defer r.s.read()()
	var out []*store.Schedule
	for _, sched := range r.s.state.Schedules {
		if !sched.Enabled || sched.NextRunAt == nil {
			continue
		}
		if sched.NextRunAt.After(now) {
			continue
		}
		out = append(out, cloneRow(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

// --- services ---

type serviceRepo struct{ s *Store }

func (r serviceRepo) Upsert(ctx context.Context, svc *store.Service) error {
	defer r.s.write()()
	now := r.s.now().UTC()
	row := cloneRow(svc)
	if existing, ok := r.s.state.Services[svc.Slug]; ok {
		row.CreatedAt = existing.CreatedAt
	} else if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if row.Status == "" {
		row.Status = store.ServiceUnknown
	}
	r.s.state.Services[row.Slug] = row
	*svc = *cloneRow(row)
	return nil
}

func (r serviceRepo) Get(ctx context.Context, slug string) (*store.Service, error) {
	defer r.s.read()()
	svc, ok := r.s.state.Services[slug]
	if !ok {
		return nil, core.NewNotFound("services.Get", core.ErrServiceNotFound)
	}
	return cloneRow(svc), nil
}

func (r serviceRepo) List(ctx context.Context) ([]*store.Service, error) {
	defer r.s.read()()
	out := make([]*store.Service, 0, len(r.s.state.Services))
	for _, svc := range r.s.state.Services {
		out = append(out, cloneRow(svc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (r serviceRepo) UpdateStatus(ctx context.Context, slug string, status store.ServiceStatus, message string, at time.Time) error {
	defer r.s.write()()
	svc, ok := r.s.state.Services[slug]
	if !ok {
		return core.NewNotFound("services.UpdateStatus", core.ErrServiceNotFound)
	}
	svc.Status = status
	svc.StatusMessage = message
	svc.UpdatedAt = at.UTC()
	return nil
}

// --- service manifests ---

type manifestRepo struct{ s *Store }

func (r manifestRepo) ReplaceModule(ctx context.Context, moduleID string, entries []*store.ServiceManifest) error {
	defer r.s.write()()
	now := r.s.now().UTC()
	rows := make([]*store.ServiceManifest, len(entries))
	for i, entry := range entries {
		row := cloneRow(entry)
		row.ModuleID = moduleID
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		rows[i] = row
	}
	r.s.state.Manifests[moduleID] = rows
	return nil
}

func (r manifestRepo) ListAll(ctx context.Context) ([]*store.ServiceManifest, error) {
	defer r.s.read()()
	moduleIDs := make([]string, 0, len(r.s.state.Manifests))
	for moduleID := range r.s.state.Manifests {
		moduleIDs = append(moduleIDs, moduleID)
	}
	sort.Strings(moduleIDs)
	var out []*store.ServiceManifest
	for _, moduleID := range moduleIDs {
		out = append(out, cloneRows(r.s.state.Manifests[moduleID])...)
	}
	return out, nil
}

func (r manifestRepo) ListByModule(ctx context.Context, moduleID string) ([]*store.ServiceManifest, error) {
	defer r.s.read()()
	return cloneRows(r.s.state.Manifests[moduleID]), nil
}

// --- health snapshots ---

type healthRepo struct{ s *Store }

func (r healthRepo) Insert(ctx context.Context, snap *store.HealthSnapshot) error {
	defer r.s.write()()
	row := cloneRow(snap)
	if row.CheckedAt.IsZero() {
		row.CheckedAt = r.s.now().UTC()
	}
	// Newest first.
	r.s.state.Health[row.ServiceSlug] = append([]*store.HealthSnapshot{row}, r.s.state.Health[row.ServiceSlug]...)
	*snap = *cloneRow(row)
	return nil
}

func (r healthRepo) Latest(ctx context.Context, serviceSlug string) (*store.HealthSnapshot, error) {
	defer r.s.read()()
	snaps := r.s.state.Health[serviceSlug]
	if len(snaps) == 0 {
		return nil, nil
	}
	return cloneRow(snaps[0]), nil
}

func (r healthRepo) ListByService(ctx context.Context, serviceSlug string, limit int) ([]*store.HealthSnapshot, error) {
	defer r.s.read()()
	return truncate(cloneRows(r.s.state.Health[serviceSlug]), limit), nil
}

// --- module contexts ---

type contextRepo struct{ s *Store }

func contextKey(moduleID, resourceType, resourceID string) string {
	return strings.Join([]string{moduleID, resourceType, resourceID}, "|")
}

func (r contextRepo) Upsert(ctx context.Context, mc *store.ModuleContext) error {
	defer r.s.write()()
	row := cloneRow(mc)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = r.s.now().UTC()
	}
	r.s.state.Contexts[contextKey(row.ModuleID, row.ResourceType, row.ResourceID)] = row
	return nil
}

func (r contextRepo) Delete(ctx context.Context, moduleID, resourceType, resourceID string) error {
	defer r.s.write()()
	key := contextKey(moduleID, resourceType, resourceID)
	if _, ok := r.s.state.Contexts[key]; !ok {
		return core.NewNotFound("contexts.Delete", core.ErrModuleNotFound)
	}
	delete(r.s.state.Contexts, key)
	return nil
}

func (r contextRepo) ModuleKnown(ctx context.Context, moduleID string) (bool, error) {
	defer r.s.read()()
	for _, mc := range r.s.state.Contexts {
		if mc.ModuleID == moduleID {
			return true, nil
		}
	}
	return false, nil
}

func (r contextRepo) ListResources(ctx context.Context, moduleID, resourceType string) ([]*store.ModuleContext, error) {
	defer r.s.read()()
	var out []*store.ModuleContext
	for _, mc := range r.s.state.Contexts {
		if mc.ModuleID != moduleID {
			continue
		}
		if resourceType != "" && mc.ResourceType != resourceType {
			continue
		}
		out = append(out, cloneRow(mc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

func (r contextRepo) ListForResource(ctx context.Context, resourceType, resourceID string) ([]*store.ModuleContext, error) {
	defer r.s.read()()
	var out []*store.ModuleContext
	for _, mc := range r.s.state.Contexts {
		if mc.ResourceType == resourceType && mc.ResourceID == resourceID {
			out = append(out, cloneRow(mc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out, nil
}

// --- job definitions ---

type jobRepo struct{ s *Store }

func (r jobRepo) Upsert(ctx context.Context, job *store.JobDefinition) error {
	defer r.s.write()()
	now := r.s.now().UTC()
	row := cloneRow(job)
	if existing, ok := r.s.state.Jobs[job.Slug]; ok {
		row.CreatedAt = existing.CreatedAt
		row.Version = existing.Version + 1
	} else {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		if row.Version == 0 {
			row.Version = 1
		}
	}
	row.UpdatedAt = now
	r.s.state.Jobs[row.Slug] = row
	*job = *cloneRow(row)
	return nil
}

func (r jobRepo) GetBySlug(ctx context.Context, slug string) (*store.JobDefinition, error) {
	defer r.s.read()()
	job, ok := r.s.state.Jobs[slug]
	if !ok {
		return nil, core.NewNotFound("jobs.GetBySlug", core.ErrJobNotFound)
	}
	return cloneRow(job), nil
}

func (r jobRepo) List(ctx context.Context) ([]*store.JobDefinition, error) {
	defer r.s.read()()
	out := make([]*store.JobDefinition, 0, len(r.s.state.Jobs))
	for _, job := range r.s.state.Jobs {
		out = append(out, cloneRow(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// --- backend mounts ---

type mountRepo struct{ s *Store }

func (r mountRepo) Upsert(ctx context.Context, mount *store.BackendMount) error {
	defer r.s.write()()
	now := r.s.now().UTC()
	row := cloneRow(mount)
	if existing, ok := r.s.state.Mounts[mount.MountKey]; ok {
		row.CreatedAt = existing.CreatedAt
	} else if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	r.s.state.Mounts[row.MountKey] = row
	*mount = *cloneRow(row)
	return nil
}

func (r mountRepo) Get(ctx context.Context, mountKey string) (*store.BackendMount, error) {
	defer r.s.read()()
	mount, ok := r.s.state.Mounts[mountKey]
	if !ok {
		return nil, core.NewNotFound("mounts.Get", core.ErrMountNotFound)
	}
	return cloneRow(mount), nil
}

func (r mountRepo) List(ctx context.Context) ([]*store.BackendMount, error) {
	defer r.s.read()()
	out := make([]*store.BackendMount, 0, len(r.s.state.Mounts))
	for _, mount := range r.s.state.Mounts {
		out = append(out, cloneRow(mount))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MountKey < out[j].MountKey })
	return out, nil
}

// helpers

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
