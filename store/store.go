package store

import (
	"context"
	"time"
)

// Store aggregates the typed repositories behind one handle. WithinTx runs
// fn against a transactional view; implementations decide the isolation
// mechanics (pgx transaction for postgres, coarse lock for memory).
type Store interface {
	WorkflowDefinitions() WorkflowDefinitionRepo
	WorkflowRuns() WorkflowRunRepo
	RunSteps() RunStepRepo
	EventTriggers() EventTriggerRepo
	TriggerDeliveries() TriggerDeliveryRepo
	Events() EventRepo
	Schedules() ScheduleRepo
	Services() ServiceRepo
	ServiceManifests() ServiceManifestRepo
	HealthSnapshots() HealthSnapshotRepo
	ModuleContexts() ModuleContextRepo
	JobDefinitions() JobDefinitionRepo
	BackendMounts() BackendMountRepo

	// WithinTx executes fn atomically. Multi-row updates that must be
	// consistent (run + step + event emission) go through here.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Close releases the underlying connections.
	Close()
}

// DefinitionFilter narrows WorkflowDefinitionRepo.List.
type DefinitionFilter struct {
	IDs      []string
	ModuleID string
	Limit    int
}

// WorkflowDefinitionRepo persists workflow definitions.
type WorkflowDefinitionRepo interface {
	Create(ctx context.Context, def *WorkflowDefinition) error
	Update(ctx context.Context, def *WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*WorkflowDefinition, error)
	GetBySlug(ctx context.Context, slug string) (*WorkflowDefinition, error)
	List(ctx context.Context, filter DefinitionFilter) ([]*WorkflowDefinition, error)
}

// RunFilter narrows WorkflowRunRepo.List. Zero values mean "any".
type RunFilter struct {
	DefinitionID string
	Statuses     []RunStatus
	ParentRunID  string
	IDs          []string
	Limit        int
}

// WorkflowRunRepo persists workflow runs. Create enforces the
// (definitionId, runKeyNormalized) uniqueness invariant for non-terminal
// runs and returns ErrRunKeyConflict on violation.
type WorkflowRunRepo interface {
	Create(ctx context.Context, run *WorkflowRun) error
	Get(ctx context.Context, id string) (*WorkflowRun, error)
	Update(ctx context.Context, run *WorkflowRun) error
	List(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
	// FindActiveByRunKey returns the non-terminal run holding the
	// normalized key, or nil when the key is free.
	FindActiveByRunKey(ctx context.Context, definitionID, runKeyNormalized string) (*WorkflowRun, error)
	// CountNonTerminalByIDs reports how many of the given runs are still
	// non-terminal. Used for trigger concurrency caps and fan-out joins.
	CountNonTerminalByIDs(ctx context.Context, ids []string) (int, error)
}

// RunStepRepo persists per-run step state.
type RunStepRepo interface {
	// CreateBatch inserts the given steps, skipping (runId, stepId) pairs
	// that already exist. Materialization is idempotent.
	CreateBatch(ctx context.Context, steps []*RunStep) error
	Get(ctx context.Context, runID, stepID string) (*RunStep, error)
	ListByRun(ctx context.Context, runID string) ([]*RunStep, error)
	Update(ctx context.Context, step *RunStep) error
}

// EventTriggerRepo persists event triggers.
type EventTriggerRepo interface {
	Create(ctx context.Context, trigger *EventTrigger) error
	Update(ctx context.Context, trigger *EventTrigger) error
	Get(ctx context.Context, id string) (*EventTrigger, error)
	Delete(ctx context.Context, id string) error
	ListByDefinition(ctx context.Context, definitionID string) ([]*EventTrigger, error)
	// ListActiveByEventType returns active triggers whose eventType matches
	// and whose eventSource is either empty or equal to source.
	ListActiveByEventType(ctx context.Context, eventType, source string) ([]*EventTrigger, error)
}

// DeliveryFilter narrows TriggerDeliveryRepo.ListByTrigger.
type DeliveryFilter struct {
	Statuses []DeliveryStatus
	Limit    int
}

// TriggerDeliveryRepo persists trigger deliveries.
type TriggerDeliveryRepo interface {
	Create(ctx context.Context, d *TriggerDelivery) error
	Get(ctx context.Context, id string) (*TriggerDelivery, error)
	Update(ctx context.Context, d *TriggerDelivery) error
	ListByTrigger(ctx context.Context, triggerID string, filter DeliveryFilter) ([]*TriggerDelivery, error)
	// FindByIdempotencyKey returns the newest non-failed delivery holding
	// the key, or nil.
	FindByIdempotencyKey(ctx context.Context, triggerID, key string) (*TriggerDelivery, error)
	// CountLaunchedSince counts deliveries launched in [since, now] for the
	// throttle window check.
	CountLaunchedSince(ctx context.Context, triggerID string, since time.Time) (int, error)
	// ListLaunchedRunIDs returns the workflow run ids of launched
	// deliveries for the concurrency cap check.
	ListLaunchedRunIDs(ctx context.Context, triggerID string) ([]string, error)
}

// EventFilter narrows EventRepo.List. Pagination is keyset-based on
// (occurredAt desc, id desc); After carries the exclusive lower bound.
type EventFilter struct {
	Type          string
	Source        string
	CorrelationID string
	From          *time.Time
	To            *time.Time
	After         *EventKey
	Limit         int
}

// EventKey is the keyset cursor position of one event.
type EventKey struct {
	OccurredAt time.Time
	ID         string
}

// EventRepo persists the append-only event log.
type EventRepo interface {
	// Insert appends the envelope. Returns false without error when an
	// event with the same id already exists.
	Insert(ctx context.Context, e *Event) (bool, error)
	Get(ctx context.Context, id string) (*Event, error)
	List(ctx context.Context, filter EventFilter) ([]*Event, error)
}

// ScheduleRepo persists cron schedules.
type ScheduleRepo interface {
	Create(ctx context.Context, s *Schedule) error
	Update(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	ListByDefinition(ctx context.Context, definitionID string) ([]*Schedule, error)
	List(ctx context.Context) ([]*Schedule, error)
	// ListDue returns enabled schedules whose nextRunAt is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*Schedule, error)
}

// ServiceRepo persists service records.
type ServiceRepo interface {
	Upsert(ctx context.Context, svc *Service) error
	Get(ctx context.Context, slug string) (*Service, error)
	List(ctx context.Context) ([]*Service, error)
	// UpdateStatus persists a health classification change.
	UpdateStatus(ctx context.Context, slug string, status ServiceStatus, message string, at time.Time) error
}

// ServiceManifestRepo persists declared manifests per module.
type ServiceManifestRepo interface {
	// ReplaceModule atomically swaps all manifests of a module.
	ReplaceModule(ctx context.Context, moduleID string, entries []*ServiceManifest) error
	ListAll(ctx context.Context) ([]*ServiceManifest, error)
	ListByModule(ctx context.Context, moduleID string) ([]*ServiceManifest, error)
}

// HealthSnapshotRepo persists probe history.
type HealthSnapshotRepo interface {
	Insert(ctx context.Context, snap *HealthSnapshot) error
	Latest(ctx context.Context, serviceSlug string) (*HealthSnapshot, error)
	ListByService(ctx context.Context, serviceSlug string, limit int) ([]*HealthSnapshot, error)
}

// ModuleContextRepo persists module→resource bindings.
type ModuleContextRepo interface {
	Upsert(ctx context.Context, mc *ModuleContext) error
	Delete(ctx context.Context, moduleID, resourceType, resourceID string) error
	// ModuleKnown reports whether any context exists for the module.
	ModuleKnown(ctx context.Context, moduleID string) (bool, error)
	ListResources(ctx context.Context, moduleID, resourceType string) ([]*ModuleContext, error)
	ListForResource(ctx context.Context, resourceType, resourceID string) ([]*ModuleContext, error)
}

// JobDefinitionRepo persists the thin job registry.
type JobDefinitionRepo interface {
	Upsert(ctx context.Context, job *JobDefinition) error
	GetBySlug(ctx context.Context, slug string) (*JobDefinition, error)
	List(ctx context.Context) ([]*JobDefinition, error)
}

// BackendMountRepo persists the storage mount inventory.
type BackendMountRepo interface {
	Upsert(ctx context.Context, mount *BackendMount) error
	Get(ctx context.Context, mountKey string) (*BackendMount, error)
	List(ctx context.Context) ([]*BackendMount, error)
}
