// Package store defines the persistent model of the control plane and the
// typed repository interfaces that subsystems consume. Implementations live
// in store/memory (in-process, used by inline mode and tests) and
// store/postgres (pgx-backed production store).
package store

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunExpired   RunStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunExpired:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one run step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// RetryState tracks where a step or delivery is in its retry cycle.
type RetryState string

const (
	RetryIdle      RetryState = "idle"
	RetryScheduled RetryState = "scheduled"
	RetryCompleted RetryState = "completed"
	RetryExhausted RetryState = "exhausted"
)

// DeliveryStatus is the lifecycle state of a trigger delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryMatched   DeliveryStatus = "matched"
	DeliveryThrottled DeliveryStatus = "throttled"
	DeliveryLaunched  DeliveryStatus = "launched"
	DeliverySkipped   DeliveryStatus = "skipped"
	DeliveryFailed    DeliveryStatus = "failed"
)

// TriggerStatus enables or disables an event trigger.
type TriggerStatus string

const (
	TriggerActive   TriggerStatus = "active"
	TriggerDisabled TriggerStatus = "disabled"
)

// ServiceStatus is the health classification of a registered service.
type ServiceStatus string

const (
	ServiceHealthy     ServiceStatus = "healthy"
	ServiceDegraded    ServiceStatus = "degraded"
	ServiceUnreachable ServiceStatus = "unreachable"
	ServiceUnknown     ServiceStatus = "unknown"
)

// TriggeredBy records what created a workflow run.
type TriggeredBy string

const (
	TriggeredManual   TriggeredBy = "manual"
	TriggeredByEvent  TriggeredBy = "event-trigger"
	TriggeredSchedule TriggeredBy = "schedule"
	TriggeredModule   TriggeredBy = "module"
)

// StepType discriminates the three step kinds of a definition.
type StepType string

const (
	StepTypeJob     StepType = "job"
	StepTypeService StepType = "service"
	StepTypeFanout  StepType = "fanout"
)

// RetryPolicySpec parameterizes per-step retry backoff.
type RetryPolicySpec struct {
	MaxAttempts    int     `json:"maxAttempts"`
	Strategy       string  `json:"strategy"` // fixed | exponential | jittered
	InitialDelayMs int64   `json:"initialDelayMs"`
	MaxDelayMs     int64   `json:"maxDelayMs,omitempty"`
	JitterRatio    float64 `json:"jitterRatio,omitempty"`
}

// PartitionSpec describes how a fan-out step enumerates its partitions.
type PartitionSpec struct {
	Type        string   `json:"type"` // timeWindow | dynamic | static
	Granularity string   `json:"granularity,omitempty"`
	Lookback    int      `json:"lookback,omitempty"`
	Values      []string `json:"values,omitempty"`
}

// AssetRef names an asset a step produces or consumes.
type AssetRef struct {
	AssetID string `json:"assetId"`
}

// RequestSpec is the HTTP request template of a service step.
type RequestSpec struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// StepSpec is one node of a workflow definition's step graph.
type StepSpec struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Type           StepType         `json:"type"`
	DependsOn      []string         `json:"dependsOn,omitempty"`
	Retry          *RetryPolicySpec `json:"retryPolicy,omitempty"`
	ContinueOnSkip bool             `json:"continueOnSkip,omitempty"`
	Produces       []AssetRef       `json:"produces,omitempty"`
	Consumes       []AssetRef       `json:"consumes,omitempty"`

	// Job step fields.
	JobSlug    string          `json:"jobSlug,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// Service step fields.
	Service string       `json:"service,omitempty"`
	Request *RequestSpec `json:"request,omitempty"`

	// Fanout step fields.
	Partition      *PartitionSpec `json:"partition,omitempty"`
	Body           *StepSpec      `json:"body,omitempty"`
	MaxConcurrency int            `json:"maxConcurrency,omitempty"`
	MaxItems       int            `json:"maxItems,omitempty"`

	// TimeoutMs bounds one attempt of a job or service step.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// WorkflowDefinition is a versioned step graph addressed by slug.
type WorkflowDefinition struct {
	ID                string          `json:"id"`
	Slug              string          `json:"slug"`
	Version           int             `json:"version"`
	DisplayName       string          `json:"displayName,omitempty"`
	Description       string          `json:"description,omitempty"`
	Steps             []StepSpec      `json:"steps"`
	ParametersSchema  json.RawMessage `json:"parametersSchema,omitempty"`
	DefaultParameters json.RawMessage `json:"defaultParameters,omitempty"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// WorkflowRun is one execution of a definition.
type WorkflowRun struct {
	ID               string          `json:"id"`
	DefinitionID     string          `json:"workflowDefinitionId"`
	Status           RunStatus       `json:"status"`
	TriggeredBy      TriggeredBy     `json:"triggeredBy"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	PartitionKey     string          `json:"partitionKey,omitempty"`
	RunKey           string          `json:"runKey,omitempty"`
	RunKeyNormalized string          `json:"runKeyNormalized,omitempty"`
	ModuleID         string          `json:"moduleId,omitempty"`
	ParentRunID      string          `json:"parentRunId,omitempty"`
	ParentStepID     string          `json:"parentStepId,omitempty"`
	Context          json.RawMessage `json:"context,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// RunStep is the persisted state of one step within a run.
type RunStep struct {
	ID            string          `json:"id"`
	RunID         string          `json:"workflowRunId"`
	StepID        string          `json:"stepId"`
	Status        StepStatus      `json:"status"`
	RetryState    RetryState      `json:"retryState"`
	RetryAttempts int             `json:"retryAttempts"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// TriggerPredicate is one conjunctive condition of an event trigger.
// Path is a `$.a.b` JSONPath into the envelope payload.
type TriggerPredicate struct {
	Path          string          `json:"path"`
	Operator      string          `json:"operator"`
	Value         json.RawMessage `json:"value,omitempty"`
	CaseSensitive *bool           `json:"caseSensitive,omitempty"`
	Flags         string          `json:"flags,omitempty"`
}

// EventTrigger declares that events of a type should launch runs.
type EventTrigger struct {
	ID                       string             `json:"id"`
	DefinitionID             string             `json:"workflowDefinitionId"`
	Name                     string             `json:"name,omitempty"`
	Description              string             `json:"description,omitempty"`
	EventType                string             `json:"eventType"`
	EventSource              string             `json:"eventSource,omitempty"`
	Predicates               []TriggerPredicate `json:"predicates,omitempty"`
	ParameterTemplate        json.RawMessage    `json:"parameterTemplate,omitempty"`
	RunKeyTemplate           string             `json:"runKeyTemplate,omitempty"`
	IdempotencyKeyExpression string             `json:"idempotencyKeyExpression,omitempty"`
	ThrottleWindowMs         int64              `json:"throttleWindowMs,omitempty"`
	ThrottleCount            int                `json:"throttleCount,omitempty"`
	MaxConcurrency           int                `json:"maxConcurrency,omitempty"`
	Metadata                 json.RawMessage    `json:"metadata,omitempty"`
	Status                   TriggerStatus      `json:"status"`
	Version                  int                `json:"version"`
	CreatedAt                time.Time          `json:"createdAt"`
	UpdatedAt                time.Time          `json:"updatedAt"`
}

// TriggerDelivery records one (trigger, event) match candidate.
type TriggerDelivery struct {
	ID             string          `json:"id"`
	TriggerID      string          `json:"triggerId"`
	DefinitionID   string          `json:"workflowDefinitionId"`
	EventID        string          `json:"eventId"`
	Status         DeliveryStatus  `json:"status"`
	RetryState     RetryState      `json:"retryState"`
	RetryAttempts  int             `json:"retryAttempts"`
	NextAttemptAt  *time.Time      `json:"nextAttemptAt,omitempty"`
	WorkflowRunID  string          `json:"workflowRunId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Event is one immutable envelope in the event log.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	IngestedAt    time.Time       `json:"ingestedAt"`
}

// Schedule is a cron-driven run materializer for one definition.
type Schedule struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"workflowDefinitionId"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Cron         string          `json:"cron"`
	Timezone     string          `json:"timezone,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Enabled      bool            `json:"enabled"`
	CatchUp      bool            `json:"catchUp"`
	NextRunAt    *time.Time      `json:"nextRunAt,omitempty"`
	LastWindow   string          `json:"lastMaterializedWindow,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// FromServiceRef resolves an env value from another service's manifest.
type FromServiceRef struct {
	Service  string `json:"service"`
	Property string `json:"property"`
	Fallback string `json:"fallback,omitempty"`
}

// EnvBinding is one environment entry of a service manifest.
type EnvBinding struct {
	Key         string          `json:"key"`
	Value       string          `json:"value,omitempty"`
	FromService *FromServiceRef `json:"fromService,omitempty"`
}

// ServiceManifest is one declared source of truth for a service, scoped to
// the module that published it. Multiple manifests for the same slug merge
// deterministically in the registry.
type ServiceManifest struct {
	ID             string       `json:"id"`
	ModuleID       string       `json:"moduleId"`
	ModuleVersion  string       `json:"moduleVersion,omitempty"`
	Slug           string       `json:"slug"`
	DisplayName    string       `json:"displayName,omitempty"`
	Kind           string       `json:"kind,omitempty"`
	BaseURL        string       `json:"baseUrl,omitempty"`
	HealthEndpoint string       `json:"healthEndpoint,omitempty"`
	OpenAPIPath    string       `json:"openapiPath,omitempty"`
	Env            []EnvBinding `json:"env,omitempty"`
	Capabilities   []string     `json:"capabilities,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	Source         string       `json:"source"` // audit: file or import origin
	CreatedAt      time.Time    `json:"createdAt"`
}

// RuntimeSnapshot is the launched-container binding of a service.
type RuntimeSnapshot struct {
	RepositoryID  string     `json:"repositoryId,omitempty"`
	LaunchID      string     `json:"launchId,omitempty"`
	InstanceURL   string     `json:"instanceUrl,omitempty"`
	BaseURL       string     `json:"baseUrl,omitempty"`
	PreviewURL    string     `json:"previewUrl,omitempty"`
	Host          string     `json:"host,omitempty"`
	Port          int        `json:"port,omitempty"`
	ContainerIP   string     `json:"containerIp,omitempty"`
	ContainerPort int        `json:"containerPort,omitempty"`
	ContainerBase string     `json:"containerBaseUrl,omitempty"`
	Status        string     `json:"status,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

// OpenAPIState records the most recently fetched descriptor.
type OpenAPIState struct {
	Hash      string     `json:"hash,omitempty"`
	URL       string     `json:"url,omitempty"`
	FetchedAt *time.Time `json:"fetchedAt,omitempty"`
	Bytes     int        `json:"bytes,omitempty"`
}

// ServiceMetadata aggregates the observable state stored on a service row.
type ServiceMetadata struct {
	Manifest   *ServiceManifest `json:"manifest,omitempty"`
	Config     json.RawMessage  `json:"config,omitempty"`
	Runtime    *RuntimeSnapshot `json:"runtime,omitempty"`
	LastHealth *HealthSnapshot  `json:"lastHealth,omitempty"`
	OpenAPI    *OpenAPIState    `json:"openapi,omitempty"`
	LinkedApps []string         `json:"linkedApps,omitempty"`
}

// Service is the persistent, observable record of one service.
type Service struct {
	Slug          string          `json:"slug"`
	DisplayName   string          `json:"displayName,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	BaseURL       string          `json:"baseUrl,omitempty"`
	BaseURLSource string          `json:"baseUrlSource,omitempty"` // manifest | runtime | env | config
	Status        ServiceStatus   `json:"status"`
	StatusMessage string          `json:"statusMessage,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Metadata      ServiceMetadata `json:"metadata"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// HealthSnapshot is one persisted probe result.
type HealthSnapshot struct {
	ID            string        `json:"id"`
	ServiceSlug   string        `json:"serviceSlug"`
	Status        ServiceStatus `json:"status"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	LatencyMs     int64         `json:"latencyMs,omitempty"`
	ProbedURL     string        `json:"probedUrl,omitempty"`
	CheckedAt     time.Time     `json:"checkedAt"`
}

// ModuleContext binds a resource to the module that published it.
type ModuleContext struct {
	ModuleID      string    `json:"moduleId"`
	ModuleVersion string    `json:"moduleVersion,omitempty"`
	ResourceType  string    `json:"resourceType"` // workflow-definition | service | job-definition
	ResourceID    string    `json:"resourceId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// JobDefinition is a thin registry row describing a dispatchable job.
type JobDefinition struct {
	ID               string           `json:"id"`
	Slug             string           `json:"slug"`
	Version          int              `json:"version"`
	DisplayName      string           `json:"displayName,omitempty"`
	QueueKey         string           `json:"queueKey"`
	TimeoutMs        int64            `json:"timeoutMs,omitempty"`
	RetryPolicy      *RetryPolicySpec `json:"retryPolicy,omitempty"`
	ParametersSchema json.RawMessage  `json:"parametersSchema,omitempty"`
	Metadata         json.RawMessage  `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// BackendMount names a storage root that workflow steps may reference.
// The storage engine itself is external; the control plane only tracks the
// mount inventory.
type BackendMount struct {
	ID          string          `json:"id"`
	MountKey    string          `json:"mountKey"`
	DisplayName string          `json:"displayName,omitempty"`
	Kind        string          `json:"kind"` // local | s3 | memory
	RootPath    string          `json:"rootPath,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
