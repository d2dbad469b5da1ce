package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/queue"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/triggers"
)

// runJobPayload is the queue payload of a run-workflow dispatch.
type runJobPayload struct {
	RunID string `json:"runId"`
}

// retryJobPayload is the queue payload of a delayed workflow retry.
type retryJobPayload struct {
	RunID     string `json:"runId"`
	RetryKind string `json:"retryKind"`
}

// Runner advances a run. Implemented by Orchestrator; the launcher only
// needs it in inline mode, where dispatch is a direct call.
type Runner interface {
	Run(ctx context.Context, runID string) (*PassResult, error)
}

// Launcher validates definitions and creates runs. It implements
// triggers.RunLauncher so the trigger processor can launch without
// importing this package's internals.
type Launcher struct {
	store   store.Store
	manager *queue.Manager
	runner  Runner
	logger  core.Logger
	now     func() time.Time
}

// LauncherOption adjusts a Launcher at construction.
type LauncherOption func(*Launcher)

// WithLauncherLogger injects the structured logger.
func WithLauncherLogger(logger core.Logger) LauncherOption {
	return func(l *Launcher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLauncherQueue routes run dispatch through the workflow queue when
// redis mode is active.
func WithLauncherQueue(manager *queue.Manager) LauncherOption {
	return func(l *Launcher) { l.manager = manager }
}

// WithRunner wires the orchestrator used for inline dispatch.
func WithRunner(runner Runner) LauncherOption {
	return func(l *Launcher) { l.runner = runner }
}

// WithLauncherClock injects a clock for tests.
func WithLauncherClock(now func() time.Time) LauncherOption {
	return func(l *Launcher) {
		if now != nil {
			l.now = now
		}
	}
}

// BindRunner wires the orchestrator after construction. The launcher is
// built before the orchestrator (the trigger processor and event bus need
// it first), so inline dispatch is bound in a second pass during startup,
// before any request is served.
func (l *Launcher) BindRunner(runner Runner) {
	l.runner = runner
}

// NewLauncher builds a run launcher.
func NewLauncher(st store.Store, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		store:  st,
		logger: &core.NoOpLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ triggers.RunLauncher = (*Launcher)(nil)

// CreateDefinition validates and persists a workflow definition. The step
// graph and every per-step retry policy are checked here so invalid
// definitions never reach the orchestrator.
func (l *Launcher) CreateDefinition(ctx context.Context, def *store.WorkflowDefinition) (*store.WorkflowDefinition, error) {
	const op = "orchestration.CreateDefinition"
	if def == nil {
		return nil, core.NewValidation(op, "definition is required")
	}
	if !core.ValidSlug(def.Slug) {
		return nil, core.NewValidationf(op, "invalid definition slug %q", def.Slug)
	}
	if err := ValidateSteps(def.Steps); err != nil {
		return nil, err
	}
	for _, step := range def.Steps {
		if err := ValidateRetryPolicy(step.Retry); err != nil {
			return nil, err
		}
	}
	if len(def.ParametersSchema) > 0 {
		if _, err := compileSchema(def.ParametersSchema); err != nil {
			return nil, core.NewValidationf(op, "invalid parametersSchema: %v", err)
		}
	}

	now := l.now().UTC()
	created := *def
	if created.ID == "" {
		created.ID = core.NewID("wf")
	}
	if created.Version == 0 {
		created.Version = 1
	}
	created.CreatedAt = now
	created.UpdatedAt = now
	if err := l.store.WorkflowDefinitions().Create(ctx, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// LaunchInput names everything a run creation needs.
type LaunchInput struct {
	DefinitionID string
	Slug         string
	TriggeredBy  store.TriggeredBy
	Parameters   json.RawMessage
	RunKey       string
	PartitionKey string
	ModuleID     string
	EventID      string
	TriggerID    string
}

// LaunchRun adapts the trigger processor's request onto Launch.
func (l *Launcher) LaunchRun(ctx context.Context, req triggers.LaunchRequest) (*store.WorkflowRun, error) {
	return l.Launch(ctx, LaunchInput{
		DefinitionID: req.DefinitionID,
		TriggeredBy:  req.TriggeredBy,
		Parameters:   req.Parameters,
		RunKey:       req.RunKey,
		EventID:      req.EventID,
		TriggerID:    req.TriggerID,
	})
}

// Launch creates a run in pending state and dispatches orchestration:
// a workflow queue job in redis mode, a direct orchestrator pass inline.
// Run-key conflicts surface as core.ErrRunKeyConflict.
func (l *Launcher) Launch(ctx context.Context, input LaunchInput) (*store.WorkflowRun, error) {
	const op = "orchestration.Launch"

	def, err := l.resolveDefinition(ctx, input)
	if err != nil {
		return nil, err
	}
	if input.TriggeredBy == "" {
		input.TriggeredBy = store.TriggeredManual
	}

	params, err := mergeParameters(def.DefaultParameters, input.Parameters)
	if err != nil {
		return nil, core.NewValidationf(op, "invalid parameters: %v", err)
	}
	if len(def.ParametersSchema) > 0 {
		if err := validateAgainstSchema(def.ParametersSchema, params); err != nil {
			return nil, core.NewValidationf(op, "parameters rejected by schema: %v", err)
		}
	}

	now := l.now().UTC()
	run := &store.WorkflowRun{
		ID:           core.NewID("run"),
		DefinitionID: def.ID,
		Status:       store.RunPending,
		TriggeredBy:  input.TriggeredBy,
		Parameters:   params,
		PartitionKey: input.PartitionKey,
		RunKey:       input.RunKey,
		ModuleID:     input.ModuleID,
		CreatedAt:    now,
	}
	if input.RunKey != "" {
		run.RunKeyNormalized = core.NormalizeKey(input.RunKey)
	}
	if input.EventID != "" || input.TriggerID != "" {
		ctxDoc := map[string]string{}
		if input.EventID != "" {
			ctxDoc["eventId"] = input.EventID
		}
		if input.TriggerID != "" {
			ctxDoc["triggerId"] = input.TriggerID
		}
		run.Context, _ = json.Marshal(ctxDoc)
	}

	if err := l.store.WorkflowRuns().Create(ctx, run); err != nil {
		return nil, err
	}

	l.dispatch(ctx, run.ID)
	return run, nil
}

// dispatch hands the run to the orchestrator. Dispatch failures are logged,
// not returned: the run row is durable and a later pass picks it up.
func (l *Launcher) dispatch(ctx context.Context, runID string) {
	if l.manager != nil {
		handle, ok, err := l.manager.TryQueue(ctx, queue.QueueWorkflow)
		if err != nil {
			l.logger.Error("workflow queue unavailable", map[string]interface{}{
				"runId": runID, "error": err.Error(),
			})
			return
		}
		if ok {
			payload, _ := json.Marshal(runJobPayload{RunID: runID})
			job := &queue.Job{ID: core.NewUUID(), Type: "run-workflow", Payload: payload}
			if err := handle.Enqueue(ctx, job, queue.JobOptions{}); err != nil {
				l.logger.Error("enqueueing workflow run", map[string]interface{}{
					"runId": runID, "error": err.Error(),
				})
			}
			return
		}
	}
	if l.runner == nil {
		l.logger.Warn("no orchestrator wired for inline dispatch", map[string]interface{}{"runId": runID})
		return
	}
	if _, err := l.runner.Run(ctx, runID); err != nil {
		l.logger.Error("inline orchestration pass failed", map[string]interface{}{
			"runId": runID, "error": err.Error(),
		})
	}
}

func (l *Launcher) resolveDefinition(ctx context.Context, input LaunchInput) (*store.WorkflowDefinition, error) {
	defs := l.store.WorkflowDefinitions()
	switch {
	case input.DefinitionID != "":
		return defs.GetByID(ctx, input.DefinitionID)
	case input.Slug != "":
		return defs.GetBySlug(ctx, input.Slug)
	}
	return nil, core.NewValidation("orchestration.Launch", "definitionId or slug is required")
}

// mergeParameters overlays provided parameters on the definition defaults.
// Both must be JSON objects (or absent); the merge is shallow by top-level
// key, provided values winning.
func mergeParameters(defaults, provided json.RawMessage) (json.RawMessage, error) {
	if len(defaults) == 0 {
		if len(provided) == 0 {
			return nil, nil
		}
		if !json.Valid(provided) {
			return nil, errors.New("parameters are not valid JSON")
		}
		return provided, nil
	}

	var base map[string]interface{}
	if err := json.Unmarshal(defaults, &base); err != nil {
		return nil, fmt.Errorf("default parameters are not a JSON object: %w", err)
	}
	if len(provided) > 0 {
		var overlay map[string]interface{}
		if err := json.Unmarshal(provided, &overlay); err != nil {
			return nil, fmt.Errorf("parameters are not a JSON object: %w", err)
		}
		for k, v := range overlay {
			base[k] = v
		}
	}
	return json.Marshal(base)
}

func compileSchema(schemaJSON json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("parameters.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("parameters.json")
}

func validateAgainstSchema(schemaJSON, instance json.RawMessage) error {
	schema, err := compileSchema(schemaJSON)
	if err != nil {
		return err
	}
	var inst interface{}
	if len(instance) > 0 {
		if err := json.Unmarshal(instance, &inst); err != nil {
			return err
		}
	}
	return schema.Validate(inst)
}
