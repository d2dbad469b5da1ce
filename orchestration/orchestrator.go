package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/queue"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/telemetry"
)

// ServiceResolver resolves a service slug to its current base URL.
// Implemented by the service registry; a missing service or empty base URL
// is a retriable condition for service steps.
type ServiceResolver interface {
	BaseURL(ctx context.Context, slug string) (string, error)
}

// EventEmitter appends lifecycle envelopes to the event bus. Implemented
// by events.Bus.
type EventEmitter interface {
	Ingest(ctx context.Context, e *store.Event) (*store.Event, error)
}

// lifecycleSource identifies orchestrator-emitted envelopes.
const lifecycleSource = "workflow.orchestrator"

// JobRequest is what a registered job handler receives.
type JobRequest struct {
	RunID        string          `json:"runId"`
	StepID       string          `json:"stepId"`
	JobSlug      string          `json:"jobSlug"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	PartitionKey string          `json:"partitionKey,omitempty"`
	Attempt      int             `json:"attempt"`
}

// JobResult is a handler's verdict on one attempt. Status must be
// succeeded or failed; anything else is an invariant violation and fails
// the step without retry.
type JobResult struct {
	Status       store.StepStatus `json:"status"`
	Output       json.RawMessage  `json:"result,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

// JobHandler executes one job attempt in process.
type JobHandler func(ctx context.Context, req JobRequest) (JobResult, error)

// PassResult summarizes one orchestration pass. RetryIn is non-zero when a
// step is scheduled for retry and the caller runs inline: it names the
// delay after which Run should be invoked again.
type PassResult struct {
	Status  store.RunStatus
	RetryIn time.Duration
}

// Orchestrator advances workflow runs through their step graphs. One
// instance serves the whole process; per-run serialization comes from the
// RunLocker.
type Orchestrator struct {
	store    store.Store
	cfg      core.WorkflowConfig
	manager  *queue.Manager
	resolver ServiceResolver
	emitter  EventEmitter
	locker   RunLocker
	client   *http.Client
	handlers map[string]JobHandler
	logger   core.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// OrchestratorOption adjusts an Orchestrator at construction.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger injects the structured logger.
func WithOrchestratorLogger(logger core.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOrchestratorMetrics wires the shared Prometheus collectors.
func WithOrchestratorMetrics(metrics *telemetry.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithOrchestratorQueue routes dispatch and delayed retries through the
// queue manager when redis mode is active.
func WithOrchestratorQueue(manager *queue.Manager) OrchestratorOption {
	return func(o *Orchestrator) { o.manager = manager }
}

// WithServiceResolver wires the registry lookup service steps use.
func WithServiceResolver(resolver ServiceResolver) OrchestratorOption {
	return func(o *Orchestrator) { o.resolver = resolver }
}

// WithEventEmitter wires lifecycle event emission.
func WithEventEmitter(emitter EventEmitter) OrchestratorOption {
	return func(o *Orchestrator) { o.emitter = emitter }
}

// WithLocker replaces the run locker (redis advisory locks in queue mode).
func WithLocker(locker RunLocker) OrchestratorOption {
	return func(o *Orchestrator) {
		if locker != nil {
			o.locker = locker
		}
	}
}

// WithHTTPClient replaces the client service steps dial with.
func WithHTTPClient(client *http.Client) OrchestratorOption {
	return func(o *Orchestrator) {
		if client != nil {
			o.client = client
		}
	}
}

// WithOrchestratorClock injects a clock for tests.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an orchestrator.
func New(st store.Store, cfg core.WorkflowConfig, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		cfg:      cfg,
		locker:   NewLocalLocker(),
		client:   &http.Client{},
		handlers: make(map[string]JobHandler),
		logger:   &core.NoOpLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterJobHandler binds an in-process handler to a job slug. Duplicate
// registration is a conflict.
func (o *Orchestrator) RegisterJobHandler(slug string, handler JobHandler) error {
	if slug == "" || handler == nil {
		return core.NewValidation("orchestration.RegisterJobHandler", "slug and handler are required")
	}
	if _, exists := o.handlers[slug]; exists {
		return core.NewConflict("orchestration.RegisterJobHandler",
			fmt.Sprintf("handler already registered for job %q", slug), nil)
	}
	o.handlers[slug] = handler
	return nil
}

// Run executes one orchestration pass for the run: materialize steps,
// advance the frontier until it drains, recompute the run status, emit
// lifecycle events on terminal transitions. Passes are serialized per run
// by the locker; calling Run on a terminal run is a no-op.
func (o *Orchestrator) Run(ctx context.Context, runID string) (*PassResult, error) {
	release, err := o.locker.Acquire(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()
	return o.pass(ctx, runID)
}

func (o *Orchestrator) pass(ctx context.Context, runID string) (*PassResult, error) {
	run, err := o.store.WorkflowRuns().Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return &PassResult{Status: run.Status}, nil
	}

	def, err := o.store.WorkflowDefinitions().GetByID(ctx, run.DefinitionID)
	if err != nil {
		return nil, err
	}

	specs, err := o.runSpecs(def, run)
	if err != nil {
		return nil, err
	}
	if err := o.materializeSteps(ctx, run, specs); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	if run.Status == store.RunPending {
		run.Status = store.RunRunning
		started := now
		run.StartedAt = &started
		if err := o.store.WorkflowRuns().Update(ctx, run); err != nil {
			return nil, err
		}
	}

	// Advance until the frontier drains. Each successful step can unlock
	// dependents, so loop while terminal progress is made.
	for {
		records, err := o.stepRecords(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		progressed := o.cascadeSkips(ctx, specs, records)

		// Fan-out steps left running by an earlier pass re-check their
		// join here; child completions otherwise could not settle them.
		for _, spec := range specs {
			rec := records[spec.ID]
			if spec.Type != store.StepTypeFanout || rec == nil || rec.Status != store.StepRunning {
				continue
			}
			var state fanoutState
			if len(rec.Output) == 0 || json.Unmarshal(rec.Output, &state) != nil || len(state.ChildRunIDs) == 0 {
				continue
			}
			terminal, err := o.joinFanout(ctx, rec, state.ChildRunIDs)
			if err != nil {
				return nil, err
			}
			progressed = progressed || terminal
		}

		for _, spec := range o.dueSteps(specs, records) {
			terminal, err := o.advanceStep(ctx, run, spec, records[spec.ID])
			if err != nil {
				return nil, err
			}
			progressed = progressed || terminal
		}
		if !progressed {
			break
		}
	}

	return o.recomputeRun(ctx, run, specs)
}

// runSpecs selects the step specs a run materializes. A fan-out child run
// materializes only the body of its parent step; everything else gets the
// full definition.
func (o *Orchestrator) runSpecs(def *store.WorkflowDefinition, run *store.WorkflowRun) ([]store.StepSpec, error) {
	if run.ParentStepID == "" {
		return def.Steps, nil
	}
	for _, step := range def.Steps {
		if step.ID == run.ParentStepID && step.Type == store.StepTypeFanout && step.Body != nil {
			return []store.StepSpec{*step.Body}, nil
		}
	}
	return nil, core.NewInternal("orchestration.runSpecs",
		fmt.Sprintf("run %s references missing fan-out step %q", run.ID, run.ParentStepID), nil)
}

func (o *Orchestrator) materializeSteps(ctx context.Context, run *store.WorkflowRun, specs []store.StepSpec) error {
	now := o.now().UTC()
	rows := make([]*store.RunStep, 0, len(specs))
	for _, spec := range specs {
		rows = append(rows, &store.RunStep{
			ID:         core.NewID("step"),
			RunID:      run.ID,
			StepID:     spec.ID,
			Status:     store.StepPending,
			RetryState: store.RetryIdle,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return o.store.RunSteps().CreateBatch(ctx, rows)
}

func (o *Orchestrator) stepRecords(ctx context.Context, runID string) (map[string]*store.RunStep, error) {
	rows, err := o.store.RunSteps().ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records := make(map[string]*store.RunStep, len(rows))
	for _, row := range rows {
		records[row.StepID] = row
	}
	return records, nil
}

// dueSteps filters the frontier down to steps whose retry schedule has
// come due.
func (o *Orchestrator) dueSteps(specs []store.StepSpec, records map[string]*store.RunStep) []store.StepSpec {
	now := o.now().UTC()
	var due []store.StepSpec
	for _, spec := range readySteps(specs, records) {
		rec := records[spec.ID]
		if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, spec)
	}
	return due
}

// cascadeSkips marks pending steps skipped when a dependency was skipped
// and the step does not tolerate skips. Without this, such steps would
// pend forever and the run could never settle.
func (o *Orchestrator) cascadeSkips(ctx context.Context, specs []store.StepSpec, records map[string]*store.RunStep) bool {
	progressed := false
	for _, spec := range specs {
		rec := records[spec.ID]
		if rec == nil || rec.Status != store.StepPending {
			continue
		}
		blocked := false
		for _, dep := range spec.DependsOn {
			depRec := records[dep]
			if depRec != nil && depRec.Status == store.StepSkipped && !spec.ContinueOnSkip {
				blocked = true
				break
			}
		}
		if !blocked {
			continue
		}
		now := o.now().UTC()
		rec.Status = store.StepSkipped
		rec.CompletedAt = &now
		rec.UpdatedAt = now
		if err := o.store.RunSteps().Update(ctx, rec); err != nil {
			o.logger.Error("skipping blocked step", map[string]interface{}{
				"runId": rec.RunID, "stepId": rec.StepID, "error": err.Error(),
			})
			continue
		}
		progressed = true
	}
	return progressed
}

// advanceStep attempts one step. The returned bool reports whether the
// step reached a terminal success (unlocking dependents this pass).
func (o *Orchestrator) advanceStep(ctx context.Context, run *store.WorkflowRun, spec store.StepSpec, rec *store.RunStep) (bool, error) {
	started := o.now().UTC()
	rec.Status = store.StepRunning
	if rec.StartedAt == nil {
		rec.StartedAt = &started
	}
	rec.UpdatedAt = started
	if err := o.store.RunSteps().Update(ctx, rec); err != nil {
		return false, err
	}

	switch spec.Type {
	case store.StepTypeJob:
		return o.advanceJobStep(ctx, run, spec, rec)
	case store.StepTypeService:
		return o.advanceServiceStep(ctx, run, spec, rec)
	case store.StepTypeFanout:
		return o.advanceFanoutStep(ctx, run, spec, rec)
	}
	return false, core.NewInternal("orchestration.advanceStep",
		fmt.Sprintf("step %q has unknown type %q", spec.ID, spec.Type), nil)
}

func (o *Orchestrator) advanceJobStep(ctx context.Context, run *store.WorkflowRun, spec store.StepSpec, rec *store.RunStep) (bool, error) {
	handler, registered := o.handlers[spec.JobSlug]
	if !registered {
		return o.dispatchJobStep(ctx, run, spec, rec)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.stepTimeout(spec))
	defer cancel()

	start := o.now()
	result, err := handler(attemptCtx, JobRequest{
		RunID:        run.ID,
		StepID:       spec.ID,
		JobSlug:      spec.JobSlug,
		Parameters:   o.stepParameters(run, spec),
		PartitionKey: run.PartitionKey,
		Attempt:      rec.RetryAttempts + 1,
	})
	o.observeStep(string(store.StepTypeJob), start)
	if err != nil {
		return false, o.scheduleRetry(ctx, spec, rec, err.Error())
	}
	return o.applyJobResult(ctx, spec, rec, result)
}

// applyJobResult settles one job attempt. Only succeeded and failed are
// legal handler statuses; anything else fails the step outright as an
// invariant violation.
func (o *Orchestrator) applyJobResult(ctx context.Context, spec store.StepSpec, rec *store.RunStep, result JobResult) (bool, error) {
	switch result.Status {
	case store.StepSucceeded:
		return true, o.completeStep(ctx, rec, result.Output)
	case store.StepFailed:
		msg := result.ErrorMessage
		if msg == "" {
			msg = "job handler reported failure"
		}
		return false, o.scheduleRetry(ctx, spec, rec, msg)
	}
	return false, o.failStep(ctx, rec,
		fmt.Sprintf("illegal handler result status %q for job %q", result.Status, spec.JobSlug))
}

// dispatchJobStep routes a job without an in-process handler through the
// queue; an async worker reports back via CompleteStep. Without a queue
// the job cannot run, which is a retriable condition (the handler may be
// registered by the time the retry fires).
func (o *Orchestrator) dispatchJobStep(ctx context.Context, run *store.WorkflowRun, spec store.StepSpec, rec *store.RunStep) (bool, error) {
	if o.manager == nil {
		return false, o.scheduleRetry(ctx, spec, rec,
			fmt.Sprintf("no handler registered for job %q", spec.JobSlug))
	}

	queueKey := queue.QueueWorkflow
	jobDef, err := o.store.JobDefinitions().GetBySlug(ctx, spec.JobSlug)
	if err == nil && jobDef.QueueKey != "" {
		queueKey = jobDef.QueueKey
	}

	handle, ok, err := o.manager.TryQueue(ctx, queueKey)
	if err != nil || !ok {
		return false, o.scheduleRetry(ctx, spec, rec,
			fmt.Sprintf("no handler registered for job %q and queue %q unavailable", spec.JobSlug, queueKey))
	}

	payload, _ := json.Marshal(JobRequest{
		RunID:        run.ID,
		StepID:       spec.ID,
		JobSlug:      spec.JobSlug,
		Parameters:   o.stepParameters(run, spec),
		PartitionKey: run.PartitionKey,
		Attempt:      rec.RetryAttempts + 1,
	})
	job := &queue.Job{ID: core.NewUUID(), Type: "execute-job", Payload: payload, Attempt: rec.RetryAttempts + 1}
	if err := handle.Enqueue(ctx, job, queue.JobOptions{}); err != nil {
		return false, o.scheduleRetry(ctx, spec, rec, fmt.Sprintf("enqueueing job %q: %v", spec.JobSlug, err))
	}
	// Step stays running until the worker reports through CompleteStep.
	return false, nil
}

// CompleteStep applies an asynchronous job result reported by a queue
// worker, then re-runs orchestration so dependents advance.
func (o *Orchestrator) CompleteStep(ctx context.Context, runID, stepID string, result JobResult) error {
	release, err := o.locker.Acquire(ctx, runID)
	if err != nil {
		return err
	}

	rec, err := o.store.RunSteps().Get(ctx, runID, stepID)
	if err != nil {
		release()
		return err
	}
	if rec.Status.Terminal() {
		release()
		return nil
	}
	run, err := o.store.WorkflowRuns().Get(ctx, runID)
	if err != nil {
		release()
		return err
	}
	def, err := o.store.WorkflowDefinitions().GetByID(ctx, run.DefinitionID)
	if err != nil {
		release()
		return err
	}
	specs, err := o.runSpecs(def, run)
	if err != nil {
		release()
		return err
	}
	var spec *store.StepSpec
	for i := range specs {
		if specs[i].ID == stepID {
			spec = &specs[i]
			break
		}
	}
	if spec == nil {
		release()
		return core.NewNotFound("orchestration.CompleteStep",
			fmt.Errorf("step %q is not part of run %s", stepID, runID))
	}
	if _, err := o.applyJobResult(ctx, *spec, rec, result); err != nil {
		release()
		return err
	}
	release()

	_, err = o.Run(ctx, runID)
	return err
}

// ExecuteJob runs a queue-dispatched job step on this process's registered
// handler and reports the outcome through CompleteStep. A slug with no
// handler here either fails the attempt, so the step's retry policy decides
// what happens next.
func (o *Orchestrator) ExecuteJob(ctx context.Context, req JobRequest) error {
	handler, registered := o.handlers[req.JobSlug]
	if !registered {
		return o.CompleteStep(ctx, req.RunID, req.StepID, JobResult{
			Status:       store.StepFailed,
			ErrorMessage: fmt.Sprintf("no handler registered for job %q", req.JobSlug),
		})
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.stepTimeout(store.StepSpec{}))
	start := o.now()
	result, err := handler(attemptCtx, req)
	cancel()
	o.observeStep(string(store.StepTypeJob), start)
	if err != nil {
		result = JobResult{Status: store.StepFailed, ErrorMessage: err.Error()}
	}
	return o.CompleteStep(ctx, req.RunID, req.StepID, result)
}

func (o *Orchestrator) advanceServiceStep(ctx context.Context, run *store.WorkflowRun, spec store.StepSpec, rec *store.RunStep) (bool, error) {
	if o.resolver == nil {
		return false, o.scheduleRetry(ctx, spec, rec, "service_unavailable")
	}
	baseURL, err := o.resolver.BaseURL(ctx, spec.Service)
	if err != nil || baseURL == "" {
		return false, o.scheduleRetry(ctx, spec, rec, "service_unavailable")
	}

	req := spec.Request
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	path, err := renderServiceTemplate(req.Path, run)
	if err != nil {
		return false, o.failStep(ctx, rec, fmt.Sprintf("rendering request path: %v", err))
	}
	url := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")

	var body io.Reader
	if len(req.Body) > 0 {
		rendered, err := renderServiceTemplate(string(req.Body), run)
		if err != nil {
			return false, o.failStep(ctx, rec, fmt.Sprintf("rendering request body: %v", err))
		}
		body = strings.NewReader(rendered)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.stepTimeout(spec))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, url, body)
	if err != nil {
		return false, o.failStep(ctx, rec, fmt.Sprintf("building service request: %v", err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := o.now()
	resp, err := o.client.Do(httpReq)
	o.observeStep(string(store.StepTypeService), start)
	if err != nil {
		return false, o.scheduleRetry(ctx, spec, rec, fmt.Sprintf("calling service %q: %v", spec.Service, err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, o.scheduleRetry(ctx, spec, rec,
			fmt.Sprintf("service %q returned status %d", spec.Service, resp.StatusCode))
	}

	output := serviceStepOutput(resp.StatusCode, respBody)
	return true, o.completeStep(ctx, rec, output)
}

func serviceStepOutput(status int, body []byte) json.RawMessage {
	doc := map[string]interface{}{"statusCode": status}
	if len(body) > 0 {
		if json.Valid(body) {
			doc["body"] = json.RawMessage(body)
		} else {
			doc["body"] = string(body)
		}
	}
	out, _ := json.Marshal(doc)
	return out
}

// fanoutState is persisted in the fan-out step's output while children run.
type fanoutState struct {
	ChildRunIDs []string `json:"childRunIds"`
}

func (o *Orchestrator) advanceFanoutStep(ctx context.Context, run *store.WorkflowRun, spec store.StepSpec, rec *store.RunStep) (bool, error) {
	var state fanoutState
	if len(rec.Output) > 0 {
		_ = json.Unmarshal(rec.Output, &state)
	}

	if len(state.ChildRunIDs) == 0 {
		keys := EnumeratePartitionKeys(spec.Partition, o.now())
		maxItems := spec.MaxItems
		if maxItems <= 0 {
			maxItems = o.cfg.FanoutMaxItems
		}
		if maxItems > 0 && len(keys) > maxItems {
			return false, o.failStep(ctx, rec,
				fmt.Sprintf("fan-out expansion of %d partitions exceeds limit %d", len(keys), maxItems))
		}
		if len(keys) == 0 {
			// Nothing to fan out over; vacuous success.
			return true, o.completeStep(ctx, rec, json.RawMessage(`{"childRunIds":[]}`))
		}

		ids, err := o.createChildRuns(ctx, run, spec, keys)
		if err != nil {
			return false, err
		}
		state.ChildRunIDs = ids
		out, _ := json.Marshal(state)
		rec.Output = out
		rec.UpdatedAt = o.now().UTC()
		if err := o.store.RunSteps().Update(ctx, rec); err != nil {
			return false, err
		}
		o.dispatchChildren(ctx, ids)
	}

	return o.joinFanout(ctx, rec, state.ChildRunIDs)
}

func (o *Orchestrator) createChildRuns(ctx context.Context, run *store.WorkflowRun, spec store.StepSpec, keys []string) ([]string, error) {
	now := o.now().UTC()
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		child := &store.WorkflowRun{
			ID:           core.NewID("run"),
			DefinitionID: run.DefinitionID,
			Status:       store.RunPending,
			TriggeredBy:  store.TriggeredModule,
			Parameters:   run.Parameters,
			PartitionKey: key,
			ModuleID:     run.ModuleID,
			ParentRunID:  run.ID,
			ParentStepID: spec.ID,
			CreatedAt:    now,
		}
		if run.RunKey != "" {
			child.RunKey = fmt.Sprintf("%s:%s:%s", run.RunKey, spec.ID, key)
			child.RunKeyNormalized = core.NormalizeKey(child.RunKey)
		}
		err := o.store.WorkflowRuns().Create(ctx, child)
		if err != nil {
			if core.IsConflict(err) && child.RunKeyNormalized != "" {
				existing, findErr := o.store.WorkflowRuns().FindActiveByRunKey(ctx, run.DefinitionID, child.RunKeyNormalized)
				if findErr == nil && existing != nil {
					ids = append(ids, existing.ID)
					continue
				}
			}
			return nil, err
		}
		ids = append(ids, child.ID)
	}
	return ids, nil
}

// dispatchChildren starts each child: a workflow queue job in redis mode,
// a direct synchronous pass inline. Inline children complete before the
// parent's join check, so the fan-out settles within the same pass.
func (o *Orchestrator) dispatchChildren(ctx context.Context, ids []string) {
	for _, id := range ids {
		if o.manager != nil {
			handle, ok, err := o.manager.TryQueue(ctx, queue.QueueWorkflow)
			if err == nil && ok {
				payload, _ := json.Marshal(runJobPayload{RunID: id})
				job := &queue.Job{ID: core.NewUUID(), Type: "run-workflow", Payload: payload}
				if err := handle.Enqueue(ctx, job, queue.JobOptions{}); err != nil {
					o.logger.Error("enqueueing child run", map[string]interface{}{"runId": id, "error": err.Error()})
				}
				continue
			}
		}
		if _, err := o.Run(ctx, id); err != nil {
			o.logger.Error("running fan-out child", map[string]interface{}{"runId": id, "error": err.Error()})
		}
	}
}

func (o *Orchestrator) joinFanout(ctx context.Context, rec *store.RunStep, childIDs []string) (bool, error) {
	children, err := o.store.WorkflowRuns().List(ctx, store.RunFilter{IDs: childIDs})
	if err != nil {
		return false, err
	}

	succeeded := 0
	for _, child := range children {
		switch child.Status {
		case store.RunSucceeded:
			succeeded++
		case store.RunFailed, store.RunCanceled, store.RunExpired:
			return false, o.failStep(ctx, rec,
				fmt.Sprintf("child run %s finished %s", child.ID, child.Status))
		}
	}
	if succeeded == len(childIDs) {
		out, _ := json.Marshal(fanoutState{ChildRunIDs: childIDs})
		return true, o.completeStep(ctx, rec, out)
	}

	// Children still in flight; the step stays running and a later pass
	// (triggered by child completion) re-evaluates the join.
	rec.Status = store.StepRunning
	rec.UpdatedAt = o.now().UTC()
	return false, o.store.RunSteps().Update(ctx, rec)
}

func (o *Orchestrator) completeStep(ctx context.Context, rec *store.RunStep, output json.RawMessage) error {
	now := o.now().UTC()
	rec.Status = store.StepSucceeded
	if rec.RetryAttempts > 0 {
		rec.RetryState = store.RetryCompleted
	} else {
		rec.RetryState = store.RetryIdle
	}
	rec.NextAttemptAt = nil
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	rec.Output = output
	rec.ErrorMessage = ""
	return o.store.RunSteps().Update(ctx, rec)
}

// failStep marks a step failed without retry; used for invariant
// violations and non-retriable template errors.
func (o *Orchestrator) failStep(ctx context.Context, rec *store.RunStep, message string) error {
	now := o.now().UTC()
	rec.Status = store.StepFailed
	rec.RetryState = store.RetryExhausted
	rec.NextAttemptAt = nil
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	rec.ErrorMessage = message
	return o.store.RunSteps().Update(ctx, rec)
}

// scheduleRetry applies the step's retry policy to a failed attempt:
// either schedule the next attempt or exhaust and fail the step.
func (o *Orchestrator) scheduleRetry(ctx context.Context, spec store.StepSpec, rec *store.RunStep, message string) error {
	policy := resolveRetryPolicy(spec.Retry, o.cfg)
	attempt := rec.RetryAttempts + 1
	now := o.now().UTC()

	if attempt >= policy.maxAttempts {
		rec.Status = store.StepFailed
		rec.RetryState = store.RetryExhausted
		rec.NextAttemptAt = nil
		rec.RetryAttempts = attempt
		rec.CompletedAt = &now
		rec.UpdatedAt = now
		rec.ErrorMessage = message
		return o.store.RunSteps().Update(ctx, rec)
	}

	delay := policy.nextDelay(attempt, o.cfg.RetryFactor)
	next := now.Add(delay)
	rec.Status = store.StepPending
	rec.RetryState = store.RetryScheduled
	rec.RetryAttempts = attempt
	rec.NextAttemptAt = &next
	rec.UpdatedAt = now
	rec.ErrorMessage = message
	if err := o.store.RunSteps().Update(ctx, rec); err != nil {
		return err
	}

	o.enqueueRetry(ctx, rec.RunID, delay)
	return nil
}

// enqueueRetry schedules a delayed re-orchestration through the
// workflow-retry queue. Inline callers receive the delay in PassResult
// instead.
func (o *Orchestrator) enqueueRetry(ctx context.Context, runID string, delay time.Duration) {
	if o.manager == nil {
		return
	}
	handle, ok, err := o.manager.TryQueue(ctx, queue.QueueWorkflowRetry)
	if err != nil || !ok {
		return
	}
	payload, _ := json.Marshal(retryJobPayload{RunID: runID, RetryKind: "workflow"})
	job := &queue.Job{ID: core.NewUUID(), Type: "retry-workflow", Payload: payload}
	if err := handle.Enqueue(ctx, job, queue.JobOptions{Delay: delay}); err != nil {
		o.logger.Error("enqueueing workflow retry", map[string]interface{}{
			"runId": runID, "error": err.Error(),
		})
	}
}

// recomputeRun settles the run status after a pass: failed when any step
// failed, succeeded when every step is terminal and none failed, running
// otherwise. Terminal transitions persist output, emit a lifecycle event,
// and wake the parent run of a fan-out child.
func (o *Orchestrator) recomputeRun(ctx context.Context, run *store.WorkflowRun, specs []store.StepSpec) (*PassResult, error) {
	records, err := o.stepRecords(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	allTerminal := true
	failedMessage := ""
	retryIn := time.Duration(0)

	for _, spec := range specs {
		rec := records[spec.ID]
		if rec == nil {
			allTerminal = false
			continue
		}
		switch rec.Status {
		case store.StepFailed:
			if failedMessage == "" {
				failedMessage = fmt.Sprintf("step %q failed: %s", rec.StepID, rec.ErrorMessage)
			}
		case store.StepSucceeded, store.StepSkipped:
		default:
			allTerminal = false
			if rec.NextAttemptAt != nil {
				wait := rec.NextAttemptAt.Sub(now)
				if wait < 0 {
					wait = 0
				}
				if retryIn == 0 || wait < retryIn {
					retryIn = wait
				}
			}
		}
	}

	switch {
	case failedMessage != "":
		run.Status = store.RunFailed
		run.ErrorMessage = failedMessage
	case allTerminal:
		run.Status = store.RunSucceeded
		run.Output = o.collectRunOutput(specs, records)
	default:
		run.Status = store.RunRunning
	}

	if run.Status.Terminal() {
		run.CompletedAt = &now
	}
	if err := o.store.WorkflowRuns().Update(ctx, run); err != nil {
		return nil, err
	}

	if run.Status.Terminal() {
		o.observeRun(run)
		o.emitLifecycle(ctx, run)
		o.wakeParent(ctx, run)
	}

	return &PassResult{Status: run.Status, RetryIn: retryIn}, nil
}

// collectRunOutput aggregates step outputs by step id for the run record.
func (o *Orchestrator) collectRunOutput(specs []store.StepSpec, records map[string]*store.RunStep) json.RawMessage {
	doc := make(map[string]json.RawMessage)
	for _, spec := range specs {
		rec := records[spec.ID]
		if rec != nil && rec.Status == store.StepSucceeded && len(rec.Output) > 0 {
			doc[spec.ID] = rec.Output
		}
	}
	if len(doc) == 0 {
		return nil
	}
	out, _ := json.Marshal(doc)
	return out
}

// wakeParent re-orchestrates the parent of a terminal fan-out child so the
// join re-evaluates. In redis mode the wake travels through the workflow
// queue; inline the parent pass happening right above us in the stack
// re-checks the join itself, so a missing queue needs no direct call.
func (o *Orchestrator) wakeParent(ctx context.Context, run *store.WorkflowRun) {
	if run.ParentRunID == "" || o.manager == nil {
		return
	}
	handle, ok, err := o.manager.TryQueue(ctx, queue.QueueWorkflow)
	if err != nil || !ok {
		return
	}
	payload, _ := json.Marshal(runJobPayload{RunID: run.ParentRunID})
	job := &queue.Job{ID: core.NewUUID(), Type: "run-workflow", Payload: payload}
	if err := handle.Enqueue(ctx, job, queue.JobOptions{}); err != nil {
		o.logger.Error("waking parent run", map[string]interface{}{
			"runId": run.ParentRunID, "error": err.Error(),
		})
	}
}

// emitLifecycle appends a workflow.run.<status> envelope to the event bus.
// Emission is best-effort; the run row is the source of truth.
func (o *Orchestrator) emitLifecycle(ctx context.Context, run *store.WorkflowRun) {
	if o.emitter == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"runId":                run.ID,
		"workflowDefinitionId": run.DefinitionID,
		"status":               string(run.Status),
		"errorMessage":         run.ErrorMessage,
	})
	_, err := o.emitter.Ingest(ctx, &store.Event{
		Type:          "workflow.run." + string(run.Status),
		Source:        lifecycleSource,
		OccurredAt:    o.now().UTC(),
		Payload:       payload,
		CorrelationID: run.ID,
	})
	if err != nil {
		o.logger.Warn("emitting lifecycle event", map[string]interface{}{
			"runId": run.ID, "error": err.Error(),
		})
	}
}

// Cancel transitions a run to canceled: non-terminal steps become skipped
// and no further advancement occurs. In-flight dispatches are not aborted;
// workers observe cancellation through their own tokens.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (*store.WorkflowRun, error) {
	release, err := o.locker.Acquire(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := o.store.WorkflowRuns().Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, core.NewConflict("orchestration.Cancel",
			fmt.Sprintf("run %s already %s", runID, run.Status), core.ErrTerminalRun)
	}

	now := o.now().UTC()
	steps, err := o.store.RunSteps().ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, rec := range steps {
		if rec.Status.Terminal() {
			continue
		}
		rec.Status = store.StepSkipped
		rec.NextAttemptAt = nil
		rec.CompletedAt = &now
		rec.UpdatedAt = now
		if err := o.store.RunSteps().Update(ctx, rec); err != nil {
			return nil, err
		}
	}

	run.Status = store.RunCanceled
	run.CompletedAt = &now
	if err := o.store.WorkflowRuns().Update(ctx, run); err != nil {
		return nil, err
	}

	o.observeRun(run)
	o.emitLifecycle(ctx, run)
	o.wakeParent(ctx, run)
	return run, nil
}

func (o *Orchestrator) stepTimeout(spec store.StepSpec) time.Duration {
	if spec.TimeoutMs > 0 {
		return time.Duration(spec.TimeoutMs) * time.Millisecond
	}
	if o.cfg.StepTimeout > 0 {
		return o.cfg.StepTimeout
	}
	return 5 * time.Minute
}

func (o *Orchestrator) stepParameters(run *store.WorkflowRun, spec store.StepSpec) json.RawMessage {
	if len(spec.Parameters) > 0 {
		return spec.Parameters
	}
	return run.Parameters
}

func (o *Orchestrator) observeStep(stepType string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.StepDuration.WithLabelValues(stepType).Observe(o.now().Sub(start).Seconds())
}

func (o *Orchestrator) observeRun(run *store.WorkflowRun) {
	if o.metrics == nil {
		return
	}
	o.metrics.WorkflowRuns.WithLabelValues(string(run.Status)).Inc()
}

// serviceRef matches {{ run.id }} style references in request templates.
var serviceRef = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// renderServiceTemplate substitutes run-scoped references in service
// request paths and bodies: run.id, run.partitionKey, and
// parameters.<key> for top-level parameter values.
func renderServiceTemplate(s string, run *store.WorkflowRun) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var params map[string]interface{}
	if len(run.Parameters) > 0 {
		_ = json.Unmarshal(run.Parameters, &params)
	}

	var renderErr error
	out := serviceRef.ReplaceAllStringFunc(s, func(match string) string {
		ref := strings.TrimSpace(strings.Trim(match, "{}"))
		switch ref {
		case "run.id":
			return run.ID
		case "run.partitionKey":
			return run.PartitionKey
		}
		if key, ok := strings.CutPrefix(ref, "parameters."); ok {
			if v, exists := params[key]; exists && v != nil {
				switch typed := v.(type) {
				case string:
					return typed
				default:
					encoded, _ := json.Marshal(typed)
					return string(encoded)
				}
			}
		}
		if renderErr == nil {
			renderErr = fmt.Errorf("unresolved reference %q", ref)
		}
		return match
	})
	return out, renderErr
}
