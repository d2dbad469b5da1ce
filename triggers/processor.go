package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/queue"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/telemetry"
)

// Delivery skip/failure reasons persisted on the delivery row.
const (
	ReasonIdempotentReplay    = "idempotent_replay"
	ReasonTriggerPaused       = "trigger_paused"
	ReasonTriggerDisabled     = "trigger_disabled"
	ReasonTriggerDeleted      = "trigger_deleted"
	ReasonThrottled           = "throttle_window_exceeded"
	ReasonConcurrencyCap      = "max_concurrency_reached"
	ReasonParameterResolution = "parameter_resolution_failed"
	ReasonDuplicateRunKey     = "duplicate_run_key"
)

// RetryKind is the closed set of delivery retry kinds. Trigger retries
// re-evaluate a throttled delivery; workflow retries re-enter orchestration.
type RetryKind string

const (
	RetryKindTrigger  RetryKind = "trigger"
	RetryKindWorkflow RetryKind = "workflow"
)

// ParseRetryKind rejects kinds outside the closed set.
func ParseRetryKind(s string) (RetryKind, error) {
	switch RetryKind(s) {
	case RetryKindTrigger, RetryKindWorkflow:
		return RetryKind(s), nil
	}
	return "", core.NewValidationf("triggers.ParseRetryKind", "unknown retry kind %q", s)
}

// SchedulerState is the slice of scheduling.State the processor consumes.
type SchedulerState interface {
	TriggerPaused(triggerID string) bool
	RecordTriggerFailure(triggerID string) bool
	RecordTriggerSuccess(triggerID string)
}

// LaunchRequest asks the orchestrator to create (and start) a run.
type LaunchRequest struct {
	DefinitionID string
	TriggeredBy  store.TriggeredBy
	Parameters   json.RawMessage
	RunKey       string
	EventID      string
	TriggerID    string
}

// RunLauncher creates workflow runs. Implemented by orchestration.Launcher.
type RunLauncher interface {
	LaunchRun(ctx context.Context, req LaunchRequest) (*store.WorkflowRun, error)
}

// Processor evaluates triggers against ingested envelopes and owns the
// delivery lifecycle.
type Processor struct {
	store    store.Store
	state    SchedulerState
	launcher RunLauncher
	manager  *queue.Manager
	logger   core.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// Option adjusts a Processor at construction.
type Option func(*Processor)

// WithLogger injects the structured logger.
func WithLogger(logger core.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics wires the shared Prometheus collectors.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(p *Processor) { p.metrics = metrics }
}

// WithQueueManager routes deferred delivery retries through the
// event-trigger queue in redis mode.
func WithQueueManager(manager *queue.Manager) Option {
	return func(p *Processor) { p.manager = manager }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a trigger processor.
func New(st store.Store, state SchedulerState, launcher RunLauncher, opts ...Option) *Processor {
	p := &Processor{
		store:    st,
		state:    state,
		launcher: launcher,
		logger:   &core.NoOpLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ValidateTrigger rejects malformed triggers before they are stored.
func ValidateTrigger(trigger *store.EventTrigger) error {
	if trigger.DefinitionID == "" {
		return core.NewValidation("triggers.ValidateTrigger", "workflowDefinitionId is required")
	}
	if !dottedName(trigger.EventType) {
		return core.NewValidationf("triggers.ValidateTrigger", "invalid eventType %q", trigger.EventType)
	}
	if trigger.EventSource != "" && !dottedName(trigger.EventSource) {
		return core.NewValidationf("triggers.ValidateTrigger", "invalid eventSource %q", trigger.EventSource)
	}
	if err := ValidatePredicates(trigger.Predicates); err != nil {
		return err
	}
	if len(trigger.ParameterTemplate) > 0 && !json.Valid(trigger.ParameterTemplate) {
		return core.NewValidation("triggers.ValidateTrigger", "parameterTemplate is not valid JSON")
	}
	if trigger.ThrottleWindowMs < 0 || trigger.ThrottleCount < 0 || trigger.MaxConcurrency < 0 {
		return core.NewValidation("triggers.ValidateTrigger", "throttle and concurrency values must be non-negative")
	}
	switch trigger.Status {
	case "", store.TriggerActive, store.TriggerDisabled:
	default:
		return core.NewValidationf("triggers.ValidateTrigger", "unknown status %q", trigger.Status)
	}
	return nil
}

// dottedName mirrors the bus-side envelope validation rule for type and
// source names.
func dottedName(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// ProcessEvent evaluates every active trigger matching the envelope's type
// and source. Errors on one trigger never stop evaluation of the others.
func (p *Processor) ProcessEvent(ctx context.Context, event *store.Event) error {
	candidates, err := p.store.EventTriggers().ListActiveByEventType(ctx, event.Type, event.Source)
	if err != nil {
		return fmt.Errorf("listing triggers for %s: %w", event.Type, err)
	}

	var firstErr error
	for _, trigger := range candidates {
		if err := p.evaluateTrigger(ctx, trigger, event); err != nil {
			p.logger.Error("trigger evaluation failed", map[string]interface{}{
				"trigger_id": trigger.ID, "event_id": event.ID, "error": err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// evaluateTrigger runs the full decision ladder for one (trigger, event)
// pair: pause gate, predicates, idempotency, throttling, concurrency, and
// finally launch.
func (p *Processor) evaluateTrigger(ctx context.Context, trigger *store.EventTrigger, event *store.Event) error {
	if p.state != nil && p.state.TriggerPaused(trigger.ID) {
		p.countEvaluation("paused")
		_, err := p.resolveDelivery(ctx, trigger, event, nil, store.DeliverySkipped, ReasonTriggerPaused, nil, "")
		return err
	}

	doc := envelopeDocument(event)
	matched, err := evaluatePredicates(ctx, trigger.Predicates, doc)
	if err != nil {
		return err
	}
	if !matched {
		p.countEvaluation("no_match")
		return nil
	}
	p.countEvaluation("matched")

	return p.deliver(ctx, trigger, event, nil)
}

// deliver takes a matched (trigger, event) pair through idempotency,
// throttle and concurrency gates and launches the run. When existing is
// non-nil this is a retry and the same delivery row is advanced in place.
func (p *Processor) deliver(ctx context.Context, trigger *store.EventTrigger, event *store.Event, existing *store.TriggerDelivery) error {
	// Idempotency short-circuit.
	var idempotencyKey string
	if trigger.IdempotencyKeyExpression != "" {
		key, err := renderKeyTemplate(ctx, trigger.IdempotencyKeyExpression, trigger, event)
		if err != nil {
			return p.failDelivery(ctx, trigger, event, existing, ReasonParameterResolution, err)
		}
		idempotencyKey = core.NormalizeKey(key)

		prior, err := p.store.TriggerDeliveries().FindByIdempotencyKey(ctx, trigger.ID, idempotencyKey)
		if err != nil {
			return err
		}
		if prior != nil && (existing == nil || prior.ID != existing.ID) {
			_, err := p.resolveDelivery(ctx, trigger, event, existing, store.DeliverySkipped, ReasonIdempotentReplay, nil, idempotencyKey)
			return err
		}
	}

	now := p.now().UTC()

	// Throttle window.
	if trigger.ThrottleWindowMs > 0 && trigger.ThrottleCount > 0 {
		window := time.Duration(trigger.ThrottleWindowMs) * time.Millisecond
		launched, err := p.store.TriggerDeliveries().CountLaunchedSince(ctx, trigger.ID, now.Add(-window))
		if err != nil {
			return err
		}
		if launched >= trigger.ThrottleCount {
			return p.deferDelivery(ctx, trigger, event, existing, ReasonThrottled, window, idempotencyKey)
		}
	}

	// Concurrency cap.
	if trigger.MaxConcurrency > 0 {
		runIDs, err := p.store.TriggerDeliveries().ListLaunchedRunIDs(ctx, trigger.ID)
		if err != nil {
			return err
		}
		active, err := p.store.WorkflowRuns().CountNonTerminalByIDs(ctx, runIDs)
		if err != nil {
			return err
		}
		if active >= trigger.MaxConcurrency {
			window := time.Duration(trigger.ThrottleWindowMs) * time.Millisecond
			if window <= 0 {
				window = 30 * time.Second
			}
			return p.deferDelivery(ctx, trigger, event, existing, ReasonConcurrencyCap, window, idempotencyKey)
		}
	}

	// Parameter rendering.
	parameters, err := RenderParameters(ctx, trigger, event)
	if err != nil {
		return p.failDelivery(ctx, trigger, event, existing, ReasonParameterResolution, err)
	}

	runKey, err := deriveRunKey(ctx, trigger, event)
	if err != nil {
		return p.failDelivery(ctx, trigger, event, existing, ReasonParameterResolution, err)
	}

	run, err := p.launcher.LaunchRun(ctx, LaunchRequest{
		DefinitionID: trigger.DefinitionID,
		TriggeredBy:  store.TriggeredByEvent,
		Parameters:   parameters,
		RunKey:       runKey,
		EventID:      event.ID,
		TriggerID:    trigger.ID,
	})
	if err != nil {
		if errors.Is(err, core.ErrRunKeyConflict) {
			// A non-terminal run already represents this logical intent.
			_, derr := p.resolveDelivery(ctx, trigger, event, existing, store.DeliverySkipped, ReasonDuplicateRunKey, parameters, idempotencyKey)
			return derr
		}
		if p.state != nil {
			p.state.RecordTriggerFailure(trigger.ID)
		}
		if _, derr := p.resolveDelivery(ctx, trigger, event, existing, store.DeliveryFailed, err.Error(), parameters, idempotencyKey); derr != nil {
			return derr
		}
		return err
	}

	delivery, err := p.resolveDelivery(ctx, trigger, event, existing, store.DeliveryLaunched, "", parameters, idempotencyKey)
	if err != nil {
		return err
	}
	delivery.WorkflowRunID = run.ID
	if err := p.store.TriggerDeliveries().Update(ctx, delivery); err != nil {
		return err
	}
	if p.state != nil {
		p.state.RecordTriggerSuccess(trigger.ID)
	}
	p.logger.Info("trigger launched workflow run", map[string]interface{}{
		"trigger_id": trigger.ID, "event_id": event.ID, "run_id": run.ID,
	})
	return nil
}

// deferDelivery records a throttled delivery with a scheduled retry and
// enqueues the delayed re-evaluation in redis mode.
func (p *Processor) deferDelivery(ctx context.Context, trigger *store.EventTrigger, event *store.Event, existing *store.TriggerDelivery, reason string, delay time.Duration, idempotencyKey string) error {
	delivery, err := p.resolveDelivery(ctx, trigger, event, existing, store.DeliveryThrottled, reason, nil, idempotencyKey)
	if err != nil {
		return err
	}

	next := p.now().UTC().Add(delay)
	delivery.RetryState = store.RetryScheduled
	delivery.RetryAttempts++
	delivery.NextAttemptAt = &next
	if err := p.store.TriggerDeliveries().Update(ctx, delivery); err != nil {
		return err
	}

	if p.manager != nil {
		handle, ok, err := p.manager.TryQueue(ctx, queue.QueueEventTrigger)
		if err != nil {
			return err
		}
		if ok {
			payload, _ := json.Marshal(map[string]string{
				"deliveryId": delivery.ID,
				"retryKind":  string(RetryKindTrigger),
			})
			if err := handle.Enqueue(ctx, &queue.Job{Type: "retry-delivery", Payload: payload}, queue.JobOptions{Delay: delay}); err != nil {
				return err
			}
		}
	}

	p.logger.Info("delivery deferred", map[string]interface{}{
		"trigger_id": trigger.ID, "delivery_id": delivery.ID,
		"reason": reason, "next_attempt_at": next,
	})
	return nil
}

// failDelivery records a failed delivery and feeds the failure window.
func (p *Processor) failDelivery(ctx context.Context, trigger *store.EventTrigger, event *store.Event, existing *store.TriggerDelivery, reason string, cause error) error {
	if p.state != nil {
		p.state.RecordTriggerFailure(trigger.ID)
	}
	_, err := p.resolveDelivery(ctx, trigger, event, existing, store.DeliveryFailed,
		fmt.Sprintf("%s: %v", reason, cause), nil, "")
	if err != nil {
		return err
	}
	p.logger.Warn("delivery failed", map[string]interface{}{
		"trigger_id": trigger.ID, "event_id": event.ID, "reason": reason, "error": cause.Error(),
	})
	return nil
}

// resolveDelivery creates the delivery row, or advances the existing one
// when this is a retry pass.
func (p *Processor) resolveDelivery(ctx context.Context, trigger *store.EventTrigger, event *store.Event, existing *store.TriggerDelivery, status store.DeliveryStatus, reason string, parameters json.RawMessage, idempotencyKey string) (*store.TriggerDelivery, error) {
	p.countDelivery(string(status))
	if existing != nil {
		existing.Status = status
		existing.Reason = reason
		if parameters != nil {
			existing.Parameters = parameters
		}
		if idempotencyKey != "" {
			existing.IdempotencyKey = idempotencyKey
		}
		if status != store.DeliveryThrottled {
			existing.RetryState = store.RetryCompleted
			existing.NextAttemptAt = nil
		}
		if err := p.store.TriggerDeliveries().Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	delivery := &store.TriggerDelivery{
		ID:             core.NewID("dlv"),
		TriggerID:      trigger.ID,
		DefinitionID:   trigger.DefinitionID,
		EventID:        event.ID,
		Status:         status,
		RetryState:     store.RetryIdle,
		Reason:         reason,
		Parameters:     parameters,
		IdempotencyKey: idempotencyKey,
	}
	if err := p.store.TriggerDeliveries().Create(ctx, delivery); err != nil {
		return nil, err
	}
	return delivery, nil
}

// RetryDelivery re-evaluates a deferred delivery against the current
// trigger state. Deliveries whose trigger was disabled or deleted since
// terminate as skipped.
func (p *Processor) RetryDelivery(ctx context.Context, deliveryID string) error {
	delivery, err := p.store.TriggerDeliveries().Get(ctx, deliveryID)
	if err != nil {
		return err
	}
	switch delivery.Status {
	case store.DeliveryLaunched, store.DeliverySkipped:
		return nil // already settled
	}

	event, err := p.store.Events().Get(ctx, delivery.EventID)
	if err != nil {
		return err
	}

	trigger, err := p.store.EventTriggers().Get(ctx, delivery.TriggerID)
	if err != nil {
		if core.IsNotFound(err) {
			delivery.Status = store.DeliverySkipped
			delivery.Reason = ReasonTriggerDeleted
			delivery.RetryState = store.RetryCompleted
			delivery.NextAttemptAt = nil
			return p.store.TriggerDeliveries().Update(ctx, delivery)
		}
		return err
	}
	if trigger.Status != store.TriggerActive {
		delivery.Status = store.DeliverySkipped
		delivery.Reason = ReasonTriggerDisabled
		delivery.RetryState = store.RetryCompleted
		delivery.NextAttemptAt = nil
		return p.store.TriggerDeliveries().Update(ctx, delivery)
	}

	// Matching is re-evaluated: the trigger may have changed since the
	// delivery was deferred.
	doc := envelopeDocument(event)
	matched, err := evaluatePredicates(ctx, trigger.Predicates, doc)
	if err != nil {
		return err
	}
	if !matched {
		delivery.Status = store.DeliverySkipped
		delivery.Reason = "no_longer_matches"
		delivery.RetryState = store.RetryCompleted
		delivery.NextAttemptAt = nil
		return p.store.TriggerDeliveries().Update(ctx, delivery)
	}

	return p.deliver(ctx, trigger, event, delivery)
}

func (p *Processor) countEvaluation(outcome string) {
	if p.metrics != nil {
		p.metrics.TriggerEvaluations.WithLabelValues(outcome).Inc()
	}
}

func (p *Processor) countDelivery(status string) {
	if p.metrics != nil {
		p.metrics.TriggerDeliveries.WithLabelValues(status).Inc()
	}
}

// ListDeliveries returns deliveries for one trigger, newest first.
func (p *Processor) ListDeliveries(ctx context.Context, triggerID string, statuses []store.DeliveryStatus, limit int) ([]*store.TriggerDelivery, error) {
	return p.store.TriggerDeliveries().ListByTrigger(ctx, triggerID, store.DeliveryFilter{
		Statuses: statuses,
		Limit:    limit,
	})
}

// CreateTrigger validates and stores a new trigger.
func (p *Processor) CreateTrigger(ctx context.Context, trigger *store.EventTrigger) error {
	if trigger.ID == "" {
		trigger.ID = core.NewID("trg")
	}
	if trigger.Status == "" {
		trigger.Status = store.TriggerActive
	}
	if err := ValidateTrigger(trigger); err != nil {
		return err
	}
	return p.store.EventTriggers().Create(ctx, trigger)
}

// UpdateTrigger validates and stores trigger changes, bumping the version.
func (p *Processor) UpdateTrigger(ctx context.Context, trigger *store.EventTrigger) error {
	if err := ValidateTrigger(trigger); err != nil {
		return err
	}
	return p.store.EventTriggers().Update(ctx, trigger)
}
