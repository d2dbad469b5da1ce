package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/events"
	"github.com/apphub/apphub/httpapi"
	"github.com/apphub/apphub/modules"
	"github.com/apphub/apphub/orchestration"
	"github.com/apphub/apphub/queue"
	"github.com/apphub/apphub/registry"
	"github.com/apphub/apphub/scheduling"
	"github.com/apphub/apphub/schedules"
	"github.com/apphub/apphub/store"
	"github.com/apphub/apphub/store/memory"
	"github.com/apphub/apphub/store/postgres"
	"github.com/apphub/apphub/telemetry"
	"github.com/apphub/apphub/triggers"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.NewConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *core.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := core.NewLogger("apphub")
	metrics := telemetry.NewMetrics()

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewProvider(ctx, cfg.Telemetry, metrics)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.Redis.Mode == core.EventsModeRedis {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return core.NewConfiguration("APPHUB_REDIS_URL is invalid", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	manager := queue.NewManager(queue.ConfigFromCore(cfg),
		queue.WithLogger(logger), queue.WithMetrics(metrics))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Close(closeCtx)
	}()

	gate := scheduling.New(cfg.Scheduling, scheduling.WithLogger(logger))

	registryOpts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
	}
	if redisClient != nil {
		registryOpts = append(registryOpts, registry.WithRedis(redisClient))
	}
	reg := registry.New(st, cfg.Registry, registryOpts...)

	launcher := orchestration.NewLauncher(st,
		orchestration.WithLauncherLogger(logger),
		orchestration.WithLauncherQueue(manager))

	processor := triggers.New(st, gate, launcher,
		triggers.WithLogger(logger),
		triggers.WithMetrics(metrics),
		triggers.WithQueueManager(manager))

	bus := events.New(st, gate, processor,
		events.WithLogger(logger),
		events.WithMetrics(metrics),
		events.WithQueueManager(manager))

	orchOpts := []orchestration.OrchestratorOption{
		orchestration.WithOrchestratorLogger(logger),
		orchestration.WithOrchestratorMetrics(metrics),
		orchestration.WithOrchestratorQueue(manager),
		orchestration.WithServiceResolver(reg),
		orchestration.WithEventEmitter(bus),
	}
	if redisClient != nil {
		orchOpts = append(orchOpts, orchestration.WithLocker(
			orchestration.NewRedisLocker(redisClient, cfg.Redis.KeyPrefix, cfg.Workflows.RunLockTTL)))
	}
	orch := orchestration.New(st, cfg.Workflows, orchOpts...)
	launcher.BindRunner(orch)

	scheds := schedules.New(st, launcher, schedules.WithLogger(logger))
	mods := modules.New(st, modules.WithLogger(logger))

	if err := registerWorkers(manager, st, orch, processor); err != nil {
		return err
	}
	for _, key := range []string{queue.QueueWorkflow, queue.QueueWorkflowRetry, queue.QueueEventTrigger} {
		if err := manager.EnsureWorker(ctx, key); err != nil {
			logger.Warn("queue worker not started", map[string]interface{}{
				"queue": key, "error": err.Error(),
			})
		}
	}

	reg.Subscribe(ctx)
	reg.StartPoller(ctx)
	scheds.Start(ctx, 0)

	server := httpapi.New(st, *cfg,
		httpapi.WithLogger(logger),
		httpapi.WithLauncher(launcher),
		httpapi.WithOrchestrator(orch),
		httpapi.WithBus(bus),
		httpapi.WithProcessor(processor),
		httpapi.WithSchedules(scheds),
		httpapi.WithRegistry(reg),
		httpapi.WithModules(mods),
		httpapi.WithSchedulerState(gate),
		httpapi.WithQueueManager(manager),
		httpapi.WithMetrics(metrics))

	return server.Run(ctx)
}

// openStore selects the configured store driver. The returned closer is a
// no-op for the memory driver.
func openStore(ctx context.Context, cfg *core.Config, logger core.Logger) (store.Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Database.URL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return memory.New(), func() {}, nil
	}
}

// workflowQueueHandler consumes the workflow queues. Run dispatch and
// delayed retries carry a run id; externally dispatched job steps carry a
// full job request and complete through the orchestrator.
func workflowQueueHandler(orch *orchestration.Orchestrator) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		switch job.Type {
		case "execute-job":
			var req orchestration.JobRequest
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				return core.NewValidationf("worker.run", "malformed job payload: %v", err)
			}
			return orch.ExecuteJob(ctx, req)
		default: // run-workflow, retry-workflow
			var payload struct {
				RunID string `json:"runId"`
			}
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return core.NewValidationf("worker.run", "malformed payload: %v", err)
			}
			_, err := orch.Run(ctx, payload.RunID)
			return err
		}
	}
}

// eventTriggerQueueHandler consumes the event-trigger queue: fresh events
// are evaluated against every active trigger, deferred deliveries are
// re-evaluated through the processor's retry path.
func eventTriggerQueueHandler(st store.Store, processor *triggers.Processor) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		switch job.Type {
		case "retry-delivery":
			var payload struct {
				DeliveryID string `json:"deliveryId"`
			}
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return core.NewValidationf("worker.trigger", "malformed retry payload: %v", err)
			}
			return processor.RetryDelivery(ctx, payload.DeliveryID)
		default: // evaluate-event
			var payload struct {
				EventID string `json:"eventId"`
			}
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return core.NewValidationf("worker.trigger", "malformed payload: %v", err)
			}
			event, err := st.Events().Get(ctx, payload.EventID)
			if err != nil {
				return err
			}
			return processor.ProcessEvent(ctx, event)
		}
	}
}

// registerWorkers binds the queue consumers: workflow passes, delayed
// retries, and event-trigger evaluation. Loaders are lazy so a queue used
// only for enqueueing never allocates a consumer pool.
func registerWorkers(manager *queue.Manager, st store.Store, orch *orchestration.Orchestrator, processor *triggers.Processor) error {
	runHandler := workflowQueueHandler(orch)

	if err := manager.RegisterQueue(queue.QueueWorkflow, queue.QueueWorkflow, queue.JobOptions{},
		func(ctx context.Context) (queue.Handler, queue.WorkerOptions, error) {
			return runHandler, queue.WorkerOptions{}, nil
		}); err != nil {
		return err
	}
	if err := manager.RegisterQueue(queue.QueueWorkflowRetry, queue.QueueWorkflowRetry, queue.JobOptions{},
		func(ctx context.Context) (queue.Handler, queue.WorkerOptions, error) {
			return runHandler, queue.WorkerOptions{}, nil
		}); err != nil {
		return err
	}
	triggerHandler := eventTriggerQueueHandler(st, processor)
	return manager.RegisterQueue(queue.QueueEventTrigger, queue.QueueEventTrigger, queue.JobOptions{},
		func(ctx context.Context) (queue.Handler, queue.WorkerOptions, error) {
			return triggerHandler, queue.WorkerOptions{}, nil
		})
}
