package queue

import (
	"context"
	"sync"
	"time"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/telemetry"
)

// inlineBackend runs handlers synchronously in the enqueueing goroutine.
// It exists for tests and self-contained local runs; delayed jobs are the
// caller's concern (the orchestrator re-invokes itself after the delay).
type inlineBackend struct {
	cfg     Config
	logger  core.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu    sync.Mutex
	stats map[string]*inlineStats
}

type inlineStats struct {
	completed int64
	failed    int64
	durations []float64
}

func newInlineBackend(cfg Config, logger core.Logger, metrics *telemetry.Metrics, now func() time.Time) *inlineBackend {
	return &inlineBackend{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     now,
		stats:   make(map[string]*inlineStats),
	}
}

// dispatch executes one job synchronously with the inline timeout applied.
func (b *inlineBackend) dispatch(ctx context.Context, name string, handler Handler, job *Job) error {
	if handler == nil {
		return core.NewValidationf("queue.inline", "queue %q has no loaded handler", name)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.InlineTimeout)
	defer cancel()

	started := b.now()
	err := handler(ctx, job)
	elapsed := b.now().Sub(started)

	b.record(name, err == nil, elapsed)
	if b.metrics != nil {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		b.metrics.ObserveJob(name, outcome, elapsed)
	}
	if err != nil {
		b.logger.Warn("inline job failed", map[string]interface{}{
			"queue": name, "job_id": job.ID, "type": job.Type, "error": err.Error(),
		})
		return err
	}
	return nil
}

func (b *inlineBackend) record(name string, ok bool, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats[name]
	if st == nil {
		st = &inlineStats{}
		b.stats[name] = st
	}
	if ok {
		st.completed++
	} else {
		st.failed++
	}
	st.durations = append(st.durations, float64(elapsed.Milliseconds()))
	if len(st.durations) > b.cfg.AvgWindow {
		st.durations = st.durations[len(st.durations)-b.cfg.AvgWindow:]
	}
}

// statistics reports counts for one queue. Waiting, active, delayed and
// paused are always zero: inline jobs complete before Enqueue returns.
func (b *inlineBackend) statistics(name string) *Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := &Statistics{Queue: name}
	st := b.stats[name]
	if st == nil {
		return stats
	}
	stats.Completed = st.completed
	stats.Failed = st.failed
	if len(st.durations) > 0 {
		var sum float64
		for _, d := range st.durations {
			sum += d
		}
		stats.ProcessingAvgMs = sum / float64(len(st.durations))
	}
	return stats
}
