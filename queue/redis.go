package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/telemetry"
)

// consumerGroup is the single consumer group each queue stream uses.
const consumerGroup = "workers"

// redisBackend executes queues on Redis streams. Key layout under the
// configured prefix:
//
//	<prefix>:queue:<name>:stream    XADD/XREADGROUP work stream
//	<prefix>:queue:<name>:delayed   ZSET, score = promote-at unix millis
//	<prefix>:queue:<name>:counters  HASH completed/failed counts
//	<prefix>:queue:<name>:durations LIST of recent processing millis
//	<prefix>:queue:<name>:paused    flag key, presence pauses consumption
type redisBackend struct {
	client  *redis.Client
	cfg     Config
	logger  core.Logger
	metrics *telemetry.Metrics
	sink    TelemetrySink
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]bool // queue name → consumer pool running
}

func newRedisBackend(ctx context.Context, cfg Config, logger core.Logger, metrics *telemetry.Metrics, sink TelemetrySink, now func() time.Time) (*redisBackend, error) {
	if cfg.RedisURL == "" {
		return nil, core.NewConfiguration("redis URL is required for redis events mode", nil)
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, core.NewConfiguration("invalid redis URL", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, core.NewExternal("queue.connect", "failed to connect to redis", core.ErrConnectionFailed)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	b := &redisBackend{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		sink:    sink,
		now:     now,
		ctx:     loopCtx,
		cancel:  loopCancel,
		workers: make(map[string]bool),
	}
	logger.Info("queue redis backend connected", map[string]interface{}{
		"prefix": cfg.KeyPrefix,
	})
	return b, nil
}

func (b *redisBackend) key(name, suffix string) string {
	return fmt.Sprintf("%s:queue:%s:%s", b.cfg.KeyPrefix, name, suffix)
}

func (b *redisBackend) ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// enqueue adds the job to the stream, or to the delayed set when
// opts.Delay is positive.
func (b *redisBackend) enqueue(ctx context.Context, name string, job *Job, opts JobOptions) error {
	data, err := json.Marshal(job)
	if err != nil {
		return core.NewInternal("queue.enqueue", "failed to serialize job", err)
	}

	if opts.Delay > 0 {
		promoteAt := b.now().Add(opts.Delay).UnixMilli()
		err = b.client.ZAdd(ctx, b.key(name, "delayed"), &redis.Z{
			Score:  float64(promoteAt),
			Member: data,
		}).Err()
		if err != nil {
			b.sink.Emit("queue-error", map[string]interface{}{"queue": name, "op": "zadd", "error": err.Error()})
			return core.NewExternal("queue.enqueue", "failed to schedule delayed job", err)
		}
		b.logger.Debug("job delayed", map[string]interface{}{
			"queue": name, "job_id": job.ID, "delay_ms": opts.Delay.Milliseconds(),
		})
		return nil
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.key(name, "stream"),
		Values: map[string]interface{}{"job": data},
	}).Err()
	if err != nil {
		b.sink.Emit("queue-error", map[string]interface{}{"queue": name, "op": "xadd", "error": err.Error()})
		return core.NewExternal("queue.enqueue", "failed to enqueue job", err)
	}
	b.logger.Debug("job enqueued", map[string]interface{}{"queue": name, "job_id": job.ID, "type": job.Type})
	return nil
}

// hasWorkers reports whether a consumer pool is already running for name.
func (b *redisBackend) hasWorkers(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workers[name]
}

// startWorkers spawns the consumer pool and the delayed-job promoter for
// one queue. Idempotent per queue name within this backend's lifetime.
func (b *redisBackend) startWorkers(reg *registration, handler Handler, opts WorkerOptions) {
	b.mu.Lock()
	if b.workers[reg.name] {
		b.mu.Unlock()
		return
	}
	b.workers[reg.name] = true
	b.mu.Unlock()

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = b.cfg.DefaultConcurrency
	}

	stream := b.key(reg.name, "stream")
	if err := b.client.XGroupCreateMkStream(b.ctx, stream, consumerGroup, "$").Err(); err != nil && !isBusyGroup(err) {
		b.sink.Emit("queue-error", map[string]interface{}{"queue": reg.name, "op": "xgroup-create", "error": err.Error()})
	}

	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%s-%d", b.cfg.InstanceID, reg.name, i)
		b.wg.Add(1)
		go b.consumeLoop(reg.name, consumer, handler)
	}

	b.wg.Add(1)
	go b.promoteLoop(reg.name)

	b.logger.Info("queue workers started", map[string]interface{}{
		"queue": reg.name, "concurrency": concurrency,
	})
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// consumeLoop reads one message at a time from the consumer group and
// dispatches it. Handler failures are counted; retry scheduling stays with
// the enqueueing subsystem.
func (b *redisBackend) consumeLoop(name, consumer string, handler Handler) {
	defer b.wg.Done()
	stream := b.key(name, "stream")

	for {
		if b.ctx.Err() != nil {
			return
		}
		if b.isPaused(name) {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(b.cfg.ConsumerBlock):
			}
			continue
		}

		streams, err := b.client.XReadGroup(b.ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    b.cfg.ConsumerBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || b.ctx.Err() != nil {
				continue
			}
			b.sink.Emit("queue-error", map[string]interface{}{"queue": name, "op": "xreadgroup", "error": err.Error()})
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				b.handleMessage(name, stream, msg, handler)
			}
		}
	}
}

func (b *redisBackend) handleMessage(name, stream string, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values["job"].(string)
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		b.logger.Error("failed to decode job, dropping", map[string]interface{}{
			"queue": name, "stream_id": msg.ID, "error": err.Error(),
		})
		b.ack(name, stream, msg.ID)
		b.count(name, "failed")
		return
	}

	started := b.now()
	if b.metrics != nil && !job.EnqueuedAt.IsZero() {
		b.metrics.QueueWaitingAvg.WithLabelValues(name).Set(float64(started.Sub(job.EnqueuedAt).Milliseconds()))
	}

	err := handler(b.ctx, &job)
	elapsed := b.now().Sub(started)

	b.ack(name, stream, msg.ID)
	if err != nil {
		b.count(name, "failed")
		if b.metrics != nil {
			b.metrics.ObserveJob(name, "failed", elapsed)
		}
		b.logger.Warn("job failed", map[string]interface{}{
			"queue": name, "job_id": job.ID, "type": job.Type, "error": err.Error(),
		})
		return
	}

	b.count(name, "completed")
	b.recordDuration(name, elapsed)
	if b.metrics != nil {
		b.metrics.ObserveJob(name, "completed", elapsed)
	}
	b.logger.Debug("job completed", map[string]interface{}{
		"queue": name, "job_id": job.ID, "elapsed_ms": elapsed.Milliseconds(),
	})
}

// ack removes the message from the pending list and the stream so bucket
// counts stay derivable from stream length.
func (b *redisBackend) ack(name, stream, id string) {
	pipe := b.client.TxPipeline()
	pipe.XAck(b.ctx, stream, consumerGroup, id)
	pipe.XDel(b.ctx, stream, id)
	if _, err := pipe.Exec(b.ctx); err != nil && b.ctx.Err() == nil {
		b.sink.Emit("queue-error", map[string]interface{}{"queue": name, "op": "xack", "error": err.Error()})
	}
}

func (b *redisBackend) count(name, bucket string) {
	if err := b.client.HIncrBy(b.ctx, b.key(name, "counters"), bucket, 1).Err(); err != nil && b.ctx.Err() == nil {
		b.sink.Emit("queue-error", map[string]interface{}{"queue": name, "op": "hincrby", "error": err.Error()})
	}
}

// recordDuration keeps the capped series backing the moving average.
func (b *redisBackend) recordDuration(name string, elapsed time.Duration) {
	key := b.key(name, "durations")
	pipe := b.client.TxPipeline()
	pipe.LPush(b.ctx, key, elapsed.Milliseconds())
	pipe.LTrim(b.ctx, key, 0, int64(b.cfg.AvgWindow-1))
	if _, err := pipe.Exec(b.ctx); err != nil && b.ctx.Err() == nil {
		b.sink.Emit("queue-error", map[string]interface{}{"queue": name, "op": "lpush", "error": err.Error()})
	}
}

// promoteLoop moves due jobs from the delayed set onto the stream.
func (b *redisBackend) promoteLoop(name string) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.promoteDue(name)
		}
	}
}

func (b *redisBackend) promoteDue(name string) {
	delayed := b.key(name, "delayed")
	nowMs := strconv.FormatInt(b.now().UnixMilli(), 10)

	members, err := b.client.ZRangeByScore(b.ctx, delayed, &redis.ZRangeBy{
		Min: "-inf", Max: nowMs, Count: 100,
	}).Result()
	if err != nil {
		if b.ctx.Err() == nil {
			b.sink.Emit("queue-error", map[string]interface{}{"queue": name, "op": "zrangebyscore", "error": err.Error()})
		}
		return
	}

	for _, member := range members {
		// ZRem decides the winner when multiple promoters race.
		removed, err := b.client.ZRem(b.ctx, delayed, member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := b.client.XAdd(b.ctx, &redis.XAddArgs{
			Stream: b.key(name, "stream"),
			Values: map[string]interface{}{"job": member},
		}).Err(); err != nil {
			b.sink.Emit("queue-error", map[string]interface{}{"queue": name, "op": "promote", "error": err.Error()})
			// Put it back rather than lose it.
			b.client.ZAdd(b.ctx, delayed, &redis.Z{Score: float64(b.now().UnixMilli()), Member: member})
		}
	}
}

func (b *redisBackend) isPaused(name string) bool {
	n, err := b.client.Exists(b.ctx, b.key(name, "paused")).Result()
	return err == nil && n > 0
}

// statistics derives the bucket counts for one queue.
func (b *redisBackend) statistics(ctx context.Context, name string) (*Statistics, error) {
	stream := b.key(name, "stream")

	total, err := b.client.XLen(ctx, stream).Result()
	if err != nil && err != redis.Nil {
		return nil, core.NewExternal("queue.statistics", fmt.Sprintf("xlen %s", name), err)
	}

	var active int64
	if pending, err := b.client.XPending(ctx, stream, consumerGroup).Result(); err == nil {
		active = pending.Count
	}

	delayed, err := b.client.ZCard(ctx, b.key(name, "delayed")).Result()
	if err != nil && err != redis.Nil {
		return nil, core.NewExternal("queue.statistics", fmt.Sprintf("zcard %s", name), err)
	}

	counters, err := b.client.HGetAll(ctx, b.key(name, "counters")).Result()
	if err != nil && err != redis.Nil {
		return nil, core.NewExternal("queue.statistics", fmt.Sprintf("hgetall %s", name), err)
	}

	stats := &Statistics{
		Queue:     name,
		Active:    active,
		Delayed:   delayed,
		Completed: parseCount(counters["completed"]),
		Failed:    parseCount(counters["failed"]),
	}

	waiting := total - active
	if waiting < 0 {
		waiting = 0
	}
	if b.isPaused(name) {
		stats.Paused = waiting
	} else {
		stats.Waiting = waiting
	}

	durations, err := b.client.LRange(ctx, b.key(name, "durations"), 0, int64(b.cfg.AvgWindow-1)).Result()
	if err == nil && len(durations) > 0 {
		var sum float64
		for _, d := range durations {
			if ms, perr := strconv.ParseFloat(d, 64); perr == nil {
				sum += ms
			}
		}
		stats.ProcessingAvgMs = sum / float64(len(durations))
	}

	return stats, nil
}

func parseCount(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// close stops all worker loops and closes the client. Safe to call once.
func (b *redisBackend) close() {
	b.cancel()
	b.wg.Wait()
	if err := b.client.Close(); err != nil {
		b.logger.Warn("error closing redis client", map[string]interface{}{"error": err.Error()})
	}
}
