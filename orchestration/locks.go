package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/apphub/apphub/core"
)

// RunLocker serializes orchestration passes per run. Acquire blocks until
// the lock is held or the context is done; the returned release function
// must be called exactly once.
type RunLocker interface {
	Acquire(ctx context.Context, runID string) (release func(), err error)
}

// localLocker is the in-process locker used in inline mode and tests. One
// mutex per run id; entries are never reaped, which is fine for the
// process lifetimes inline mode serves.
type localLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLocker builds the in-process run locker.
func NewLocalLocker() RunLocker {
	return &localLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *localLocker) Acquire(ctx context.Context, runID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[runID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}

// releaseScript deletes the lock key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// redisLocker takes per-run advisory locks with SET NX PX. The TTL bounds
// how long a crashed process can block a run.
type redisLocker struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
}

// NewRedisLocker builds the advisory locker used in queue mode.
func NewRedisLocker(client *redis.Client, keyPrefix string, ttl time.Duration) RunLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &redisLocker{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		retry:     50 * time.Millisecond,
	}
}

func (l *redisLocker) key(runID string) string {
	return l.keyPrefix + ":run-lock:" + runID
}

func (l *redisLocker) Acquire(ctx context.Context, runID string) (func(), error) {
	key := l.key(runID)
	token := core.NewUUID()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, core.NewExternal("orchestration.redisLocker.Acquire", "acquiring run lock", err)
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, core.NewTimeout("orchestration.redisLocker.Acquire", "waiting for run lock", ctx.Err())
		case <-time.After(l.retry):
		}
	}
}
