package registry

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/apphub/apphub/core"
)

// invalidationChannel is the pub/sub channel cache hints travel on.
const invalidationChannel = "service-registry:invalidate"

// invalidationMessage is a cache-coherence hint. Receivers force a reload;
// correctness rests on the cache TTLs, not on delivery.
type invalidationMessage struct {
	Kind     string `json:"kind"` // manifest | health | module-context
	Reason   string `json:"reason"`
	Slug     string `json:"slug,omitempty"`
	ModuleID string `json:"moduleId,omitempty"`
}

type invalidationBus struct {
	client    *redis.Client
	logger    core.Logger
	onMessage func(invalidationMessage)
}

func newInvalidationBus(client *redis.Client, logger core.Logger) *invalidationBus {
	return &invalidationBus{client: client, logger: logger}
}

// publish broadcasts the hint. Failures are logged and dropped; the next
// TTL expiry reloads regardless.
func (b *invalidationBus) publish(ctx context.Context, msg invalidationMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := b.client.Publish(ctx, invalidationChannel, payload).Err(); err != nil {
		b.logger.Warn("publishing registry invalidation", map[string]interface{}{
			"kind": msg.Kind, "error": err.Error(),
		})
	}
}

// subscribe consumes remote hints until the context is canceled.
func (b *invalidationBus) subscribe(ctx context.Context) {
	sub := b.client.Subscribe(ctx, invalidationChannel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg invalidationMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.logger.Warn("malformed invalidation message", map[string]interface{}{
						"payload": raw.Payload,
					})
					continue
				}
				if b.onMessage != nil {
					b.onMessage(msg)
				}
			}
		}
	}()
}
