package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildkite/roko"
	"github.com/redis/go-redis/v9"

	"github.com/zuul-ci/zuul-core/logger"
)

const completionStreamPrefix = "zuul:results:"

func zoneChannel(zone string) string {
	if zone == "" {
		return "zuul:events:unzoned"
	}
	return "zuul:events:zone:" + zone
}

// eventBus fans out queue events across processes via Redis: Pub/Sub for
// new-request/cancel/resume notifications (at-most-once, fine for a wake
// signal backed by the poll loop in queue.Next), and a stream per
// (tenant, pipeline) for completion events, which must not be dropped.
type eventBus struct {
	client *redis.Client
	log    logger.Logger
}

func NewEventBus(client *redis.Client, log logger.Logger) *eventBus {
	return &eventBus{client: client, log: log}
}

func (b *eventBus) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("eventbus: marshal event: %s", err)
		return
	}
	if err := b.client.Publish(ctx, zoneChannel(ev.Zone), data).Err(); err != nil {
		b.log.Warn("eventbus: publish event: %s", err)
	}
}

func (b *eventBus) subscribe(ctx context.Context, zones []string) <-chan Event {
	channels := make([]string, 0, len(zones)+1)
	if len(zones) == 0 {
		channels = append(channels, zoneChannel(""))
	}
	for _, z := range zones {
		channels = append(channels, zoneChannel(z))
	}

	sub := b.client.Subscribe(ctx, channels...)
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("eventbus: decode event: %s", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// publishCompletion appends the event to the durable results stream for its
// (tenant, pipeline), retried with roko at the call site so a transient
// Redis error does not silently drop a terminal build outcome.
func (b *eventBus) publishCompletion(ctx context.Context, ev CompletionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal completion: %w", err)
	}
	stream := completionStreamPrefix + ev.Tenant + ":" + ev.Pipeline

	return roko.NewRetrier(
		roko.WithMaxAttempts(5),
		roko.WithStrategy(roko.Constant(time.Second)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{"event": string(data)},
		}).Err()
		if err != nil && b.log != nil {
			b.log.Warn("eventbus: publish completion for %s/%s: %s", ev.Tenant, ev.Pipeline, r)
		}
		return err
	})
}
