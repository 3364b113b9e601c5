// Package events implements outbound notification emission (§6): after a
// committed transition, publish (orderId, newState, timestamp) to a
// channel consumed by a messaging adapter. When REDIS_URL is configured,
// publishing goes over redis pub/sub; otherwise it degrades to an inline,
// in-process fan-out, per §6's "outbound notification fan-out degrades to
// inline" clause.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Topic is the redis pub/sub channel / inline fan-out topic name.
const Topic = "orderengine:order-state-changed"

// OrderStateChanged is the event payload described in §6.
type OrderStateChanged struct {
	OrderID   string    `json:"orderId"`
	NewState  string    `json:"newState"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits OrderStateChanged events, idempotent by order id +
// status at the consumer side (§4.7 step 4); the publisher itself makes
// no dedup guarantee, it is fire-and-forget.
type Publisher struct {
	client   *redis.Client
	inline   []func(OrderStateChanged)
	ctx      context.Context
}

// New builds a Publisher. redisURL may be empty, in which case Publish
// calls only the registered inline subscribers.
func New(redisURL string) *Publisher {
	p := &Publisher{ctx: context.Background()}
	if redisURL == "" {
		return p
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn().Err(err).Msg("events: invalid REDIS_URL, falling back to inline fan-out")
		return p
	}
	p.client = redis.NewClient(opts)
	return p
}

// Subscribe registers an in-process handler invoked on every Publish. Used
// by the inline fallback path and by tests that want to observe emitted
// events without a redis instance.
func (p *Publisher) Subscribe(handler func(OrderStateChanged)) {
	p.inline = append(p.inline, handler)
}

// Publish emits evt to redis pub/sub if configured, and always to any
// registered inline subscribers. Publish failures are logged, never
// returned: event emission is explicitly outside the transaction boundary
// and must never fail the caller's committed write (§4.7 step 4).
func (p *Publisher) Publish(evt OrderStateChanged) {
	for _, handler := range p.inline {
		handler(evt)
	}

	if p.client == nil {
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("order_id", evt.OrderID).Msg("events: failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, Topic, payload).Err(); err != nil {
		log.Warn().Err(err).Str("order_id", evt.OrderID).Msg("events: redis publish failed, event dropped")
	}
}

// Close releases the redis client, if any.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
