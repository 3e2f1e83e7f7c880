package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "cosession:events"

func channelName(prefix, sessionID string, category Category) string {
	return prefix + ":" + sessionID + ":" + string(category)
}

// RedisPublisher publishes events on one Redis channel per session and
// category so every API instance can relay them to its local subscribers.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: defaultChannelPrefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channelName(p.prefix, event.SessionID, event.Category), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// RedisRelay pattern-subscribes to every session channel and republishes
// what it receives into a local Hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisRelay(client *redis.Client, hub *Hub, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client: client,
		hub:    hub,
		prefix: defaultChannelPrefix,
		logger: logger,
	}
}

// Start subscribes and returns once Redis has confirmed the subscription.
// Relaying continues in the background until ctx ends or Close is called.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return errors.New("relay already started")
	}

	pubsub := r.client.PSubscribe(ctx, r.prefix+":*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to event channels: %w", err)
	}
	r.pubsub = pubsub
	r.done = make(chan struct{})
	go r.run(ctx, pubsub, r.done)
	return nil
}

func (r *RedisRelay) run(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Error("discarding malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			if err := r.hub.Publish(ctx, event); err != nil {
				r.logger.Error("relay event", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// Close stops relaying and waits for the background loop to exit.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub, r.done = nil, nil
	r.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
