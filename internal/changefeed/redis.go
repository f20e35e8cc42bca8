package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisFeed shares change events between processes over Redis pub/sub.
// One Redis subscription is held per scope, fanned out locally through a Hub.
type RedisFeed struct {
	client *redis.Client
	prefix string
	hub    *Hub
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]*redis.PubSub
	refs          map[string]int
	ctx           context.Context
	cancel        context.CancelFunc
}

// RedisOptions configures NewRedisFeed
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisFeed connects to Redis and verifies the connection
func NewRedisFeed(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisFeed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return newRedisFeed(client, opts.Channel, logger), nil
}

func newRedisFeed(client *redis.Client, prefix string, logger *zap.Logger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "medimate:medications"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisFeed{
		client:        client,
		prefix:        prefix,
		hub:           NewHub(),
		logger:        logger,
		subscriptions: make(map[string]*redis.PubSub),
		refs:          make(map[string]int),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (f *RedisFeed) channel(scope string) string {
	return f.prefix + ":" + scope
}

func (f *RedisFeed) scopeOf(channel string) string {
	return strings.TrimPrefix(channel, f.prefix+":")
}

// Publish sends event to every process subscribed to its scope
func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel(event.Scope), data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscribe receives events for scope published by any process. The Redis
// subscription of a scope is closed when its last subscriber's ctx is done.
func (f *RedisFeed) Subscribe(ctx context.Context, scope string) (<-chan Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subscriptions[scope]; !ok {
		pubsub := f.client.Subscribe(f.ctx, f.channel(scope))
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", f.channel(scope), err)
		}
		f.subscriptions[scope] = pubsub
		go f.receive(pubsub)
	}

	events, err := f.hub.Subscribe(ctx, scope)
	if err != nil {
		return nil, err
	}
	f.refs[scope]++

	go func() {
		<-ctx.Done()
		f.release(scope)
	}()
	return events, nil
}

func (f *RedisFeed) release(scope string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refs[scope]--
	if f.refs[scope] > 0 {
		return
	}
	delete(f.refs, scope)
	if pubsub, ok := f.subscriptions[scope]; ok {
		_ = pubsub.Close()
		delete(f.subscriptions, scope)
	}
}

// Subscriptions returns the number of scopes with an open Redis subscription
func (f *RedisFeed) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscriptions)
}

func (f *RedisFeed) receive(pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-f.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				f.logger.Warn("Dropping malformed change event",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			if event.Scope == "" {
				event.Scope = f.scopeOf(msg.Channel)
			}
			f.hub.deliver(event)
		}
	}
}

// Close ends all Redis subscriptions and the client
func (f *RedisFeed) Close() error {
	f.cancel()

	f.mu.Lock()
	for scope, pubsub := range f.subscriptions {
		_ = pubsub.Close()
		delete(f.subscriptions, scope)
	}
	f.refs = make(map[string]int)
	f.mu.Unlock()

	_ = f.hub.Close()
	return f.client.Close()
}

func encodeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	return event, nil
}
