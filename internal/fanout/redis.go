package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster uses Redis PUBLISH/SUBSCRIBE as the shared channel.
type RedisBroadcaster struct {
	client *redis.Client
	pubsub *redis.PubSub
	msgs   chan Message
	done   chan struct{}
	once   sync.Once
}

// NewRedisBroadcaster opens an empty subscription; topics are added with Subscribe.
func NewRedisBroadcaster(ctx context.Context, client *redis.Client, buffer int) *RedisBroadcaster {
	b := &RedisBroadcaster{
		client: client,
		pubsub: client.Subscribe(ctx),
		msgs:   make(chan Message, buffer),
		done:   make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *RedisBroadcaster) pump() {
	defer close(b.msgs)
	ch := b.pubsub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			select {
			case b.msgs <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
			case <-b.done:
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, topics ...string) error {
	return b.pubsub.Subscribe(ctx, topics...)
}

func (b *RedisBroadcaster) Unsubscribe(ctx context.Context, topics ...string) error {
	return b.pubsub.Unsubscribe(ctx, topics...)
}

func (b *RedisBroadcaster) Messages() <-chan Message {
	return b.msgs
}

func (b *RedisBroadcaster) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.pubsub.Close()
	})
	return err
}
