package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis adapts a Redis connection to the Store contract so multiple
// broker instances can share coordination state.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis using a URL of the form
// redis://[user:pass@]host:port/db and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

func (r *Redis) GetEx(ctx context.Context, key string, ttl time.Duration) ([]byte, error) {
	value, err := r.client.GetEx(ctx, key, ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.Expire(ctx, key, ttl).Result()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)

	// Force the subscription onto the wire before the caller publishes
	// the request it is waiting on.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSub{pubsub: pubsub, ch: make(chan []byte, subscriberBuffer)}
	go sub.forward()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisSub) forward() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- []byte(msg.Payload)
	}
}

func (s *redisSub) Messages() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	return s.pubsub.Close()
}
