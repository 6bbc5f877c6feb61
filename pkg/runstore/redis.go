package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots under run:{id} with a TTL and publishes every
// update on run:{id}:events, so any gateway replica can serve a run.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreFromClient(client, ttl), nil
}

func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{redis: client, ttl: ttl}
}

func runKey(id string) string {
	return fmt.Sprintf("run:%s", id)
}

func eventsKey(id string) string {
	return fmt.Sprintf("run:%s:events", id)
}

func (s *RedisStore) Put(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, runKey(snap.RunID), data, s.ttl)
	pipe.Publish(ctx, eventsKey(snap.RunID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store snapshot %s: %w", snap.RunID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, runID string) (Snapshot, error) {
	data, err := s.redis.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", runID, err)
	}
	return snap, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan Snapshot, error) {
	// Subscribe before reading so no update between the two is lost.
	pubsub := s.redis.Subscribe(ctx, eventsKey(runID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", runID, err)
	}

	current, err := s.Get(ctx, runID)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan Snapshot, 32)
	out <- current
	if current.State.Terminal() {
		pubsub.Close()
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var snap Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
				if snap.State.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}
