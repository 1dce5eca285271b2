package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/covechat/cove/internal/models"
)

// RedisStore backs presence with a shared Redis instance. Each actor
// maps to a hash keyed presence:{website}:{actor} with one field per
// connection; the whole hash expires if no connection refreshes it.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) SetConnection(ctx context.Context, websiteID, actorID, connID string, rec models.PresenceRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}
	key := presenceKey(websiteID, actorID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, connID, data)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

func (s *RedisStore) RefreshConnection(ctx context.Context, websiteID, actorID, connID string, ttl time.Duration) error {
	key := presenceKey(websiteID, actorID)
	raw, err := s.client.HGet(ctx, key, connID).Result()
	if err == redis.Nil {
		return nil // record already expired; the next register recreates it
	}
	if err != nil {
		return fmt.Errorf("read presence: %w", err)
	}

	var rec models.PresenceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("decode presence record: %w", err)
	}
	rec.UpdatedAt = time.Now().UTC()
	return s.SetConnection(ctx, websiteID, actorID, connID, rec, ttl)
}

func (s *RedisStore) RemoveConnection(ctx context.Context, websiteID, actorID, connID string) (int, error) {
	key := presenceKey(websiteID, actorID)
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, key, connID)
	lenCmd := pipe.HLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("remove presence: %w", err)
	}
	remaining := int(lenCmd.Val())
	if remaining == 0 {
		s.client.Del(ctx, key)
	}
	return remaining, nil
}

func (s *RedisStore) Connections(ctx context.Context, websiteID, actorID string, maxAge time.Duration) ([]models.PresenceRecord, error) {
	fields, err := s.client.HGetAll(ctx, presenceKey(websiteID, actorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var records []models.PresenceRecord
	for _, raw := range fields {
		var rec models.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		// Stale entries count as dead even if the owning process never
		// got to delete them (crash, partition).
		if rec.UpdatedAt.Before(cutoff) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) IsOnline(ctx context.Context, websiteID, actorID string, maxAge time.Duration) (bool, error) {
	records, err := s.Connections(ctx, websiteID, actorID, maxAge)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, pattern string) (<-chan Delivery, func(), error) {
	sub := s.client.PSubscribe(ctx, pattern)
	// Force the subscription to establish before we return.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	out := make(chan Delivery, 256)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- Delivery{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()

	cancel := func() { sub.Close() }
	return out, cancel, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
