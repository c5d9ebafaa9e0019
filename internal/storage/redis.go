package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"sump-backend/internal/models"
	"sump-backend/internal/stats"
)

// RedisCheckpointStore persists statistic checkpoints between runs. Keys
// are checkpoint:{device}:{series}; checkpoints have no TTL since losing
// one would replay already-emitted buckets into the sink.
type RedisCheckpointStore struct {
	client *redis.Client
}

// NewRedisCheckpointStore connects to Redis and verifies the connection.
func NewRedisCheckpointStore(addr, password string, db int) (*RedisCheckpointStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		DB:         db,
		MaxRetries: 3,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("Storage: Connected to Redis at %s", addr)
	return &RedisCheckpointStore{client: client}, nil
}

func checkpointKey(deviceID string, series stats.Series) string {
	return fmt.Sprintf("checkpoint:%s:%s", deviceID, series)
}

// Load returns the checkpoint for a device×series; a missing key yields a
// zero checkpoint, which makes every bucket emittable.
func (r *RedisCheckpointStore) Load(ctx context.Context, deviceID string, series stats.Series) (models.StatisticCheckpoint, error) {
	data, err := r.client.Get(ctx, checkpointKey(deviceID, series)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.StatisticCheckpoint{}, nil
	}
	if err != nil {
		return models.StatisticCheckpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp models.StatisticCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return models.StatisticCheckpoint{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, nil
}

// Save persists the checkpoint for a device×series.
func (r *RedisCheckpointStore) Save(ctx context.Context, deviceID string, series stats.Series, cp models.StatisticCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := r.client.Set(ctx, checkpointKey(deviceID, series), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Ping checks Redis availability.
func (r *RedisCheckpointStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisCheckpointStore) Close() error {
	return r.client.Close()
}
