package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/launchpad/launchpad/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type RedisSessionRepository struct {
	client *redis.Client
	ttl    time.Duration
	sealer *Sealer
	logger *logrus.Logger
}

// NewRedisSessionRepository stores snapshots under "session:<key>". A zero
// ttl keeps them until they are deleted.
func NewRedisSessionRepository(client *redis.Client, ttl time.Duration, sealer *Sealer, logger *logrus.Logger) *RedisSessionRepository {
	return &RedisSessionRepository{
		client: client,
		ttl:    ttl,
		sealer: sealer,
		logger: logger,
	}
}

func (r *RedisSessionRepository) Save(ctx context.Context, key string, snapshot *models.SessionSnapshot) error {
	data, err := encodeSnapshot(snapshot, r.sealer)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisKey(key), data, r.ttl).Err(); err != nil {
		r.logger.WithError(err).Error("Failed to store session in Redis")
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Load(ctx context.Context, key string) (*models.SessionSnapshot, error) {
	data, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSnapshot(data, r.sealer)
}

func (r *RedisSessionRepository) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func redisKey(key string) string {
	return fmt.Sprintf("session:%s", key)
}
