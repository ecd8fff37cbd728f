package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrRefreshTokenNotFound = errors.New("refresh token not found")

type RefreshTokenData struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// RefreshTokenStore tracks issued refresh tokens so a rotated token cannot
// be exchanged twice.
type RefreshTokenStore interface {
	Store(ctx context.Context, jti, userID string, expiresAt time.Time) error
	Get(ctx context.Context, jti string) (*RefreshTokenData, error)
	Revoke(ctx context.Context, jti string) error
}

type MemoryRefreshTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*RefreshTokenData
}

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{tokens: make(map[string]*RefreshTokenData)}
}

func (s *MemoryRefreshTokenStore) Store(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[jti] = &RefreshTokenData{
		JTI:       jti,
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	return nil
}

func (s *MemoryRefreshTokenStore) Get(ctx context.Context, jti string) (*RefreshTokenData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.tokens[jti]
	if !ok || time.Now().After(data.ExpiresAt) {
		return nil, ErrRefreshTokenNotFound
	}
	cp := *data
	return &cp, nil
}

func (s *MemoryRefreshTokenStore) Revoke(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.tokens[jti]
	if !ok {
		return ErrRefreshTokenNotFound
	}
	data.Revoked = true
	return nil
}

type RedisRefreshTokenStore struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisRefreshTokenStore(client *redis.Client, logger *logrus.Logger) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{
		client: client,
		logger: logger,
	}
}

func (s *RedisRefreshTokenStore) Store(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	tokenData := RefreshTokenData{
		JTI:       jti,
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	return s.put(ctx, &tokenData)
}

func (s *RedisRefreshTokenStore) Get(ctx context.Context, jti string) (*RefreshTokenData, error) {
	dataJSON, err := s.client.Get(ctx, refreshTokenKey(jti)).Result()
	if err == redis.Nil {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var tokenData RefreshTokenData
	if err := json.Unmarshal([]byte(dataJSON), &tokenData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}
	return &tokenData, nil
}

func (s *RedisRefreshTokenStore) Revoke(ctx context.Context, jti string) error {
	tokenData, err := s.Get(ctx, jti)
	if err != nil {
		return err
	}
	tokenData.Revoked = true
	if err := s.put(ctx, tokenData); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (s *RedisRefreshTokenStore) put(ctx context.Context, tokenData *RefreshTokenData) error {
	dataJSON, err := json.Marshal(tokenData)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	ttl := time.Until(tokenData.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, refreshTokenKey(tokenData.JTI), dataJSON, ttl).Err(); err != nil {
		s.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func refreshTokenKey(jti string) string {
	return fmt.Sprintf("refresh_token:%s", jti)
}
