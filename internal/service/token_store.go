package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/launchpad/launchpad/internal/repository"
	"github.com/sirupsen/logrus"
)

const persistTimeout = 5 * time.Second

// TokenStore holds the current access/refresh tokens and the signed-in user.
// The in-memory copy is authoritative; every change is mirrored to the
// session repository on a best-effort basis, in the order the changes were
// made.
type TokenStore struct {
	// backupMu is held across a change and its backup write
	backupMu sync.Mutex

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	user         *models.User

	repo   repository.SessionRepository
	key    string
	logger *logrus.Logger
}

func NewTokenStore(repo repository.SessionRepository, key string, logger *logrus.Logger) *TokenStore {
	return &TokenStore{
		repo:   repo,
		key:    key,
		logger: logger,
	}
}

func (s *TokenStore) SetTokens(accessToken, refreshToken string) {
	s.update(func() bool {
		s.accessToken = accessToken
		s.refreshToken = refreshToken
		return true
	})
}

// SetAccessToken replaces only the access token, keeping the refresh token.
// It does nothing once the session has been cleared.
func (s *TokenStore) SetAccessToken(accessToken string) {
	s.update(func() bool {
		if s.refreshToken == "" {
			return false
		}
		s.accessToken = accessToken
		return true
	})
}

// ApplyRefresh stores the result of an exchange made with usedRefreshToken.
// An empty refreshToken keeps the current one. It reports false and changes
// nothing when the session was cleared or replaced during the exchange.
func (s *TokenStore) ApplyRefresh(usedRefreshToken, accessToken, refreshToken string) bool {
	return s.update(func() bool {
		if s.refreshToken == "" || s.refreshToken != usedRefreshToken {
			return false
		}
		s.accessToken = accessToken
		if refreshToken != "" {
			s.refreshToken = refreshToken
		}
		return true
	})
}

func (s *TokenStore) SetUser(user *models.User) {
	s.update(func() bool {
		if user != nil {
			u := *user
			s.user = &u
		} else {
			s.user = nil
		}
		return true
	})
}

// update applies change under mu and, when it reports true, writes the
// resulting snapshot before the next change can start.
func (s *TokenStore) update(change func() bool) bool {
	s.backupMu.Lock()
	defer s.backupMu.Unlock()

	s.mu.Lock()
	if !change() {
		s.mu.Unlock()
		return false
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snapshot)
	return true
}

func (s *TokenStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

func (s *TokenStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

func (s *TokenStore) User() *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *TokenStore) HasTokens() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken != "" && s.refreshToken != ""
}

// ClearTokens drops both tokens and the user. Idempotent.
func (s *TokenStore) ClearTokens() {
	s.backupMu.Lock()
	defer s.backupMu.Unlock()

	s.mu.Lock()
	s.accessToken = ""
	s.refreshToken = ""
	s.user = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.repo.Delete(ctx, s.key); err != nil {
		s.logger.WithError(err).Warn("Failed to clear session backup")
	}
}

// Restore loads the durable backup into memory. A backup that does not hold
// a complete token pair and a user is discarded. It reports whether a usable
// session was restored.
func (s *TokenStore) Restore(ctx context.Context) bool {
	snapshot, err := s.repo.Load(ctx, s.key)
	if err != nil {
		if !errors.Is(err, repository.ErrSessionNotFound) {
			s.logger.WithError(err).Warn("Failed to read session backup")
		}
		return false
	}

	pair := models.TokenPair{AccessToken: snapshot.AccessToken, RefreshToken: snapshot.RefreshToken}
	if !pair.Complete() || snapshot.User == nil {
		s.logger.WithFields(logrus.Fields{
			"has_tokens": pair.Complete(),
			"has_user":   snapshot.User != nil,
		}).Warn("Incomplete session backup, clearing")
		s.ClearTokens()
		return false
	}

	s.mu.Lock()
	s.accessToken = pair.AccessToken
	s.refreshToken = pair.RefreshToken
	s.user = snapshot.User
	s.mu.Unlock()
	return true
}

// AccessTokenExpired reports whether the access token expires within buffer.
// The claims are read without verifying the signature; a token that cannot
// be decoded or has no exp claim counts as expired.
func (s *TokenStore) AccessTokenExpired(buffer time.Duration) bool {
	exp, ok := s.accessTokenExpiry()
	if !ok {
		return true
	}
	return !time.Now().Before(exp.Add(-buffer))
}

// AccessTokenTimeRemaining returns the time until the access token expires,
// or zero when it is expired or unreadable.
func (s *TokenStore) AccessTokenTimeRemaining() time.Duration {
	exp, ok := s.accessTokenExpiry()
	if !ok {
		return 0
	}
	if remaining := time.Until(exp); remaining > 0 {
		return remaining
	}
	return 0
}

func (s *TokenStore) accessTokenExpiry() (time.Time, bool) {
	token := s.AccessToken()
	if token == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (s *TokenStore) snapshotLocked() *models.SessionSnapshot {
	snapshot := &models.SessionSnapshot{
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
		SavedAt:      time.Now(),
	}
	if s.user != nil {
		u := *s.user
		snapshot.User = &u
	}
	return snapshot
}

func (s *TokenStore) persist(snapshot *models.SessionSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.repo.Save(ctx, s.key, snapshot); err != nil {
		s.logger.WithError(err).Warn("Failed to persist session backup")
	}
}
