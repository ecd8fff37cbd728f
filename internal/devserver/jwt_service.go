package devserver

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/launchpad/launchpad/internal/config"
	"github.com/launchpad/launchpad/internal/middleware"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var errTokenRevoked = errors.New("access token has been revoked")

type JWTService struct {
	secretKey     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	logger        *logrus.Logger

	// access tokens minted under an older generation are rejected
	generation atomic.Int64
}

func NewJWTService(cfg *config.DevServerConfig, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.JWTSecret)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	return &JWTService{
		secretKey:     secretKey,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		logger:        logger,
	}, nil
}

type Claims struct {
	UserID     string `json:"userId"`
	Email      string `json:"email"`
	Type       string `json:"type"`
	Generation int64  `json:"gen,omitempty"`
	jwt.RegisteredClaims
}

// GenerateTokenPair signs a fresh access/refresh pair for user. The refresh
// token's claims are returned so the caller can record its jti.
func (s *JWTService) GenerateTokenPair(user *models.User) (*models.TokenPair, *Claims, error) {
	now := time.Now()

	accessClaims := &Claims{
		UserID:     user.ID,
		Email:      user.Email,
		Type:       tokenTypeAccess,
		Generation: s.generation.Load(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpiry)),
			ID:        uuid.New().String(),
		},
	}
	accessToken, err := s.sign(accessClaims)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign access token")
		return nil, nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshClaims := &Claims{
		UserID: user.ID,
		Email:  user.Email,
		Type:   tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshExpiry)),
			ID:        uuid.New().String(),
		},
	}
	refreshToken, err := s.sign(refreshClaims)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign refresh token")
		return nil, nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, refreshClaims, nil
}

func (s *JWTService) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

func (s *JWTService) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// VerifyAccessToken implements middleware.TokenVerifier.
func (s *JWTService) VerifyAccessToken(tokenString string) (*middleware.Principal, error) {
	claims, err := s.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenTypeAccess {
		return nil, fmt.Errorf("token is not an access token")
	}
	if claims.Generation < s.generation.Load() {
		return nil, errTokenRevoked
	}
	return &middleware.Principal{UserID: claims.UserID, Email: claims.Email, JTI: claims.ID}, nil
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *JWTService) ExpireAccessTokens() {
	s.generation.Add(1)
}
