package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/launchpad/launchpad/internal/gateway"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/sirupsen/logrus"
)

type authListener struct {
	id int
	fn func(bool)
}

// AuthService drives the sign-in lifecycle on top of the gateway: it stores
// the session returned by the auth endpoints, owns the authenticated flag and
// tells subscribers (the realtime manager) when it flips.
type AuthService struct {
	state   *SessionState
	gw      *gateway.Gateway
	refresh *RefreshService
	logger  *logrus.Logger

	mu            sync.Mutex
	authenticated bool
	listeners     []authListener
	nextID        int
}

func NewAuthService(state *SessionState, gw *gateway.Gateway, refresh *RefreshService, logger *logrus.Logger) *AuthService {
	s := &AuthService{
		state:   state,
		gw:      gw,
		refresh: refresh,
		logger:  logger,
	}
	gw.OnSessionExpired(s.expire)
	refresh.OnTerminalFailure(s.expire)
	return s
}

func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.User, error) {
	resp, err := s.gw.Post(ctx, "/auth/login", req)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return s.signIn(resp, true)
}

// Register creates the account. When the backend already issues tokens the
// user is signed in; otherwise the account awaits OTP verification.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	resp, err := s.gw.Post(ctx, "/auth/register", req)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return s.signIn(resp, false)
}

func (s *AuthService) VerifyOTP(ctx context.Context, req models.VerifyOTPRequest) (*models.User, error) {
	resp, err := s.gw.Post(ctx, "/auth/verify-otp", req)
	if err != nil {
		return nil, fmt.Errorf("verify otp: %w", err)
	}
	return s.signIn(resp, true)
}

func (s *AuthService) ResendOTP(ctx context.Context, req models.ResendOTPRequest) error {
	resp, err := s.gw.Post(ctx, "/auth/resend-otp", req)
	if err != nil {
		return fmt.Errorf("resend otp: %w", err)
	}
	if !resp.OK() {
		return &APIError{Status: resp.StatusCode, Message: resp.Message()}
	}
	return nil
}

// Logout tells the backend, then clears the local session whatever the
// backend answered.
func (s *AuthService) Logout(ctx context.Context) {
	body := models.RefreshTokenRequest{RefreshToken: s.state.Tokens.RefreshToken()}
	resp, err := s.gw.Post(ctx, "/auth/logout", body)
	switch {
	case err != nil:
		s.logger.WithError(err).Warn("Backend logout failed")
	case !resp.OK():
		s.logger.WithField("status", resp.StatusCode).Warn("Backend logout rejected")
	}

	s.clearSession()
	s.logger.Info("Logged out")
}

// CheckAuthStatus restores a backed-up session. The client counts as
// authenticated only when both the user and the token pair were restored.
func (s *AuthService) CheckAuthStatus(ctx context.Context) bool {
	if s.state.Tokens.Restore(ctx) {
		s.refresh.StartTimer()
		s.setAuthenticated(true)
		s.logger.WithField("user_id", s.state.Tokens.User().ID).Info("Session restored")
		return true
	}
	s.clearSession()
	return false
}

func (s *AuthService) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *AuthService) CurrentUser() *models.User {
	return s.state.Tokens.User()
}

// OnAuthChange registers fn to be called with every change of the
// authenticated flag. The returned func removes it.
func (s *AuthService) OnAuthChange(fn func(bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, authListener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *AuthService) signIn(resp *gateway.Response, requireTokens bool) (*models.User, error) {
	if !resp.OK() {
		return nil, &APIError{Status: resp.StatusCode, Message: resp.Message()}
	}

	var payload models.AuthResponse
	if err := resp.Decode(&payload); err != nil {
		return nil, err
	}
	if payload.Data.User == nil {
		return nil, fmt.Errorf("auth response has no user")
	}

	pair := models.TokenPair{AccessToken: payload.AccessToken, RefreshToken: payload.RefreshToken}
	if !pair.Complete() {
		if requireTokens {
			return nil, ErrMissingTokens
		}
		s.logger.WithField("email", payload.Data.User.Email).Info("Account created, awaiting verification")
		return payload.Data.User, nil
	}

	s.state.Tokens.SetTokens(pair.AccessToken, pair.RefreshToken)
	s.state.Tokens.SetUser(payload.Data.User)
	s.refresh.StartTimer()
	s.setAuthenticated(true)

	s.logger.WithFields(logrus.Fields{
		"user_id": payload.Data.User.ID,
		"email":   payload.Data.User.Email,
	}).Info("Signed in")
	return payload.Data.User, nil
}

// expire is the forced logout after an unrecoverable refresh failure.
func (s *AuthService) expire() {
	if !s.IsAuthenticated() && !s.state.Tokens.HasTokens() {
		return
	}
	s.logger.Warn("Session expired, sign in again")
	s.clearSession()
}

func (s *AuthService) clearSession() {
	s.state.Tokens.ClearTokens()
	s.refresh.StopTimer()
	s.setAuthenticated(false)
}

func (s *AuthService) setAuthenticated(v bool) {
	s.mu.Lock()
	if s.authenticated == v {
		s.mu.Unlock()
		return
	}
	s.authenticated = v
	listeners := make([]authListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(v)
	}
}
