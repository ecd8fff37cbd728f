package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/launchpad/launchpad/internal/metrics"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const RefreshPath = "/auth/refresh-token"

const exchangeTimeout = 15 * time.Second

// RefreshService exchanges the refresh token for a new access token and runs
// the keep-alive timer that does so proactively.
type RefreshService struct {
	state      *SessionState
	httpClient *http.Client
	baseURL    string
	interval   time.Duration
	logger     *logrus.Logger

	// every exchange, from the timer or the gateway, shares one flight
	sf singleflight.Group

	timerMu   sync.Mutex
	timerStop chan struct{}

	hookMu            sync.RWMutex
	onTerminalFailure func()
}

func NewRefreshService(state *SessionState, httpClient *http.Client, baseURL string, interval time.Duration, logger *logrus.Logger) *RefreshService {
	return &RefreshService{
		state:      state,
		httpClient: httpClient,
		baseURL:    baseURL,
		interval:   interval,
		logger:     logger,
	}
}

// OnTerminalFailure registers fn to run after a rejected refresh token has
// cleared the session.
func (s *RefreshService) OnTerminalFailure(fn func()) {
	s.hookMu.Lock()
	s.onTerminalFailure = fn
	s.hookMu.Unlock()
}

// Refresh is the guarded entry point: it returns false at once when a
// refresh is already in flight.
func (s *RefreshService) Refresh(ctx context.Context) bool {
	if s.state.RefreshState() == RefreshRefreshing {
		s.logger.Debug("Refresh already in progress, skipping")
		metrics.RefreshExchanges.WithLabelValues("skipped").Inc()
		return false
	}
	return s.Exchange(ctx)
}

// Exchange performs the refresh-token exchange without the reentrancy guard.
// Concurrent callers share a single exchange and its result.
func (s *RefreshService) Exchange(ctx context.Context) bool {
	// Detach from the first caller's cancellation; the result is shared.
	ctx = context.WithoutCancel(ctx)
	v, _, _ := s.sf.Do("refresh", func() (interface{}, error) {
		s.state.setRefreshState(RefreshRefreshing)
		defer s.state.setRefreshState(RefreshIdle)
		return s.exchange(ctx), nil
	})
	return v.(bool)
}

func (s *RefreshService) exchange(ctx context.Context) bool {
	refreshToken := s.state.Tokens.RefreshToken()
	if refreshToken == "" {
		s.logger.Warn("No refresh token available")
		metrics.RefreshExchanges.WithLabelValues("failed").Inc()
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	body, err := json.Marshal(models.RefreshTokenRequest{RefreshToken: refreshToken})
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal refresh request")
		metrics.RefreshExchanges.WithLabelValues("failed").Inc()
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+RefreshPath, bytes.NewReader(body))
	if err != nil {
		s.logger.WithError(err).Error("Failed to build refresh request")
		metrics.RefreshExchanges.WithLabelValues("failed").Inc()
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.WithError(err).Error("Refresh token request failed")
		metrics.RefreshExchanges.WithLabelValues("failed").Inc()
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		s.logger.WithField("status", resp.StatusCode).Warn("Refresh token rejected, clearing session")
		metrics.RefreshExchanges.WithLabelValues("rejected").Inc()
		s.state.Tokens.ClearTokens()
		s.StopTimer()
		s.fireTerminalFailure()
		return false
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.WithField("status", resp.StatusCode).Error("Refresh failed")
		metrics.RefreshExchanges.WithLabelValues("failed").Inc()
		return false
	}

	payload, err := decodeRefreshResponse(resp.Body)
	if err != nil {
		s.logger.WithError(err).Error("Malformed refresh response")
		metrics.RefreshExchanges.WithLabelValues("failed").Inc()
		return false
	}

	if !s.state.Tokens.ApplyRefresh(refreshToken, payload.AccessToken, payload.RefreshToken) {
		s.logger.Warn("Session ended during refresh, discarding new tokens")
		metrics.RefreshExchanges.WithLabelValues("discarded").Inc()
		return false
	}

	s.logger.WithField("rotated", payload.RefreshToken != "").Info("Token refreshed successfully")
	metrics.RefreshExchanges.WithLabelValues("ok").Inc()
	s.restartTimerIfRunning()
	return true
}

func decodeRefreshResponse(r io.Reader) (*models.RefreshTokenResponse, error) {
	var payload models.RefreshTokenResponse
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("refresh response has no access token")
	}
	return &payload, nil
}

func (s *RefreshService) fireTerminalFailure() {
	s.hookMu.RLock()
	fn := s.onTerminalFailure
	s.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// StartTimer (re)starts the keep-alive ticker.
func (s *RefreshService) StartTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.startTimerLocked()
}

func (s *RefreshService) startTimerLocked() {
	s.stopTimerLocked()

	stop := make(chan struct{})
	s.timerStop = stop
	ticker := time.NewTicker(s.interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.logger.Debug("Keep-alive timer fired, refreshing token")
				s.Refresh(context.Background())
			case <-stop:
				return
			}
		}
	}()

	s.logger.WithField("interval", s.interval.String()).Debug("Refresh timer started")
}

func (s *RefreshService) StopTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.stopTimerLocked() {
		s.logger.Info("Refresh timer stopped")
	}
}

func (s *RefreshService) ResetTimer() {
	s.StartTimer()
}

func (s *RefreshService) TimerRunning() bool {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return s.timerStop != nil
}

// restartTimerIfRunning pushes the next tick a full interval out after a
// successful exchange. A stopped timer stays stopped.
func (s *RefreshService) restartTimerIfRunning() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timerStop != nil {
		s.startTimerLocked()
	}
}

func (s *RefreshService) stopTimerLocked() bool {
	if s.timerStop == nil {
		return false
	}
	close(s.timerStop)
	s.timerStop = nil
	return true
}
