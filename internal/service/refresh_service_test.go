package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/launchpad/launchpad/internal/models"
	"github.com/launchpad/launchpad/internal/repository"
)

type refreshBackend struct {
	calls   atomic.Int32
	status  int
	body    string
	gate    chan struct{}
	lastReq models.RefreshTokenRequest
	mu      sync.Mutex
}

func (b *refreshBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.calls.Add(1)
	if r.URL.Path != RefreshPath {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req models.RefreshTokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	b.mu.Lock()
	b.lastReq = req
	b.mu.Unlock()
	if b.gate != nil {
		<-b.gate
	}
	w.WriteHeader(b.status)
	io.WriteString(w, b.body)
}

func newRefreshFixture(t *testing.T, be *refreshBackend) (*RefreshService, *SessionState) {
	t.Helper()
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)
	state := NewSessionState(NewTokenStore(repository.NewMemorySessionRepository(nil), "test", quietLogger()))
	state.Tokens.SetTokens("A1", "R1")
	return NewRefreshService(state, srv.Client(), srv.URL, time.Hour, quietLogger()), state
}

func TestRefreshService_SuccessKeepsRefreshToken(t *testing.T) {
	be := &refreshBackend{status: http.StatusOK, body: `{"success":true,"accessToken":"A2"}`}
	svc, state := newRefreshFixture(t, be)

	if !svc.Refresh(context.Background()) {
		t.Fatal("expected refresh to succeed")
	}
	if be.lastReq.RefreshToken != "R1" {
		t.Errorf("exchange carried %q", be.lastReq.RefreshToken)
	}
	if state.Tokens.AccessToken() != "A2" || state.Tokens.RefreshToken() != "R1" {
		t.Errorf("tokens %q/%q", state.Tokens.AccessToken(), state.Tokens.RefreshToken())
	}
	if state.RefreshState() != RefreshIdle {
		t.Error("state must return to idle")
	}
}

func TestRefreshService_Rotation(t *testing.T) {
	be := &refreshBackend{status: http.StatusOK, body: `{"success":true,"accessToken":"A2","refreshToken":"R2"}`}
	svc, state := newRefreshFixture(t, be)

	if !svc.Exchange(context.Background()) {
		t.Fatal("expected exchange to succeed")
	}
	if state.Tokens.RefreshToken() != "R2" {
		t.Errorf("rotated refresh token not stored: %q", state.Tokens.RefreshToken())
	}
}

func TestRefreshService_RejectedClearsTokens(t *testing.T) {
	be := &refreshBackend{status: http.StatusUnauthorized, body: `{"success":false,"message":"refresh token expired"}`}
	svc, state := newRefreshFixture(t, be)

	var fired atomic.Int32
	svc.OnTerminalFailure(func() { fired.Add(1) })

	if svc.Refresh(context.Background()) {
		t.Fatal("expected failure")
	}
	if state.Tokens.HasTokens() {
		t.Error("terminal failure must clear tokens")
	}
	if fired.Load() != 1 {
		t.Errorf("terminal hook fired %d times", fired.Load())
	}
	if state.RefreshState() != RefreshIdle {
		t.Error("state must return to idle")
	}
}

func TestRefreshService_NonTerminalFailuresKeepTokens(t *testing.T) {
	cases := map[string]*refreshBackend{
		"server error":    {status: http.StatusInternalServerError, body: `{"success":false}`},
		"no access token": {status: http.StatusOK, body: `{"success":true}`},
		"malformed body":  {status: http.StatusOK, body: `<html>`},
	}
	for name, be := range cases {
		t.Run(name, func(t *testing.T) {
			svc, state := newRefreshFixture(t, be)
			if svc.Refresh(context.Background()) {
				t.Fatal("expected failure")
			}
			if state.Tokens.AccessToken() != "A1" || !state.Tokens.HasTokens() {
				t.Error("non-terminal failure must leave tokens untouched")
			}
		})
	}
}

func TestRefreshService_MissingRefreshTokenFailsFast(t *testing.T) {
	be := &refreshBackend{status: http.StatusOK, body: `{"accessToken":"A2"}`}
	svc, state := newRefreshFixture(t, be)
	state.Tokens.ClearTokens()

	if svc.Refresh(context.Background()) {
		t.Fatal("expected failure")
	}
	if be.calls.Load() != 0 {
		t.Error("no exchange should be issued without a refresh token")
	}
}

func TestRefreshService_GuardAndSingleFlight(t *testing.T) {
	be := &refreshBackend{status: http.StatusOK, body: `{"accessToken":"A2"}`, gate: make(chan struct{})}
	svc, state := newRefreshFixture(t, be)

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Exchange(context.Background())
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for state.RefreshState() != RefreshRefreshing {
		if time.Now().After(deadline) {
			t.Fatal("exchange never started")
		}
		time.Sleep(time.Millisecond)
	}
	if svc.Refresh(context.Background()) {
		t.Error("guarded Refresh must return false while an exchange is in flight")
	}

	close(be.gate)
	wg.Wait()

	if got := be.calls.Load(); got != 1 {
		t.Errorf("expected one exchange, got %d", got)
	}
	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d did not share the successful result", i)
		}
	}
}

func TestRefreshService_Timer(t *testing.T) {
	be := &refreshBackend{status: http.StatusOK, body: `{"accessToken":"A2"}`}
	svc, _ := newRefreshFixture(t, be)
	svc.interval = 10 * time.Millisecond

	svc.StartTimer()
	deadline := time.Now().Add(2 * time.Second)
	for be.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("keep-alive timer did not refresh")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !svc.TimerRunning() {
		t.Error("timer should keep running after a successful refresh")
	}

	svc.StopTimer()
	if svc.TimerRunning() {
		t.Error("timer should be stopped")
	}
	time.Sleep(30 * time.Millisecond)
	settled := be.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if be.calls.Load() != settled {
		t.Error("refresh fired after StopTimer")
	}

	svc.ResetTimer()
	if !svc.TimerRunning() {
		t.Error("ResetTimer should start a stopped timer")
	}
	svc.StopTimer()
}

func TestRefreshService_LogoutDuringExchangeDiscardsTokens(t *testing.T) {
	be := &refreshBackend{
		status: http.StatusOK,
		body:   `{"accessToken":"A2","refreshToken":"R2"}`,
		gate:   make(chan struct{}),
	}
	svc, state := newRefreshFixture(t, be)

	done := make(chan bool, 1)
	go func() { done <- svc.Refresh(context.Background()) }()
	for be.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	state.Tokens.ClearTokens()
	close(be.gate)

	if <-done {
		t.Error("an exchange finishing after logout must not succeed")
	}
	if state.Tokens.HasTokens() || state.Tokens.AccessToken() != "" {
		t.Errorf("tokens revived after logout: %q/%q", state.Tokens.AccessToken(), state.Tokens.RefreshToken())
	}
}
