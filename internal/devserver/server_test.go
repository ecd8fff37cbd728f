package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/launchpad/launchpad/internal/config"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/sirupsen/logrus"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.Defaults().DevServer
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	srv, err := New(&cfg, nil, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func getJSON(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func login(t *testing.T, base, email, password string) models.AuthResponse {
	t.Helper()
	resp, body := postJSON(t, base+"/api/v1/auth/login", "", models.LoginRequest{Email: email, Password: password})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", resp.StatusCode, body)
	}
	var out models.AuthResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestServer_RegisterVerifyFlow(t *testing.T) {
	srv, ts := newTestServer(t)
	base := ts.URL + "/api/v1/auth"

	resp, body := postJSON(t, base+"/register", "", models.RegisterRequest{Name: "Dana", Email: "Dana@Example.com", Password: "pw"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", resp.StatusCode, body)
	}
	var reg models.AuthResponse
	_ = json.Unmarshal(body, &reg)
	if reg.AccessToken != "" {
		t.Error("unverified registration must not issue tokens")
	}

	if resp, _ := postJSON(t, base+"/login", "", models.LoginRequest{Email: "dana@example.com", Password: "pw"}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("login before verify = %d, want 403", resp.StatusCode)
	}

	otp, ok := srv.OTP("dana@example.com")
	if !ok {
		t.Fatal("no OTP recorded")
	}
	resp, body = postJSON(t, base+"/verify-otp", "", models.VerifyOTPRequest{Email: "dana@example.com", OTP: otp})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", resp.StatusCode, body)
	}
	var verified models.AuthResponse
	_ = json.Unmarshal(body, &verified)
	if verified.AccessToken == "" || verified.RefreshToken == "" || verified.Data.User == nil {
		t.Fatalf("verify response incomplete: %s", body)
	}
	if !verified.Data.User.IsVerified {
		t.Error("user should be verified")
	}
}

func TestServer_RefreshRotation(t *testing.T) {
	srv, ts := newTestServer(t)
	if _, err := srv.AddUser("Alice", "alice@example.com", "secret"); err != nil {
		t.Fatal(err)
	}
	session := login(t, ts.URL, "alice@example.com", "secret")

	resp, body := postJSON(t, ts.URL+"/api/v1/auth/refresh-token", "", models.RefreshTokenRequest{RefreshToken: session.RefreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d: %s", resp.StatusCode, body)
	}
	var rotated models.RefreshTokenResponse
	_ = json.Unmarshal(body, &rotated)
	if rotated.AccessToken == "" || rotated.RefreshToken == session.RefreshToken {
		t.Fatalf("refresh did not rotate: %s", body)
	}

	// the rotated-out token is revoked
	resp, _ = postJSON(t, ts.URL+"/api/v1/auth/refresh-token", "", models.RefreshTokenRequest{RefreshToken: session.RefreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("reused refresh token = %d, want 401", resp.StatusCode)
	}
	if srv.RefreshCount() != 2 {
		t.Errorf("refresh count = %d", srv.RefreshCount())
	}

	srv.SetRefreshFailure(http.StatusForbidden)
	resp, _ = postJSON(t, ts.URL+"/api/v1/auth/refresh-token", "", models.RefreshTokenRequest{RefreshToken: rotated.RefreshToken})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("forced failure = %d, want 403", resp.StatusCode)
	}
}

func TestServer_ExpireAccessTokens(t *testing.T) {
	srv, ts := newTestServer(t)
	_, _ = srv.AddUser("Alice", "alice@example.com", "secret")
	session := login(t, ts.URL, "alice@example.com", "secret")

	if resp := getJSON(t, ts.URL+"/api/v1/users/me", session.AccessToken); resp.StatusCode != http.StatusOK {
		t.Fatalf("me = %d", resp.StatusCode)
	}
	if resp := getJSON(t, ts.URL+"/api/v1/posts", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous posts = %d, want 401", resp.StatusCode)
	}

	srv.ExpireAccessTokens()
	if resp := getJSON(t, ts.URL+"/api/v1/users/me", session.AccessToken); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expired token = %d, want 401", resp.StatusCode)
	}

	fresh := login(t, ts.URL, "alice@example.com", "secret")
	if resp := getJSON(t, ts.URL+"/api/v1/users/me", fresh.AccessToken); resp.StatusCode != http.StatusOK {
		t.Errorf("fresh token = %d", resp.StatusCode)
	}
}

func dialHub(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer " + token}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// next reads frames until one carries event.
func next(t *testing.T, ws *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatal(err)
		}
		if env.Event == event {
			return env.Data
		}
	}
}

func TestHub_PresenceAndMessaging(t *testing.T) {
	srv, ts := newTestServer(t)
	alice, _ := srv.AddUser("Alice", "alice@example.com", "a")
	bob, _ := srv.AddUser("Bob", "bob@example.com", "b")
	aliceSession := login(t, ts.URL, "alice@example.com", "a")
	bobSession := login(t, ts.URL, "bob@example.com", "b")

	wsA := dialHub(t, ts, aliceSession.AccessToken)
	next(t, wsA, models.EventOnlineUsers)

	wsB := dialHub(t, ts, bobSession.AccessToken)
	var snapshot []models.OnlineUser
	_ = json.Unmarshal(next(t, wsB, models.EventOnlineUsers), &snapshot)
	if len(snapshot) != 1 || snapshot[0].UserID != alice.ID {
		t.Fatalf("bob's snapshot = %+v", snapshot)
	}

	var joined models.OnlineUser
	_ = json.Unmarshal(next(t, wsA, models.EventUserOnline), &joined)
	if joined.UserID != bob.ID {
		t.Fatalf("alice saw %+v come online", joined)
	}

	send, _ := json.Marshal(models.Envelope{
		Event: models.EventSendMessage,
		Data:  json.RawMessage(`{"recipientId":"` + bob.ID + `","content":"hi","tempId":"t1"}`),
	})
	if err := wsA.WriteMessage(websocket.TextMessage, send); err != nil {
		t.Fatal(err)
	}

	for _, ws := range []*websocket.Conn{wsB, wsA} {
		var msg models.ChatMessage
		_ = json.Unmarshal(next(t, ws, models.EventReceiveMessage), &msg)
		if msg.ID == "" || msg.TempID != "t1" || msg.Sender.ID != alice.ID || msg.Recipient.ID != bob.ID {
			t.Errorf("delivered message = %+v", msg)
		}
	}

	typing, _ := json.Marshal(models.Envelope{
		Event: models.EventTypingStart,
		Data:  json.RawMessage(`{"recipientId":"` + bob.ID + `"}`),
	})
	_ = wsA.WriteMessage(websocket.TextMessage, typing)
	var ev models.TypingEvent
	_ = json.Unmarshal(next(t, wsB, models.EventUserTypingStart), &ev)
	if ev.UserID != alice.ID {
		t.Errorf("typing event = %+v", ev)
	}

	wsB.Close()
	var off models.UserOfflineEvent
	_ = json.Unmarshal(next(t, wsA, models.EventUserOffline), &off)
	if off.UserID != bob.ID {
		t.Errorf("offline event = %+v", off)
	}
}

func TestHub_RejectsMissingToken(t *testing.T) {
	_, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %v", resp)
	}
}
