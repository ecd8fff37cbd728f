package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/launchpad/launchpad/internal/conversation"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/launchpad/launchpad/internal/realtime"
	"github.com/sirupsen/logrus"
)

type stubAuth struct{ user *models.User }

func (s stubAuth) IsAuthenticated() bool     { return s.user != nil }
func (s stubAuth) CurrentUser() *models.User { return s.user }

type stubConn struct{ state realtime.ConnectionState }

func (s stubConn) State() realtime.ConnectionState { return s.state }

type stubPresence []models.OnlineUser

func (s stubPresence) List() []models.OnlineUser { return s }

// nopTransport accepts every emit.
type nopTransport struct{}

func (nopTransport) Subscribe(string, realtime.Handler) func()   { return func() {} }
func (nopTransport) JoinConversation(string) error               { return nil }
func (nopTransport) LeaveConversation(string) error              { return nil }
func (nopTransport) SendMessage(models.SendMessagePayload) error { return nil }
func (nopTransport) StartTyping(string) error                    { return nil }
func (nopTransport) StopTyping(string) error                     { return nil }

func newTestHandlers() *StatusHandlers {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewStatusHandlers(
		stubAuth{user: &models.User{ID: "u1", Email: "a@example.com"}},
		stubConn{state: realtime.Connected},
		stubPresence{{UserID: "u2", UserName: "Bob"}},
		l,
	)
}

func TestStatus_Health(t *testing.T) {
	h := newTestHandlers()
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Authenticated || resp.Realtime != "connected" || resp.User == nil || resp.User.ID != "u1" {
		t.Errorf("health = %+v", resp)
	}
}

func TestStatus_Presence(t *testing.T) {
	h := newTestHandlers()
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/presence", nil))

	var users []models.OnlineUser
	_ = json.Unmarshal(rec.Body.Bytes(), &users)
	if len(users) != 1 || users[0].UserID != "u2" {
		t.Errorf("presence = %s", rec.Body.String())
	}
}

func TestStatus_Conversation(t *testing.T) {
	h := newTestHandlers()

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversation", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("without conversation = %d, want 404", rec.Code)
	}

	l := logrus.New()
	l.SetOutput(io.Discard)
	ch := conversation.NewChannel(models.ChatUser{ID: "u1"}, models.ChatUser{ID: "u2", Name: "Bob"}, nopTransport{}, time.Second, l)
	if _, err := ch.Send("hello"); err != nil {
		t.Fatal(err)
	}
	h.SetConversation(ch)

	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversation", nil))
	var resp ConversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Peer.ID != "u2" || len(resp.Messages) != 1 || resp.Messages[0].Content != "hello" {
		t.Errorf("conversation = %s", rec.Body.String())
	}
}
