package conversation_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/launchpad/launchpad/internal/config"
	"github.com/launchpad/launchpad/internal/conversation"
	"github.com/launchpad/launchpad/internal/devserver"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/launchpad/launchpad/internal/presence"
	"github.com/launchpad/launchpad/internal/realtime"
	"github.com/sirupsen/logrus"
)

type participant struct {
	user    *models.User
	manager *realtime.Manager
	tracker *presence.Tracker
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func signIn(t *testing.T, ts *httptest.Server, email, password string) *participant {
	t.Helper()
	body, _ := json.Marshal(models.LoginRequest{Email: email, Password: password})
	resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var auth models.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil || auth.AccessToken == "" {
		t.Fatalf("login %s: %v %+v", email, err, auth)
	}

	m := realtime.NewManager(realtime.Options{
		URL:               "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket",
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectDelayMax: 20 * time.Millisecond,
		PingInterval:      time.Second,
		SendQueueSize:     16,
	}, realtime.NewWebsocketDialer(nil, 2*time.Second), func() http.Header {
		return http.Header{"Authorization": []string{"Bearer " + auth.AccessToken}}
	}, quiet())

	p := &participant{user: auth.Data.User, manager: m, tracker: presence.NewTracker(quiet())}
	p.tracker.Attach(m)
	t.Cleanup(m.Close)
	return p
}

func TestConversation_EndToEnd(t *testing.T) {
	cfg := config.Defaults().DevServer
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	srv, err := devserver.New(&cfg, nil, quiet())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, _ = srv.AddUser("Alice", "alice@example.com", "secret")
	_, _ = srv.AddUser("Bob", "bob@example.com", "secret")

	alice := signIn(t, ts, "alice@example.com", "secret")
	bob := signIn(t, ts, "bob@example.com", "secret")

	alice.manager.SetAuthenticated(true)
	eventually(t, "alice connected", func() bool { return alice.manager.State() == realtime.Connected })
	bob.manager.SetAuthenticated(true)
	eventually(t, "bob connected", func() bool { return bob.manager.State() == realtime.Connected })

	eventually(t, "bob sees alice online", func() bool { return bob.tracker.IsOnline(alice.user.ID) })
	eventually(t, "alice sees bob online", func() bool { return alice.tracker.IsOnline(bob.user.ID) })

	toBob := conversation.NewChannel(alice.user.ChatUser(), bob.user.ChatUser(), alice.manager, 50*time.Millisecond, quiet())
	toAlice := conversation.NewChannel(bob.user.ChatUser(), alice.user.ChatUser(), bob.manager, 50*time.Millisecond, quiet())
	toBob.Join()
	toAlice.Join()
	defer toBob.Leave()
	defer toAlice.Leave()

	toBob.Keystroke()
	eventually(t, "bob sees alice typing", toAlice.PeerTyping)
	eventually(t, "typing to expire", func() bool { return !toAlice.PeerTyping() })

	sent, err := toBob.Send("  hi bob  ")
	if err != nil {
		t.Fatal(err)
	}
	if sent.Content != "hi bob" || sent.Status != conversation.Pending {
		t.Fatalf("sent = %+v", sent)
	}

	eventually(t, "bob receives", func() bool { return len(toAlice.Messages()) == 1 })
	eventually(t, "alice's copy confirmed", func() bool {
		msgs := toBob.Messages()
		return len(msgs) == 1 && msgs[0].Status == conversation.Confirmed
	})

	got := toAlice.Messages()[0]
	mine := toBob.Messages()[0]
	if got.ID == "" || got.ID != mine.ID {
		t.Errorf("ids differ: %q vs %q", got.ID, mine.ID)
	}
	if got.Content != "hi bob" || got.Sender.ID != alice.user.ID {
		t.Errorf("received = %+v", got)
	}

	alice.manager.Close()
	eventually(t, "alice offline for bob", func() bool { return !bob.tracker.IsOnline(alice.user.ID) })
	if alice.tracker.Len() != 0 {
		t.Error("logout must reset presence")
	}
}
