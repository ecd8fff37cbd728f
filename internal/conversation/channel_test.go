package conversation

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/launchpad/launchpad/internal/models"
	"github.com/launchpad/launchpad/internal/realtime"
	"github.com/sirupsen/logrus"
)

// fakeTransport records emits and lets the test deliver inbound events.
type fakeTransport struct {
	mu       sync.Mutex
	emits    []string
	payloads []models.SendMessagePayload
	handlers map[string][]realtime.Handler
	sendErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]realtime.Handler)}
}

func (f *fakeTransport) record(event string) {
	f.mu.Lock()
	f.emits = append(f.emits, event)
	f.mu.Unlock()
}

func (f *fakeTransport) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e == event {
			n++
		}
	}
	return n
}

func (f *fakeTransport) Subscribe(event string, fn realtime.Handler) func() {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, event)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) JoinConversation(peerID string) error {
	f.record(models.EventJoinConversation)
	return nil
}

func (f *fakeTransport) LeaveConversation(peerID string) error {
	f.record(models.EventLeaveConversation)
	return nil
}

func (f *fakeTransport) SendMessage(p models.SendMessagePayload) error {
	f.record(models.EventSendMessage)
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.mu.Unlock()
	return f.sendErr
}

func (f *fakeTransport) StartTyping(string) error {
	f.record(models.EventTypingStart)
	return nil
}

func (f *fakeTransport) StopTyping(string) error {
	f.record(models.EventTypingStop)
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, event string, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	hs := append([]realtime.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(b)
	}
}

var (
	alice = models.ChatUser{ID: "alice", Name: "Alice", Email: "alice@example.com"}
	bob   = models.ChatUser{ID: "bob", Name: "Bob", Email: "bob@example.com"}
	carol = models.ChatUser{ID: "carol", Name: "Carol", Email: "carol@example.com"}
)

func newTestChannel(rt Transport, debounce time.Duration) *Channel {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewChannel(alice, bob, rt, debounce, l)
}

func TestChannel_EchoIsDeduplicated(t *testing.T) {
	rt := newFakeTransport()
	ch := newTestChannel(rt, time.Second)
	ch.Join()

	sent, err := ch.Send("  hello  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.Content != "hello" || sent.Status != Pending || sent.ID != sent.TempID {
		t.Fatalf("optimistic message = %+v", sent)
	}
	if !strings.HasPrefix(sent.TempID, "temp_") {
		t.Errorf("tempId = %q", sent.TempID)
	}

	echo := models.ChatMessage{
		ID:        "m1",
		TempID:    sent.TempID,
		Sender:    alice,
		Recipient: bob,
		Content:   "hello",
		CreatedAt: time.Now(),
	}
	rt.deliver(t, models.EventReceiveMessage, echo)
	rt.deliver(t, models.EventReceiveMessage, echo)

	msgs := ch.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Status != Confirmed {
		t.Errorf("message = %+v, want confirmed m1", msgs[0])
	}

	rt.mu.Lock()
	p := rt.payloads[0]
	rt.mu.Unlock()
	if p.RecipientID != "bob" || p.Content != "hello" || p.TempID != sent.TempID {
		t.Errorf("payload = %+v", p)
	}
}

func TestChannel_EmptyContentRejected(t *testing.T) {
	rt := newFakeTransport()
	ch := newTestChannel(rt, time.Second)
	ch.Join()

	for _, s := range []string{"", "   ", "\n\t"} {
		if _, err := ch.Send(s); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Send(%q) err = %v", s, err)
		}
	}
	if rt.count(models.EventSendMessage) != 0 || len(ch.Messages()) != 0 {
		t.Error("empty message had an effect")
	}
}

func TestChannel_IgnoresOtherConversations(t *testing.T) {
	rt := newFakeTransport()
	ch := newTestChannel(rt, time.Second)
	ch.Join()

	rt.deliver(t, models.EventReceiveMessage, models.ChatMessage{ID: "x", Sender: carol, Recipient: alice, Content: "hi"})
	rt.deliver(t, models.EventReceiveMessage, models.ChatMessage{ID: "y", Sender: bob, Recipient: carol, Content: "hi"})
	if n := len(ch.Messages()); n != 0 {
		t.Fatalf("got %d foreign messages", n)
	}

	rt.deliver(t, models.EventReceiveMessage, models.ChatMessage{ID: "z", Sender: bob, Recipient: alice, Content: "hey"})
	if n := len(ch.Messages()); n != 1 {
		t.Fatalf("got %d messages, want 1", n)
	}
}

func TestChannel_TypingDebounce(t *testing.T) {
	rt := newFakeTransport()
	window := 80 * time.Millisecond
	ch := newTestChannel(rt, window)

	for i := 0; i < 5; i++ {
		ch.Keystroke()
		time.Sleep(window / 8)
	}
	if n := rt.count(models.EventTypingStart); n != 1 {
		t.Errorf("typing_start emitted %d times, want 1", n)
	}
	if n := rt.count(models.EventTypingStop); n != 0 {
		t.Errorf("typing_stop emitted early")
	}

	time.Sleep(3 * window)
	if n := rt.count(models.EventTypingStop); n != 1 {
		t.Errorf("typing_stop emitted %d times, want 1", n)
	}

	// idle again, next keystroke starts a new burst
	ch.Keystroke()
	if n := rt.count(models.EventTypingStart); n != 2 {
		t.Errorf("typing_start after idle = %d, want 2", n)
	}
	ch.Leave()
}

func TestChannel_SendClearsTyping(t *testing.T) {
	rt := newFakeTransport()
	window := 50 * time.Millisecond
	ch := newTestChannel(rt, window)
	ch.Join()

	ch.Keystroke()
	if _, err := ch.Send("done"); err != nil {
		t.Fatal(err)
	}
	if n := rt.count(models.EventTypingStop); n != 1 {
		t.Fatalf("typing_stop = %d after send, want 1", n)
	}
	time.Sleep(3 * window)
	if n := rt.count(models.EventTypingStop); n != 1 {
		t.Errorf("debounce fired after send, typing_stop = %d", n)
	}
}

func TestChannel_PeerTypingScopedToPeer(t *testing.T) {
	rt := newFakeTransport()
	ch := newTestChannel(rt, time.Second)
	ch.Join()

	changes := 0
	ch.OnChange(func() { changes++ })

	rt.deliver(t, models.EventUserTypingStart, models.TypingEvent{UserID: "carol"})
	if ch.PeerTyping() {
		t.Fatal("typing from another user leaked into the conversation")
	}
	rt.deliver(t, models.EventUserTypingStart, models.TypingEvent{UserID: "bob"})
	if !ch.PeerTyping() {
		t.Fatal("peer typing not shown")
	}
	rt.deliver(t, models.EventUserTypingStop, models.TypingEvent{UserID: "bob"})
	if ch.PeerTyping() {
		t.Fatal("peer typing not cleared")
	}
	if changes != 2 {
		t.Errorf("observer ran %d times, want 2", changes)
	}
}

func TestChannel_LeaveDisposes(t *testing.T) {
	rt := newFakeTransport()
	ch := newTestChannel(rt, time.Second)
	ch.Join()
	ch.Join()
	if n := rt.count(models.EventJoinConversation); n != 1 {
		t.Errorf("join emitted %d times", n)
	}

	ch.Leave()
	if n := rt.count(models.EventLeaveConversation); n != 1 {
		t.Errorf("leave emitted %d times", n)
	}
	rt.deliver(t, models.EventReceiveMessage, models.ChatMessage{ID: "late", Sender: bob, Recipient: alice})
	if len(ch.Messages()) != 0 {
		t.Error("message delivered after leave")
	}
}

func TestChannel_SendWhileOfflineKeepsPending(t *testing.T) {
	rt := newFakeTransport()
	rt.sendErr = realtime.ErrNotConnected
	ch := newTestChannel(rt, time.Second)
	ch.Join()

	if _, err := ch.Send("queued?"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := ch.Messages()
	if len(msgs) != 1 || msgs[0].Status != Pending {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestMerge(t *testing.T) {
	pending := Message{ChatMessage: models.ChatMessage{ID: "t1", TempID: "t1"}, Status: Pending}

	tests := []struct {
		name    string
		entries []Message
		in      models.ChatMessage
		result  mergeResult
		wantLen int
		wantID  string
	}{
		{"confirms pending", []Message{pending}, models.ChatMessage{ID: "m1", TempID: "t1"}, mergeConfirmed, 1, "m1"},
		{"known id", []Message{{ChatMessage: models.ChatMessage{ID: "m1"}, Status: Confirmed}}, models.ChatMessage{ID: "m1"}, mergeDuplicate, 1, "m1"},
		{"new message", []Message{pending}, models.ChatMessage{ID: "m2"}, mergeAppended, 2, "t1"},
		{"no ids never collide", []Message{{Status: Confirmed}}, models.ChatMessage{Content: "x"}, mergeAppended, 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := append([]Message(nil), tt.entries...)
			out, res := merge(entries, tt.in)
			if res != tt.result {
				t.Errorf("result = %s, want %s", res, tt.result)
			}
			if len(out) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(out), tt.wantLen)
			}
			if out[0].ID != tt.wantID {
				t.Errorf("first id = %q, want %q", out[0].ID, tt.wantID)
			}
		})
	}
}
