package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/launchpad/launchpad/internal/metrics"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/launchpad/launchpad/internal/realtime"
	"github.com/sirupsen/logrus"
)

var ErrEmptyMessage = errors.New("message content is empty")

// Transport is the slice of the realtime manager a conversation needs.
type Transport interface {
	Subscribe(event string, fn realtime.Handler) func()
	JoinConversation(peerID string) error
	LeaveConversation(peerID string) error
	SendMessage(payload models.SendMessagePayload) error
	StartTyping(recipientID string) error
	StopTyping(recipientID string) error
}

// Channel is the message stream between the signed-in user and one peer.
type Channel struct {
	local    models.ChatUser
	peer     models.ChatUser
	rt       Transport
	debounce time.Duration
	logger   *logrus.Logger
	now      func() time.Time

	mu         sync.Mutex
	messages   []Message
	peerTyping bool
	typing     bool
	typingGen  uint64
	typingStop *time.Timer
	disposers  []func()
	observers  []func()
	joined     bool
}

func NewChannel(local, peer models.ChatUser, rt Transport, debounce time.Duration, logger *logrus.Logger) *Channel {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Channel{
		local:    local,
		peer:     peer,
		rt:       rt,
		debounce: debounce,
		logger:   logger,
		now:      time.Now,
	}
}

func (c *Channel) Peer() models.ChatUser {
	return c.peer
}

// Join subscribes to message and typing events and announces the
// conversation to the server.
func (c *Channel) Join() {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = true
	c.disposers = []func(){
		c.rt.Subscribe(models.EventReceiveMessage, c.onReceive),
		c.rt.Subscribe(models.EventUserTypingStart, func(data json.RawMessage) { c.onPeerTyping(data, true) }),
		c.rt.Subscribe(models.EventUserTypingStop, func(data json.RawMessage) { c.onPeerTyping(data, false) }),
	}
	c.mu.Unlock()

	if err := c.rt.JoinConversation(c.peer.ID); err != nil {
		c.logger.WithError(err).WithField("peer", c.peer.ID).Debug("join_conversation not sent")
	}
}

// Leave announces the end of the conversation, cancels a pending typing stop
// and drops every subscription.
func (c *Channel) Leave() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	disposers := c.disposers
	c.disposers = nil
	c.cancelTypingLocked()
	c.peerTyping = false
	c.mu.Unlock()

	for _, d := range disposers {
		d()
	}
	if err := c.rt.LeaveConversation(c.peer.ID); err != nil {
		c.logger.WithError(err).WithField("peer", c.peer.ID).Debug("leave_conversation not sent")
	}
}

// Send appends an optimistic copy of content and transmits it. Content that
// is empty after trimming is rejected without any network effect.
func (c *Channel) Send(content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}

	tempID := c.newTempID()
	msg := Message{
		ChatMessage: models.ChatMessage{
			ID:        tempID,
			TempID:    tempID,
			Sender:    c.local,
			Recipient: c.peer,
			Content:   content,
			CreatedAt: c.now(),
		},
		Status: Pending,
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	wasTyping := c.typing
	c.cancelTypingLocked()
	c.mu.Unlock()

	metrics.MessagesSent.Inc()
	c.notify()

	err := c.rt.SendMessage(models.SendMessagePayload{
		RecipientID: c.peer.ID,
		Content:     content,
		TempID:      tempID,
	})
	if err != nil {
		c.logger.WithError(err).WithField("temp_id", tempID).Warn("Message not transmitted")
	}
	if wasTyping {
		_ = c.rt.StopTyping(c.peer.ID)
	}
	return msg, nil
}

// Keystroke records local typing activity. The first keystroke after an idle
// period emits typing_start; typing_stop follows once no keystroke arrived
// for the debounce window.
func (c *Channel) Keystroke() {
	c.mu.Lock()
	start := !c.typing
	c.typing = true
	c.typingGen++
	gen := c.typingGen
	if c.typingStop != nil {
		c.typingStop.Stop()
	}
	c.typingStop = time.AfterFunc(c.debounce, func() { c.typingIdle(gen) })
	c.mu.Unlock()

	if start {
		_ = c.rt.StartTyping(c.peer.ID)
	}
}

func (c *Channel) typingIdle(gen uint64) {
	c.mu.Lock()
	if gen != c.typingGen || !c.typing {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.typingStop = nil
	c.mu.Unlock()

	_ = c.rt.StopTyping(c.peer.ID)
}

func (c *Channel) cancelTypingLocked() {
	c.typing = false
	c.typingGen++
	if c.typingStop != nil {
		c.typingStop.Stop()
		c.typingStop = nil
	}
}

// Messages returns the conversation in append order.
func (c *Channel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Channel) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// OnChange registers fn to run after the message list or the peer typing
// flag changes.
func (c *Channel) OnChange(fn func()) func() {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	idx := len(c.observers) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.observers) {
			c.observers[idx] = nil
		}
	}
}

func (c *Channel) onReceive(data json.RawMessage) {
	var in models.ChatMessage
	if err := json.Unmarshal(data, &in); err != nil {
		c.logger.WithError(err).Warn("Invalid receive_message payload")
		return
	}
	if !c.belongs(in) {
		return
	}

	c.mu.Lock()
	var result mergeResult
	c.messages, result = merge(c.messages, in)
	c.mu.Unlock()

	metrics.MessagesReceived.WithLabelValues(string(result)).Inc()
	c.logger.WithFields(logrus.Fields{
		"id":      in.ID,
		"temp_id": in.TempID,
		"result":  result,
	}).Debug("Message received")
	if result != mergeDuplicate {
		c.notify()
	}
}

func (c *Channel) belongs(m models.ChatMessage) bool {
	return (m.Sender.ID == c.local.ID && m.Recipient.ID == c.peer.ID) ||
		(m.Sender.ID == c.peer.ID && m.Recipient.ID == c.local.ID)
}

func (c *Channel) onPeerTyping(data json.RawMessage, typing bool) {
	var ev models.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.UserID != c.peer.ID {
		return
	}
	c.mu.Lock()
	changed := c.peerTyping != typing
	c.peerTyping = typing
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *Channel) notify() {
	c.mu.Lock()
	observers := make([]func(), 0, len(c.observers))
	for _, fn := range c.observers {
		if fn != nil {
			observers = append(observers, fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func (c *Channel) newTempID() string {
	return fmt.Sprintf("temp_%d_%s", c.now().UnixMilli(), uuid.NewString()[:8])
}
