package devserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/launchpad/launchpad/internal/middleware"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = hubPongWait * 9 / 10
	hubOutQueue   = 256
)

type hubConn struct {
	user models.User
	ws   *websocket.Conn
	// bounded outbound queue (backpressure)
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	rooms map[string]bool
}

func (c *hubConn) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue drops the frame when the peer is not keeping up.
func (c *hubConn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Hub is the realtime endpoint: it tracks who is online and routes direct
// messages and typing events between them.
type Hub struct {
	verifier middleware.TokenVerifier
	users    *UserRepository
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]map[*hubConn]bool
}

func NewHub(verifier middleware.TokenVerifier, users *UserRepository, logger *logrus.Logger) *Hub {
	return &Hub{
		verifier: verifier,
		users:    users,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]map[*hubConn]bool),
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		middleware.RespondUnauthorized(w, "Missing credentials")
		return
	}
	principal, err := h.verifier.VerifyAccessToken(token)
	if err != nil {
		middleware.RespondUnauthorized(w, "Invalid or expired token")
		return
	}
	user, err := h.users.GetByID(principal.UserID)
	if err != nil {
		middleware.RespondUnauthorized(w, "Unknown user")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &hubConn{
		user:  *user,
		ws:    ws,
		out:   make(chan []byte, hubOutQueue),
		done:  make(chan struct{}),
		rooms: make(map[string]bool),
	}
	first := h.register(c)
	go h.writeLoop(c)

	c.enqueue(mustFrame(models.EventOnlineUsers, h.Online(user.ID)))
	if first {
		h.broadcastExcept(user.ID, models.EventUserOnline, onlineUser(user))
	}
	h.logger.WithField("user_id", user.ID).Info("Realtime client connected")

	h.readLoop(c)

	if last := h.unregister(c); last {
		h.broadcastExcept(user.ID, models.EventUserOffline, models.UserOfflineEvent{UserID: user.ID})
	}
	h.logger.WithField("user_id", user.ID).Info("Realtime client disconnected")
}

// register adds c and reports whether it is the user's first connection.
func (h *Hub) register(c *hubConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.user.ID]
	if !ok {
		set = make(map[*hubConn]bool)
		h.conns[c.user.ID] = set
	}
	set[c] = true
	return len(set) == 1
}

// unregister removes c and reports whether the user has no connection left.
func (h *Hub) unregister(c *hubConn) bool {
	c.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[c.user.ID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.user.ID)
		return true
	}
	return false
}

// Online lists connected users other than exclude.
func (h *Hub) Online(exclude string) []models.OnlineUser {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.OnlineUser, 0, len(h.conns))
	for id, set := range h.conns {
		if id == exclude {
			continue
		}
		for c := range set {
			out = append(out, onlineUser(&c.user))
			break
		}
	}
	return out
}

func (h *Hub) readLoop(c *hubConn) {
	defer c.ws.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		h.dispatch(c, env)
	}
}

func (h *Hub) dispatch(c *hubConn, env models.Envelope) {
	switch env.Event {
	case models.EventSendMessage:
		var p models.SendMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		h.routeMessage(c, p)

	case models.EventTypingStart, models.EventTypingStop:
		var p models.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.RecipientID == "" {
			return
		}
		out := models.EventUserTypingStart
		if env.Event == models.EventTypingStop {
			out = models.EventUserTypingStop
		}
		h.sendTo(p.RecipientID, out, models.TypingEvent{UserID: c.user.ID, UserName: c.user.Name})

	case models.EventJoinConversation, models.EventLeaveConversation:
		var peer string
		if err := json.Unmarshal(env.Data, &peer); err != nil || peer == "" {
			return
		}
		c.mu.Lock()
		if env.Event == models.EventJoinConversation {
			c.rooms[peer] = true
		} else {
			delete(c.rooms, peer)
		}
		c.mu.Unlock()
		h.logger.WithFields(logrus.Fields{
			"user_id": c.user.ID,
			"peer":    peer,
			"event":   env.Event,
		}).Debug("Conversation membership changed")

	default:
		h.logger.WithField("event", env.Event).Debug("Ignoring unknown event")
	}
}

// routeMessage stamps a server id on the message and delivers it to both
// parties, echoing the sender's tempId.
func (h *Hub) routeMessage(from *hubConn, p models.SendMessagePayload) {
	content := strings.TrimSpace(p.Content)
	if content == "" || p.RecipientID == "" {
		return
	}
	recipient, err := h.users.GetByID(p.RecipientID)
	if err != nil {
		h.logger.WithField("recipient", p.RecipientID).Warn("Message for unknown recipient")
		return
	}

	msg := models.ChatMessage{
		ID:        uuid.New().String(),
		TempID:    p.TempID,
		Sender:    from.user.ChatUser(),
		Recipient: recipient.ChatUser(),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	h.sendTo(recipient.ID, models.EventReceiveMessage, msg)
	if recipient.ID != from.user.ID {
		h.sendTo(from.user.ID, models.EventReceiveMessage, msg)
	}
}

func (h *Hub) sendTo(userID, event string, data interface{}) {
	frame := mustFrame(event, data)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns[userID] {
		c.enqueue(frame)
	}
}

func (h *Hub) broadcastExcept(userID, event string, data interface{}) {
	frame := mustFrame(event, data)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, set := range h.conns {
		if id == userID {
			continue
		}
		for c := range set {
			c.enqueue(frame)
		}
	}
}

// Broadcast pushes event to every connected client.
func (h *Hub) Broadcast(event string, data interface{}) {
	h.broadcastExcept("", event, data)
}

// Disconnect closes every connection of userID.
func (h *Hub) Disconnect(userID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns[userID] {
		_ = c.ws.Close()
	}
}

func (h *Hub) writeLoop(c *hubConn) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func onlineUser(u *models.User) models.OnlineUser {
	return models.OnlineUser{UserID: u.ID, UserName: u.Name, UserEmail: u.Email}
}

func mustFrame(event string, data interface{}) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	frame, err := json.Marshal(models.Envelope{Event: event, Data: raw})
	if err != nil {
		panic(err)
	}
	return frame
}
