package handlers

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/launchpad/launchpad/internal/conversation"
	"github.com/launchpad/launchpad/internal/middleware"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/launchpad/launchpad/internal/realtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type AuthState interface {
	IsAuthenticated() bool
	CurrentUser() *models.User
}

type ConnectionState interface {
	State() realtime.ConnectionState
}

type PresenceView interface {
	List() []models.OnlineUser
}

// StatusHandlers expose the client's session, connection, presence and open
// conversation on a local router.
type StatusHandlers struct {
	auth     AuthState
	conn     ConnectionState
	presence PresenceView
	logger   *logrus.Logger

	mu           sync.RWMutex
	conversation *conversation.Channel
}

type HealthResponse struct {
	Status        string       `json:"status"`
	Authenticated bool         `json:"authenticated"`
	Realtime      string       `json:"realtime"`
	User          *models.User `json:"user,omitempty"`
}

type ConversationResponse struct {
	Peer       models.ChatUser        `json:"peer"`
	PeerTyping bool                   `json:"peerTyping"`
	Messages   []conversation.Message `json:"messages"`
}

func NewStatusHandlers(auth AuthState, conn ConnectionState, presence PresenceView, logger *logrus.Logger) *StatusHandlers {
	return &StatusHandlers{
		auth:     auth,
		conn:     conn,
		presence: presence,
		logger:   logger,
	}
}

// SetConversation selects the conversation served on /conversation.
func (h *StatusHandlers) SetConversation(c *conversation.Channel) {
	h.mu.Lock()
	h.conversation = c
	h.mu.Unlock()
}

func (h *StatusHandlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(h.logger))

	router.HandleFunc("/health", h.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/presence", h.Presence).Methods("GET")
	router.HandleFunc("/conversation", h.Conversation).Methods("GET")
	return router
}

func (h *StatusHandlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Authenticated: h.auth.IsAuthenticated(),
		Realtime:      h.conn.State().String(),
	}
	if resp.Authenticated {
		resp.User = h.auth.CurrentUser()
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *StatusHandlers) Presence(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.presence.List())
}

func (h *StatusHandlers) Conversation(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	c := h.conversation
	h.mu.RUnlock()

	if c == nil {
		h.respondWithError(w, http.StatusNotFound, "No open conversation")
		return
	}
	h.respondWithJSON(w, http.StatusOK, ConversationResponse{
		Peer:       c.Peer(),
		PeerTyping: c.PeerTyping(),
		Messages:   c.Messages(),
	})
}

func (h *StatusHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Debug("Failed to write response")
	}
}

func (h *StatusHandlers) respondWithError(w http.ResponseWriter, status int, message string) {
	h.respondWithJSON(w, status, models.ErrorResponse{
		Success: false,
		Message: message,
	})
}
