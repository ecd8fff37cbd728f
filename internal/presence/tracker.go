package presence

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/launchpad/launchpad/internal/metrics"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/launchpad/launchpad/internal/realtime"
	"github.com/sirupsen/logrus"
)

// Subscriber is the part of the realtime manager the tracker listens on.
type Subscriber interface {
	Subscribe(event string, fn realtime.Handler) func()
}

// Tracker holds the set of peers currently online, keyed by user id.
type Tracker struct {
	mu     sync.RWMutex
	users  map[string]models.OnlineUser
	logger *logrus.Logger
}

func NewTracker(logger *logrus.Logger) *Tracker {
	return &Tracker{
		users:  make(map[string]models.OnlineUser),
		logger: logger,
	}
}

// Attach wires the tracker to the snapshot, join, leave and reset events of
// src. The returned func detaches it.
func (t *Tracker) Attach(src Subscriber) func() {
	disposers := []func(){
		src.Subscribe(models.EventOnlineUsers, func(data json.RawMessage) {
			var users []models.OnlineUser
			if err := json.Unmarshal(data, &users); err != nil {
				t.logger.WithError(err).Warn("Invalid online_users payload")
				return
			}
			t.Replace(users)
		}),
		src.Subscribe(models.EventUserOnline, func(data json.RawMessage) {
			var u models.OnlineUser
			if err := json.Unmarshal(data, &u); err != nil || u.UserID == "" {
				t.logger.WithField("payload", string(data)).Warn("Invalid user_online payload")
				return
			}
			t.Join(u)
		}),
		src.Subscribe(models.EventUserOffline, func(data json.RawMessage) {
			var ev models.UserOfflineEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				t.logger.WithError(err).Warn("Invalid user_offline payload")
				return
			}
			t.Leave(ev.UserID)
		}),
		src.Subscribe(realtime.EventPresenceReset, func(json.RawMessage) {
			t.Clear()
		}),
	}
	return func() {
		for _, d := range disposers {
			d()
		}
	}
}

// Replace swaps the whole set for a server snapshot.
func (t *Tracker) Replace(users []models.OnlineUser) {
	t.mu.Lock()
	t.users = make(map[string]models.OnlineUser, len(users))
	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		t.users[u.UserID] = u
	}
	n := len(t.users)
	t.mu.Unlock()

	metrics.OnlineUsers.Set(float64(n))
	t.logger.WithField("count", n).Debug("Presence snapshot applied")
}

// Join adds u unless a user with the same id is already present.
func (t *Tracker) Join(u models.OnlineUser) {
	t.mu.Lock()
	if _, ok := t.users[u.UserID]; ok {
		t.mu.Unlock()
		return
	}
	t.users[u.UserID] = u
	n := len(t.users)
	t.mu.Unlock()

	metrics.OnlineUsers.Set(float64(n))
}

func (t *Tracker) Leave(userID string) {
	t.mu.Lock()
	if _, ok := t.users[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.users, userID)
	n := len(t.users)
	t.mu.Unlock()

	metrics.OnlineUsers.Set(float64(n))
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.users = make(map[string]models.OnlineUser)
	t.mu.Unlock()

	metrics.OnlineUsers.Set(0)
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.users[userID]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

// List returns the online users ordered by name, then id.
func (t *Tracker) List() []models.OnlineUser {
	t.mu.RLock()
	out := make([]models.OnlineUser, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, u)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserName != out[j].UserName {
			return out[i].UserName < out[j].UserName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
