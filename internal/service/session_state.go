package service

import "sync/atomic"

type RefreshState int32

const (
	RefreshIdle RefreshState = iota
	RefreshRefreshing
)

func (s RefreshState) String() string {
	if s == RefreshRefreshing {
		return "refreshing"
	}
	return "idle"
}

// SessionState is the process-wide session shared by the refresh service and
// the request gateway: the token store plus the refresh in-flight flag.
// Construct one per session and inject it; nothing reads it from globals.
type SessionState struct {
	Tokens  *TokenStore
	refresh atomic.Int32
}

func NewSessionState(tokens *TokenStore) *SessionState {
	return &SessionState{Tokens: tokens}
}

func (s *SessionState) RefreshState() RefreshState {
	return RefreshState(s.refresh.Load())
}

func (s *SessionState) setRefreshState(state RefreshState) {
	s.refresh.Store(int32(state))
}
