package models

import (
	"encoding/json"
	"time"
)

// Realtime event names, shared by the client and the dev server.
const (
	EventOnlineUsers       = "online_users"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventReceiveMessage    = "receive_message"
	EventUserTypingStart   = "user_typing_start"
	EventUserTypingStop    = "user_typing_stop"
	EventPostCreated       = "post_created"
	EventCommentCreated    = "comment_created"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
)

// Envelope is a single realtime frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ChatUser struct {
	ID      string `json:"_id"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email"`
	Picture string `json:"picture,omitempty"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	TempID    string    `json:"tempId,omitempty"`
	Sender    ChatUser  `json:"senderId"`
	Recipient ChatUser  `json:"recipientId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	IsRead    bool      `json:"isRead,omitempty"`
}

type SendMessagePayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	TempID      string `json:"tempId,omitempty"`
}

type TypingPayload struct {
	RecipientID string `json:"recipientId"`
}

type TypingEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type UserOfflineEvent struct {
	UserID string `json:"userId"`
}

// Notification is a passthrough event (post_created, comment_created) handed
// to whoever displays notifications.
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
