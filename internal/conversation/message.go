package conversation

import "github.com/launchpad/launchpad/internal/models"

type MessageStatus int

const (
	// Pending is a local echo the server has not confirmed yet. Its ID is
	// the tempId.
	Pending MessageStatus = iota
	Confirmed
)

func (s MessageStatus) String() string {
	if s == Confirmed {
		return "confirmed"
	}
	return "pending"
}

// Message is one entry of a conversation.
type Message struct {
	models.ChatMessage
	Status MessageStatus `json:"status"`
}

type mergeResult string

const (
	mergeAppended  mergeResult = "appended"
	mergeConfirmed mergeResult = "confirmed"
	mergeDuplicate mergeResult = "duplicate"
)

// merge reconciles a server-delivered message with the entries already shown.
// A copy echoing the tempId of a pending entry confirms it in place and the
// entry takes the server id. A copy whose id or tempId is already known is
// dropped. Anything else is appended.
func merge(entries []Message, in models.ChatMessage) ([]Message, mergeResult) {
	if in.TempID != "" {
		for i := range entries {
			e := &entries[i]
			if e.Status == Pending && e.TempID == in.TempID {
				if in.ID != "" {
					e.ID = in.ID
				}
				if !in.CreatedAt.IsZero() {
					e.CreatedAt = in.CreatedAt
				}
				e.Status = Confirmed
				return entries, mergeConfirmed
			}
		}
	}

	for _, e := range entries {
		if in.ID != "" && e.ID == in.ID {
			return entries, mergeDuplicate
		}
		if in.TempID != "" && e.TempID == in.TempID {
			return entries, mergeDuplicate
		}
	}

	return append(entries, Message{ChatMessage: in, Status: Confirmed}), mergeAppended
}
