package chat

import (
	"sort"
	"time"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

type Kind string

const (
	KindText  Kind = "text"
	KindEmoji Kind = "emoji"
	KindVoice Kind = "voice"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindEmoji, KindVoice:
		return true
	}
	return false
}

const (
	// UnknownSender is shown for a sender id that resolves to no profile.
	UnknownSender = "Unknown"
	// VoicePlaceholder is the fixed payload of a voice message.
	VoicePlaceholder = "🎤 Voice message"
)

// Message is one chat message as the UI renders it. SenderName is resolved
// on load and never stored.
type Message struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Kind        Kind      `json:"message_type"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_username"`
	CreatedAt   time.Time `json:"created_at"`
	GroupID     string    `json:"group_id,omitempty"`
	RecipientID string    `json:"recipient_id,omitempty"`
}

func messageFromRow(r backend.MessageRow) Message {
	k := Kind(r.Kind)
	if !k.Valid() {
		k = KindText
	}
	return Message{
		ID:          r.ID,
		Content:     r.Content,
		Kind:        k,
		SenderID:    r.SenderID,
		CreatedAt:   r.CreatedAt,
		GroupID:     r.GroupID,
		RecipientID: r.RecipientID,
	}
}

// SortMessages orders by CreatedAt ascending. Equal timestamps fall back to
// ID ascending so the order never depends on which query returned a row
// first.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
