package chat

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type ConversationKind uint8

const (
	Direct ConversationKind = iota + 1
	Group
)

func (k ConversationKind) String() string {
	switch k {
	case Direct:
		return "dm"
	case Group:
		return "group"
	}
	return ""
}

func (k ConversationKind) MarshalText() ([]byte, error) {
	if k == 0 {
		return []byte(""), nil
	}
	return []byte(k.String()), nil
}

func (k *ConversationKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "dm", "direct":
		*k = Direct
	case "group":
		*k = Group
	case "":
		*k = 0
	default:
		return errors.Errorf("unknown conversation kind %q", b)
	}
	return nil
}

// Conversation identifies a direct conversation by the peer's user id or a
// group conversation by the group id. Name is only a display label and
// takes no part in identity.
type Conversation struct {
	Kind ConversationKind `json:"type"`
	ID   string           `json:"id"`
	Name string           `json:"name,omitempty"`
}

func DirectWith(peerID string) Conversation { return Conversation{Kind: Direct, ID: peerID} }
func GroupOf(groupID string) Conversation   { return Conversation{Kind: Group, ID: groupID} }

func (c Conversation) IsZero() bool { return c.Kind == 0 || c.ID == "" }

// Key is the identity of the conversation, e.g. "dm:42" or "group:7".
func (c Conversation) Key() string {
	if c.IsZero() {
		return ""
	}
	return c.Kind.String() + ":" + c.ID
}

func (c Conversation) Same(o Conversation) bool { return c.Key() == o.Key() }

func (c Conversation) String() string { return c.Key() }

// Contains reports whether m belongs to the conversation as seen by self.
func (c Conversation) Contains(m Message, self string) bool {
	switch c.Kind {
	case Direct:
		if m.GroupID != "" {
			return false
		}
		return (m.SenderID == self && m.RecipientID == c.ID) ||
			(m.SenderID == c.ID && m.RecipientID == self)
	case Group:
		return m.GroupID == c.ID
	}
	return false
}

func (c Conversation) MarshalJSON() ([]byte, error) {
	type alias Conversation
	if c.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(alias(c))
}
