// Package backend describes the managed platform the chat engine talks to:
// row storage for profiles, messages, groups and group_members, and a change
// feed that pushes row events filtered by a single column equality.
package backend

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound  = errors.New("backend: not found")
	ErrDuplicate = errors.New("backend: duplicate row")
	ErrClosed    = errors.New("backend: closed")
)

type Profile struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	IsAdmin  bool      `json:"is_admin"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// MessageRow is a stored message. Exactly one of RecipientID and GroupID is
// set; the empty string means unset.
type MessageRow struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Kind        string    `json:"message_type"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	GroupID     string    `json:"group_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Membership struct {
	GroupID  string    `json:"group_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Store is the row storage half of the backend. Reads return rows ordered
// the way the chat engine needs them: messages by created_at ascending,
// profiles by username.
type Store interface {
	MessagesBetween(ctx context.Context, senderID, recipientID string) ([]MessageRow, error)
	GroupMessages(ctx context.Context, groupID string) ([]MessageRow, error)
	// InsertMessage stores msg and returns it with the server assigned id
	// and created_at.
	InsertMessage(ctx context.Context, msg MessageRow) (MessageRow, error)

	Profile(ctx context.Context, id string) (Profile, error)
	ProfilesByIDs(ctx context.Context, ids []string) ([]Profile, error)
	ProfilesExcept(ctx context.Context, id string) ([]Profile, error)
	UpdatePresence(ctx context.Context, id string, online bool, at time.Time) error

	GroupMembers(ctx context.Context, groupID string) ([]Membership, error)
	// AddMember fails with ErrDuplicate when the pair already exists.
	AddMember(ctx context.Context, groupID, userID string) error
	// RemoveMember deletes exactly the (groupID, userID) pair, or returns
	// ErrNotFound.
	RemoveMember(ctx context.Context, groupID, userID string) error
	// CreateGroup inserts the group and the creator's membership atomically.
	CreateGroup(ctx context.Context, name, createdBy string) (Group, error)
	GroupsForUser(ctx context.Context, userID string) ([]Group, error)
}

// Handler receives changes for one subscription. Calls are serial.
type Handler func(Change)

// Subscription is a live registration on a Feed. Close is synchronous: once
// it returns no further handler call starts. Close must not be called from
// inside the subscription's own handler.
type Subscription interface {
	Close() error
}

// Feed is the change-event half of the backend. A nil error from Subscribe
// means the transport acknowledged the subscription.
type Feed interface {
	Subscribe(ctx context.Context, topic Topic, h Handler) (Subscription, error)
}

// Publisher pushes a change onto a feed transport.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}
