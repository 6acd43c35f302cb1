package postgres

import (
	"time"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

type profileModel struct {
	ID       string `gorm:"type:uuid;primaryKey"`
	Username string `gorm:"not null;index"`
	Email    string
	IsAdmin  bool `gorm:"not null;default:false"`
	IsOnline bool `gorm:"not null;default:false"`
	LastSeen *time.Time
}

func (profileModel) TableName() string { return string(backend.TableProfiles) }

type messageModel struct {
	ID          string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Content     string    `gorm:"not null"`
	MessageType string    `gorm:"not null;default:text"`
	SenderID    string    `gorm:"type:uuid;not null;index"`
	RecipientID *string   `gorm:"type:uuid;index"`
	GroupID     *string   `gorm:"type:uuid;index"`
	CreatedAt   time.Time `gorm:"type:timestamptz;not null;default:now();index;autoCreateTime:false"`
}

func (messageModel) TableName() string { return string(backend.TableMessages) }

type groupModel struct {
	ID        string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Name      string    `gorm:"not null"`
	CreatedBy string    `gorm:"type:uuid;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime:false"`
}

func (groupModel) TableName() string { return string(backend.TableGroups) }

type memberModel struct {
	GroupID  string    `gorm:"type:uuid;primaryKey"`
	UserID   string    `gorm:"type:uuid;primaryKey;index"`
	JoinedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

func (memberModel) TableName() string { return string(backend.TableGroupMembers) }

func toProfile(m profileModel) backend.Profile {
	p := backend.Profile{
		ID:       m.ID,
		Username: m.Username,
		Email:    m.Email,
		IsAdmin:  m.IsAdmin,
		IsOnline: m.IsOnline,
	}
	if m.LastSeen != nil {
		p.LastSeen = *m.LastSeen
	}
	return p
}

func toMessage(m messageModel) backend.MessageRow {
	r := backend.MessageRow{
		ID:        m.ID,
		Content:   m.Content,
		Kind:      m.MessageType,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
	if m.RecipientID != nil {
		r.RecipientID = *m.RecipientID
	}
	if m.GroupID != nil {
		r.GroupID = *m.GroupID
	}
	return r
}

func fromMessage(r backend.MessageRow) messageModel {
	m := messageModel{
		Content:     r.Content,
		MessageType: r.Kind,
		SenderID:    r.SenderID,
	}
	if r.RecipientID != "" {
		id := r.RecipientID
		m.RecipientID = &id
	}
	if r.GroupID != "" {
		id := r.GroupID
		m.GroupID = &id
	}
	return m
}

func toGroup(m groupModel) backend.Group {
	return backend.Group{ID: m.ID, Name: m.Name, CreatedBy: m.CreatedBy, CreatedAt: m.CreatedAt}
}

func toMembership(m memberModel) backend.Membership {
	return backend.Membership{GroupID: m.GroupID, UserID: m.UserID, JoinedAt: m.JoinedAt}
}
