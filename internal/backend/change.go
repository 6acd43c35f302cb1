package backend

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type Table string

const (
	TableProfiles     Table = "profiles"
	TableMessages     Table = "messages"
	TableGroups       Table = "groups"
	TableGroupMembers Table = "group_members"
)

type EventType string

const (
	EventAny    EventType = "*"
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"

	// EventResync carries no row. Feeds emit it after changes may have been
	// lost; subscribers refetch whatever they mirror.
	EventResync EventType = "RESYNC"
)

// Filter is a single column equality. The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

func (f Filter) IsZero() bool { return f.Column == "" }

func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// Topic selects the changes a subscription receives.
type Topic struct {
	Table  Table
	Event  EventType
	Filter Filter
}

func (t Topic) String() string {
	ev := t.Event
	if ev == "" {
		ev = EventAny
	}
	if t.Filter.IsZero() {
		return fmt.Sprintf("%s:%s", t.Table, ev)
	}
	return fmt.Sprintf("%s:%s:%s", t.Table, ev, t.Filter)
}

func (t Topic) Matches(c Change) bool {
	if c.Table != t.Table {
		return false
	}
	if t.Event != "" && t.Event != EventAny && t.Event != c.Type {
		return false
	}
	if t.Filter.IsZero() {
		return true
	}
	v, ok := c.Field(t.Filter.Column)
	return ok && v == t.Filter.Value
}

// Change is one row event. Exactly one of the row pointers is set, matching
// Table.
type Change struct {
	Table      Table
	Type       EventType
	Message    *MessageRow
	Profile    *Profile
	Membership *Membership
	Group      *Group
}

// Field returns the value of a filterable column of the changed row.
func (c Change) Field(column string) (string, bool) {
	switch c.Table {
	case TableMessages:
		if c.Message == nil {
			return "", false
		}
		switch column {
		case "id":
			return c.Message.ID, true
		case "sender_id":
			return c.Message.SenderID, true
		case "recipient_id":
			return c.Message.RecipientID, true
		case "group_id":
			return c.Message.GroupID, true
		}
	case TableProfiles:
		if c.Profile != nil && column == "id" {
			return c.Profile.ID, true
		}
	case TableGroupMembers:
		if c.Membership == nil {
			return "", false
		}
		switch column {
		case "group_id":
			return c.Membership.GroupID, true
		case "user_id":
			return c.Membership.UserID, true
		}
	case TableGroups:
		if c.Group == nil {
			return "", false
		}
		switch column {
		case "id":
			return c.Group.ID, true
		case "created_by":
			return c.Group.CreatedBy, true
		}
	}
	return "", false
}

// envelope is the wire shape shared by the Postgres trigger payload and the
// Redis feed.
type envelope struct {
	Table  Table           `json:"table"`
	Type   EventType       `json:"type"`
	Record json.RawMessage `json:"record"`
}

func (c Change) MarshalJSON() ([]byte, error) {
	var rec any
	switch c.Table {
	case TableMessages:
		rec = c.Message
	case TableProfiles:
		rec = c.Profile
	case TableGroupMembers:
		rec = c.Membership
	case TableGroups:
		rec = c.Group
	default:
		return nil, errors.Errorf("backend: unknown table %q", c.Table)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Table: c.Table, Type: c.Type, Record: raw})
}

func (c *Change) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return errors.Wrap(err, "decode change envelope")
	}
	*c = Change{Table: env.Table, Type: env.Type}
	var target any
	switch env.Table {
	case TableMessages:
		c.Message = &MessageRow{}
		target = c.Message
	case TableProfiles:
		c.Profile = &Profile{}
		target = c.Profile
	case TableGroupMembers:
		c.Membership = &Membership{}
		target = c.Membership
	case TableGroups:
		c.Group = &Group{}
		target = c.Group
	default:
		return errors.Errorf("backend: unknown table %q", env.Table)
	}
	if err := json.Unmarshal(env.Record, target); err != nil {
		return errors.Wrapf(err, "decode %s record", env.Table)
	}
	return nil
}
