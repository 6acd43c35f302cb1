package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

// Candidate is a user that may be invited into a group.
type Candidate struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Membership reads and changes group membership. Privileged operations
// check the caller's flag before touching the store; the backend stays the
// real enforcement boundary.
type Membership struct {
	store backend.Store
	feed  backend.Feed
	log   *zap.Logger
}

func NewMembership(store backend.Store, feed backend.Feed, log *zap.Logger) *Membership {
	return &Membership{store: store, feed: feed, log: log}
}

// ResolvePrivilege reads the admin flag of self. Any failure resolves to
// non-privileged.
func ResolvePrivilege(ctx context.Context, store backend.Store, self string, log *zap.Logger) bool {
	p, err := store.Profile(ctx, self)
	if err != nil {
		log.Warn("resolve privilege", zap.String("user", self), zap.Error(mark(ErrFetch, err, "profile")))
		return false
	}
	return p.IsAdmin
}

func (m *Membership) Members(ctx context.Context, groupID string) ([]string, error) {
	rows, err := m.store.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, mark(ErrFetch, err, "group members")
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	return ids, nil
}

// Eligible lists every known user that is neither self nor already a
// member. A group with no membership rows is open to everyone but self. A
// failed member read is treated the same way.
func (m *Membership) Eligible(ctx context.Context, groupID, self string, privileged bool) ([]Candidate, error) {
	if !privileged {
		return nil, ErrNotPrivileged
	}
	roster, err := m.store.ProfilesExcept(ctx, self)
	if err != nil {
		return nil, mark(ErrFetch, err, "roster")
	}
	members, err := m.Members(ctx, groupID)
	if err != nil {
		m.log.Warn("eligible: member read failed, treating group as empty",
			zap.String("group", groupID), zap.Error(err))
		members = nil
	}
	in := make(map[string]struct{}, len(members))
	for _, id := range members {
		in[id] = struct{}{}
	}
	out := make([]Candidate, 0, len(roster))
	for _, p := range roster {
		if p.ID == self {
			continue
		}
		if _, member := in[p.ID]; member {
			continue
		}
		out = append(out, Candidate{ID: p.ID, Username: p.Username})
	}
	return out, nil
}

// Add inserts a membership row. A pair that already exists fails with
// backend.ErrDuplicate inside an ErrWrite.
func (m *Membership) Add(ctx context.Context, groupID, userID string, privileged bool) error {
	if !privileged {
		return ErrNotPrivileged
	}
	if err := m.store.AddMember(ctx, groupID, userID); err != nil {
		m.log.Error("add member", zap.String("group", groupID), zap.String("user", userID), zap.Error(err))
		return mark(ErrWrite, err, "add member")
	}
	return nil
}

// Leave removes exactly the (groupID, self) pair.
func (m *Membership) Leave(ctx context.Context, groupID, self string) error {
	if err := m.store.RemoveMember(ctx, groupID, self); err != nil {
		m.log.Error("leave group", zap.String("group", groupID), zap.Error(err))
		return mark(ErrWrite, err, "leave group")
	}
	return nil
}

func (m *Membership) CreateGroup(ctx context.Context, name, self string, privileged bool) (backend.Group, error) {
	if !privileged {
		return backend.Group{}, ErrNotPrivileged
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return backend.Group{}, ErrBlankName
	}
	g, err := m.store.CreateGroup(ctx, name, self)
	if err != nil {
		m.log.Error("create group", zap.String("name", name), zap.Error(err))
		return backend.Group{}, mark(ErrWrite, err, "create group")
	}
	m.log.Info("group created", zap.String("group", g.ID), zap.String("name", g.Name))
	return g, nil
}

func (m *Membership) Groups(ctx context.Context, self string) ([]backend.Group, error) {
	gs, err := m.store.GroupsForUser(ctx, self)
	if err != nil {
		return nil, mark(ErrFetch, err, "groups for user")
	}
	return gs, nil
}

// WatchGroups calls onChange for every membership change of self.
func (m *Membership) WatchGroups(ctx context.Context, self string, onChange func()) (backend.Subscription, error) {
	topic := backend.Topic{
		Table:  backend.TableGroupMembers,
		Event:  backend.EventAny,
		Filter: backend.Eq("user_id", self),
	}
	sub, err := m.feed.Subscribe(ctx, topic, func(backend.Change) { onChange() })
	if err != nil {
		return nil, mark(ErrFetch, err, "watch groups")
	}
	return sub, nil
}
