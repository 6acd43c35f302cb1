// Package memory is an in-process backend: row storage in maps guarded by a
// single RWMutex and a change feed backed by backend.Hub.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

type Option func(*Backend)

// WithClock overrides the server clock used for created_at and joined_at.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(b *Backend) { b.log = log }
}

// WithBuffer sets the per-subscription backlog reported as falling behind.
func WithBuffer(n int) Option {
	return func(b *Backend) { b.buffer = n }
}

type Backend struct {
	mu sync.RWMutex

	profiles map[string]backend.Profile
	messages []backend.MessageRow
	groups   map[string]backend.Group

	// groupUsers and userGroups index the same membership relation from
	// both sides.
	groupUsers map[string]map[string]backend.Membership
	userGroups map[string]map[string]bool

	hub    *backend.Hub
	now    func() time.Time
	buffer int
	log    *zap.Logger
}

var (
	_ backend.Store = (*Backend)(nil)
	_ backend.Feed  = (*Backend)(nil)
)

func New(opts ...Option) *Backend {
	b := &Backend{
		profiles:   map[string]backend.Profile{},
		groups:     map[string]backend.Group{},
		groupUsers: map[string]map[string]backend.Membership{},
		userGroups: map[string]map[string]bool{},
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	b.hub = backend.NewHub(b.buffer, b.log.Named("hub"))
	return b
}

// PutProfile inserts or replaces a profile row, the way the auth provider
// provisions one on sign-up.
func (b *Backend) PutProfile(p backend.Profile) {
	b.mu.Lock()
	b.profiles[p.ID] = p
	b.mu.Unlock()
	b.hub.Dispatch(backend.Change{Table: backend.TableProfiles, Type: backend.EventInsert, Profile: &p})
}

func (b *Backend) Subscribe(ctx context.Context, topic backend.Topic, h backend.Handler) (backend.Subscription, error) {
	return b.hub.Subscribe(ctx, topic, h)
}

// Subscriptions reports how many feed subscriptions are open.
func (b *Backend) Subscriptions() int { return b.hub.Len() }

func (b *Backend) Close() { b.hub.Close() }

// Resync signals every subscriber to refetch, as a networked feed does after
// reconnecting.
func (b *Backend) Resync() { b.hub.Resync() }

func (b *Backend) MessagesBetween(ctx context.Context, senderID, recipientID string) ([]backend.MessageRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []backend.MessageRow
	for _, m := range b.messages {
		if m.SenderID == senderID && m.RecipientID == recipientID {
			out = append(out, m)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (b *Backend) GroupMessages(ctx context.Context, groupID string) ([]backend.MessageRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []backend.MessageRow
	for _, m := range b.messages {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (b *Backend) InsertMessage(ctx context.Context, msg backend.MessageRow) (backend.MessageRow, error) {
	if err := ctx.Err(); err != nil {
		return backend.MessageRow{}, err
	}
	if (msg.GroupID == "") == (msg.RecipientID == "") {
		return backend.MessageRow{}, errors.New("memory: message needs exactly one of group_id, recipient_id")
	}
	b.mu.Lock()
	if msg.GroupID != "" {
		if _, ok := b.groups[msg.GroupID]; !ok {
			b.mu.Unlock()
			return backend.MessageRow{}, errors.Wrapf(backend.ErrNotFound, "group %s", msg.GroupID)
		}
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = b.now().UTC()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()

	row := msg
	b.hub.Dispatch(backend.Change{Table: backend.TableMessages, Type: backend.EventInsert, Message: &row})
	return msg, nil
}

func (b *Backend) Profile(ctx context.Context, id string) (backend.Profile, error) {
	if err := ctx.Err(); err != nil {
		return backend.Profile{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.profiles[id]
	if !ok {
		return backend.Profile{}, errors.Wrapf(backend.ErrNotFound, "profile %s", id)
	}
	return p, nil
}

func (b *Backend) ProfilesByIDs(ctx context.Context, ids []string) ([]backend.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]backend.Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := b.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *Backend) ProfilesExcept(ctx context.Context, id string) ([]backend.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]backend.Profile, 0, len(b.profiles))
	for pid, p := range b.profiles {
		if pid == id {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (b *Backend) UpdatePresence(ctx context.Context, id string, online bool, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	p, ok := b.profiles[id]
	if !ok {
		b.mu.Unlock()
		return errors.Wrapf(backend.ErrNotFound, "profile %s", id)
	}
	p.IsOnline = online
	p.LastSeen = at
	b.profiles[id] = p
	b.mu.Unlock()

	b.hub.Dispatch(backend.Change{Table: backend.TableProfiles, Type: backend.EventUpdate, Profile: &p})
	return nil
}

func (b *Backend) GroupMembers(ctx context.Context, groupID string) ([]backend.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	users := b.groupUsers[groupID]
	out := make([]backend.Membership, 0, len(users))
	for _, m := range users {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (b *Backend) AddMember(ctx context.Context, groupID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.groups[groupID]; !ok {
		b.mu.Unlock()
		return errors.Wrapf(backend.ErrNotFound, "group %s", groupID)
	}
	if _, ok := b.groupUsers[groupID][userID]; ok {
		b.mu.Unlock()
		return errors.Wrapf(backend.ErrDuplicate, "member %s of group %s", userID, groupID)
	}
	m := b.addMemberLocked(groupID, userID)
	b.mu.Unlock()

	b.hub.Dispatch(backend.Change{Table: backend.TableGroupMembers, Type: backend.EventInsert, Membership: &m})
	return nil
}

func (b *Backend) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	m, ok := b.groupUsers[groupID][userID]
	if !ok {
		b.mu.Unlock()
		return errors.Wrapf(backend.ErrNotFound, "member %s of group %s", userID, groupID)
	}
	delete(b.groupUsers[groupID], userID)
	if s, ok := b.userGroups[userID]; ok {
		delete(s, groupID)
		if len(s) == 0 {
			delete(b.userGroups, userID)
		}
	}
	b.mu.Unlock()

	b.hub.Dispatch(backend.Change{Table: backend.TableGroupMembers, Type: backend.EventDelete, Membership: &m})
	return nil
}

func (b *Backend) CreateGroup(ctx context.Context, name, createdBy string) (backend.Group, error) {
	if err := ctx.Err(); err != nil {
		return backend.Group{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return backend.Group{}, errors.New("memory: group name is empty")
	}
	b.mu.Lock()
	g := backend.Group{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: b.now().UTC(),
	}
	b.groups[g.ID] = g
	m := b.addMemberLocked(g.ID, createdBy)
	b.mu.Unlock()

	b.hub.Dispatch(backend.Change{Table: backend.TableGroups, Type: backend.EventInsert, Group: &g})
	b.hub.Dispatch(backend.Change{Table: backend.TableGroupMembers, Type: backend.EventInsert, Membership: &m})
	return g, nil
}

// PutGroup stores a group without any membership rows.
func (b *Backend) PutGroup(g backend.Group) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[g.ID] = g
}

func (b *Backend) GroupsForUser(ctx context.Context, userID string) ([]backend.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]backend.Group, 0, len(b.userGroups[userID]))
	for gid := range b.userGroups[userID] {
		if g, ok := b.groups[gid]; ok {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) addMemberLocked(groupID, userID string) backend.Membership {
	m := backend.Membership{GroupID: groupID, UserID: userID, JoinedAt: b.now().UTC()}
	if _, ok := b.groupUsers[groupID]; !ok {
		b.groupUsers[groupID] = map[string]backend.Membership{}
	}
	b.groupUsers[groupID][userID] = m
	if _, ok := b.userGroups[userID]; !ok {
		b.userGroups[userID] = map[string]bool{}
	}
	b.userGroups[userID][groupID] = true
	return m
}

func sortByCreated(rows []backend.MessageRow) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
}
