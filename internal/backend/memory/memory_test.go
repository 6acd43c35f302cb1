package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

// stepClock returns base, base+1s, base+2s, ...
func stepClock(base time.Time) func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := base.Add(time.Duration(n) * time.Second)
		n++
		return t
	}
}

func TestMessagesBetweenIsDirectional(t *testing.T) {
	ctx := context.Background()
	b := New(WithClock(stepClock(time.Unix(100, 0))))
	defer b.Close()

	_, err := b.InsertMessage(ctx, backend.MessageRow{Content: "hi", SenderID: "1", RecipientID: "2"})
	require.NoError(t, err)
	_, err = b.InsertMessage(ctx, backend.MessageRow{Content: "hello", SenderID: "2", RecipientID: "1"})
	require.NoError(t, err)
	_, err = b.InsertMessage(ctx, backend.MessageRow{Content: "other", SenderID: "1", RecipientID: "3"})
	require.NoError(t, err)

	sent, err := b.MessagesBetween(ctx, "1", "2")
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "hi", sent[0].Content)
	assert.Equal(t, time.Unix(100, 0).UTC(), sent[0].CreatedAt)
	assert.NotEmpty(t, sent[0].ID)

	recv, err := b.MessagesBetween(ctx, "2", "1")
	require.NoError(t, err)
	require.Len(t, recv, 1)
	assert.Equal(t, "hello", recv[0].Content)
}

func TestInsertMessageTargets(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	_, err := b.InsertMessage(ctx, backend.MessageRow{Content: "x", SenderID: "1"})
	require.Error(t, err)
	_, err = b.InsertMessage(ctx, backend.MessageRow{Content: "x", SenderID: "1", RecipientID: "2", GroupID: "g"})
	require.Error(t, err)
	_, err = b.InsertMessage(ctx, backend.MessageRow{Content: "x", SenderID: "1", GroupID: "missing"})
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestCreateGroupAddsCreator(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	g, err := b.CreateGroup(ctx, "  ops ", "1")
	require.NoError(t, err)
	assert.Equal(t, "ops", g.Name)

	ms, err := b.GroupMembers(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "1", ms[0].UserID)

	gs, err := b.GroupsForUser(ctx, "1")
	require.NoError(t, err)
	require.Len(t, gs, 1)
	assert.Equal(t, g.ID, gs[0].ID)
}

func TestMembershipIsUniquePerPair(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	g, err := b.CreateGroup(ctx, "ops", "1")
	require.NoError(t, err)
	require.NoError(t, b.AddMember(ctx, g.ID, "2"))
	require.ErrorIs(t, b.AddMember(ctx, g.ID, "2"), backend.ErrDuplicate)
	require.ErrorIs(t, b.AddMember(ctx, "nope", "2"), backend.ErrNotFound)

	require.NoError(t, b.RemoveMember(ctx, g.ID, "2"))
	require.ErrorIs(t, b.RemoveMember(ctx, g.ID, "2"), backend.ErrNotFound)

	ms, err := b.GroupMembers(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	gs, err := b.GroupsForUser(ctx, "2")
	require.NoError(t, err)
	require.Empty(t, gs)
}

func TestProfilesQueries(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()
	b.PutProfile(backend.Profile{ID: "1", Username: "carol"})
	b.PutProfile(backend.Profile{ID: "2", Username: "alice"})
	b.PutProfile(backend.Profile{ID: "3", Username: "bob"})

	others, err := b.ProfilesExcept(ctx, "1")
	require.NoError(t, err)
	require.Len(t, others, 2)
	assert.Equal(t, "alice", others[0].Username)
	assert.Equal(t, "bob", others[1].Username)

	some, err := b.ProfilesByIDs(ctx, []string{"3", "9"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "bob", some[0].Username)

	_, err = b.Profile(ctx, "9")
	require.ErrorIs(t, err, backend.ErrNotFound)

	at := time.Unix(500, 0).UTC()
	require.NoError(t, b.UpdatePresence(ctx, "2", true, at))
	p, err := b.Profile(ctx, "2")
	require.NoError(t, err)
	assert.True(t, p.IsOnline)
	assert.Equal(t, at, p.LastSeen)
}

func TestWritesReachSubscribers(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	got := make(chan backend.Change, 4)
	sub, err := b.Subscribe(ctx, backend.Topic{Table: backend.TableMessages, Event: backend.EventInsert, Filter: backend.Eq("recipient_id", "2")},
		func(c backend.Change) { got <- c })
	require.NoError(t, err)
	require.Equal(t, 1, b.Subscriptions())

	row, err := b.InsertMessage(ctx, backend.MessageRow{Content: "hi", SenderID: "1", RecipientID: "2"})
	require.NoError(t, err)

	select {
	case c := <-got:
		assert.Equal(t, row.ID, c.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
	require.NoError(t, sub.Close())
	require.Equal(t, 0, b.Subscriptions())
}

func TestParseSeed(t *testing.T) {
	p, err := ParseSeed("1:alice:admin")
	require.NoError(t, err)
	assert.Equal(t, backend.Profile{ID: "1", Username: "alice", IsAdmin: true}, p)

	p, err = ParseSeed(" 2:bob ")
	require.NoError(t, err)
	assert.False(t, p.IsAdmin)

	for _, bad := range []string{"", "1", "1:", ":bob", "1:bob:root", "1:b:admin:x"} {
		_, err := ParseSeed(bad)
		assert.Error(t, err, bad)
	}

	b := New()
	defer b.Close()
	require.NoError(t, b.Seed([]string{"1:alice:admin", "2:bob"}))
	ps, err := b.ProfilesExcept(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, ps, 2)
}
