package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
	"github.com/pelusa-v/pelusa-sync/internal/backend/memory"
)

const wait = 2 * time.Second

func newSession(t *testing.T, self string, store backend.Store, feed backend.Feed, opts Options) *Session {
	t.Helper()
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 20 * time.Millisecond
	}
	s, err := NewSession(context.Background(), self, store, feed, nop(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func waitActive(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status().Live == SubActive.String() }, wait, 5*time.Millisecond)
}

func TestSessionStartResolvesPrivilegeAndPresence(t *testing.T) {
	b := newBackend(t)
	admin := newSession(t, "1", b, b, Options{})
	user := newSession(t, "2", b, b, Options{})
	assert.True(t, admin.IsAdmin())
	assert.False(t, user.IsAdmin())

	p, err := b.Profile(context.Background(), "2")
	require.NoError(t, err)
	assert.True(t, p.IsOnline)

	require.NoError(t, user.Close(context.Background()))
	p, err = b.Profile(context.Background(), "2")
	require.NoError(t, err)
	assert.False(t, p.IsOnline)
	require.ErrorIs(t, user.Select(DirectWith("1")), ErrSessionClosed)
}

func TestSessionEmptyUser(t *testing.T) {
	_, err := NewSession(context.Background(), "", newBackend(t), nil, nil, Options{})
	require.Error(t, err)
}

func TestSessionLoadsHistoryOnSelect(t *testing.T) {
	b := newBackend(t)
	send(t, b, "1", "2", "hi")
	send(t, b, "2", "1", "hello")

	s := newSession(t, "2", b, b, Options{})
	require.NoError(t, s.Select(DirectWith("1")))
	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, wait, 5*time.Millisecond)
	assert.Equal(t, []string{"hi", "hello"}, contents(s.Messages()))
}

func TestSessionSentMessageArrivesThroughLiveUpdates(t *testing.T) {
	b := newBackend(t)
	alice := newSession(t, "1", b, b, Options{})
	bob := newSession(t, "2", b, b, Options{})
	require.NoError(t, alice.Select(DirectWith("2")))
	require.NoError(t, bob.Select(DirectWith("1")))
	waitActive(t, alice)
	waitActive(t, bob)

	alice.SetCompose("hi bob")
	require.NoError(t, alice.Send(context.Background()))
	assert.Empty(t, alice.Compose())

	for _, s := range []*Session{alice, bob} {
		s := s
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"hi bob"}, contents(s.Messages()))
		}, wait, 5*time.Millisecond)
	}
	assert.Equal(t, "alice", bob.Messages()[0].SenderName)

	// Still exactly once.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, bob.Messages(), 1)
}

func TestSessionFailedSendKeepsCompose(t *testing.T) {
	b := newBackend(t)
	f := newFaulty(b)
	f.insert = errBoom
	s := newSession(t, "1", f, b, Options{})
	require.NoError(t, s.Select(DirectWith("2")))
	waitActive(t, s)

	s.SetCompose("retry me")
	err := s.Send(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrWrite))
	assert.Equal(t, "retry me", s.Compose())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Messages())

	f.set(func(f *faultyStore) { f.insert = nil })
	require.NoError(t, s.Send(context.Background()))
	assert.Empty(t, s.Compose())
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, wait, 5*time.Millisecond)
}

func TestSessionBlankSendIsNoop(t *testing.T) {
	b := newBackend(t)
	f := newFaulty(b)
	// Any insert attempt would fail.
	f.insert = errBoom
	s := newSession(t, "1", f, b, Options{})
	require.NoError(t, s.Select(DirectWith("2")))

	s.SetCompose("   ")
	require.NoError(t, s.Send(context.Background()))
	require.NoError(t, s.SendEmoji(context.Background(), ""))
	assert.Equal(t, "   ", s.Compose())
}

func TestSessionSendWithoutConversation(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, "1", b, b, Options{})
	s.SetCompose("hello?")
	require.ErrorIs(t, s.Send(context.Background()), ErrNoConversation)
	assert.Equal(t, "hello?", s.Compose())
}

func TestSessionSwitchDoesNotLeak(t *testing.T) {
	b := newBackend(t)
	send(t, b, "2", "1", "from bob")
	send(t, b, "3", "1", "from carol")

	f := newFaulty(b)
	gate := make(chan struct{})
	f.gateBetween[[2]string{"2", "1"}] = gate

	s := newSession(t, "1", f, b, Options{})
	require.NoError(t, s.Select(DirectWith("2")))
	require.NoError(t, s.Select(DirectWith("3")))
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, wait, 5*time.Millisecond)
	waitActive(t, s)

	// The superseded bob history resolves late and a new bob message
	// arrives; neither may show up.
	close(gate)
	send(t, b, "2", "1", "bob again")
	send(t, b, "3", "1", "carol again")

	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, wait, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"from carol", "carol again"}, contents(s.Messages()))
	assert.True(t, s.Conversation().Same(DirectWith("3")))
	// Two for the conversation plus the roster and group watches.
	require.Eventually(t, func() bool { return b.Subscriptions() == 4 }, wait, 5*time.Millisecond)
}

func TestSessionClearSelection(t *testing.T) {
	b := newBackend(t)
	send(t, b, "2", "1", "hello")
	s := newSession(t, "1", b, b, Options{})
	require.NoError(t, s.Select(DirectWith("2")))
	waitActive(t, s)
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, wait, 5*time.Millisecond)

	s.ClearSelection()
	assert.True(t, s.Conversation().IsZero())
	assert.Empty(t, s.Messages())
	assert.Equal(t, 2, b.Subscriptions())
	assert.Equal(t, SubIdle.String(), s.Status().Live)
	require.ErrorIs(t, s.Select(Conversation{}), ErrNoConversation)
}

func TestSessionLeaveActiveGroupClearsSelection(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	g, err := b.CreateGroup(ctx, "ops", "1")
	require.NoError(t, err)
	require.NoError(t, b.AddMember(ctx, g.ID, "2"))
	sendGroup(t, b, "1", g.ID, "welcome")

	bob := newSession(t, "2", b, b, Options{})
	require.NoError(t, bob.Select(GroupOf(g.ID)))
	require.Eventually(t, func() bool { return len(bob.Messages()) == 1 }, wait, 5*time.Millisecond)

	require.NoError(t, bob.LeaveGroup(ctx, g.ID))
	assert.True(t, bob.Conversation().IsZero())
	assert.Empty(t, bob.Messages())

	members, err := b.GroupMembers(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "1", members[0].UserID)
}

func TestSessionLeaveOtherGroupKeepsSelection(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	g, err := b.CreateGroup(ctx, "ops", "1")
	require.NoError(t, err)
	require.NoError(t, b.AddMember(ctx, g.ID, "2"))

	bob := newSession(t, "2", b, b, Options{})
	require.NoError(t, bob.Select(DirectWith("1")))
	require.NoError(t, bob.LeaveGroup(ctx, g.ID))
	assert.True(t, bob.Conversation().Same(DirectWith("1")))
}

func TestSessionVoice(t *testing.T) {
	b := newBackend(t)
	off := newSession(t, "1", b, b, Options{})
	require.NoError(t, off.Select(DirectWith("2")))
	require.ErrorIs(t, off.ToggleVoice(context.Background()), ErrUnsupportedCapability)
	assert.False(t, off.Recording())

	on := newSession(t, "2", b, b, Options{VoiceCapture: true})
	require.NoError(t, on.Select(DirectWith("1")))
	waitActive(t, on)
	require.NoError(t, on.ToggleVoice(context.Background()))
	assert.True(t, on.Recording())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, on.Messages())

	require.NoError(t, on.ToggleVoice(context.Background()))
	assert.False(t, on.Recording())
	require.Eventually(t, func() bool { return len(on.Messages()) == 1 }, wait, 5*time.Millisecond)
	m := on.Messages()[0]
	assert.Equal(t, KindVoice, m.Kind)
	assert.Equal(t, VoicePlaceholder, m.Content)
}

func TestSessionEmoji(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, "1", b, b, Options{})
	require.NoError(t, s.Select(DirectWith("2")))
	waitActive(t, s)
	require.NoError(t, s.SendEmoji(context.Background(), "🎉"))
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, KindEmoji, s.Messages()[0].Kind)
}

func TestSessionPrivilegedOperations(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	admin := newSession(t, "1", b, b, Options{})
	user := newSession(t, "2", b, b, Options{})

	_, err := user.CreateGroup(ctx, "nope")
	require.ErrorIs(t, err, ErrNotPrivileged)

	g, err := admin.CreateGroup(ctx, "ops")
	require.NoError(t, err)
	require.ErrorIs(t, user.AddMember(ctx, g.ID, "3"), ErrNotPrivileged)
	_, err = user.Eligible(ctx, g.ID)
	require.ErrorIs(t, err, ErrNotPrivileged)

	list, err := admin.Eligible(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, ids(list))
	require.NoError(t, admin.AddMember(ctx, g.ID, "2"))
	members, err := admin.Members(ctx, g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, members)

	// bob's group list follows the membership change.
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-user.Events():
				if ev.Type == EventGroups && len(ev.Groups) == 1 {
					return true
				}
			default:
				return false
			}
		}
	}, wait, 5*time.Millisecond)
}

func TestSessionSubscribeExhaustionIsPersistent(t *testing.T) {
	b := newBackend(t)
	feed := &flakyFeed{Feed: b, failures: 1000}
	s := newSession(t, "1", b, feed, Options{Retries: 1, BackoffMax: 5 * time.Millisecond})
	require.NoError(t, s.Select(DirectWith("2")))

	require.Eventually(t, func() bool { return s.Status().Live == SubFailed.String() }, wait, 5*time.Millisecond)
	st := s.Status()
	assert.NotEmpty(t, st.LiveError)
	assert.True(t, st.Conversation.Same(DirectWith("2")))
}

func TestSessionRosterEvents(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, "1", b, b, Options{})
	require.Len(t, s.Roster(), 2)

	b.PutProfile(backend.Profile{ID: "4", Username: "dave"})
	require.Eventually(t, func() bool { return len(s.Roster()) == 3 }, wait, 5*time.Millisecond)
}

func TestSessionKeepsEveryMessageOfABurst(t *testing.T) {
	b := newBackend(t, memory.WithBuffer(8))
	store := &slowProfiles{Store: b, delay: 5 * time.Millisecond}
	s := newSession(t, "1", store, b, Options{})
	require.NoError(t, s.Select(DirectWith("2")))
	waitActive(t, s)

	for i := 0; i < 100; i++ {
		send(t, b, "2", "1", fmt.Sprintf("burst %03d", i))
	}
	require.Eventually(t, func() bool { return len(s.Messages()) == 100 }, 5*time.Second, 10*time.Millisecond)
	msgs := s.Messages()
	assert.Equal(t, "burst 000", msgs[0].Content)
	assert.Equal(t, "burst 099", msgs[99].Content)
}

func TestSessionReloadsHistoryAfterResync(t *testing.T) {
	b := newBackend(t)
	feed := &lossyFeed{Feed: b}
	s := newSession(t, "1", b, feed, Options{})
	require.NoError(t, s.Select(DirectWith("2")))
	waitActive(t, s)

	send(t, b, "2", "1", "seen")
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, wait, 5*time.Millisecond)

	feed.setDropping(true)
	send(t, b, "2", "1", "lost one")
	send(t, b, "1", "2", "lost two")
	time.Sleep(20 * time.Millisecond)
	require.Len(t, s.Messages(), 1)

	feed.setDropping(false)
	b.Resync()
	require.Eventually(t, func() bool { return len(s.Messages()) == 3 }, wait, 5*time.Millisecond)
	assert.Equal(t, []string{"seen", "lost one", "lost two"}, contents(s.Messages()))

	send(t, b, "2", "1", "after")
	require.Eventually(t, func() bool { return len(s.Messages()) == 4 }, wait, 5*time.Millisecond)
}

func TestSessionSlowReaderCatchesUpWithSnapshot(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, "1", b, b, Options{EventBuffer: 2})
	require.NoError(t, s.Select(DirectWith("2")))
	waitActive(t, s)

	for i := 0; i < 30; i++ {
		send(t, b, "2", "1", fmt.Sprintf("m%02d", i))
	}
	require.Eventually(t, func() bool { return len(s.Messages()) == 30 }, wait, 5*time.Millisecond)

	// Replay events the way a UI would.
	var (
		shown    []Message
		resynced bool
	)
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-s.Events():
				switch ev.Type {
				case EventReset:
					shown = nil
				case EventHistory:
					shown = ev.Messages
					resynced = resynced || ev.Resync
				case EventMessage:
					shown = append(shown, ev.Messages...)
				}
			default:
				return len(shown) == 30
			}
		}
	}, wait, 5*time.Millisecond)
	assert.True(t, resynced)
	assert.Equal(t, contents(s.Messages()), contents(shown))
}
