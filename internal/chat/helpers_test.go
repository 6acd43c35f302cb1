package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
	"github.com/pelusa-v/pelusa-sync/internal/backend/memory"
)

var errBoom = errors.New("boom")

// clock hands out the times it is told to, then keeps counting up a second
// at a time.
type clock struct {
	mu   sync.Mutex
	next time.Time
}

func newClock(start int64) *clock { return &clock{next: time.Unix(start, 0)} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next
	c.next = c.next.Add(time.Second)
	return t
}

func (c *clock) set(sec int64) {
	c.mu.Lock()
	c.next = time.Unix(sec, 0)
	c.mu.Unlock()
}

// newBackend returns a memory backend with alice (1, admin), bob (2) and
// carol (3).
func newBackend(t *testing.T, opts ...memory.Option) *memory.Backend {
	t.Helper()
	b := memory.New(opts...)
	t.Cleanup(b.Close)
	b.PutProfile(backend.Profile{ID: "1", Username: "alice", IsAdmin: true})
	b.PutProfile(backend.Profile{ID: "2", Username: "bob"})
	b.PutProfile(backend.Profile{ID: "3", Username: "carol"})
	return b
}

func send(t *testing.T, s backend.Store, from, to, content string) backend.MessageRow {
	t.Helper()
	row, err := s.InsertMessage(context.Background(), backend.MessageRow{Content: content, Kind: "text", SenderID: from, RecipientID: to})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return row
}

func sendGroup(t *testing.T, s backend.Store, from, group, content string) backend.MessageRow {
	t.Helper()
	row, err := s.InsertMessage(context.Background(), backend.MessageRow{Content: content, Kind: "text", SenderID: from, GroupID: group})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return row
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

// faultyStore injects failures into an otherwise working store.
type faultyStore struct {
	backend.Store

	mu          sync.Mutex
	between     map[[2]string]error
	byIDs       error
	profile     error
	insert      error
	members     error
	calls       int
	gateBetween map[[2]string]chan struct{}
}

func newFaulty(s backend.Store) *faultyStore {
	return &faultyStore{
		Store:       s,
		between:     map[[2]string]error{},
		gateBetween: map[[2]string]chan struct{}{},
	}
}

func (f *faultyStore) count() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *faultyStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *faultyStore) set(fn func(*faultyStore)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *faultyStore) MessagesBetween(ctx context.Context, sender, recipient string) ([]backend.MessageRow, error) {
	f.count()
	f.mu.Lock()
	err := f.between[[2]string{sender, recipient}]
	gate := f.gateBetween[[2]string{sender, recipient}]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return f.Store.MessagesBetween(ctx, sender, recipient)
}

func (f *faultyStore) ProfilesByIDs(ctx context.Context, ids []string) ([]backend.Profile, error) {
	f.count()
	f.mu.Lock()
	err := f.byIDs
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.ProfilesByIDs(ctx, ids)
}

func (f *faultyStore) Profile(ctx context.Context, id string) (backend.Profile, error) {
	f.count()
	f.mu.Lock()
	err := f.profile
	f.mu.Unlock()
	if err != nil {
		return backend.Profile{}, err
	}
	return f.Store.Profile(ctx, id)
}

func (f *faultyStore) InsertMessage(ctx context.Context, msg backend.MessageRow) (backend.MessageRow, error) {
	f.count()
	f.mu.Lock()
	err := f.insert
	f.mu.Unlock()
	if err != nil {
		return backend.MessageRow{}, err
	}
	return f.Store.InsertMessage(ctx, msg)
}

func (f *faultyStore) GroupMembers(ctx context.Context, groupID string) ([]backend.Membership, error) {
	f.count()
	f.mu.Lock()
	err := f.members
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.GroupMembers(ctx, groupID)
}

func (f *faultyStore) ProfilesExcept(ctx context.Context, id string) ([]backend.Profile, error) {
	f.count()
	return f.Store.ProfilesExcept(ctx, id)
}

// flakyFeed fails the first n Subscribe calls.
type flakyFeed struct {
	backend.Feed

	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyFeed) Subscribe(ctx context.Context, topic backend.Topic, h backend.Handler) (backend.Subscription, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errBoom
	}
	return f.Feed.Subscribe(ctx, topic, h)
}

func (f *flakyFeed) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func nop() *zap.Logger { return zap.NewNop() }

// slowProfiles makes every single profile lookup take delay.
type slowProfiles struct {
	backend.Store
	delay time.Duration
}

func (s *slowProfiles) Profile(ctx context.Context, id string) (backend.Profile, error) {
	time.Sleep(s.delay)
	return s.Store.Profile(ctx, id)
}

// lossyFeed loses row changes while dropping is set, the way a feed does
// while its connection is down. Resync signals always pass.
type lossyFeed struct {
	backend.Feed

	mu       sync.Mutex
	dropping bool
}

func (f *lossyFeed) setDropping(v bool) {
	f.mu.Lock()
	f.dropping = v
	f.mu.Unlock()
}

func (f *lossyFeed) Subscribe(ctx context.Context, topic backend.Topic, h backend.Handler) (backend.Subscription, error) {
	return f.Feed.Subscribe(ctx, topic, func(c backend.Change) {
		f.mu.Lock()
		drop := f.dropping && c.Type != backend.EventResync
		f.mu.Unlock()
		if !drop {
			h(c)
		}
	})
}
