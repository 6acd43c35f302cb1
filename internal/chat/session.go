package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

type EventType string

const (
	EventReset    EventType = "reset"
	EventHistory  EventType = "history"
	EventMessage  EventType = "message"
	EventRoster   EventType = "roster"
	EventGroups   EventType = "groups"
	EventMembers  EventType = "members"
	EventEligible EventType = "eligible"
	EventStatus   EventType = "status"
	EventError    EventType = "error"
)

// Event is what a session pushes to its UI.
type Event struct {
	Type         EventType         `json:"type"`
	Conversation *Conversation     `json:"conversation,omitempty"`
	Messages     []Message         `json:"messages,omitempty"`
	Profiles     []backend.Profile `json:"profiles,omitempty"`
	Groups       []backend.Group   `json:"groups,omitempty"`
	Members      []string          `json:"members,omitempty"`
	Eligible     []Candidate       `json:"eligible,omitempty"`
	Status       *Status           `json:"status,omitempty"`
	Error        string            `json:"error,omitempty"`
	// Resync marks a history event that replaces whatever the reader holds
	// after it fell behind.
	Resync       bool              `json:"resync,omitempty"`
}

// Status is a snapshot of the session for display.
type Status struct {
	User         string       `json:"user"`
	IsAdmin      bool         `json:"is_admin"`
	Conversation Conversation `json:"conversation"`
	Live         string       `json:"live"`
	LiveError    string       `json:"live_error,omitempty"`
	Recording    bool         `json:"recording"`
	Messages     int          `json:"messages"`
}

type Options struct {
	// VoiceCapture reports whether the runtime can record audio.
	VoiceCapture bool
	EventBuffer  int
	Retries      uint64
	BackoffMax   time.Duration
	Clock        func() time.Time
}

// Session is one user's view of the chat: the selected conversation and
// its messages, the compose buffer and the sidebar data.
type Session struct {
	self    string
	isAdmin bool
	opts    Options
	store   backend.Store
	log     *zap.Logger

	names      *Names
	history    *HistoryLoader
	subscriber *Subscriber
	membership *Membership
	presence   *Presence
	messages   *MessageStore

	events chan Event

	// emitMu orders conversation events against snapshots. version counts
	// conversation events; stale is set once one was dropped.
	emitMu       sync.Mutex
	version      uint64
	stale        bool
	snapshotKick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	live         *LiveSubscription
	liveState    SubState
	liveErr      error
	cancelSelect context.CancelFunc
	compose      string
	recording    bool
	groupWatch   backend.Subscription
	groupKick    chan struct{}
}

// NewSession resolves the privilege flag of self, marks self online and
// starts watching the roster and the group list.
func NewSession(ctx context.Context, self string, store backend.Store, feed backend.Feed, log *zap.Logger, opts Options) (*Session, error) {
	if self == "" {
		return nil, errors.New("session: empty user id")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = backend.DefaultBuffer
	}
	log = log.With(zap.String("user", self))
	sctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		self:         self,
		opts:         opts,
		store:        store,
		log:          log,
		events:       make(chan Event, opts.EventBuffer),
		snapshotKick: make(chan struct{}, 1),
		ctx:          sctx,
		cancel:       cancel,
		groupKick:    make(chan struct{}, 1),
	}
	s.names = NewNames(store, log.Named("names"))
	s.history = NewHistoryLoader(store, s.names, log.Named("history"))
	s.subscriber = NewSubscriber(feed, s.names, log.Named("live"), opts.Retries, opts.BackoffMax)
	s.membership = NewMembership(store, feed, log.Named("membership"))
	s.messages = NewMessageStore(s.onStore)
	s.presence = NewPresence(store, feed, self, opts.Clock, func(r []backend.Profile) {
		s.emit(Event{Type: EventRoster, Profiles: r})
	}, log.Named("presence"))

	s.isAdmin = ResolvePrivilege(ctx, store, self, log)

	if err := s.presence.Activate(ctx); err != nil {
		s.log.Warn("presence activation incomplete", zap.Error(err))
	}

	watch, err := s.membership.WatchGroups(ctx, self, func() {
		select {
		case s.groupKick <- struct{}{}:
		default:
		}
	})
	if err != nil {
		s.log.Warn("group list will not refresh", zap.Error(err))
	}
	s.groupWatch = watch
	s.refreshGroups(ctx)
	s.wg.Add(2)
	go s.watchGroups()
	go s.snapshots()

	s.log.Info("session started", zap.Bool("admin", s.isAdmin))
	return s, nil
}

func (s *Session) Self() string  { return s.self }
func (s *Session) IsAdmin() bool { return s.isAdmin }

// Events delivers UI events. A slow reader loses roster, status and similar
// events rather than stalling the session. Lost conversation events are
// made up for by one history event with Resync set, sent once the reader
// has room again.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event dropped", zap.String("type", string(ev.Type)))
	}
}

func (s *Session) emitError(err error) {
	s.emit(Event{Type: EventError, Error: err.Error()})
}

func (s *Session) onStore(ev StoreEvent) {
	conv := ev.Conversation
	out := Event{Conversation: &conv, Messages: ev.Messages}
	switch ev.Type {
	case StoreReset:
		out.Type = EventReset
	case StoreHistory:
		out.Type = EventHistory
	case StoreAppended:
		out.Type = EventMessage
	}
	s.emitConversation(out)
}

// emitConversation runs under the store lock, so version moves with the
// store contents.
func (s *Session) emitConversation(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.version++
	if s.stale {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.stale = true
		s.log.Warn("conversation event dropped, snapshot pending", zap.String("type", string(ev.Type)))
		select {
		case s.snapshotKick <- struct{}{}:
		default:
		}
	}
}

// snapshots replaces dropped conversation events with the current store
// contents. A snapshot that raced a store change is sent again.
func (s *Session) snapshots() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.snapshotKick:
		}
		for {
			s.emitMu.Lock()
			v := s.version
			s.emitMu.Unlock()

			conv, msgs := s.messages.Snapshot()
			ev := Event{Type: EventHistory, Conversation: &conv, Messages: msgs, Resync: true}
			select {
			case <-s.ctx.Done():
				return
			case s.events <- ev:
			}

			s.emitMu.Lock()
			caughtUp := s.version == v
			if caughtUp {
				s.stale = false
			}
			s.emitMu.Unlock()
			if caughtUp {
				break
			}
		}
	}
}

// Select makes conv the active conversation. The previous live
// subscription is released and the store emptied before the history fetch
// and the new subscription start; both run in the background.
func (s *Session) Select(conv Conversation) error {
	if conv.IsZero() {
		return ErrNoConversation
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.teardownLocked()
	epoch := s.messages.Reset(conv)
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelSelect = cancel
	s.liveState = SubSubscribing
	s.liveErr = nil
	s.recording = false
	s.wg.Add(2)
	s.mu.Unlock()

	s.log.Debug("conversation selected", zap.Stringer("conversation", conv))
	go s.loadHistory(ctx, epoch, conv)
	go s.subscribe(ctx, epoch, conv)
	return nil
}

// ClearSelection returns to no active conversation.
func (s *Session) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.teardownLocked()
	s.messages.Reset(Conversation{})
	s.liveState = SubIdle
	s.liveErr = nil
	s.recording = false
}

func (s *Session) teardownLocked() {
	if s.cancelSelect != nil {
		s.cancelSelect()
		s.cancelSelect = nil
	}
	if s.live != nil {
		if err := s.live.Close(); err != nil {
			s.log.Warn("close live subscription", zap.Error(err))
		}
		s.live = nil
	}
	s.liveState = SubTornDown
}

func (s *Session) loadHistory(ctx context.Context, epoch uint64, conv Conversation) {
	defer s.wg.Done()
	msgs, err := s.history.Load(ctx, conv, s.self)
	if !s.messages.Current(epoch) {
		historyLoads.WithLabelValues("superseded").Inc()
		return
	}
	s.installHistory(epoch, conv, msgs, err, "ok")
}

// reloadHistory refetches conv after the feed reported lost changes and
// merges the result by id into what the store already holds.
func (s *Session) reloadHistory(ctx context.Context, epoch uint64, conv Conversation) {
	msgs, err := s.history.Load(ctx, conv, s.self)
	if ctx.Err() != nil || !s.messages.Current(epoch) {
		historyLoads.WithLabelValues("superseded").Inc()
		return
	}
	if err != nil && len(msgs) == 0 {
		historyLoads.WithLabelValues("failed").Inc()
		s.log.Warn("history not reloaded", zap.Stringer("conversation", conv), zap.Error(err))
		return
	}
	s.installHistory(epoch, conv, msgs, err, "resync")
}

func (s *Session) installHistory(epoch uint64, conv Conversation, msgs []Message, err error, outcome string) {
	switch {
	case err == nil:
		historyLoads.WithLabelValues(outcome).Inc()
	case len(msgs) > 0:
		historyLoads.WithLabelValues("partial").Inc()
		s.log.Warn("history partially loaded", zap.Stringer("conversation", conv), zap.Error(err))
	default:
		historyLoads.WithLabelValues("failed").Inc()
		s.log.Warn("history not loaded", zap.Stringer("conversation", conv), zap.Error(err))
	}
	s.messages.LoadHistory(epoch, msgs)
}

func (s *Session) subscribe(ctx context.Context, epoch uint64, conv Conversation) {
	defer s.wg.Done()
	live, err := s.subscriber.Subscribe(ctx, conv, s.self, func(m Message) {
		s.messages.Append(epoch, m)
	}, func(rctx context.Context) {
		s.reloadHistory(rctx, epoch, conv)
	})

	s.mu.Lock()
	if s.closed || !s.messages.Current(epoch) {
		s.mu.Unlock()
		if live != nil {
			_ = live.Close()
		}
		return
	}
	if err != nil {
		s.liveState = SubFailed
		s.liveErr = err
		s.mu.Unlock()
		s.log.Error("live updates unavailable", zap.Stringer("conversation", conv), zap.Error(err))
		s.emitError(err)
		s.emitStatus()
		return
	}
	s.live = live
	s.liveState = SubActive
	s.mu.Unlock()
	s.emitStatus()
}

func (s *Session) Conversation() Conversation { return s.messages.Conversation() }
func (s *Session) Messages() []Message        { return s.messages.Messages() }

func (s *Session) SetCompose(text string) {
	s.mu.Lock()
	s.compose = text
	s.mu.Unlock()
}

func (s *Session) Compose() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compose
}

// Send submits the compose buffer as a text message. Blank text is a no-op.
// The message is not added locally; it shows up through the live
// subscription. On failure the buffer is kept for a retry.
func (s *Session) Send(ctx context.Context) error {
	text := strings.TrimSpace(s.Compose())
	if text == "" {
		return nil
	}
	return s.send(ctx, KindText, text)
}

// SendEmoji sends emoji as its own message.
func (s *Session) SendEmoji(ctx context.Context, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return nil
	}
	return s.send(ctx, KindEmoji, emoji)
}

// ToggleVoice starts a recording, or stops it and sends the voice
// placeholder. Without capture support nothing changes.
func (s *Session) ToggleVoice(ctx context.Context) error {
	if !s.opts.VoiceCapture {
		return ErrUnsupportedCapability
	}
	s.mu.Lock()
	if s.messages.Conversation().IsZero() {
		s.mu.Unlock()
		return ErrNoConversation
	}
	if !s.recording {
		s.recording = true
		s.mu.Unlock()
		return nil
	}
	s.recording = false
	s.mu.Unlock()
	return s.send(ctx, KindVoice, VoicePlaceholder)
}

func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

func (s *Session) send(ctx context.Context, kind Kind, content string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conv := s.messages.Conversation()
	composed := s.compose
	s.mu.Unlock()
	if conv.IsZero() {
		return ErrNoConversation
	}

	row := backend.MessageRow{Content: content, Kind: string(kind), SenderID: s.self}
	if conv.Kind == Group {
		row.GroupID = conv.ID
	} else {
		row.RecipientID = conv.ID
	}
	if _, err := s.store.InsertMessage(ctx, row); err != nil {
		sends.WithLabelValues(string(kind), "error").Inc()
		s.log.Error("send message", zap.Stringer("conversation", conv), zap.String("kind", string(kind)), zap.Error(err))
		return mark(ErrWrite, err, "send message")
	}
	sends.WithLabelValues(string(kind), "ok").Inc()

	// Clear only what was submitted; text typed meanwhile survives.
	s.mu.Lock()
	if s.compose == composed {
		s.compose = ""
	}
	s.mu.Unlock()
	return nil
}

// LeaveGroup removes self from groupID and clears the selection when that
// group is the active conversation.
func (s *Session) LeaveGroup(ctx context.Context, groupID string) error {
	if err := s.membership.Leave(ctx, groupID, s.self); err != nil {
		return err
	}
	if s.messages.Conversation().Same(GroupOf(groupID)) {
		s.ClearSelection()
	}
	s.log.Info("left group", zap.String("group", groupID))
	return nil
}

func (s *Session) AddMember(ctx context.Context, groupID, userID string) error {
	return s.membership.Add(ctx, groupID, userID, s.isAdmin)
}

func (s *Session) Members(ctx context.Context, groupID string) ([]string, error) {
	return s.membership.Members(ctx, groupID)
}

func (s *Session) Eligible(ctx context.Context, groupID string) ([]Candidate, error) {
	return s.membership.Eligible(ctx, groupID, s.self, s.isAdmin)
}

func (s *Session) CreateGroup(ctx context.Context, name string) (backend.Group, error) {
	return s.membership.CreateGroup(ctx, name, s.self, s.isAdmin)
}

func (s *Session) Roster() []backend.Profile { return s.presence.Roster() }

func (s *Session) refreshGroups(ctx context.Context) {
	gs, err := s.membership.Groups(ctx, s.self)
	if err != nil {
		s.log.Warn("refresh groups", zap.Error(err))
		return
	}
	s.emit(Event{Type: EventGroups, Groups: gs})
}

func (s *Session) watchGroups() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.groupKick:
			s.refreshGroups(s.ctx)
		}
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		User:         s.self,
		IsAdmin:      s.isAdmin,
		Conversation: s.messages.Conversation(),
		Live:         s.liveState.String(),
		Recording:    s.recording,
		Messages:     s.messages.Len(),
	}
	if s.liveErr != nil {
		st.LiveError = s.liveErr.Error()
	}
	return st
}

func (s *Session) emitStatus() {
	st := s.Status()
	s.emit(Event{Type: EventStatus, Status: &st})
}

// Close tears the session down and marks self offline. Events is not
// closed; readers stop on their own signal.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	s.closed = true
	watch := s.groupWatch
	s.groupWatch = nil
	s.mu.Unlock()

	if watch != nil {
		_ = watch.Close()
	}
	s.cancel()
	s.wg.Wait()
	err := s.presence.Deactivate(ctx)
	s.log.Info("session closed")
	return err
}
