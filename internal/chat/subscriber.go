package chat

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

type SubState int32

const (
	SubIdle SubState = iota
	SubSubscribing
	SubActive
	SubTornDown
	SubFailed
)

func (s SubState) String() string {
	switch s {
	case SubIdle:
		return "idle"
	case SubSubscribing:
		return "subscribing"
	case SubActive:
		return "active"
	case SubTornDown:
		return "torn_down"
	case SubFailed:
		return "failed"
	}
	return "unknown"
}

const defaultBackoffMax = 5 * time.Second

// Subscriber opens the live message subscriptions of one conversation.
type Subscriber struct {
	feed       backend.Feed
	names      *Names
	log        *zap.Logger
	retries    uint64
	backoffMax time.Duration
	initial    time.Duration
}

func NewSubscriber(feed backend.Feed, names *Names, log *zap.Logger, retries uint64, backoffMax time.Duration) *Subscriber {
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	return &Subscriber{
		feed:       feed,
		names:      names,
		log:        log,
		retries:    retries,
		backoffMax: backoffMax,
		initial:    100 * time.Millisecond,
	}
}

// LiveSubscription is the set of feed subscriptions held for one selected
// conversation: two for a direct conversation, one for a group.
type LiveSubscription struct {
	conv    Conversation
	self    string
	deliver func(Message)
	resync  func(context.Context)
	names   *Names
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     SubState
	subs      []backend.Subscription
	seen      map[string]struct{}
	resyncing bool
	again     bool
}

// route is one server side filter plus the client side predicate that a
// row passing it must still satisfy.
type route struct {
	topic  backend.Topic
	accept func(backend.MessageRow) bool
}

func routes(conv Conversation, self string) []route {
	if conv.Kind == Group {
		gid := conv.ID
		return []route{{
			topic:  backend.Topic{Table: backend.TableMessages, Event: backend.EventInsert, Filter: backend.Eq("group_id", gid)},
			accept: func(r backend.MessageRow) bool { return r.GroupID == gid },
		}}
	}
	peer := conv.ID
	return []route{
		{
			topic: backend.Topic{Table: backend.TableMessages, Event: backend.EventInsert, Filter: backend.Eq("sender_id", self)},
			accept: func(r backend.MessageRow) bool {
				return r.GroupID == "" && r.SenderID == self && r.RecipientID == peer
			},
		},
		{
			topic: backend.Topic{Table: backend.TableMessages, Event: backend.EventInsert, Filter: backend.Eq("recipient_id", self)},
			accept: func(r backend.MessageRow) bool {
				return r.GroupID == "" && r.RecipientID == self && r.SenderID == peer
			},
		},
	}
}

// Subscribe establishes every subscription conv needs, or none of them.
// Establishment is retried with exponential backoff; once retries run out
// the error carries ErrSubscribeExhausted. deliver is called once per new
// message, serially per underlying subscription. resync, if set, runs when
// the feed reports it may have lost changes; the caller refetches what it
// mirrors. Signals that arrive while one runs collapse into one more run.
func (s *Subscriber) Subscribe(ctx context.Context, conv Conversation, self string, deliver func(Message), resync func(context.Context)) (*LiveSubscription, error) {
	if conv.IsZero() {
		return nil, ErrNoConversation
	}
	lctx, cancel := context.WithCancel(context.Background())
	l := &LiveSubscription{
		conv:    conv,
		self:    self,
		deliver: deliver,
		resync:  resync,
		names:   s.names,
		log:     s.log.With(zap.Stringer("conversation", conv)),
		ctx:     lctx,
		cancel:  cancel,
		state:   SubSubscribing,
		seen:    map[string]struct{}{},
	}

	rs := routes(conv, self)
	open := func() error {
		subs := make([]backend.Subscription, 0, len(rs))
		for _, r := range rs {
			sub, err := s.feed.Subscribe(ctx, r.topic, l.handler(r))
			if err != nil {
				for _, opened := range subs {
					_ = opened.Close()
				}
				subscribeAttempts.WithLabelValues("error").Inc()
				l.log.Warn("subscribe attempt failed", zap.Stringer("topic", r.topic), zap.Error(err))
				return err
			}
			subs = append(subs, sub)
		}
		subscribeAttempts.WithLabelValues("ok").Inc()
		l.mu.Lock()
		l.subs = subs
		l.mu.Unlock()
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.initial
	exp.MaxInterval = s.backoffMax
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, s.retries), ctx)

	if err := backoff.Retry(open, policy); err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, mark(ErrSubscribeExhausted, err, "subscribe "+conv.Key())
	}

	l.setState(SubActive)
	l.log.Debug("live subscription active", zap.Int("subscriptions", len(rs)))
	return l, nil
}

func (l *LiveSubscription) handler(r route) backend.Handler {
	return func(c backend.Change) {
		if c.Type == backend.EventResync {
			l.onResync()
			return
		}
		if c.Message == nil {
			return
		}
		row := *c.Message
		if !r.accept(row) {
			liveEvents.WithLabelValues("counterpart_mismatch").Inc()
			return
		}
		l.mu.Lock()
		if l.state == SubTornDown {
			l.mu.Unlock()
			liveEvents.WithLabelValues("stale").Inc()
			return
		}
		if _, dup := l.seen[row.ID]; dup {
			l.mu.Unlock()
			liveEvents.WithLabelValues("duplicate").Inc()
			return
		}
		l.seen[row.ID] = struct{}{}
		l.mu.Unlock()

		m := messageFromRow(row)
		m.SenderName = l.names.One(l.ctx, m.SenderID)
		liveEvents.WithLabelValues("accepted").Inc()
		l.deliver(m)
	}
}

func (l *LiveSubscription) onResync() {
	if l.resync == nil {
		return
	}
	l.mu.Lock()
	if l.state == SubTornDown {
		l.mu.Unlock()
		return
	}
	if l.resyncing {
		l.again = true
		l.mu.Unlock()
		return
	}
	l.resyncing = true
	l.mu.Unlock()

	for {
		liveEvents.WithLabelValues("resync").Inc()
		l.log.Info("feed may have lost changes, refetching")
		l.resync(l.ctx)
		l.mu.Lock()
		if !l.again || l.state == SubTornDown {
			l.resyncing, l.again = false, false
			l.mu.Unlock()
			return
		}
		l.again = false
		l.mu.Unlock()
	}
}

func (l *LiveSubscription) Conversation() Conversation { return l.conv }

func (l *LiveSubscription) State() SubState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *LiveSubscription) setState(s SubState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Close releases every underlying subscription before it returns, so no
// handler runs against the conversation afterwards. It must not be called
// from deliver.
func (l *LiveSubscription) Close() error {
	l.mu.Lock()
	if l.state == SubTornDown {
		l.mu.Unlock()
		return nil
	}
	l.state = SubTornDown
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	l.cancel()
	var first error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.log.Debug("live subscription torn down")
	return first
}
