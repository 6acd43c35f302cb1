package backend

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const DefaultBuffer = 64

// Hub fans changes out to local subscriptions. Every feed transport decodes
// its events into Changes and hands them to Dispatch.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*hubSub
	nextID uint64
	buffer int
	closed bool
	log    *zap.Logger
}

func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs:   map[uint64]*hubSub{},
		buffer: buffer,
		log:    log,
	}
}

// hubSub queues without bound so a slow handler falls behind instead of
// losing changes. buffer is only the backlog size that gets reported.
type hubSub struct {
	id      uint64
	topic   Topic
	handler Handler
	buffer  int
	signal  chan struct{}
	done    chan struct{}
	hub     *Hub

	qmu     sync.Mutex
	pending []Change

	// mu is held while the handler runs so Close can wait it out.
	mu   sync.Mutex
	once sync.Once
}

func (h *Hub) Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.nextID++
	s := &hubSub{
		id:      h.nextID,
		topic:   topic,
		handler: handler,
		buffer:  h.buffer,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		hub:     h,
	}
	h.subs[s.id] = s
	go s.run()
	h.log.Debug("subscription registered", zap.Uint64("id", s.id), zap.Stringer("topic", topic))
	return s, nil
}

// Dispatch never blocks and never drops: every matching subscription queues
// the change.
func (h *Hub) Dispatch(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.topic.Matches(c) {
			s.enqueue(c)
		}
	}
}

// Resync tells every subscription that changes may have been missed, for
// instance while a feed connection was down. Handlers see a Change of type
// EventResync with no row.
func (h *Hub) Resync() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		s.enqueue(Change{Table: s.topic.Table, Type: EventResync})
	}
	h.log.Info("resync signalled", zap.Int("subscriptions", len(h.subs)))
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close tears down every subscription. Later Subscribe calls fail with
// ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*hubSub, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (s *hubSub) enqueue(c Change) {
	s.qmu.Lock()
	s.pending = append(s.pending, c)
	n := len(s.pending)
	s.qmu.Unlock()
	if n > s.buffer {
		feedBacklogged.WithLabelValues(string(c.Table)).Inc()
		if n == s.buffer+1 {
			s.hub.log.Warn("subscriber falling behind",
				zap.Uint64("id", s.id), zap.Stringer("topic", s.topic), zap.Int("backlog", n))
		}
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *hubSub) take() []Change {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

func (s *hubSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for batch := s.take(); len(batch) > 0; batch = s.take() {
			for _, c := range batch {
				if !s.deliver(c) {
					return
				}
			}
		}
	}
}

func (s *hubSub) deliver(c Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.handler(c)
	return true
}

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.remove(s.id)
		close(s.done)
		// Wait out a running handler; later ones see done.
		s.mu.Lock()
		s.mu.Unlock()
		s.hub.log.Debug("subscription closed", zap.Uint64("id", s.id), zap.Stringer("topic", s.topic))
	})
	return nil
}
