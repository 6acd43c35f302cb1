package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

// Presence marks self online while a session is active and keeps the
// roster of everybody else. Any profile change refetches the whole roster;
// changes that arrive during a refetch collapse into one more refetch.
type Presence struct {
	store    backend.Store
	feed     backend.Feed
	self     string
	now      func() time.Time
	onRoster func([]backend.Profile)
	log      *zap.Logger

	mu     sync.Mutex
	roster []backend.Profile
	sub    backend.Subscription
	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active bool
}

func NewPresence(store backend.Store, feed backend.Feed, self string, now func() time.Time, onRoster func([]backend.Profile), log *zap.Logger) *Presence {
	if now == nil {
		now = time.Now
	}
	return &Presence{
		store:    store,
		feed:     feed,
		self:     self,
		now:      now,
		onRoster: onRoster,
		log:      log,
	}
}

// Activate marks self online, loads the roster and starts watching
// profiles. A failed presence write is returned but does not stop the
// roster from loading.
func (p *Presence) Activate(ctx context.Context) error {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return nil
	}
	p.active = true
	p.kick = make(chan struct{}, 1)
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	var werr error
	if err := p.store.UpdatePresence(ctx, p.self, true, p.now().UTC()); err != nil {
		p.log.Error("mark online", zap.Error(err))
		werr = mark(ErrWrite, err, "mark online")
	}
	p.refetch(ctx)

	sub, err := p.feed.Subscribe(ctx, backend.Topic{Table: backend.TableProfiles, Event: backend.EventAny}, func(backend.Change) {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	})
	if err != nil {
		p.log.Warn("watch profiles", zap.Error(err))
	} else {
		p.mu.Lock()
		p.sub = sub
		p.mu.Unlock()
	}

	p.wg.Add(1)
	go p.loop(loopCtx)
	return werr
}

// loop runs until Deactivate cancels ctx, which also aborts a refetch in
// flight.
func (p *Presence) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			p.refetch(ctx)
		}
	}
}

func (p *Presence) refetch(ctx context.Context) {
	roster, err := p.store.ProfilesExcept(ctx, p.self)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		// Keep the last roster.
		p.log.Warn("refetch roster", zap.Error(mark(ErrFetch, err, "roster")))
		return
	}
	p.mu.Lock()
	p.roster = roster
	p.mu.Unlock()
	if p.onRoster != nil {
		p.onRoster(roster)
	}
}

// Deactivate stops watching and marks self offline.
func (p *Presence) Deactivate(ctx context.Context) error {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return nil
	}
	p.active = false
	sub, cancel := p.sub, p.cancel
	p.sub = nil
	p.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	cancel()
	p.wg.Wait()

	if err := p.store.UpdatePresence(ctx, p.self, false, p.now().UTC()); err != nil {
		p.log.Error("mark offline", zap.Error(err))
		return mark(ErrWrite, err, "mark offline")
	}
	return nil
}

func (p *Presence) Roster() []backend.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]backend.Profile, len(p.roster))
	copy(out, p.roster)
	return out
}
