package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

// Feed holds one dedicated LISTEN connection and fans trigger payloads out
// through a backend.Hub. The connection is re-established with exponential
// backoff when it drops.
type Feed struct {
	dsn string
	hub *backend.Hub
	log *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once
	// listened is touched only by the run goroutine.
	listened  bool
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ backend.Feed = (*Feed)(nil)

func NewFeed(dsn string, buffer int, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		dsn:   dsn,
		hub:   backend.NewHub(buffer, log.Named("hub")),
		log:   log,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the listen loop. It returns once the first LISTEN succeeded
// or ctx ends.
func (f *Feed) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.run(runCtx)
	select {
	case <-f.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed) Close() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
	f.hub.Close()
}

// Subscribe waits for the listener to be connected before registering, so
// an acknowledged subscription never misses a row committed after it.
func (f *Feed) Subscribe(ctx context.Context, topic backend.Topic, h backend.Handler) (backend.Subscription, error) {
	select {
	case <-f.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.hub.Subscribe(ctx, topic, h)
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 10 * time.Second
	for {
		err := f.listen(ctx, b)
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		f.log.Warn("listener dropped, reconnecting", zap.Error(err), zap.Duration("in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (f *Feed) listen(ctx context.Context, b backoff.BackOff) error {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return errors.Wrap(err, "connect listener")
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return errors.Wrap(err, "listen")
	}
	b.Reset()
	f.readyOnce.Do(func() { close(f.ready) })
	f.log.Info("listening for changes", zap.String("channel", NotifyChannel))
	if f.listened {
		// Notifications sent while disconnected are gone.
		f.hub.Resync()
	}
	f.listened = true

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return errors.Wrap(err, "wait for notification")
		}
		var c backend.Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			f.log.Warn("undecodable notification", zap.Error(err))
			continue
		}
		f.hub.Dispatch(c)
	}
}
