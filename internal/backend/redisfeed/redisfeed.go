// Package redisfeed carries backend changes over Redis pub/sub. Writers
// publish through Feed.Publish (usually via backend.Publishing); every
// process runs one subscriber connection and fans changes out locally.
package redisfeed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

const DefaultChannel = "pelusa:changes"

type Feed struct {
	client  *redis.Client
	channel string
	hub     *backend.Hub
	log     *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

var (
	_ backend.Feed      = (*Feed)(nil)
	_ backend.Publisher = (*Feed)(nil)
)

func New(client *redis.Client, channel string, buffer int, log *zap.Logger) *Feed {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		client:  client,
		channel: channel,
		hub:     backend.NewHub(buffer, log.Named("hub")),
		log:     log,
	}
}

// Start subscribes to the channel and waits for Redis to confirm it.
func (f *Feed) Start(ctx context.Context) error {
	ps := f.client.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrapf(err, "subscribe %s", f.channel)
	}
	f.mu.Lock()
	f.pubsub = ps
	f.done = make(chan struct{})
	f.mu.Unlock()
	go f.pump(ps.ChannelWithSubscriptions(), f.done)
	f.log.Info("redis feed subscribed", zap.String("channel", f.channel))
	return nil
}

// pump decodes messages into the hub. go-redis resubscribes on its own after
// a dropped connection and reports it with a Subscription; anything
// published in between is lost, so subscribers are told to resync.
func (f *Feed) pump(ch <-chan interface{}, done chan struct{}) {
	defer close(done)
	for v := range ch {
		switch msg := v.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				f.log.Warn("redis feed resubscribed", zap.String("channel", msg.Channel))
				f.hub.Resync()
			}
		case *redis.Message:
			f.dispatch(msg.Payload)
		}
	}
}

func (f *Feed) dispatch(payload string) {
	c, err := Decode([]byte(payload))
	if err != nil {
		f.log.Warn("undecodable change", zap.Error(err))
		return
	}
	f.hub.Dispatch(c)
}

func (f *Feed) Subscribe(ctx context.Context, topic backend.Topic, h backend.Handler) (backend.Subscription, error) {
	f.mu.Lock()
	started := f.pubsub != nil
	f.mu.Unlock()
	if !started {
		return nil, errors.Wrap(backend.ErrClosed, "redis feed not started")
	}
	return f.hub.Subscribe(ctx, topic, h)
}

func (f *Feed) Publish(ctx context.Context, c backend.Change) error {
	b, err := Encode(c)
	if err != nil {
		return err
	}
	return errors.Wrap(f.client.Publish(ctx, f.channel, b).Err(), "publish change")
}

func (f *Feed) Close() error {
	f.mu.Lock()
	ps, done := f.pubsub, f.done
	f.pubsub = nil
	f.mu.Unlock()
	var err error
	if ps != nil {
		err = ps.Close()
		<-done
	}
	f.hub.Close()
	return err
}

func Encode(c backend.Change) ([]byte, error) {
	b, err := json.Marshal(c)
	return b, errors.Wrap(err, "encode change")
}

func Decode(b []byte) (backend.Change, error) {
	var c backend.Change
	err := json.Unmarshal(b, &c)
	return c, err
}
