package redisfeed

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

func TestEncodeDecode(t *testing.T) {
	in := backend.Change{Table: backend.TableProfiles, Type: backend.EventUpdate,
		Profile: &backend.Profile{ID: "1", Username: "alice", IsOnline: true}}
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, backend.TableProfiles, out.Table)
	require.NotNil(t, out.Profile)
	assert.True(t, out.Profile.IsOnline)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
}

func TestSubscribeBeforeStart(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	f := New(client, "", 0, nil)
	assert.Equal(t, DefaultChannel, f.channel)

	_, err := f.Subscribe(context.Background(), backend.Topic{Table: backend.TableMessages}, func(backend.Change) {})
	require.ErrorIs(t, err, backend.ErrClosed)
	require.NoError(t, f.Close())
}

func TestPumpResyncsAfterResubscribe(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	f := New(client, "", 4, nil)
	defer f.hub.Close()

	got := make(chan backend.Change, 4)
	_, err := f.hub.Subscribe(context.Background(), backend.Topic{Table: backend.TableMessages}, func(c backend.Change) { got <- c })
	require.NoError(t, err)

	payload, err := Encode(backend.Change{Table: backend.TableMessages, Type: backend.EventInsert,
		Message: &backend.MessageRow{ID: "m1", SenderID: "1", RecipientID: "2"}})
	require.NoError(t, err)

	ch := make(chan interface{}, 3)
	ch <- &redis.Message{Channel: DefaultChannel, Payload: string(payload)}
	ch <- &redis.Subscription{Kind: "subscribe", Channel: DefaultChannel, Count: 1}
	close(ch)
	done := make(chan struct{})
	f.pump(ch, done)
	<-done

	for _, want := range []backend.EventType{backend.EventInsert, backend.EventResync} {
		select {
		case c := <-got:
			assert.Equal(t, want, c.Type)
		case <-time.After(time.Second):
			t.Fatalf("no %s change delivered", want)
		}
	}
}
