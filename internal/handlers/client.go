package handlers

import (
	"context"
	"encoding/json"

	"github.com/gofiber/contrib/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

var errRateLimited = errors.New("rate limited")

// Client is one websocket connection driving one chat session.
type Client struct {
	ID   string
	User string
	Conn ConnLike
	Send chan []byte

	session *chat.Session
	limiter *rate.Limiter
	log     *zap.Logger
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Command is one request from the UI.
type Command struct {
	Op           string            `json:"op"`
	Conversation chat.Conversation `json:"conversation"`
	Text         string            `json:"text,omitempty"`
	GroupID      string            `json:"group_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Name         string            `json:"name,omitempty"`
}

func NewClient(id string, conn ConnLike, session *chat.Session, limiter *rate.Limiter, buffer int, log *zap.Logger) *Client {
	if buffer <= 0 {
		buffer = backend.DefaultBuffer
	}
	return &Client{
		ID:      id,
		User:    session.Self(),
		Conn:    conn,
		Send:    make(chan []byte, buffer),
		session: session,
		limiter: limiter,
		log:     log.With(zap.String("client", id), zap.String("user", session.Self())),
	}
}

// Run pumps the connection until the peer goes away, then closes the
// session.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	forwarded := make(chan struct{})
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.WritePump()
	}()
	go func() {
		defer close(forwarded)
		c.forward(done)
	}()

	st := c.session.Status()
	c.push(chat.Event{Type: chat.EventStatus, Status: &st})
	c.ReadPump(ctx)

	if err := c.session.Close(ctx); err != nil {
		c.log.Warn("close session", zap.Error(err))
	}
	close(done)
	<-forwarded
	close(c.Send)
	<-written
	_ = c.Conn.Close()
}

func (c *Client) ReadPump(ctx context.Context) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			c.log.Debug("read ended", zap.Error(err))
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.pushError(errRateLimited)
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.pushError(errors.Wrap(err, "decode command"))
			continue
		}
		if err := c.handle(ctx, cmd); err != nil {
			c.log.Debug("command failed", zap.String("op", cmd.Op), zap.Error(err))
			c.pushError(err)
		}
	}
}

func (c *Client) WritePump() {
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Debug("write failed", zap.Error(err))
		}
	}
}

// forward waits for room in Send instead of dropping, so a slow peer backs
// up into the session, which replaces lost conversation events with a
// snapshot.
func (c *Client) forward(done <-chan struct{}) {
	events := c.session.Events()
	for {
		select {
		case <-done:
			return
		case ev := <-events:
			data, ok := c.encode(ev)
			if !ok {
				continue
			}
			select {
			case c.Send <- data:
			case <-done:
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, cmd Command) error {
	s := c.session
	switch cmd.Op {
	case "select":
		return s.Select(cmd.Conversation)
	case "clear":
		s.ClearSelection()
	case "compose":
		s.SetCompose(cmd.Text)
	case "send":
		if cmd.Text != "" {
			s.SetCompose(cmd.Text)
		}
		return s.Send(ctx)
	case "emoji":
		return s.SendEmoji(ctx, cmd.Text)
	case "voice":
		return s.ToggleVoice(ctx)
	case "leave":
		return s.LeaveGroup(ctx, cmd.GroupID)
	case "add_member":
		return s.AddMember(ctx, cmd.GroupID, cmd.UserID)
	case "members":
		ids, err := s.Members(ctx, cmd.GroupID)
		if err != nil {
			return err
		}
		c.push(chat.Event{Type: chat.EventMembers, Members: ids})
	case "eligible":
		list, err := s.Eligible(ctx, cmd.GroupID)
		if err != nil {
			return err
		}
		c.push(chat.Event{Type: chat.EventEligible, Eligible: list})
	case "create_group":
		_, err := s.CreateGroup(ctx, cmd.Name)
		return err
	case "status":
		st := s.Status()
		c.push(chat.Event{Type: chat.EventStatus, Status: &st})
	default:
		return errors.Errorf("unknown op %q", cmd.Op)
	}
	return nil
}

func (c *Client) encode(ev chat.Event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return nil, false
	}
	return data, true
}

// push is for replies to commands; they are dropped when Send is full.
func (c *Client) push(ev chat.Event) {
	data, ok := c.encode(ev)
	if !ok {
		return
	}
	select {
	case c.Send <- data:
	default:
		c.log.Warn("client send buffer full, event dropped", zap.String("type", string(ev.Type)))
	}
}

func (c *Client) pushError(err error) {
	c.push(chat.Event{Type: chat.EventError, Error: err.Error()})
}
