package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

// Names resolves sender ids to display names. Misses and failures resolve
// to UnknownSender.
type Names struct {
	store backend.Store
	log   *zap.Logger
}

func NewNames(store backend.Store, log *zap.Logger) *Names {
	return &Names{store: store, log: log}
}

// Resolve looks every id up in one batched query.
func (n *Names) Resolve(ctx context.Context, ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = UnknownSender
	}
	if len(ids) == 0 {
		return out
	}
	profiles, err := n.store.ProfilesByIDs(ctx, ids)
	if err != nil {
		n.log.Warn("resolve sender names", zap.Int("ids", len(ids)), zap.Error(mark(ErrFetch, err, "profiles by id")))
		return out
	}
	for _, p := range profiles {
		if _, want := out[p.ID]; want && p.Username != "" {
			out[p.ID] = p.Username
		}
	}
	return out
}

// One resolves a single sender, best effort.
func (n *Names) One(ctx context.Context, id string) string {
	p, err := n.store.Profile(ctx, id)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		n.log.Debug("sender has no profile", zap.String("sender", id), zap.Error(mark(ErrLookupMiss, err, "profile")))
		return UnknownSender
	case err != nil:
		n.log.Warn("resolve sender name", zap.String("sender", id), zap.Error(mark(ErrFetch, err, "profile")))
		return UnknownSender
	case p.Username == "":
		return UnknownSender
	}
	return p.Username
}

// HistoryLoader fetches the full message history of a conversation.
type HistoryLoader struct {
	store backend.Store
	names *Names
	log   *zap.Logger
}

func NewHistoryLoader(store backend.Store, names *Names, log *zap.Logger) *HistoryLoader {
	return &HistoryLoader{store: store, names: names, log: log}
}

// Load returns the history of conv ordered by SortMessages, with every
// sender name resolved. For a direct conversation the two halves are
// fetched independently and a failed half only costs its own rows: the
// returned error is then non-nil alongside the surviving messages.
func (l *HistoryLoader) Load(ctx context.Context, conv Conversation, self string) ([]Message, error) {
	var (
		rows []backend.MessageRow
		err  error
	)
	switch conv.Kind {
	case Direct:
		rows, err = l.direct(ctx, self, conv.ID)
	case Group:
		rows, err = l.store.GroupMessages(ctx, conv.ID)
		if err != nil {
			rows = nil
			err = mark(ErrFetch, err, "group history")
		}
	default:
		return nil, ErrNoConversation
	}

	msgs := make([]Message, 0, len(rows))
	var senders []string
	seen := map[string]struct{}{}
	for _, r := range rows {
		m := messageFromRow(r)
		if !conv.Contains(m, self) {
			continue
		}
		msgs = append(msgs, m)
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			senders = append(senders, m.SenderID)
		}
	}
	SortMessages(msgs)

	names := l.names.Resolve(ctx, senders)
	for i := range msgs {
		msgs[i].SenderName = names[msgs[i].SenderID]
	}
	return msgs, err
}

func (l *HistoryLoader) direct(ctx context.Context, self, peer string) ([]backend.MessageRow, error) {
	var (
		wg               sync.WaitGroup
		sent, received   []backend.MessageRow
		sentErr, recvErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		sent, sentErr = l.store.MessagesBetween(ctx, self, peer)
	}()
	go func() {
		defer wg.Done()
		received, recvErr = l.store.MessagesBetween(ctx, peer, self)
	}()
	wg.Wait()

	var err error
	if sentErr != nil {
		l.log.Warn("direct history: sent half failed", zap.String("peer", peer), zap.Error(sentErr))
		sent = nil
		err = mark(ErrFetch, sentErr, "sent messages")
	}
	if recvErr != nil {
		l.log.Warn("direct history: received half failed", zap.String("peer", peer), zap.Error(recvErr))
		received = nil
		if err == nil {
			err = mark(ErrFetch, recvErr, "received messages")
		}
	}
	if peer == self {
		// A self conversation returns the same rows from both halves.
		switch {
		case sentErr == nil:
			return sent, nil
		case recvErr == nil:
			return received, nil
		}
		return nil, err
	}
	return append(sent, received...), err
}
