package chat

import "sync"

type StoreEventType string

const (
	StoreReset    StoreEventType = "reset"
	StoreHistory  StoreEventType = "history"
	StoreAppended StoreEventType = "message"
)

// StoreEvent describes one change of the store. Reset and History carry
// the full list, Appended carries only the new message.
type StoreEvent struct {
	Type         StoreEventType
	Conversation Conversation
	Messages     []Message
}

// MessageStore holds the ordered messages of the active conversation only.
// Every write carries the epoch returned by Reset; a write from an older
// epoch belongs to a superseded conversation and is discarded.
type MessageStore struct {
	mu     sync.RWMutex
	conv   Conversation
	epoch  uint64
	msgs   []Message
	ids    map[string]struct{}
	notify func(StoreEvent)
}

// NewMessageStore returns an empty store. notify, if set, runs under the
// store lock and must not call back into the store.
func NewMessageStore(notify func(StoreEvent)) *MessageStore {
	return &MessageStore{ids: map[string]struct{}{}, notify: notify}
}

// Reset discards the contents and makes conv the active conversation. The
// returned epoch guards every later write for conv.
func (s *MessageStore) Reset(conv Conversation) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.conv = conv
	s.msgs = nil
	s.ids = map[string]struct{}{}
	s.emit(StoreEvent{Type: StoreReset, Conversation: conv})
	return s.epoch
}

// Current reports whether epoch is still the live one.
func (s *MessageStore) Current(epoch uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return epoch == s.epoch
}

// LoadHistory installs the loaded history, which must already be sorted.
// Messages that arrived live before the history resolved are kept after it
// in arrival order unless the history already holds them.
func (s *MessageStore) LoadHistory(epoch uint64, history []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	merged := make([]Message, 0, len(history)+len(s.msgs))
	ids := make(map[string]struct{}, len(history)+len(s.msgs))
	for _, m := range history {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range s.msgs {
		if _, dup := ids[m.ID]; dup {
			duplicates.WithLabelValues("history").Inc()
			continue
		}
		ids[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	s.msgs = merged
	s.ids = ids
	s.emit(StoreEvent{Type: StoreHistory, Conversation: s.conv, Messages: s.snapshotLocked()})
	return true
}

// Append adds a live message at the tail. It returns false for a stale
// epoch or an id already present.
func (s *MessageStore) Append(epoch uint64, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	if _, dup := s.ids[m.ID]; dup {
		duplicates.WithLabelValues("store").Inc()
		return false
	}
	s.ids[m.ID] = struct{}{}
	s.msgs = append(s.msgs, m)
	s.emit(StoreEvent{Type: StoreAppended, Conversation: s.conv, Messages: []Message{m}})
	return true
}

func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Snapshot returns the conversation and its messages as one consistent view.
func (s *MessageStore) Snapshot() (Conversation, []Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv, s.snapshotLocked()
}

func (s *MessageStore) Conversation() Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

func (s *MessageStore) snapshotLocked() []Message {
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *MessageStore) emit(ev StoreEvent) {
	if s.notify != nil {
		s.notify(ev)
	}
}
