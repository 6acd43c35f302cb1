package handlers

import (
	"sort"
	"sync"
)

// Registry tracks the connected websocket clients.
type Registry struct {
	mu sync.RWMutex

	clients map[string]*Client // id -> client
}

func NewRegistry() *Registry {
	return &Registry{clients: map[string]*Client{}}
}

func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
}

func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.ID)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

type ClientJson struct {
	ID           string `json:"id"`
	User         string `json:"user"`
	Conversation string `json:"conversation,omitempty"`
}

// List returns the open sessions sorted by user, optionally skipping one
// client id or user id.
func (r *Registry) List(exclude string) []ClientJson {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientJson, 0, len(r.clients))
	for id, c := range r.clients {
		if exclude != "" && (exclude == id || exclude == c.User) {
			continue
		}
		out = append(out, ClientJson{ID: id, User: c.User, Conversation: c.session.Conversation().Key()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].ID < out[j].ID
	})
	return out
}
