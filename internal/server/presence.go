package server

import (
	"sort"
	"sync"
)

// presenceRegistry is the process-local table of connected identities. It is
// written only from the dispatcher loop; the mutex exists so the HTTP layer
// can snapshot the online set concurrently.
type presenceRegistry struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	byUser  map[int]map[*Client]struct{}
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{
		clients: make(map[*Client]struct{}),
		byUser:  make(map[int]map[*Client]struct{}),
	}
}

// register adds a connection and reports whether this is the user's first
// active connection.
func (p *presenceRegistry) register(c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clients[c] = struct{}{}
	first := p.byUser[c.user.Id] == nil
	if first {
		p.byUser[c.user.Id] = make(map[*Client]struct{})
	}
	p.byUser[c.user.Id][c] = struct{}{}

	return first
}

// deregister removes a connection and reports whether the connection was
// known and whether it was the user's last one.
func (p *presenceRegistry) deregister(c *Client) (known, last bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.clients[c]; !ok {
		return false, false
	}
	delete(p.clients, c)

	if userClients, ok := p.byUser[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(p.byUser, c.user.Id)
			last = true
		}
	}

	return true, last
}

// listOnline returns the online set deduplicated by user id. A user with two
// simultaneous connections appears once.
func (p *presenceRegistry) listOnline() []OnlineUser {
	p.mu.RLock()
	defer p.mu.RUnlock()

	users := make([]OnlineUser, 0, len(p.byUser))
	for _, clients := range p.byUser {
		for c := range clients {
			users = append(users, OnlineUser{Id: c.user.Id, Name: c.user.Name})
			break
		}
	}

	sort.Slice(users, func(i, j int) bool { return users[i].Id < users[j].Id })
	return users
}

// connectionsFor returns every active connection for a user, used to target
// the user's private channel across all their devices.
func (p *presenceRegistry) connectionsFor(userId int) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	clients := make([]*Client, 0, len(p.byUser[userId]))
	for c := range p.byUser[userId] {
		clients = append(clients, c)
	}

	return clients
}

func (p *presenceRegistry) all() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	clients := make([]*Client, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}

	return clients
}
