// Package registry tracks the connections attached to this node: their
// identity, channel subscriptions, and user→connection mapping. It is the
// node-local view; durable cluster state lives in internal/cluster.
package registry

import (
	"sync"
	"time"

	"github.com/pubgate/pubgate/internal/auth"
)

// Handle is the write side of a connection, owned by the gateway.
type Handle interface {
	Send(payload []byte) bool
	CloseWithReason(reason string)
}

// Connection is the registry's record for one attached socket. The embedded
// mutex guards identity and subscriptions; the registry's maps are guarded
// by the registry's own lock.
type Connection struct {
	ID          string
	RemoteAddr  string
	Handle      Handle
	ConnectedAt time.Time

	mu            sync.RWMutex
	identity      *auth.Identity
	subscriptions map[string]struct{}
}

// Identity returns the authenticated identity, or nil.
func (c *Connection) Identity() *auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Authenticated reports whether an identity has been bound.
func (c *Connection) Authenticated() bool {
	return c.Identity() != nil
}

// Channels returns a snapshot of the connection's subscriptions.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	channels := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		channels = append(channels, ch)
	}
	return channels
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Total         int            `json:"total"`
	Authenticated int            `json:"authenticated"`
	ChannelCounts map[string]int `json:"channel_counts"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	channels    map[string]map[string]*Connection // channel -> connID -> conn
	byUser      map[string]*Connection            // userID -> latest conn
}

func New() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		channels:    make(map[string]map[string]*Connection),
		byUser:      make(map[string]*Connection),
	}
}

// Register adds a connection. Registering an existing ID replaces the old
// record without touching its subscriptions elsewhere.
func (r *Registry) Register(id, remoteAddr string, handle Handle) *Connection {
	conn := &Connection{
		ID:            id,
		RemoteAddr:    remoteAddr,
		Handle:        handle,
		ConnectedAt:   time.Now(),
		subscriptions: make(map[string]struct{}),
	}
	r.mu.Lock()
	r.connections[id] = conn
	r.mu.Unlock()
	return conn
}

// Unregister removes the connection from every structure it appears in and
// returns the channels it was subscribed to, so the caller can clean up
// cluster state. Unknown IDs return nil.
func (r *Registry) Unregister(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return nil
	}
	delete(r.connections, id)

	conn.mu.Lock()
	channels := make([]string, 0, len(conn.subscriptions))
	for ch := range conn.subscriptions {
		channels = append(channels, ch)
	}
	identity := conn.identity
	conn.mu.Unlock()

	for _, ch := range channels {
		if members := r.channels[ch]; members != nil {
			delete(members, id)
			if len(members) == 0 {
				delete(r.channels, ch)
			}
		}
	}

	if identity != nil {
		if cur := r.byUser[identity.ID]; cur != nil && cur.ID == id {
			delete(r.byUser, identity.ID)
		}
	}
	return channels
}

// Authenticate binds an identity to a connection. The first bound identity
// is immutable; re-authenticating with the same user is a no-op and a
// different user is rejected. A user's newest connection wins the byUser
// mapping.
func (r *Registry) Authenticate(id string, identity *auth.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return false
	}
	conn.mu.Lock()
	if conn.identity != nil {
		same := conn.identity.ID == identity.ID
		conn.mu.Unlock()
		return same
	}
	conn.identity = identity
	conn.mu.Unlock()
	r.byUser[identity.ID] = conn
	return true
}

// Subscribe adds the connection to a channel. Idempotent.
func (r *Registry) Subscribe(id, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return false
	}
	conn.mu.Lock()
	conn.subscriptions[channel] = struct{}{}
	conn.mu.Unlock()
	members := r.channels[channel]
	if members == nil {
		members = make(map[string]*Connection)
		r.channels[channel] = members
	}
	members[id] = conn
	return true
}

// Unsubscribe removes the connection from a channel, dropping the channel
// entry once empty. Idempotent.
func (r *Registry) Unsubscribe(id, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return false
	}
	conn.mu.Lock()
	delete(conn.subscriptions, channel)
	conn.mu.Unlock()
	if members := r.channels[channel]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
	return true
}

// Get returns the connection for id, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[id]
}

// SubscribersOf returns a snapshot of the connections in a channel.
func (r *Registry) SubscribersOf(channel string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[channel]
	subs := make([]*Connection, 0, len(members))
	for _, conn := range members {
		subs = append(subs, conn)
	}
	return subs
}

// ConnectionOfUser returns the user's most recently authenticated
// connection, or nil.
func (r *Registry) ConnectionOfUser(userID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// Occupant describes one authenticated member of a presence channel.
type Occupant struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// OccupantsOf lists the authenticated users in a channel, one entry per
// user even with multiple connections.
func (r *Registry) OccupantsOf(channel string) []Occupant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	occupants := make([]Occupant, 0)
	for _, conn := range r.channels[channel] {
		identity := conn.Identity()
		if identity == nil {
			continue
		}
		if _, dup := seen[identity.ID]; dup {
			continue
		}
		seen[identity.ID] = struct{}{}
		occupants = append(occupants, Occupant{UserID: identity.ID, Name: identity.Name})
	}
	return occupants
}

// All returns a snapshot of every connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

// Len returns the number of attached connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Stats summarizes the registry for health and status endpoints.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:         len(r.connections),
		ChannelCounts: make(map[string]int, len(r.channels)),
	}
	for _, conn := range r.connections {
		if conn.Authenticated() {
			stats.Authenticated++
		}
	}
	for ch, members := range r.channels {
		stats.ChannelCounts[ch] = len(members)
	}
	return stats
}
