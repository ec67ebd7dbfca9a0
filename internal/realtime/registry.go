package realtime

import (
	"sort"
	"sync"
)

const shardCount = 32

type userShard struct {
	mu    sync.RWMutex
	users map[uint]map[ConnID]*Conn
}

// Registry indexes live connections by id and by user. A user may hold any
// number of connections at once. Each connection is registered and
// unregistered by its own goroutine; lookups may come from anywhere.
type Registry struct {
	conns  sync.Map // ConnID -> *Conn
	shards [shardCount]*userShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &userShard{users: make(map[uint]map[ConnID]*Conn)}
	}
	return r
}

func (r *Registry) shard(userID uint) *userShard {
	return r.shards[userID%shardCount]
}

// Register adds c and reports whether it is the user's first live
// connection. Registering the same connection twice is a no-op.
func (r *Registry) Register(c *Conn) bool {
	if _, loaded := r.conns.LoadOrStore(c.id, c); loaded {
		return false
	}

	s := r.shard(c.userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[c.userID]
	if !ok {
		set = make(map[ConnID]*Conn)
		s.users[c.userID] = set
	}
	set[c.id] = c

	return len(set) == 1
}

// Unregister removes the connection. last reports that the user has no
// remaining connections; ok is false for unknown ids, which are ignored so
// duplicate close events are harmless.
func (r *Registry) Unregister(id ConnID) (c *Conn, last bool, ok bool) {
	v, loaded := r.conns.LoadAndDelete(id)
	if !loaded {
		return nil, false, false
	}
	c = v.(*Conn)

	s := r.shard(c.userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.users[c.userID]
	delete(set, id)
	if len(set) == 0 {
		delete(s.users, c.userID)
		return c, true, true
	}

	return c, false, true
}

func (r *Registry) Lookup(id ConnID) (*Conn, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// ConnectionsOf returns the ids of the user's live connections, sorted. A
// user who never connected has none.
func (r *Registry) ConnectionsOf(userID uint) []ConnID {
	conns := r.Conns(userID)
	ids := make([]ConnID, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Conns(userID uint) []*Conn {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.users[userID]
	conns := make([]*Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// IsOnline is derived from the live connection set on every call.
func (r *Registry) IsOnline(userID uint) bool {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.users[userID]) > 0
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.users {
			n += len(set)
		}
		s.mu.RUnlock()
	}
	return n
}

// OnlineUsers returns the number of users with at least one connection.
func (r *Registry) OnlineUsers() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}
