package realtime

import (
	"errors"
	"sort"
	"sync"
)

var ErrRoomFull = errors.New("room is full")

type room struct {
	conns   map[ConnID]*Conn
	members map[uint]int // user id -> subscribed connections
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[uint]*room
}

// Tracker holds room membership. A user is a member of a room while at
// least one of their connections is subscribed to it, so closing one of two
// tabs does not make the user leave. Empty rooms are dropped.
type Tracker struct {
	maxConns int
	shards   [shardCount]*roomShard
}

// NewTracker bounds every room to maxConns subscribed connections; zero or
// less means unbounded.
func NewTracker(maxConns int) *Tracker {
	t := &Tracker{maxConns: maxConns}
	for i := range t.shards {
		t.shards[i] = &roomShard{rooms: make(map[uint]*room)}
	}
	return t
}

func (t *Tracker) shard(roomID uint) *roomShard {
	return t.shards[roomID%shardCount]
}

// Join subscribes c to the room. userJoined reports that the user was not a
// member before. Joining a room the connection already holds is a no-op.
func (t *Tracker) Join(roomID uint, c *Conn) (userJoined bool, err error) {
	s := t.shard(roomID)
	s.mu.Lock()

	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{
			conns:   make(map[ConnID]*Conn),
			members: make(map[uint]int),
		}
	}

	if _, subscribed := r.conns[c.id]; subscribed {
		s.mu.Unlock()
		return false, nil
	}

	if t.maxConns > 0 && len(r.conns) >= t.maxConns {
		s.mu.Unlock()
		return false, ErrRoomFull
	}

	s.rooms[roomID] = r
	r.conns[c.id] = c
	r.members[c.userID]++
	userJoined = r.members[c.userID] == 1
	s.mu.Unlock()

	c.addRoom(roomID)
	return userJoined, nil
}

// Leave unsubscribes c. userLeft reports that no other connection of the
// user remains in the room.
func (t *Tracker) Leave(roomID uint, c *Conn) (userLeft bool) {
	s := t.shard(roomID)
	s.mu.Lock()

	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, subscribed := r.conns[c.id]; !subscribed {
		s.mu.Unlock()
		return false
	}

	delete(r.conns, c.id)
	r.members[c.userID]--
	if r.members[c.userID] <= 0 {
		delete(r.members, c.userID)
		userLeft = true
	}
	if len(r.conns) == 0 {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()

	c.removeRoom(roomID)
	return userLeft
}

// MembersOf returns the user ids present in the room, sorted.
func (t *Tracker) MembersOf(roomID uint) []uint {
	s := t.shard(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return []uint{}
	}

	members := make([]uint, 0, len(r.members))
	for userID := range r.members {
		members = append(members, userID)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func (t *Tracker) IsMember(roomID, userID uint) bool {
	s := t.shard(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	return ok && r.members[userID] > 0
}

// ConnsIn returns a snapshot of the room's subscribed connections.
func (t *Tracker) ConnsIn(roomID uint) []*Conn {
	s := t.shard(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Rooms returns the number of non-empty rooms.
func (t *Tracker) Rooms() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}
