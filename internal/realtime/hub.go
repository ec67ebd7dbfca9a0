// Package realtime tracks live connections and the project rooms they
// watch, and routes events to them.
//
// A connection moves through Connecting, Authenticated, zero or more room
// subscriptions, and Closed. Authentication happens before the socket is
// upgraded; a failed token never creates registry state. Closing tears down
// every subscription the connection held and, when it was the user's last
// connection, tells the rooms the user went offline.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")

type TokenVerifier interface {
	VerifyToken(token string) (uint, error)
}

type RoomAuthorizer interface {
	CanJoin(ctx context.Context, userID, roomID uint) (bool, error)
}

type RoomAuthorizerFunc func(ctx context.Context, userID, roomID uint) (bool, error)

func (f RoomAuthorizerFunc) CanJoin(ctx context.Context, userID, roomID uint) (bool, error) {
	return f(ctx, userID, roomID)
}

type HubOptions struct {
	SendBuffer int
	PingPeriod time.Duration
}

type Hub struct {
	registry   *Registry
	rooms      *Tracker
	router     *Router
	verifier   TokenVerifier
	authorizer RoomAuthorizer
	opts       HubOptions

	// teardown serializes the disconnects of one user so that the last
	// connection out sees every room the user is leaving.
	teardown [shardCount]sync.Mutex
}

func NewHub(registry *Registry, rooms *Tracker, router *Router, verifier TokenVerifier, authorizer RoomAuthorizer, opts HubOptions) *Hub {
	return &Hub{
		registry:   registry,
		rooms:      rooms,
		router:     router,
		verifier:   verifier,
		authorizer: authorizer,
		opts:       opts,
	}
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Rooms() *Tracker { return h.rooms }
func (h *Hub) Router() *Router { return h.router }

// Authenticate resolves the token to a user id.
func (h *Hub) Authenticate(token string) (uint, error) {
	if token == "" {
		return 0, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	userID, err := h.verifier.VerifyToken(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if userID == 0 {
		return 0, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	return userID, nil
}

// Serve runs an authenticated connection until the transport closes or ctx
// is cancelled. Inbound frames are handled one at a time in arrival order.
func (h *Hub) Serve(ctx context.Context, userID uint, transport Transport) {
	c := newConn(userID, transport, h.opts.SendBuffer)
	h.registry.Register(c)
	log.Printf("[realtime] user %d connected (connection %s)", userID, c.id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer h.disconnect(c)

	go c.writePump(h.opts.PingPeriod)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	for {
		raw, err := transport.ReadMessage()
		if err != nil {
			if IsUnexpectedClose(err) {
				log.Printf("[realtime] read from connection %s (user %d): %v", c.id, userID, err)
			}
			return
		}
		h.handle(ctx, c, raw)
	}
}

func (h *Hub) handle(ctx context.Context, c *Conn, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reject(c, "bad_request", "malformed frame")
		return
	}

	switch msg.Event {
	case ClientRoomJoin, ClientRoomLeave:
		var req roomRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.RoomID == 0 {
			h.reject(c, "bad_request", "roomId is required")
			return
		}
		if msg.Event == ClientRoomJoin {
			h.join(ctx, c, req.RoomID)
		} else {
			h.leave(c, req.RoomID)
		}
	case ClientPresenceUpdate:
		var req presenceRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || validateStatus(req.Status) != nil {
			h.reject(c, "bad_request", "status must be online, away or busy")
			return
		}
		h.presence(c, req.Status)
	default:
		h.reject(c, "unknown_event", fmt.Sprintf("unknown event %q", msg.Event))
	}
}

func (h *Hub) join(ctx context.Context, c *Conn, roomID uint) {
	allowed, err := h.authorizer.CanJoin(ctx, c.userID, roomID)
	if err != nil {
		log.Printf("[realtime] membership check for user %d in room %d failed: %v", c.userID, roomID, err)
		h.reject(c, "internal", "could not verify room access")
		return
	}
	if !allowed {
		h.reject(c, "forbidden", "not a member of this project")
		return
	}

	userJoined, err := h.rooms.Join(roomID, c)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			h.reject(c, "room_full", "room has reached its connection limit")
			return
		}
		h.reject(c, "internal", "could not join room")
		return
	}

	h.sendTo(c, RoomJoined{RoomID: roomID, UserID: c.userID})

	if userJoined {
		h.broadcast(roomID, UserOnline{UserID: c.userID, RoomID: roomID}, c.id)
	}
}

func (h *Hub) leave(c *Conn, roomID uint) {
	subscribed := false
	for _, id := range c.Rooms() {
		if id == roomID {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return
	}

	userLeft := h.rooms.Leave(roomID, c)
	h.sendTo(c, RoomLeft{RoomID: roomID, UserID: c.userID})

	if userLeft {
		h.broadcast(roomID, RoomLeft{RoomID: roomID, UserID: c.userID}, "")
	}
}

// Evict unsubscribes every connection of the user from the room, for
// example after the user lost access to the project.
func (h *Hub) Evict(roomID, userID uint) {
	userLeft := false
	for _, c := range h.registry.Conns(userID) {
		if h.rooms.Leave(roomID, c) {
			userLeft = true
		}
		h.sendTo(c, RoomLeft{RoomID: roomID, UserID: userID})
	}

	if userLeft {
		h.broadcast(roomID, RoomLeft{RoomID: roomID, UserID: userID}, "")
	}
}

// CloseRoom unsubscribes everyone from a room that no longer exists.
func (h *Hub) CloseRoom(roomID uint) {
	for _, userID := range h.rooms.MembersOf(roomID) {
		h.Evict(roomID, userID)
	}
}

// presence announces a status change to every room any of the user's
// connections is watching.
func (h *Hub) presence(c *Conn, status string) {
	c.setStatus(status)

	rooms := make(map[uint]struct{})
	for _, other := range h.registry.Conns(c.userID) {
		for _, roomID := range other.Rooms() {
			rooms[roomID] = struct{}{}
		}
	}

	for roomID := range rooms {
		h.broadcast(roomID, PresenceUpdate{UserID: c.userID, Status: status}, "")
	}
}

// disconnect is the single cleanup path for a closed connection, whether the
// client left, a write failed, or the server is shutting down.
func (h *Hub) disconnect(c *Conn) {
	mu := &h.teardown[c.userID%shardCount]
	mu.Lock()
	var left []uint
	for _, roomID := range c.Rooms() {
		if h.rooms.Leave(roomID, c) {
			left = append(left, roomID)
		}
	}
	_, last, ok := h.registry.Unregister(c.id)
	mu.Unlock()

	c.Close()
	if !ok {
		return
	}

	for _, roomID := range left {
		if last {
			h.broadcast(roomID, UserOffline{UserID: c.userID, RoomID: roomID}, "")
		} else {
			h.broadcast(roomID, RoomLeft{RoomID: roomID, UserID: c.userID}, "")
		}
	}

	log.Printf("[realtime] user %d disconnected (connection %s, last=%t)", c.userID, c.id, last)
}

func (h *Hub) broadcast(roomID uint, ev Event, except ConnID) {
	if _, err := h.router.ToRoomExcept(roomID, ev, except); err != nil {
		log.Printf("[realtime] broadcast %s to room %d: %v", ev.Name(), roomID, err)
	}
}

func (h *Hub) sendTo(c *Conn, ev Event) {
	if err := h.router.Send(c, ev); err != nil && !errors.Is(err, errConnClosed) {
		log.Printf("[realtime] send %s to connection %s: %v", ev.Name(), c.id, err)
	}
}

func (h *Hub) reject(c *Conn, code, message string) {
	h.sendTo(c, ErrorEvent{Code: code, Message: message})
}
