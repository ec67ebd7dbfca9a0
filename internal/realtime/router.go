package realtime

import (
	"encoding/json"
	"errors"
	"log"
)

type Target string

const (
	TargetRoom  Target = "room"
	TargetUsers Target = "users"
)

// Envelope is an already-encoded frame addressed to a room or a set of
// users, as exchanged with other processes through a Relay.
type Envelope struct {
	Origin string          `json:"origin"`
	Target Target          `json:"target"`
	IDs    []uint          `json:"ids"`
	Except ConnID          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay forwards envelopes to other processes. Publish must not block.
type Relay interface {
	Publish(env Envelope)
}

// Delivery summarizes one fan-out: Delivered frames were queued on a live
// connection, Dropped ones hit a closed or saturated connection.
type Delivery struct {
	Targets   int
	Delivered int
	Dropped   int
}

// Router fans events out to live connections. It never waits for a client:
// each frame is queued on the connection's bounded send buffer, and a
// connection whose buffer is full is closed and left to its disconnect
// handler.
type Router struct {
	registry *Registry
	rooms    *Tracker
	relay    Relay
	origin   string
}

func NewRouter(registry *Registry, rooms *Tracker) *Router {
	return &Router{registry: registry, rooms: rooms}
}

// WithRelay makes every routed frame also go to other processes, tagged
// with origin so this process ignores its own frames when they come back.
func (r *Router) WithRelay(relay Relay, origin string) *Router {
	r.relay = relay
	r.origin = origin
	return r
}

func (r *Router) ToRoom(roomID uint, ev Event) (Delivery, error) {
	return r.ToRoomExcept(roomID, ev, "")
}

// ToRoomExcept delivers to every connection subscribed to the room other
// than except.
func (r *Router) ToRoomExcept(roomID uint, ev Event, except ConnID) (Delivery, error) {
	frame, err := Encode(ev)
	if err != nil {
		return Delivery{}, err
	}

	env := Envelope{Target: TargetRoom, IDs: []uint{roomID}, Except: except, Frame: frame}
	r.publish(env)
	return r.deliver(env), nil
}

// ToUser delivers to every live connection of the user, whatever rooms they
// hold. An offline user receives nothing.
func (r *Router) ToUser(userID uint, ev Event) (Delivery, error) {
	return r.ToUsers([]uint{userID}, ev)
}

func (r *Router) ToUsers(userIDs []uint, ev Event) (Delivery, error) {
	frame, err := Encode(ev)
	if err != nil {
		return Delivery{}, err
	}

	env := Envelope{Target: TargetUsers, IDs: dedupe(userIDs), Frame: frame}
	r.publish(env)
	return r.deliver(env), nil
}

// DeliverLocal hands an envelope received from another process to this
// process's connections. Envelopes from this process are ignored.
func (r *Router) DeliverLocal(env Envelope) Delivery {
	if r.origin != "" && env.Origin == r.origin {
		return Delivery{}
	}
	return r.deliver(env)
}

func (r *Router) publish(env Envelope) {
	if r.relay == nil {
		return
	}
	env.Origin = r.origin
	r.relay.Publish(env)
}

func (r *Router) deliver(env Envelope) Delivery {
	var conns []*Conn

	switch env.Target {
	case TargetRoom:
		for _, roomID := range env.IDs {
			conns = append(conns, r.rooms.ConnsIn(roomID)...)
		}
	case TargetUsers:
		for _, userID := range env.IDs {
			conns = append(conns, r.registry.Conns(userID)...)
		}
	default:
		log.Printf("[realtime] dropping envelope with unknown target %q", env.Target)
		return Delivery{}
	}

	var d Delivery
	for _, c := range conns {
		if env.Except != "" && c.id == env.Except {
			continue
		}
		d.Targets++

		err := c.enqueue(env.Frame)
		switch {
		case err == nil:
			d.Delivered++
		case errors.Is(err, errSendBufferFull):
			d.Dropped++
			log.Printf("[realtime] connection %s (user %d) is not keeping up, closing", c.id, c.userID)
			c.Close()
		default:
			d.Dropped++
		}
	}

	return d
}

// Send queues ev on a single connection.
func (r *Router) Send(c *Conn, ev Event) error {
	frame, err := Encode(ev)
	if err != nil {
		return err
	}

	if err := c.enqueue(frame); err != nil {
		if errors.Is(err, errSendBufferFull) {
			c.Close()
		}
		return err
	}
	return nil
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
