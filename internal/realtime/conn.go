package realtime

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ConnID string

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Transport is one open socket. ReadMessage is called only from the
// connection's read loop and WriteMessage/WritePing only from its write
// pump; Close may be called from anywhere.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WritePing() error
	Close() error
}

// Conn is one authenticated live session. Outbound frames go through a
// bounded queue drained by a single writer, so frames reach the socket in
// the order they were enqueued.
type Conn struct {
	id          ConnID
	userID      uint
	connectedAt time.Time
	transport   Transport

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	rooms  map[uint]struct{}
	status string
}

func newConn(userID uint, transport Transport, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{
		id:          ConnID(uuid.NewString()),
		userID:      userID,
		connectedAt: time.Now(),
		transport:   transport,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
		rooms:       make(map[uint]struct{}),
		status:      StatusOnline,
	}
}

func (c *Conn) ID() ConnID { return c.id }
func (c *Conn) UserID() uint { return c.userID }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }
func (c *Conn) Done() <-chan struct{} { return c.done }

// Rooms returns the rooms this connection is subscribed to, sorted.
func (c *Conn) Rooms() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]uint, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (c *Conn) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) setStatus(status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func (c *Conn) addRoom(roomID uint) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) removeRoom(roomID uint) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks: a closed connection or a full queue is reported to
// the caller instead.
func (c *Conn) enqueue(frame []byte) error {
	if c.closed() {
		return errConnClosed
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

// Close stops the write pump and closes the transport. It is safe to call
// more than once and from any goroutine; the read loop observes the closed
// transport and runs disconnect cleanup.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(); err != nil {
			log.Printf("[realtime] close transport for connection %s: %v", c.id, err)
		}
	})
}

func (c *Conn) writePump(pingPeriod time.Duration) {
	var tick <-chan time.Time
	if pingPeriod > 0 {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.transport.WriteMessage(frame); err != nil {
				log.Printf("[realtime] write to connection %s (user %d) failed: %v", c.id, c.userID, err)
				c.Close()
				return
			}
		case <-tick:
			if err := c.transport.WritePing(); err != nil {
				log.Printf("[realtime] ping connection %s (user %d) failed: %v", c.id, c.userID, err)
				c.Close()
				return
			}
		}
	}
}
