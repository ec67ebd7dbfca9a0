// Package relay carries realtime envelopes between server processes over
// PostgreSQL LISTEN/NOTIFY, so a user connected to one process still sees
// events produced by another.
package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/monocle-dev/huddle/internal/realtime"
)

// MaxPayload stays under PostgreSQL's 8000 byte NOTIFY limit.
const MaxPayload = 7900

const outboxSize = 1024

var ErrPayloadTooLarge = errors.New("relay payload too large")

// Deliverer receives envelopes published by other processes.
type Deliverer interface {
	DeliverLocal(env realtime.Envelope) realtime.Delivery
}

type notifyFunc func(ctx context.Context, channel, payload string) error

// PGRelay publishes envelopes with pg_notify and delivers the ones it hears
// on the channel. Publish never blocks; when the outbox is full the envelope
// is dropped and logged.
type PGRelay struct {
	channel   string
	deliverer Deliverer
	notify    notifyFunc
	listener  *pq.Listener
	outbox    chan string

	wg        sync.WaitGroup
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewPGRelay listens on channel using its own connection to dsn and
// publishes through db.
func NewPGRelay(dsn string, db *sql.DB, channel string, deliverer Deliverer) (*PGRelay, error) {
	if channel == "" {
		return nil, errors.New("relay channel is required")
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("[relay] listener event %d: %v", ev, err)
		}
	})

	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", channel, err)
	}

	r := newPGRelay(channel, deliverer, func(ctx context.Context, channel, payload string) error {
		_, err := db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload)
		return err
	})
	r.listener = listener
	return r, nil
}

func newPGRelay(channel string, deliverer Deliverer, notify notifyFunc) *PGRelay {
	return &PGRelay{
		channel:   channel,
		deliverer: deliverer,
		notify:    notify,
		outbox:    make(chan string, outboxSize),
	}
}

func (r *PGRelay) Publish(env realtime.Envelope) {
	payload, err := Encode(env)
	if err != nil {
		log.Printf("[relay] dropping envelope for %s %v: %v", env.Target, env.IDs, err)
		return
	}

	select {
	case r.outbox <- payload:
	default:
		log.Printf("[relay] outbox full, dropping envelope for %s %v", env.Target, env.IDs)
	}
}

// Start runs the publish and listen loops until ctx is cancelled or Close
// is called.
func (r *PGRelay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.publishLoop(ctx)
	}()

	if r.listener != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.listenLoop(ctx, r.listener.Notify)
		}()
	}
}

func (r *PGRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.outbox:
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.notify(sendCtx, r.channel, payload); err != nil {
				log.Printf("[relay] publish on %s failed: %v", r.channel, err)
			}
			cancel()
		}
	}
}

func (r *PGRelay) listenLoop(ctx context.Context, notifications <-chan *pq.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			r.handle(n)
		}
	}
}

// handle delivers one notification. A nil notification marks a listener
// reconnect; anything missed while disconnected is gone.
func (r *PGRelay) handle(n *pq.Notification) {
	if n == nil {
		log.Printf("[relay] listener reconnected on %s", r.channel)
		return
	}

	env, err := Decode(n.Extra)
	if err != nil {
		log.Printf("[relay] ignoring malformed payload on %s: %v", n.Channel, err)
		return
	}

	r.deliverer.DeliverLocal(env)
}

func (r *PGRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		if r.listener != nil {
			err = r.listener.Close()
		}
	})
	return err
}

func Encode(env realtime.Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if len(raw) > MaxPayload {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}
	return string(raw), nil
}

func Decode(payload string) (realtime.Envelope, error) {
	var env realtime.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return env, err
	}
	if env.Origin == "" || len(env.Frame) == 0 {
		return env, errors.New("envelope needs an origin and a frame")
	}
	return env, nil
}
