package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/monocle-dev/huddle/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	envs []realtime.Envelope
}

func (r *recorder) DeliverLocal(env realtime.Envelope) realtime.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return realtime.Delivery{}
}

func (r *recorder) received() []realtime.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Envelope(nil), r.envs...)
}

// link wires a publishing relay straight into a receiving one, standing in
// for the database.
func link(t *testing.T, to *PGRelay) *PGRelay {
	t.Helper()
	from := newPGRelay("huddle_events", &recorder{}, func(_ context.Context, channel, payload string) error {
		to.handle(&pq.Notification{Channel: channel, Extra: payload})
		return nil
	})
	from.Start(context.Background())
	t.Cleanup(func() { from.Close() })
	return from
}

func TestRouterEventsReachOtherProcess(t *testing.T) {
	remote := &recorder{}
	receiver := newPGRelay("huddle_events", remote, nil)
	sender := link(t, receiver)

	router := realtime.NewRouter(realtime.NewRegistry(), realtime.NewTracker(16)).WithRelay(sender, "process-a")

	_, err := router.ToRoom(7, realtime.UserOnline{UserID: 3, RoomID: 7})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(remote.received()) == 1 }, time.Second, 5*time.Millisecond)

	env := remote.received()[0]
	assert.Equal(t, "process-a", env.Origin)
	assert.Equal(t, realtime.TargetRoom, env.Target)
	assert.Equal(t, []uint{7}, env.IDs)
	assert.JSONEq(t, `{"event":"user:online","data":{"userId":3,"roomId":7}}`, string(env.Frame))
}

func TestPublishPreservesOrder(t *testing.T) {
	remote := &recorder{}
	sender := link(t, newPGRelay("huddle_events", remote, nil))

	for i := uint(1); i <= 20; i++ {
		sender.Publish(realtime.Envelope{Origin: "a", Target: realtime.TargetUsers, IDs: []uint{i}, Frame: json.RawMessage(`{}`)})
	}

	require.Eventually(t, func() bool { return len(remote.received()) == 20 }, time.Second, 5*time.Millisecond)
	for i, env := range remote.received() {
		assert.Equal(t, []uint{uint(i + 1)}, env.IDs)
	}
}

func TestOversizedEnvelopeIsDropped(t *testing.T) {
	var calls int
	r := newPGRelay("huddle_events", &recorder{}, func(context.Context, string, string) error {
		calls++
		return nil
	})

	big := json.RawMessage(`"` + strings.Repeat("x", MaxPayload) + `"`)
	_, err := Encode(realtime.Envelope{Origin: "a", Target: realtime.TargetRoom, IDs: []uint{1}, Frame: big})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	r.Publish(realtime.Envelope{Origin: "a", Target: realtime.TargetRoom, IDs: []uint{1}, Frame: big})
	assert.Empty(t, r.outbox)
	assert.Zero(t, calls)
}

func TestPublishDropsWhenOutboxFull(t *testing.T) {
	r := newPGRelay("huddle_events", &recorder{}, nil)
	env := realtime.Envelope{Origin: "a", Target: realtime.TargetRoom, IDs: []uint{1}, Frame: json.RawMessage(`{}`)}

	for i := 0; i < outboxSize+10; i++ {
		r.Publish(env)
	}
	assert.Len(t, r.outbox, outboxSize)
}

func TestHandleIgnoresMalformedAndReconnects(t *testing.T) {
	remote := &recorder{}
	r := newPGRelay("huddle_events", remote, nil)

	r.handle(nil)
	r.handle(&pq.Notification{Channel: "huddle_events", Extra: "not json"})
	r.handle(&pq.Notification{Channel: "huddle_events", Extra: `{"target":"room","ids":[1]}`})

	assert.Empty(t, remote.received())
}

func TestDecodeRoundTrip(t *testing.T) {
	env := realtime.Envelope{
		Origin: "a",
		Target: realtime.TargetUsers,
		IDs:    []uint{1, 2},
		Except: realtime.ConnID("c-1"),
		Frame:  json.RawMessage(`{"event":"x"}`),
	}

	payload, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}
