package realtime

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport. Frames written by the server are
// recorded; frames pushed with send are returned by ReadMessage.
type fakeTransport struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	out    [][]byte
	failed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case raw := <-f.in:
		return raw, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return io.ErrClosedPipe
	}
	f.out = append(f.out, data)
	return nil
}

func (f *fakeTransport) WritePing() error { return nil }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) send(t *testing.T, event EventName, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(inbound{Event: event, Data: payload})
	require.NoError(t, err)
	f.in <- raw
}

type received struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (f *fakeTransport) frames() []received {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]received, 0, len(f.out))
	for _, raw := range f.out {
		var r received
		if err := json.Unmarshal(raw, &r); err == nil {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTransport) count(name EventName) int {
	n := 0
	for _, r := range f.frames() {
		if r.Event == name {
			n++
		}
	}
	return n
}

func (f *fakeTransport) waitFor(t *testing.T, name EventName) received {
	t.Helper()
	var found received
	require.Eventually(t, func() bool {
		for _, r := range f.frames() {
			if r.Event == name {
				found = r
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "expected %s frame", name)
	return found
}
