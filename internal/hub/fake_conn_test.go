package hub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/yap-chat/yap/internal/message"
)

var errFakeClosed = errors.New("fake conn closed")

// fakeConn is an in-memory Conn. Frames pushed with send are returned by
// Read; writes are recorded.
type fakeConn struct {
	inbound chan frame
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
	code    websocket.StatusCode
	pings   int
	pingErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan frame),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case fr := <-f.inbound:
		return fr.typ, fr.data, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p)
	return nil
}

func (f *fakeConn) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeConn) failPings(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeConn) Close(code websocket.StatusCode, _ string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.code = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// hangUp simulates the peer going away.
func (f *fakeConn) hangUp() { f.Close(websocket.StatusGoingAway, "peer gone") }

func (f *fakeConn) send(t *testing.T, typ websocket.MessageType, data string) {
	t.Helper()
	select {
	case f.inbound <- frame{typ: typ, data: []byte(data)}:
	case <-f.closed:
		t.Fatalf("send on closed fake conn")
	}
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) closeCode() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeConn) payloads(t *testing.T) []message.ClientBound {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.ClientBound, 0, len(f.written))
	for _, data := range f.written {
		p, err := message.DecodeClientBound(data)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}
