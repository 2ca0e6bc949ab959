package hub

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yap-chat/yap/internal/message"
)

// Conn is the bidirectional stream a worker owns. *websocket.Conn satisfies
// it; tests substitute in-memory fakes.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// worker owns one client stream. It forwards inbound frames to the hub and
// writes the hub's deliveries back to the client.
type worker struct {
	id   message.ConnectionID
	user message.UserID
	conn Conn

	// send is the bounded outbound queue fed by the hub loop.
	send chan command

	// events is the hub's inbound queue, shared by all workers.
	events chan<- event

	// stopped is closed when the hub loop has returned.
	stopped <-chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	limiter      *rate.Limiter
	writeTimeout time.Duration
	heartbeat    time.Duration
	log          *zap.SugaredLogger
}

func newWorker(parent context.Context, h *Hub, id message.ConnectionID, user message.UserID, conn Conn) *worker {
	ctx, cancel := context.WithCancel(parent)
	limit := rate.Limit(h.cfg.InboundRate)
	if h.cfg.InboundRate <= 0 {
		limit = rate.Inf
	}
	return &worker{
		id:           id,
		user:         user,
		conn:         conn,
		send:         make(chan command, h.cfg.WorkerQueue),
		events:       h.events,
		stopped:      h.stopped,
		ctx:          ctx,
		cancel:       cancel,
		limiter:      rate.NewLimiter(limit, h.cfg.InboundBurst),
		writeTimeout: h.cfg.WriteTimeout,
		heartbeat:    h.cfg.Heartbeat,
		log:          h.log.With("conn", id, "user", user),
	}
}

// enqueue offers cmd to the outbound queue without blocking the hub.
func (w *worker) enqueue(cmd command) bool {
	select {
	case w.send <- cmd:
		return true
	default:
		return false
	}
}

// stop asks the worker to close its stream. When the queue is full the
// worker's context is cancelled instead.
func (w *worker) stop() {
	if !w.enqueue(disconnect{}) {
		w.cancel()
	}
}

// run is the worker's main loop. It returns after the stream is closed and
// the read goroutine has exited. Disconnection is reported exactly once.
func (w *worker) run() {
	frames := make(chan frame)
	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		w.readPump(frames, readErr)
	}()

	var tick <-chan time.Time
	if w.heartbeat > 0 {
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	code, reason := w.loop(frames, readErr, tick)
	// Close before cancelling so the close frame goes out while readPump
	// is still there to receive the peer's reply.
	if err := w.conn.Close(code, reason); err != nil {
		w.log.Debugw("close stream", "error", err)
	}
	w.cancel()
	<-readDone
	w.report(disconnected{conn: w.id})
}

func (w *worker) loop(frames <-chan frame, readErr <-chan error, tick <-chan time.Time) (websocket.StatusCode, string) {
	for {
		select {
		case cmd := <-w.send:
			switch c := cmd.(type) {
			case deliver:
				if err := w.write(c.payload); err != nil {
					w.log.Warnw("write failed", "error", err)
					return websocket.StatusInternalError, "write failed"
				}
			case disconnect:
				w.log.Infow("disconnect requested")
				return websocket.StatusNormalClosure, "session closed"
			default:
				w.log.Errorw("unhandled worker command", "command", cmd)
			}

		case f := <-frames:
			if !w.limiter.Allow() {
				w.log.Warnw("inbound rate limit exceeded, dropping frame", "bytes", len(f.data))
				continue
			}
			w.report(forwarded{
				conn:   w.id,
				binary: f.typ == websocket.MessageBinary,
				data:   f.data,
			})

		case err := <-readErr:
			if w.ctx.Err() != nil {
				return websocket.StatusGoingAway, "server shutting down"
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				w.log.Debugw("client closed stream")
			default:
				w.log.Infow("read failed", "error", err)
			}
			return websocket.StatusNormalClosure, ""

		case <-tick:
			ctx, cancel := context.WithTimeout(w.ctx, w.writeTimeout)
			err := w.conn.Ping(ctx)
			cancel()
			if err != nil {
				w.log.Infow("heartbeat failed", "error", err)
				return websocket.StatusGoingAway, "heartbeat timeout"
			}

		case <-w.ctx.Done():
			return websocket.StatusGoingAway, "server shutting down"
		}
	}
}

// readPump reads frames until the stream fails or the worker stops.
func (w *worker) readPump(frames chan<- frame, readErr chan<- error) {
	for {
		typ, data, err := w.conn.Read(w.ctx)
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- frame{typ: typ, data: data}:
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *worker) write(p message.ClientBound) error {
	data, err := message.EncodeClientBound(p)
	if err != nil {
		// A payload that cannot be encoded is dropped; the stream stays up.
		w.log.Errorw("encode outbound payload", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(w.ctx, w.writeTimeout)
	defer cancel()
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	if dm, ok := p.(message.NewDirectMessage); ok {
		w.report(delivered{conn: w.id, msg: dm})
	}
	return nil
}

// report hands ev to the hub unless the hub has already stopped.
func (w *worker) report(ev event) {
	select {
	case w.events <- ev:
	case <-w.stopped:
	}
}
