// Package hub implements the connection hub. A single Hub goroutine owns the
// routing tables (tokens to users, connections to users, users to their
// connections) and the per-connection workers. Client frames travel from the
// workers through the hub to the core; the core's deliveries travel back
// through the hub to every live connection of each recipient.
package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/yap-chat/yap/internal/message"
	"github.com/yap-chat/yap/internal/shutdown"
)

// ErrStopped is returned by calls that need the hub loop after it has returned.
var ErrStopped = errors.New("hub stopped")

// Config tunes the hub and its workers.
type Config struct {
	// WorkerQueue bounds each worker's outbound queue. A full queue drops
	// deliveries for that connection.
	WorkerQueue int
	// EventQueue bounds the queue shared by all workers towards the hub.
	EventQueue int
	// WriteTimeout bounds a single frame write or heartbeat ping.
	WriteTimeout time.Duration
	// Heartbeat is the ping interval. Zero disables heartbeats.
	Heartbeat time.Duration
	// InboundRate is the per-connection frame rate limit in frames per
	// second. Zero or less disables limiting.
	InboundRate  float64
	InboundBurst int
	// AllowAnyOrigin skips the websocket origin check.
	AllowAnyOrigin bool
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		WorkerQueue:  256,
		EventQueue:   1024,
		WriteTimeout: 10 * time.Second,
		Heartbeat:    30 * time.Second,
		InboundRate:  50,
		InboundBurst: 100,
	}
}

// Hub maintains the set of live connections and routes traffic between them
// and the core.
type Hub struct {
	cfg Config
	log *zap.SugaredLogger
	ids IDAllocator

	// mu guards the tables below. Only the hub loop writes them; the
	// exported accessors read under RLock.
	mu        sync.RWMutex
	tokens    map[message.LoginToken]message.UserID
	connUser  map[message.ConnectionID]message.UserID
	userConns map[message.UserID]mapset.Set[message.ConnectionID]
	workers   map[message.ConnectionID]*worker

	admit    chan admitRequest
	control  chan control
	events   chan event
	fromCore <-chan message.Outbound
	toCore   chan<- message.Inbound

	// base parents every worker context; cancelled on halt.
	base       context.Context
	cancelBase context.CancelFunc
	workerWG   sync.WaitGroup
	stopped    chan struct{}
}

// New creates a Hub that consumes deliveries from fromCore and forwards
// client traffic to toCore.
func New(cfg Config, fromCore <-chan message.Outbound, toCore chan<- message.Inbound, log *zap.Logger) *Hub {
	base, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		log:        log.Sugar().Named("hub"),
		tokens:     make(map[message.LoginToken]message.UserID),
		connUser:   make(map[message.ConnectionID]message.UserID),
		userConns:  make(map[message.UserID]mapset.Set[message.ConnectionID]),
		workers:    make(map[message.ConnectionID]*worker),
		admit:      make(chan admitRequest),
		control:    make(chan control),
		events:     make(chan event, cfg.EventQueue),
		fromCore:   fromCore,
		toCore:     toCore,
		base:       base,
		cancelBase: cancel,
		stopped:    make(chan struct{}),
	}
}

// Run is the hub's event loop. It keeps routing while draining and returns
// once sig reports Halted, after every worker has exited.
func (h *Hub) Run(sig shutdown.Signal) {
	h.log.Infow("hub started")
	draining := sig.Draining()
	for {
		select {
		case req := <-h.admit:
			req.reply <- h.addWorker(req.conn, req.user)

		case c := <-h.control:
			h.handleControl(c)
			close(c.ack())

		case ev := <-h.events:
			h.handleEvent(ev, sig)

		case out := <-h.fromCore:
			h.route(out)

		case <-draining:
			h.log.Infow("hub draining", "connections", h.ClientCount())
			draining = nil

		case <-sig.Halted():
			h.halt()
			return
		}
	}
}

func (h *Hub) halt() {
	h.mu.Lock()
	for id, w := range h.workers {
		w.cancel()
		delete(h.workers, id)
	}
	clear(h.connUser)
	clear(h.userConns)
	clear(h.tokens)
	h.mu.Unlock()

	close(h.stopped)
	h.cancelBase()
	h.workerWG.Wait()
	h.log.Infow("hub stopped", "allocated", h.ids.Allocated())
}

func (h *Hub) addWorker(conn Conn, user message.UserID) message.ConnectionID {
	id := h.ids.Next()
	w := newWorker(h.base, h, id, user, conn)

	h.mu.Lock()
	h.workers[id] = w
	h.connUser[id] = user
	set, ok := h.userConns[user]
	if !ok {
		set = mapset.NewThreadUnsafeSet[message.ConnectionID]()
		h.userConns[user] = set
	}
	set.Add(id)
	total := len(h.workers)
	h.mu.Unlock()

	h.workerWG.Add(1)
	go func() {
		defer h.workerWG.Done()
		w.run()
	}()

	h.log.Infow("client admitted",
		"conn", id,
		"user", user,
		"user_connections", set.Cardinality(),
		"connections", total,
	)
	return id
}

// removeConnection drops id from every table. It reports whether id was live.
func (h *Hub) removeConnection(id message.ConnectionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	user, ok := h.connUser[id]
	if !ok {
		return false
	}
	delete(h.connUser, id)
	delete(h.workers, id)
	if set, ok := h.userConns[user]; ok {
		set.Remove(id)
		if set.Cardinality() == 0 {
			delete(h.userConns, user)
		}
	}
	return true
}

func (h *Hub) handleControl(c control) {
	switch c := c.(type) {
	case registerToken:
		h.mu.Lock()
		h.tokens[c.token] = c.user
		h.mu.Unlock()
		h.log.Debugw("token registered", "user", c.user, "token", c.token.Redacted())

	case clearSession:
		h.mu.Lock()
		var stopping []*worker
		if set, ok := h.userConns[c.user]; ok {
			for _, id := range set.ToSlice() {
				stopping = append(stopping, h.workers[id])
				delete(h.workers, id)
				delete(h.connUser, id)
			}
			delete(h.userConns, c.user)
		}
		for tk, u := range h.tokens {
			if u == c.user {
				delete(h.tokens, tk)
			}
		}
		h.mu.Unlock()

		for _, w := range stopping {
			w.stop()
		}
		h.log.Infow("session cleared", "user", c.user, "closed", len(stopping))

	default:
		h.log.Errorw("unhandled control message", "message", c)
	}
}

func (h *Hub) handleEvent(ev event, sig shutdown.Signal) {
	switch ev := ev.(type) {
	case forwarded:
		h.mu.RLock()
		user, ok := h.connUser[ev.conn]
		h.mu.RUnlock()
		if !ok {
			h.log.Debugw("frame from unknown connection", "conn", ev.conn)
			return
		}
		var in message.Inbound
		if ev.binary {
			in = message.Binary{From: user, Conn: ev.conn, Data: ev.data}
		} else {
			in = message.Text{From: user, Conn: ev.conn, Data: ev.data}
		}
		h.forward(in, sig)

	case delivered:
		h.forward(message.ReadAck{
			Reader:    ev.msg.To,
			Sender:    ev.msg.From,
			MessageID: ev.msg.MessageID,
		}, sig)

	case disconnected:
		if h.removeConnection(ev.conn) {
			h.log.Infow("client disconnected", "conn", ev.conn, "connections", h.ClientCount())
		}

	default:
		h.log.Errorw("unhandled worker event", "conn", ev.connection(), "event", fmt.Sprintf("%T", ev))
	}
}

// forward hands in to the core, giving up if the process halts first.
func (h *Hub) forward(in message.Inbound, sig shutdown.Signal) {
	select {
	case h.toCore <- in:
	case <-sig.Halted():
		h.log.Debugw("dropping inbound after halt", "user", in.Origin())
	}
}

// route fans out a core delivery to every live connection of each recipient.
// A recipient with no connections receives nothing.
func (h *Hub) route(out message.Outbound) {
	var recipients []message.UserID
	switch o := out.(type) {
	case message.Direct:
		recipients = []message.UserID{o.To}
	case message.Multi:
		recipients = o.To
	default:
		h.log.Errorw("unhandled outbound envelope", "envelope", out)
		return
	}

	payload := out.Payload()
	for _, user := range recipients {
		h.mu.RLock()
		var targets []*worker
		if set, ok := h.userConns[user]; ok {
			for _, id := range set.ToSlice() {
				targets = append(targets, h.workers[id])
			}
		}
		h.mu.RUnlock()

		if len(targets) == 0 {
			h.log.Debugw("recipient offline", "user", user)
			continue
		}
		for _, w := range targets {
			if !w.enqueue(deliver{payload: payload}) {
				h.log.Warnw("outbound queue full, dropping delivery", "conn", w.id, "user", user)
			}
		}
	}
}

// Admit registers an authenticated stream and starts its worker.
func (h *Hub) Admit(ctx context.Context, conn Conn, user message.UserID) (message.ConnectionID, error) {
	req := admitRequest{conn: conn, user: user, reply: make(chan message.ConnectionID, 1)}
	select {
	case h.admit <- req:
	case <-h.stopped:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return <-req.reply, nil
}

// RegisterToken binds token to user. It returns once the hub has applied it,
// so a stream opened afterwards is accepted.
func (h *Hub) RegisterToken(ctx context.Context, user message.UserID, token message.LoginToken) error {
	return h.sendControl(ctx, registerToken{user: user, token: token, done: make(chan struct{})})
}

// ClearSession closes every connection of user and forgets their tokens.
func (h *Hub) ClearSession(ctx context.Context, user message.UserID) error {
	return h.sendControl(ctx, clearSession{user: user, done: make(chan struct{})})
}

func (h *Hub) sendControl(ctx context.Context, c control) error {
	select {
	case h.control <- c:
	case <-h.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.ack():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LookupToken returns the user a token is bound to.
// It is safe for concurrent use.
func (h *Hub) LookupToken(token message.LoginToken) (message.UserID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u, ok := h.tokens[token]
	return u, ok
}

// Connections returns the live connection ids of user in ascending order.
// It is safe for concurrent use.
func (h *Hub) Connections(user message.UserID) []message.ConnectionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.userConns[user]
	if !ok {
		return nil
	}
	ids := set.ToSlice()
	slices.Sort(ids)
	return ids
}

// ClientCount returns the number of live connections.
// It is safe for concurrent use.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.workers)
}

// Allocated returns how many connection ids have been handed out.
func (h *Hub) Allocated() uint64 {
	return h.ids.Allocated()
}
