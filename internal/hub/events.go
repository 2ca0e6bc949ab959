package hub

import "github.com/yap-chat/yap/internal/message"

// event is reported by a worker to the hub loop.
type event interface {
	connection() message.ConnectionID
}

// forwarded carries a raw client frame; parsing happens upstream.
type forwarded struct {
	conn   message.ConnectionID
	binary bool
	data   []byte
}

// disconnected is reported exactly once per worker.
type disconnected struct {
	conn message.ConnectionID
}

// delivered confirms a direct message was written to the stream.
type delivered struct {
	conn message.ConnectionID
	msg  message.NewDirectMessage
}

func (e forwarded) connection() message.ConnectionID    { return e.conn }
func (e disconnected) connection() message.ConnectionID { return e.conn }
func (e delivered) connection() message.ConnectionID    { return e.conn }

// command is queued by the hub on a worker's outbound queue.
type command interface {
	command()
}

type deliver struct {
	payload message.ClientBound
}

type disconnect struct{}

func (deliver) command()    {}
func (disconnect) command() {}

// control messages are out-of-band requests from the HTTP surface.
type control interface {
	ack() chan struct{}
}

type registerToken struct {
	user  message.UserID
	token message.LoginToken
	done  chan struct{}
}

type clearSession struct {
	user message.UserID
	done chan struct{}
}

func (c registerToken) ack() chan struct{} { return c.done }
func (c clearSession) ack() chan struct{}  { return c.done }

type admitRequest struct {
	conn  Conn
	user  message.UserID
	reply chan message.ConnectionID
}
