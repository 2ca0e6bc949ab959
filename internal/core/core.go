// Package core implements the single-threaded business actor. It owns the
// storage gateway, turns client frames from the hub into persisted messages
// and deliveries, and serves synchronous requests from the HTTP surface.
package core

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yap-chat/yap/internal/message"
	"github.com/yap-chat/yap/internal/shutdown"
	"github.com/yap-chat/yap/internal/store"
)

// Core is the business actor. All storage access happens on its goroutine.
type Core struct {
	store    store.Gateway
	inbound  <-chan message.Inbound
	outbound chan<- message.Outbound
	requests <-chan Pending
	log      *zap.SugaredLogger
}

// New creates a Core reading hub traffic from inbound, requests from
// requests, and writing deliveries to outbound.
func New(gw store.Gateway, inbound <-chan message.Inbound, outbound chan<- message.Outbound, requests <-chan Pending, log *zap.Logger) *Core {
	return &Core{
		store:    gw,
		inbound:  inbound,
		outbound: outbound,
		requests: requests,
		log:      log.Sugar().Named("core"),
	}
}

// Run processes inbound traffic and requests until sig reports Halted.
func (c *Core) Run(sig shutdown.Signal) {
	c.log.Infow("core started")
	draining := sig.Draining()
	for {
		select {
		case in := <-c.inbound:
			c.handleInbound(in)

		case p := <-c.requests:
			p.Resolve(c.handleRequest(p))

		case <-draining:
			c.log.Infow("core draining")
			draining = nil

		case <-sig.Halted():
			c.log.Infow("core stopped")
			return
		}
	}
}

func (c *Core) handleInbound(in message.Inbound) {
	ctx := context.Background()
	switch in := in.(type) {
	case message.Text:
		sb, err := message.DecodeServerBound(in.Data)
		if err != nil {
			c.log.Infow("dropping malformed frame", "user", in.From, "conn", in.Conn, "error", err)
			return
		}
		if _, err := c.postDirect(ctx, in.From, sb.To, sb.Content); err != nil {
			c.log.Warnw("persist direct message", "from", in.From, "to", sb.To, "error", err)
		}

	case message.Binary:
		c.log.Infow("dropping binary frame", "user", in.From, "conn", in.Conn, "bytes", len(in.Data))

	case message.ReadAck:
		first, err := c.store.FlagRead(ctx, in.MessageID)
		if err != nil {
			c.log.Warnw("flag message read", "message_id", in.MessageID, "error", err)
			return
		}
		if !first {
			// Another of the reader's connections already confirmed it.
			return
		}
		c.emit(message.Direct{
			To:  in.Sender,
			Msg: message.ReadConfirmation{MessageID: in.MessageID, Reader: in.Reader},
		})

	default:
		c.log.Errorw("unhandled inbound message", "message", in)
	}
}

// postDirect persists a message and, only once stored, fans it out.
func (c *Core) postDirect(ctx context.Context, from, to message.UserID, content string) (message.PersistedMessage, error) {
	msg, err := c.store.PostDirectMessage(ctx, from, to, content)
	if err != nil {
		return message.PersistedMessage{}, err
	}
	c.emit(message.Direct{To: to, Msg: message.DirectFromPersisted(msg)})
	return msg, nil
}

// emit offers out to the hub without blocking. The hub may itself be blocked
// handing frames to the core, so a full queue drops the delivery; the
// message stays persisted and unread.
func (c *Core) emit(out message.Outbound) {
	select {
	case c.outbound <- out:
	default:
		c.log.Warnw("hub queue full, dropping delivery", "payload", fmt.Sprintf("%T", out.Payload()))
	}
}

func (c *Core) handleRequest(p Pending) Result {
	ctx := context.Background()
	log := c.log.With("request_id", p.ID)
	var (
		rep Reply
		err error
	)
	switch r := p.Request.(type) {
	case Login:
		var uid message.UserID
		uid, err = c.store.Authenticate(ctx, r.Email, r.PasswordHash)
		rep = UserReply{User: uid}

	case Register:
		var uid message.UserID
		uid, err = c.store.Register(ctx, r.Email, r.Pubkey, r.PasswordHash)
		rep = UserReply{User: uid}

	case GetUserData:
		var prof store.PublicProfile
		prof, err = c.store.UserProfile(ctx, r.Lookup, r.Asker)
		rep = ProfileReply{Profile: prof}

	case GetUnreadDirect:
		var msgs []message.PersistedMessage
		msgs, err = c.store.UnreadDirect(ctx, r.Sender, r.Recipient)
		rep = MessagesReply{Messages: msgs}

	case PostDirectMessage:
		var msg message.PersistedMessage
		msg, err = c.postDirect(ctx, r.From, r.To, r.Content)
		rep = MessageReply{Message: msg}

	case PostGroupMessage:
		var id message.GroupMessageID
		id, err = c.store.PostGroupMessage(ctx, r.From, r.Group, r.Content)
		rep = GroupMessageReply{ID: id}

	case AddFriend:
		err = c.store.AddFriend(ctx, r.User, r.Friend)
		rep = Ack{}

	case SetVisibility:
		err = c.store.SetVisibility(ctx, r.User, r.Visibility)
		rep = Ack{}

	case History:
		err = ErrUnsupported

	default:
		log.Errorw("unhandled request", "request", fmt.Sprintf("%T", p.Request))
		err = ErrUnsupported
	}

	if err != nil {
		err = businessError(err)
		if errors.Is(err, ErrUnknown) {
			log.Errorw("request failed", "request", fmt.Sprintf("%T", p.Request), "error", err)
		} else {
			log.Debugw("request rejected", "request", fmt.Sprintf("%T", p.Request), "error", err)
		}
		return Result{Err: err}
	}
	return Result{Reply: rep}
}

// businessError maps storage failures to the errors callers act on.
func businessError(err error) error {
	switch {
	case errors.Is(err, ErrUnsupported):
		return err
	case errors.Is(err, store.ErrInvalidEmail), errors.Is(err, store.ErrInvalidPassword):
		return ErrInvalidCredentials
	case errors.Is(err, store.ErrUserExists):
		return ErrUserExists
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
}
