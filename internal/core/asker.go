package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yap-chat/yap/internal/message"
	"github.com/yap-chat/yap/internal/store"
)

// Asker submits requests to the core and waits for replies.
type Asker struct {
	requests chan<- Pending
	log      *zap.SugaredLogger
}

// NewAsker returns an Asker feeding requests.
func NewAsker(requests chan<- Pending, log *zap.Logger) *Asker {
	return &Asker{requests: requests, log: log.Sugar().Named("asker")}
}

// Ask enqueues req and waits for its result. If ctx expires first the error
// wraps ErrNoReply and the outcome is unknown.
func (a *Asker) Ask(ctx context.Context, req Request) (Reply, error) {
	p := NewPending(req)
	select {
	case a.requests <- p:
	case <-ctx.Done():
		return nil, a.noReply(p, "enqueue", ctx.Err())
	}
	select {
	case res := <-p.Wait():
		return res.Reply, res.Err
	case <-ctx.Done():
		return nil, a.noReply(p, "await", ctx.Err())
	}
}

// noReply logs under the same request_id the core uses, so a late answer can
// be matched to the caller that gave up on it.
func (a *Asker) noReply(p Pending, stage string, cause error) error {
	a.log.Warnw("request got no reply",
		"request_id", p.ID,
		"request", fmt.Sprintf("%T", p.Request),
		"stage", stage,
		"error", cause,
	)
	return fmt.Errorf("%w: request %s: %v", ErrNoReply, p.ID, cause)
}

func ask[R Reply](ctx context.Context, a *Asker, req Request) (R, error) {
	var zero R
	rep, err := a.Ask(ctx, req)
	if err != nil {
		return zero, err
	}
	r, ok := rep.(R)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected reply %T to %T", ErrUnknown, rep, req)
	}
	return r, nil
}

// Login authenticates a user.
func (a *Asker) Login(ctx context.Context, email, passwordHash string) (message.UserID, error) {
	r, err := ask[UserReply](ctx, a, Login{Email: email, PasswordHash: passwordHash})
	return r.User, err
}

// Register creates an account.
func (a *Asker) Register(ctx context.Context, email, passwordHash, pubkey string) (message.UserID, error) {
	r, err := ask[UserReply](ctx, a, Register{Email: email, PasswordHash: passwordHash, Pubkey: pubkey})
	return r.User, err
}

// UserData returns lookup's profile masked for asker.
func (a *Asker) UserData(ctx context.Context, lookup message.UserID, asker *message.UserID) (store.PublicProfile, error) {
	r, err := ask[ProfileReply](ctx, a, GetUserData{Lookup: lookup, Asker: asker})
	return r.Profile, err
}

// Unread returns the unread messages sender has sent to recipient.
func (a *Asker) Unread(ctx context.Context, sender, recipient message.UserID) ([]message.PersistedMessage, error) {
	r, err := ask[MessagesReply](ctx, a, GetUnreadDirect{Sender: sender, Recipient: recipient})
	return r.Messages, err
}

// SendDirect persists a direct message and delivers it to the recipient's
// live connections.
func (a *Asker) SendDirect(ctx context.Context, from, to message.UserID, content string) (message.PersistedMessage, error) {
	r, err := ask[MessageReply](ctx, a, PostDirectMessage{From: from, To: to, Content: content})
	return r.Message, err
}

// SendGroup persists a group message.
func (a *Asker) SendGroup(ctx context.Context, from message.UserID, group message.GroupID, content string) (message.GroupMessageID, error) {
	r, err := ask[GroupMessageReply](ctx, a, PostGroupMessage{From: from, Group: group, Content: content})
	return r.ID, err
}

// AddFriend pairs two users.
func (a *Asker) AddFriend(ctx context.Context, user, friend message.UserID) error {
	_, err := ask[Ack](ctx, a, AddFriend{User: user, Friend: friend})
	return err
}

// SetVisibility changes who may see user's friend and group lists.
func (a *Asker) SetVisibility(ctx context.Context, user message.UserID, v store.Visibility) error {
	_, err := ask[Ack](ctx, a, SetVisibility{User: user, Visibility: v})
	return err
}
