package core

import (
	"errors"

	"github.com/google/uuid"

	"github.com/yap-chat/yap/internal/message"
	"github.com/yap-chat/yap/internal/store"
)

// Business errors returned to request callers.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrNotFound           = errors.New("not found")
	ErrUnsupported        = errors.New("unsupported request")
	ErrUnknown            = errors.New("internal error")

	// ErrNoReply means the outcome is unknown: the core did not answer in
	// time or has stopped. The request may still have been applied.
	ErrNoReply = errors.New("no reply from core")
)

// Request is a synchronous operation executed by the core.
type Request interface {
	request()
}

type Login struct {
	Email        string
	PasswordHash string
}

type Register struct {
	Email        string
	PasswordHash string
	Pubkey       string
}

// GetUserData fetches Lookup's profile as seen by Asker. A nil Asker is an
// anonymous caller.
type GetUserData struct {
	Lookup message.UserID
	Asker  *message.UserID
}

// GetUnreadDirect lists unread messages sent by Sender to Recipient.
type GetUnreadDirect struct {
	Sender    message.UserID
	Recipient message.UserID
}

type PostDirectMessage struct {
	From    message.UserID
	To      message.UserID
	Content string
}

type PostGroupMessage struct {
	From    message.UserID
	Group   message.GroupID
	Content string
}

type AddFriend struct {
	User   message.UserID
	Friend message.UserID
}

type SetVisibility struct {
	User       message.UserID
	Visibility store.Visibility
}

// History is accepted but not served.
type History struct {
	Requester message.UserID
	Peer      message.UserID
	Amount    int
}

func (Login) request()             {}
func (Register) request()          {}
func (GetUserData) request()       {}
func (GetUnreadDirect) request()   {}
func (PostDirectMessage) request() {}
func (PostGroupMessage) request()  {}
func (AddFriend) request()         {}
func (SetVisibility) request()     {}
func (History) request()           {}

// Reply is the successful answer to a Request.
type Reply interface {
	reply()
}

type UserReply struct{ User message.UserID }

type ProfileReply struct{ Profile store.PublicProfile }

type MessagesReply struct{ Messages []message.PersistedMessage }

type MessageReply struct{ Message message.PersistedMessage }

type GroupMessageReply struct{ ID message.GroupMessageID }

// Ack answers requests that return nothing.
type Ack struct{}

func (UserReply) reply()         {}
func (ProfileReply) reply()      {}
func (MessagesReply) reply()     {}
func (MessageReply) reply()      {}
func (GroupMessageReply) reply() {}
func (Ack) reply()               {}

// Result carries exactly one of Reply or Err.
type Result struct {
	Reply Reply
	Err   error
}

// Pending is a request travelling to the core with its one-shot reply slot.
type Pending struct {
	ID      uuid.UUID
	Request Request
	reply   chan Result
}

// NewPending wraps req with a fresh id and reply slot.
func NewPending(req Request) Pending {
	return Pending{
		ID:      uuid.New(),
		Request: req,
		reply:   make(chan Result, 1),
	}
}

// Resolve answers the request. The slot holds one result, so resolving never
// blocks even if the caller has gone away; later calls are dropped.
func (p Pending) Resolve(res Result) {
	select {
	case p.reply <- res:
	default:
	}
}

// Wait returns the reply channel.
func (p Pending) Wait() <-chan Result { return p.reply }
