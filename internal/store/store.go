// Package store implements the persistent storage gateway: accounts, direct
// and group messages, and friend pairings. Two drivers are provided, SQLite for
// deployments that want a relational store and bbolt for a single-file
// embedded one. Both are owned by the core actor and are not meant to be
// shared between goroutines.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/yap-chat/yap/internal/message"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrInvalidEmail    = errors.New("unknown email")
	ErrInvalidPassword = errors.New("invalid password")
	ErrNotFound        = errors.New("not found")
)

// Visibility controls who may see a user's friend and group lists.
type Visibility string

const (
	Private     Visibility = "Private"
	FriendsOnly Visibility = "FriendsOnly"
	Public      Visibility = "Public"
)

// DefaultVisibility applies to newly registered users.
const DefaultVisibility = FriendsOnly

// ParseVisibility validates a visibility name.
func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(s); v {
	case Private, FriendsOnly, Public:
		return v, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", s)
	}
}

// Status is the presence a user advertises.
type Status string

const (
	Online    Status = "Online"
	Offline   Status = "Offline"
	Invisible Status = "Invisible"
)

// UserRecord is the full stored account. It must never be sent to a client
// as is; use Mask.
type UserRecord struct {
	ID           message.UserID
	Email        string
	Pubkey       string
	PasswordHash string
	Alias        *string
	Friends      []message.UserID
	Groups       []message.GroupID
	MOTD         *string
	Status       Status
	Visibility   Visibility
}

// PublicProfile is the client-facing view of a UserRecord. Nil fields were
// masked out.
type PublicProfile struct {
	ID           message.UserID    `json:"uid"`
	Email        *string           `json:"email"`
	Pubkey       string            `json:"pubkey"`
	PasswordHash *string           `json:"hashed_pass"`
	Alias        *string           `json:"alias"`
	Friends      []message.UserID  `json:"friends"`
	Groups       []message.GroupID `json:"groups"`
	MOTD         *string           `json:"motd"`
	Online       bool              `json:"online"`
}

// Gateway is the synchronous storage interface consumed by the core actor.
type Gateway interface {
	Register(ctx context.Context, email, pubkey, passwordHash string) (message.UserID, error)
	Authenticate(ctx context.Context, email, passwordHash string) (message.UserID, error)
	PostDirectMessage(ctx context.Context, sender, recipient message.UserID, content string) (message.PersistedMessage, error)
	PostGroupMessage(ctx context.Context, sender message.UserID, group message.GroupID, content string) (message.GroupMessageID, error)
	UserProfile(ctx context.Context, target message.UserID, asker *message.UserID) (PublicProfile, error)
	SetVisibility(ctx context.Context, user message.UserID, v Visibility) error
	UnreadDirect(ctx context.Context, sender, recipient message.UserID) ([]message.PersistedMessage, error)
	FlagRead(ctx context.Context, id message.MessageID) (first bool, err error)
	AreFriends(ctx context.Context, a, b message.UserID) (bool, error)
	AddFriend(ctx context.Context, a, b message.UserID) error
	Close() error
}

var (
	_ Gateway = (*SQLite)(nil)
	_ Gateway = (*Bolt)(nil)
)

// Open opens the driver named by driver ("sqlite" or "bolt") at path.
func Open(driver, path string) (Gateway, error) {
	var (
		gw  Gateway
		err error
	)
	switch driver {
	case "sqlite", "":
		gw, err = OpenSQLite(path)
	case "bolt":
		gw, err = OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return gw, nil
}
