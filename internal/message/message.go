// Package message defines the identifiers and the tagged message vocabulary
// exchanged between the connection workers, the hub and the core.
//
// Every union is a sealed interface: only types in this package implement it,
// and consumers switch over the concrete types with a default branch that
// reports the variant as unhandled.
package message

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// UserID identifies a registered account. It is assigned by storage.
type UserID uint32

func (u UserID) String() string { return strconv.FormatUint(uint64(u), 10) }

// ParseUserID parses a decimal user id.
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	return UserID(n), nil
}

// ConnectionID identifies one live stream for the lifetime of the process.
type ConnectionID uint64

func (c ConnectionID) String() string { return "conn-" + strconv.FormatUint(uint64(c), 10) }

// MessageID is the storage-assigned id of a persisted direct message.
type MessageID uint64

// GroupID identifies a group.
type GroupID uint32

// GroupMessageID is the storage-assigned id of a persisted group message.
type GroupMessageID uint64

// PersistedMessage is the canonical echo of a stored direct message.
type PersistedMessage struct {
	ID       MessageID `json:"message_id"`
	From     UserID    `json:"from"`
	To       UserID    `json:"to"`
	Content  string    `json:"content"`
	PostedAt time.Time `json:"posted_at"`
	Read     bool      `json:"read"`
}

// ServerBound is the only client to server stream message: a direct message.
type ServerBound struct {
	To      UserID `json:"to"`
	Content string `json:"content"`
}

// DecodeServerBound parses a text frame sent by a client.
func DecodeServerBound(data []byte) (ServerBound, error) {
	var sb ServerBound
	if err := json.Unmarshal(data, &sb); err != nil {
		return ServerBound{}, fmt.Errorf("decode client message: %w", err)
	}
	return sb, nil
}
