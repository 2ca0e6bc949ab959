package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientBound is a payload written to a client stream.
type ClientBound interface {
	clientBound()
}

// NewDirectMessage tells the recipient about a freshly persisted message.
type NewDirectMessage struct {
	From      UserID
	To        UserID
	Content   string
	MessageID MessageID
	PostedAt  time.Time
}

// NewGroupMessage is reserved for group fan-out; nothing emits it yet.
type NewGroupMessage struct {
	From      UserID
	Group     GroupID
	Content   string
	MessageID GroupMessageID
}

// ReadConfirmation tells a sender that a message reached one of the
// recipient's devices and was flagged read.
type ReadConfirmation struct {
	MessageID MessageID
	Reader    UserID
}

func (NewDirectMessage) clientBound() {}
func (NewGroupMessage) clientBound()  {}
func (ReadConfirmation) clientBound() {}

// DirectFromPersisted builds the client payload for a stored message.
func DirectFromPersisted(m PersistedMessage) NewDirectMessage {
	return NewDirectMessage{
		From:      m.From,
		To:        m.To,
		Content:   m.Content,
		MessageID: m.ID,
		PostedAt:  m.PostedAt,
	}
}

const (
	TypeNewDirectMessage = "new_direct_message"
	TypeNewGroupMessage  = "new_group_message"
	TypeReadConfirmation = "read_confirmation"
)

type wireClientBound struct {
	Type      string     `json:"type"`
	From      *UserID    `json:"from,omitempty"`
	To        *UserID    `json:"to,omitempty"`
	Group     *GroupID   `json:"group,omitempty"`
	Reader    *UserID    `json:"reader,omitempty"`
	Content   string     `json:"content,omitempty"`
	MessageID uint64     `json:"message_id"`
	PostedAt  *time.Time `json:"posted_at,omitempty"`
}

// EncodeClientBound serializes a payload to its JSON wire form.
func EncodeClientBound(p ClientBound) ([]byte, error) {
	var w wireClientBound
	switch m := p.(type) {
	case NewDirectMessage:
		w = wireClientBound{
			Type:      TypeNewDirectMessage,
			From:      &m.From,
			To:        &m.To,
			Content:   m.Content,
			MessageID: uint64(m.MessageID),
			PostedAt:  &m.PostedAt,
		}
	case NewGroupMessage:
		w = wireClientBound{
			Type:      TypeNewGroupMessage,
			From:      &m.From,
			Group:     &m.Group,
			Content:   m.Content,
			MessageID: uint64(m.MessageID),
		}
	case ReadConfirmation:
		w = wireClientBound{
			Type:      TypeReadConfirmation,
			Reader:    &m.Reader,
			MessageID: uint64(m.MessageID),
		}
	default:
		return nil, fmt.Errorf("unhandled client payload %T", p)
	}
	return json.Marshal(w)
}

// DecodeClientBound parses the JSON wire form. Clients and tests use it; the
// server only encodes.
func DecodeClientBound(data []byte) (ClientBound, error) {
	var w wireClientBound
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode client payload: %w", err)
	}
	deref := func(u *UserID) UserID {
		if u == nil {
			return 0
		}
		return *u
	}
	switch w.Type {
	case TypeNewDirectMessage:
		m := NewDirectMessage{
			From:      deref(w.From),
			To:        deref(w.To),
			Content:   w.Content,
			MessageID: MessageID(w.MessageID),
		}
		if w.PostedAt != nil {
			m.PostedAt = *w.PostedAt
		}
		return m, nil
	case TypeNewGroupMessage:
		m := NewGroupMessage{
			From:      deref(w.From),
			Content:   w.Content,
			MessageID: GroupMessageID(w.MessageID),
		}
		if w.Group != nil {
			m.Group = *w.Group
		}
		return m, nil
	case TypeReadConfirmation:
		return ReadConfirmation{MessageID: MessageID(w.MessageID), Reader: deref(w.Reader)}, nil
	default:
		return nil, fmt.Errorf("unknown client payload type %q", w.Type)
	}
}
