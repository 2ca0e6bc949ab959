package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/yap-chat/yap/internal/message"
)

var (
	usersBucket         = []byte("users")
	emailsBucket        = []byte("emails")
	messagesBucket      = []byte("u_messages")
	groupMessagesBucket = []byte("g_messages")
	friendsBucket       = []byte("u_friends")
)

type boltUser struct {
	Email        string            `json:"email"`
	Pubkey       string            `json:"pubkey"`
	PasswordHash string            `json:"hashedPass"`
	Alias        *string           `json:"alias,omitempty"`
	Groups       []message.GroupID `json:"groups"`
	MOTD         *string           `json:"motd,omitempty"`
	Status       Status            `json:"status"`
	Visibility   Visibility        `json:"visibility"`
}

type boltMessage struct {
	Sender    message.UserID `json:"sender"`
	Recipient message.UserID `json:"recipient"`
	Content   string         `json:"content"`
	PostedAt  int64          `json:"postedAt"` // Unix nanoseconds
	Read      bool           `json:"read"`
}

type boltGroupMessage struct {
	Sender   message.UserID  `json:"sender"`
	Group    message.GroupID `json:"group"`
	Content  string          `json:"content"`
	PostedAt int64           `json:"postedAt"`
}

// Bolt is the embedded single-file storage driver.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, emailsBucket, messagesBucket, groupMessagesBucket, friendsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return &Bolt{db: db, now: time.Now}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Register creates a new account and returns its id.
func (b *Bolt) Register(_ context.Context, email, pubkey, passwordHash string) (message.UserID, error) {
	var uid message.UserID
	err := b.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(emailsBucket)
		if emails.Get([]byte(email)) != nil {
			return ErrUserExists
		}
		users := tx.Bucket(usersBucket)
		seq, err := users.NextSequence()
		if err != nil {
			return err
		}
		uid = message.UserID(seq)
		data, err := json.Marshal(boltUser{
			Email:        email,
			Pubkey:       pubkey,
			PasswordHash: passwordHash,
			Groups:       []message.GroupID{},
			Status:       Offline,
			Visibility:   DefaultVisibility,
		})
		if err != nil {
			return err
		}
		if err := users.Put(userKey(uid), data); err != nil {
			return err
		}
		return emails.Put([]byte(email), userKey(uid))
	})
	if err != nil {
		return 0, fmt.Errorf("register %q: %w", email, err)
	}
	return uid, nil
}

// Authenticate checks the credentials and returns the matching user.
func (b *Bolt) Authenticate(_ context.Context, email, passwordHash string) (message.UserID, error) {
	var uid message.UserID
	err := b.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(emailsBucket).Get([]byte(email))
		if key == nil {
			return ErrInvalidEmail
		}
		u, err := loadUser(tx, key)
		if err != nil {
			return err
		}
		if u.PasswordHash != passwordHash {
			return ErrInvalidPassword
		}
		uid = message.UserID(binary.BigEndian.Uint32(key))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uid, nil
}

// PostDirectMessage stores a message (unread) and returns the stored echo.
func (b *Bolt) PostDirectMessage(_ context.Context, sender, recipient message.UserID, content string) (message.PersistedMessage, error) {
	var echo message.PersistedMessage
	err := b.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket)
		for _, u := range []message.UserID{sender, recipient} {
			if users.Get(userKey(u)) == nil {
				return fmt.Errorf("user %d: %w", u, ErrNotFound)
			}
		}
		msgs := tx.Bucket(messagesBucket)
		seq, err := msgs.NextSequence()
		if err != nil {
			return err
		}
		m := boltMessage{
			Sender:    sender,
			Recipient: recipient,
			Content:   content,
			PostedAt:  b.now().UTC().UnixNano(),
		}
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := msgs.Put(seqKey(seq), data); err != nil {
			return err
		}
		echo = m.persisted(message.MessageID(seq))
		return nil
	})
	if err != nil {
		return message.PersistedMessage{}, fmt.Errorf("post message %d -> %d: %w", sender, recipient, err)
	}
	return echo, nil
}

// PostGroupMessage stores a group message. No membership check is made.
func (b *Bolt) PostGroupMessage(_ context.Context, sender message.UserID, group message.GroupID, content string) (message.GroupMessageID, error) {
	var id message.GroupMessageID
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(groupMessagesBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(boltGroupMessage{
			Sender:   sender,
			Group:    group,
			Content:  content,
			PostedAt: b.now().UTC().UnixNano(),
		})
		if err != nil {
			return err
		}
		id = message.GroupMessageID(seq)
		return bucket.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("post group message %d -> g%d: %w", sender, group, err)
	}
	return id, nil
}

// UserProfile returns target's profile masked for asker (nil for anonymous).
func (b *Bolt) UserProfile(_ context.Context, target message.UserID, asker *message.UserID) (PublicProfile, error) {
	var out PublicProfile
	err := b.db.View(func(tx *bolt.Tx) error {
		u, err := loadUser(tx, userKey(target))
		if err != nil {
			return err
		}
		rec := UserRecord{
			ID:           target,
			Email:        u.Email,
			Pubkey:       u.Pubkey,
			PasswordHash: u.PasswordHash,
			Alias:        u.Alias,
			Friends:      friendsOf(tx, target),
			Groups:       u.Groups,
			MOTD:         u.MOTD,
			Status:       u.Status,
			Visibility:   u.Visibility,
		}
		friends := asker != nil && tx.Bucket(friendsBucket).Get(friendKey(target, *asker)) != nil
		out = maskFor(rec, asker, friends)
		return nil
	})
	if err != nil {
		return PublicProfile{}, err
	}
	return out, nil
}

// SetVisibility changes who may see a user's memberships.
func (b *Bolt) SetVisibility(_ context.Context, user message.UserID, v Visibility) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		u, err := loadUser(tx, userKey(user))
		if err != nil {
			return err
		}
		u.Visibility = v
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return tx.Bucket(usersBucket).Put(userKey(user), data)
	})
}

// UnreadDirect lists unread messages from sender to recipient, oldest first.
// The message bucket is scanned in full; there is no secondary index.
func (b *Bolt) UnreadDirect(_ context.Context, sender, recipient message.UserID) ([]message.PersistedMessage, error) {
	var out []message.PersistedMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(k, v []byte) error {
			var m boltMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message %x: %w", k, err)
			}
			if m.Sender == sender && m.Recipient == recipient && !m.Read {
				out = append(out, m.persisted(message.MessageID(binary.BigEndian.Uint64(k))))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query unread %d -> %d: %w", sender, recipient, err)
	}
	return out, nil
}

// FlagRead marks a direct message as read. first is false when the message
// had already been flagged.
func (b *Bolt) FlagRead(_ context.Context, id message.MessageID) (first bool, err error) {
	err = b.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messagesBucket)
		key := seqKey(uint64(id))
		data := msgs.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var m boltMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if m.Read {
			return nil
		}
		m.Read = true
		updated, err := json.Marshal(m)
		if err != nil {
			return err
		}
		first = true
		return msgs.Put(key, updated)
	})
	return first, err
}

// AreFriends reports whether a and b are paired.
func (b *Bolt) AreFriends(_ context.Context, a, c message.UserID) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(friendsBucket).Get(friendKey(a, c)) != nil
		return nil
	})
	return found, err
}

// AddFriend pairs a and c in both directions.
func (b *Bolt) AddFriend(_ context.Context, a, c message.UserID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket)
		for _, u := range []message.UserID{a, c} {
			if users.Get(userKey(u)) == nil {
				return fmt.Errorf("user %d: %w", u, ErrNotFound)
			}
		}
		friends := tx.Bucket(friendsBucket)
		if err := friends.Put(friendKey(a, c), []byte{}); err != nil {
			return err
		}
		return friends.Put(friendKey(c, a), []byte{})
	})
}

func (m boltMessage) persisted(id message.MessageID) message.PersistedMessage {
	return message.PersistedMessage{
		ID:       id,
		From:     m.Sender,
		To:       m.Recipient,
		Content:  m.Content,
		PostedAt: time.Unix(0, m.PostedAt).UTC(),
		Read:     m.Read,
	}
}

func loadUser(tx *bolt.Tx, key []byte) (boltUser, error) {
	data := tx.Bucket(usersBucket).Get(key)
	if data == nil {
		return boltUser{}, ErrNotFound
	}
	var u boltUser
	if err := json.Unmarshal(data, &u); err != nil {
		return boltUser{}, fmt.Errorf("decode user %x: %w", key, err)
	}
	return u, nil
}

func friendsOf(tx *bolt.Tx, u message.UserID) []message.UserID {
	friends := []message.UserID{}
	prefix := userKey(u)
	c := tx.Bucket(friendsBucket).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		friends = append(friends, message.UserID(binary.BigEndian.Uint32(k[4:])))
	}
	return friends
}

func userKey(u message.UserID) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(u))
	return k
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func friendKey(l, r message.UserID) []byte {
	return append(userKey(l), userKey(r)...)
}
