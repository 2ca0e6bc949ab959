package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/yap-chat/yap/internal/message"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS u (
	uid INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	pubkey TEXT NOT NULL,
	hashed_pass TEXT NOT NULL,
	alias TEXT,
	group_ids TEXT NOT NULL DEFAULT '[]',
	motd TEXT,
	status TEXT NOT NULL,
	visibility TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS g (
	gid INTEGER PRIMARY KEY AUTOINCREMENT,
	motd TEXT
);

CREATE TABLE IF NOT EXISTS u_message (
	umid INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id INTEGER NOT NULL,
	receiver_id INTEGER NOT NULL,
	msg_content TEXT NOT NULL,
	time_posted INTEGER NOT NULL,
	r BOOLEAN NOT NULL DEFAULT FALSE,
	FOREIGN KEY (sender_id) REFERENCES u(uid),
	FOREIGN KEY (receiver_id) REFERENCES u(uid)
);

CREATE TABLE IF NOT EXISTS g_message (
	gmid INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id INTEGER NOT NULL,
	gid INTEGER NOT NULL,
	msg_content TEXT NOT NULL,
	time_posted INTEGER NOT NULL,
	FOREIGN KEY (sender_id) REFERENCES u(uid)
);

CREATE TABLE IF NOT EXISTS u_friend (
	l INTEGER NOT NULL,
	r INTEGER NOT NULL,
	PRIMARY KEY (l, r),
	FOREIGN KEY (l) REFERENCES u(uid),
	FOREIGN KEY (r) REFERENCES u(uid)
);

CREATE INDEX IF NOT EXISTS idx_u_message_pair ON u_message(sender_id, receiver_id, r);
`

// SQLite is the relational storage driver.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps transactions strictly serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Register creates a new account and returns its id.
func (s *SQLite) Register(ctx context.Context, email, pubkey, passwordHash string) (message.UserID, error) {
	var uid message.UserID
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT uid FROM u WHERE email = ?`, email).Scan(&existing)
		switch {
		case err == nil:
			return ErrUserExists
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO u (email, pubkey, hashed_pass, group_ids, status, visibility) VALUES (?, ?, ?, '[]', ?, ?)`,
			email, pubkey, passwordHash, string(Offline), string(DefaultVisibility))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		uid = message.UserID(id)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("register %q: %w", email, err)
	}
	return uid, nil
}

// Authenticate checks the credentials and returns the matching user.
func (s *SQLite) Authenticate(ctx context.Context, email, passwordHash string) (message.UserID, error) {
	var (
		uid  int64
		hash string
	)
	err := s.db.QueryRowContext(ctx, `SELECT uid, hashed_pass FROM u WHERE email = ?`, email).Scan(&uid, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInvalidEmail
	}
	if err != nil {
		return 0, fmt.Errorf("authenticate %q: %w", email, err)
	}
	if hash != passwordHash {
		return 0, ErrInvalidPassword
	}
	return message.UserID(uid), nil
}

// PostDirectMessage stores a message (unread) and returns the stored echo.
func (s *SQLite) PostDirectMessage(ctx context.Context, sender, recipient message.UserID, content string) (message.PersistedMessage, error) {
	var echo message.PersistedMessage
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO u_message (sender_id, receiver_id, msg_content, time_posted, r) VALUES (?, ?, ?, ?, FALSE)`,
			sender, recipient, content, s.now().UTC().UnixNano())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx,
			`SELECT umid, sender_id, receiver_id, msg_content, time_posted, r FROM u_message WHERE umid = ?`, id)
		echo, err = scanMessage(row)
		return err
	})
	if err != nil {
		return message.PersistedMessage{}, fmt.Errorf("post message %d -> %d: %w", sender, recipient, foreignKey(err))
	}
	return echo, nil
}

// PostGroupMessage stores a group message. No membership check is made.
func (s *SQLite) PostGroupMessage(ctx context.Context, sender message.UserID, group message.GroupID, content string) (message.GroupMessageID, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO g_message (sender_id, gid, msg_content, time_posted) VALUES (?, ?, ?, ?)`,
		sender, group, content, s.now().UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("post group message %d -> g%d: %w", sender, group, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return message.GroupMessageID(id), nil
}

// UserProfile returns target's profile masked for asker (nil for anonymous).
func (s *SQLite) UserProfile(ctx context.Context, target message.UserID, asker *message.UserID) (PublicProfile, error) {
	friends := false
	if asker != nil {
		var err error
		if friends, err = s.AreFriends(ctx, target, *asker); err != nil {
			return PublicProfile{}, err
		}
	}

	var (
		rec        UserRecord
		uid        int64
		groups     string
		status     string
		visibility string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, email, pubkey, hashed_pass, alias, group_ids, motd, status, visibility FROM u WHERE uid = ?`, target).
		Scan(&uid, &rec.Email, &rec.Pubkey, &rec.PasswordHash, &rec.Alias, &groups, &rec.MOTD, &status, &visibility)
	if errors.Is(err, sql.ErrNoRows) {
		return PublicProfile{}, ErrNotFound
	}
	if err != nil {
		return PublicProfile{}, fmt.Errorf("load user %d: %w", target, err)
	}
	rec.ID = message.UserID(uid)
	rec.Status = Status(status)
	rec.Visibility = Visibility(visibility)
	if err := json.Unmarshal([]byte(groups), &rec.Groups); err != nil {
		return PublicProfile{}, fmt.Errorf("decode groups of user %d: %w", target, err)
	}
	if rec.Friends, err = s.friendsOf(ctx, target); err != nil {
		return PublicProfile{}, err
	}
	return maskFor(rec, asker, friends), nil
}

// SetVisibility changes who may see a user's memberships.
func (s *SQLite) SetVisibility(ctx context.Context, user message.UserID, v Visibility) error {
	res, err := s.db.ExecContext(ctx, `UPDATE u SET visibility = ? WHERE uid = ?`, string(v), user)
	if err != nil {
		return fmt.Errorf("set visibility of user %d: %w", user, err)
	}
	return expectOneRow(res)
}

// UnreadDirect lists unread messages from sender to recipient, oldest first.
// Messages are not flagged.
func (s *SQLite) UnreadDirect(ctx context.Context, sender, recipient message.UserID) ([]message.PersistedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT umid, sender_id, receiver_id, msg_content, time_posted, r FROM u_message
		 WHERE sender_id = ? AND receiver_id = ? AND r = FALSE ORDER BY umid`, sender, recipient)
	if err != nil {
		return nil, fmt.Errorf("query unread %d -> %d: %w", sender, recipient, err)
	}
	defer rows.Close()

	var out []message.PersistedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FlagRead marks a direct message as read. first is false when the message
// had already been flagged.
func (s *SQLite) FlagRead(ctx context.Context, id message.MessageID) (first bool, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var read bool
		err := tx.QueryRowContext(ctx, `SELECT r FROM u_message WHERE umid = ?`, id).Scan(&read)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if read {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE u_message SET r = TRUE WHERE umid = ?`, id); err != nil {
			return err
		}
		first = true
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		err = fmt.Errorf("flag message %d read: %w", id, err)
	}
	return first, err
}

// AreFriends reports whether a and b are paired.
func (s *SQLite) AreFriends(ctx context.Context, a, b message.UserID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM u_friend WHERE l = ? AND r = ?`, a, b).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check friends %d/%d: %w", a, b, err)
	}
	return true, nil
}

// AddFriend pairs a and b in both directions. Pairing twice is not an error.
func (s *SQLite) AddFriend(ctx context.Context, a, b message.UserID) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, pair := range [][2]message.UserID{{a, b}, {b, a}} {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO u_friend (l, r) VALUES (?, ?)`, pair[0], pair[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add friends %d/%d: %w", a, b, foreignKey(err))
	}
	return nil
}

func (s *SQLite) friendsOf(ctx context.Context, u message.UserID) ([]message.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT r FROM u_friend WHERE l = ? ORDER BY r`, u)
	if err != nil {
		return nil, fmt.Errorf("list friends of %d: %w", u, err)
	}
	defer rows.Close()

	friends := []message.UserID{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		friends = append(friends, message.UserID(id))
	}
	return friends, rows.Err()
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (message.PersistedMessage, error) {
	var (
		m                message.PersistedMessage
		id, sender, recv int64
		posted           int64
	)
	if err := row.Scan(&id, &sender, &recv, &m.Content, &posted, &m.Read); err != nil {
		return message.PersistedMessage{}, err
	}
	m.ID = message.MessageID(id)
	m.From = message.UserID(sender)
	m.To = message.UserID(recv)
	m.PostedAt = time.Unix(0, posted).UTC()
	return m, nil
}

// foreignKey maps a foreign key violation, a reference to a missing user, to
// ErrNotFound.
func foreignKey(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return ErrNotFound
	}
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
