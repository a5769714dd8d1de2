// Package store is the persistent relational backing for accounts,
// channels, memberships, and offline notifications. It wraps a single
// serialized connection so the SQLite driver never has to arbitrate
// writers, and every method logs its own success or failure the way a
// DB service is expected to.
package store

import (
	"context"
	"database/sql"
	"log"

	// Registers the sqlite3 driver under database/sql.
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// ErrNoSuchUser is returned by PasswordCorrect when nick has no account.
var ErrNoSuchUser = errors.New("no such user")

// Mode is a channel's visibility.
type Mode string

const (
	ModePublic  Mode = "pub"
	ModePrivate Mode = "priv"
)

const schema = `
CREATE TABLE IF NOT EXISTS user (
	user_id INTEGER PRIMARY KEY,
	nick TEXT UNIQUE NOT NULL,
	mail TEXT UNIQUE NOT NULL,
	password TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS channel (
	channel_id INTEGER PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	creator TEXT NOT NULL REFERENCES user(nick) ON DELETE CASCADE,
	public INTEGER NOT NULL CHECK (public IN (0, 1))
);
CREATE TABLE IF NOT EXISTS is_member (
	id INTEGER PRIMARY KEY,
	user TEXT NOT NULL REFERENCES user(nick) ON DELETE CASCADE,
	channel TEXT NOT NULL REFERENCES channel(name) ON DELETE CASCADE,
	UNIQUE(user, channel)
);
CREATE TABLE IF NOT EXISTS notification (
	notif_id INTEGER PRIMARY KEY,
	author TEXT NOT NULL REFERENCES user(nick),
	target TEXT NOT NULL REFERENCES user(nick) ON DELETE CASCADE,
	content TEXT NOT NULL
);
`

// Store is the single serialized handle to the relational backing
// store. It is safe to share across goroutines (database/sql pools
// internally); the rest of the core calls it from the background
// goroutines that Loop.Defer starts, and hands each result back to the
// event loop.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the sqlite database at path and
// bootstraps its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}

	// A single connection serializes all writers, matching the
	// single-threaded-core assumption: the store never arbitrates
	// between concurrent writers itself.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "bootstrap schema")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func logOp(op string, err error) {
	if err != nil {
		log.Printf("store: %s failed: %s", op, err)
		return
	}
	log.Printf("store: %s ok", op)
}

// AccountAvailable reports whether nick and mail are both unused.
func (s *Store) AccountAvailable(ctx context.Context, nick, mail string) (nickFree, mailFree bool, err error) {
	defer func() { logOp("account_available", err) }()

	var n int
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user WHERE nick = ?`, nick).Scan(&n); err != nil {
		return false, false, errors.Wrap(err, "check nick")
	}
	nickFree = n == 0

	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user WHERE mail = ?`, mail).Scan(&n); err != nil {
		return false, false, errors.Wrap(err, "check mail")
	}
	mailFree = n == 0

	return nickFree, mailFree, nil
}

// UsersRegistered returns the subset of nicks that have an account.
func (s *Store) UsersRegistered(ctx context.Context, nicks []string) (registered []string, err error) {
	defer func() { logOp("users_registered", err) }()

	for _, nick := range nicks {
		var n int
		if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user WHERE nick = ?`, nick).Scan(&n); err != nil {
			return nil, errors.Wrap(err, "check nick")
		}
		if n > 0 {
			registered = append(registered, nick)
		}
	}
	return registered, nil
}

// AddUser creates an account, hashing pw before it ever reaches disk.
func (s *Store) AddUser(ctx context.Context, nick, mail, pw string) (err error) {
	defer func() { logOp("add_user", err) }()

	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO user(nick, mail, password) VALUES (?, ?, ?)`, nick, mail, string(hash))
	if err != nil {
		return errors.Wrap(err, "insert user")
	}
	return nil
}

// DeleteUser removes an account; channels it created and memberships it
// held cascade per the schema.
func (s *Store) DeleteUser(ctx context.Context, nick string) (err error) {
	defer func() { logOp("delete_user", err) }()

	_, err = s.db.ExecContext(ctx, `DELETE FROM user WHERE nick = ?`, nick)
	if err != nil {
		return errors.Wrap(err, "delete user")
	}
	return nil
}

// PasswordCorrect reports whether pw matches nick's stored hash.
// ErrNoSuchUser is returned if nick has no account.
func (s *Store) PasswordCorrect(ctx context.Context, nick, pw string) (ok bool, err error) {
	defer func() { logOp("password_correct", err) }()

	var hash string
	err = s.db.QueryRowContext(ctx, `SELECT password FROM user WHERE nick = ?`, nick).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, ErrNoSuchUser
	}
	if err != nil {
		return false, errors.Wrap(err, "select password")
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) != nil {
		return false, nil
	}
	return true, nil
}

// ChannelExists reports whether a channel by this name exists.
func (s *Store) ChannelExists(ctx context.Context, name string) (exists bool, err error) {
	defer func() { logOp("channel_exists", err) }()

	var n int
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channel WHERE name = ?`, name).Scan(&n); err != nil {
		return false, errors.Wrap(err, "check channel")
	}
	return n > 0, nil
}

// GetChannelMode returns the channel's mode.
func (s *Store) GetChannelMode(ctx context.Context, name string) (mode Mode, err error) {
	defer func() { logOp("get_channel_mode", err) }()

	var public int
	err = s.db.QueryRowContext(ctx, `SELECT public FROM channel WHERE name = ?`, name).Scan(&public)
	if err == sql.ErrNoRows {
		return "", errors.Errorf("no such channel: %s", name)
	}
	if err != nil {
		return "", errors.Wrap(err, "select channel mode")
	}
	if public == 1 {
		return ModePublic, nil
	}
	return ModePrivate, nil
}

// GetChannelCreator returns the nick that created the channel.
func (s *Store) GetChannelCreator(ctx context.Context, name string) (creator string, err error) {
	defer func() { logOp("get_channel_creator", err) }()

	err = s.db.QueryRowContext(ctx, `SELECT creator FROM channel WHERE name = ?`, name).Scan(&creator)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "select channel creator")
	}
	return creator, nil
}

// AddChannel creates a channel and, in the same transaction, adds any
// initial members (the creator is expected to already be among nicks
// for a private channel).
func (s *Store) AddChannel(ctx context.Context, name, creator string, public bool, nicks []string) (err error) {
	defer func() { logOp("add_channel", err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	publicInt := 0
	if public {
		publicInt = 1
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO channel(name, creator, public) VALUES (?, ?, ?)`, name, creator, publicInt); err != nil {
		return errors.Wrap(err, "insert channel")
	}

	for _, nick := range nicks {
		if _, err = tx.ExecContext(ctx, `INSERT INTO is_member(user, channel) VALUES (?, ?)`, nick, name); err != nil {
			return errors.Wrap(err, "insert member")
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// DeleteChannel removes a channel; memberships that reference it
// cascade per the schema. Notifications have no link to a channel and
// are left in place.
func (s *Store) DeleteChannel(ctx context.Context, name string) (err error) {
	defer func() { logOp("delete_channel", err) }()

	_, err = s.db.ExecContext(ctx, `DELETE FROM channel WHERE name = ?`, name)
	if err != nil {
		return errors.Wrap(err, "delete channel")
	}
	return nil
}

// AddMembers adds nicks to a channel's membership in one transaction.
func (s *Store) AddMembers(ctx context.Context, channel string, nicks []string) (err error) {
	defer func() { logOp("add_members", err) }()
	return s.mutateMembers(ctx, channel, nicks, `INSERT OR IGNORE INTO is_member(user, channel) VALUES (?, ?)`)
}

// DeleteMembers removes nicks from a channel's membership in one
// transaction.
func (s *Store) DeleteMembers(ctx context.Context, channel string, nicks []string) (err error) {
	defer func() { logOp("delete_members", err) }()
	return s.mutateMembers(ctx, channel, nicks, `DELETE FROM is_member WHERE user = ? AND channel = ?`)
}

func (s *Store) mutateMembers(ctx context.Context, channel string, nicks []string, query string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	for _, nick := range nicks {
		if _, err := tx.ExecContext(ctx, query, nick, channel); err != nil {
			return errors.Wrap(err, "exec")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// IsMember reports whether nick is a member of channel.
func (s *Store) IsMember(ctx context.Context, nick, channel string) (ok bool, err error) {
	defer func() { logOp("is_member", err) }()

	var n int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM is_member WHERE user = ? AND channel = ?`, nick, channel).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "select membership")
	}
	return n > 0, nil
}

// GetMembers lists the nicks belonging to a channel.
func (s *Store) GetMembers(ctx context.Context, channel string) (members []string, err error) {
	defer func() { logOp("get_members", err) }()
	return s.queryStrings(ctx, `SELECT user FROM is_member WHERE channel = ?`, channel)
}

// GetPubChannels lists every public channel's name.
func (s *Store) GetPubChannels(ctx context.Context) (names []string, err error) {
	defer func() { logOp("get_pub_channels", err) }()
	return s.queryStrings(ctx, `SELECT name FROM channel WHERE public = 1`)
}

// GetPrivChannels lists the private channels nick belongs to.
func (s *Store) GetPrivChannels(ctx context.Context, nick string) (names []string, err error) {
	defer func() { logOp("get_priv_channels", err) }()
	return s.queryStrings(ctx, `SELECT channel.name FROM channel
		JOIN is_member ON is_member.channel = channel.name
		WHERE channel.public = 0 AND is_member.user = ?`, nick)
}

// AddNotification persists an offline notification for target.
func (s *Store) AddNotification(ctx context.Context, author, target, content string) (err error) {
	defer func() { logOp("add_notification", err) }()

	_, err = s.db.ExecContext(ctx, `INSERT INTO notification(author, target, content) VALUES (?, ?, ?)`, author, target, content)
	if err != nil {
		return errors.Wrap(err, "insert notification")
	}
	return nil
}

// Notification is a single pending notification for its target.
type Notification struct {
	Author  string
	Content string
}

// GetNotifications lists pending notifications for user, oldest first.
func (s *Store) GetNotifications(ctx context.Context, user string) (notifications []Notification, err error) {
	defer func() { logOp("get_notifications", err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT author, content FROM notification WHERE target = ? ORDER BY notif_id`, user)
	if err != nil {
		return nil, errors.Wrap(err, "select notifications")
	}
	defer rows.Close()

	for rows.Next() {
		var n Notification
		if err = rows.Scan(&n.Author, &n.Content); err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		notifications = append(notifications, n)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate notifications")
	}
	return notifications, nil
}

// DeleteNotifications clears every pending notification for user.
func (s *Store) DeleteNotifications(ctx context.Context, user string) (err error) {
	defer func() { logOp("delete_notifications", err) }()

	_, err = s.db.ExecContext(ctx, `DELETE FROM notification WHERE target = ?`, user)
	if err != nil {
		return errors.Wrap(err, "delete notifications")
	}
	return nil
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errors.Wrap(err, "scan")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate")
	}
	return out, nil
}
