package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ronsh138/chat-application-with-file-sending/models"
	"github.com/ronsh138/chat-application-with-file-sending/protocol"
)

var (
	ErrNoRows      = errors.New("no rows found")
	ErrGroupExists = errors.New("group name already taken")
)

// Timestamp layouts shared with the server: full for storage, short for the
// display timestamps carried in broadcast envelopes.
const (
	FullTimeLayout  = "2006-01-02 15:04:05"
	ShortTimeLayout = "15:04:05"
)

// GeneralGroup always exists and no user may leave it.
const GeneralGroup = "General"

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	// Foreign keys stay declarative: group members and message senders may
	// be named before their user row exists (group invites, the "system"
	// sender on file notifications).
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			nickname TEXT PRIMARY KEY,
			first_seen TEXT,
			last_seen TEXT,
			ip_address TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			group_id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_name TEXT UNIQUE NOT NULL,
			created_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id INTEGER,
			user_nickname TEXT,
			FOREIGN KEY(group_id) REFERENCES groups(group_id),
			FOREIGN KEY(user_nickname) REFERENCES users(nickname),
			PRIMARY KEY (group_id, user_nickname)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id INTEGER,
			user_nickname TEXT,
			content TEXT,
			timestamp TEXT,
			FOREIGN KEY(group_id) REFERENCES groups(group_id),
			FOREIGN KEY(user_nickname) REFERENCES users(nickname)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_members_user ON group_members(user_nickname)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	// The General group must exist before any user connects.
	now := time.Now().Format(FullTimeLayout)
	_, err := db.conn.Exec(
		"INSERT OR IGNORE INTO groups (group_name, created_at) VALUES (?, ?)",
		GeneralGroup, now,
	)
	return err
}

// User methods

// UpsertUser creates the user on first sight and refreshes last_seen and
// ip_address on every subsequent login.
func (db *DB) UpsertUser(nickname, ipAddress string) error {
	now := time.Now().Format(FullTimeLayout)
	_, err := db.conn.Exec(`
		INSERT INTO users (nickname, first_seen, last_seen, ip_address)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(nickname) DO UPDATE SET last_seen = excluded.last_seen, ip_address = excluded.ip_address`,
		nickname, now, now, ipAddress,
	)
	return err
}

func (db *DB) GetUser(nickname string) (*models.User, error) {
	var u models.User
	err := db.conn.QueryRow(
		"SELECT nickname, first_seen, last_seen, ip_address FROM users WHERE nickname = ?",
		nickname,
	).Scan(&u.Nickname, &u.FirstSeen, &u.LastSeen, &u.IPAddress)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) SearchUsersByPrefix(prefix string, limit int) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT nickname FROM users WHERE nickname LIKE ? LIMIT ?",
		prefix+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var nickname string
		if err := rows.Scan(&nickname); err != nil {
			return nil, err
		}
		users = append(users, nickname)
	}
	return users, rows.Err()
}

// Group methods

func (db *DB) groupID(name string) (int64, error) {
	var id int64
	err := db.conn.QueryRow("SELECT group_id FROM groups WHERE group_name = ?", name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNoRows
	}
	return id, err
}

func (db *DB) ListAllGroupNames() ([]string, error) {
	rows, err := db.conn.Query("SELECT group_name FROM groups")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (db *DB) GetUserGroups(nickname string) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT g.group_name
		FROM groups g
		JOIN group_members gm ON g.group_id = gm.group_id
		WHERE gm.user_nickname = ?`,
		nickname,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		groups = append(groups, name)
	}
	return groups, rows.Err()
}

// AddMembership records that nickname belongs to the named group. Adding an
// existing membership is a no-op, as is naming a group that does not exist.
func (db *DB) AddMembership(nickname, group string) error {
	id, err := db.groupID(group)
	if err == ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(
		"INSERT OR IGNORE INTO group_members (group_id, user_nickname) VALUES (?, ?)",
		id, nickname,
	)
	return err
}

func (db *DB) RemoveMembership(nickname, group string) error {
	id, err := db.groupID(group)
	if err == ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(
		"DELETE FROM group_members WHERE group_id = ? AND user_nickname = ?",
		id, nickname,
	)
	return err
}

// CreateGroupAndMembers creates a group and its initial membership in one
// transaction. The creator is always included. Returns ErrGroupExists if the
// name is already taken, leaving the database untouched.
func (db *DB) CreateGroupAndMembers(name, creator string, members []string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Format(FullTimeLayout)
	result, err := tx.Exec("INSERT INTO groups (group_name, created_at) VALUES (?, ?)", name, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrGroupExists
		}
		return err
	}

	groupID, err := result.LastInsertId()
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, member := range append([]string{creator}, members...) {
		if seen[member] {
			continue
		}
		seen[member] = true
		if _, err := tx.Exec(
			"INSERT INTO group_members (group_id, user_nickname) VALUES (?, ?)",
			groupID, member,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Message methods

// SaveMessage stores one history row. Messages for unknown groups are
// silently dropped, matching the chat path's behavior.
func (db *DB) SaveMessage(group, nickname, content, timestamp string) error {
	id, err := db.groupID(group)
	if err == ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(
		"INSERT INTO messages (group_id, user_nickname, content, timestamp) VALUES (?, ?, ?, ?)",
		id, nickname, content, timestamp,
	)
	return err
}

// GetRecentHistory returns the last limit messages of a group in ascending
// order. Rows whose content parses as a stored envelope (file notifications,
// system notices) are returned as-is with the timestamp reformatted for
// display; plain text rows are wrapped as chat envelopes.
func (db *DB) GetRecentHistory(group string, limit int) ([]protocol.Message, error) {
	id, err := db.groupID(group)
	if err == ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var total int
	if err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE group_id = ?", id,
	).Scan(&total); err != nil {
		return nil, err
	}
	offset := total - limit
	if offset < 0 {
		offset = 0
	}

	rows, err := db.conn.Query(`
		SELECT user_nickname, content, timestamp
		FROM messages
		WHERE group_id = ?
		ORDER BY timestamp ASC
		LIMIT ? OFFSET ?`,
		id, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []protocol.Message
	for rows.Next() {
		var nickname, content, timestamp string
		if err := rows.Scan(&nickname, &content, &timestamp); err != nil {
			return nil, err
		}

		display := timestamp
		if t, err := time.Parse(FullTimeLayout, timestamp); err == nil {
			display = t.Format(ShortTimeLayout)
		}

		var stored protocol.Message
		if err := json.Unmarshal([]byte(content), &stored); err == nil && stored.Type != "" {
			if stored.Timestamp != "" {
				stored.Timestamp = display
			}
			history = append(history, stored)
			continue
		}

		history = append(history, protocol.Message{
			Type:      protocol.TypeChat,
			Nickname:  nickname,
			Message:   content,
			Timestamp: display,
			GroupName: group,
		})
	}
	return history, rows.Err()
}
