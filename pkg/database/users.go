// Package database persists registered user accounts. It backs the server's
// name-registration and rename handshakes; live chat membership never touches
// it. The store is an explicitly constructed object injected into the server,
// so tests can substitute an in-memory fake.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var (
	// ErrNicknameExists indicates a registration for a nickname that is
	// already persisted.
	ErrNicknameExists = errors.New("nickname already registered")
	// ErrUnknownUser indicates the nickname has no persisted account.
	ErrUnknownUser = errors.New("unknown user")
	// ErrInvalidCredentials indicates a failed password check.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserDB wraps the SQLite database holding registered accounts.
type UserDB struct {
	conn *sql.DB
}

// Open opens the user database at the given path, creating the schema if
// needed.
func Open(path string) (*UserDB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; WAL lets reads proceed during writes
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db := &UserDB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *UserDB) Close() error {
	return db.conn.Close()
}

func (db *UserDB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	nickname TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_nickname ON User(nickname);
`
	_, err := db.conn.Exec(schema)
	return err
}

// LookupNickname returns the persisted nickname matching candidate, or ""
// when no account reserves it. Matching is case-insensitive; the returned
// value carries the account's canonical casing.
func (db *UserDB) LookupNickname(candidate string) (string, error) {
	var nickname string
	err := db.conn.QueryRow(
		"SELECT nickname FROM User WHERE nickname = ?", candidate,
	).Scan(&nickname)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup nickname: %w", err)
	}
	return nickname, nil
}

// Register creates a persisted account reserving a nickname. The password is
// stored as a bcrypt hash.
func (db *UserDB) Register(nickname, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	_, err = db.conn.Exec(
		"INSERT INTO User (nickname, password_hash, created_at) VALUES (?, ?, ?)",
		nickname, string(hash), time.Now().UnixMilli(),
	)
	if err != nil {
		existing, lookupErr := db.LookupNickname(nickname)
		if lookupErr == nil && existing != "" {
			return ErrNicknameExists
		}
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Authenticate checks a nickname/password pair against the persisted account.
func (db *UserDB) Authenticate(nickname, password string) error {
	var hash string
	err := db.conn.QueryRow(
		"SELECT password_hash FROM User WHERE nickname = ?", nickname,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return ErrUnknownUser
	}
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// RenameNickname moves a persisted account's nickname. Renaming a nickname
// with no account behind it is a no-op: transient chat users have nothing to
// persist. Fails with ErrNicknameExists if the new nickname is reserved.
func (db *UserDB) RenameNickname(old, new string) error {
	existing, err := db.LookupNickname(new)
	if err != nil {
		return err
	}
	if existing != "" && existing != old {
		return ErrNicknameExists
	}

	_, err = db.conn.Exec(
		"UPDATE User SET nickname = ? WHERE nickname = ?", new, old,
	)
	if err != nil {
		return fmt.Errorf("rename nickname: %w", err)
	}
	return nil
}
