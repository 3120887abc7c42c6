// Package store is the local persistent cache. It is the single source of
// truth for every read the UI layer performs and never touches the network.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by updates that match no row.
var ErrNotFound = errors.New("store: not found")

// DB wraps the SQLite database of one user profile.
type DB struct {
	*sql.DB

	// userID is the signed-in user. Unread counts are computed relative to it.
	userID string
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path, userID string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, userID: userID}, nil
}

// UserID returns the user the store belongs to.
func (db *DB) UserID() string {
	return db.userID
}
