// Package storage persists chats, their settings, users, archived messages and
// polling offsets. It speaks SQLite (go-sqlite3) and PostgreSQL (lib/pq)
// through sqlx.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// Database wraps the sqlx.DB connection.
type Database struct {
	*sqlx.DB
	dialect string
}

// sqliteSchema defines the tables for SQLite.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chats (
    chat_id INTEGER PRIMARY KEY,
    chat_type TEXT NOT NULL DEFAULT '',
    title TEXT,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_settings (
    chat_id INTEGER PRIMARY KEY,
    enabled BOOLEAN NOT NULL DEFAULT 1,
    profanity_policy TEXT NOT NULL DEFAULT 'off' CHECK (profanity_policy IN ('off', 'soft', 'hard')),
    updated_at DATETIME NOT NULL,
    FOREIGN KEY (chat_id) REFERENCES chats(chat_id)
);

CREATE TABLE IF NOT EXISTS users (
    user_id INTEGER PRIMARY KEY,
    display_name TEXT NOT NULL,
    username TEXT,
    is_bot BOOLEAN NOT NULL DEFAULT 0,
    last_seen_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id INTEGER NOT NULL,
    message_id INTEGER NOT NULL,
    user_id INTEGER,
    text TEXT,
    reply_to_id INTEGER,
    kind TEXT NOT NULL,
    sent_at DATETIME NOT NULL,
    received_at DATETIME NOT NULL,
    UNIQUE(chat_id, message_id),
    FOREIGN KEY (chat_id) REFERENCES chats(chat_id),
    FOREIGN KEY (user_id) REFERENCES users(user_id)
);

CREATE TABLE IF NOT EXISTS poll_offsets (
    name TEXT PRIMARY KEY,
    next_offset INTEGER NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_sent ON messages(chat_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages(user_id);
`

// postgresSchema defines the same tables for PostgreSQL.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS chats (
    chat_id BIGINT PRIMARY KEY,
    chat_type TEXT NOT NULL DEFAULT '',
    title TEXT,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_settings (
    chat_id BIGINT PRIMARY KEY REFERENCES chats(chat_id),
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    profanity_policy TEXT NOT NULL DEFAULT 'off' CHECK (profanity_policy IN ('off', 'soft', 'hard')),
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    user_id BIGINT PRIMARY KEY,
    display_name TEXT NOT NULL,
    username TEXT,
    is_bot BOOLEAN NOT NULL DEFAULT FALSE,
    last_seen_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id BIGSERIAL PRIMARY KEY,
    chat_id BIGINT NOT NULL REFERENCES chats(chat_id),
    message_id BIGINT NOT NULL,
    user_id BIGINT REFERENCES users(user_id),
    text TEXT,
    reply_to_id BIGINT,
    kind TEXT NOT NULL,
    sent_at TIMESTAMPTZ NOT NULL,
    received_at TIMESTAMPTZ NOT NULL,
    CONSTRAINT uq_messages_chat_message UNIQUE (chat_id, message_id)
);

CREATE TABLE IF NOT EXISTS poll_offsets (
    name TEXT PRIMARY KEY,
    next_offset BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_sent ON messages(chat_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages(user_id);
`

// Open connects to the store named by storeURL and initializes the schema.
//
// postgres:// and postgresql:// URLs use lib/pq. sqlite://path, file: URIs
// and bare filesystem paths use SQLite.
func Open(storeURL string) (*Database, error) {
	driver, dsn, err := parseStoreURL(storeURL)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	schema := postgresSchema
	if driver == DialectSQLite {
		// SQLite has a single writer and :memory: databases are per-connection.
		db.SetMaxOpenConns(1)
		schema = sqliteSchema
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{DB: db, dialect: driver}, nil
}

func parseStoreURL(storeURL string) (driver, dsn string, err error) {
	switch {
	case storeURL == "":
		return "", "", fmt.Errorf("store url is empty")
	case strings.HasPrefix(storeURL, "postgres://"), strings.HasPrefix(storeURL, "postgresql://"):
		return DialectPostgres, storeURL, nil
	case strings.HasPrefix(storeURL, "file:"):
		return DialectSQLite, withSQLiteParams(storeURL), nil
	}

	path := strings.TrimPrefix(strings.TrimPrefix(storeURL, "sqlite3://"), "sqlite://")
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return DialectSQLite, withSQLiteParams(path), nil
}

func withSQLiteParams(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// Dialect returns the SQL dialect of the connection.
func (d *Database) Dialect() string {
	return d.dialect
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (d *Database) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.DB.Close()
}
