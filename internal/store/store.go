// Package store persists credentials, topic subscriptions, and message logs
// in an embedded sqlite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the database connection and provides all persistence methods.
type Store struct {
	db *sql.DB
}

// Open connects to the database and applies migrations.
//
// dsn accepts either a plain file path or the relay's DATABASE_URL form
// "sqlite:<path>?mode=rwc"; the scheme and query are stripped and the file
// is created when missing.
func Open(dsn string) (*Store, error) {
	path := dsnPath(dsn)
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite serialises writes; a single connection avoids SQLITE_BUSY
	// churn between the workers and the control plane.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// dsnPath strips the "sqlite:" scheme and any query string from a DSN.
func dsnPath(dsn string) string {
	p := strings.TrimPrefix(dsn, "sqlite://")
	p = strings.TrimPrefix(p, "sqlite:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			api_key         TEXT NOT NULL,
			app_id          TEXT NOT NULL,
			project_id      TEXT NOT NULL,
			fcm_token       TEXT NOT NULL DEFAULT '',
			gcm_token       TEXT NOT NULL DEFAULT '',
			android_id      INTEGER NOT NULL DEFAULT 0,
			security_token  INTEGER NOT NULL DEFAULT 0,
			private_key     TEXT NOT NULL DEFAULT '',
			auth_secret     TEXT NOT NULL DEFAULT '',
			webhook_url     TEXT NOT NULL,
			webhook_headers TEXT NOT NULL DEFAULT '',
			is_active       INTEGER NOT NULL DEFAULT 1,
			is_suspended    INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credential_topics (
			credential_id TEXT NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
			topic         TEXT NOT NULL,
			UNIQUE (credential_id, topic)
		)`,
		`CREATE TABLE IF NOT EXISTS message_logs (
			id               TEXT PRIMARY KEY,
			credential_id    TEXT NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
			fcm_message_id   TEXT NOT NULL DEFAULT '',
			payload          TEXT NOT NULL,
			webhook_status   INTEGER,
			webhook_response TEXT NOT NULL DEFAULT '',
			received_at      TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_logs_credential_received
			ON message_logs(credential_id, received_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_message_logs_credential_fcm
			ON message_logs(credential_id, fcm_message_id)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, m := range migrations {
		if _, err := tx.Exec(m); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return tx.Commit()
}
