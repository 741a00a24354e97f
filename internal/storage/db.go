package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflict")
)

// DB wraps the relay's SQLite database
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Pragmas go in the DSN so that every pooled connection gets them, not only
// the first one.
const dsnPragmas = "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// Open opens or creates the SQLite database at dbPath and makes sure the
// schema exists.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS identities (
			username        TEXT PRIMARY KEY,
			credential_hash TEXT NOT NULL DEFAULT '',
			online          INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create identities table: %w", err)
	}

	// One row per unordered pair. user_a/user_b is the sorted pair and is
	// the key; initiator/target keep the direction of the original request.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS relationships (
			user_a     TEXT NOT NULL REFERENCES identities(username) ON DELETE CASCADE,
			user_b     TEXT NOT NULL REFERENCES identities(username) ON DELETE CASCADE,
			initiator  TEXT NOT NULL,
			target     TEXT NOT NULL,
			status     TEXT NOT NULL CHECK (status IN ('pending', 'accepted', 'declined')),
			last_actor TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_a, user_b),
			CHECK (user_a < user_b)
		);
		CREATE INDEX IF NOT EXISTS relationships_user_b ON relationships(user_b);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create relationships table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			sender    TEXT NOT NULL REFERENCES identities(username) ON DELETE CASCADE,
			recipient TEXT NOT NULL REFERENCES identities(username) ON DELETE CASCADE,
			content   TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_pair ON messages(sender, recipient, timestamp);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	log.Debugw("database ready", "path", dbPath)
	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Ping reports whether the database is reachable. Used by /healthz.
func (d *DB) Ping() error {
	return d.db.Ping()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// canonical returns the pair sorted so that a < b.
func canonical(x, y string) (string, string) {
	if x < y {
		return x, y
	}
	return y, x
}
