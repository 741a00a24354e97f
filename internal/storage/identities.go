package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Identity is the stored record of a username.
type Identity struct {
	Username       string
	CredentialHash string
	Online         bool
	CreatedAt      time.Time
}

// FindIdentity returns the identity for username, or ErrNotFound.
func (d *DB) FindIdentity(ctx context.Context, username string) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var id Identity
	var online int
	var created int64
	err := d.db.QueryRowContext(ctx, `
		SELECT username, credential_hash, online, created_at
		FROM identities WHERE username = ?`, username).
		Scan(&id.Username, &id.CredentialHash, &online, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("find identity: %w", err)
	}
	id.Online = online != 0
	id.CreatedAt = fromMillis(created)
	return id, nil
}

// CreateIdentity inserts a new identity. Returns ErrConflict if the username
// is taken.
func (d *DB) CreateIdentity(ctx context.Context, username, credentialHash string) (Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO identities (username, credential_hash, online, created_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(username) DO NOTHING`,
		username, credentialHash, millis(now))
	if err != nil {
		return Identity{}, fmt.Errorf("create identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Identity{}, ErrConflict
	}
	return Identity{Username: username, CredentialHash: credentialHash, CreatedAt: fromMillis(millis(now))}, nil
}

// UpsertIdentity stores or replaces the credential hash and online flag for
// username. created_at is kept for existing rows.
func (d *DB) UpsertIdentity(ctx context.Context, username, credentialHash string, online bool) error {
	on := 0
	if online {
		on = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO identities (username, credential_hash, online, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			credential_hash = excluded.credential_hash,
			online          = excluded.online`,
		username, credentialHash, on, millis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// SetOnline marks username online.
func (d *DB) SetOnline(ctx context.Context, username string) error {
	return d.setOnline(ctx, username, 1)
}

// SetOffline marks username offline.
func (d *DB) SetOffline(ctx context.Context, username string) error {
	return d.setOnline(ctx, username, 0)
}

func (d *DB) setOnline(ctx context.Context, username string, on int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `UPDATE identities SET online = ? WHERE username = ?`, on, username)
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetPresence marks every identity offline. Returns the number of rows that
// were still flagged online.
func (d *DB) ResetPresence(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `UPDATE identities SET online = 0 WHERE online <> 0`)
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// identitiesExist reports whether every name is a stored identity.
// Callers hold d.mu.
func (d *DB) identitiesExist(ctx context.Context, names ...string) (bool, error) {
	for _, name := range names {
		var one int
		err := d.db.QueryRowContext(ctx, `SELECT 1 FROM identities WHERE username = ?`, name).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}
