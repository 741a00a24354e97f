package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// Direction filters ListEdges relative to the queried username.
type Direction int

const (
	Either   Direction = iota
	Incoming           // username is the target
	Outgoing           // username is the initiator
)

// Edge is the single relationship row of an unordered pair.
type Edge struct {
	Initiator string
	Target    string
	Status    Status
	LastActor string
	UpdatedAt time.Time
}

// Other returns the party of the edge that is not username.
func (e Edge) Other(username string) string {
	if e.Initiator == username {
		return e.Target
	}
	return e.Initiator
}

const edgeColumns = `initiator, target, status, last_actor, updated_at`

func scanEdge(sc interface{ Scan(...any) error }) (Edge, error) {
	var e Edge
	var status string
	var updated int64
	if err := sc.Scan(&e.Initiator, &e.Target, &status, &e.LastActor, &updated); err != nil {
		return Edge{}, err
	}
	e.Status = Status(status)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}

// CreateEdge inserts a pending edge from initiator to target. Returns
// ErrNotFound if either identity is unknown and ErrConflict if the pair
// already has an edge in any status or direction.
func (d *DB) CreateEdge(ctx context.Context, initiator, target string) (Edge, error) {
	if initiator == target {
		return Edge{}, fmt.Errorf("create edge: %w: self relationship", ErrConflict)
	}
	a, b := canonical(initiator, target)

	d.mu.Lock()
	defer d.mu.Unlock()

	ok, err := d.identitiesExist(ctx, initiator, target)
	if err != nil {
		return Edge{}, fmt.Errorf("create edge: %w", err)
	}
	if !ok {
		return Edge{}, ErrNotFound
	}

	now := time.Now()
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO relationships (user_a, user_b, initiator, target, status, last_actor, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(user_a, user_b) DO NOTHING`,
		a, b, initiator, target, initiator, millis(now))
	if err != nil {
		return Edge{}, fmt.Errorf("create edge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Edge{}, ErrConflict
	}
	return Edge{
		Initiator: initiator,
		Target:    target,
		Status:    StatusPending,
		LastActor: initiator,
		UpdatedAt: fromMillis(millis(now)),
	}, nil
}

// TransitionEdge moves the pending edge initiator->target to status to,
// recording actor. The update is conditional on the row still being pending
// in that direction; otherwise ErrConflict.
func (d *DB) TransitionEdge(ctx context.Context, initiator, target string, to Status, actor string) (Edge, error) {
	if to != StatusAccepted && to != StatusDeclined {
		return Edge{}, fmt.Errorf("transition edge: invalid status %q", to)
	}
	a, b := canonical(initiator, target)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	res, err := d.db.ExecContext(ctx, `
		UPDATE relationships
		SET status = ?, last_actor = ?, updated_at = ?
		WHERE user_a = ? AND user_b = ? AND initiator = ? AND target = ? AND status = 'pending'`,
		string(to), actor, millis(now), a, b, initiator, target)
	if err != nil {
		return Edge{}, fmt.Errorf("transition edge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Edge{}, ErrConflict
	}
	return Edge{
		Initiator: initiator,
		Target:    target,
		Status:    to,
		LastActor: actor,
		UpdatedAt: fromMillis(millis(now)),
	}, nil
}

// DeleteEdge removes the edge between x and y whatever its status and
// returns it. Returns ErrNotFound if there is none.
func (d *DB) DeleteEdge(ctx context.Context, x, y string) (Edge, error) {
	a, b := canonical(x, y)

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := scanEdge(d.db.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM relationships WHERE user_a = ? AND user_b = ?`, a, b))
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, ErrNotFound
	}
	if err != nil {
		return Edge{}, fmt.Errorf("delete edge: %w", err)
	}
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM relationships WHERE user_a = ? AND user_b = ?`, a, b); err != nil {
		return Edge{}, fmt.Errorf("delete edge: %w", err)
	}
	return e, nil
}

// GetEdge returns the edge between x and y, or ErrNotFound.
func (d *DB) GetEdge(ctx context.Context, x, y string) (Edge, error) {
	a, b := canonical(x, y)

	d.mu.RLock()
	defer d.mu.RUnlock()

	e, err := scanEdge(d.db.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM relationships WHERE user_a = ? AND user_b = ?`, a, b))
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, ErrNotFound
	}
	if err != nil {
		return Edge{}, fmt.Errorf("get edge: %w", err)
	}
	return e, nil
}

// ListEdges returns the edges touching username. An empty status matches any
// status. Results are ordered by the other party's name.
func (d *DB) ListEdges(ctx context.Context, username string, status Status, dir Direction) ([]Edge, error) {
	var where string
	args := []any{}
	switch dir {
	case Incoming:
		where = `target = ?`
		args = append(args, username)
	case Outgoing:
		where = `initiator = ?`
		args = append(args, username)
	default:
		where = `(user_a = ? OR user_b = ?)`
		args = append(args, username, username)
	}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, string(status))
	}
	args = append(args, username)

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+edgeColumns+` FROM relationships
		WHERE `+where+`
		ORDER BY CASE WHEN initiator = ? THEN target ELSE initiator END`, args...)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("list edges: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
