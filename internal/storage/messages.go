package storage

import (
	"context"
	"fmt"
	"time"
)

// Message is one stored chat message. Rows are never updated.
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Content   string
	Timestamp time.Time
}

// AppendMessage stores a message and returns it with its id and timestamp.
// Returns ErrNotFound if sender or recipient is unknown.
func (d *DB) AppendMessage(ctx context.Context, sender, recipient, content string) (Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ok, err := d.identitiesExist(ctx, sender, recipient)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	if !ok {
		return Message{}, ErrNotFound
	}

	ts := millis(time.Now())
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (sender, recipient, content, timestamp)
		VALUES (?, ?, ?, ?)`, sender, recipient, content, ts)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: fromMillis(ts),
	}, nil
}

// QueryConversation returns the messages exchanged between a and b in both
// directions, oldest first. With limit > 0 only the newest limit messages
// are returned (still oldest first).
func (d *DB) QueryConversation(ctx context.Context, a, b string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, sender, recipient, content, timestamp FROM (
			SELECT id, sender, recipient, content, timestamp FROM messages
			WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, a, b, b, a, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("query conversation: %w", err)
		}
		m.Timestamp = fromMillis(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
