package store

import (
	"database/sql"
	"time"
)

// TouchChannel records a new latest message for a channel. Older messages
// never replace the preview.
func (db *DB) TouchChannel(key, kind string, lastMessageAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO channels (key, kind, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_message_preview = CASE WHEN excluded.last_message_at >= channels.last_message_at THEN excluded.last_message_preview ELSE channels.last_message_preview END,
			last_message_at = MAX(channels.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		key, kind, lastMessageAt, preview, now)
	return err
}

// SetTransportState records the channel's current transport.
func (db *DB) SetTransportState(key, kind, state string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO channels (key, kind, transport_state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			transport_state = excluded.transport_state,
			updated_at = excluded.updated_at`,
		key, kind, state, now)
	return err
}

// ListChannels returns channels sorted by last message timestamp descending.
func (db *DB) ListChannels(limit int) ([]Channel, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT key, kind, last_message_at, last_message_preview, transport_state
		FROM channels
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.Key, &c.Kind, &c.LastMessageAt, &c.LastMessagePreview, &c.TransportState); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChannel returns a single channel, or nil when unknown.
func (db *DB) GetChannel(key string) (*Channel, error) {
	var c Channel
	err := db.QueryRow(`
		SELECT key, kind, last_message_at, last_message_preview, transport_state
		FROM channels WHERE key = ?`, key).
		Scan(&c.Key, &c.Kind, &c.LastMessageAt, &c.LastMessagePreview, &c.TransportState)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
