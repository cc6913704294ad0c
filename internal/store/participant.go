package store

import (
	"database/sql"
	"fmt"
	"time"
)

// BulkUpsertParticipants records senders and typing peers in one transaction.
// Empty display names never erase a known one.
func (db *DB) BulkUpsertParticipants(ps []Participant) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, p := range ps {
		if _, err := tx.Exec(`
			INSERT INTO participants (key, display_name, sender, user_id, last_seen_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE participants.display_name END,
				last_seen_at = MAX(participants.last_seen_at, excluded.last_seen_at),
				updated_at = excluded.updated_at`,
			p.Key, p.DisplayName, p.Sender, p.UserID, p.LastSeenAt, now); err != nil {
			return fmt.Errorf("upsert participant %q: %w", p.Key, err)
		}
	}
	return tx.Commit()
}

// GetParticipant returns a participant by key, or nil when unknown.
func (db *DB) GetParticipant(key string) (*Participant, error) {
	var p Participant
	err := db.QueryRow(`SELECT key, display_name, sender, user_id, last_seen_at FROM participants WHERE key = ?`, key).
		Scan(&p.Key, &p.DisplayName, &p.Sender, &p.UserID, &p.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
