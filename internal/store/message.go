package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, channel_key, msg_id, primary_key, client_temp_id, sender, sender_user_id, sender_name, body, attachment, timestamp, updated_at`

// A row is found by REST id, by primary key, or by the sender's temp id.
// The two transport ids are separate spaces and never compared to each other.
const matchMessageSQL = `
	SELECT id, msg_id, primary_key, client_temp_id
	FROM messages
	WHERE channel_key = ? AND (
		(? != 0 AND msg_id = ?) OR
		(? != '' AND primary_key = ?) OR
		(? != 0 AND client_temp_id = ? AND sender_user_id = ?))
	ORDER BY id`

const insertMessageSQL = `
	INSERT INTO messages (channel_key, msg_id, primary_key, client_temp_id, sender, sender_user_id, sender_name, body, attachment, timestamp, updated_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Ids are always filled in; content only moves forward in updated_at.
const updateMessageSQL = `
	UPDATE messages SET
		msg_id = CASE WHEN ?1 != 0 THEN ?1 ELSE msg_id END,
		primary_key = CASE WHEN ?2 != '' THEN ?2 ELSE primary_key END,
		client_temp_id = CASE WHEN ?3 != 0 THEN ?3 ELSE client_temp_id END,
		sender_name = CASE WHEN ?4 >= updated_at THEN ?5 ELSE sender_name END,
		body = CASE WHEN ?4 >= updated_at THEN ?6 ELSE body END,
		attachment = CASE WHEN ?4 >= updated_at THEN ?7 ELSE attachment END,
		updated_at = MAX(updated_at, ?4)
	WHERE id = ?8`

// UpsertMessage inserts or updates a message (idempotent on either
// transport id). An older edit never overwrites a newer one.
func (db *DB) UpsertMessage(m *Message) error {
	return db.UpsertMessages([]*Message{m})
}

// UpsertMessages is UpsertMessage for a batch, in one transaction.
func (db *DB) UpsertMessages(ms []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range ms {
		if err := upsertMessage(tx, m, now); err != nil {
			return fmt.Errorf("upsert message %d/%q in batch: %w", m.MsgID, m.PrimaryKey, err)
		}
	}
	return tx.Commit()
}

type matchedRow struct {
	id, msgID, tempID int64
	primaryKey        string
}

func upsertMessage(tx *sql.Tx, m *Message, now int64) error {
	if m.MsgID == 0 && m.PrimaryKey == "" {
		return errors.New("message has no transport id")
	}
	rows, err := tx.Query(matchMessageSQL, m.ChannelKey,
		m.MsgID, m.MsgID, m.PrimaryKey, m.PrimaryKey, m.ClientTempID, m.ClientTempID, m.SenderUserID)
	if err != nil {
		return err
	}
	var found []matchedRow
	for rows.Next() {
		var r matchedRow
		if err := rows.Scan(&r.id, &r.msgID, &r.primaryKey, &r.tempID); err != nil {
			_ = rows.Close()
			return err
		}
		found = append(found, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if len(found) == 0 {
		_, err := tx.Exec(insertMessageSQL,
			m.ChannelKey, m.MsgID, m.PrimaryKey, m.ClientTempID, m.Sender, m.SenderUserID, m.SenderName,
			m.Body, m.Attachment, m.Timestamp, m.UpdatedAt, now)
		return err
	}

	// One message journaled under each transport id collapses into one row.
	msgID, primaryKey, tempID := m.MsgID, m.PrimaryKey, m.ClientTempID
	for _, r := range found[1:] {
		if msgID == 0 {
			msgID = r.msgID
		}
		if primaryKey == "" {
			primaryKey = r.primaryKey
		}
		if tempID == 0 {
			tempID = r.tempID
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, r.id); err != nil {
			return err
		}
	}
	_, err = tx.Exec(updateMessageSQL, msgID, primaryKey, tempID, m.UpdatedAt, m.SenderName, m.Body, m.Attachment, found[0].id)
	return err
}

// DeleteMessage removes the message with REST id msgID, deleted on the server.
func (db *DB) DeleteMessage(channelKey string, msgID int64) error {
	_, err := db.Exec(`DELETE FROM messages WHERE channel_key = ? AND msg_id = ? AND msg_id != 0`, channelKey, msgID)
	return err
}

// ListMessages returns messages for a channel using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(channelKey string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_key = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, channelKey, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelKey, &m.MsgID, &m.PrimaryKey, &m.ClientTempID, &m.Sender, &m.SenderUserID, &m.SenderName, &m.Body, &m.Attachment, &m.Timestamp, &m.UpdatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
