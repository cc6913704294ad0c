package store

import "time"

// QueueOutbox records a send before it goes out. A row left over from an
// earlier session with the same temp id is replaced.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_temp_id, channel_key, body, attachment, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_temp_id) DO UPDATE SET
			channel_key = excluded.channel_key,
			body = excluded.body,
			attachment = excluded.attachment,
			status = 'queued',
			error_message = '',
			server_msg_id = 0,
			updated_at = excluded.updated_at`,
		e.ClientTempID, e.ChannelKey, e.Body, e.Attachment, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(tempID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_temp_id = ?`, now, tempID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(tempID, serverMsgID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_temp_id = ?`, serverMsgID, now, tempID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(tempID int64, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_temp_id = ?`, errMsg, now, tempID)
	return err
}

// AbandonOutbox fails every entry still queued or sending. Unsent messages do
// not outlive the session that wrote them.
func (db *DB) AbandonOutbox(reason string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE status IN ('queued', 'sending')`, reason, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListOutbox returns entries with status, oldest first. An empty status
// lists everything.
func (db *DB) ListOutbox(status string) ([]OutboxEntry, error) {
	q := `SELECT id, client_temp_id, channel_key, body, attachment, status, error_message, server_msg_id FROM outbox`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC, id ASC`
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientTempID, &e.ChannelKey, &e.Body, &e.Attachment, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
