package store

// SearchMessages performs a full-text search on message bodies, newest first.
func (db *DB) SearchMessages(query string, channelKey string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.channel_key, m.msg_id, m.primary_key, m.client_temp_id, m.sender, m.sender_user_id,
		       m.sender_name, m.body, m.attachment, m.timestamp, m.updated_at,
		       snippet(messages_fts, '<<', '>>', '...', -1, 16)
		FROM messages_fts f
		JOIN messages m ON m.id = f.docid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if channelKey != "" {
		q += " AND m.channel_key = ?"
		args = append(args, channelKey)
	}
	q += " ORDER BY m.timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m := &r.Message
		if err := rows.Scan(
			&m.ID, &m.ChannelKey, &m.MsgID, &m.PrimaryKey, &m.ClientTempID, &m.Sender, &m.SenderUserID,
			&m.SenderName, &m.Body, &m.Attachment, &m.Timestamp, &m.UpdatedAt,
			&r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
