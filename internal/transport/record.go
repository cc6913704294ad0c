package transport

import (
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/envelope"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/realtime"
)

// record is a message as stored on the primary transport. The primary only
// carries a text column, so attachments travel inside an envelope. ID is the
// REST id when the writer already knew it; the record's own key is separate.
type record struct {
	ID           int64  `json:"id,omitempty"`
	ClientTempID int64  `json:"clientTempId,omitempty"`
	Sender       string `json:"sender"`
	SenderUserID int    `json:"senderUserId,omitempty"`
	SenderName   string `json:"senderName,omitempty"`
	Text         string `json:"text"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt,omitempty"`
}

func encodeRecord(m model.Message) ([]byte, error) {
	r := record{
		ID:           m.ID,
		ClientTempID: m.ClientTempID,
		Sender:       string(m.Sender),
		SenderUserID: m.SenderUserID,
		SenderName:   m.SenderName,
		Text:         envelope.Encode(m.Content, m.Attachment),
		CreatedAt:    m.CreatedAt.UnixMilli(),
	}
	if !m.UpdatedAt.IsZero() {
		r.UpdatedAt = m.UpdatedAt.UnixMilli()
	}
	return json.Marshal(r)
}

// decodeSnapshot turns primary children into messages keyed by their child
// key. Children that are not valid records are skipped.
func decodeSnapshot(ch model.ChannelKey, snap realtime.Snapshot, logger *zap.Logger) []model.Message {
	out := make([]model.Message, 0, len(snap))
	for _, e := range snap {
		if e.Key == "" {
			continue
		}
		var r record
		if err := json.Unmarshal(e.Value, &r); err != nil {
			logger.Debug("skipping malformed record", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		out = append(out, r.toModel(ch, e.Key))
	}
	return out
}

func (r record) toModel(ch model.ChannelKey, key string) model.Message {
	payload := envelope.Decode(r.Text)
	created := time.UnixMilli(r.CreatedAt)
	updated := created
	if r.UpdatedAt != 0 {
		updated = time.UnixMilli(r.UpdatedAt)
	}
	return model.Message{
		ID:           r.ID,
		PrimaryKey:   key,
		ClientTempID: r.ClientTempID,
		ChannelKey:   ch,
		Sender:       model.ParseSender(r.Sender),
		SenderUserID: r.SenderUserID,
		SenderName:   r.SenderName,
		Content:      payload.Text,
		Attachment:   payload.Attachment,
		CreatedAt:    created,
		UpdatedAt:    updated,
	}
}
