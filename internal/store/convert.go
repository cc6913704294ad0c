package store

import (
	"time"

	"github.com/Jamshidjalolov/chatsync/internal/envelope"
	"github.com/Jamshidjalolov/chatsync/internal/model"
)

// EncodeAttachment returns the journal form of att.
func EncodeAttachment(att *model.Attachment) string {
	if att = att.Normalize(); att == nil {
		return ""
	}
	return envelope.Encode("", att)
}

// DecodeAttachment reverses EncodeAttachment.
func DecodeAttachment(s string) *model.Attachment {
	if s == "" {
		return nil
	}
	return envelope.Decode(s).Attachment
}

// FromModel converts a confirmed message for journaling.
func FromModel(m model.Message) *Message {
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = m.CreatedAt
	}
	return &Message{
		ChannelKey:   string(m.ChannelKey),
		MsgID:        m.ID,
		PrimaryKey:   m.PrimaryKey,
		ClientTempID: m.ClientTempID,
		Sender:       string(m.Sender),
		SenderUserID: m.SenderUserID,
		SenderName:   m.SenderName,
		Body:         m.Content,
		Attachment:   EncodeAttachment(m.Attachment),
		Timestamp:    m.CreatedAt.UnixMilli(),
		UpdatedAt:    updated.UnixMilli(),
	}
}

// Model converts a journaled message back.
func (m Message) Model() model.Message {
	return model.Message{
		ID:           m.MsgID,
		PrimaryKey:   m.PrimaryKey,
		ClientTempID: m.ClientTempID,
		ChannelKey:   model.ChannelKey(m.ChannelKey),
		Sender:       model.ParseSender(m.Sender),
		SenderUserID: m.SenderUserID,
		SenderName:   m.SenderName,
		Content:      m.Body,
		Attachment:   DecodeAttachment(m.Attachment),
		CreatedAt:    time.UnixMilli(m.Timestamp),
		UpdatedAt:    time.UnixMilli(m.UpdatedAt),
	}
}
