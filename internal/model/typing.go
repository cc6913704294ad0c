package model

import (
	"strconv"
	"time"
)

// TypingEntry is one participant's presence record.
type TypingEntry struct {
	ParticipantKey string
	DisplayName    string
	Sender         Sender
	IsTyping       bool
	LastSeenAt     time.Time
}

// ParticipantKey builds the presence key for a sender and user id.
func ParticipantKey(s Sender, userID int) string {
	return string(s) + ":" + strconv.Itoa(userID)
}
