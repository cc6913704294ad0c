package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sender identifies which side of a conversation authored a message.
type Sender string

const (
	SenderUser    Sender = "user"
	SenderTeacher Sender = "teacher"
)

// ParseSender maps loose role strings onto a Sender. Admin roles speak as teacher.
func ParseSender(s string) Sender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "teacher", "admin", "owner":
		return SenderTeacher
	default:
		return SenderUser
	}
}

// ChannelKind distinguishes lesson group chat from one-to-one threads.
type ChannelKind string

const (
	ChannelGroup  ChannelKind = "group"
	ChannelDirect ChannelKind = "direct"
)

// ChannelKey identifies a conversation scope: "group:<lessonId>" or "direct:<chatId>".
type ChannelKey string

// GroupChannel builds the key for a lesson group chat.
func GroupChannel(lessonID string) ChannelKey {
	return ChannelKey(string(ChannelGroup) + ":" + lessonID)
}

// DirectChannel builds the key for a direct thread.
func DirectChannel(chatID string) ChannelKey {
	return ChannelKey(string(ChannelDirect) + ":" + chatID)
}

// ParseChannelKey validates s and returns it as a ChannelKey.
func ParseChannelKey(s string) (ChannelKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("invalid channel key %q: want group:<id> or direct:<id>", s)
	}
	switch ChannelKind(kind) {
	case ChannelGroup, ChannelDirect:
		return ChannelKey(s), nil
	default:
		return "", fmt.Errorf("invalid channel kind %q in %q", kind, s)
	}
}

// Kind returns the channel kind encoded in the key.
func (k ChannelKey) Kind() ChannelKind {
	kind, _, _ := strings.Cut(string(k), ":")
	return ChannelKind(kind)
}

// ID returns the lesson or chat id part of the key.
func (k ChannelKey) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

// IsDirect reports whether the key names a direct thread.
func (k ChannelKey) IsDirect() bool { return k.Kind() == ChannelDirect }

func (k ChannelKey) String() string { return string(k) }

// Message is a single chat message as rendered from the active channel.
// ID is the REST server id and PrimaryKey the key the primary transport
// stored it under. The two are separate id spaces; either may be unset until
// that transport has seen the message.
type Message struct {
	ID           int64
	PrimaryKey   string
	ClientTempID int64 // 0 when absent
	ChannelKey   ChannelKey
	Sender       Sender
	SenderUserID int
	SenderName   string
	Content      string
	Attachment   *Attachment
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Pending      bool
}

// Before reports whether m sorts before o in the rendering order.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	if m.ID != o.ID {
		return m.ID < o.ID
	}
	if m.PrimaryKey != o.PrimaryKey {
		return m.PrimaryKey < o.PrimaryKey
	}
	return m.ClientTempID < o.ClientTempID
}

// Identified reports whether any transport has assigned m an id.
func (m *Message) Identified() bool {
	return m.ID != 0 || m.PrimaryKey != ""
}

// IdentityKey names m by its REST id when known, else by its primary key.
func (m *Message) IdentityKey() string {
	if m.ID != 0 {
		return "rest:" + strconv.FormatInt(m.ID, 10)
	}
	if m.PrimaryKey != "" {
		return "primary:" + m.PrimaryKey
	}
	return ""
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	return m
}

// Draft is the compose state restored to the user after a failed send.
type Draft struct {
	Text       string
	Attachment *Attachment
}

// Empty reports whether the draft carries nothing to send.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && d.Attachment == nil
}
