package store

// Channel is a conversation seen this session.
type Channel struct {
	Key                string
	Kind               string
	LastMessageAt      int64
	LastMessagePreview string
	TransportState     string
}

// Participant is a sender or typing peer.
type Participant struct {
	Key         string
	DisplayName string
	Sender      string
	UserID      int
	LastSeenAt  int64
}

// Message is a journaled confirmed message. MsgID is the REST id and
// PrimaryKey the primary transport key; at least one is set. Attachment holds
// the envelope encoding of the attachment, empty when there is none.
type Message struct {
	ID           int64
	ChannelKey   string
	MsgID        int64
	PrimaryKey   string
	ClientTempID int64
	Sender       string
	SenderUserID int
	SenderName   string
	Body         string
	Attachment   string
	Timestamp    int64
	UpdatedAt    int64
}

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry records one send attempt.
type OutboxEntry struct {
	ID           int64
	ClientTempID int64
	ChannelKey   string
	Body         string
	Attachment   string
	Status       string
	ErrorMessage string
	ServerMsgID  int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
