package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published by the synchronization core. Subscribers filter by
// namespace prefix, e.g. "message." or "transport.".
const (
	KindMessageSnapshot   = "message.snapshot"
	KindMessageConfirmed  = "message.confirmed"
	KindMessageRemoved    = "message.removed"
	KindMessageSendFailed = "message.send_failed"
	KindMessageSendAck    = "message.send_ack"

	KindTransportState   = "transport.state_changed"
	KindTransportFetched = "transport.fetched"

	KindSocketStatus = "socket.status_changed"
	KindSocketEvent  = "socket.event"

	KindPresenceChanged = "presence.changed"

	KindChannelActivated   = "channel.activated"
	KindChannelDeactivated = "channel.deactivated"

	KindJournalBatch = "journal.batch"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Channel   string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind, channel string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Channel:   channel,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
