// Package msgstore holds the authoritative ordered message view for the
// active channel and reconciles optimistic sends with confirmed deliveries.
package msgstore

import (
	"slices"
	"sync"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
)

// Snapshot is the payload of message.snapshot events.
type Snapshot struct {
	Channel  model.ChannelKey
	Messages []model.Message
}

// Store is safe for concurrent use. Confirmed messages are kept sorted by
// (CreatedAt, ID); pending messages follow them in insertion order.
type Store struct {
	mu        sync.RWMutex
	channel   model.ChannelKey
	confirmed []model.Message
	pending   []model.Message
	bus       *bus.Bus
}

// New creates an empty store for channel. b may be nil.
func New(channel model.ChannelKey, b *bus.Bus) *Store {
	return &Store{channel: channel, bus: b}
}

// Channel returns the channel the store currently renders.
func (s *Store) Channel() model.ChannelKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

// InsertOptimistic appends msg as pending under tempID.
func (s *Store) InsertOptimistic(msg model.Message, tempID int64) {
	msg = msg.Clone()
	msg.Pending = true
	msg.ClientTempID = tempID
	if msg.ChannelKey == "" {
		msg.ChannelKey = s.Channel()
	}

	s.mu.Lock()
	if i := s.pendingIndex(tempID); i >= 0 {
		s.pending[i] = msg
	} else {
		s.pending = append(s.pending, msg)
	}
	s.mu.Unlock()
	s.notify()
}

// Reconcile merges confirmed messages from either transport. A message
// carrying the ClientTempID of a pending one replaces it; a message already
// present (by temp id, then by the id of the transport that delivered it) is
// updated in place unless it is older than what is stored. Unmatched pending
// messages are left alone.
func (s *Store) Reconcile(incoming []model.Message) {
	if len(incoming) == 0 {
		return
	}
	s.mu.Lock()
	changed := false
	for _, m := range incoming {
		if s.merge(m) {
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// ApplyConfirmedOrRollback settles the pending message tempID. With a
// confirmed message it reconciles; with nil it removes the pending message
// and returns its content so the composer can restore it.
func (s *Store) ApplyConfirmedOrRollback(tempID int64, confirmed *model.Message) (model.Draft, bool) {
	if confirmed != nil {
		m := confirmed.Clone()
		m.ClientTempID = tempID
		s.Reconcile([]model.Message{m})
		return model.Draft{}, false
	}

	s.mu.Lock()
	i := s.pendingIndex(tempID)
	if i < 0 {
		s.mu.Unlock()
		return model.Draft{}, false
	}
	p := s.pending[i]
	s.pending = slices.Delete(s.pending, i, i+1)
	s.mu.Unlock()
	s.notify()
	return model.Draft{Text: p.Content, Attachment: p.Attachment}, true
}

// Remove drops the confirmed message with REST id id, deleted on the server.
func (s *Store) Remove(id int64) bool {
	if id == 0 {
		return false
	}
	s.mu.Lock()
	i := s.confirmedIndexByID(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.confirmed = slices.Delete(s.confirmed, i, i+1)
	s.mu.Unlock()
	s.notify()
	return true
}

// Reset switches the store to channel. Confirmed messages are discarded;
// pending ones survive only if they belong to the new channel.
func (s *Store) Reset(channel model.ChannelKey) {
	s.mu.Lock()
	s.channel = channel
	s.confirmed = nil
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.ChannelKey == channel {
			kept = append(kept, p)
		}
	}
	s.pending = kept
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns a copy of the ordered view.
func (s *Store) Snapshot() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, 0, len(s.confirmed)+len(s.pending))
	for _, m := range s.confirmed {
		out = append(out, m.Clone())
	}
	for _, m := range s.pending {
		out = append(out, m.Clone())
	}
	return out
}

// Pending returns the unconfirmed messages in insertion order.
func (s *Store) Pending() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.pending))
	copy(out, s.pending)
	return out
}

// Len returns the number of messages in the view.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.confirmed) + len(s.pending)
}

// merge applies one confirmed message. Caller holds s.mu.
func (s *Store) merge(m model.Message) bool {
	m = m.Clone()
	m.Pending = false
	if m.ChannelKey == "" {
		m.ChannelKey = s.channel
	}
	if s.channel != "" && m.ChannelKey != s.channel {
		return false
	}

	changed := false
	if m.ClientTempID != 0 {
		if i := s.pendingIndex(m.ClientTempID); i >= 0 {
			s.pending = slices.Delete(s.pending, i, i+1)
			changed = true
		}
	}

	i := s.match(m)
	if i < 0 {
		s.insertSorted(m)
		return true
	}
	existing := s.confirmed[i]
	if m.UpdatedAt.Before(existing.UpdatedAt) {
		// Stale content, but the ids it carries still identify the message.
		if !adoptIDs(&existing, m) {
			return changed
		}
		s.confirmed = slices.Delete(s.confirmed, i, i+1)
		s.insertSorted(existing)
		return true
	}
	adoptIDs(&m, existing)
	if equalMessages(existing, m) {
		return changed
	}
	s.confirmed = slices.Delete(s.confirmed, i, i+1)
	// The same message may already sit under the other transport's id.
	for j := s.match(m); j >= 0; j = s.match(m) {
		adoptIDs(&m, s.confirmed[j])
		s.confirmed = slices.Delete(s.confirmed, j, j+1)
	}
	s.insertSorted(m)
	return true
}

// match finds the confirmed copy of m: by temp id, then by REST id, then by
// primary key. Ids are only compared within the transport that issued them.
func (s *Store) match(m model.Message) int {
	if m.ClientTempID != 0 {
		if i := s.confirmedIndexByTemp(m.ClientTempID); i >= 0 {
			return i
		}
	}
	if m.ID != 0 {
		if i := s.confirmedIndexByID(m.ID); i >= 0 {
			return i
		}
	}
	if m.PrimaryKey != "" {
		return slices.IndexFunc(s.confirmed, func(c model.Message) bool { return c.PrimaryKey == m.PrimaryKey })
	}
	return -1
}

// adoptIDs fills the ids dst lacks from src and reports whether any changed.
func adoptIDs(dst *model.Message, src model.Message) bool {
	changed := false
	if dst.ID == 0 && src.ID != 0 {
		dst.ID = src.ID
		changed = true
	}
	if dst.PrimaryKey == "" && src.PrimaryKey != "" {
		dst.PrimaryKey = src.PrimaryKey
		changed = true
	}
	if dst.ClientTempID == 0 && src.ClientTempID != 0 {
		dst.ClientTempID = src.ClientTempID
		changed = true
	}
	return changed
}

func (s *Store) insertSorted(m model.Message) {
	i, _ := slices.BinarySearchFunc(s.confirmed, m, func(a, b model.Message) int {
		switch {
		case a.Before(&b):
			return -1
		case b.Before(&a):
			return 1
		default:
			return 0
		}
	})
	s.confirmed = slices.Insert(s.confirmed, i, m)
}

func (s *Store) pendingIndex(tempID int64) int {
	return slices.IndexFunc(s.pending, func(m model.Message) bool { return m.ClientTempID == tempID })
}

func (s *Store) confirmedIndexByTemp(tempID int64) int {
	return slices.IndexFunc(s.confirmed, func(m model.Message) bool { return m.ClientTempID == tempID })
}

func (s *Store) confirmedIndexByID(id int64) int {
	return slices.IndexFunc(s.confirmed, func(m model.Message) bool { return m.ID == id })
}

func (s *Store) notify() {
	if s.bus == nil {
		return
	}
	channel := s.Channel()
	s.bus.Emit(bus.KindMessageSnapshot, string(channel), Snapshot{Channel: channel, Messages: s.Snapshot()})
}

func equalMessages(a, b model.Message) bool {
	if a.ID != b.ID || a.PrimaryKey != b.PrimaryKey || a.ClientTempID != b.ClientTempID ||
		a.Content != b.Content || a.SenderName != b.SenderName ||
		!a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	switch {
	case a.Attachment == nil && b.Attachment == nil:
		return true
	case a.Attachment == nil || b.Attachment == nil:
		return false
	default:
		return *a.Attachment == *b.Attachment
	}
}
