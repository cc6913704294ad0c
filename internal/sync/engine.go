// Package sync journals what the synchronization core renders: it listens on
// the bus and writes confirmed messages, channel state and participants to
// the session store.
package sync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/msgstore"
	"github.com/Jamshidjalolov/chatsync/internal/presence"
	"github.com/Jamshidjalolov/chatsync/internal/store"
	"github.com/Jamshidjalolov/chatsync/internal/transport"
)

const previewLen = 100

// BatchResult is the payload of journal.batch events.
type BatchResult struct {
	Channel  model.ChannelKey
	Messages int
}

// Engine ingests bus events into the store idempotently.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	reconciler *Reconciler
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}

	mu   gosync.Mutex
	seen map[model.ChannelKey]map[string]int64 // identity key -> updated_at ms
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		bus:        b,
		reconciler: NewReconciler(db, logger),
		logger:     logger,
		seen:       make(map[model.ChannelKey]map[string]int64),
	}
}

// Reconciler returns the checkpoint store the engine writes to.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// Start subscribes to message, transport and presence events.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case msgstore.Snapshot:
		if evt.Kind != bus.KindMessageSnapshot {
			return
		}
		if err := e.IngestSnapshot(p.Channel, p.Messages); err != nil {
			e.logger.Error("failed to journal snapshot", zap.Error(err), zap.String("channel", string(p.Channel)))
		}
	case model.Message:
		if evt.Kind != bus.KindMessageRemoved {
			return
		}
		if err := e.Remove(p.ChannelKey, p.ID); err != nil {
			e.logger.Error("failed to journal delete", zap.Error(err), zap.Int64("id", p.ID))
		}
	case transport.StateChange:
		if err := e.db.SetTransportState(string(p.Channel), string(p.Channel.Kind()), string(p.To)); err != nil {
			e.logger.Error("failed to record transport state", zap.Error(err), zap.String("channel", string(p.Channel)))
		}
	case transport.FetchResult:
		if err := e.reconciler.MarkFetched(p.Channel, evt.Timestamp); err != nil {
			e.logger.Error("failed to checkpoint fetch", zap.Error(err), zap.String("channel", string(p.Channel)))
		}
	case presence.Change:
		if err := e.IngestPeers(p.Peers); err != nil {
			e.logger.Error("failed to record participants", zap.Error(err))
		}
	}
}

// IngestSnapshot journals the confirmed messages of a store snapshot that
// are new or changed since the last one. Pending messages are skipped.
func (e *Engine) IngestSnapshot(ch model.ChannelKey, msgs []model.Message) error {
	changed := e.unseen(ch, msgs)
	if len(changed) == 0 {
		return nil
	}

	rows := make([]*store.Message, 0, len(changed))
	senders := make(map[string]store.Participant)
	latest := changed[0]
	for _, m := range changed {
		rows = append(rows, store.FromModel(m))
		if m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
		if m.SenderUserID != 0 {
			key := model.ParticipantKey(m.Sender, m.SenderUserID)
			senders[key] = store.Participant{Key: key, DisplayName: m.SenderName, Sender: string(m.Sender), UserID: m.SenderUserID}
		}
	}

	if err := e.db.UpsertMessages(rows); err != nil {
		e.forget(ch, changed)
		return fmt.Errorf("upsert messages: %w", err)
	}
	if err := e.db.TouchChannel(string(ch), string(ch.Kind()), latest.CreatedAt.UnixMilli(), preview(latest)); err != nil {
		return fmt.Errorf("touch channel: %w", err)
	}
	if len(senders) > 0 {
		ps := make([]store.Participant, 0, len(senders))
		for _, p := range senders {
			ps = append(ps, p)
		}
		if err := e.db.BulkUpsertParticipants(ps); err != nil {
			return fmt.Errorf("upsert senders: %w", err)
		}
	}

	e.bus.Emit(bus.KindJournalBatch, string(ch), BatchResult{Channel: ch, Messages: len(rows)})
	return nil
}

// Remove deletes the message with REST id id from the journal.
func (e *Engine) Remove(ch model.ChannelKey, id int64) error {
	key := model.Message{ID: id}
	e.mu.Lock()
	delete(e.seen[ch], key.IdentityKey())
	e.mu.Unlock()
	return e.db.DeleteMessage(string(ch), id)
}

// IngestPeers records typing peers as participants.
func (e *Engine) IngestPeers(peers []model.TypingEntry) error {
	if len(peers) == 0 {
		return nil
	}
	ps := make([]store.Participant, 0, len(peers))
	for _, p := range peers {
		sender, id, _ := splitKey(p.ParticipantKey)
		ps = append(ps, store.Participant{
			Key:         p.ParticipantKey,
			DisplayName: p.DisplayName,
			Sender:      sender,
			UserID:      id,
			LastSeenAt:  p.LastSeenAt.UnixMilli(),
		})
	}
	return e.db.BulkUpsertParticipants(ps)
}

func (e *Engine) unseen(ch model.ChannelKey, msgs []model.Message) []model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := e.seen[ch]
	if seen == nil {
		seen = make(map[string]int64)
		e.seen[ch] = seen
	}
	var out []model.Message
	for _, m := range msgs {
		if m.Pending || !m.Identified() {
			continue
		}
		key := m.IdentityKey()
		updated := m.UpdatedAt
		if updated.IsZero() {
			updated = m.CreatedAt
		}
		ts := updated.UnixMilli()
		if prev, ok := seen[key]; ok && prev >= ts {
			continue
		}
		seen[key] = ts
		out = append(out, m)
	}
	return out
}

func (e *Engine) forget(ch model.ChannelKey, msgs []model.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range msgs {
		delete(e.seen[ch], m.IdentityKey())
	}
}

func preview(m model.Message) string {
	text := m.Content
	if text == "" && m.Attachment != nil {
		text = "[" + string(m.Attachment.Kind) + "]"
	}
	r := []rune(text)
	if len(r) > previewLen {
		return string(r[:previewLen])
	}
	return text
}

// splitKey parses "sender:userId" participant keys.
func splitKey(key string) (string, int, bool) {
	sender, id, ok := strings.Cut(key, ":")
	if !ok {
		return key, 0, false
	}
	n, err := strconv.Atoi(id)
	if err != nil {
		return sender, 0, false
	}
	return sender, n, true
}
