// Package outbox turns a compose action into an optimistic message, writes it
// through the channel's transports and settles it as confirmed or rolled back.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/store"
	"github.com/Jamshidjalolov/chatsync/internal/upload"
)

// Transport writes to the channel's primary and REST paths.
type Transport interface {
	Channel() model.ChannelKey
	IsPrimary() bool
	WritePrimary(ctx context.Context, msg model.Message) (model.Message, error)
	WriteREST(ctx context.Context, msg model.Message) (model.Message, error)
}

// Editor changes messages that already exist on the server.
type Editor interface {
	EditMessage(ctx context.Context, ch model.ChannelKey, id int64, text string) (model.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
}

// MessageStore is the view the pipeline mutates.
type MessageStore interface {
	InsertOptimistic(msg model.Message, tempID int64)
	ApplyConfirmedOrRollback(tempID int64, confirmed *model.Message) (model.Draft, bool)
	Reconcile(incoming []model.Message)
	Remove(id int64) bool
}

// Journal records send attempts. *store.DB implements it.
type Journal interface {
	QueueOutbox(e *store.OutboxEntry) error
	MarkOutboxSending(tempID int64) error
	MarkOutboxSent(tempID, serverMsgID int64) error
	MarkOutboxFailed(tempID int64, errMsg string) error
}

// Composer is the compose box the pipeline clears and restores.
type Composer interface {
	ClearDraft()
	RevokePreviews()
	RestoreDraft(d model.Draft)
}

// Author is who a message is sent as.
type Author struct {
	Sender      model.Sender
	UserID      int
	DisplayName string
}

// Request is one compose action. File is uploaded first when set and
// replaces Attachment.
type Request struct {
	Text       string
	Attachment *model.Attachment
	File       *upload.File
}

// SendError carries the draft to restore after a failed send.
type SendError struct {
	Draft model.Draft
	Err   error
}

func (e *SendError) Error() string { return e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// Ack is the payload of message.send_ack events.
type Ack struct {
	Channel      model.ChannelKey
	ClientTempID int64
	ID           int64
	PrimaryKey   string
}

// Failure is the payload of message.send_failed events.
type Failure struct {
	Channel      model.ChannelKey
	ClientTempID int64
	Err          string
}

// Pipeline sends messages for one channel.
type Pipeline struct {
	transport Transport
	editor    Editor
	store     MessageStore
	uploader  upload.Uploader
	journal   Journal
	composer  Composer
	author    func() Author
	clock     clock.Clock
	bus       *bus.Bus
	logger    *zap.Logger

	tempID atomic.Int64
}

// Deps groups the pipeline's collaborators. Uploader, Journal, Composer,
// Editor and Clock are optional.
type Deps struct {
	Transport Transport
	Editor    Editor
	Store     MessageStore
	Uploader  upload.Uploader
	Journal   Journal
	Composer  Composer
	Author    func() Author
	Clock     clock.Clock
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// New creates a pipeline. Temp ids start below the negated current time in
// milliseconds, so they stay unique across restarts.
func New(d Deps) *Pipeline {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Author == nil {
		d.Author = func() Author { return Author{Sender: model.SenderUser} }
	}
	p := &Pipeline{
		transport: d.Transport,
		editor:    d.Editor,
		store:     d.Store,
		uploader:  d.Uploader,
		journal:   d.Journal,
		composer:  d.Composer,
		author:    d.Author,
		clock:     d.Clock,
		bus:       d.Bus,
		logger:    d.Logger.With(zap.String("channel", string(d.Transport.Channel()))),
	}
	p.tempID.Store(-d.Clock.Now().UnixMilli())
	return p
}

// Send validates, uploads, inserts an optimistic message and writes it out.
// It returns the first confirmation, or a *SendError holding the draft.
func (p *Pipeline) Send(ctx context.Context, req Request) (model.Message, error) {
	draft := model.Draft{Text: req.Text, Attachment: req.Attachment}
	if strings.TrimSpace(req.Text) == "" && req.Attachment.Normalize() == nil && req.File == nil {
		return model.Message{}, &SendError{Draft: draft, Err: model.ErrEmptyMessage}
	}

	att := req.Attachment.Normalize()
	if req.File != nil {
		if p.uploader == nil {
			return model.Message{}, &SendError{Draft: draft, Err: fmt.Errorf("%w: no uploader configured", model.ErrUploadFailed)}
		}
		res, err := p.uploader.Upload(ctx, *req.File)
		if err != nil {
			p.logger.Warn("attachment upload failed", zap.String("file", req.File.Name), zap.Error(err))
			return model.Message{}, &SendError{Draft: draft, Err: fmt.Errorf("%w: %w", model.ErrUploadFailed, err)}
		}
		if att = upload.Attachment(*req.File, res); att == nil {
			return model.Message{}, &SendError{Draft: draft, Err: fmt.Errorf("%w: upload returned no url", model.ErrUploadFailed)}
		}
	}

	author := p.author()
	now := p.clock.Now()
	tempID := p.tempID.Add(-1)
	msg := model.Message{
		ClientTempID: tempID,
		ChannelKey:   p.transport.Channel(),
		Sender:       author.Sender,
		SenderUserID: author.UserID,
		SenderName:   author.DisplayName,
		Content:      req.Text,
		Attachment:   att,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	p.store.InsertOptimistic(msg, tempID)
	p.journalQueue(msg)
	if p.composer != nil {
		p.composer.ClearDraft()
		p.composer.RevokePreviews()
	}

	confirmed, err := p.dispatch(ctx, msg)
	if err != nil {
		restored, ok := p.store.ApplyConfirmedOrRollback(tempID, nil)
		if !ok {
			restored = model.Draft{Text: msg.Content, Attachment: msg.Attachment}
		}
		if p.composer != nil {
			p.composer.RestoreDraft(restored)
		}
		p.journalDo("mark failed", func(j Journal) error { return j.MarkOutboxFailed(tempID, err.Error()) })
		p.bus.Emit(bus.KindMessageSendFailed, string(msg.ChannelKey), Failure{Channel: msg.ChannelKey, ClientTempID: tempID, Err: err.Error()})
		p.logger.Warn("send failed, rolled back", zap.Int64("temp_id", tempID), zap.Error(err))
		return model.Message{}, &SendError{Draft: restored, Err: fmt.Errorf("%w: %w", model.ErrSendFailed, err)}
	}

	p.journalDo("mark sent", func(j Journal) error { return j.MarkOutboxSent(tempID, confirmed.ID) })
	p.bus.Emit(bus.KindMessageSendAck, string(msg.ChannelKey), Ack{Channel: msg.ChannelKey, ClientTempID: tempID, ID: confirmed.ID, PrimaryKey: confirmed.PrimaryKey})
	p.logger.Info("message sent", zap.Int64("temp_id", tempID), zap.Int64("id", confirmed.ID), zap.String("primary_key", confirmed.PrimaryKey))
	return confirmed, nil
}

// dispatch writes msg to the transports. Group chats write the primary first
// and persist through REST once it settles; direct chats always write REST
// and the primary alongside it. The first confirmation settles the pending
// message, later ones reconcile into it. The returned message carries the
// ids of every transport that confirmed it.
func (p *Pipeline) dispatch(ctx context.Context, msg model.Message) (model.Message, error) {
	var (
		mu         sync.Mutex
		first      *model.Message
		restID     int64
		primaryKey string
		errs       []error
	)
	settle := func(m model.Message, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		m.ClientTempID = msg.ClientTempID
		if m.ID != 0 {
			restID = m.ID
		}
		if m.PrimaryKey != "" {
			primaryKey = m.PrimaryKey
		}
		if first == nil {
			c := m
			first = &c
			p.store.ApplyConfirmedOrRollback(msg.ClientTempID, &c)
			p.bus.Emit(bus.KindMessageConfirmed, string(msg.ChannelKey), c)
			return
		}
		p.store.Reconcile([]model.Message{m})
	}

	p.journalDo("mark sending", func(j Journal) error { return j.MarkOutboxSending(msg.ClientTempID) })
	primary := p.transport.IsPrimary()

	var g errgroup.Group
	if msg.ChannelKey.IsDirect() {
		g.Go(func() error {
			settle(p.transport.WriteREST(ctx, msg))
			return nil
		})
		if primary {
			g.Go(func() error {
				settle(p.transport.WritePrimary(ctx, msg))
				return nil
			})
		}
	} else {
		g.Go(func() error {
			if primary {
				settle(p.transport.WritePrimary(ctx, msg))
			}
			settle(p.transport.WriteREST(ctx, msg))
			return nil
		})
	}
	_ = g.Wait()

	if first == nil {
		return model.Message{}, errors.Join(errs...)
	}
	for _, err := range errs {
		p.logger.Debug("secondary write failed", zap.Int64("temp_id", msg.ClientTempID), zap.Error(err))
	}
	out := *first
	if out.ID == 0 {
		out.ID = restID
	}
	if out.PrimaryKey == "" {
		out.PrimaryKey = primaryKey
	}
	return out, nil
}

// Edit replaces the text of the message with REST id id and reconciles the
// result.
func (p *Pipeline) Edit(ctx context.Context, id int64, text string) (model.Message, error) {
	if p.editor == nil {
		return model.Message{}, errors.New("edit: no editor configured")
	}
	if strings.TrimSpace(text) == "" {
		return model.Message{}, model.ErrEmptyMessage
	}
	m, err := p.editor.EditMessage(ctx, p.transport.Channel(), id, text)
	if err != nil {
		return model.Message{}, fmt.Errorf("edit message %d: %w", id, err)
	}
	if m.ID == 0 {
		m.ID = id
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = p.clock.Now()
	}
	p.store.Reconcile([]model.Message{m})
	return m, nil
}

// Delete removes the message with REST id id and drops it from the view.
func (p *Pipeline) Delete(ctx context.Context, id int64) error {
	if p.editor == nil {
		return errors.New("delete: no editor configured")
	}
	if err := p.editor.DeleteMessage(ctx, id); err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	p.store.Remove(id)
	ch := p.transport.Channel()
	p.bus.Emit(bus.KindMessageRemoved, string(ch), model.Message{ID: id, ChannelKey: ch})
	return nil
}

func (p *Pipeline) journalQueue(msg model.Message) {
	p.journalDo("queue", func(j Journal) error {
		return j.QueueOutbox(&store.OutboxEntry{
			ClientTempID: msg.ClientTempID,
			ChannelKey:   string(msg.ChannelKey),
			Body:         msg.Content,
			Attachment:   store.EncodeAttachment(msg.Attachment),
		})
	})
}

func (p *Pipeline) journalDo(op string, fn func(Journal) error) {
	if p.journal == nil {
		return
	}
	if err := fn(p.journal); err != nil {
		p.logger.Error("outbox journal "+op+" failed", zap.Error(err))
	}
}
