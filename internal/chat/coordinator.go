// Package chat owns the active channel: it builds a ChannelSession on
// activation, routes inbound events into the shared message store and tears
// everything down when the user switches away.
package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/identity"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/msgstore"
	"github.com/Jamshidjalolov/chatsync/internal/outbox"
	"github.com/Jamshidjalolov/chatsync/internal/presence"
	"github.com/Jamshidjalolov/chatsync/internal/realtime"
	"github.com/Jamshidjalolov/chatsync/internal/socket"
	"github.com/Jamshidjalolov/chatsync/internal/transport"
	"github.com/Jamshidjalolov/chatsync/internal/upload"
)

// ErrNoActiveChannel is returned by channel operations before Activate.
var ErrNoActiveChannel = errors.New("no active channel")

// SocketConfig holds the WebSocket URL templates. "{id}" is replaced with the
// channel id; an empty template disables that sub-channel.
type SocketConfig struct {
	DirectURL     string
	ThreadsURL    string
	AssignmentURL string
}

// Config tunes every per-channel component.
type Config struct {
	Transport transport.Config
	Presence  presence.Config
	Sockets   SocketConfig
}

// REST is the message service used for fallback reads, writes and edits.
type REST interface {
	transport.REST
	outbox.Editor
}

// Deps groups the coordinator's collaborators. Sockets, Uploader, Journal
// and Identity are optional.
type Deps struct {
	Realtime realtime.Service
	REST     REST
	Sockets  *socket.Manager
	Uploader upload.Uploader
	Journal  outbox.Journal
	Identity *identity.Provider
	Clock    clock.Clock
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Coordinator switches between channels. At most one ChannelSession is
// active at a time.
type Coordinator struct {
	cfg     Config
	deps    Deps
	store   *msgstore.Store
	compose *Compose
	logger  *zap.Logger

	mu      sync.Mutex
	base    context.Context
	active  *ChannelSession
	gen     uint64
	visible bool
}

// NewCoordinator creates a coordinator with no active channel.
func NewCoordinator(cfg Config, d Deps) *Coordinator {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	cfg.Transport.Clock = d.Clock
	cfg.Presence.Clock = d.Clock
	return &Coordinator{
		cfg:     cfg,
		deps:    d,
		store:   msgstore.New("", d.Bus),
		compose: NewCompose(nil),
		logger:  d.Logger,
		base:    context.Background(),
		visible: true,
	}
}

// Start sets the parent context of every session built afterwards.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()
}

// Store returns the message view of the active channel.
func (c *Coordinator) Store() *msgstore.Store { return c.store }

// Compose returns the compose box.
func (c *Coordinator) Compose() *Compose { return c.compose }

// Active returns the active session, or nil.
func (c *Coordinator) Active() *ChannelSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Activate makes ch the active channel. The previous session is torn down
// first and the store keeps only pending messages of ch. It returns once the
// first primary read has settled.
func (c *Coordinator) Activate(ch model.ChannelKey) (*ChannelSession, error) {
	if _, err := model.ParseChannelKey(string(ch)); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.gen++
	old := c.active
	s := c.newSession(ch, c.gen)
	c.active = s
	visible := c.visible
	c.store.Reset(ch)
	c.mu.Unlock()

	if old != nil {
		old.teardown()
		c.deps.Bus.Emit(bus.KindChannelDeactivated, string(old.Key), nil)
	}
	c.logger.Info("channel activated", zap.String("channel", string(ch)))
	c.deps.Bus.Emit(bus.KindChannelActivated, string(ch), nil)

	s.Selector.SetVisible(visible)
	s.start()
	return s, nil
}

// Deactivate tears down the active session, if any.
func (c *Coordinator) Deactivate() {
	c.mu.Lock()
	c.gen++
	old := c.active
	c.active = nil
	c.mu.Unlock()
	if old == nil {
		return
	}
	old.teardown()
	c.logger.Info("channel deactivated", zap.String("channel", string(old.Key)))
	c.deps.Bus.Emit(bus.KindChannelDeactivated, string(old.Key), nil)
}

// Close deactivates the current channel.
func (c *Coordinator) Close() {
	c.Deactivate()
}

func (c *Coordinator) newSession(ch model.ChannelKey, gen uint64) *ChannelSession {
	ctx, cancel := context.WithCancel(c.base)
	logger := c.logger.With(zap.String("channel", string(ch)))
	s := &ChannelSession{
		Key:    ch,
		gen:    gen,
		coord:  c,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	guarded := sink{s: s}

	s.Selector = transport.NewSelector(ch, c.deps.Realtime, c.deps.REST, guarded, c.cfg.Transport, c.deps.Bus, logger)

	who := c.whoami()
	self := presence.Self{Sender: who.Sender(), UserID: who.UserID, DisplayName: who.DisplayName}
	s.Presence = presence.New(ch, c.deps.Realtime, self, s.Selector.IsPrimary, c.cfg.Presence, c.deps.Bus, logger)

	d := outbox.Deps{
		Transport: s.Selector,
		Editor:    c.deps.REST,
		Store:     guarded,
		Uploader:  c.deps.Uploader,
		Journal:   c.deps.Journal,
		Composer:  c.compose,
		Author:    c.author,
		Clock:     c.deps.Clock,
		Bus:       c.deps.Bus,
		Logger:    logger,
	}
	s.Pipeline = outbox.New(d)
	return s
}

func (c *Coordinator) whoami() identity.Identity {
	if c.deps.Identity == nil {
		return identity.Identity{}
	}
	id, err := c.deps.Identity.Current()
	if err != nil {
		return identity.Identity{}
	}
	return id
}

func (c *Coordinator) author() outbox.Author {
	who := c.whoami()
	return outbox.Author{Sender: who.Sender(), UserID: who.UserID, DisplayName: who.DisplayName}
}

func (c *Coordinator) session() (*ChannelSession, error) {
	s := c.Active()
	if s == nil {
		return nil, ErrNoActiveChannel
	}
	return s, nil
}

// Send sends req on the active channel.
func (c *Coordinator) Send(ctx context.Context, req outbox.Request) (model.Message, error) {
	s, err := c.session()
	if err != nil {
		return model.Message{}, err
	}
	return s.Pipeline.Send(ctx, req)
}

// Edit changes the text of a confirmed message on the active channel.
func (c *Coordinator) Edit(ctx context.Context, id int64, text string) (model.Message, error) {
	s, err := c.session()
	if err != nil {
		return model.Message{}, err
	}
	return s.Pipeline.Edit(ctx, id, text)
}

// Delete removes a confirmed message on the active channel.
func (c *Coordinator) Delete(ctx context.Context, id int64) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.Pipeline.Delete(ctx, id)
}

// RetryRealtime is the manual primary upgrade for the active channel.
func (c *Coordinator) RetryRealtime(ctx context.Context) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.Selector.RetryRealtime(ctx)
}

// Typing forwards compose activity to the active channel's presence.
func (c *Coordinator) Typing(typing bool) {
	if s := c.Active(); s != nil {
		s.Presence.SetTyping(typing)
	}
}

// SetVisible records tab visibility. It also applies to sessions activated
// later.
func (c *Coordinator) SetVisible(visible bool) {
	c.mu.Lock()
	c.visible = visible
	s := c.active
	c.mu.Unlock()
	if s != nil {
		s.Selector.SetVisible(visible)
	}
}

// Focus polls the active channel, subject to the cool-down.
func (c *Coordinator) Focus() {
	if s := c.Active(); s != nil {
		s.Selector.Focus()
	}
}

// Refresh polls the active channel right away.
func (c *Coordinator) Refresh() {
	if s := c.Active(); s != nil {
		s.Selector.Refresh()
	}
}
