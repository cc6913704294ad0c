// Package transport selects, per channel, whether messages are read from the
// primary push service or polled from REST, and moves between the two as
// failures are classified.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/realtime"
	"github.com/Jamshidjalolov/chatsync/internal/rest"
)

// ErrNotPrimary is returned by WritePrimary when the channel is not reading
// from the primary transport.
var ErrNotPrimary = errors.New("primary transport not active")

// REST is the subset of the REST client the selector needs.
type REST interface {
	ListMessages(ctx context.Context, ch model.ChannelKey) ([]model.Message, error)
	PostMessage(ctx context.Context, ch model.ChannelKey, req rest.PostRequest) (model.Message, error)
}

// Reconciler receives every batch of inbound messages from either transport.
type Reconciler interface {
	Reconcile(incoming []model.Message)
}

// Config tunes the selector's timers.
type Config struct {
	PollInterval  time.Duration
	PollCooldown  time.Duration
	RetryInterval time.Duration
	RetryAttempts int
	Clock         clock.Clock
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:  15 * time.Second,
		PollCooldown:  4 * time.Second,
		RetryInterval: 20 * time.Second,
		RetryAttempts: 6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollCooldown <= 0 {
		c.PollCooldown = d.PollCooldown
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// FetchResult is the payload of transport.fetched events.
type FetchResult struct {
	Channel model.ChannelKey
	Count   int
}

// loop is a cancellable background goroutine owned by the selector.
type loop struct {
	cancel context.CancelFunc
}

// Selector drives one channel's transport state. All background work stops
// when the context passed to Start ends or Stop is called.
type Selector struct {
	channel model.ChannelKey
	cfg     Config
	primary realtime.Service
	rest    REST
	sink    Reconciler
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	visible   bool
	attempts  int
	inFlight  bool
	lastFetch time.Time
	poller    *loop
	retrier   *loop
	sub       *loop
}

// NewSelector creates a selector for channel. Nothing runs until Start.
func NewSelector(channel model.ChannelKey, primary realtime.Service, r REST, sink Reconciler, cfg Config, b *bus.Bus, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		channel: channel,
		cfg:     cfg.withDefaults(),
		primary: primary,
		rest:    r,
		sink:    sink,
		machine: NewMachine(channel, b),
		bus:     b,
		logger:  logger.With(zap.String("channel", string(channel))),
		visible: true,
	}
}

// Channel returns the channel this selector serves.
func (s *Selector) Channel() model.ChannelKey { return s.channel }

// State returns the current transport state.
func (s *Selector) State() State { return s.machine.Current() }

// Reason returns the cause of the last state change.
func (s *Selector) Reason() string { return s.machine.Reason() }

// IsPrimary reports whether writes may go to the primary transport.
func (s *Selector) IsPrimary() bool { return s.machine.Current() == Primary }

// Primary exposes the primary service for presence writes.
func (s *Selector) Primary() realtime.Service { return s.primary }

// Start tries the primary transport and settles into Primary, Fallback or
// Disabled. It blocks for that first attempt only.
func (s *Selector) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.attempt(runCtx); err != nil {
		s.fail(err)
	}
}

// Stop cancels the subscription, the poller and the retry loop.
func (s *Selector) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.poller, s.retrier, s.sub = nil, nil, nil
}

// RetryRealtime is the manual upgrade path. It is refused once Disabled and
// resets the automatic retry budget otherwise.
func (s *Selector) RetryRealtime(ctx context.Context) error {
	switch s.machine.Current() {
	case Disabled:
		return fmt.Errorf("retry realtime: %w", model.ErrTransportUnreachable)
	case Primary:
		return nil
	}
	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return errors.New("retry realtime: selector not running")
	}
	s.stopLocked(&s.retrier)
	s.attempts = 0
	runCtx := s.ctx
	s.mu.Unlock()

	// Either context ending aborts the attempt.
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	if err := s.attempt(attemptCtx); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// SetVisible records tab visibility. Becoming visible polls right away when
// the channel is on the fallback transport.
func (s *Selector) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()
	if visible {
		s.Focus()
	}
}

// Focus polls immediately, subject to the cool-down, when the channel is on
// the fallback transport.
func (s *Selector) Focus() {
	s.kickPoll(false)
}

// Refresh polls immediately, ignoring the cool-down.
func (s *Selector) Refresh() {
	s.kickPoll(true)
}

func (s *Selector) kickPoll(force bool) {
	s.mu.Lock()
	p := s.poller
	ctx := s.ctx
	s.mu.Unlock()
	if p == nil || ctx == nil {
		return
	}
	go s.poll(ctx, force)
}

// WritePrimary appends msg to the primary transport and returns it as
// confirmed under the service-assigned key.
func (s *Selector) WritePrimary(ctx context.Context, msg model.Message) (model.Message, error) {
	if s.machine.Current() != Primary {
		return model.Message{}, ErrNotPrimary
	}
	value, err := encodeRecord(msg)
	if err != nil {
		return model.Message{}, fmt.Errorf("encode record: %w", err)
	}
	key, err := s.primary.Push(ctx, realtime.MessagesPath(s.channel), value)
	if err != nil {
		if realtime.Classify(err) != realtime.ClassGeneric {
			s.fail(err)
		}
		return model.Message{}, fmt.Errorf("primary write: %w", realtime.Tag(err))
	}
	confirmed := msg.Clone()
	confirmed.PrimaryKey = key
	confirmed.ChannelKey = s.channel
	confirmed.Pending = false
	return confirmed, nil
}

// WriteREST persists msg through the REST service. Always available.
func (s *Selector) WriteREST(ctx context.Context, msg model.Message) (model.Message, error) {
	confirmed, err := s.rest.PostMessage(ctx, s.channel, rest.PostRequest{
		ClientTempID: msg.ClientTempID,
		Text:         msg.Content,
		Attachment:   msg.Attachment,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("rest write: %w", err)
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = msg.CreatedAt
		confirmed.UpdatedAt = msg.CreatedAt
	}
	return confirmed, nil
}

// attempt reads the primary once and, on success, switches to it.
func (s *Selector) attempt(ctx context.Context) error {
	snap, err := s.primary.ReadOnce(ctx, realtime.MessagesPath(s.channel), realtime.OrderByKey)
	if err != nil {
		return err
	}
	s.deliver(ctx, snap)
	s.promote()
	return nil
}

func (s *Selector) deliver(ctx context.Context, snap realtime.Snapshot) {
	if ctx.Err() != nil {
		return
	}
	msgs := decodeSnapshot(s.channel, snap, s.logger)
	if len(msgs) > 0 {
		s.sink.Reconcile(msgs)
	}
}

func (s *Selector) promote() {
	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil || s.machine.Current() == Disabled {
		s.mu.Unlock()
		return
	}
	if s.machine.Current() != Primary {
		if err := s.machine.Transition(Primary, "primary transport reachable"); err != nil {
			s.logger.Warn("transport transition rejected", zap.Error(err))
			s.mu.Unlock()
			return
		}
		s.logger.Info("transport switched to primary")
	}
	s.attempts = 0
	s.stopLocked(&s.poller)
	s.stopLocked(&s.retrier)
	s.stopLocked(&s.sub)
	subCtx, cancel := context.WithCancel(s.ctx)
	l := &loop{cancel: cancel}
	s.sub = l
	s.mu.Unlock()

	updates, err := s.primary.Subscribe(subCtx, realtime.MessagesPath(s.channel))
	if err != nil {
		if subCtx.Err() == nil {
			s.fail(err)
		}
		return
	}
	go s.consume(subCtx, updates)
}

func (s *Selector) consume(ctx context.Context, updates <-chan realtime.Update) {
	for u := range updates {
		if u.Err != nil {
			if ctx.Err() == nil {
				s.fail(u.Err)
			}
			return
		}
		s.deliver(ctx, u.Snapshot)
	}
}

// fail applies a classified primary failure. Unreachable disables the
// primary for the session; anything else falls back and keeps retrying.
func (s *Selector) fail(err error) {
	class := realtime.Classify(err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	s.stopLocked(&s.sub)

	cur := s.machine.Current()
	switch {
	case class == realtime.ClassUnreachable:
		if cur != Disabled {
			_ = s.machine.Transition(Disabled, "realtime service unreachable")
			s.logger.Warn("primary transport disabled", zap.Error(err))
		}
		s.stopLocked(&s.retrier)
	case cur == Disabled:
	default:
		if cur != Fallback {
			_ = s.machine.Transition(Fallback, "realtime "+class.String())
			s.logger.Warn("transport fell back to rest", zap.Stringer("class", class), zap.Error(err))
		}
		s.startRetryLocked()
	}
	s.startPollingLocked()
}

func (s *Selector) stopLocked(l **loop) {
	if *l != nil {
		(*l).cancel()
		*l = nil
	}
}

func (s *Selector) startPollingLocked() {
	if s.poller != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.poller = &loop{cancel: cancel}
	go s.pollLoop(ctx)
}

func (s *Selector) startRetryLocked() {
	if s.retrier != nil || s.attempts >= s.cfg.RetryAttempts {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	l := &loop{cancel: cancel}
	s.retrier = l
	go s.retryLoop(ctx, l)
}

func (s *Selector) pollLoop(ctx context.Context) {
	s.poll(ctx, true)
	ticker := s.cfg.Clock.Ticker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, false)
		}
	}
}

// poll fetches REST history once. Skipped while hidden, while another fetch
// is in flight, and within the cool-down unless forced.
func (s *Selector) poll(ctx context.Context, force bool) {
	s.mu.Lock()
	now := s.cfg.Clock.Now()
	skip := !s.visible || s.inFlight ||
		(!force && !s.lastFetch.IsZero() && now.Sub(s.lastFetch) < s.cfg.PollCooldown)
	if skip {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	msgs, err := s.rest.ListMessages(ctx, s.channel)

	s.mu.Lock()
	s.inFlight = false
	if err == nil {
		s.lastFetch = s.cfg.Clock.Now()
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.logger.Warn("fallback poll failed", zap.Error(err))
		return
	}
	s.sink.Reconcile(msgs)
	s.bus.Emit(bus.KindTransportFetched, string(s.channel), FetchResult{Channel: s.channel, Count: len(msgs)})
}

// retryLoop retries the primary every RetryInterval while the channel is
// visible, up to RetryAttempts tries per failure episode.
func (s *Selector) retryLoop(ctx context.Context, l *loop) {
	defer func() {
		s.mu.Lock()
		if s.retrier == l {
			s.retrier = nil
		}
		s.mu.Unlock()
	}()

	ticker := s.cfg.Clock.Ticker(s.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if !s.visible {
			s.mu.Unlock()
			continue
		}
		if s.attempts >= s.cfg.RetryAttempts {
			s.mu.Unlock()
			s.logger.Info("realtime retry budget exhausted")
			return
		}
		s.attempts++
		n := s.attempts
		s.mu.Unlock()

		err := s.attempt(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		s.logger.Debug("realtime retry failed", zap.Int("attempt", n), zap.Error(err))
		if realtime.Classify(err) == realtime.ClassUnreachable {
			s.fail(err)
			return
		}
		if n >= s.cfg.RetryAttempts {
			s.logger.Info("realtime retry budget exhausted")
			return
		}
	}
}
