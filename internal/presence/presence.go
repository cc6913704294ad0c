// Package presence publishes the local typing indicator on the primary
// transport and tracks which peers are typing.
package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/realtime"
)

// Config tunes presence timing.
type Config struct {
	RateLimit time.Duration
	Idle      time.Duration
	Stale     time.Duration
	MaxPeers  int
	Sweep     time.Duration
	Clock     clock.Clock
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		RateLimit: 1500 * time.Millisecond,
		Idle:      1500 * time.Millisecond,
		Stale:     12 * time.Second,
		MaxPeers:  3,
		Sweep:     time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.Idle <= 0 {
		c.Idle = d.Idle
	}
	if c.Stale <= 0 {
		c.Stale = d.Stale
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.Sweep <= 0 {
		c.Sweep = d.Sweep
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Self identifies the local participant.
type Self struct {
	Sender      model.Sender
	UserID      int
	DisplayName string
}

// Key returns the participant key of the local user.
func (s Self) Key() string { return model.ParticipantKey(s.Sender, s.UserID) }

// Change is the payload of presence.changed events.
type Change struct {
	Channel model.ChannelKey
	Peers   []model.TypingEntry
}

type record struct {
	DisplayName string `json:"displayName"`
	Sender      string `json:"sender"`
	IsTyping    bool   `json:"isTyping"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// Presence is one channel's typing state. Every failure is logged at debug
// level and otherwise ignored.
type Presence struct {
	channel model.ChannelKey
	svc     realtime.Service
	canSend func() bool
	self    Self
	cfg     Config
	bus     *bus.Bus
	logger  *zap.Logger

	writes  chan bool
	writeMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	typing    bool
	remote    bool // last value handed to the writer
	lastTrue  time.Time
	idle      *clock.Timer
	idleGen   int
	pending   *clock.Timer
	pendGen   int
	entries   []model.TypingEntry
	peers     []model.TypingEntry
	onChanged func([]model.TypingEntry)
	closed    bool
}

// New creates presence for channel. canSend gates writes, typically on the
// channel being on the primary transport; nil always allows.
func New(channel model.ChannelKey, svc realtime.Service, self Self, canSend func() bool, cfg Config, b *bus.Bus, logger *zap.Logger) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	if canSend == nil {
		canSend = func() bool { return true }
	}
	return &Presence{
		channel: channel,
		svc:     svc,
		canSend: canSend,
		self:    self,
		cfg:     cfg.withDefaults(),
		bus:     b,
		logger:  logger.With(zap.String("channel", string(channel))),
		writes:  make(chan bool, 16),
	}
}

// OnPeerTypingChanged registers the callback for the filtered peer list.
func (p *Presence) OnPeerTypingChanged(fn func([]model.TypingEntry)) {
	p.mu.Lock()
	p.onChanged = fn
	p.mu.Unlock()
}

// Start subscribes to the channel's presence entries and starts the sweep.
func (p *Presence) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	ctx = p.ctx
	p.mu.Unlock()

	go p.writer(ctx)
	go p.sweep(ctx)

	updates, err := p.svc.Subscribe(ctx, realtime.TypingPath(p.channel))
	if err != nil {
		p.logger.Debug("presence subscribe failed", zap.Error(err))
		return
	}
	go func() {
		for u := range updates {
			if u.Err != nil {
				p.logger.Debug("presence stream ended", zap.Error(u.Err))
				return
			}
			p.ingest(u.Snapshot)
		}
	}()
}

// SetTyping reports local input activity. true is written at most once per
// RateLimit, deferred to the end of the window when it arrives early; false
// is written right away, or after Idle without activity.
func (p *Presence) SetTyping(typing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if !typing {
		p.stopIdleLocked()
		p.stopTypingLocked()
		return
	}

	p.typing = true
	if wait := p.cfg.RateLimit - p.cfg.Clock.Now().Sub(p.lastTrue); wait <= 0 {
		p.stopPendingLocked()
		p.sendTrueLocked()
	} else if !p.remote && p.pending == nil {
		p.pendGen++
		gen := p.pendGen
		p.pending = p.cfg.Clock.AfterFunc(wait, func() { p.pendingExpired(gen) })
	}
	p.stopIdleLocked()
	p.idleGen++
	gen := p.idleGen
	p.idle = p.cfg.Clock.AfterFunc(p.cfg.Idle, func() { p.idleExpired(gen) })
}

func (p *Presence) sendTrueLocked() {
	p.remote = true
	p.lastTrue = p.cfg.Clock.Now()
	p.enqueueLocked(true)
}

// stopTypingLocked clears local typing and writes false only if true went out.
func (p *Presence) stopTypingLocked() {
	p.stopPendingLocked()
	p.typing = false
	if p.remote {
		p.remote = false
		p.enqueueLocked(false)
	}
}

func (p *Presence) pendingExpired(gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || gen != p.pendGen || p.pending == nil {
		return
	}
	p.pending = nil
	if p.typing {
		p.sendTrueLocked()
	}
}

func (p *Presence) idleExpired(gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || gen != p.idleGen || !p.typing {
		return
	}
	p.idle = nil
	p.stopTypingLocked()
}

// Close sends a final false when the user was typing and stops all work.
func (p *Presence) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stopIdleLocked()
	p.stopPendingLocked()
	wasTyping := p.remote
	p.typing = false
	p.remote = false
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	if wasTyping {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.write(ctx, false)
	}
}

// Peers returns the current filtered peer list.
func (p *Presence) Peers() []model.TypingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.peers)
}

func (p *Presence) stopIdleLocked() {
	if p.idle != nil {
		p.idle.Stop()
		p.idle = nil
	}
}

func (p *Presence) stopPendingLocked() {
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}

func (p *Presence) enqueueLocked(typing bool) {
	select {
	case p.writes <- typing:
	default:
		p.logger.Debug("presence write dropped")
	}
}

func (p *Presence) writer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case typing := <-p.writes:
			p.write(ctx, typing)
		}
	}
}

func (p *Presence) write(ctx context.Context, typing bool) {
	if !p.canSend() {
		return
	}
	value, err := json.Marshal(record{
		DisplayName: p.self.DisplayName,
		Sender:      string(p.self.Sender),
		IsTyping:    typing,
		LastSeenAt:  p.cfg.Clock.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	path := realtime.TypingPath(p.channel) + "/" + p.self.Key()
	if err := p.svc.Write(ctx, path, value); err != nil {
		p.logger.Debug("presence write failed", zap.Bool("typing", typing), zap.Error(err))
	}
}

func (p *Presence) ingest(snap realtime.Snapshot) {
	entries := make([]model.TypingEntry, 0, len(snap))
	for _, e := range snap {
		var r record
		if err := json.Unmarshal(e.Value, &r); err != nil {
			p.logger.Debug("skipping malformed presence entry", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		entries = append(entries, model.TypingEntry{
			ParticipantKey: e.Key,
			DisplayName:    r.DisplayName,
			Sender:         model.ParseSender(r.Sender),
			IsTyping:       r.IsTyping,
			LastSeenAt:     time.UnixMilli(r.LastSeenAt),
		})
	}
	p.mu.Lock()
	p.entries = entries
	p.mu.Unlock()
	p.refresh()
}

func (p *Presence) sweep(ctx context.Context) {
	ticker := p.cfg.Clock.Ticker(p.cfg.Sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh()
		}
	}
}

func (p *Presence) refresh() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	peers := Filter(p.entries, p.self.Key(), p.cfg.Clock.Now(), p.cfg.Stale, p.cfg.MaxPeers)
	if slices.Equal(peers, p.peers) {
		p.mu.Unlock()
		return
	}
	p.peers = peers
	cb := p.onChanged
	p.mu.Unlock()

	if cb != nil {
		cb(slices.Clone(peers))
	}
	p.bus.Emit(bus.KindPresenceChanged, string(p.channel), Change{Channel: p.channel, Peers: slices.Clone(peers)})
}

// Filter keeps peers other than self that are typing and were seen within
// stale of now, most recent first, at most limit entries.
func Filter(entries []model.TypingEntry, selfKey string, now time.Time, stale time.Duration, limit int) []model.TypingEntry {
	out := make([]model.TypingEntry, 0, len(entries))
	for _, e := range entries {
		if e.ParticipantKey == selfKey || !e.IsTyping || now.Sub(e.LastSeenAt) > stale {
			continue
		}
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b model.TypingEntry) int {
		return b.LastSeenAt.Compare(a.LastSeenAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
