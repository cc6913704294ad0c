package chat

import (
	"context"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/outbox"
	"github.com/Jamshidjalolov/chatsync/internal/presence"
	"github.com/Jamshidjalolov/chatsync/internal/rest"
	"github.com/Jamshidjalolov/chatsync/internal/socket"
	"github.com/Jamshidjalolov/chatsync/internal/transport"
)

// ChannelSession holds every resource of the active channel. It is built on
// activation and torn down on deactivation.
type ChannelSession struct {
	Key      model.ChannelKey
	Selector *transport.Selector
	Presence *presence.Presence
	Pipeline *outbox.Pipeline

	gen     uint64
	coord   *Coordinator
	ctx     context.Context
	cancel  context.CancelFunc
	sockets []*socket.Handle
	logger  *zap.Logger
}

// Generation returns the activation counter value this session was built under.
func (s *ChannelSession) Generation() uint64 { return s.gen }

// Sockets returns the session's socket handles.
func (s *ChannelSession) Sockets() []*socket.Handle { return s.sockets }

// current reports whether the session is still the active one.
func (s *ChannelSession) current() bool {
	return s.ctx.Err() == nil && s.coord.generation() == s.gen
}

func (s *ChannelSession) start() {
	if !s.current() {
		return
	}
	s.Selector.Start(s.ctx)
	if !s.current() {
		return
	}
	s.Presence.Start(s.ctx)
	s.openSockets()
}

func (s *ChannelSession) openSockets() {
	cfg := s.coord.cfg.Sockets
	mgr := s.coord.deps.Sockets
	if mgr == nil {
		return
	}
	open := func(sub socket.SubChannel, tpl string) {
		if tpl == "" {
			return
		}
		target := strings.ReplaceAll(tpl, "{id}", url.PathEscape(s.Key.ID()))
		h := mgr.Open(s.ctx, sub, target, socket.Handlers{
			OnMessage:      s.onSocketEvent,
			OnStatusChange: s.onSocketStatus,
		})
		s.sockets = append(s.sockets, h)
	}
	if s.Key.IsDirect() {
		open(socket.SubDirect, cfg.DirectURL)
		open(socket.SubThreads, cfg.ThreadsURL)
	} else {
		open(socket.SubAssignment, cfg.AssignmentURL)
	}
}

func (s *ChannelSession) onSocketEvent(evt socket.Event) {
	if !s.current() || evt.Sub != socket.SubDirect {
		return
	}
	switch evt.Name {
	case "message.created", "message.updated", "message":
		m, err := rest.DecodeMessage(s.Key, evt.Data)
		if err != nil {
			s.logger.Debug("dropping socket message", zap.String("event", evt.Name), zap.Error(err))
			return
		}
		s.coord.store.Reconcile([]model.Message{m})
	case "message.deleted":
		var body struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(evt.Data, &body); err != nil || body.ID == 0 {
			s.logger.Debug("dropping socket delete", zap.Error(err))
			return
		}
		if s.coord.store.Remove(body.ID) {
			s.coord.deps.Bus.Emit(bus.KindMessageRemoved, string(s.Key), model.Message{ID: body.ID, ChannelKey: s.Key})
		}
	}
}

func (s *ChannelSession) onSocketStatus(c socket.StatusChange) {
	switch c.Status {
	case socket.Lost, socket.Disabled:
		s.logger.Warn("socket gave up", zap.String("sub", string(c.Sub)), zap.String("status", string(c.Status)), zap.Error(c.Err))
	default:
		s.logger.Debug("socket status", zap.String("sub", string(c.Sub)), zap.String("status", string(c.Status)))
	}
}

// teardown cancels every timer, poll and socket the session owns.
func (s *ChannelSession) teardown() {
	s.Presence.Close()
	for _, h := range s.sockets {
		h.Close()
	}
	s.Selector.Stop()
	s.cancel()
}

// sink guards every asynchronous store mutation with the session generation,
// so a response for a torn-down channel never lands in the current view.
type sink struct {
	s *ChannelSession
}

func (k sink) Reconcile(incoming []model.Message) {
	if !k.s.current() {
		return
	}
	k.s.coord.store.Reconcile(incoming)
}

func (k sink) InsertOptimistic(msg model.Message, tempID int64) {
	if !k.s.current() {
		return
	}
	k.s.coord.store.InsertOptimistic(msg, tempID)
}

func (k sink) ApplyConfirmedOrRollback(tempID int64, confirmed *model.Message) (model.Draft, bool) {
	if !k.s.current() {
		return model.Draft{}, false
	}
	return k.s.coord.store.ApplyConfirmedOrRollback(tempID, confirmed)
}

func (k sink) Remove(id int64) bool {
	if !k.s.current() {
		return false
	}
	return k.s.coord.store.Remove(id)
}
