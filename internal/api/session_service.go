package api

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Jamshidjalolov/chatsync/internal/chat"
	"github.com/Jamshidjalolov/chatsync/internal/identity"
	"github.com/Jamshidjalolov/chatsync/internal/store"
)

// SessionService reports daemon status and accepts credentials.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	coord       *chat.Coordinator
	identity    *identity.Provider
	db          *store.DB
}

// NewSessionService creates a new session service. db may be nil.
func NewSessionService(sessionName string, coord *chat.Coordinator, id *identity.Provider, db *store.DB) *SessionService {
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		coord:       coord,
		identity:    id,
		db:          db,
	}
}

func (s *SessionService) ServiceName() string { return SessionServiceName }

func (s *SessionService) Unary() map[string]UnaryHandler {
	return map[string]UnaryHandler{
		"GetStatus": s.GetStatus,
		"SetToken":  s.SetToken,
	}
}

func (s *SessionService) Streams() map[string]StreamHandler { return nil }

// GetStatus describes the session, the active channel and its sockets.
func (s *SessionService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"session":   s.sessionName,
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
		"channel":   "",
	}

	if s.identity != nil {
		if who, err := s.identity.Current(); err == nil {
			resp["user_id"] = who.UserID
			resp["user_name"] = who.DisplayName
			resp["sender"] = string(who.Sender())
		}
	}

	if cs := s.coord.Active(); cs != nil {
		resp["channel"] = string(cs.Key)
		resp["transport_state"] = string(cs.Selector.State())
		resp["transport_reason"] = cs.Selector.Reason()
		resp["pending"] = len(s.coord.Store().Pending())
		resp["messages"] = s.coord.Store().Len()
		sockets := make([]any, 0, len(cs.Sockets()))
		for _, h := range cs.Sockets() {
			sockets = append(sockets, map[string]any{"sub": string(h.Sub()), "status": string(h.Status())})
		}
		resp["sockets"] = sockets
	}

	if s.db != nil {
		if n, err := s.db.ChannelCount(); err == nil {
			resp["journal_channels"] = n
		}
		if n, err := s.db.MessageCount(); err == nil {
			resp["journal_messages"] = n
		}
	}
	return reply(resp)
}

// SetToken replaces the bearer credential.
func (s *SessionService) SetToken(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.identity == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "identity provider not configured")
	}
	token := str(in, "token")
	if token == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "token is required")
	}
	who, err := s.identity.SetToken(token)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unauthenticated, "set token: %v", err)
	}
	return reply(map[string]any{
		"user_id":   who.UserID,
		"user_name": who.DisplayName,
		"sender":    string(who.Sender()),
	})
}
