package api

import (
	"context"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Jamshidjalolov/chatsync/internal/chat"
	"github.com/Jamshidjalolov/chatsync/internal/store"
)

// ChatService switches channels and forwards UI signals to the active one.
type ChatService struct {
	coord *chat.Coordinator
	db    *store.DB
}

// NewChatService creates a new chat service. db may be nil.
func NewChatService(coord *chat.Coordinator, db *store.DB) *ChatService {
	return &ChatService{coord: coord, db: db}
}

func (s *ChatService) ServiceName() string { return ChatServiceName }

func (s *ChatService) Unary() map[string]UnaryHandler {
	return map[string]UnaryHandler{
		"Activate":      s.Activate,
		"Deactivate":    s.Deactivate,
		"ListChannels":  s.ListChannels,
		"SetVisible":    s.SetVisible,
		"Focus":         s.Focus,
		"Refresh":       s.Refresh,
		"RetryRealtime": s.RetryRealtime,
		"SetTyping":     s.SetTyping,
	}
}

func (s *ChatService) Streams() map[string]StreamHandler { return nil }

func (s *ChatService) Activate(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ch, err := channelArg(in)
	if err != nil {
		return nil, err
	}
	cs, err := s.coord.Activate(ch)
	if err != nil {
		return nil, toStatus("activate", err)
	}
	return reply(map[string]any{
		"channel":          string(cs.Key),
		"transport_state":  string(cs.Selector.State()),
		"transport_reason": cs.Selector.Reason(),
	})
}

func (s *ChatService) Deactivate(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.coord.Deactivate()
	return reply(map[string]any{"success": true})
}

func (s *ChatService) ListChannels(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.db == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "journal not configured")
	}
	n := limit(in)
	channels, err := s.db.ListChannels(n)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list channels: %v", err)
	}
	out := make([]any, 0, len(channels))
	for _, c := range channels {
		out = append(out, map[string]any{
			"channel":         c.Key,
			"kind":            c.Kind,
			"last_message_at": c.LastMessageAt,
			"preview":         c.LastMessagePreview,
			"transport_state": c.TransportState,
		})
	}
	return reply(map[string]any{"channels": out, "has_more": len(channels) == n})
}

func (s *ChatService) SetVisible(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	visible, ok := boolean(in, "visible")
	if !ok {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "visible is required")
	}
	s.coord.SetVisible(visible)
	return reply(map[string]any{"visible": visible})
}

func (s *ChatService) Focus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.coord.Focus()
	return reply(map[string]any{"success": true})
}

func (s *ChatService) Refresh(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.coord.Refresh()
	return reply(map[string]any{"success": true})
}

func (s *ChatService) RetryRealtime(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.coord.RetryRealtime(ctx); err != nil {
		return nil, toStatus("retry realtime", err)
	}
	cs := s.coord.Active()
	if cs == nil {
		return nil, toStatus("retry realtime", chat.ErrNoActiveChannel)
	}
	return reply(map[string]any{"transport_state": string(cs.Selector.State())})
}

func (s *ChatService) SetTyping(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	typing, _ := boolean(in, "typing")
	s.coord.Typing(typing)
	return reply(map[string]any{"typing": typing})
}
