package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/msgstore"
	"github.com/Jamshidjalolov/chatsync/internal/outbox"
	"github.com/Jamshidjalolov/chatsync/internal/presence"
	"github.com/Jamshidjalolov/chatsync/internal/socket"
	intsync "github.com/Jamshidjalolov/chatsync/internal/sync"
	"github.com/Jamshidjalolov/chatsync/internal/transport"
)

// SyncService streams bus events and reports sync checkpoints.
type SyncService struct {
	bus         *bus.Bus
	reconciler  *intsync.Reconciler
	sessionName string
}

// NewSyncService creates a new sync service. reconciler may be nil.
func NewSyncService(b *bus.Bus, r *intsync.Reconciler, sessionName string) *SyncService {
	return &SyncService{bus: b, reconciler: r, sessionName: sessionName}
}

func (s *SyncService) ServiceName() string { return SyncServiceName }

func (s *SyncService) Unary() map[string]UnaryHandler {
	return map[string]UnaryHandler{"GetSyncStatus": s.GetSyncStatus}
}

func (s *SyncService) Streams() map[string]StreamHandler {
	return map[string]StreamHandler{"WatchEvents": s.WatchEvents}
}

// GetSyncStatus returns the last fallback fetch of a channel.
func (s *SyncService) GetSyncStatus(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ch, err := channelArg(in)
	if err != nil {
		return nil, err
	}
	if s.reconciler == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "journal not configured")
	}
	at, err := s.reconciler.LastFetch(ch)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "last fetch: %v", err)
	}
	return reply(map[string]any{"channel": string(ch), "last_fetch_ms": millis(at)})
}

// WatchEvents streams bus events whose kind starts with the "namespace"
// argument; empty means everything.
func (s *SyncService) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(str(in, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := reply(map[string]any{
				"event_id":       evt.ID,
				"session":        s.sessionName,
				"kind":           evt.Kind,
				"channel":        evt.Channel,
				"occurred_at_ms": evt.Timestamp.UnixMilli(),
				"payload":        eventPayload(evt.Payload),
			})
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// eventPayload flattens known payloads into Struct-compatible values.
func eventPayload(p any) any {
	switch v := p.(type) {
	case msgstore.Snapshot:
		return map[string]any{"count": len(v.Messages), "pending": countPending(v.Messages)}
	case model.Message:
		return messageFields(v)
	case transport.StateChange:
		return map[string]any{"from": string(v.From), "to": string(v.To), "reason": v.Reason}
	case transport.FetchResult:
		return map[string]any{"count": v.Count}
	case socket.StatusChange:
		out := map[string]any{"sub": string(v.Sub), "status": string(v.Status)}
		if v.Err != nil {
			out["error"] = v.Err.Error()
		}
		return out
	case presence.Change:
		peers := make([]any, 0, len(v.Peers))
		for _, e := range v.Peers {
			peers = append(peers, map[string]any{"key": e.ParticipantKey, "name": e.DisplayName})
		}
		return map[string]any{"peers": peers}
	case outbox.Ack:
		return map[string]any{"client_temp_id": v.ClientTempID, "id": v.ID, "primary_key": v.PrimaryKey}
	case outbox.Failure:
		return map[string]any{"client_temp_id": v.ClientTempID, "error": v.Err}
	case intsync.BatchResult:
		return map[string]any{"messages": v.Messages}
	default:
		return nil
	}
}

func countPending(msgs []model.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Pending {
			n++
		}
	}
	return n
}
