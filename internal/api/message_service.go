package api

import (
	"context"
	"errors"
	"mime"
	"os"
	"path/filepath"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Jamshidjalolov/chatsync/internal/chat"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/outbox"
	"github.com/Jamshidjalolov/chatsync/internal/store"
	"github.com/Jamshidjalolov/chatsync/internal/upload"
)

// MessageService reads the live view and the journal, and sends.
type MessageService struct {
	coord *chat.Coordinator
	db    *store.DB
}

// NewMessageService creates a new message service. db may be nil.
func NewMessageService(coord *chat.Coordinator, db *store.DB) *MessageService {
	return &MessageService{coord: coord, db: db}
}

func (s *MessageService) ServiceName() string { return MessageServiceName }

func (s *MessageService) Unary() map[string]UnaryHandler {
	return map[string]UnaryHandler{
		"ListMessages":   s.ListMessages,
		"SearchMessages": s.SearchMessages,
		"Send":           s.Send,
		"Edit":           s.Edit,
		"Delete":         s.Delete,
	}
}

func (s *MessageService) Streams() map[string]StreamHandler { return nil }

// ListMessages returns the live view, pending messages included, for the
// active channel. Any other channel is read from the journal.
func (s *MessageService) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw := str(in, "channel")
	active := s.coord.Active()
	if raw == "" || (active != nil && raw == string(active.Key)) {
		if active == nil {
			return nil, toStatus("list messages", chat.ErrNoActiveChannel)
		}
		msgs := s.coord.Store().Snapshot()
		return reply(map[string]any{"channel": string(active.Key), "live": true, "messages": messageList(msgs)})
	}

	ch, err := channelArg(in)
	if err != nil {
		return nil, err
	}
	if s.db == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "journal not configured")
	}
	n := limit(in)
	rows, err := s.db.ListMessages(string(ch), integer(in, "before"), n)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	// Journal pages are newest first; render oldest first.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return reply(map[string]any{"channel": string(ch), "live": false, "messages": journalList(rows), "has_more": len(rows) == n})
}

func (s *MessageService) SearchMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.db == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "journal not configured")
	}
	query := str(in, "query")
	if query == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "query is required")
	}
	n := limit(in)
	results, err := s.db.SearchMessages(query, str(in, "channel"), n)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{
			"message": messageFields(r.Message.Model()),
			"snippet": r.Snippet,
		})
	}
	return reply(map[string]any{"results": out, "has_more": len(results) == n})
}

// Send sends text, a sticker or a local file on the active channel.
func (s *MessageService) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := outbox.Request{Text: str(in, "text")}
	if id := str(in, "sticker_id"); id != "" {
		req.Attachment = model.Sticker(id)
	}
	if path := str(in, "file"); path != "" {
		f, closeFile, err := openFile(path)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "open attachment: %v", err)
		}
		defer closeFile()
		req.File = f
	}

	msg, err := s.coord.Send(ctx, req)
	if err != nil {
		var sendErr *outbox.SendError
		if errors.As(err, &sendErr) && !sendErr.Draft.Empty() {
			return nil, grpcstatus.Errorf(codes.Unavailable, "send: %v (draft %q restored)", err, sendErr.Draft.Text)
		}
		return nil, toStatus("send", err)
	}
	return reply(map[string]any{"message": messageFields(msg)})
}

func (s *MessageService) Edit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := integer(in, "id")
	if id <= 0 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "id is required")
	}
	msg, err := s.coord.Edit(ctx, id, str(in, "text"))
	if err != nil {
		return nil, toStatus("edit", err)
	}
	return reply(map[string]any{"message": messageFields(msg)})
}

func (s *MessageService) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := integer(in, "id")
	if id <= 0 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "id is required")
	}
	if err := s.coord.Delete(ctx, id); err != nil {
		return nil, toStatus("delete", err)
	}
	return reply(map[string]any{"success": true})
}

func openFile(path string) (*upload.File, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &upload.File{
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Size:     info.Size(),
		Body:     f,
	}, func() { _ = f.Close() }, nil
}
