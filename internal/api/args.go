package api

import (
	"errors"
	"math"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Jamshidjalolov/chatsync/internal/chat"
	"github.com/Jamshidjalolov/chatsync/internal/identity"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/store"
)

const defaultLimit = 50

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func integer(in *structpb.Struct, key string) int64 {
	v := in.GetFields()[key].GetNumberValue()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(v)
}

func boolean(in *structpb.Struct, key string) (value, ok bool) {
	v, ok := in.GetFields()[key]
	if !ok {
		return false, false
	}
	return v.GetBoolValue(), true
}

func limit(in *structpb.Struct) int {
	if n := integer(in, "limit"); n > 0 {
		return int(n)
	}
	return defaultLimit
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func channelArg(in *structpb.Struct) (model.ChannelKey, error) {
	ch, err := model.ParseChannelKey(str(in, "channel"))
	if err != nil {
		return "", grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return ch, nil
}

func messageFields(m model.Message) map[string]any {
	out := map[string]any{
		"id":             m.ID,
		"primary_key":    m.PrimaryKey,
		"client_temp_id": m.ClientTempID,
		"channel":        string(m.ChannelKey),
		"sender":         string(m.Sender),
		"sender_user_id": m.SenderUserID,
		"sender_name":    m.SenderName,
		"content":        m.Content,
		"created_at":     m.CreatedAt.UnixMilli(),
		"pending":        m.Pending,
	}
	if !m.UpdatedAt.IsZero() {
		out["updated_at"] = m.UpdatedAt.UnixMilli()
	}
	if a := m.Attachment; a != nil {
		att := map[string]any{"kind": string(a.Kind)}
		if a.IsSticker() {
			att["sticker_id"] = a.StickerID
		} else {
			att["url"] = a.URL
			att["file_name"] = a.FileName
			att["mime_type"] = a.MimeType
			att["size_bytes"] = a.SizeBytes
			if a.DurationSeconds > 0 {
				att["duration_seconds"] = a.DurationSeconds
			}
		}
		out["attachment"] = att
	}
	return out
}

func messageList(msgs []model.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageFields(m))
	}
	return out
}

func journalList(rows []store.Message) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, messageFields(r.Model()))
	}
	return out
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// toStatus maps core errors onto gRPC codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, chat.ErrNoActiveChannel):
		code = codes.FailedPrecondition
	case errors.Is(err, model.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, model.ErrTransportUnreachable),
		errors.Is(err, model.ErrUploadFailed),
		errors.Is(err, model.ErrSendFailed):
		code = codes.Unavailable
	case errors.Is(err, model.ErrTransportAccessDenied):
		code = codes.PermissionDenied
	case errors.Is(err, identity.ErrNoToken):
		code = codes.Unauthenticated
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
