package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/analysis"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/priority"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request field accessors. Missing fields read as zero values.

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func boolean(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

func integer(req *structpb.Struct, key string, def int) int {
	v, ok := req.GetFields()[key]
	if !ok {
		return def
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return def
	}
	return int(v.GetNumberValue())
}

func required(req *structpb.Struct, key string) (string, error) {
	v := str(req, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

// toStatus maps core errors onto gRPC codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, store.ErrNotFound), errors.Is(err, remote.ErrNotFound), errors.Is(err, outbox.ErrUnknownConversation):
		code = codes.NotFound
	case errors.Is(err, remote.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, remote.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, remote.ErrUnavailable):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func anyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func conversationMap(c *store.Conversation) map[string]any {
	return map[string]any{
		"id":               c.ID,
		"kind":             string(c.Kind),
		"name":             c.Name,
		"participantIds":   anyList(c.ParticipantIDs),
		"participantNames": anyList(c.ParticipantNames),
		"lastMessageText":  c.LastMessageText,
		"lastMessageAt":    c.LastMessageAt,
		"lastSenderId":     c.LastSenderID,
		"unread":           c.UnreadCount,
		"createdAt":        c.CreatedAt,
	}
}

func messageMap(m *store.Message) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"conversationId":  m.ConversationID,
		"senderId":        m.SenderID,
		"senderName":      m.SenderName,
		"text":            m.Text,
		"timestamp":       m.Timestamp,
		"deliveryStatus":  string(m.DeliveryStatus),
		"syncStatus":      string(m.SyncStatus),
		"retryCount":      m.RetryCount,
		"lastSyncAttempt": m.LastSyncAttempt,
		"readBy":          anyList(m.ReadBy),
	}
}

func signalsMap(s *analysis.Signals) any {
	if s == nil {
		return nil
	}
	return map[string]any{"hasUrgent": s.HasUrgent, "urgentCount": s.UrgentCount}
}

func rankingMap(r priority.Ranking) map[string]any {
	scores := make([]any, len(r.Scores))
	for i, s := range r.Scores {
		scores[i] = map[string]any{
			"conversationId": s.ConversationID,
			"local":          s.Local,
			"final":          s.Final,
			"unread":         s.Unread,
			"lastMessageAt":  s.LastMessageAt,
			"escalated":      s.Escalated,
			"signals":        signalsMap(s.Signals),
		}
	}
	return map[string]any{
		"generation": int64(r.Generation),
		"refined":    r.Refined,
		"at":         r.At.UnixMilli(),
		"scores":     scores,
	}
}

// payloadValue renders a bus payload. Unknown payload types are rendered as
// text.
func payloadValue(p any) (*structpb.Value, error) {
	switch v := p.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		return structpb.NewValue(m)
	case bool, string, int, int64, float64:
		return structpb.NewValue(v)
	case status.StatusChange:
		return structpb.NewValue(map[string]any{"from": string(v.From), "to": string(v.To)})
	case outbox.SendResult:
		return structpb.NewValue(map[string]any{
			"messageId":      v.MessageID,
			"conversationId": v.ConversationID,
			"attempt":        v.Attempt,
			"error":          v.Err,
		})
	case priority.Ranking:
		return structpb.NewValue(rankingMap(v))
	default:
		return structpb.NewStringValue(fmt.Sprint(v)), nil
	}
}

func eventStruct(evt bus.Event) (*structpb.Struct, error) {
	payload, err := payloadValue(evt.Payload)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":         structpb.NewStringValue(evt.Kind),
		"occurredAtMs": structpb.NewNumberValue(float64(evt.Timestamp.UnixMilli())),
		"payload":      payload,
	}}, nil
}
