package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/listeners"
	"github.com/matheus3301/chatsync/internal/netmon"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/priority"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Deps are the components the control service drives. Priority and Network
// may be nil.
type Deps struct {
	Profile   string
	UserName  string
	DB        *store.DB
	Status    *status.Machine
	Network   *netmon.Monitor
	Outbox    *outbox.Queue
	Sync      *intsync.Coordinator
	Priority  *priority.Engine
	Listeners *listeners.Manager
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Control implements the chatsync.v1.Control service.
type Control struct {
	Deps
	startedAt time.Time
}

// NewControl creates the control service.
func NewControl(d Deps) *Control {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Control{Deps: d, startedAt: time.Now()}
}

func (c *Control) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]any{
		"profile":  c.Profile,
		"userId":   c.DB.UserID(),
		"status":   string(c.Status.Current()),
		"uptimeMs": time.Since(c.startedAt).Milliseconds(),
		"online":   c.Network == nil || c.Network.IsOnline(),
	}
	if c.Listeners != nil {
		out["listeners"] = c.Listeners.Active()
	}
	if convs, err := c.DB.ListConversations(); err == nil {
		out["conversations"] = len(convs)
	}
	if n, err := c.DB.CountBySyncStatus(store.SyncPending); err == nil {
		out["pending"] = n
	}
	if n, err := c.DB.CountBySyncStatus(store.SyncFailed); err == nil {
		out["failed"] = n
	}
	if at, err := c.Sync.Reconciler().GetCheckpoint(intsync.CheckpointLastFullSync); err == nil && !at.IsZero() {
		out["lastFullSync"] = at.UnixMilli()
	}
	return reply(out)
}

// ListConversations returns conversations by recency, or in ranked order
// when "ranked" is set.
func (c *Control) ListConversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convs, err := c.DB.ListConversations()
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	limit := integer(req, "limit", len(convs))

	ordered := make([]*store.Conversation, 0, len(convs))
	if boolean(req, "ranked") && c.Priority != nil {
		r := c.Priority.Latest()
		if r.Generation == 0 {
			if r, err = c.Priority.Rank(ctx); err != nil {
				return nil, toStatus("rank", err)
			}
		}
		byID := make(map[string]*store.Conversation, len(convs))
		for i := range convs {
			byID[convs[i].ID] = &convs[i]
		}
		for _, id := range r.IDs() {
			if conv, ok := byID[id]; ok {
				ordered = append(ordered, conv)
				delete(byID, id)
			}
		}
		// Conversations that arrived after the last pass go last, by recency.
		for i := range convs {
			if _, ok := byID[convs[i].ID]; ok {
				ordered = append(ordered, &convs[i])
			}
		}
	} else {
		for i := range convs {
			ordered = append(ordered, &convs[i])
		}
	}

	list := make([]any, 0, min(limit, len(ordered)))
	for _, conv := range ordered {
		if len(list) == limit {
			break
		}
		list = append(list, conversationMap(conv))
	}
	return reply(map[string]any{"conversations": list, "hasMore": len(ordered) > len(list)})
}

func (c *Control) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cid, err := required(req, "conversationId")
	if err != nil {
		return nil, err
	}
	limit := integer(req, "limit", 50)
	msgs, err := c.DB.ListMessages(cid, limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	list := make([]any, len(msgs))
	for i := range msgs {
		list[i] = messageMap(&msgs[i])
	}
	return reply(map[string]any{"messages": list})
}

// StartConversation opens a direct or group conversation. The current user
// is added to the members when missing.
func (c *Control) StartConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	me := c.DB.UserID()
	var members []intsync.Participant
	for _, v := range req.GetFields()["members"].GetListValue().GetValues() {
		fields := v.GetStructValue()
		p := intsync.Participant{ID: str(fields, "id"), Name: str(fields, "name")}
		if p.ID == "" {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "member without id")
		}
		members = append(members, p)
	}
	self := false
	for _, p := range members {
		self = self || p.ID == me
	}
	if !self {
		members = append([]intsync.Participant{{ID: me, Name: c.UserName}}, members...)
	}
	if len(members) < 2 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "at least one other member is required")
	}

	conv, err := c.Sync.StartConversation(ctx, str(req, "name"), members)
	if err != nil {
		return nil, toStatus("start conversation", err)
	}
	return reply(map[string]any{"conversation": conversationMap(conv)})
}

func (c *Control) SendText(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cid, err := required(req, "conversationId")
	if err != nil {
		return nil, err
	}
	text, err := required(req, "text")
	if err != nil {
		return nil, err
	}
	m, err := c.Outbox.Send(cid, text)
	if err != nil {
		return nil, toStatus("send", err)
	}
	return reply(map[string]any{"message": messageMap(m)})
}

func (c *Control) RetryMessage(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "messageId")
	if err != nil {
		return nil, err
	}
	if err := c.Outbox.Retry(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, grpcstatus.Errorf(codes.FailedPrecondition, "message %s is not failed", id)
		}
		return nil, toStatus("retry", err)
	}
	return reply(map[string]any{"messageId": id})
}

func (c *Control) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cid, err := required(req, "conversationId")
	if err != nil {
		return nil, err
	}
	n, err := c.Sync.MarkRead(ctx, cid)
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	return reply(map[string]any{"marked": n})
}

func (c *Control) Search(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	q, err := required(req, "query")
	if err != nil {
		return nil, err
	}
	results, err := c.DB.SearchMessages(q, str(req, "conversationId"), integer(req, "limit", 50))
	if err != nil {
		return nil, toStatus("search", err)
	}
	list := make([]any, len(results))
	for i := range results {
		list[i] = map[string]any{
			"message": messageMap(&results[i].Message),
			"snippet": results[i].Snippet,
		}
	}
	return reply(map[string]any{"results": list})
}

func (c *Control) FullSync(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := c.Sync.FullSync(ctx)
	if err != nil {
		return nil, toStatus("full sync", err)
	}
	return reply(map[string]any{"conversations": res.Conversations, "messages": res.Messages})
}

// Flush runs one outbox pass. Delivery errors are reported in the reply, not
// as a failed call.
func (c *Control) Flush(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := c.Outbox.Flush(ctx)
	out := map[string]any{
		"sent":     stats.Sent,
		"retrying": stats.Retrying,
		"failed":   stats.Failed,
		"deferred": stats.Deferred,
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, toStatus("flush", err)
		}
		out["error"] = err.Error()
	}
	return reply(out)
}

func (c *Control) Rank(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if c.Priority == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "ranking disabled")
	}
	rank := c.Priority.Rank
	if boolean(req, "refresh") {
		rank = c.Priority.Refresh
	}
	r, err := rank(ctx)
	if err != nil {
		return nil, toStatus("rank", err)
	}
	return reply(rankingMap(r))
}

// SetForeground tells the core whether the UI is visible.
func (c *Control) SetForeground(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fg := boolean(req, "foreground")
	kind := bus.AppBackground
	if fg {
		kind = bus.AppForeground
	}
	c.Bus.Emit(kind, fg)
	return reply(map[string]any{"foreground": fg})
}

// SetNetwork feeds a connectivity signal, as a platform bridge would. The
// monitor's debounce still applies.
func (c *Control) SetNetwork(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if c.Network == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "network monitor disabled")
	}
	online := boolean(req, "online")
	c.Network.Report(netmon.Signal{Connected: online})
	return reply(map[string]any{"online": online})
}

// WatchEvents streams bus events whose kind starts with "prefix" until the
// client goes away.
func (c *Control) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	events, unsub := c.Bus.Subscribe(str(req, "prefix"), 256)
	defer unsub()

	for {
		select {
		case evt := <-events:
			out, err := eventStruct(evt)
			if err != nil {
				c.Logger.Warn("event not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
