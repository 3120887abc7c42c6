// Package api exposes the daemon over gRPC. The service is described by hand
// and carries google.protobuf.Struct payloads, so there is no generated code
// to keep in step with the core types.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Control"

// Method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodListConversations = "ListConversations"
	MethodListMessages      = "ListMessages"
	MethodStartConversation = "StartConversation"
	MethodSendText          = "SendText"
	MethodRetryMessage      = "RetryMessage"
	MethodMarkRead          = "MarkRead"
	MethodSearch            = "Search"
	MethodFullSync          = "FullSync"
	MethodFlush             = "Flush"
	MethodRank              = "Rank"
	MethodSetForeground     = "SetForeground"
	MethodSetNetwork        = "SetNetwork"
	MethodWatchEvents       = "WatchEvents"
)

// controlServer is the handler type checked by grpc.Server.RegisterService.
type controlServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(*Control, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			c := srv.(*Control)
			if interceptor == nil {
				return fn(c, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(c, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, (*Control).GetStatus),
		unary(MethodListConversations, (*Control).ListConversations),
		unary(MethodListMessages, (*Control).ListMessages),
		unary(MethodStartConversation, (*Control).StartConversation),
		unary(MethodSendText, (*Control).SendText),
		unary(MethodRetryMessage, (*Control).RetryMessage),
		unary(MethodMarkRead, (*Control).MarkRead),
		unary(MethodSearch, (*Control).Search),
		unary(MethodFullSync, (*Control).FullSync),
		unary(MethodFlush, (*Control).Flush),
		unary(MethodRank, (*Control).Rank),
		unary(MethodSetForeground, (*Control).SetForeground),
		unary(MethodSetNetwork, (*Control).SetNetwork),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    MethodWatchEvents,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(*Control).WatchEvents(in, stream)
		},
	}},
	Metadata: "chatsync/v1/control",
}

// Register adds the control service and the standard health service to s.
// The returned health server reports SERVING for the control service.
func Register(s *grpc.Server, c *Control) *health.Server {
	s.RegisterService(&serviceDesc, c)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}
