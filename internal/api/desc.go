package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "convo.v1.ConversationService"

// Method names.
const (
	MethodGetStatus           = "GetStatus"
	MethodCreateConversation  = "CreateConversation"
	MethodListConversations   = "ListConversations"
	MethodArchiveConversation = "ArchiveConversation"
	MethodListMessages        = "ListMessages"
	MethodSendText            = "SendText"
	MethodSendAttachment      = "SendAttachment"
	MethodRetry               = "Retry"
	MethodMarkRead            = "MarkRead"
	MethodWatch               = "Watch"
)

// ConversationServer is the server side of the service. Requests and replies
// are JSON-shaped structs carried as google.protobuf.Struct.
type ConversationServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ArchiveConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendAttachment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(ConversationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return m(srv.(ConversationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return m(srv.(ConversationServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ConversationServer).Watch(in, stream)
}

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ConversationServer.GetStatus),
		unary(MethodCreateConversation, ConversationServer.CreateConversation),
		unary(MethodListConversations, ConversationServer.ListConversations),
		unary(MethodArchiveConversation, ConversationServer.ArchiveConversation),
		unary(MethodListMessages, ConversationServer.ListMessages),
		unary(MethodSendText, ConversationServer.SendText),
		unary(MethodSendAttachment, ConversationServer.SendAttachment),
		unary(MethodRetry, ConversationServer.Retry),
		unary(MethodMarkRead, ConversationServer.MarkRead),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "convo/v1/conversation.proto",
}

// RegisterConversationServer registers srv on s.
func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&ServiceDesc, srv)
}
