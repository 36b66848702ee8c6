package ipc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "slipstream.v1.SessionService"

const (
	methodConnect              = "/" + ServiceName + "/Connect"
	methodDisconnect           = "/" + ServiceName + "/Disconnect"
	methodGetStatus            = "/" + ServiceName + "/GetStatus"
	methodListProfiles         = "/" + ServiceName + "/ListProfiles"
	methodImportProfile        = "/" + ServiceName + "/ImportProfile"
	methodExportProfile        = "/" + ServiceName + "/ExportProfile"
	methodSelectProfile        = "/" + ServiceName + "/SelectProfile"
	methodRefreshSubscriptions = "/" + ServiceName + "/RefreshSubscriptions"
	methodWatch                = "/" + ServiceName + "/Watch"
)

// SessionServiceServer is the server API. Messages are google.protobuf.Struct
// documents so the service needs no generated code.
type SessionServiceServer interface {
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListProfiles(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ImportProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefreshSubscriptions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterSessionServiceServer registers srv on s.
func RegisterSessionServiceServer(s grpc.ServiceRegistrar, srv SessionServiceServer) {
	s.RegisterService(&SessionService_ServiceDesc, srv)
}

// unaryStruct builds a handler for methods taking a Struct.
func unaryStruct(method string, call func(SessionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SessionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SessionServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// unaryEmpty builds a handler for methods taking Empty.
func unaryEmpty(method string, call func(SessionServiceServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SessionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SessionServiceServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SessionServiceServer).Watch(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// SessionService_ServiceDesc is the grpc.ServiceDesc for SessionService.
var SessionService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Connect", Handler: unaryStruct(methodConnect, SessionServiceServer.Connect)},
		{MethodName: "Disconnect", Handler: unaryEmpty(methodDisconnect, SessionServiceServer.Disconnect)},
		{MethodName: "GetStatus", Handler: unaryEmpty(methodGetStatus, SessionServiceServer.GetStatus)},
		{MethodName: "ListProfiles", Handler: unaryEmpty(methodListProfiles, SessionServiceServer.ListProfiles)},
		{MethodName: "ImportProfile", Handler: unaryStruct(methodImportProfile, SessionServiceServer.ImportProfile)},
		{MethodName: "ExportProfile", Handler: unaryStruct(methodExportProfile, SessionServiceServer.ExportProfile)},
		{MethodName: "SelectProfile", Handler: unaryStruct(methodSelectProfile, SessionServiceServer.SelectProfile)},
		{MethodName: "RefreshSubscriptions", Handler: unaryEmpty(methodRefreshSubscriptions, SessionServiceServer.RefreshSubscriptions)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "slipstream/v1/session.proto",
}

// SessionServiceClient is the client API for SessionService.
type SessionServiceClient interface {
	Connect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Disconnect(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetStatus(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListProfiles(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	ImportProfile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ExportProfile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	SelectProfile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	RefreshSubscriptions(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	Watch(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type sessionServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSessionServiceClient wraps cc.
func NewSessionServiceClient(cc grpc.ClientConnInterface) SessionServiceClient {
	return &sessionServiceClient{cc}
}

func (c *sessionServiceClient) invoke(ctx context.Context, method string, in any, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *sessionServiceClient) Connect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodConnect, in, opts)
}

func (c *sessionServiceClient) Disconnect(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodDisconnect, in, opts)
}

func (c *sessionServiceClient) GetStatus(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGetStatus, in, opts)
}

func (c *sessionServiceClient) ListProfiles(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodListProfiles, in, opts)
}

func (c *sessionServiceClient) ImportProfile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodImportProfile, in, opts)
}

func (c *sessionServiceClient) ExportProfile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodExportProfile, in, opts)
}

func (c *sessionServiceClient) SelectProfile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodSelectProfile, in, opts)
}

func (c *sessionServiceClient) RefreshSubscriptions(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodRefreshSubscriptions, in, opts)
}

func (c *sessionServiceClient) Watch(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &SessionService_ServiceDesc.Streams[0], methodWatch, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
