package clockpb

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the fully qualified gRPC service name, matching the
// "<package>.<Service>" convention protoc-gen-go-grpc would produce for a
// package named "clock" declaring "service ClockService".
const serviceName = "clock.ClockService"

// ClockServiceClient is the client API for ClockService, hand-written in
// the shape protoc-gen-go-grpc emits for a service with one unary and one
// bidirectional-streaming method.
type ClockServiceClient interface {
	RegisterNode(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	StreamClockEvents(ctx context.Context, opts ...grpc.CallOption) (ClockService_StreamClockEventsClient, error)
}

type clockServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewClockServiceClient wraps cc, selecting the repcl-json codec on every
// call so the server-side codec negotiation in codec.go applies uniformly.
func NewClockServiceClient(cc grpc.ClientConnInterface) ClockServiceClient {
	return &clockServiceClient{cc: cc}
}

func (c *clockServiceClient) RegisterNode(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/RegisterNode", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *clockServiceClient) StreamClockEvents(ctx context.Context, opts ...grpc.CallOption) (ClockService_StreamClockEventsClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &_ClockService_serviceDesc.Streams[0], "/"+serviceName+"/StreamClockEvents", opts...)
	if err != nil {
		return nil, err
	}
	return &clockServiceStreamClockEventsClient{stream}, nil
}

// ClockService_StreamClockEventsClient is the node-side handle on the
// bidirectional StreamClockEvents RPC: nodes push ClockEventMsg values
// and read one Ack back per message, then call CloseAndRecv to learn the
// final status once the stream is done.
type ClockService_StreamClockEventsClient interface {
	Send(*ClockEventMsg) error
	Recv() (*Ack, error)
	CloseAndRecv() (*Ack, error)
	grpc.ClientStream
}

type clockServiceStreamClockEventsClient struct {
	grpc.ClientStream
}

func (x *clockServiceStreamClockEventsClient) Send(m *ClockEventMsg) error {
	return x.ClientStream.SendMsg(m)
}

func (x *clockServiceStreamClockEventsClient) Recv() (*Ack, error) {
	m := new(Ack)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *clockServiceStreamClockEventsClient) CloseAndRecv() (*Ack, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x.Recv()
}

// ClockServiceServer is the server API for ClockService.
type ClockServiceServer interface {
	RegisterNode(context.Context, *RegisterRequest) (*RegisterResponse, error)
	StreamClockEvents(ClockService_StreamClockEventsServer) error
}

// ClockService_StreamClockEventsServer is the collector-side handle on the
// StreamClockEvents RPC.
type ClockService_StreamClockEventsServer interface {
	Send(*Ack) error
	Recv() (*ClockEventMsg, error)
	grpc.ServerStream
}

type clockServiceStreamClockEventsServer struct {
	grpc.ServerStream
}

func (x *clockServiceStreamClockEventsServer) Send(m *Ack) error {
	return x.ServerStream.SendMsg(m)
}

func (x *clockServiceStreamClockEventsServer) Recv() (*ClockEventMsg, error) {
	m := new(ClockEventMsg)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _ClockService_RegisterNode_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClockServiceServer).RegisterNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/RegisterNode",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClockServiceServer).RegisterNode(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ClockService_StreamClockEvents_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(ClockServiceServer).StreamClockEvents(&clockServiceStreamClockEventsServer{stream})
}

// _ClockService_serviceDesc plays the role of the protoc-gen-go-grpc
// generated ServiceDesc, registered with a *grpc.Server via
// RegisterClockServiceServer.
var _ClockService_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterNode",
			Handler:    _ClockService_RegisterNode_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamClockEvents",
			Handler:       _ClockService_StreamClockEvents_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "clock.proto",
}

// RegisterClockServiceServer registers srv with s, the way
// protoc-gen-go-grpc's generated RegisterClockServiceServer would.
func RegisterClockServiceServer(s grpc.ServiceRegistrar, srv ClockServiceServer) {
	s.RegisterService(&_ClockService_serviceDesc, srv)
}
