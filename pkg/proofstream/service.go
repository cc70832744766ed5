package proofstream

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "accountproof.ProofStream"

// Full method names, as seen by interceptors.
const (
	SubscribeMethod = "/" + ServiceName + "/Subscribe"
	IngestMethod    = "/" + ServiceName + "/Ingest"
	StatusMethod    = "/" + ServiceName + "/Status"
)

// ProofStreamServer is implemented by the proof stream service.
type ProofStreamServer interface {
	Subscribe(*SubscribeRequest, SubscribeServer) error
	Ingest(IngestServer) error
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

// SubscribeServer is the server side of a Subscribe stream.
type SubscribeServer interface {
	Send(*Message) error
	grpc.ServerStream
}

// IngestServer is the server side of an Ingest stream.
type IngestServer interface {
	Recv() (*IngestRequest, error)
	SendAndClose(*IngestSummary) error
	grpc.ServerStream
}

// RegisterProofStreamServer registers srv with s. The descriptor is written
// by hand since the messages are not protoc-generated.
func RegisterProofStreamServer(s grpc.ServiceRegistrar, srv ProofStreamServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the proof stream service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProofStreamServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Status",
			Handler:    statusHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "Ingest",
			Handler:       ingestHandler,
			ClientStreams: true,
		},
	},
	Metadata: "accountproof.wire",
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProofStreamServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: StatusMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProofStreamServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type subscribeServer struct {
	grpc.ServerStream
}

func (s *subscribeServer) Send(m *Message) error {
	return s.ServerStream.SendMsg(m)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ProofStreamServer).Subscribe(in, &subscribeServer{stream})
}

type ingestServer struct {
	grpc.ServerStream
}

func (s *ingestServer) Recv() (*IngestRequest, error) {
	m := new(IngestRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *ingestServer) SendAndClose(m *IngestSummary) error {
	return s.ServerStream.SendMsg(m)
}

func ingestHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ProofStreamServer).Ingest(&ingestServer{stream})
}

// ProofStreamClient is the client API of the proof stream service.
type ProofStreamClient interface {
	Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (SubscribeClient, error)
	Ingest(ctx context.Context, opts ...grpc.CallOption) (IngestClient, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

// SubscribeClient is the client side of a Subscribe stream.
type SubscribeClient interface {
	Recv() (*Message, error)
	grpc.ClientStream
}

// IngestClient is the client side of an Ingest stream.
type IngestClient interface {
	Send(*IngestRequest) error
	CloseAndRecv() (*IngestSummary, error)
	grpc.ClientStream
}

type proofStreamClient struct {
	cc grpc.ClientConnInterface
}

// NewProofStreamClient returns a client using the proof stream codec.
func NewProofStreamClient(cc grpc.ClientConnInterface) ProofStreamClient {
	return &proofStreamClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *proofStreamClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, StatusMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *proofStreamClient) Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (SubscribeClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SubscribeMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &subscribeClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type subscribeClient struct {
	grpc.ClientStream
}

func (x *subscribeClient) Recv() (*Message, error) {
	m := new(Message)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *proofStreamClient) Ingest(ctx context.Context, opts ...grpc.CallOption) (IngestClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], IngestMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &ingestClient{stream}, nil
}

type ingestClient struct {
	grpc.ClientStream
}

func (x *ingestClient) Send(m *IngestRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *ingestClient) CloseAndRecv() (*IngestSummary, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(IngestSummary)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
