package daemon

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the gRPC service path segment; there is no .proto file
// behind it, but the string still needs to look like one since it's part
// of the wire method name ("/reposync.Daemon/SyncStatus").
const serviceName = "reposync.Daemon"

// DaemonServer is the server-side contract for the SyncStatus RPC. A real
// protoc-gen-go-grpc run would generate this interface from a .proto file;
// it's hand-written here since this RPC rides the hand-written jsonCodec
// rather than generated protobuf messages.
type DaemonServer interface {
	SyncStatus(context.Context, *SyncStatusRequest) (*SyncStatusReply, error)
}

func syncStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SyncStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DaemonServer).SyncStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/SyncStatus",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DaemonServer).SyncStatus(ctx, req.(*SyncStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// daemonServiceDesc mirrors what protoc-gen-go-grpc would emit for a
// service with a single unary method.
var daemonServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DaemonServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SyncStatus",
			Handler:    syncStatusHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reposync/daemon.proto",
}

// RegisterDaemonServer registers srv to handle SyncStatus RPCs on s.
func RegisterDaemonServer(s grpc.ServiceRegistrar, srv DaemonServer) {
	s.RegisterService(&daemonServiceDesc, srv)
}

// DaemonClient is the client-side contract for the SyncStatus RPC.
type DaemonClient interface {
	SyncStatus(ctx context.Context, in *SyncStatusRequest, opts ...grpc.CallOption) (*SyncStatusReply, error)
}

type daemonClient struct {
	cc grpc.ClientConnInterface
}

// NewDaemonClient builds a DaemonClient over an established connection.
func NewDaemonClient(cc grpc.ClientConnInterface) DaemonClient {
	return &daemonClient{cc: cc}
}

func (c *daemonClient) SyncStatus(ctx context.Context, in *SyncStatusRequest, opts ...grpc.CallOption) (*SyncStatusReply, error) {
	opts = append(opts, grpc.CallContentSubtype(jsonCodec{}.Name()))
	out := new(SyncStatusReply)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SyncStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
