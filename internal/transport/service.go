// Package transport carries pairing and sync sessions between two devices
// over mutually authenticated gRPC on the local network.
package transport

import (
	"context"
	"crypto/x509"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dmitrijs2005/classbook/internal/pairing"
)

const (
	ServiceName = "classbook.sync.v1.PeerSync"

	MethodPair = "/" + ServiceName + "/Pair"
	MethodSync = "/" + ServiceName + "/Sync"
	MethodPing = "/" + ServiceName + "/Ping"

	// MaxMessageSize bounds a single changeset or snapshot on the wire.
	MaxMessageSize = 64 << 20
)

// PairHandler answers pairing requests from unknown devices.
type PairHandler interface {
	HandlePair(ctx context.Context, hello pairing.Hello, cert *x509.Certificate, remoteHost string) (pairing.Welcome, error)
}

// SyncHandler answers a sealed changeset from a paired peer with its own.
// Acknowledge is called when the peer confirms it applied the reply whose
// checksum it names.
type SyncHandler interface {
	HandleSync(ctx context.Context, peerID string, payload []byte) ([]byte, error)
	Acknowledge(ctx context.Context, peerID, checksum string) error
}

// peerSyncServer is the method set the service descriptor dispatches to.
type peerSyncServer interface {
	Pair(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Sync(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Ping(ctx context.Context, req *emptypb.Empty) (*wrapperspb.StringValue, error)
}

func pairHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerSyncServer).Pair(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPair}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(peerSyncServer).Pair(ctx, req.(*wrapperspb.BytesValue))
	})
}

func syncHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerSyncServer).Sync(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSync}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(peerSyncServer).Sync(ctx, req.(*wrapperspb.BytesValue))
	})
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerSyncServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPing}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(peerSyncServer).Ping(ctx, req.(*emptypb.Empty))
	})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*peerSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Pair", Handler: pairHandler},
		{MethodName: "Sync", Handler: syncHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "classbook/sync/v1/peer_sync.proto",
}
