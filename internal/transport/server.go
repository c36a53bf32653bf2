package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/pairing"
)

// Identity is the local device as the transport presents it.
type Identity interface {
	ID() string
	Cert() *cryptox.DeviceCert
}

// PeerResolver looks up pinned peers by certificate fingerprint.
type PeerResolver interface {
	PeerByFingerprint(ctx context.Context, fingerprint string) (models.Peer, error)
	Touch(ctx context.Context, deviceID, address string) error
}

// Server is the responder side of pairing and sync.
type Server struct {
	address string
	dev     Identity
	peers   PeerResolver
	pair    PairHandler
	sync    SyncHandler
	logger  logging.Logger
}

func NewServer(address string, dev Identity, peers PeerResolver, pair PairHandler, sync SyncHandler, l logging.Logger) *Server {
	return &Server{
		address: address,
		dev:     dev,
		peers:   peers,
		pair:    pair,
		sync:    sync,
		logger:  l.With("module", "grpc_server"),
	}
}

// ServerTLS requires TLS 1.3 and a client certificate. Any certificate is
// accepted at this layer; the interceptor decides whether it is trusted.
func ServerTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
	}
}

func (s *Server) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.address, err)
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on listen until ctx is done.
func (s *Server) Serve(ctx context.Context, listen net.Listener) error {
	srv := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(ServerTLS(s.dev.Cert().TLS()))),
		grpc.ChainUnaryInterceptor(s.authInterceptor),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	)
	srv.RegisterService(&serviceDesc, s)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}

func (s *Server) Pair(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s.pair == nil {
		return nil, status.Error(codes.Unimplemented, "pairing disabled")
	}

	var hello pairing.Hello
	if err := json.Unmarshal(req.GetValue(), &hello); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed hello")
	}

	welcome, err := s.pair.HandlePair(ctx, hello, certFrom(ctx), remoteHostFrom(ctx))
	if err != nil {
		s.logger.Warn(ctx, "pair request refused", "peer_id", hello.DeviceID, "error", err)
		return nil, err
	}

	b, err := json.Marshal(welcome)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Sync(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s.sync == nil {
		return nil, status.Error(codes.Unimplemented, "sync disabled")
	}

	peerID := peerIDFrom(ctx)
	reply, err := s.sync.HandleSync(ctx, peerID, req.GetValue())
	if err != nil {
		s.logger.Warn(ctx, "sync request failed", "peer_id", peerID, "error", err)
		return nil, err
	}
	return wrapperspb.Bytes(reply), nil
}

func (s *Server) Ping(ctx context.Context, req *emptypb.Empty) (*wrapperspb.StringValue, error) {
	var ack string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(common.AckHeaderName); len(values) > 0 {
			ack = values[0]
		}
	}
	if ack != "" && s.sync != nil {
		if err := s.sync.Acknowledge(ctx, peerIDFrom(ctx), ack); err != nil {
			return nil, err
		}
	}
	return wrapperspb.String(s.dev.ID()), nil
}

var _ peerSyncServer = (*Server)(nil)

func unknownPeer() error {
	return status.Error(codes.Unauthenticated, string(common.ReasonUnknownPeer))
}

func certFrom(ctx context.Context) *x509.Certificate {
	c, _ := ctx.Value(certKey).(*x509.Certificate)
	return c
}

func remoteHostFrom(ctx context.Context) string {
	h, _ := ctx.Value(remoteHostKey).(string)
	return h
}

// peerIDFrom returns the authenticated peer of a Sync or Ping call.
func peerIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(peerIDKey).(string)
	return id
}
