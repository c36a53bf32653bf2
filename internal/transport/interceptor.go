package transport

import (
	"context"
	"crypto/x509"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/netx"
)

type ctxKey string

const (
	certKey       ctxKey = "clientCert"
	remoteHostKey ctxKey = "remoteHost"
	peerIDKey     ctxKey = "peerID"
)

func clientCertificate(ctx context.Context) (*x509.Certificate, string, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, "", false
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.PeerCertificates) == 0 {
		return nil, "", false
	}
	var host string
	if p.Addr != nil {
		host = netx.HostOf(p.Addr.String())
	}
	return info.State.PeerCertificates[0], host, true
}

// authInterceptor lets any certificate reach Pair. Every other method
// requires the client certificate to be pinned.
func (s *Server) authInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {

	cert, host, ok := clientCertificate(ctx)
	if !ok {
		return nil, unknownPeer()
	}
	ctx = context.WithValue(ctx, certKey, cert)
	ctx = context.WithValue(ctx, remoteHostKey, host)

	if info.FullMethod != MethodPair {
		fp := cryptox.Fingerprint(cert.Raw)
		p, err := s.peers.PeerByFingerprint(ctx, fp)
		if errors.Is(err, common.ErrNotFound) || (err == nil && p.DeviceID != cert.Subject.CommonName) {
			s.logger.Warn(ctx, "unknown client certificate", "fingerprint", fp, "method", info.FullMethod)
			return nil, unknownPeer()
		}
		if err != nil {
			return nil, toStatus(err)
		}
		if err := s.peers.Touch(ctx, p.DeviceID, ""); err != nil {
			s.logger.Warn(ctx, "touch peer", "peer_id", p.DeviceID, "error", err)
		}
		ctx = context.WithValue(ctx, peerIDKey, p.DeviceID)
	}

	resp, err := handler(ctx, req)
	return resp, toStatus(err)
}
