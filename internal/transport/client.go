package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/pairing"
)

// Client is the initiator side. Every call dials a fresh connection, so
// each session runs its own TLS handshake.
type Client struct {
	dev    Identity
	logger logging.Logger
}

func NewClient(dev Identity, l logging.Logger) *Client {
	return &Client{dev: dev, logger: l.With("module", "grpc_client")}
}

// serverCheck records the certificate the server presented and the outcome
// of checking it, since the handshake error itself reaches the caller only
// as an opaque Unavailable status.
type serverCheck struct {
	mu     sync.Mutex
	expect string
	cert   *x509.Certificate
	err    error
}

func (c *serverCheck) verify(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(rawCerts) == 0 {
		c.err = common.NewAuthError(common.ReasonFingerprintMismatch)
		return c.err
	}
	cert, err := cryptox.ParseCertificate(rawCerts[0])
	if err != nil {
		c.err = common.NewAuthError(common.ReasonFingerprintMismatch)
		return c.err
	}
	if c.expect != "" && cryptox.Fingerprint(cert.Raw) != cryptox.NormalizeFingerprint(c.expect) {
		c.err = common.NewAuthError(common.ReasonFingerprintMismatch)
		return c.err
	}
	c.cert = cert
	return nil
}

func (c *serverCheck) result() (*x509.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cert, c.err
}

// ClientTLS presents cert and checks the server certificate through check
// instead of a CA chain. Device certificates are self-signed, so trust comes
// from the pinned fingerprint alone.
func ClientTLS(cert tls.Certificate, check func([][]byte, [][]*x509.Certificate) error) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS13,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: check,
	}
}

func (c *Client) dial(address, expectFP string) (*grpc.ClientConn, *serverCheck, error) {
	check := &serverCheck{expect: expectFP}
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(credentials.NewTLS(ClientTLS(c.dev.Cert().TLS(), check.verify))),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageSize), grpc.MaxCallSendMsgSize(MaxMessageSize)),
		grpc.WithChainUnaryInterceptor(errorInterceptor),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, check, nil
}

func errorInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return mapError(invoker(ctx, method, req, reply, cc, opts...))
}

// invoke runs one call and prefers the certificate check's verdict over
// the transport error it caused.
func (c *Client) invoke(ctx context.Context, address, expectFP, method string, req, reply any) (*x509.Certificate, error) {
	conn, check, err := c.dial(address, expectFP)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	callErr := conn.Invoke(ctx, method, req, reply)
	cert, checkErr := check.result()
	if checkErr != nil {
		return nil, checkErr
	}
	if callErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(callErr, context.DeadlineExceeded) {
			callErr = errors.Join(callErr, context.DeadlineExceeded)
		}
		return nil, callErr
	}
	return cert, nil
}

// Pair implements pairing.Dialer.
func (c *Client) Pair(ctx context.Context, address, expectFP string, hello pairing.Hello) (pairing.Welcome, *x509.Certificate, error) {
	b, err := json.Marshal(hello)
	if err != nil {
		return pairing.Welcome{}, nil, err
	}

	var resp wrapperspb.BytesValue
	cert, err := c.invoke(ctx, address, expectFP, MethodPair, wrapperspb.Bytes(b), &resp)
	if err != nil {
		return pairing.Welcome{}, nil, err
	}

	var welcome pairing.Welcome
	if err := json.Unmarshal(resp.GetValue(), &welcome); err != nil {
		return pairing.Welcome{}, nil, &common.IntegrityError{Reason: "malformed welcome"}
	}
	return welcome, cert, nil
}

// Sync sends a sealed changeset to a pinned peer and returns its reply.
func (c *Client) Sync(ctx context.Context, p models.Peer, payload []byte) ([]byte, error) {
	if p.Address == "" {
		return nil, fmt.Errorf("%w: peer %s has no known address", common.ErrValidation, p.DeviceID)
	}
	var resp wrapperspb.BytesValue
	if _, err := c.invoke(ctx, p.Address, p.Fingerprint, MethodSync, wrapperspb.Bytes(payload), &resp); err != nil {
		return nil, err
	}
	return resp.GetValue(), nil
}

// Ping checks that a pinned peer is reachable and still trusts this device.
// A non-empty ack confirms the Sync reply with that checksum was applied.
func (c *Client) Ping(ctx context.Context, p models.Peer, ack string) error {
	if ack != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, common.AckHeaderName, ack)
	}
	var resp wrapperspb.StringValue
	if _, err := c.invoke(ctx, p.Address, p.Fingerprint, MethodPing, &emptypb.Empty{}, &resp); err != nil {
		return err
	}
	if resp.GetValue() != p.DeviceID {
		return common.NewAuthError(common.ReasonFingerprintMismatch)
	}
	return nil
}

var _ pairing.Dialer = (*Client)(nil)
