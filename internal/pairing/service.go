package pairing

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/discovery"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/models"
)

// Hello is what the initiating device presents to the responder.
type Hello struct {
	DeviceID    string `json:"device_id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	PIN         string `json:"pin"`
	Port        int    `json:"port,omitempty"`
}

// Welcome is the responder's answer to an accepted Hello.
type Welcome struct {
	DeviceID    string `json:"device_id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
}

// Dialer runs the Pair exchange against a responder. It returns the
// certificate the responder presented during the transport handshake.
// A non-empty expectFP must be enforced before the PIN leaves the device.
type Dialer interface {
	Pair(ctx context.Context, address, expectFP string, hello Hello) (Welcome, *x509.Certificate, error)
}

type Locator interface {
	Browse(ctx context.Context) ([]discovery.Peer, error)
}

type Options struct {
	PINTTL           time.Duration
	HandshakeTimeout time.Duration
	DiscoveryTimeout time.Duration
	// Address is announced in pairing codes; Port in Hello messages.
	Address string
	Port    int
}

// Ticket is a freshly issued PIN with the code that carries it.
type Ticket struct {
	PIN         string    `json:"pin" yaml:"pin"`
	ExpiresAt   time.Time `json:"expires_at" yaml:"expires_at"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	Code        string    `json:"code" yaml:"code"`
}

// Service drives both sides of pairing.
type Service struct {
	dev     Device
	trust   *Trust
	pins    *PINStore
	machine *Machine
	dialer  Dialer
	locator Locator
	opts    Options
	log     logging.Logger
}

func NewService(dev Device, trust *Trust, machine *Machine, dialer Dialer, locator Locator, opts Options, log logging.Logger) *Service {
	return &Service{
		dev:     dev,
		trust:   trust,
		pins:    NewPINStore(dev.Clock(), opts.PINTTL),
		machine: machine,
		dialer:  dialer,
		locator: locator,
		opts:    opts,
		log:     log.With("module", "pairing"),
	}
}

func (s *Service) Machine() *Machine { return s.machine }
func (s *Service) Trust() *Trust     { return s.trust }

// GeneratePIN issues a new PIN, invalidating any previous one.
func (s *Service) GeneratePIN(ctx context.Context) (Ticket, error) {
	tok, err := s.pins.Issue()
	if err != nil {
		return Ticket{}, err
	}
	cert := s.dev.Cert()
	code, err := IssueCode(cert, s.dev.Name(), s.opts.Address, tok, s.dev.Clock().Now())
	if err != nil {
		s.pins.Clear()
		return Ticket{}, err
	}
	s.machine.PinIssued()
	s.log.Info(ctx, "pairing pin issued", "expires_at", tok.ExpiresAt)
	return Ticket{PIN: tok.PIN, ExpiresAt: tok.ExpiresAt, Fingerprint: cert.Fingerprint(), Code: code}, nil
}

// HandlePair is the responder side. cert is the client certificate from
// the transport handshake; remoteHost is the address it connected from.
func (s *Service) HandlePair(ctx context.Context, hello Hello, cert *x509.Certificate, remoteHost string) (Welcome, error) {
	s.machine.Authenticating(hello.DeviceID)

	if err := s.pins.Consume(hello.PIN); err != nil {
		return Welcome{}, s.fail(ctx, hello.DeviceID, err)
	}
	if err := matchCertificate(cert, hello.DeviceID, hello.Fingerprint); err != nil {
		return Welcome{}, s.fail(ctx, hello.DeviceID, err)
	}

	peer := models.Peer{
		DeviceID:       hello.DeviceID,
		Name:           hello.Name,
		Fingerprint:    cryptox.Fingerprint(cert.Raw),
		CertificatePEM: cryptox.EncodeCertificatePEM(cert.Raw),
		PairedAt:       s.dev.Clock().Now(),
		LastSeen:       s.dev.Clock().Now(),
	}
	if remoteHost != "" && hello.Port > 0 {
		peer.Address = net.JoinHostPort(remoteHost, strconv.Itoa(hello.Port))
	}
	if err := s.trust.Pin(ctx, peer, s.dev.ID()); err != nil {
		s.machine.Fail(hello.DeviceID, "")
		return Welcome{}, err
	}

	s.machine.Paired(hello.DeviceID)
	s.machine.Done(hello.DeviceID)
	s.log.Info(ctx, "peer paired", "peer_id", peer.DeviceID, "fingerprint", peer.Fingerprint)
	return Welcome{DeviceID: s.dev.ID(), Name: s.dev.Name(), Fingerprint: s.dev.Cert().Fingerprint()}, nil
}

// PairDevice is the initiator side. pinOrCode is either a six digit PIN
// or a pairing code; address may be empty when discovery or the code
// supplies one.
func (s *Service) PairDevice(ctx context.Context, pinOrCode, address string) (models.Peer, error) {
	var (
		pin      string
		expectFP string
		expectID string
	)
	if IsPIN(pinOrCode) {
		pin = pinOrCode
	} else {
		claims, err := ParseCode(pinOrCode, s.dev.Clock())
		if err != nil {
			return models.Peer{}, err
		}
		pin, expectFP, expectID = claims.PIN, claims.Fingerprint, claims.DeviceID
		if address == "" {
			address = claims.Address
		}
	}
	if expectID == s.dev.ID() {
		return models.Peer{}, fmt.Errorf("%w: cannot pair with this device itself", common.ErrValidation)
	}

	if address == "" {
		found, err := s.locate(ctx, expectID)
		if err != nil {
			return models.Peer{}, err
		}
		address = found.Address()
		if expectFP == "" {
			expectFP = found.Fingerprint
		}
	}

	s.machine.Authenticating(expectID)

	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	hello := Hello{
		DeviceID:    s.dev.ID(),
		Name:        s.dev.Name(),
		Fingerprint: s.dev.Cert().Fingerprint(),
		PIN:         pin,
		Port:        s.opts.Port,
	}
	welcome, cert, err := s.dialer.Pair(hctx, address, expectFP, hello)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = errors.Join(common.NewAuthError(common.ReasonHandshakeTimeout), err)
		}
		return models.Peer{}, s.fail(ctx, expectID, err)
	}

	if err := matchCertificate(cert, welcome.DeviceID, welcome.Fingerprint); err != nil {
		return models.Peer{}, s.fail(ctx, welcome.DeviceID, err)
	}
	if expectFP != "" && cryptox.Fingerprint(cert.Raw) != cryptox.NormalizeFingerprint(expectFP) {
		return models.Peer{}, s.fail(ctx, welcome.DeviceID, common.NewAuthError(common.ReasonFingerprintMismatch))
	}
	if expectID != "" && welcome.DeviceID != expectID {
		return models.Peer{}, s.fail(ctx, welcome.DeviceID, common.NewAuthError(common.ReasonFingerprintMismatch))
	}

	now := s.dev.Clock().Now()
	peer := models.Peer{
		DeviceID:       welcome.DeviceID,
		Name:           welcome.Name,
		Fingerprint:    cryptox.Fingerprint(cert.Raw),
		CertificatePEM: cryptox.EncodeCertificatePEM(cert.Raw),
		Address:        address,
		PairedAt:       now,
		LastSeen:       now,
	}
	if err := s.trust.Pin(ctx, peer, s.dev.ID()); err != nil {
		s.machine.Fail(peer.DeviceID, "")
		return models.Peer{}, err
	}

	s.machine.Paired(peer.DeviceID)
	s.machine.Done(peer.DeviceID)
	s.log.Info(ctx, "paired with peer", "peer_id", peer.DeviceID, "fingerprint", peer.Fingerprint)
	return peer, nil
}

// locate finds the responder on the network. Without a known device id
// exactly one other device must answer.
func (s *Service) locate(ctx context.Context, deviceID string) (discovery.Peer, error) {
	if s.locator == nil {
		return discovery.Peer{}, fmt.Errorf("%w: peer address required", common.ErrValidation)
	}
	bctx, cancel := context.WithTimeout(ctx, s.opts.DiscoveryTimeout)
	defer cancel()

	found, err := s.locator.Browse(bctx)
	if err != nil {
		return discovery.Peer{}, err
	}

	var matches []discovery.Peer
	for _, p := range found {
		if p.DeviceID == s.dev.ID() || p.Address() == "" {
			continue
		}
		if deviceID != "" && p.DeviceID != deviceID {
			continue
		}
		matches = append(matches, p)
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return discovery.Peer{}, fmt.Errorf("%w: no device found on the local network", common.ErrNotFound)
	default:
		return discovery.Peer{}, fmt.Errorf("%w: %d devices found, pass an address or a pairing code", common.ErrValidation, len(matches))
	}
}

func (s *Service) fail(ctx context.Context, peer string, err error) error {
	var reason common.AuthReason
	var ae *common.AuthError
	if errors.As(err, &ae) {
		reason = ae.Reason
	}
	s.machine.Fail(peer, reason)
	s.log.Warn(ctx, "pairing failed", "peer_id", peer, "reason", reason)
	return err
}

func matchCertificate(cert *x509.Certificate, deviceID, fingerprint string) error {
	if cert == nil {
		return common.NewAuthError(common.ReasonFingerprintMismatch)
	}
	if cryptox.Fingerprint(cert.Raw) != cryptox.NormalizeFingerprint(fingerprint) || cert.Subject.CommonName != deviceID {
		return common.NewAuthError(common.ReasonFingerprintMismatch)
	}
	return nil
}
