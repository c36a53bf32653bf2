package pairing

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/device"
	"github.com/dmitrijs2005/classbook/internal/discovery"
	"github.com/dmitrijs2005/classbook/internal/keystore"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/store/storetest"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

type side struct {
	dev *device.Context
	svc *Service
}

func (s *side) x509(t *testing.T) *x509.Certificate {
	t.Helper()
	c, err := cryptox.ParseCertificate(s.dev.Cert().DER)
	require.NoError(t, err)
	return c
}

// loopDialer hands the Hello straight to the responder's service, as the
// transport would after the TLS handshake.
type loopDialer struct {
	t         *testing.T
	initiator *side
	responder *side
	addresses []string
}

func (d *loopDialer) Pair(ctx context.Context, address, expectFP string, hello Hello) (Welcome, *x509.Certificate, error) {
	d.addresses = append(d.addresses, address)
	if expectFP != "" && expectFP != d.responder.dev.Fingerprint() {
		return Welcome{}, nil, common.NewAuthError(common.ReasonFingerprintMismatch)
	}
	w, err := d.responder.svc.HandlePair(ctx, hello, d.initiator.x509(d.t), "10.0.0.2")
	if err != nil {
		return Welcome{}, nil, err
	}
	return w, d.responder.x509(d.t), nil
}

type stuckDialer struct{}

func (stuckDialer) Pair(ctx context.Context, _, _ string, _ Hello) (Welcome, *x509.Certificate, error) {
	<-ctx.Done()
	return Welcome{}, nil, ctx.Err()
}

type fixedLocator []discovery.Peer

func (l fixedLocator) Browse(context.Context) ([]discovery.Peer, error) { return l, nil }

var testOpts = Options{
	PINTTL:           5 * time.Minute,
	HandshakeTimeout: time.Second,
	DiscoveryTimeout: time.Second,
	Address:          "10.0.0.1:47321",
	Port:             47321,
}

func newSide(t *testing.T, clock timex.Clock, name string, dialer Dialer, locator Locator) *side {
	t.Helper()
	st := storetest.Open(t)
	dev, err := device.Init(context.Background(), st, keystore.NewMemory(), clock, device.Defaults{Name: name})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	svc := NewService(dev, NewTrust(st, dev), NewMachine(clock), dialer, locator, testOpts, logging.Nop{})
	return &side{dev: dev, svc: svc}
}

// pairSides returns responder a and initiator b wired through a loopDialer.
func pairSides(t *testing.T, clock timex.Clock, locator Locator) (a, b *side, d *loopDialer) {
	t.Helper()
	d = &loopDialer{t: t}
	a = newSide(t, clock, "Lehrerzimmer", nil, nil)
	b = newSide(t, clock, "Notebook", d, locator)
	d.responder, d.initiator = a, b
	return a, b, d
}

func pinnedPeers(t *testing.T, s *side) []models.Peer {
	t.Helper()
	ps, err := s.svc.Trust().Peers(context.Background())
	require.NoError(t, err)
	return ps
}

func TestPairDevice_WithPIN(t *testing.T) {
	ctx := context.Background()
	clock := timex.NewManual(t0)
	a, b, d := pairSides(t, clock, nil)

	ticket, err := a.svc.GeneratePIN(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePinIssued, a.svc.Machine().State())
	assert.Equal(t, a.dev.Fingerprint(), ticket.Fingerprint)

	peer, err := b.svc.PairDevice(ctx, ticket.PIN, "10.0.0.1:47321")
	require.NoError(t, err)
	assert.Equal(t, a.dev.ID(), peer.DeviceID)
	assert.Equal(t, "Lehrerzimmer", peer.Name)
	assert.Equal(t, []string{"10.0.0.1:47321"}, d.addresses)

	onA, err := a.svc.Trust().Peer(ctx, b.dev.ID())
	require.NoError(t, err)
	assert.Equal(t, b.dev.Fingerprint(), onA.Fingerprint)
	assert.Equal(t, "10.0.0.2:47321", onA.Address)

	onB, err := b.svc.Trust().PeerByFingerprint(ctx, a.dev.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, a.dev.ID(), onB.DeviceID)

	assert.Equal(t, StateIdle, a.svc.Machine().State())
	assert.Equal(t, StateIdle, b.svc.Machine().State())

	entries, err := audit.NewReader(b.dev.Store().DB()).List(ctx, audit.Filter{ObjectType: models.ObjectPeer})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pair", entries[0].Action)
	assert.Equal(t, models.DetailCreate, entries[0].Detail)

	// The PIN is single use.
	_, err = b.svc.PairDevice(ctx, ticket.PIN, "10.0.0.1:47321")
	assertReason(t, err, common.ReasonNoActivePin)
}

func TestPairDevice_WithCode(t *testing.T) {
	ctx := context.Background()
	a, b, d := pairSides(t, timex.NewManual(t0), nil)

	ticket, err := a.svc.GeneratePIN(ctx)
	require.NoError(t, err)

	peer, err := b.svc.PairDevice(ctx, ticket.Code, "")
	require.NoError(t, err)
	assert.Equal(t, a.dev.ID(), peer.DeviceID)
	assert.Equal(t, []string{testOpts.Address}, d.addresses)
}

func TestPairDevice_Discovery(t *testing.T) {
	ctx := context.Background()
	clock := timex.NewManual(t0)

	t.Run("single peer", func(t *testing.T) {
		loc := fixedLocator{}
		a, b, d := pairSides(t, clock, &loc)
		loc = fixedLocator{
			{DeviceID: b.dev.ID(), Fingerprint: b.dev.Fingerprint(), Addresses: []string{"10.0.0.2:47321"}},
			{DeviceID: a.dev.ID(), Fingerprint: a.dev.Fingerprint(), Addresses: []string{"10.0.0.1:47321"}},
		}
		ticket, err := a.svc.GeneratePIN(ctx)
		require.NoError(t, err)

		_, err = b.svc.PairDevice(ctx, ticket.PIN, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.1:47321"}, d.addresses)
	})

	t.Run("ambiguous", func(t *testing.T) {
		loc := fixedLocator{
			{DeviceID: "x", Fingerprint: "f1", Addresses: []string{"10.0.0.5:1"}},
			{DeviceID: "y", Fingerprint: "f2", Addresses: []string{"10.0.0.6:1"}},
		}
		_, b, _ := pairSides(t, clock, loc)
		_, err := b.svc.PairDevice(ctx, "123456", "")
		assert.ErrorIs(t, err, common.ErrValidation)
	})

	t.Run("nothing found", func(t *testing.T) {
		_, b, _ := pairSides(t, clock, fixedLocator{})
		_, err := b.svc.PairDevice(ctx, "123456", "")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestPairDevice_WrongPIN(t *testing.T) {
	ctx := context.Background()
	a, b, _ := pairSides(t, timex.NewManual(t0), nil)
	events, cancel := b.svc.Machine().Subscribe(8)
	defer cancel()

	ticket, err := a.svc.GeneratePIN(ctx)
	require.NoError(t, err)
	wrong := "000000"
	if ticket.PIN == wrong {
		wrong = "999999"
	}

	_, err = b.svc.PairDevice(ctx, wrong, "10.0.0.1:47321")
	assertReason(t, err, common.ReasonPinMismatch)

	assert.Empty(t, pinnedPeers(t, a))
	assert.Empty(t, pinnedPeers(t, b))
	assert.Contains(t, drain(events), StateFailed)
}

func TestPairDevice_ExpiredPIN(t *testing.T) {
	ctx := context.Background()
	clock := timex.NewManual(t0)
	a, b, _ := pairSides(t, clock, nil)

	ticket, err := a.svc.GeneratePIN(ctx)
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)

	_, err = b.svc.PairDevice(ctx, ticket.PIN, "10.0.0.1:47321")
	assertReason(t, err, common.ReasonPinExpired)
	assert.Empty(t, pinnedPeers(t, b))

	_, err = b.svc.PairDevice(ctx, ticket.Code, "")
	assertReason(t, err, common.ReasonPinExpired)
}

func TestPairDevice_Impostor(t *testing.T) {
	ctx := context.Background()
	clock := timex.NewManual(t0)
	a, b, d := pairSides(t, clock, nil)
	impostor := newSide(t, clock, "Impostor", nil, nil)

	ticket, err := a.svc.GeneratePIN(ctx)
	require.NoError(t, err)

	// The code names a; the address answers with another device.
	d.responder = impostor
	_, err = impostor.svc.GeneratePIN(ctx)
	require.NoError(t, err)

	_, err = b.svc.PairDevice(ctx, ticket.Code, "10.0.0.9:47321")
	assertReason(t, err, common.ReasonFingerprintMismatch)
	assert.Empty(t, pinnedPeers(t, b))
	assert.Empty(t, pinnedPeers(t, impostor))
}

func TestPairDevice_HandshakeTimeout(t *testing.T) {
	ctx := context.Background()
	clock := timex.NewManual(t0)
	b := newSide(t, clock, "Notebook", stuckDialer{}, nil)
	b.svc.opts.HandshakeTimeout = 20 * time.Millisecond

	_, err := b.svc.PairDevice(ctx, "123456", "10.0.0.1:47321")
	assertReason(t, err, common.ReasonHandshakeTimeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPairDevice_RejectsOwnCode(t *testing.T) {
	ctx := context.Background()
	a, _, _ := pairSides(t, timex.NewManual(t0), nil)
	ticket, err := a.svc.GeneratePIN(ctx)
	require.NoError(t, err)

	_, err = a.svc.PairDevice(ctx, ticket.Code, "")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestHandlePair_CertificateMustMatchHello(t *testing.T) {
	ctx := context.Background()
	a, b, _ := pairSides(t, timex.NewManual(t0), nil)
	ticket, err := a.svc.GeneratePIN(ctx)
	require.NoError(t, err)

	hello := Hello{DeviceID: b.dev.ID(), Fingerprint: a.dev.Fingerprint(), PIN: ticket.PIN}
	_, err = a.svc.HandlePair(ctx, hello, b.x509(t), "10.0.0.2")
	assertReason(t, err, common.ReasonFingerprintMismatch)
	assert.Empty(t, pinnedPeers(t, a))
}

func TestTrust_EnvelopeAndUnpair(t *testing.T) {
	ctx := context.Background()
	a, b, _ := pairSides(t, timex.NewManual(t0), nil)
	ticket, err := a.svc.GeneratePIN(ctx)
	require.NoError(t, err)
	_, err = b.svc.PairDevice(ctx, ticket.PIN, "10.0.0.1:47321")
	require.NoError(t, err)

	ab, err := b.svc.Trust().Envelope(ctx, a.dev.ID())
	require.NoError(t, err)
	ba, err := a.svc.Trust().Envelope(ctx, b.dev.ID())
	require.NoError(t, err)

	sealed, err := ab.Seal([]byte("hallo"), "test")
	require.NoError(t, err)
	opened, err := ba.Open(sealed, "test")
	require.NoError(t, err)
	assert.Equal(t, "hallo", string(opened))

	require.NoError(t, b.svc.Trust().Touch(ctx, a.dev.ID(), "10.0.0.7:47321"))
	p, err := b.svc.Trust().Peer(ctx, a.dev.ID())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:47321", p.Address)

	require.NoError(t, b.svc.Trust().Unpair(ctx, a.dev.ID(), "teacher"))
	_, err = b.svc.Trust().Envelope(ctx, a.dev.ID())
	assert.ErrorIs(t, err, common.ErrNotFound)
}
