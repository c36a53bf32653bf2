package pairing

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/cryptox"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/repositories/peers"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

// Store is the transactional boundary of the trust records.
type Store interface {
	WriteTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
	DB() *sql.DB
}

// Device is the local identity as far as pairing is concerned.
type Device interface {
	ID() string
	Name() string
	Clock() timex.Clock
	Cert() *cryptox.DeviceCert
}

// Trust owns the pinned peer certificates.
type Trust struct {
	store Store
	dev   Device
}

func NewTrust(store Store, dev Device) *Trust {
	return &Trust{store: store, dev: dev}
}

func (t *Trust) repo() *peers.SQLiteRepository { return peers.NewSQLiteRepository(t.store.DB()) }

// Pin persists p together with its ledger entry. Re-pairing a known device
// replaces the pinned certificate.
func (t *Trust) Pin(ctx context.Context, p models.Peer, actor string) error {
	return t.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := peers.NewSQLiteRepository(tx)
		detail := models.DetailCreate
		if _, err := repo.Get(ctx, p.DeviceID); err == nil {
			detail = models.DetailUpdate
		} else if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if err := repo.Pin(ctx, p); err != nil {
			return err
		}
		_, err := audit.New(tx, t.dev.Clock(), t.dev.ID()).Log(ctx, audit.Record{
			Action:     "pair",
			ObjectType: models.ObjectPeer,
			ObjectID:   p.DeviceID,
			ActorID:    actor,
			Detail:     detail,
			Payload:    map[string]string{"fingerprint": p.Fingerprint},
		})
		return err
	})
}

// Unpair forgets a peer and its sync marker.
func (t *Trust) Unpair(ctx context.Context, deviceID, actor string) error {
	return t.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := peers.NewSQLiteRepository(tx).Delete(ctx, deviceID); err != nil {
			return err
		}
		_, err := audit.New(tx, t.dev.Clock(), t.dev.ID()).Log(ctx, audit.Record{
			Action:     "unpair",
			ObjectType: models.ObjectPeer,
			ObjectID:   deviceID,
			ActorID:    actor,
			Detail:     models.DetailHardDelete,
		})
		return err
	})
}

func (t *Trust) Peer(ctx context.Context, deviceID string) (models.Peer, error) {
	return t.repo().Get(ctx, deviceID)
}

func (t *Trust) PeerByFingerprint(ctx context.Context, fingerprint string) (models.Peer, error) {
	return t.repo().GetByFingerprint(ctx, cryptox.NormalizeFingerprint(fingerprint))
}

func (t *Trust) Peers(ctx context.Context) ([]models.Peer, error) {
	return t.repo().List(ctx)
}

// Touch records that the peer was just seen, optionally at a new address.
func (t *Trust) Touch(ctx context.Context, deviceID, address string) error {
	return t.store.WriteTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return peers.NewSQLiteRepository(tx).Touch(ctx, deviceID, address, t.dev.Clock().Now())
	})
}

// Certificate returns the pinned certificate of a peer.
func (t *Trust) Certificate(ctx context.Context, deviceID string) (*x509.Certificate, error) {
	p, err := t.Peer(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	cert, err := cryptox.ParseCertificatePEM(p.CertificatePEM)
	if err != nil {
		return nil, &common.IntegrityError{Reason: fmt.Sprintf("pinned certificate of %s: %v", deviceID, err)}
	}
	if cryptox.Fingerprint(cert.Raw) != p.Fingerprint {
		return nil, &common.IntegrityError{Reason: "pinned certificate of " + deviceID + " does not match its fingerprint"}
	}
	return cert, nil
}

// Envelope derives the transfer cipher shared with a paired peer.
func (t *Trust) Envelope(ctx context.Context, deviceID string) (*cryptox.Envelope, error) {
	cert, err := t.Certificate(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return cryptox.NewEnvelope(t.dev.Cert(), cert.PublicKey.(*ecdsa.PublicKey), cryptox.Fingerprint(cert.Raw))
}
