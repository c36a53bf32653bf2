package app

import (
	"context"
	"time"

	"github.com/dmitrijs2005/classbook/internal/changeset"
	"github.com/dmitrijs2005/classbook/internal/device"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/pairing"
	"github.com/dmitrijs2005/classbook/internal/peersync"
)

func (c *Core) GeneratePairingPIN(ctx context.Context) (pairing.Ticket, error) {
	return c.pairing.GeneratePIN(ctx)
}

// PairDevice pairs with the device holding pinOrCode. address may be empty
// when discovery or the pairing code supplies it.
func (c *Core) PairDevice(ctx context.Context, pinOrCode, address string) (models.Peer, error) {
	return c.pairing.PairDevice(ctx, pinOrCode, address)
}

func (c *Core) Peers(ctx context.Context) ([]models.Peer, error) {
	return c.trust.Peers(ctx)
}

func (c *Core) Unpair(ctx context.Context, peerID string) error {
	return c.trust.Unpair(ctx, peerID, c.actor)
}

// TriggerSync starts a session with peerID, or with the only paired peer
// when peerID is empty.
func (c *Core) TriggerSync(ctx context.Context, peerID string) (*peersync.Session, error) {
	return c.sync.TriggerSync(ctx, peerID)
}

func (c *Core) SyncStatus(ctx context.Context) (peersync.Status, error) {
	return c.sync.Status(ctx)
}

// PairingEvents streams pairing and sync state transitions.
func (c *Core) PairingEvents(buffer int) (<-chan pairing.Event, func()) {
	return c.machine.Subscribe(buffer)
}

// ExportChangeset encodes everything changed since since. With sealFor set
// the result is sealed for that paired peer.
func (c *Core) ExportChangeset(ctx context.Context, since *time.Time, sealFor string) ([]byte, error) {
	cs, err := c.changes.Export(ctx, since)
	if err != nil {
		return nil, err
	}
	payload, err := changeset.Encode(cs)
	if err != nil {
		return nil, err
	}
	if sealFor == "" {
		return payload, nil
	}
	return c.changes.Seal(ctx, payload, sealFor)
}

func (c *Core) ImportChangeset(ctx context.Context, payload []byte) (changeset.Summary, error) {
	return c.changes.Import(ctx, payload, c.actor)
}

// ExportFullSnapshot encodes the full state, or the rows changed since
// since when it is set.
func (c *Core) ExportFullSnapshot(ctx context.Context, since *time.Time) ([]byte, error) {
	snap, err := c.changes.ExportSnapshot(ctx, since)
	if err != nil {
		return nil, err
	}
	return changeset.Encode(snap)
}

func (c *Core) DeviceInfo() device.Info { return c.dev.Info() }

func (c *Core) SetDeviceConfig(ctx context.Context, name string, typ device.Type) (device.Info, error) {
	return c.dev.SetConfig(ctx, name, typ)
}

// RotateDeviceKey replaces the data key. Without confirm it fails with
// ErrConfirmationRequired.
func (c *Core) RotateDeviceKey(ctx context.Context, confirm, reencrypt bool) (device.RotateResult, error) {
	return c.dev.RotateKey(ctx, device.RotateOptions{Confirm: confirm, Reencrypt: reencrypt, ActorID: c.actor})
}
