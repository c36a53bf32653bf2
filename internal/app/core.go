// Package app wires the classbook components into one Core that the CLI
// and the sync server drive.
package app

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/classbook/internal/changeset"
	"github.com/dmitrijs2005/classbook/internal/config"
	"github.com/dmitrijs2005/classbook/internal/deletion"
	"github.com/dmitrijs2005/classbook/internal/device"
	"github.com/dmitrijs2005/classbook/internal/discovery"
	"github.com/dmitrijs2005/classbook/internal/keystore"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/netx"
	"github.com/dmitrijs2005/classbook/internal/pairing"
	"github.com/dmitrijs2005/classbook/internal/peersync"
	"github.com/dmitrijs2005/classbook/internal/records"
	"github.com/dmitrijs2005/classbook/internal/store"
	"github.com/dmitrijs2005/classbook/internal/timex"
	"github.com/dmitrijs2005/classbook/internal/transport"
)

// KeyringService names the OS keyring entries.
const KeyringService = "classbook"

type Core struct {
	cfg   *config.Config
	log   logging.Logger
	store *store.Store
	dev   *device.Context
	actor string

	records    *records.Service
	deletion   *deletion.Engine
	changes    *changeset.Engine
	machine    *pairing.Machine
	trust      *pairing.Trust
	pairing    *pairing.Service
	client     *transport.Client
	sync       *peersync.Manager
	advertiser *discovery.Advertiser
}

// Open opens the store and keystore named by cfg and builds the Core.
func Open(ctx context.Context, cfg *config.Config, log logging.Logger) (*Core, error) {
	st, err := store.Open(ctx, cfg.DatabasePath(), log)
	if err != nil {
		return nil, err
	}

	ks, err := keystore.Open(keystore.Options{
		Backend:    cfg.Keystore,
		Service:    KeyringService,
		Dir:        cfg.KeystoreDir(),
		Passphrase: cfg.Passphrase(),
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open keystore: %w", err)
	}

	dev, err := device.Init(ctx, st, ks, timex.NewSystem(), device.Defaults{
		Name: cfg.DeviceName,
		Type: device.Type(cfg.DeviceType),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return New(cfg, st, dev, log), nil
}

// New wires a Core around an initialized device.
func New(cfg *config.Config, st *store.Store, dev *device.Context, log logging.Logger) *Core {
	c := &Core{
		cfg:   cfg,
		log:   log,
		store: st,
		dev:   dev,
		actor: dev.ID(),
	}

	c.records = records.NewService(st, dev, log)
	c.deletion = deletion.NewEngine(st, dev, log)
	c.machine = pairing.NewMachine(dev.Clock())
	c.trust = pairing.NewTrust(st, dev)
	c.changes = changeset.NewEngine(st, dev, c.trust, log)
	c.client = transport.NewClient(dev, log)

	address, err := netx.AdvertisedAddress(cfg.ListenAddress)
	if err != nil {
		log.Debug(context.Background(), "no advertised address", "error", err)
	}
	port, _ := netx.Port(cfg.ListenAddress)

	c.pairing = pairing.NewService(dev, c.trust, c.machine, c.client, discovery.NewBrowser(log), pairing.Options{
		PINTTL:           cfg.PINTTL.Duration,
		HandshakeTimeout: cfg.HandshakeTimeout.Duration,
		DiscoveryTimeout: cfg.DiscoveryTimeout.Duration,
		Address:          address,
		Port:             port,
	}, log)
	c.sync = peersync.NewManager(st, dev, c.changes, c.trust, c.client, c.machine, cfg.SyncTimeout.Duration, log)
	c.advertiser = discovery.NewAdvertiser(log)
	return c
}

func (c *Core) Config() *config.Config { return c.cfg }

// Close stops advertising, wipes key material and closes the store.
func (c *Core) Close() error {
	c.advertiser.Stop()
	devErr := c.dev.Close()
	if err := c.store.Close(); err != nil {
		return err
	}
	return devErr
}
