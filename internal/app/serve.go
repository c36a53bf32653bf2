package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/classbook/internal/discovery"
	"github.com/dmitrijs2005/classbook/internal/netx"
	"github.com/dmitrijs2005/classbook/internal/transport"
)

// Serve answers pairing and sync requests and advertises the device until
// ctx is done. A network without multicast only loses discovery; peers
// with a known address still reach the server.
func (c *Core) Serve(ctx context.Context) error {
	log := c.log.With("module", "serve")
	srv := transport.NewServer(c.cfg.ListenAddress, c.dev, c.trust, c.pairing, c.sync, c.log)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		port, err := netx.Port(c.cfg.ListenAddress)
		if err != nil {
			return err
		}
		err = c.advertiser.Start(ctx, discovery.Announcement{
			DeviceID:    c.dev.ID(),
			Name:        c.dev.Name(),
			Fingerprint: c.dev.Fingerprint(),
			Port:        port,
		})
		if err != nil {
			log.Warn(ctx, "advertising unavailable", "error", err)
			<-ctx.Done()
			return nil
		}
		c.machine.Advertising()

		<-ctx.Done()
		c.advertiser.Stop()
		c.machine.StopAdvertising()
		return nil
	})

	log.Info(ctx, "serving", "device_id", c.dev.ID(), "address", c.cfg.ListenAddress)
	return g.Wait()
}
