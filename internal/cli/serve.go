package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer pairing and sync requests from paired devices",
		Long: `Advertise this device on the local network and answer pairing and sync
requests until interrupted. Logs are written as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := initSignalHandler(cmd.Context())
			defer cancel()
			cmd.SetContext(ctx)

			rootOpts.Log = newLogger(cmd.ErrOrStderr(), "json", rootOpts.Config.LogLevel)
			return rootOpts.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				rootOpts.Log.Info(ctx, "Starting app...", "device", c.DeviceInfo().Name)
				err := c.Serve(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}
