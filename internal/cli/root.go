// Package cli implements the classbook command line.
package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
	"github.com/dmitrijs2005/classbook/internal/config"
	"github.com/dmitrijs2005/classbook/internal/logging"
)

// RootOptions is shared by every command. Config and Log are set once the
// persistent flags are parsed.
type RootOptions struct {
	Config *config.Config
	Log    logging.Logger

	// open builds the Core for a command; tests replace it.
	open func(ctx context.Context, cfg *config.Config, log logging.Logger) (*app.Core, error)
}

// NewRootCommand creates the classbook command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{open: app.Open}

	cmd := &cobra.Command{
		Use:   "classbook",
		Short: "Classbook - offline class records with peer-to-peer sync",
		Long: `Classbook keeps classes, students and observations in an encrypted local
database and synchronizes them directly with paired devices on the same network.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			opts.Config = cfg
			opts.Log = newLogger(cmd.ErrOrStderr(), "text", cfg.LogLevel)
			return nil
		},
	}

	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewClassCommand(opts))
	cmd.AddCommand(NewStudentCommand(opts))
	cmd.AddCommand(NewObservationCommand(opts))
	cmd.AddCommand(NewCategoryCommand(opts))
	cmd.AddCommand(NewAttachmentCommand(opts))
	cmd.AddCommand(NewPairCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewChangesetCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewDeviceCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

func newLogger(w io.Writer, format, level string) logging.Logger {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return logging.New(w, format, lvl)
}

// withCore opens the Core for one command and closes it afterwards.
func (o *RootOptions) withCore(cmd *cobra.Command, fn func(ctx context.Context, c *app.Core) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := o.open(ctx, o.Config, o.Log)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			o.Log.Warn(ctx, "close", "error", err)
		}
	}()
	return fn(ctx, c)
}

func (o *RootOptions) printer(cmd *cobra.Command) *Printer {
	return &Printer{Format: o.Config.Output, Writer: cmd.OutOrStdout()}
}
