package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
	"github.com/dmitrijs2005/classbook/internal/peersync"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [device-id]",
		Short: "Synchronize with a paired device",
		Long: `Exchange changes with a paired device in both directions. The device id may
be omitted when exactly one device is paired. The other device must be
running "classbook serve".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var peerID string
			if len(args) == 1 {
				peerID = args[0]
			}
			ctx, cancel := initSignalHandler(cmd.Context())
			defer cancel()
			cmd.SetContext(ctx)

			return rootOpts.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				s, err := c.TriggerSync(ctx, peerID)
				if err != nil {
					return err
				}
				res, err := s.Wait(ctx)
				if err != nil {
					return err
				}
				return rootOpts.printer(cmd).Print(res, func(w io.Writer) error { return printSyncResult(w, res) })
			})
		},
	}
	cmd.AddCommand(newSyncStatusCommand(rootOpts))
	return cmd
}

func newSyncStatusCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync state of every paired device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				st, err := c.SyncStatus(ctx)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(st, func(w io.Writer) error { return printSyncStatus(w, st) })
			})
		},
	}
}

func printSyncResult(w io.Writer, res peersync.Result) error {
	_, err := fmt.Fprintf(w, "synced with %s in %s: sent %d, applied %d, skipped %d, conflicts %d\n",
		res.PeerID, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond), res.Sent,
		res.Received.Applied, res.Received.Skipped, res.Received.Conflicts)
	return err
}

func printSyncStatus(w io.Writer, st peersync.Status) error {
	if _, err := fmt.Fprintf(w, "state: %s\n\n", st.State); err != nil {
		return err
	}
	rows := make([][]string, 0, len(st.Peers))
	for _, p := range st.Peers {
		last := "never"
		if p.LastSyncAt != nil {
			last = stamp(*p.LastSyncAt)
		}
		rows = append(rows, []string{p.Peer.DeviceID, p.Peer.Name, last, short(p.LastChecksum), strconv.FormatBool(p.Syncing)})
	}
	return table(w, []string{"DEVICE", "NAME", "LAST SYNC", "CHECKSUM", "SYNCING"}, rows)
}
