package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/pairing"
)

// NewPairCommand creates the pair command group.
func NewPairCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair with another device",
		Long: `Pairing links two devices so they can sync. One device shows a PIN with
"pair pin" and waits; the other enters it with "pair join".`,
	}
	cmd.AddCommand(newPairPinCommand(rootOpts))
	cmd.AddCommand(newPairJoinCommand(rootOpts))
	cmd.AddCommand(newPairListCommand(rootOpts))
	cmd.AddCommand(newPairRemoveCommand(rootOpts))
	return cmd
}

func newPairPinCommand(o *RootOptions) *cobra.Command {
	var qr string
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Show a pairing PIN and wait for the other device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := initSignalHandler(cmd.Context())
			defer cancel()
			cmd.SetContext(ctx)

			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				events, unsubscribe := c.PairingEvents(16)
				defer unsubscribe()

				ticket, err := c.GeneratePairingPIN(ctx)
				if err != nil {
					return err
				}
				if err := printTicket(cmd, o, ticket, qr); err != nil {
					return err
				}

				peer, err := awaitPairing(ctx, c, events, ticket)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(peer, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "paired with %s (%s)\n", peer.Name, peer.DeviceID)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&qr, "qr", "", `write the pairing code as a PNG QR code to this file, "-" prints it to the terminal`)
	return cmd
}

func printTicket(cmd *cobra.Command, o *RootOptions, t pairing.Ticket, qr string) error {
	out := cmd.ErrOrStderr()
	if o.Config.Output == "text" {
		out = cmd.OutOrStdout()
	}
	fmt.Fprintf(out, "PIN:         %s\n", t.PIN)
	fmt.Fprintf(out, "Valid until: %s\n", stamp(t.ExpiresAt))
	fmt.Fprintf(out, "Fingerprint: %s\n", t.Fingerprint)
	fmt.Fprintf(out, "Code:        %s\n", t.Code)

	switch qr {
	case "":
	case "-":
		q, err := qrcode.New(t.Code, qrcode.Medium)
		if err != nil {
			return err
		}
		fmt.Fprint(out, terminalQR(q.Bitmap()))
	default:
		if err := qrcode.WriteFile(t.Code, qrcode.Medium, 384, qr); err != nil {
			return fmt.Errorf("write qr code: %w", err)
		}
		fmt.Fprintf(out, "QR code written to %s\n", qr)
	}
	fmt.Fprintln(out, "Waiting for the other device...")
	return nil
}

// terminalQR draws two bitmap rows per text line with half blocks.
func terminalQR(bits [][]bool) string {
	var b strings.Builder
	for y := 0; y < len(bits); y += 2 {
		for x := range bits[y] {
			top := bits[y][x]
			bottom := y+1 < len(bits) && bits[y+1][x]
			switch {
			case top && bottom:
				b.WriteRune('█')
			case top:
				b.WriteRune('▀')
			case bottom:
				b.WriteRune('▄')
			default:
				b.WriteRune(' ')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// awaitPairing serves until a peer pairs with the ticket or the ticket
// expires.
func awaitPairing(ctx context.Context, c *app.Core, events <-chan pairing.Event, t pairing.Ticket) (models.Peer, error) {
	serveCtx, stop := context.WithDeadline(ctx, t.ExpiresAt)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- c.Serve(serveCtx) }()

	var paired string
	for paired == "" {
		select {
		case e, ok := <-events:
			if !ok {
				return models.Peer{}, errors.New("pairing events closed")
			}
			if e.State == pairing.StatePaired {
				paired = e.Peer
			}
		case err := <-served:
			if err == nil {
				err = serveCtx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return models.Peer{}, common.NewAuthError(common.ReasonPinExpired)
			}
			return models.Peer{}, err
		}
	}

	stop()
	if err := <-served; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return models.Peer{}, err
	}
	peers, err := c.Peers(ctx)
	if err != nil {
		return models.Peer{}, err
	}
	for _, p := range peers {
		if p.DeviceID == paired {
			return p, nil
		}
	}
	return models.Peer{}, fmt.Errorf("paired peer %s: %w", paired, common.ErrNotFound)
}

func newPairJoinCommand(o *RootOptions) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "join [pin-or-code]",
		Short: "Pair with a device showing a PIN",
		Long: `Pair with a device that runs "pair pin". The PIN or pairing code is read from
the terminal when not given. Without --address the device is found on the
local network.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				s, err := GetSecret(bufio.NewReader(cmd.InOrStdin()), "PIN or pairing code", cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				secret = s
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				peer, err := c.PairDevice(ctx, secret, address)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(peer, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "paired with %s (%s)\n", peer.Name, peer.DeviceID)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "host:port of the other device")
	return cmd
}

func newPairListCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				peers, err := c.Peers(ctx)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(peers, func(w io.Writer) error { return peerTable(w, peers) })
			})
		},
	}
}

func newPairRemoveCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <device-id>",
		Short: "Forget a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				if err := c.Unpair(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.ErrOrStderr(), "unpaired %s\n", args[0])
				return err
			})
		},
	}
}

func peerTable(w io.Writer, peers []models.Peer) error {
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		rows = append(rows, []string{p.DeviceID, p.Name, p.Address, stamp(p.PairedAt), stamp(p.LastSeen)})
	}
	return table(w, []string{"DEVICE", "NAME", "ADDRESS", "PAIRED", "LAST SEEN"}, rows)
}
