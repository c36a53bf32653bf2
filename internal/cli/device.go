package cli

import (
	"bufio"
	"context"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
	"github.com/dmitrijs2005/classbook/internal/device"
)

// NewDeviceCommand creates the device command group.
func NewDeviceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Show and configure this device",
	}
	cmd.AddCommand(newDeviceInfoCommand(rootOpts))
	cmd.AddCommand(newDeviceSetCommand(rootOpts))
	cmd.AddCommand(newDeviceRotateKeyCommand(rootOpts))
	return cmd
}

func newDeviceInfoCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the device identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				info := c.DeviceInfo()
				return o.printer(cmd).Print(info, func(w io.Writer) error { return printDevice(w, info) })
			})
		},
	}
}

func newDeviceSetCommand(o *RootOptions) *cobra.Command {
	var name, typ string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the device name or type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				cur := c.DeviceInfo()
				if !cmd.Flags().Changed("name") {
					name = cur.Name
				}
				t := cur.Type
				if cmd.Flags().Changed("type") {
					t = device.Type(typ)
				}
				info, err := c.SetDeviceConfig(ctx, name, t)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(info, func(w io.Writer) error { return printDevice(w, info) })
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&typ, "type", "", "computer or notebook")
	return cmd
}

func newDeviceRotateKeyCommand(o *RootOptions) *cobra.Command {
	var yes, reencrypt bool
	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Replace the data encryption key",
		Long: `Replace the data encryption key. With --reencrypt every stored observation and
attachment is re-sealed under the new key. Without it, rows sealed under the
old key become undecryptable on this device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				question := "Rotate the data key?"
				if !reencrypt {
					question = "Rotate the data key without re-encrypting? Existing observations will become unreadable."
				}
				ok, err := Confirm(bufio.NewReader(cmd.InOrStdin()), question, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				yes = ok
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				res, err := c.RotateDeviceKey(ctx, yes, reencrypt)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(res, func(w io.Writer) error {
					return fields(w,
						"Key", res.KeyID,
						"Previous key", res.PreviousID,
						"Observations re-sealed", strconv.Itoa(res.Observations),
						"Attachments re-sealed", strconv.Itoa(res.Attachments),
						"Unreadable", strconv.Itoa(res.Unreadable),
					)
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&reencrypt, "reencrypt", true, "re-seal stored rows under the new key")
	return cmd
}

func printDevice(w io.Writer, info device.Info) error {
	return fields(w,
		"ID", info.ID,
		"Name", info.Name,
		"Type", string(info.Type),
		"Fingerprint", info.Fingerprint,
		"Key", info.KeyID,
		"Keystore", info.Keystore,
	)
}
