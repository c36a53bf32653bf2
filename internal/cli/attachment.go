package cli

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
)

// NewAttachmentCommand creates the attachment command group.
func NewAttachmentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachment",
		Short: "Attach files to observations",
	}
	cmd.AddCommand(newAttachmentAddCommand(rootOpts))
	cmd.AddCommand(newAttachmentListCommand(rootOpts))
	cmd.AddCommand(newAttachmentGetCommand(rootOpts))
	return cmd
}

func newAttachmentAddCommand(o *RootOptions) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "add <observation-id> <file>",
		Short: "Attach a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			if contentType == "" {
				contentType = detectContentType(args[1], data)
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				a, err := c.AddAttachment(ctx, args[0], filepath.Base(args[1]), contentType, data)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(a, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "attached %s (%d bytes) as %s\n", a.Filename, a.Size, a.ID)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "media type, detected when empty")
	return cmd
}

func newAttachmentListCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <observation-id>",
		Short: "List the attachments of an observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				list, err := c.ListAttachments(ctx, args[0])
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(list, func(w io.Writer) error {
					rows := make([][]string, 0, len(list))
					for _, a := range list {
						rows = append(rows, []string{a.ID, a.Filename, a.ContentType, strconv.FormatInt(a.Size, 10), stamp(a.CreatedAt)})
					}
					return table(w, []string{"ID", "FILE", "TYPE", "SIZE", "CREATED"}, rows)
				})
			})
		},
	}
}

func newAttachmentGetCommand(o *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Write an attachment's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				a, err := c.GetAttachment(ctx, args[0])
				if err != nil {
					return err
				}
				return writeOutput(cmd, out, a.Payload)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "f", "", "destination file, stdout when empty")
	return cmd
}

func detectContentType(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
