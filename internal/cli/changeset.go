package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
	"github.com/dmitrijs2005/classbook/internal/changeset"
)

// NewChangesetCommand creates the changeset command group for offline
// transfer between devices.
func NewChangesetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changeset",
		Short: "Export and import changesets",
	}
	cmd.AddCommand(newChangesetExportCommand(rootOpts))
	cmd.AddCommand(newChangesetImportCommand(rootOpts))
	return cmd
}

func newChangesetExportCommand(o *RootOptions) *cobra.Command {
	var since, sealFor, file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export changes, optionally sealed for a paired device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				payload, err := c.ExportChangeset(ctx, from, sealFor)
				if err != nil {
					return err
				}
				return writeOutput(cmd, file, payload)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only changes since (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&sealFor, "seal-for", "", "encrypt for this paired device")
	cmd.Flags().StringVarP(&file, "file", "f", "", "output file, stdout when empty")
	return cmd
}

func newChangesetImportCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Apply a changeset, sealed envelope or full export",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var file string
			if len(args) == 1 {
				file = args[0]
			}
			payload, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				sum, err := c.ImportChangeset(ctx, payload)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(sum, func(w io.Writer) error { return printSummary(w, sum) })
			})
		},
	}
}

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Full exports of the record store",
	}

	var since, file string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			return rootOpts.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				payload, err := c.ExportFullSnapshot(ctx, from)
				if err != nil {
					return err
				}
				return writeOutput(cmd, file, payload)
			})
		},
	}
	export.Flags().StringVar(&since, "since", "", "only records changed since (RFC 3339 or YYYY-MM-DD)")
	export.Flags().StringVarP(&file, "file", "f", "", "output file, stdout when empty")
	cmd.AddCommand(export)
	return cmd
}

func printSummary(w io.Writer, sum changeset.Summary) error {
	if _, err := fmt.Fprintf(w, "%s from %s: applied %d, skipped %d, conflicts %d\n",
		sum.Format, sum.Source, sum.Applied, sum.Skipped, sum.Conflicts); err != nil {
		return err
	}
	tables := make([]string, 0, len(sum.Counts))
	for t := range sum.Counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		ops := sum.Counts[t]
		names := make([]string, 0, len(ops))
		for op := range ops {
			names = append(names, op)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "  %s:", t)
		for _, op := range names {
			fmt.Fprintf(w, " %s=%d", op, ops[op])
		}
		fmt.Fprintln(w)
	}
	return nil
}
