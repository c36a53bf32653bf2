package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
	"github.com/dmitrijs2005/classbook/internal/audit"
	"github.com/dmitrijs2005/classbook/internal/models"
)

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit ledger",
	}
	cmd.AddCommand(newAuditListCommand(rootOpts))
	cmd.AddCommand(newAuditStatsCommand(rootOpts))
	cmd.AddCommand(newAuditVerifyCommand(rootOpts))
	return cmd
}

func newAuditListCommand(o *RootOptions) *cobra.Command {
	var (
		f      audit.Filter
		detail string
		since  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			f.Since = from
			f.Detail = models.AuditDetail(detail)
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				entries, err := c.AuditEntries(ctx, f)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(entries, func(w io.Writer) error {
					rows := make([][]string, 0, len(entries))
					for _, e := range entries {
						rows = append(rows, []string{strconv.FormatInt(e.Seq, 10), stamp(e.Timestamp), e.Action, e.ObjectType, e.ObjectID, string(e.Detail), short(e.ActorID)})
					}
					return table(w, []string{"SEQ", "TIME", "ACTION", "OBJECT", "ID", "DETAIL", "ACTOR"}, rows)
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.ObjectType, "object-type", "", "class, student, observation, category, attachment, peer or device")
	cmd.Flags().StringVar(&f.ObjectID, "object-id", "", "only this object")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "only this actor")
	cmd.Flags().StringVar(&detail, "detail", "", "only this detail, e.g. hard_delete")
	cmd.Flags().StringVar(&since, "since", "", "only entries since (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum entries, 0 for all")
	return cmd
}

func newAuditStatsCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count ledger entries per detail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				stats, err := c.AuditStatistics(ctx)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(stats, func(w io.Writer) error {
					keys := make([]string, 0, len(stats))
					for k := range stats {
						keys = append(keys, string(k))
					}
					sort.Strings(keys)
					rows := make([][]string, 0, len(keys))
					for _, k := range keys {
						rows = append(rows, []string{k, strconv.Itoa(stats[models.AuditDetail(k)])})
					}
					return table(w, []string{"DETAIL", "ENTRIES"}, rows)
				})
			})
		},
	}
}

type verifyResult struct {
	Entries int  `json:"entries"`
	Intact  bool `json:"intact"`
}

func newAuditVerifyCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the ledger hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				n, err := c.VerifyAudit(ctx)
				if err != nil {
					return err
				}
				res := verifyResult{Entries: n, Intact: true}
				return o.printer(cmd).Print(res, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "ledger intact: %d entries verified\n", n)
					return err
				})
			})
		},
	}
}
