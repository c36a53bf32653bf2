package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/records"
)

// NewObservationCommand creates the observation command group.
func NewObservationCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "observation",
		Aliases: []string{"obs"},
		Short:   "Record and search observations",
	}
	cmd.AddCommand(newObservationCreateCommand(rootOpts))
	cmd.AddCommand(newObservationListCommand(rootOpts))
	cmd.AddCommand(newObservationSearchCommand(rootOpts))
	cmd.AddCommand(newObservationShowCommand(rootOpts))
	cmd.AddCommand(newObservationUpdateCommand(rootOpts))
	cmd.AddCommand(newObservationDeleteCommand(rootOpts))
	return cmd
}

func newObservationCreateCommand(o *RootOptions) *cobra.Command {
	var in records.ObservationInput
	cmd := &cobra.Command{
		Use:   "create <student-id>",
		Short: "Record an observation",
		Long:  "Record an observation. Without --text the text is read from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.StudentID = args[0]
			if in.Text == "" {
				text, err := GetMultiline(bufio.NewReader(cmd.InOrStdin()), "Observation text", cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				in.Text = text
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				obs, err := c.CreateObservation(ctx, in)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(obs, func(w io.Writer) error { return printObservation(w, obs) })
			})
		},
	}
	cmd.Flags().StringVar(&in.Text, "text", "", "observation text")
	cmd.Flags().StringVar(&in.CategoryID, "category", "", "category id")
	cmd.Flags().StringSliceVar(&in.Tags, "tag", nil, "tag, repeatable")
	return cmd
}

type observationFilterFlags struct {
	student  string
	category string
	since    string
}

func (f *observationFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.student, "student", "", "only this student")
	cmd.Flags().StringVar(&f.category, "category", "", "only this category")
	cmd.Flags().StringVar(&f.since, "since", "", "only observations changed since (RFC 3339 or YYYY-MM-DD)")
}

func (f *observationFilterFlags) filter() (records.ObservationFilter, error) {
	since, err := parseSince(f.since)
	if err != nil {
		return records.ObservationFilter{}, err
	}
	return records.ObservationFilter{StudentID: f.student, CategoryID: f.category, Since: since}, nil
}

func newObservationListCommand(o *RootOptions) *cobra.Command {
	var ff observationFilterFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List observations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				list, err := c.ListObservations(ctx, f)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(list, func(w io.Writer) error { return observationTable(w, list) })
			})
		},
	}
	ff.register(cmd)
	return cmd
}

func newObservationSearchCommand(o *RootOptions) *cobra.Command {
	var ff observationFilterFlags
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search observation text and tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				list, err := c.SearchObservations(ctx, strings.Join(args, " "), f)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(list, func(w io.Writer) error { return observationTable(w, list) })
			})
		},
	}
	ff.register(cmd)
	return cmd
}

func newObservationShowCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				obs, err := c.GetObservation(ctx, args[0])
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(obs, func(w io.Writer) error { return printObservation(w, obs) })
			})
		},
	}
}

func newObservationUpdateCommand(o *RootOptions) *cobra.Command {
	var text, category string
	var tags []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit an observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p records.ObservationPatch
			if cmd.Flags().Changed("text") {
				p.Text = &text
			}
			if cmd.Flags().Changed("category") {
				p.CategoryID = &category
			}
			if cmd.Flags().Changed("tag") {
				p.Tags = &tags
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				obs, err := c.UpdateObservation(ctx, args[0], p)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(obs, func(w io.Writer) error { return printObservation(w, obs) })
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "new text")
	cmd.Flags().StringVar(&category, "category", "", "new category id, empty to clear")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace the tags, repeatable")
	return cmd
}

func newObservationDeleteCommand(o *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Erase an observation and its attachments",
		Long:  "Erase an observation and its attachments. Observations written by another author need --force.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				res, err := c.DeleteObservation(ctx, args[0], force)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(res, func(w io.Writer) error { return printDeletion(w, "observation", args[0], res) })
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even when written by another author")
	return cmd
}

func printObservation(w io.Writer, obs models.Observation) error {
	text := obs.Text
	if obs.Undecryptable {
		text = "(undecryptable)"
	}
	if err := fields(w,
		"ID", obs.ID,
		"Student", obs.StudentID,
		"Author", obs.AuthorID,
		"Category", obs.CategoryID,
		"Tags", strings.Join(obs.Tags, ", "),
		"Updated", stamp(obs.UpdatedAt),
	); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%s\n", text)
	return err
}

func observationTable(w io.Writer, list []models.Observation) error {
	rows := make([][]string, 0, len(list))
	for _, obs := range list {
		text := obs.Text
		if obs.Undecryptable {
			text = "(undecryptable)"
		}
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[:i] + " ..."
		}
		if r := []rune(text); len(r) > 60 {
			text = string(r[:57]) + "..."
		}
		rows = append(rows, []string{obs.ID, short(obs.StudentID), stamp(obs.UpdatedAt), text})
	}
	return table(w, []string{"ID", "STUDENT", "UPDATED", "TEXT"}, rows)
}

// parseSince accepts RFC 3339 timestamps and plain dates. Empty means no
// bound.
func parseSince(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("since %q: want RFC 3339 or YYYY-MM-DD: %w", s, common.ErrValidation)
}
