package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
	"github.com/dmitrijs2005/classbook/internal/deletion"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/records"
)

// NewClassCommand creates the class command group.
func NewClassCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "class",
		Short: "Manage classes",
	}
	cmd.AddCommand(newClassCreateCommand(rootOpts))
	cmd.AddCommand(newClassListCommand(rootOpts))
	cmd.AddCommand(newClassShowCommand(rootOpts))
	cmd.AddCommand(newClassUpdateCommand(rootOpts))
	cmd.AddCommand(newClassDeleteCommand(rootOpts))
	return cmd
}

func newClassCreateCommand(o *RootOptions) *cobra.Command {
	var year string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				cls, err := c.CreateClass(ctx, args[0], year)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(cls, func(w io.Writer) error { return printClass(w, cls) })
			})
		},
	}
	cmd.Flags().StringVar(&year, "year", "", "school year, e.g. 2024/25")
	return cmd
}

func newClassListCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List classes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				classes, err := c.ListClasses(ctx)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(classes, func(w io.Writer) error {
					rows := make([][]string, 0, len(classes))
					for _, cls := range classes {
						rows = append(rows, []string{cls.ID, cls.Name, cls.SchoolYear, stamp(cls.UpdatedAt)})
					}
					return table(w, []string{"ID", "NAME", "YEAR", "UPDATED"}, rows)
				})
			})
		},
	}
}

func newClassShowCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				cls, err := c.GetClass(ctx, args[0])
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(cls, func(w io.Writer) error { return printClass(w, cls) })
			})
		},
	}
}

func newClassUpdateCommand(o *RootOptions) *cobra.Command {
	var name, year string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Rename a class or change its school year",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p records.ClassPatch
			if cmd.Flags().Changed("name") {
				p.Name = &name
			}
			if cmd.Flags().Changed("year") {
				p.SchoolYear = &year
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				cls, err := c.UpdateClass(ctx, args[0], p)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(cls, func(w io.Writer) error { return printClass(w, cls) })
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&year, "year", "", "new school year")
	return cmd
}

func newClassDeleteCommand(o *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a class",
		Long: `Delete a class. A class that still has active students is refused unless
--force is given, which erases the students and their observations as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				res, err := c.DeleteClass(ctx, args[0], force)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(res, func(w io.Writer) error { return printDeletion(w, "class", args[0], res) })
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "erase the class with all its students")
	return cmd
}

func printClass(w io.Writer, cls models.Class) error {
	return fields(w,
		"ID", cls.ID,
		"Name", cls.Name,
		"School year", cls.SchoolYear,
		"Created", stamp(cls.CreatedAt),
		"Updated", stamp(cls.UpdatedAt),
	)
}

func printDeletion(w io.Writer, object, id string, res deletion.Result) error {
	_, err := fmt.Fprintf(w, "%s %s: %s (students %d, observations %d, attachments %d)\n",
		object, id, res.Detail, res.Removed.Students, res.Removed.Observations, res.Removed.Attachments)
	return err
}
