package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/records"
)

// NewCategoryCommand creates the category command group.
func NewCategoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "category",
		Short: "Manage observation categories",
	}
	cmd.AddCommand(newCategoryListCommand(rootOpts))
	cmd.AddCommand(newCategoryCreateCommand(rootOpts))
	cmd.AddCommand(newCategoryUpdateCommand(rootOpts))
	cmd.AddCommand(newCategoryDeleteCommand(rootOpts))
	return cmd
}

func newCategoryListCommand(o *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				list, err := c.ListCategories(ctx, all)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(list, func(w io.Writer) error {
					rows := make([][]string, 0, len(list))
					for _, cat := range list {
						rows = append(rows, []string{cat.ID, cat.Name, cat.Color, strconv.Itoa(cat.SortOrder), strconv.FormatBool(cat.IsActive)})
					}
					return table(w, []string{"ID", "NAME", "COLOR", "ORDER", "ACTIVE"}, rows)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive categories")
	return cmd
}

func newCategoryCreateCommand(o *RootOptions) *cobra.Command {
	var in records.CategoryInput
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				cat, err := c.CreateCategory(ctx, in)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(cat, func(w io.Writer) error { return printCategory(w, cat) })
			})
		},
	}
	cmd.Flags().StringVar(&in.Color, "color", "", "accent color, #rrggbb")
	cmd.Flags().StringVar(&in.BackgroundColor, "background", "", "background color, #rrggbb")
	cmd.Flags().StringVar(&in.TextColor, "text-color", "", "text color, #rrggbb")
	cmd.Flags().IntVar(&in.SortOrder, "order", 0, "sort position")
	return cmd
}

func newCategoryUpdateCommand(o *RootOptions) *cobra.Command {
	var (
		name, color, background, text string
		order                         int
		active                        bool
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p records.CategoryPatch
			changed := cmd.Flags().Changed
			if changed("name") {
				p.Name = &name
			}
			if changed("color") {
				p.Color = &color
			}
			if changed("background") {
				p.BackgroundColor = &background
			}
			if changed("text-color") {
				p.TextColor = &text
			}
			if changed("order") {
				p.SortOrder = &order
			}
			if changed("active") {
				p.IsActive = &active
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				cat, err := c.UpdateCategory(ctx, args[0], p)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(cat, func(w io.Writer) error { return printCategory(w, cat) })
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&color, "color", "", "accent color")
	cmd.Flags().StringVar(&background, "background", "", "background color")
	cmd.Flags().StringVar(&text, "text-color", "", "text color")
	cmd.Flags().IntVar(&order, "order", 0, "sort position")
	cmd.Flags().BoolVar(&active, "active", true, "offer the category for new observations")
	return cmd
}

func newCategoryDeleteCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a category; its observations keep no category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				res, err := c.DeleteCategory(ctx, args[0])
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(res, func(w io.Writer) error { return printDeletion(w, "category", args[0], res) })
			})
		},
	}
}

func printCategory(w io.Writer, cat models.Category) error {
	return fields(w,
		"ID", cat.ID,
		"Name", cat.Name,
		"Colors", fmt.Sprintf("%s on %s, text %s", cat.Color, cat.BackgroundColor, cat.TextColor),
		"Order", strconv.Itoa(cat.SortOrder),
		"Active", strconv.FormatBool(cat.IsActive),
	)
}
