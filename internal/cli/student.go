package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/classbook/internal/app"
	"github.com/dmitrijs2005/classbook/internal/models"
	"github.com/dmitrijs2005/classbook/internal/records"
)

// NewStudentCommand creates the student command group.
func NewStudentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "student",
		Short: "Manage students",
	}
	cmd.AddCommand(newStudentCreateCommand(rootOpts))
	cmd.AddCommand(newStudentListCommand(rootOpts))
	cmd.AddCommand(newStudentShowCommand(rootOpts))
	cmd.AddCommand(newStudentUpdateCommand(rootOpts))
	cmd.AddCommand(newStudentDeleteCommand(rootOpts))
	cmd.AddCommand(newStudentRestoreCommand(rootOpts))
	cmd.AddCommand(newStudentExportCommand(rootOpts))
	return cmd
}

func newStudentCreateCommand(o *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "create <class-id> <first-name> <last-name>",
		Short: "Add a student to a class",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				st, err := c.CreateStudent(ctx, args[0], args[1], args[2], models.StudentStatus(status))
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(st, func(w io.Writer) error { return printStudent(w, st) })
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.StudentActive), "active or inactive")
	return cmd
}

func newStudentListCommand(o *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list <class-id>",
		Short: "List the students of a class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				list, err := c.ListStudents(ctx, args[0], all)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(list, func(w io.Writer) error {
					rows := make([][]string, 0, len(list))
					for _, st := range list {
						rows = append(rows, []string{st.ID, st.LastName, st.FirstName, string(st.Status)})
					}
					return table(w, []string{"ID", "LAST NAME", "FIRST NAME", "STATUS"}, rows)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include soft-deleted students")
	return cmd
}

func newStudentShowCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a student",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				st, err := c.GetStudent(ctx, args[0])
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(st, func(w io.Writer) error { return printStudent(w, st) })
			})
		},
	}
}

func newStudentUpdateCommand(o *RootOptions) *cobra.Command {
	var classID, first, last, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a student's name, class or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p records.StudentPatch
			if cmd.Flags().Changed("class") {
				p.ClassID = &classID
			}
			if cmd.Flags().Changed("first-name") {
				p.FirstName = &first
			}
			if cmd.Flags().Changed("last-name") {
				p.LastName = &last
			}
			if cmd.Flags().Changed("status") {
				s := models.StudentStatus(status)
				p.Status = &s
			}
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				st, err := c.UpdateStudent(ctx, args[0], p)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(st, func(w io.Writer) error { return printStudent(w, st) })
			})
		},
	}
	cmd.Flags().StringVar(&classID, "class", "", "move to another class")
	cmd.Flags().StringVar(&first, "first-name", "", "new first name")
	cmd.Flags().StringVar(&last, "last-name", "", "new last name")
	cmd.Flags().StringVar(&status, "status", "", "active or inactive")
	return cmd
}

func newStudentDeleteCommand(o *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a student",
		Long: `Delete a student. A student with observations is only marked deleted and can
be restored; one without observations is erased. --force erases the student
together with all observations and attachments.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				res, err := c.DeleteStudent(ctx, args[0], force)
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(res, func(w io.Writer) error { return printDeletion(w, "student", args[0], res) })
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "erase the student and every observation")
	return cmd
}

func newStudentRestoreCommand(o *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a soft-deleted student",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				st, err := c.RestoreStudent(ctx, args[0])
				if err != nil {
					return err
				}
				return o.printer(cmd).Print(st, func(w io.Writer) error { return printStudent(w, st) })
			})
		},
	}
}

func newStudentExportCommand(o *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export everything stored about a student",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withCore(cmd, func(ctx context.Context, c *app.Core) error {
				exp, err := c.ExportStudentData(ctx, args[0])
				if err != nil {
					return err
				}
				// The export is structured data; text falls back to json.
				format := o.Config.Output
				if format == "text" {
					format = "json"
				}
				var buf bytes.Buffer
				if err := (&Printer{Format: format, Writer: &buf}).Print(exp, nil); err != nil {
					return err
				}
				if err := writeOutput(cmd, file, buf.Bytes()); err != nil {
					return err
				}
				if file != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "exported %d observations to %s\n", len(exp.Observations), file)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "write to file instead of stdout")
	return cmd
}

func printStudent(w io.Writer, st models.Student) error {
	return fields(w,
		"ID", st.ID,
		"Class", st.ClassID,
		"Name", st.FirstName+" "+st.LastName,
		"Status", string(st.Status),
		"Updated", stamp(st.UpdatedAt),
	)
}
