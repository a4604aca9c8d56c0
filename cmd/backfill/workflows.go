package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"backfill/internal/config"
	"backfill/internal/data"
	"backfill/internal/workflow"
)

// readDocument loads a workflow file and merges an optional account roster
// into it. Relative roster paths resolve next to the workflow file.
func readDocument(path, roster string) ([]byte, error) {
	raw, err := config.LoadWorkflowFile(path)
	if err != nil {
		return nil, err
	}
	if roster == "" {
		return raw, nil
	}
	accounts, err := data.LoadFile(roster, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	return data.MergeAccounts(raw, accounts)
}

func describe(w io.Writer, doc *workflow.Document) {
	fmt.Fprintf(w, "Workflow %q: %d paths", doc.Name, len(doc.Paths))
	if n := len(doc.Accounts); n > 0 {
		fmt.Fprintf(w, ", %d accounts", n)
	}
	if n := len(doc.Segments); n > 0 {
		fmt.Fprintf(w, ", %d segments", n)
	}
	fmt.Fprintln(w)
	for _, p := range doc.Paths {
		weight := "segment-weighted"
		if p.Percentage != nil {
			weight = fmt.Sprintf("%g%%", *p.Percentage)
		}
		fmt.Fprintf(w, "  %-20s %-16s %d steps\n", p.ID, weight, len(p.Steps))
	}
}

func newValidateCmd(a *app) *cobra.Command {
	var roster string
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a journey document without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readDocument(args[0], roster)
			if err != nil {
				return err
			}
			doc, err := workflow.Validate(raw)
			if err != nil {
				return invalidDocument(err)
			}
			describe(cmd.OutOrStdout(), doc)
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&roster, "accounts", "", "CSV or JSON account roster merged into the document")
	return cmd
}

func newSubmitCmd(a *app) *cobra.Command {
	var roster string
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Validate and store a journey document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readDocument(args[0], roster)
			if err != nil {
				return err
			}
			svc, closeSvc, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			doc, err := svc.Submit(cmd.Context(), raw)
			if err != nil {
				return invalidDocument(err)
			}
			describe(cmd.OutOrStdout(), doc)
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %q\n", doc.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&roster, "accounts", "", "CSV or JSON account roster merged into the document")
	return cmd
}

// invalidDocument names the offending field of a validation failure.
func invalidDocument(err error) error {
	var verr *workflow.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		return &exitError{code: ExitError, err: fmt.Errorf("invalid workflow: field %s: %s", verr.Field, verr.Message)}
	}
	return err
}

func newWorkflowsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Manage stored journey documents",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored workflows",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				svc, closeSvc, err := a.openService(cmd.Context())
				if err != nil {
					return err
				}
				defer closeSvc()

				recs, err := svc.Workflows(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tUPDATED")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\n", r.Name, r.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a stored workflow",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, closeSvc, err := a.openService(cmd.Context())
				if err != nil {
					return err
				}
				defer closeSvc()

				if err := svc.DeleteWorkflow(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %q\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
