package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRunsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the history of finished workflow runs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				store, err := a.store()
				if err != nil {
					return err
				}
				runs, err := store.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tSTARTED\tSTATES")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", r.ID, r.Workflow, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), len(r.Visited))
				}
				return tw.Flush()
			})(cmd.Context())
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to show (0 for all)")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a run record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				store, err := a.store()
				if err != nil {
					return err
				}
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			})(cmd.Context())
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				store, err := a.store()
				if err != nil {
					return err
				}
				return store.DeleteRun(ctx, args[0])
			})(cmd.Context())
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}
