package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newModelsCmd(opts *rootOptions) *cobra.Command {
	var warmup string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models available on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				if warmup != "" {
					return a.ollama.Warmup(ctx, warmup)
				}
				models, err := a.ollama.Tags(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED")
				for _, m := range models {
					modified := "-"
					if !m.ModifiedAt.IsZero() {
						modified = m.ModifiedAt.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, formatSize(m.Size), modified)
				}
				return tw.Flush()
			})(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&warmup, "warmup", "", "load the named model into memory instead of listing")
	return cmd
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
