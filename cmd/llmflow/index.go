package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"llmflow/internal/adapter/retrieval"
	"llmflow/internal/domain"
)

func newIndexCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "index <workflow.yaml | directory>",
		Short: "Build or refresh retrieval caches ahead of a run",
		Long: `index builds the chunk cache for every retrieval declaration of a
workflow, or for a single document directory. Up-to-date caches are reused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				targets, err := indexTargets(a, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, name := range slices.Sorted(maps.Keys(targets)) {
					rc := targets[name]
					if format != "" {
						rc.StorageFormat = format
					}
					r := retrieval.NewRetriever(a.embedder, a.retrievalDefaults(), a.logger)
					if err := r.Initialize(ctx, rc); err != nil {
						return fmt.Errorf("index %s: %w", name, err)
					}
					fmt.Fprintf(out, "%-24s %s (%d chunks)\n", name, rc.Directory, r.Len())
				}
				return nil
			})(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "cache storage format override (json, pack, sqlite)")
	return cmd
}

// indexTargets returns the retrieval configurations named by target.
func indexTargets(a *app, target string) (map[string]domain.RetrievalConfig, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, domain.NewSubSystemError("compiler", "index", domain.ErrNotFound, target)
	}
	if info.IsDir() {
		abs, err := filepath.Abs(target)
		if err != nil {
			return nil, err
		}
		return map[string]domain.RetrievalConfig{filepath.Base(abs): {Directory: abs}}, nil
	}

	wf, err := a.workflows.Compile(target)
	if err != nil {
		return nil, err
	}
	if len(wf.Retrievals) == 0 {
		return nil, fmt.Errorf("%s declares no retrieval sources", target)
	}
	return wf.Retrievals, nil
}
