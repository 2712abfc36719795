package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"llmflow/internal/adapter/frontend"
	"llmflow/internal/domain"
)

// runFlags are shared by run and orchestrate.
type runFlags struct {
	vars    []string
	verbose bool
	json    bool
	noSave  bool
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.vars, "var", "v", nil, "input variable as key=value (repeatable)")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "show engine log events")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the final record as JSON")
	cmd.Flags().BoolVar(&f.noSave, "no-save", false, "do not record the run in the run history")
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Compile and run a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseVars(flags.vars)
			if err != nil {
				return err
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				wf, err := a.workflows.Compile(args[0])
				if err != nil {
					return err
				}
				runs, err := flags.store(a)
				if err != nil {
					return err
				}

				cli := frontend.NewCLI(frontend.WithVerbose(flags.verbose))
				defer cli.Close()

				run, runErr := a.engine(cli, runs).Run(ctx, wf, inputs, nil)
				if flags.json && run != nil {
					if err := printJSON(cmd.OutOrStdout(), run); err != nil {
						return err
					}
				}
				return runError(runErr)
			})(cmd.Context())
		},
	}
	flags.bind(cmd)
	return cmd
}

func newOrchestrateCmd(opts *rootOptions) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "orchestrate <orchestration.yaml>",
		Short: "Compile and run an orchestration of workflows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseVars(flags.vars)
			if err != nil {
				return err
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				orch, err := a.orchestrations.Compile(args[0])
				if err != nil {
					return err
				}
				runs, err := flags.store(a)
				if err != nil {
					return err
				}

				cli := frontend.NewCLI(frontend.WithVerbose(flags.verbose))
				defer cli.Close()

				res, runErr := a.orchestrator(cli, runs).Execute(ctx, orch, inputs)
				if res != nil {
					if flags.json {
						if err := printJSON(cmd.OutOrStdout(), res); err != nil {
							return err
						}
					} else {
						printAggregated(cmd.OutOrStdout(), res)
					}
				}
				return runError(runErr)
			})(cmd.Context())
		},
	}
	flags.bind(cmd)
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var isOrchestration bool
	cmd := &cobra.Command{
		Use:   "validate <document.yaml>...",
		Short: "Compile documents and report structural problems without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				var failed int
				for _, path := range args {
					var err error
					if isOrchestration {
						_, err = a.orchestrations.Compile(path)
					} else {
						_, err = a.workflows.Compile(path)
					}
					if err != nil {
						failed++
						fmt.Fprintf(out, "FAIL %s [%s]\n     %v\n", path, domain.ErrorCodeOf(err), err)
						continue
					}
					fmt.Fprintf(out, "ok   %s\n", path)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d documents invalid", failed, len(args))
				}
				return nil
			})(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&isOrchestration, "orchestration", false, "documents are orchestrations")
	return cmd
}

// store returns the run history unless --no-save was given. The nil case
// is an untyped nil so the engine sees no store at all.
func (f *runFlags) store(a *app) (domain.RunStore, error) {
	if f.noSave {
		return nil, nil
	}
	runs, err := a.store()
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// parseVars turns repeated key=value flags into run inputs.
func parseVars(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, domain.NewDomainError("parseVars", domain.ErrInvalidInput, fmt.Sprintf("expected key=value, got %q", p))
		}
		inputs[key] = value
	}
	return inputs, nil
}

// runError keeps a user stop from being reported as a failure.
func runError(err error) error {
	if errors.Is(err, domain.ErrStopped) {
		return nil
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func printAggregated(w io.Writer, res *domain.AggregatedResult) {
	fmt.Fprintf(w, "%s (%s, %s): %s\n", res.Name, res.Strategy, res.Aggregation, res.Status)
	for _, e := range res.Entries {
		line := fmt.Sprintf("  %-20s %s", e.ID, e.Status)
		if e.UsedFallback {
			line += " (fallback)"
		}
		if e.Error != "" {
			line += ": " + e.Error
		}
		fmt.Fprintln(w, line)
	}
	if res.Text != "" {
		fmt.Fprintf(w, "\n%s\n", res.Text)
		return
	}
	for _, k := range slices.Sorted(maps.Keys(res.Output)) {
		fmt.Fprintf(w, "  %s = %v\n", k, res.Output[k])
	}
}
