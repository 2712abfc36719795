package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"llmflow/internal/adapter/frontend"
	"llmflow/internal/domain"
	"llmflow/internal/usecase/workflow"
)

// shutdownTimeout bounds how long live runs get to finish on exit.
const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr, root string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browser API: start runs and follow them as event streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				if addr != "" {
					a.cfg.Server.Addr = addr
				}
				store, err := a.store()
				if err != nil {
					return err
				}
				absRoot, err := filepath.Abs(root)
				if err != nil {
					return fmt.Errorf("resolve root: %w", err)
				}

				l := &launcher{app: a, root: absRoot, runs: store}
				srv := frontend.NewServer(l, store, a.client, a.cfg.Server, a.logger)
				if err := srv.Start(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "listening on http://%s (documents under %s)\n", srv.Addr(), absRoot)

				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				return srv.Stop(shutdownCtx)
			})(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&root, "root", ".", "directory that request document paths are resolved under")
	return cmd
}

// launcher runs server requests on the app's engines. Document paths are
// confined to root.
type launcher struct {
	app  *app
	root string
	runs domain.RunStore
}

// Launch implements frontend.Launcher.
func (l *launcher) Launch(ctx context.Context, runID string, req frontend.RunRequest, fe domain.FrontEnd) error {
	inputs := make(map[string]any, len(req.Variables))
	for k, v := range req.Variables {
		inputs[k] = v
	}

	switch {
	case req.Workflow != "":
		path, err := l.resolve(req.Workflow)
		if err != nil {
			return err
		}
		wf, err := l.app.workflows.Compile(path)
		if err != nil {
			return err
		}
		_, err = l.app.engine(fe, l.runs).Run(ctx, wf, inputs, &workflow.RunOptions{RunID: runID})
		return err
	case req.Orchestration != "":
		path, err := l.resolve(req.Orchestration)
		if err != nil {
			return err
		}
		orch, err := l.app.orchestrations.Compile(path)
		if err != nil {
			return err
		}
		_, err = l.app.orchestrator(fe, l.runs).ExecuteWithID(ctx, runID, orch, inputs)
		return err
	default:
		return domain.NewDomainError("Launch", domain.ErrInvalidInput, "no document to run")
	}
}

// resolve maps a request path onto root, rejecting paths that leave it.
func (l *launcher) resolve(p string) (string, error) {
	if filepath.IsAbs(p) || !filepath.IsLocal(p) {
		return "", domain.NewDomainError("Launch", domain.ErrInvalidInput, fmt.Sprintf("document path %q must be relative to the server root", p))
	}
	return filepath.Join(l.root, p), nil
}

var _ frontend.Launcher = (*launcher)(nil)
