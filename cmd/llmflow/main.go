package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "llmflow",
		Short: "Run YAML-defined LLM workflows and orchestrations against a local model backend",
		Long: `llmflow compiles workflow documents into state machines and runs them
against an Ollama-compatible backend. Orchestrations compose several
workflows sequentially, in parallel or by condition.

CONFIGURATION:
    Config file: ./config.yaml (override with --config)
    Environment: LLMFLOW_* variables override config`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(), "config file path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newOrchestrateCmd(opts),
		newValidateCmd(opts),
		newModelsCmd(opts),
		newIndexCmd(opts),
		newServeCmd(opts),
		newRunsCmd(opts),
	)
	return root
}

// defaultConfigPath honors LLMFLOW_CONFIG before falling back to ./config.yaml.
func defaultConfigPath() string {
	if p := os.Getenv("LLMFLOW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
