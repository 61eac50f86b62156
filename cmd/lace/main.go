// Command lace is an interactive AI coding assistant CLI. It wires the
// event-sourced conversation store, Agent state machine, Tool Executor,
// and token budget/compaction into one process, the way the teacher's
// nexus CLI wires its gateway, channels, and LLM providers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:           "lace",
		Short:         "lace - an interactive AI coding assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.prompt, "prompt", "", "run a single prompt and exit (single-shot mode)")
	cmd.Flags().StringVar(&flags.continueFlag, "continue", "", "resume the latest or a specific thread id")
	cmd.Flags().Lookup("continue").NoOptDefVal = " "
	cmd.Flags().StringVar(&flags.provider, "provider", "", "provider id override (anthropic, openai)")
	cmd.Flags().StringVar(&flags.model, "model", "", "model id override")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "error|warn|info|debug")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "path to write logs to (default stderr)")
	cmd.Flags().StringVar(&flags.configPath, "config", "lace.yaml", "path to YAML configuration file")

	return cmd
}

// cliFlags holds every flag spec.md's CLI surface depends on.
type cliFlags struct {
	prompt       string
	continueFlag string
	provider     string
	model        string
	logLevel     string
	logFile      string
	configPath   string
}
