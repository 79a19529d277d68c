package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Home       string
	LogLevel   string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createStatusCommand(globalFlags),
		createCheckUpdateCommand(globalFlags),
		createCleanupCommand(globalFlags),
		createIdentityCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "nodekeeper",
		Short: "Install, launch and keep a prover node worker up to date",
		Long: `nodekeeper installs the worker, resolves the node id, starts the worker in a
tmux session (Linux) or a Terminal window (macOS), and restarts it whenever
a newer release is published.

Examples:
  nodekeeper run                         # supervise until interrupted
  NEXUS_NODE_ID=abc-123 nodekeeper run   # skip the node id prompt
  nodekeeper status
  nodekeeper check-update
  nodekeeper cleanup                     # stop the worker and remove its log`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default ~/.nodekeeper/config.toml if present)")
	root.PersistentFlags().StringVar(&flags.Home, "home", "", "home directory the worker runs in (default: current user's home)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	return root
}
