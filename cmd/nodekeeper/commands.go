package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/loykin/nodekeeper"
)

func createRunCommand(g *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Install, launch and supervise the worker until interrupted",
		Long: `Run installs dependencies and the worker, resolves the node id, launches the
worker and polls for new releases. SIGINT, SIGTERM and SIGHUP stop the worker,
keep its log and exit with status 0.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSupervisor(cmd, g, flags)
		},
	}
	cmd.Flags().StringVar(&flags.NodeID, "node-id", "", "node id to use (NEXUS_NODE_ID still takes precedence)")
	cmd.Flags().BoolVar(&flags.NonInteractive, "non-interactive", false, "never prompt; reuse the stored node id")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve /status, /healthz and /metrics on this address")
	cmd.Flags().StringVar(&flags.HistoryDSN, "history-dsn", "", "record lifecycle events (sqlite path, postgres://, clickhouse://, opensearch://)")
	cmd.Flags().DurationVar(&flags.PollInterval, "poll-interval", 0, "interval between release checks (overrides supervisor.poll_interval)")
	return cmd
}

func runSupervisor(cmd *cobra.Command, g *GlobalFlags, flags *RunFlags) error {
	s, err := loadSettings(g, func(v *viper.Viper) {
		if flags.MetricsListen != "" {
			v.Set("metrics.listen", flags.MetricsListen)
		}
		if flags.HistoryDSN != "" {
			v.Set("history.dsn", flags.HistoryDSN)
		}
		if flags.PollInterval > 0 {
			v.Set("supervisor.poll_interval", flags.PollInterval)
		}
	})
	if err != nil {
		return err
	}
	log, closer, err := newLogger(s, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	node, err := nodekeeper.New(s, nodekeeper.Options{
		Logger:      log,
		NodeID:      flags.NodeID,
		In:          cmd.InOrStdin(),
		Out:         cmd.OutOrStdout(),
		Interactive: !flags.NonInteractive && term.IsTerminal(int(os.Stdin.Fd())),
		Exit: func(code int) {
			_ = closer.Close()
			os.Exit(code)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	return node.Run(ctx)
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the supervisor, the worker context and worker processes are running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			node, err := quietNode(cmd, g)
			if err != nil {
				return err
			}
			p := node.Probe(cmd.Context())
			if flags.JSON {
				printJSON(cmd.OutOrStdout(), p)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(tw, "supervisor\t%s\t%s\n", yesNo(p.SupervisorAlive, fmt.Sprintf("running (pid %d)", p.SupervisorPID), "stopped"), p.Checks[0].Method)
			_, _ = fmt.Fprintf(tw, "context\t%s\t%s\n", yesNo(p.ContextAlive, "open", "absent"), p.Checks[1].Method)
			_, _ = fmt.Fprintf(tw, "worker pids\t%v\n", p.WorkerPIDs)
			_, _ = fmt.Fprintf(tw, "node id\t%s\n", valueOr(p.NodeID, "(not set)"))
			_, _ = fmt.Fprintf(tw, "log\t%s\n", p.LogFile)
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createCheckUpdateCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-update",
		Short: "Compare the installed worker version with the latest release tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			node, err := quietNode(cmd, g)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), node.CheckUpdate(cmd.Context()))
			return nil
		},
	}
}

func createCleanupCommand(g *GlobalFlags) *cobra.Command {
	flags := &CleanupFlags{}
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Stop the worker and close its context",
		Long: `Cleanup terminates every worker process (SIGTERM, then SIGKILL after the grace
period), closes the tmux session or Terminal window and, unless --keep-log is
given, deletes the worker log. Running it with nothing to clean is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(g, nil)
			if err != nil {
				return err
			}
			log, closer, err := newLogger(s, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()
			// exit mode would end the process; here it only means "keep the log"
			node, err := nodekeeper.New(s, nodekeeper.Options{Logger: log, Exit: func(int) {}})
			if err != nil {
				return err
			}
			mode := nodekeeper.CleanupRestart
			if flags.KeepLog {
				mode = nodekeeper.CleanupExit
			}
			res := node.Cleanup(cmd.Context(), mode)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "terminated %d, killed %d, log removed: %v\n", len(res.Terminated), len(res.Killed), res.LogRemoved)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.KeepLog, "keep-log", false, "keep the worker log")
	return cmd
}

func createIdentityCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show or set the persisted node id",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the stored node id",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				node, err := quietNode(cmd, g)
				if err != nil {
					return err
				}
				id, err := node.StoredIdentity()
				if err != nil {
					return err
				}
				if id == "" {
					return fmt.Errorf("no node id stored in %s", node.Settings().Identity.File)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <node-id>",
			Short: "Validate and persist a node id",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				node, err := quietNode(cmd, g)
				if err != nil {
					return err
				}
				id, err := node.SetIdentity(args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "node id %s saved to %s\n", id, node.Settings().Identity.File)
				return nil
			},
		},
	)
	return cmd
}

// quietNode builds a Node for one-shot commands; they log to the console only.
func quietNode(cmd *cobra.Command, g *GlobalFlags) (*nodekeeper.Node, error) {
	s, err := loadSettings(g, nil)
	if err != nil {
		return nil, err
	}
	console := s
	console.Log.SupervisorFile = ""
	log, _, err := newLogger(console, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return nodekeeper.New(s, nodekeeper.Options{Logger: log})
}

func yesNo(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
