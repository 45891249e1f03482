// Command meridian runs the cognitive memory engine from the terminal. It
// offers the two construction entrypoints: single-project legacy mode, and
// global mode bound to an external server URL plus a project path. Both are
// fully functional offline; global mode degrades to the local cache when
// the server is unreachable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meridian/internal/config"
	"meridian/internal/engine"
	"meridian/internal/progress"
)

var (
	flagDataDir string
	flagProject string
	flagServer  string
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridian: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "meridian",
		Short:         "Persistent, token-budgeted memory engine for code assistants",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", defaultDataDir(), "data directory")
	root.PersistentFlags().StringVar(&flagProject, "project", ".", "project path")
	root.PersistentFlags().StringVar(&flagServer, "server", "", "global server URL (enables global mode)")

	root.AddCommand(newStatsCmd(logger))
	root.AddCommand(newRetrieveCmd(logger))
	root.AddCommand(newSessionsCmd(logger))
	root.AddCommand(newTasksCmd(logger))
	return root
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meridian"
	}
	return home + "/.meridian"
}

// openEngine constructs the engine in the mode the flags select.
func openEngine(ctx context.Context, logger *zap.Logger) (*engine.Engine, error) {
	cfg, err := config.Load(flagDataDir)
	if err != nil {
		return nil, err
	}

	mode := engine.ModeLegacy
	if flagServer != "" {
		mode = engine.ModeGlobal
		cfg.Global.ServerURL = flagServer
	}
	logger.Info("opening engine",
		zap.String("mode", string(mode)),
		zap.String("data_dir", flagDataDir),
		zap.String("project", flagProject))

	return engine.New(ctx, engine.Options{
		DataDir:     flagDataDir,
		Mode:        mode,
		ProjectPath: flagProject,
		Config:      &cfg,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newStatsCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print memory tier statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, err := openEngine(ctx, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			stats := e.GetStatistics(ctx)
			fmt.Printf("episodes:    %d\n", stats.Episodes)
			fmt.Printf("patterns:    %d\n", stats.Patterns)
			fmt.Printf("procedures:  %d\n", stats.Procedures)
			fmt.Printf("working set: %d entries, %d/%d tokens (%.1f%%)\n",
				stats.WorkingEntries, stats.WorkingTokens, stats.WorkingCapacity,
				stats.WorkingUtilisation*100)
			health := e.LinkHealth()
			fmt.Printf("links:       %d total, %.1f%% healthy\n", health.Total, health.Ratio*100)
			return nil
		},
	}
}

func newRetrieveCmd(logger *zap.Logger) *cobra.Command {
	var budget int
	cmd := &cobra.Command{
		Use:   "retrieve <task description>",
		Short: "Prepare a token-budgeted context block for a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, err := openEngine(ctx, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			task := args[0]
			for _, a := range args[1:] {
				task += " " + a
			}
			out, err := e.Retrieve(ctx, task, budget)
			if err != nil {
				return err
			}
			fmt.Printf("# strategy=%s quality=%.2f tokens=%d/%d truncated=%v\n",
				out.Strategy, out.QualityScore, out.TotalTokens, out.MaxTokens, out.Truncated)
			for _, f := range out.Fragments {
				fmt.Printf("\n%s\n", f.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&budget, "budget", 16000, "token budget")
	return cmd
}

func newSessionsCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List work sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, err := openEngine(ctx, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			sessions, _ := e.SessionList(0, 100)
			for _, s := range sessions {
				fmt.Printf("%s  %-8s  %-40q  %d deltas\n", s.ID, s.State, s.Task, len(s.Deltas))
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
			}
			return nil
		},
	}
}

func newTasksCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List tracked tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			e, err := openEngine(ctx, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			page, err := e.ListTasks(ctx, progress.Filters{}, 0, 100)
			if err != nil {
				return err
			}
			for _, task := range page.Tasks {
				fmt.Printf("%s  %-11s  %-8s  %s\n", task.ID, task.Status, task.Priority, task.Title)
			}
			if len(page.Tasks) == 0 {
				fmt.Println("no tasks")
			}
			return nil
		},
	}
}
