package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/agent"
	toolexec "github.com/taskmesh/taskmesh/internal/exec"
	"github.com/taskmesh/taskmesh/internal/version"
)

var (
	coordinatorURL    string
	workerName        string
	machineID         string
	capabilities      []string
	localOnly         bool
	workDir           string
	heartbeatInterval time.Duration
	logLevel          string
)

var rootCmd = &cobra.Command{
	Use:   "taskmesh-worker",
	Short: "Worker process executing subtasks through external AI tools",
	Long: `taskmesh-worker registers with a taskmesh coordinator, polls for
subtask assignments, runs the requested AI tool, and reports results.
It heartbeats on a fixed interval so the coordinator can detect a crash
and requeue in-flight work.

Each capability names a tool binary that must be resolvable on PATH.`,
	RunE: runWorker,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	setupLogging()

	// Drop capabilities whose binaries are missing rather than accept
	// assignments this host cannot execute.
	available := capabilities[:0]
	for _, tool := range capabilities {
		if toolexec.LookPath(tool) {
			available = append(available, tool)
			continue
		}
		slog.Warn("dropping capability, binary not on PATH", "tool", tool)
	}
	if len(available) == 0 {
		return fmt.Errorf("none of the requested tools are installed")
	}

	a, err := agent.New(agent.Config{
		CoordinatorURL:    coordinatorURL,
		Name:              workerName,
		MachineID:         machineID,
		Capabilities:      available,
		LocalOnly:         localOnly,
		WorkDir:           workDir,
		HeartbeatInterval: heartbeatInterval,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		"coordinator", coordinatorURL, "capabilities", available, "local_only", localOnly)
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func setupLogging() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskmesh-worker version %s\n", version.Get())
	},
}

func init() {
	rootCmd.Flags().StringVar(&coordinatorURL, "coordinator", "http://localhost:8420", "Coordinator base URL")
	rootCmd.Flags().StringVar(&workerName, "name", "", "Human-readable worker label")
	rootCmd.Flags().StringVar(&machineID, "machine-id", "", "Machine identity (defaults to hostname)")
	rootCmd.Flags().StringSliceVar(&capabilities, "tools", nil, "Tool binaries this worker offers (required)")
	rootCmd.Flags().BoolVar(&localOnly, "local-only", false, "Worker runs fully local tools, eligible for sensitive tasks")
	rootCmd.Flags().StringVar(&workDir, "workdir", "", "Directory tool commands run in (defaults to cwd)")
	rootCmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", 30*time.Second, "Heartbeat reporting interval")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	_ = rootCmd.MarkFlagRequired("tools")

	rootCmd.AddCommand(versionCmd)
}
