// Package main is the entrypoint for the Rewind agent CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rewindhq/rewind/internal/agent"
	"github.com/rewindhq/rewind/internal/config"
	"github.com/rewindhq/rewind/internal/models"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "rewind-agent",
		Short: "Rewind backup agent",
		Long: `Rewind Agent schedules and executes Restic backups for one device,
driven by job and schedule definitions held in a central database.

Run 'rewind-agent start' to run the daemon.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.rewind/config.yml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newStartCmd(&configPath),
		newBackupCmd(&configPath),
		newJobsCmd(&configPath),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Rewind Agent %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func loadConfig(path string) (*config.AgentConfig, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

func newLogger(cfg *config.AgentConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func newStartCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the agent daemon",
		Long: `Start the Rewind agent as a long-running daemon process.

The daemon will:
  - Reconcile job and schedule definitions from the database
  - Trigger backups when schedules fall due, catching up missed runs
  - Record run results, spooling them locally during database outages`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("agent not configured: %w", err)
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *config.AgentConfig) error {
	logger := newLogger(cfg)

	fmt.Printf("Rewind Agent %s starting...\n", Version)
	fmt.Printf("Device: %s\n", cfg.DeviceName)
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	fmt.Println("Agent daemon running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	fmt.Printf("\nReceived %s, shutting down...\n", sig)
	a.Stop()
	return nil
}

func newBackupCmd(configPath *string) *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run a single backup job immediately and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("agent not configured: %w", err)
			}

			id, err := uuid.Parse(jobID)
			if err != nil {
				return fmt.Errorf("invalid job ID %q: %w", jobID, err)
			}
			return runOneShot(cfg, id)
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Job ID to execute (required)")
	_ = cmd.MarkFlagRequired("job")

	return cmd
}

func runOneShot(cfg *config.AgentConfig, jobID uuid.UUID) error {
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Stop()

	if err := a.Reconcile(ctx); err != nil {
		return err
	}

	run, err := a.RunOnce(ctx, jobID)
	if err != nil {
		return err
	}

	printRun(run)
	if run.Status != models.RunStatusSuccess {
		return fmt.Errorf("backup %s", run.Status)
	}
	return nil
}

func newJobsCmd(configPath *string) *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List this device's backup jobs, schedules, and latest runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("agent not configured: %w", err)
			}
			return runJobs(cfg, jobID)
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Show a single job by ID")

	return cmd
}

func runJobs(cfg *config.AgentConfig, jobID string) error {
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Stop()

	if err := a.Reconcile(ctx); err != nil {
		return err
	}

	if jobID != "" {
		id, err := uuid.Parse(jobID)
		if err != nil {
			return fmt.Errorf("invalid job ID %q: %w", jobID, err)
		}
		st, err := a.JobStatus(ctx, id)
		if err != nil {
			return err
		}
		printJobStatus(*st)
		return nil
	}

	statuses, err := a.JobStatuses(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("No jobs configured for this device.")
		return nil
	}
	for _, st := range statuses {
		printJobStatus(st)
		fmt.Println()
	}
	return nil
}

func printJobStatus(st agent.JobStatus) {
	state := "enabled"
	if !st.Job.Enabled {
		state = "disabled"
	}
	fmt.Printf("%s (%s, %s)\n", st.Job.Name, st.Job.ID, state)
	fmt.Printf("  Paths:    %s\n", strings.Join(st.Job.SourcePaths, ", "))
	for _, s := range st.Schedules {
		var def string
		switch s.Kind {
		case models.ScheduleKindCron:
			def = fmt.Sprintf("cron %q", s.CronExpression)
		case models.ScheduleKindInterval:
			def = fmt.Sprintf("every %s", s.Interval())
		}
		if !s.Enabled {
			def += " (disabled)"
		}
		fmt.Printf("  Schedule: %s\n", def)
	}
	if st.LatestRun == nil {
		fmt.Printf("  Last run: never\n")
		return
	}
	fmt.Printf("  Last run: %s at %s (%s)\n",
		st.LatestRun.Status,
		st.LatestRun.StartedAt.Format(time.RFC3339),
		string(st.LatestRun.Cause))
}

func printRun(run *models.Run) {
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Duration: %s\n", run.Duration().Round(10*time.Millisecond))
	if run.Stats != nil {
		fmt.Printf("Snapshot: %s\n", run.Stats.SnapshotID)
		fmt.Printf("Files:    %d new, %d changed, %d unmodified\n",
			run.Stats.FilesNew, run.Stats.FilesChanged, run.Stats.FilesUnmodified)
		fmt.Printf("Added:    %d bytes\n", run.Stats.DataAdded)
	}
	if run.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", run.ErrorMessage)
	}
}
