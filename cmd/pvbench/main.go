package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pvbench/internal/logging"
	"pvbench/pkg/config"
	"pvbench/pkg/pipeline"
)

// options shared by every command
type options struct {
	configPath string
	envFile    string
	logLevel   string
	silent     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "pvbench",
		Short: "Evaluate partial volume estimation methods across resolutions and sessions",
		Long: `pvbench runs several partial volume estimation tools over a test-retest
study at a sequence of voxel resolutions, caches every per-job image under the
study root and reduces them into one result store for analysis.

Interrupting a run stops new work from starting; rerunning resumes from the
cached artifacts.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "pvbench.yaml", "Configuration file (defaults apply when absent)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before PVBENCH_* overrides")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&opts.silent, "silent", false, "Aggregate missing or unreadable artifacts as zeros")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newProduceCmd(opts),
		newAggregateCmd(opts),
		newReportCmd(opts),
		newConfigCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// load builds the effective configuration: file, then environment, then flags
func (o *options) load(root string) (*config.Config, error) {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if root != "" {
		cfg.Study.Root = root
	}
	if o.logLevel != "" {
		cfg.Output.LogLevel = o.logLevel
	}
	if o.silent {
		cfg.Analysis.LoadMode = config.LoadSilent
	}
	return cfg, nil
}

func (o *options) pipeline(root string) (*pipeline.Pipeline, *zap.Logger, error) {
	cfg, err := o.load(root)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Output.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.New(cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, err
	}
	return p, log, nil
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <root>",
		Short: "Produce missing artifacts, aggregate and write the result store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, log, err := opts.pipeline(args[0])
			if err != nil {
				return err
			}
			defer log.Sync()

			report, err := p.Run(cmd.Context())
			printReport(cmd, report)
			return err
		},
	}
}

func newProduceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "produce <root>",
		Short: "Produce missing artifacts without aggregating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, log, err := opts.pipeline(args[0])
			if err != nil {
				return err
			}
			defer log.Sync()

			report, err := p.Produce(cmd.Context())
			printReport(cmd, report)
			return err
		},
	}
}

func newAggregateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <root>",
		Short: "Aggregate cached artifacts into the result store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, log, err := opts.pipeline(args[0])
			if err != nil {
				return err
			}
			defer log.Sync()

			report, err := p.Aggregate(cmd.Context())
			printReport(cmd, report)
			return err
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func printReport(cmd *cobra.Command, r *pipeline.Report) {
	if r == nil {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nSubjects: %d  Jobs: %d  Cached before: %d  Cached after: %d\n",
		len(r.Subjects), r.Jobs, r.CachedBefore, r.CachedAfter)
	fmt.Fprintf(out, "%-14s %7s %9s %7s %8s %12s\n", "Stage", "Units", "Succeeded", "Failed", "Skipped", "Elapsed")
	for _, s := range r.Stages {
		fmt.Fprintf(out, "%-14s %7d %9d %7d %8d %12s\n",
			s.Stage, s.Total, s.Succeeded, len(s.Failed), s.Skipped, s.Elapsed.Round(time.Millisecond))
	}
	if r.ArtifactPath != "" {
		fmt.Fprintf(out, "\nAggregated %d of %d cells\n", r.Aggregation.Aggregated, r.Aggregation.Cells)
		fmt.Fprintf(out, "Result store: %s (run %s)\n", r.ArtifactPath, r.RunID)
	}
	if r.Elapsed > 0 {
		fmt.Fprintf(out, "Completed in %.2f seconds\n", r.Elapsed.Seconds())
	}
}
