// Package main provides the CLI entry point for devbench, a benchmark
// harness for Raspberry Pi and ESP32 class targets.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/weiihann/devbench/config"
	"github.com/weiihann/devbench/device"
	"github.com/weiihann/devbench/harness"
	"github.com/weiihann/devbench/report"
)

func main() {
	level := new(slog.LevelVar)
	logger := newLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := newRootCmd(logger, level)
	err := root.ExecuteContext(ctx)

	stop()

	if err != nil {
		logger.Error("devbench failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func newRootCmd(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "devbench",
		Short: "Benchmark harness for remote and embedded targets",
		Long: `Devbench runs benchmark artifacts on a Raspberry Pi over SSH or on an
ESP32 over espflash, collects the telemetry they print, and stores one pair
of CSV reports per iteration. Finished iterations are kept across runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("parse log level: %w", err)
			}

			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(logger))

	return root
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		configPath  string
		transport   string
		remote      string
		remoteDir   string
		iterations  int
		reports     int
		retries     int
		reset       bool
		protocol    string
		lineTimeout time.Duration
		outputDir   string
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "run [artifact...]",
		Short: "Benchmark artifacts on the target device",
		Long: `Run every pending iteration of each artifact on the target and write
<output>/<profile>/<name>-perf-<i>.csv and <name>-mem-<i>.csv. Artifacts may
also be listed in the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if len(args) > 0 {
				cfg.Artifacts = args
			}

			flags := cmd.Flags()
			if flags.Changed("transport") {
				cfg.Transport = transport
			}
			if flags.Changed("remote") {
				cfg.SSH.Target = remote
			}
			if flags.Changed("remote-dir") {
				cfg.SSH.RemoteDir = remoteDir
			}
			if flags.Changed("iters") {
				cfg.Iterations = iterations
			}
			if flags.Changed("reports") {
				cfg.Reports = reports
			}
			if flags.Changed("retries") {
				cfg.Retries = retries
			}
			if flags.Changed("reset") {
				cfg.Reset = reset
			}
			if flags.Changed("protocol") {
				cfg.Protocol = report.Protocol(protocol)
			}
			if flags.Changed("line-timeout") {
				cfg.LineTimeout = lineTimeout
			}
			if flags.Changed("output-dir") {
				cfg.OutputDir = outputDir
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			return runBenchmark(cmd.Context(), logger, cfg, outputJSON)
		},
	}

	defaults := config.Default()

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "",
		"Path to a YAML config file (default: ./devbench.yaml if present)")
	flags.StringVar(&transport, "transport", defaults.Transport,
		"Target transport: ssh or flash")
	flags.StringVar(&remote, "remote", defaults.SSH.Target,
		"SSH target as host, user@host or user@host:port")
	flags.StringVar(&remoteDir, "remote-dir", defaults.SSH.RemoteDir,
		"Directory on the SSH target that receives artifacts")
	flags.IntVar(&iterations, "iters", defaults.Iterations,
		"Number of iterations per artifact")
	flags.IntVar(&reports, "reports", defaults.Reports,
		"Number of reports to collect per iteration")
	flags.IntVar(&retries, "retries", defaults.Retries,
		"Attempts per iteration before it is marked failed")
	flags.BoolVar(&reset, "reset", false,
		"Delete existing reports and rerun every iteration")
	flags.StringVar(&protocol, "protocol", string(defaults.Protocol),
		"Telemetry protocol: combined or structured")
	flags.DurationVar(&lineTimeout, "line-timeout", defaults.LineTimeout,
		"Maximum silence between bytes of a telemetry line")
	flags.StringVar(&outputDir, "output-dir", defaults.OutputDir,
		"Root directory for CSV reports")
	flags.BoolVar(&outputJSON, "json", false,
		"Output the run summary as JSON instead of a table")

	return cmd
}

func runBenchmark(
	ctx context.Context,
	logger *slog.Logger,
	cfg config.Config,
	outputJSON bool,
) error {
	run := report.RunSummary{RunID: uuid.NewString()}

	logger = logger.With(slog.String("run_id", run.RunID))

	logger.InfoContext(ctx, "starting benchmark",
		slog.String("transport", cfg.Transport),
		slog.Any("artifacts", cfg.Artifacts),
		slog.Int("iterations", cfg.Iterations),
		slog.Int("reports", cfg.Reports),
		slog.Int("retries", cfg.Retries),
		slog.String("protocol", string(cfg.Protocol)),
		slog.Bool("reset", cfg.Reset),
	)

	transport, err := harness.NewTransport(cfg, logger)
	if err != nil {
		return err
	}

	runner := harness.NewRunner(transport, logger)
	progress := newProgress(os.Stderr)

	var runErr error

	for _, path := range cfg.Artifacts {
		summary, err := runner.Run(ctx, path, harness.RunConfig{
			OutputDir:  cfg.OutputDir,
			Iterations: cfg.Iterations,
			Retries:    cfg.Retries,
			Reset:      cfg.Reset,
			Session: device.Options{
				Protocol:       cfg.Protocol,
				Reports:        cfg.Reports,
				LineTimeout:    cfg.LineTimeout,
				ConnectTimeout: cfg.ConnectTimeout,
				StopGrace:      cfg.StopGrace,
				Progress:       progress.Update,
			},
		})
		progress.Clear()

		if summary.Artifact != "" {
			run.Artifacts = append(run.Artifacts, summary)
		}

		if err != nil {
			runErr = fmt.Errorf("run %s: %w", path, err)
			break
		}
	}

	if len(run.Artifacts) > 0 {
		if outputJSON {
			if err := report.GenerateJSON(os.Stdout, run); err != nil {
				return fmt.Errorf("generate JSON report: %w", err)
			}
		} else {
			if err := report.Generate(os.Stdout, run); err != nil {
				return fmt.Errorf("generate report: %w", err)
			}
		}
	}

	if runErr != nil {
		return runErr
	}

	logger.InfoContext(ctx, "benchmark complete")

	return nil
}
