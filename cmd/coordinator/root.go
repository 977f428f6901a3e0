package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"

	"github.com/avi3tal/coordinator/internal/config"
	"github.com/avi3tal/coordinator/internal/logger"
	"github.com/avi3tal/coordinator/pkg/agents"
	"github.com/avi3tal/coordinator/pkg/coordinator"
	"github.com/avi3tal/coordinator/pkg/types"
)

var version = "dev"

// app carries state shared by every subcommand.
type app struct {
	cfgFile   string
	logLevel  string
	logFormat string

	cfg    config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "coordinator",
		Short: "Multi-agent task orchestration",
		Long: `coordinator decomposes a goal into a dependency graph of subtasks, dispatches
each subtask to a worker registered for its capability, and merges the results.

Independent subtasks run in parallel up to the configured concurrency. Failed
attempts are retried with backoff; subtasks that can no longer run are skipped
and the workflow reports whatever succeeded.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default: ./coordinator.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "override logging.format (text, json)")

	root.AddCommand(
		newRunCmd(a),
		newPlanCmd(a),
		newCapabilitiesCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	a.cfg = cfg
	a.logger = logger.New(cfg.Logging, a.stderr)
	slog.SetDefault(a.logger)
	return nil
}

// newCoordinator builds a coordinator over the current configuration.
func (a *app) newCoordinator(remotes []string) (*coordinator.Coordinator, error) {
	caps, err := defaultCapabilities(a.cfg, remotes)
	if err != nil {
		return nil, err
	}
	return coordinator.New(a.cfg, caps, coordinator.WithLogger(a.logger))
}

// defaultCapabilities registers the built-in workers plus any remote
// workers given as tag=url. The built-in workers use the configured model
// when an API key is available.
func defaultCapabilities(cfg config.Config, remotes []string) ([]types.Capability, error) {
	var model llms.Model
	if cfg.Decomposer.LLM.APIKey != "" {
		m, err := agents.NewModel(cfg.Decomposer.LLM)
		if err != nil {
			return nil, err
		}
		model = m
	}

	caps := []types.Capability{
		agents.NewDataAnalyst(model),
		agents.NewResearcher(model),
		agents.NewReportGenerator(model),
	}
	rs, err := parseRemotes(remotes)
	if err != nil {
		return nil, err
	}
	return append(caps, rs...), nil
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}
