package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/mailtriage/internal/config"
	"github.com/joshsymonds/mailtriage/internal/gmail"
	"github.com/joshsymonds/mailtriage/internal/metrics"
	"github.com/joshsymonds/mailtriage/internal/rate"
	"github.com/joshsymonds/mailtriage/internal/runtime"
	"github.com/joshsymonds/mailtriage/internal/store"
)

// app carries state shared by every subcommand once flags and config are resolved.
type app struct {
	configPath  string
	logLevel    string
	dbPath      string
	metricsFile string

	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "mailtriage",
		Short:         "Apply declarative rules to a Gmail inbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return a.metrics.WriteTextfile(a.cfg.MetricsFile)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.DefaultPath(), "path to config.toml")
	flags.StringVar(&a.logLevel, "log-level", "info", "debug, info, warn or error")
	flags.StringVar(&a.dbPath, "db", "", "SQLite database path (overrides config)")
	flags.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after the run")

	root.AddCommand(
		newFetchCmd(a),
		newProcessCmd(a),
		newLintCmd(a),
		newAuthCmd(a),
		newMigrateCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	flags := cmd.Flags()

	bootstrap, err := runtime.NewLogger(a.logLevel)
	if err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath, flags.Changed("config"), bootstrap)
	if err != nil {
		return err
	}
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("db") {
		cfg.Database.Path = a.dbPath
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = a.metricsFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := runtime.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	if cfg.MetricsFile != "" {
		a.metrics = metrics.New()
	}
	return nil
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, a.cfg.Database.Path, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// gateway authenticates and loads the label cache. Failure here is fatal for commands
// that talk to Gmail.
func (a *app) gateway(ctx context.Context) (*gmail.Gateway, error) {
	client, err := runtime.NewGmailClient(ctx, runtime.Credentials{
		Source:          runtime.Source(a.cfg.Gmail.Credentials),
		CredentialsFile: a.cfg.Gmail.CredentialsFile,
		TokenFile:       a.cfg.Gmail.TokenFile,
		GmailctlDir:     a.cfg.Gmail.GmailctlDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create gmail client: %w", err)
	}
	var limiter rate.Limiter
	if rps := a.cfg.Gmail.RequestsPerSecond; rps > 0 {
		limiter = rate.NewPerSecond(rps)
	}
	gw := gmail.NewGateway(client, limiter, a.logger)
	gw.Metrics = a.metrics
	if err := gw.Init(ctx); err != nil {
		return nil, fmt.Errorf("load gmail labels: %w", err)
	}
	return gw, nil
}
