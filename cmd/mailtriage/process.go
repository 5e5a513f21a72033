package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/mailtriage/internal/config"
	"github.com/joshsymonds/mailtriage/internal/gmailctl"
	"github.com/joshsymonds/mailtriage/internal/rules"
	"github.com/joshsymonds/mailtriage/internal/triage"
)

type rulesFlags struct {
	path   string
	source string
}

func (f *rulesFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.path, "rules", "", "rules document (.json, .yaml or .jsonnet)")
	cmd.Flags().StringVar(&f.source, "rules-source", "", "where rules come from: file or gmailctl")
}

func (f *rulesFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("rules") {
		cfg.Process.Rules = f.path
	}
	if cmd.Flags().Changed("rules-source") {
		cfg.Process.RulesSource = f.source
	}
}

// loadRules loads the configured rule set. With strict unset a broken document
// yields an empty set so the run completes without actions.
func loadRules(ctx context.Context, cfg config.Config, logger *slog.Logger, strict bool) (rules.RuleSet, error) {
	var (
		rs  rules.RuleSet
		err error
	)
	switch cfg.Process.RulesSource {
	case config.RulesSourceGmailctl:
		runner := gmailctl.Runner{Binary: cfg.Gmail.GmailctlBinary, ConfigDir: cfg.Gmail.GmailctlDir}
		rs, err = rules.LoadGmailctl(ctx, runner, logger)
	case config.RulesSourceFile, "":
		if !strict {
			return rules.LoadOrEmpty(logger, cfg.Process.Rules), nil
		}
		rs, err = rules.Load(cfg.Process.Rules)
	default:
		return nil, fmt.Errorf("unknown rules source %q", cfg.Process.RulesSource)
	}
	if err != nil {
		if strict {
			return nil, err
		}
		logger.Error("failed to load rules, continuing with none", slog.Any("error", err))
		return nil, nil
	}
	logger.Info("loaded rules", slog.Int("count", len(rs)), slog.String("source", cfg.Process.RulesSource))
	return rs, nil
}

func newProcessCmd(a *app) *cobra.Command {
	var (
		rf      rulesFlags
		dryRun  bool
		workers int
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Evaluate stored messages against the rules and apply actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rf.apply(cmd, &a.cfg)
			if cmd.Flags().Changed("workers") {
				a.cfg.Process.Workers = workers
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			rs, err := loadRules(ctx, a.cfg, a.logger, false)
			if err != nil {
				return err
			}
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			gw, err := a.gateway(ctx)
			if err != nil {
				return err
			}

			svc := triage.NewService(gw, st, a.logger)
			svc.Metrics = a.metrics
			svc.Executor.Metrics = a.metrics
			sum, err := svc.Process(ctx, triage.ProcessSpec{Rules: rs, DryRun: dryRun, Workers: a.cfg.Process.Workers})
			if err != nil {
				return fmt.Errorf("process: %w", err)
			}
			verb := "applied"
			if dryRun {
				verb = "would apply"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d messages, %d matched, %s %d actions, %d with failures\n",
				sum.RunID, sum.Messages, sum.Matched, verb, sum.Actions, sum.Failed)
			return err
		},
	}
	rf.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intended actions without executing them")
	cmd.Flags().IntVar(&workers, "workers", 1, "messages processed concurrently")
	return cmd
}
