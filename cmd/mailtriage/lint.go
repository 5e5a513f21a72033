package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/mailtriage/internal/audit"
	"github.com/joshsymonds/mailtriage/internal/runtime"
)

func newLintCmd(a *app) *cobra.Command {
	var (
		rf     rulesFlags
		failOn string
		output string
	)
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Replay rules over stored mail and report dead, broken or conflicting rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rf.apply(cmd, &a.cfg)
			if cmd.Flags().Changed("fail-on") {
				a.cfg.Lint.FailOn = failOn
			}
			if cmd.Flags().Changed("json") {
				a.cfg.Lint.Output = output
			}

			rs, err := loadRules(ctx, a.cfg, a.logger, true)
			if err != nil {
				return fmt.Errorf("load rules: %w", err)
			}
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			svc := audit.NewService(st, nil, a.logger)
			svc.TopN = a.cfg.Lint.TopN
			gw, err := a.gateway(ctx)
			switch {
			case err == nil:
				svc.Labels = gw
			case errors.Is(err, runtime.ErrMissingCredentials):
				a.logger.Warn("no gmail credentials, skipping missing-label check", slog.Any("error", err))
			default:
				return err
			}

			rep, err := svc.RunLint(ctx, rs)
			if err != nil {
				return fmt.Errorf("run lint: %w", err)
			}
			if _, err := fmt.Fprint(cmd.OutOrStdout(), rep.HumanSummary()); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			if a.cfg.Lint.Output != "" {
				if err := audit.WriteJSON(rep, a.cfg.Lint.Output); err != nil {
					return err
				}
			}
			if rep.ShouldFail(audit.ParseFailOn(a.cfg.Lint.FailOn)) {
				return fmt.Errorf("lint failures matched: %s", a.cfg.Lint.FailOn)
			}
			return nil
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&failOn, "fail-on", "dead,conflict,missing-label,invalid", "comma separated findings that fail the command")
	cmd.Flags().StringVar(&output, "json", "", "also write the report as JSON to this path")
	return cmd
}
