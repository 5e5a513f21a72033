package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/mailtriage/internal/triage"
)

func newFetchCmd(a *app) *cobra.Command {
	var (
		query      string
		maxResults int
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download matching messages into the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("query") {
				a.cfg.Fetch.Query = query
			}
			if cmd.Flags().Changed("max-results") {
				a.cfg.Fetch.MaxResults = maxResults
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
			sum, err := svc.Fetch(ctx, triage.FetchSpec{Query: a.cfg.Fetch.Query, MaxResults: a.cfg.Fetch.MaxResults})
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "listed %d, stored %d, already stored %d, failed %d\n",
				sum.Listed, sum.Stored, sum.Skipped, sum.Failed)
			return err
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "Gmail search query")
	cmd.Flags().IntVar(&maxResults, "max-results", triage.DefaultMaxResults, "maximum messages to list")
	return cmd
}
