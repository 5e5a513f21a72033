package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joshsymonds/mailtriage/internal/config"
	"github.com/joshsymonds/mailtriage/internal/runtime"
)

func newAuthCmd(a *app) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize mailtriage against Gmail and save the OAuth token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Gmail.Credentials == config.CredentialsGmailctl {
				return fmt.Errorf("credentials come from gmailctl; run `gmailctl init` in %s instead", a.cfg.Gmail.GmailctlDir)
			}
			oauthCfg, err := runtime.OAuthConfig(a.cfg.Gmail.CredentialsFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if code == "" {
				url := runtime.AuthCodeURL(oauthCfg, uuid.NewString())
				fmt.Fprintf(out, "Open this URL, approve access, then paste the code or the redirect URL:\n\n%s\n\n> ", url)
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && strings.TrimSpace(line) == "" {
					return fmt.Errorf("read authorization code: %w", err)
				}
				code = line
			}
			tok, err := runtime.ExchangeCode(cmd.Context(), oauthCfg, code)
			if err != nil {
				return err
			}
			if err := runtime.SaveToken(a.cfg.Gmail.TokenFile, tok); err != nil {
				return err
			}
			a.logger.Info("saved gmail token", "path", a.cfg.Gmail.TokenFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "authorization code (skips the interactive prompt)")
	return cmd
}
