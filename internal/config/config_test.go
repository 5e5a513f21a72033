package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadMissingOptionalFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"), false, discard())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingRequiredFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"), true, discard())
	assert.Error(t, err)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level = "DEBUG"

[database]
path = "/tmp/mt/mail.db"

[gmail]
credentials = "gmailctl"
requests_per_second = 10

[fetch]
query = "is:unread newer_than:7d"
max_results = 250

[process]
rules = "rules.yaml"
workers = 4
`)
	cfg, err := Load(path, true, discard())
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/mt/mail.db", cfg.Database.Path)
	assert.Equal(t, CredentialsGmailctl, cfg.Gmail.Credentials)
	assert.Equal(t, 10, cfg.Gmail.RequestsPerSecond)
	assert.Equal(t, "is:unread newer_than:7d", cfg.Fetch.Query)
	assert.Equal(t, 250, cfg.Fetch.MaxResults)
	assert.Equal(t, "rules.yaml", cfg.Process.Rules)
	assert.Equal(t, 4, cfg.Process.Workers)
	// untouched keys keep their defaults
	assert.Equal(t, RulesSourceFile, cfg.Process.RulesSource)
	assert.Equal(t, Default().Gmail.TokenFile, cfg.Gmail.TokenFile)
}

func TestLoadWarnsOnUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[gmail]
credentails = "token"
`)
	var buf bytes.Buffer
	_, err := Load(path, true, slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "unknown keys")
	assert.Contains(t, buf.String(), "gmail.credentails")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"credentials":  "[gmail]\ncredentials = \"password\"\n",
		"rules source": "[process]\nrules_source = \"ftp\"\n",
		"workers":      "[process]\nworkers = -1\n",
		"max results":  "[fetch]\nmax_results = -5\n",
		"syntax":       "[fetch\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body), true, discard())
			assert.Error(t, err)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "mail.db"), expandHome("~/mail.db"))
	assert.Equal(t, "/abs/path", expandHome(" /abs/path "))
}
