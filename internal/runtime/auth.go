package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mbrt/gmailctl/cmd/gmailctl/localcred"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	gc "github.com/joshsymonds/mailtriage/internal/gmail"
)

// ErrMissingCredentials means no usable OAuth client or token was found.
var ErrMissingCredentials = errors.New("gmail credentials not found")

// Source selects where OAuth credentials come from.
type Source string

const (
	// SourceToken reads an OAuth client file and a token file written by the auth command.
	SourceToken Source = "token"
	// SourceGmailctl reuses the credentials of a local gmailctl installation.
	SourceGmailctl Source = "gmailctl"
)

type Credentials struct {
	Source          Source
	CredentialsFile string
	TokenFile       string
	GmailctlDir     string
}

// NewGmailClient authenticates and returns the Gmail client used by the gateway.
func NewGmailClient(ctx context.Context, creds Credentials) (gc.Client, error) {
	svc, err := NewGmailService(ctx, creds)
	if err != nil {
		return nil, err
	}
	return NewGoogleAPIClient(svc), nil
}

func NewGmailService(ctx context.Context, creds Credentials) (*gmail.Service, error) {
	switch creds.Source {
	case SourceGmailctl:
		if _, err := os.Stat(creds.GmailctlDir); err != nil {
			return nil, fmt.Errorf("%w: gmailctl config dir %s: %v", ErrMissingCredentials, creds.GmailctlDir, err)
		}
		svc, err := (localcred.Provider{}).Service(ctx, creds.GmailctlDir)
		if err != nil {
			return nil, fmt.Errorf("gmailctl credentials: %w", err)
		}
		return svc, nil
	case SourceToken, "":
		cfg, err := OAuthConfig(creds.CredentialsFile)
		if err != nil {
			return nil, err
		}
		tok, err := LoadToken(creds.TokenFile)
		if err != nil {
			return nil, err
		}
		svc, err := gmail.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx, tok)))
		if err != nil {
			return nil, fmt.Errorf("create gmail service: %w", err)
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unknown credential source %q", creds.Source)
	}
}

// OAuthConfig reads a Google OAuth client file (the "installed app" JSON).
func OAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile) // #nosec G304
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: client file %s", ErrMissingCredentials, credentialsFile)
		}
		return nil, fmt.Errorf("read client file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse client file %s: %w", credentialsFile, err)
	}
	return cfg, nil
}

func LoadToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: token file %s (run `mailtriage auth`)", ErrMissingCredentials, path)
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token file %s is empty", ErrMissingCredentials, path)
	}
	return tok, nil
}

func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	b, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write token %s: %w", path, err)
	}
	return nil
}

// AuthCodeURL is the consent page the user opens for the one-time exchange.
func AuthCodeURL(cfg *oauth2.Config, state string) string {
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for a token. input may be the bare code
// or the full redirect URL the browser landed on.
func ExchangeCode(ctx context.Context, cfg *oauth2.Config, input string) (*oauth2.Token, error) {
	code := ExtractCode(input)
	if code == "" {
		return nil, errors.New("authorization code is empty")
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

func ExtractCode(input string) string {
	input = strings.TrimSpace(input)
	if strings.Contains(input, "code=") {
		if u, err := url.Parse(input); err == nil {
			if code := u.Query().Get("code"); code != "" {
				return code
			}
		}
	}
	return input
}

// NewLogger builds the stderr text logger for the given level name.
func NewLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
