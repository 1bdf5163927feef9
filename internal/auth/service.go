package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/calendar/v3"
)

// ServiceCredentials configure the non-interactive, read-only credential used for the
// public church calendar. Either KeyFile or both ClientEmail and PrivateKey are required.
type ServiceCredentials struct {
	ClientEmail string
	PrivateKey  string
	KeyFile     string
}

// Validate reports missing fields as a *ConfigError without touching the network.
func (c ServiceCredentials) Validate() error {
	if c.KeyFile != "" {
		return nil
	}
	var missing []string
	if strings.TrimSpace(c.ClientEmail) == "" {
		missing = append(missing, "GOOGLE_SERVICE_ACCOUNT_EMAIL")
	}
	if strings.TrimSpace(c.PrivateKey) == "" {
		missing = append(missing, "GOOGLE_PRIVATE_KEY")
	}
	if len(missing) > 0 {
		return &ConfigError{Mode: ModeService, Missing: missing}
	}
	return nil
}

// NewServiceContext builds a read-only service Context. Tokens are fetched lazily, so a
// configuration problem is the only error this can return.
func NewServiceContext(ctx context.Context, creds ServiceCredentials) (*Context, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	if creds.KeyFile != "" {
		data, err := os.ReadFile(creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to read service account file: %v", ErrConfiguration, err)
		}
		cfg, err := google.JWTConfigFromJSON(data, calendar.CalendarReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to parse service account file: %v", ErrConfiguration, err)
		}
		return NewContext(ModeService, cfg.TokenSource(ctx)), nil
	}

	cfg := &jwt.Config{
		Email:      creds.ClientEmail,
		PrivateKey: []byte(normalizePrivateKey(creds.PrivateKey)),
		Scopes:     []string{calendar.CalendarReadonlyScope},
		TokenURL:   google.JWTTokenURL,
	}
	return NewContext(ModeService, cfg.TokenSource(ctx)), nil
}

// normalizePrivateKey restores newlines in keys stored on a single line in env files.
func normalizePrivateKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.Trim(key, `"`)
	return strings.ReplaceAll(key, `\n`, "\n")
}
