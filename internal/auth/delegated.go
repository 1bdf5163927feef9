package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// DelegatedConfig holds the OAuth client used to act on behalf of a signed-in user.
type DelegatedConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint defaults to google.Endpoint.
	Endpoint oauth2.Endpoint
}

// Delegated handles the per-user authorization-code flow for calendar writes.
type Delegated struct {
	config *oauth2.Config
}

// NewDelegated validates cfg and builds the OAuth client.
func NewDelegated(cfg DelegatedConfig) (*Delegated, error) {
	var missing []string
	if cfg.ClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return nil, &ConfigError{Mode: ModeDelegated, Missing: missing}
	}

	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}

	return &Delegated{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				calendar.CalendarEventsScope,
				calendar.CalendarReadonlyScope,
			},
			Endpoint: endpoint,
		},
	}, nil
}

// AuthURL returns the consent URL. Consent is always forced so Google issues a refresh
// token on every connect; without one the session cannot be renewed silently.
func (d *Delegated) AuthURL(state string) string {
	return d.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token pair.
func (d *Delegated) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: no authorization code received", ErrAuthentication)
	}
	token, err := d.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to exchange authorization code: %v", ErrAuthentication, err)
	}
	return token, nil
}

// Context loads the user's token from store and returns a delegated Context whose
// refreshed tokens are written back to store.
func (d *Delegated) Context(ctx context.Context, store TokenStore) (*Context, error) {
	token, err := store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if token == nil {
		return nil, ErrNotConnected
	}

	source := &autoSaveTokenSource{
		source:     oauth2.ReuseTokenSource(token, d.config.TokenSource(ctx, token)),
		tokenStore: store,
		lastToken:  token,
	}
	return NewContext(ModeDelegated, source), nil
}

// autoSaveTokenSource wraps an oauth2.TokenSource and persists refreshed tokens.
type autoSaveTokenSource struct {
	mu         sync.Mutex
	source     oauth2.TokenSource
	tokenStore TokenStore
	lastToken  *oauth2.Token
}

// Token implements oauth2.TokenSource.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}

	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		// Google omits the refresh token on refresh responses; keep the one we had.
		if token.RefreshToken == "" && a.lastToken != nil {
			token.RefreshToken = a.lastToken.RefreshToken
		}
		if err := a.tokenStore.SaveToken(token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		a.lastToken = token
	}

	return token, nil
}
