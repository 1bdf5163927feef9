// Package auth provides the two credential modes used against Google Calendar:
// a read-only service credential for the public calendar and a per-user delegated
// OAuth credential for writes.
package auth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Mode identifies how a Context was authenticated. Modes are never mixed within one call.
type Mode int

const (
	ModeService Mode = iota + 1
	ModeDelegated
)

func (m Mode) String() string {
	switch m {
	case ModeService:
		return "service"
	case ModeDelegated:
		return "delegated"
	default:
		return "unknown"
	}
}

// Context carries the credentials for one caller. It is built explicitly and passed to
// the components that need it.
type Context struct {
	mode   Mode
	source oauth2.TokenSource
}

// NewContext wraps an arbitrary token source.
func NewContext(mode Mode, source oauth2.TokenSource) *Context {
	return &Context{mode: mode, source: source}
}

// Mode returns the credential mode.
func (c *Context) Mode() Mode {
	return c.mode
}

// TokenSource returns the underlying token source.
func (c *Context) TokenSource() oauth2.TokenSource {
	return c.source
}

// Check obtains a token, refreshing it if needed. Any failure is an ErrAuthentication.
func (c *Context) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil || c.source == nil {
		return ErrNotConnected
	}
	tok, err := c.source.Token()
	if err != nil {
		return fmt.Errorf("%w (%s): %v", ErrAuthentication, c.mode, err)
	}
	if !tok.Valid() {
		return fmt.Errorf("%w (%s): token is not valid", ErrAuthentication, c.mode)
	}
	return nil
}

// HTTPClient returns a client that authorizes every request with the context's token.
func (c *Context) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, c.source)
}
