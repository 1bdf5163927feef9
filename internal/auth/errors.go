package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration means required credential settings are missing. It is reported
	// before any network call is made.
	ErrConfiguration = errors.New("calendar credentials are not configured")
	// ErrAuthentication means a token could not be obtained or was rejected. The user
	// needs to reconnect; retrying will not help.
	ErrAuthentication = errors.New("calendar authentication failed")
	// ErrNotConnected means no delegated session exists for the user.
	ErrNotConnected = fmt.Errorf("%w: calendar is not connected", ErrAuthentication)
)

// ConfigError lists the credential fields that were not provided.
type ConfigError struct {
	Mode    Mode
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s credentials missing %s", ErrConfiguration, e.Mode, strings.Join(e.Missing, ", "))
}

// Is lets errors.Is(err, ErrConfiguration) match.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}
