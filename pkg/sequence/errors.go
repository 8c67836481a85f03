package sequence

import (
	"errors"
	"fmt"
)

// ErrConfiguration matches any *ConfigurationError.
var ErrConfiguration = errors.New("configuration rejected")

// ConfigurationError reports a property write the instrument refused.
type ConfigurationError struct {
	Device   string
	Property string
	Value    string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("failed to set %s.%s to %q: %v", e.Device, e.Property, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }
