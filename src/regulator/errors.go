package regulator

import (
	"errors"
	"fmt"
)

// Configuration errors. All of them are fatal for the regulator that raises them.
var (
	ErrNoConfiguration       = errors.New("no regulator configuration specified")
	ErrInvalidConfiguration  = errors.New("invalid regulator configuration")
	ErrInvalidType           = errors.New("invalid regulator type")
	ErrUnsupportedConnection = errors.New("unsupported connection type")
	ErrAutomaticConnection   = errors.New("automatic control requires a wye-wye connection")
	ErrInvalidControl        = errors.New("invalid control mode")
	ErrNoSenseNode           = errors.New("remote sensing node not found")
	ErrTapOutOfRange         = errors.New("tap position out of range")
)

// Operational errors
var (
	ErrNotManual      = errors.New("tap position can only be set under manual control")
	ErrNotInitialized = errors.New("regulator not initialized")
)

// ConfigError names the regulator that hit a configuration error
type ConfigError struct {
	Object string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("regulator %s: %v", e.Object, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
