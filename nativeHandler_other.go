//go:build !linux

package gxserialline

import (
	"errors"
)

// NativeDriver opens ports directly with termios. It is available on Linux only.
type NativeDriver struct{}

// Open implements Driver.
func (NativeDriver) Open(cfg *SessionConfig) (Port, error) {
	return nil, &ConfigError{Port: cfg.Port, Err: errors.New("native driver is supported on linux only")}
}

// PortNames implements Driver.
func (NativeDriver) PortNames() ([]string, error) {
	return BugstDriver{}.PortNames()
}
