package gxserialline

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.bug.st/serial"
)

var (
	// ErrNotConnected is returned by Send when the session is closed.
	ErrNotConnected = errors.New("serial port is not open")
	// ErrConfiguration is matched by every *ConfigError.
	ErrConfiguration = errors.New("invalid serial configuration")
	// ErrTimeout reports that a framing read ended without a complete line.
	// It is the normal idle condition of the read loop.
	ErrTimeout = errors.New("serial read timeout")
	// ErrEmptyLine is returned by ParseLine for an empty raw line.
	ErrEmptyLine = errors.New("empty line")
	// ErrNoDevice is returned when auto-detection found no device.
	ErrNoDevice = errors.New("no device answered the probe")
	// ErrNoCandidates is returned when a candidate list is empty.
	ErrNoCandidates = errors.New("candidate list is empty")
	// ErrPortClosed is returned by ports used after Close.
	ErrPortClosed = errors.New("serial port closed")
	// ErrWriteTimeout is returned when a write did not complete in time.
	ErrWriteTimeout = errors.New("serial write timeout")
)

// ConfigError is returned when a port cannot be opened with the given
// settings: bad port name, unsupported baud rate, busy device.
type ConfigError struct {
	Port string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Port, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is makes every ConfigError match ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// IoFault is an unexpected read or write failure while the port is open.
type IoFault struct {
	Port string
	Op   string
	Err  error
}

func (e *IoFault) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *IoFault) Unwrap() error {
	return e.Err
}

// isClosedError reports whether err comes from a handle that has already
// been released. Those errors are expected during shutdown.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPortClosed) || errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var pe *serial.PortError
	if errors.As(err, &pe) {
		return pe.Code() == serial.PortClosed
	}
	return false
}
