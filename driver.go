package gxserialline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gurux/gxcommon-go"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is an opened serial connection.
//
// Read blocks until data is available or the read timeout set with
// SetReadTimeout expires; on timeout it returns 0 and a nil error.
// After Close every method returns an error.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	SetDTR(on bool) error
	SetRTS(on bool) error
	Close() error
}

// Driver opens ports and lists the port names of the system.
type Driver interface {
	Open(cfg *SessionConfig) (Port, error)
	PortNames() ([]string, error)
}

// DriverByName returns the driver registered under name:
// "bugst" (default), "tarm" or "native".
func DriverByName(name string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bugst":
		return BugstDriver{}, nil
	case "tarm":
		return TarmDriver{}, nil
	case "native":
		return NativeDriver{}, nil
	}
	return nil, fmt.Errorf("unknown serial driver %q", name)
}

// BugstDriver opens ports with go.bug.st/serial.
type BugstDriver struct{}

var bugstParity = map[gxcommon.Parity]serial.Parity{
	gxcommon.ParityNone:  serial.NoParity,
	gxcommon.ParityOdd:   serial.OddParity,
	gxcommon.ParityEven:  serial.EvenParity,
	gxcommon.ParityMark:  serial.MarkParity,
	gxcommon.ParitySpace: serial.SpaceParity,
}

var bugstStopBits = map[StopBits]serial.StopBits{
	StopBitsOne:          serial.OneStopBit,
	StopBitsOnePointFive: serial.OnePointFiveStopBits,
	StopBitsTwo:          serial.TwoStopBits,
}

// Open implements Driver.
func (BugstDriver) Open(cfg *SessionConfig) (Port, error) {
	parity, ok := bugstParity[cfg.Parity]
	if !ok {
		return nil, &ConfigError{Port: cfg.Port, Err: fmt.Errorf("%w: invalid parity", gxcommon.ErrInvalidArgument)}
	}
	mode := &serial.Mode{
		BaudRate: int(cfg.BaudRate),
		DataBits: cfg.DataBits,
		Parity:   parity,
		StopBits: bugstStopBits[cfg.StopBits],
		InitialStatusBits: &serial.ModemOutputBits{
			DTR: cfg.DtrEnable,
			RTS: cfg.RtsEnable,
		},
	}
	p, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, &ConfigError{Port: cfg.Port, Err: err}
	}
	if err := p.SetReadTimeout(readTimeout(cfg.ReadTimeout)); err != nil {
		_ = p.Close()
		return nil, &ConfigError{Port: cfg.Port, Err: err}
	}
	return p, nil
}

// PortNames implements Driver.
func (BugstDriver) PortNames() ([]string, error) {
	return serial.GetPortsList()
}

// PortDetails describes a port found by DetailedPortNames.
type PortDetails struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// DetailedPortNames lists the ports of the system with their USB details.
func DetailedPortNames() ([]PortDetails, error) {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	ret := make([]PortDetails, 0, len(list))
	for _, p := range list {
		ret = append(ret, PortDetails{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return ret, nil
}

// readTimeout maps a zero timeout to a short poll so that Read never
// blocks forever and the read loop can observe cancellation.
func readTimeout(t time.Duration) time.Duration {
	if t <= 0 {
		return 10 * time.Millisecond
	}
	return t
}

// writeGate lets one write at a time reach a port. A write that timed out
// keeps the gate until the port returns from it, so later writes wait for
// it up to their own timeout and never run next to it.
type writeGate struct {
	slot chan struct{}
}

func newWriteGate() *writeGate {
	return &writeGate{slot: make(chan struct{}, 1)}
}

// write writes data and gives up waiting after timeout. The write itself
// cannot be interrupted; it finishes in the background holding the gate.
func (g *writeGate) write(p Port, data []byte, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case g.slot <- struct{}{}:
	case <-expired:
		return fmt.Errorf("%w: previous write still in progress", ErrWriteTimeout)
	}
	done := make(chan error, 1)
	go func() {
		err := writeAll(p, data)
		<-g.slot
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-expired:
		return ErrWriteTimeout
	}
}

// writeWithTimeout writes to a port that has no other writers.
func writeWithTimeout(p Port, data []byte, timeout time.Duration) error {
	return newWriteGate().write(p, data, timeout)
}

func writeAll(p Port, data []byte) error {
	for len(data) > 0 {
		n, err := p.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("write returned 0 bytes without error")
		}
		data = data[n:]
	}
	return nil
}
