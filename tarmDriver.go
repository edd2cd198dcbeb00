package gxserialline

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/tarm/serial"
)

// TarmDriver opens ports with github.com/tarm/serial.
//
// tarm fixes the read timeout when the port is opened, so SetReadTimeout
// with a new value closes and reopens the device. Closing drops DTR, which
// resets boards such as the Arduino Uno. Auto-detection avoids this when
// the session read timeout is not longer than the handshake timeout.
//
// DTR and RTS can not be controlled: Open fails when DtrEnable or
// RtsEnable is set, and SetDTR and SetRTS always return an error.
type TarmDriver struct{}

var tarmParity = map[gxcommon.Parity]serial.Parity{
	gxcommon.ParityNone:  serial.ParityNone,
	gxcommon.ParityOdd:   serial.ParityOdd,
	gxcommon.ParityEven:  serial.ParityEven,
	gxcommon.ParityMark:  serial.ParityMark,
	gxcommon.ParitySpace: serial.ParitySpace,
}

var tarmStopBits = map[StopBits]serial.StopBits{
	StopBitsOne:          serial.Stop1,
	StopBitsOnePointFive: serial.Stop1Half,
	StopBitsTwo:          serial.Stop2,
}

func tarmConfig(cfg *SessionConfig, timeout time.Duration) (*serial.Config, error) {
	parity, ok := tarmParity[cfg.Parity]
	if !ok {
		return nil, fmt.Errorf("%w: invalid parity", gxcommon.ErrInvalidArgument)
	}
	return &serial.Config{
		Name:        cfg.Port,
		Baud:        int(cfg.BaudRate),
		Size:        byte(cfg.DataBits),
		Parity:      parity,
		StopBits:    tarmStopBits[cfg.StopBits],
		ReadTimeout: timeout,
	}, nil
}

// Open implements Driver.
func (TarmDriver) Open(cfg *SessionConfig) (Port, error) {
	if cfg.DtrEnable || cfg.RtsEnable {
		return nil, &ConfigError{Port: cfg.Port, Err: fmt.Errorf("%w: tarm driver can not set DTR or RTS", gxcommon.ErrInvalidArgument)}
	}
	c, err := tarmConfig(cfg, readTimeout(cfg.ReadTimeout))
	if err != nil {
		return nil, &ConfigError{Port: cfg.Port, Err: err}
	}
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, &ConfigError{Port: cfg.Port, Err: err}
	}
	return &tarmPort{cfg: c, p: p}, nil
}

// PortNames implements Driver. tarm can not enumerate ports.
func (TarmDriver) PortNames() ([]string, error) {
	return BugstDriver{}.PortNames()
}

type tarmPort struct {
	mu  sync.RWMutex
	cfg *serial.Config
	p   *serial.Port
}

func (t *tarmPort) port() (*serial.Port, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.p == nil {
		return nil, ErrPortClosed
	}
	return t.p, nil
}

func (t *tarmPort) Read(b []byte) (int, error) {
	p, err := t.port()
	if err != nil {
		return 0, err
	}
	n, err := p.Read(b)
	// tarm reports an expired read timeout as EOF without data.
	if n == 0 && errors.Is(err, io.EOF) {
		if _, cerr := t.port(); cerr != nil {
			return 0, cerr
		}
		return 0, nil
	}
	return n, err
}

func (t *tarmPort) Write(b []byte) (int, error) {
	p, err := t.port()
	if err != nil {
		return 0, err
	}
	return p.Write(b)
}

func (t *tarmPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p == nil {
		return ErrPortClosed
	}
	timeout = readTimeout(timeout)
	if t.cfg.ReadTimeout == timeout {
		return nil
	}
	if err := t.p.Close(); err != nil {
		return err
	}
	c := *t.cfg
	c.ReadTimeout = timeout
	p, err := serial.OpenPort(&c)
	if err != nil {
		t.p = nil
		return err
	}
	t.cfg = &c
	t.p = p
	return nil
}

func (t *tarmPort) SetDTR(bool) error {
	return errors.New("tarm driver can not set DTR")
}

func (t *tarmPort) SetRTS(bool) error {
	return errors.New("tarm driver can not set RTS")
}

func (t *tarmPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p == nil {
		return ErrPortClosed
	}
	err := t.p.Close()
	t.p = nil
	return err
}
