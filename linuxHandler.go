//go:build linux

package gxserialline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/sys/unix"
)

// NativeDriver opens ports directly with termios.
type NativeDriver struct{}

type nativePort struct {
	mu      sync.RWMutex
	name    string
	fd      int
	closed  bool
	timeout time.Duration
	// Self-pipe that wakes up a pending poll when the port is closed.
	r *os.File
	w *os.File
}

// toUnixBaudrate maps a baud rate to the corresponding constant in the unix package.
var toUnixBaudrate = map[gxcommon.BaudRate]uint32{
	300:    unix.B300,
	600:    unix.B600,
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

// PortNames returns the serial port device paths that have a tty device behind them.
func (NativeDriver) PortNames() ([]string, error) {
	patterns := []string{
		"/dev/ttyS*",
		"/dev/ttyUSB*",
		"/dev/ttyXRUSB*",
		"/dev/ttyACM*",
		"/dev/ttyAMA*",
		"/dev/rfcomm*",
		"/dev/ttyAP*",
	}

	var devices []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, device := range matches {
			sysPath := filepath.Join("/sys/class/tty", filepath.Base(device), "device")
			if _, err := os.Stat(sysPath); err == nil {
				devices = append(devices, device)
			}
		}
	}
	return devices, nil
}

// Open implements Driver.
func (NativeDriver) Open(cfg *SessionConfig) (Port, error) {
	p, err := openNative(cfg)
	if err != nil {
		return nil, &ConfigError{Port: cfg.Port, Err: err}
	}
	return p, nil
}

func openNative(cfg *SessionConfig) (*nativePort, error) {
	speed, ok := toUnixBaudrate[cfg.BaudRate]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported baud %d", gxcommon.ErrInvalidArgument, int(cfg.BaudRate))
	}
	fd, err := unix.Open(cfg.Port, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0666)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*nativePort, error) {
		_ = unix.Close(fd)
		return nil, err
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fail(fmt.Errorf("tcgetattr failed: %w", err))
	}
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.ISIG | unix.IEXTEN
	t.Oflag &^= unix.OPOST | unix.ONLCR | unix.OCRNL
	t.Iflag &^= unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IGNBRK
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed

	t.Cflag &^= unix.CSIZE
	switch cfg.DataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	case 8:
		t.Cflag |= unix.CS8
	default:
		return fail(fmt.Errorf("%w: invalid databits (must be 5..8)", gxcommon.ErrInvalidArgument))
	}

	switch cfg.StopBits {
	case StopBitsOne:
		t.Cflag &^= unix.CSTOPB
	case StopBitsTwo:
		t.Cflag |= unix.CSTOPB
	default:
		return fail(fmt.Errorf("%w: stop bits %s not supported by termios", gxcommon.ErrInvalidArgument, cfg.StopBits))
	}

	const CMSPAR = 0x40000000
	t.Iflag &^= unix.INPCK | unix.ISTRIP
	t.Cflag &^= unix.PARENB | unix.PARODD | CMSPAR
	switch cfg.Parity {
	case gxcommon.ParityNone:
	case gxcommon.ParityEven:
		t.Cflag |= unix.PARENB
	case gxcommon.ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case gxcommon.ParityMark:
		t.Cflag |= unix.PARENB | CMSPAR | unix.PARODD
	case gxcommon.ParitySpace:
		t.Cflag |= unix.PARENB | CMSPAR
	default:
		return fail(fmt.Errorf("%w: invalid parity", gxcommon.ErrInvalidArgument))
	}

	// No flow control.
	t.Iflag &^= unix.IXON | unix.IXOFF
	t.Cflag &^= unix.CRTSCTS
	// Reads are bounded by poll, so a read returns what is there.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fail(fmt.Errorf("tcsetattr failed: %w", err))
	}
	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH); err != nil {
		return fail(err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return fail(err)
	}
	p := &nativePort{name: cfg.Port, fd: fd, timeout: readTimeout(cfg.ReadTimeout)}
	if cfg.DtrEnable {
		if err := p.setModemBit(unix.TIOCM_DTR, true); err != nil {
			return fail(err)
		}
	}
	if cfg.RtsEnable {
		if err := p.setModemBit(unix.TIOCM_RTS, true); err != nil {
			return fail(err)
		}
	}
	p.r, p.w, err = os.Pipe()
	if err != nil {
		return fail(err)
	}
	_ = unix.SetNonblock(int(p.r.Fd()), true)
	return p, nil
}

func (p *nativePort) Read(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrPortClosed
	}
	pfds := []unix.PollFd{
		{Fd: int32(p.fd), Events: unix.POLLIN},
		{Fd: int32(p.r.Fd()), Events: unix.POLLIN},
	}
	n, err := unix.Poll(pfds, int(p.timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if (pfds[1].Revents & unix.POLLIN) != 0 {
		return 0, ErrPortClosed
	}
	if n == 0 {
		return 0, nil
	}
	if (pfds[0].Revents & (unix.POLLERR | unix.POLLNVAL)) != 0 {
		return 0, fmt.Errorf("%s: poll failed, revents %#x", p.name, pfds[0].Revents)
	}
	cnt, err := unix.Read(p.fd, b)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	return cnt, nil
}

func (p *nativePort) Write(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrPortClosed
	}
	return unix.Write(p.fd, b)
}

func (p *nativePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	p.timeout = readTimeout(t)
	return nil
}

func (p *nativePort) SetDTR(on bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPortClosed
	}
	return p.setModemBit(unix.TIOCM_DTR, on)
}

func (p *nativePort) SetRTS(on bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPortClosed
	}
	return p.setModemBit(unix.TIOCM_RTS, on)
}

func (p *nativePort) setModemBit(bit int, on bool) error {
	v := bit
	req := unix.TIOCMBIC
	if on {
		req = unix.TIOCMBIS
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(req), uintptr(unsafe.Pointer(&v)))
	if errno != 0 {
		return fmt.Errorf("set modem bit failed: %v", errno)
	}
	return nil
}

// Close wakes up a pending Read and releases the device.
func (p *nativePort) Close() error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPortClosed
	}
	_, _ = p.w.Write([]byte{0})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	p.closed = true
	_ = p.r.Close()
	_ = p.w.Close()
	return unix.Close(p.fd)
}
