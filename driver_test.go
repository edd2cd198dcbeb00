package gxserialline

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverByName(t *testing.T) {
	for name, want := range map[string]Driver{
		"":       BugstDriver{},
		"bugst":  BugstDriver{},
		"Tarm":   TarmDriver{},
		"native": NativeDriver{},
	} {
		d, err := DriverByName(name)
		require.NoError(t, err, name)
		assert.IsType(t, want, d, name)
	}
	_, err := DriverByName("usb")
	require.Error(t, err)
}

// stuckPort never finishes a write.
type stuckPort struct {
	*fakePort
	release chan struct{}
}

func (p *stuckPort) Write(b []byte) (int, error) {
	<-p.release
	return len(b), nil
}

func TestWriteWithTimeout(t *testing.T) {
	p := &stuckPort{fakePort: newFakePort(), release: make(chan struct{})}
	defer close(p.release)
	err := writeWithTimeout(p, []byte("x"), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrWriteTimeout)
}

// shortPort writes one byte per call.
type shortPort struct {
	*fakePort
	zero bool
}

func (p *shortPort) Write(b []byte) (int, error) {
	if p.zero {
		return 0, nil
	}
	return p.fakePort.Write(b[:1])
}

func TestWriteAllLoops(t *testing.T) {
	p := &shortPort{fakePort: newFakePort()}
	require.NoError(t, writeAll(p, []byte("abc")))
	assert.Equal(t, "abc", p.Written())

	p.zero = true
	require.Error(t, writeAll(p, []byte("abc")))
}

func TestIsClosedError(t *testing.T) {
	assert.True(t, isClosedError(ErrPortClosed))
	assert.True(t, isClosedError(os.ErrClosed))
	assert.True(t, isClosedError(io.EOF))
	assert.False(t, isClosedError(nil))
	assert.False(t, isClosedError(errors.New("boom")))
}

func TestReadTimeoutFloor(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, readTimeout(0))
	assert.Equal(t, time.Second, readTimeout(time.Second))
}

func TestBugstDriverRejectsBadParity(t *testing.T) {
	cfg := testConfig("COM1")
	cfg.Parity = 99
	_, err := BugstDriver{}.Open(&cfg)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestTarmDriverRejectsModemLines(t *testing.T) {
	for _, mutate := range []func(c *SessionConfig){
		func(c *SessionConfig) { c.DtrEnable = true },
		func(c *SessionConfig) { c.RtsEnable = true },
	} {
		cfg := testConfig("/dev/ttyUSB0")
		mutate(&cfg)
		_, err := TarmDriver{}.Open(&cfg)
		require.ErrorIs(t, err, ErrConfiguration)
	}
}

func TestWriteGateHoldsTimedOutWrite(t *testing.T) {
	p := &stuckPort{fakePort: newFakePort(), release: make(chan struct{})}
	g := newWriteGate()
	require.ErrorIs(t, g.write(p, []byte("a"), 20*time.Millisecond), ErrWriteTimeout)
	// The stuck write still owns the port.
	require.ErrorIs(t, g.write(p, []byte("b"), 20*time.Millisecond), ErrWriteTimeout)

	close(p.release)
	require.Eventually(t, func() bool {
		return g.write(newFakePort(), []byte("c"), 20*time.Millisecond) == nil
	}, time.Second, 5*time.Millisecond)
}
