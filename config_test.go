package gxserialline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()
	assert.Equal(t, gxcommon.BaudRate(115200), cfg.BaudRate)
	assert.Equal(t, 8, cfg.DataBits)
	assert.Equal(t, gxcommon.ParityNone, cfg.Parity)
	assert.Equal(t, StopBitsOne, cfg.StopBits)
	assert.Equal(t, "\n", cfg.Terminator())
	assert.Equal(t, LoopThreading, cfg.LoopMethod)

	// A port name is all that is missing.
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)
	cfg.Port = "COM5"
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := map[string]func(c *SessionConfig){
		"no port":        func(c *SessionConfig) { c.Port = " " },
		"baud":           func(c *SessionConfig) { c.BaudRate = 1234 },
		"zero baud":      func(c *SessionConfig) { c.BaudRate = 0 },
		"databits low":   func(c *SessionConfig) { c.DataBits = 4 },
		"databits high":  func(c *SessionConfig) { c.DataBits = 9 },
		"stopbits":       func(c *SessionConfig) { c.StopBits = 7 },
		"no delimiter":   func(c *SessionConfig) { c.Framing = DelimiterTerminated },
		"negative read":  func(c *SessionConfig) { c.ReadTimeout = -time.Second },
		"negative write": func(c *SessionConfig) { c.WriteTimeout = -time.Second },
	}
	for name, mutate := range tests {
		cfg := testConfig("COM1")
		mutate(&cfg)
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrConfiguration, name)
		require.ErrorIs(t, err, gxcommon.ErrInvalidArgument, name)
	}
}

func TestTerminator(t *testing.T) {
	cfg := testConfig("COM1")
	cfg.NewLine = "\r\n"
	assert.Equal(t, "\r\n", cfg.Terminator())
	cfg.Framing = DelimiterTerminated
	cfg.Delimiter = "#"
	assert.Equal(t, "#", cfg.Terminator())
}

func TestParseStopBits(t *testing.T) {
	for in, want := range map[string]StopBits{
		"":             StopBitsOne,
		"1":            StopBitsOne,
		"1.5":          StopBitsOnePointFive,
		"OnePointFive": StopBitsOnePointFive,
		"2":            StopBitsTwo,
	} {
		got, err := ParseStopBits(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStopBits("three")
	require.Error(t, err)
}

func TestParseLoopMethod(t *testing.T) {
	m, err := ParseLoopMethod("Coroutine")
	require.NoError(t, err)
	assert.Equal(t, LoopCooperative, m)
	m, err = ParseLoopMethod("")
	require.NoError(t, err)
	assert.Equal(t, LoopThreading, m)
	_, err = ParseLoopMethod("fiber")
	require.Error(t, err)
}

const testYAML = `
driver: tarm
port: /dev/ttyUSB0
baudRate: 9600
parity: None
stopBits: "2"
dataBits: 7
readTimeout: 20ms
writeTimeout: 1s
framing: delimiter
delimiter: ";"
separator: "|"
loopMethod: cooperative
openOnStart: true
ports: [/dev/ttyUSB0, /dev/ttyUSB1]
baudRates: [9600, 115200]
autoDetect:
  enabled: true
  probe: Arduino
  reply: Unity3D
  timeout: 3s
  replyInLoop: true
mqtt:
  broker: tcp://127.0.0.1:1883
  prefix: lab/serial
  qos: 1
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))

	fc, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tarm", fc.Driver)
	assert.True(t, fc.OpenOnStart)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, fc.Ports)
	assert.Equal(t, []int{9600, 115200}, fc.BaudRates)
	assert.Equal(t, "tcp://127.0.0.1:1883", fc.MQTT.Broker)
	assert.Equal(t, byte(1), fc.MQTT.QoS)

	cfg, err := fc.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Port)
	assert.Equal(t, gxcommon.BaudRate(9600), cfg.BaudRate)
	assert.Equal(t, StopBitsTwo, cfg.StopBits)
	assert.Equal(t, 7, cfg.DataBits)
	assert.Equal(t, 20*time.Millisecond, cfg.ReadTimeout)
	assert.Equal(t, time.Second, cfg.WriteTimeout)
	assert.Equal(t, DelimiterTerminated, cfg.Framing)
	assert.Equal(t, ";", cfg.Terminator())
	assert.Equal(t, '|', cfg.Separator)
	assert.Equal(t, LoopCooperative, cfg.LoopMethod)
	assert.Equal(t, HandshakeConfig{Probe: "Arduino", Reply: "Unity3D", Timeout: 3 * time.Second, ReplyInLoop: true}, cfg.Handshake)
	require.NoError(t, cfg.Validate())
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig([]byte("port: COM1\nbaud: 9600\n"))
	require.Error(t, err)
}

func TestFileConfigErrors(t *testing.T) {
	for _, data := range []string{
		"framing: binary",
		"separator: ab",
		"loopMethod: fiber",
		"stopBits: three",
	} {
		fc, err := ParseConfig([]byte(data))
		require.NoError(t, err, data)
		_, err = fc.SessionConfig()
		require.Error(t, err, data)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
