package gxserialline

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Gurux/gxcommon-go"
	"gopkg.in/yaml.v2"
)

// Framing selects how the end of an incoming message is found.
type Framing int

const (
	// LineTerminated messages end with the configured new line.
	LineTerminated Framing = iota
	// DelimiterTerminated messages end with the configured delimiter.
	DelimiterTerminated
)

func (f Framing) String() string {
	if f == DelimiterTerminated {
		return "DelimiterTerminated"
	}
	return "LineTerminated"
}

// StopBits is the number of stop bits per character.
type StopBits int

const (
	StopBitsOne StopBits = iota
	StopBitsOnePointFive
	StopBitsTwo
)

func (s StopBits) String() string {
	switch s {
	case StopBitsOnePointFive:
		return "OnePointFive"
	case StopBitsTwo:
		return "Two"
	}
	return "One"
}

// ParseStopBits parses "1", "1.5", "2" or the Gurux stop bit names.
func ParseStopBits(value string) (StopBits, error) {
	switch strings.TrimSpace(value) {
	case "", "1":
		return StopBitsOne, nil
	case "1.5", "OnePointFive":
		return StopBitsOnePointFive, nil
	case "2":
		return StopBitsTwo, nil
	}
	v, err := gxcommon.StopBitsParse(value)
	if err != nil {
		return StopBitsOne, fmt.Errorf("stop bits %q: %w", value, err)
	}
	switch v {
	case gxcommon.StopBitsOne:
		return StopBitsOne, nil
	case gxcommon.StopBitsTwo:
		return StopBitsTwo, nil
	}
	return StopBitsOne, fmt.Errorf("stop bits %q: %w", value, gxcommon.ErrInvalidArgument)
}

// ParseParity parses a parity name. Empty means none.
func ParseParity(value string) (gxcommon.Parity, error) {
	if strings.TrimSpace(value) == "" {
		return gxcommon.ParityNone, nil
	}
	return gxcommon.ParityParse(value)
}

// AllowedBaudRates are the baud rates a session can be opened with.
var AllowedBaudRates = []gxcommon.BaudRate{
	300, 600, 1200, 2400, 4800, 9600, 14400, 19200, 28800, 38400, 57600, 115200,
	230400, 460800, 921600,
}

// HandshakeConfig describes the probe/reply exchange used to find a device.
type HandshakeConfig struct {
	// Probe is the line the device sends to identify itself.
	Probe string
	// Reply is written back as a line when the probe was received.
	Reply string
	// Timeout is the read timeout used while probing candidates.
	Timeout time.Duration
	// ReplyInLoop answers probes that arrive while the session is open.
	ReplyInLoop bool
}

// SessionConfig holds the settings of one serial session.
type SessionConfig struct {
	Port         string
	BaudRate     gxcommon.BaudRate
	Parity       gxcommon.Parity
	StopBits     StopBits
	DataBits     int
	DtrEnable    bool
	RtsEnable    bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Framing      Framing
	// Delimiter ends a message when Framing is DelimiterTerminated.
	Delimiter string
	// NewLine ends a message when Framing is LineTerminated and is appended
	// to lines sent with Send.
	NewLine string
	// Separator splits a message into fields.
	Separator  rune
	LoopMethod LoopMethod
	Handshake  HandshakeConfig
}

// DefaultSessionConfig returns the settings used when nothing is configured.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		BaudRate:     115200,
		Parity:       gxcommon.ParityNone,
		StopBits:     StopBitsOne,
		DataBits:     8,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		Framing:      LineTerminated,
		NewLine:      "\n",
		Separator:    DefaultSeparator,
		LoopMethod:   LoopThreading,
		Handshake: HandshakeConfig{
			Timeout: 2 * time.Second,
		},
	}
}

// Terminator returns the byte sequence that ends an incoming message.
func (c *SessionConfig) Terminator() string {
	if c.Framing == DelimiterTerminated {
		return c.Delimiter
	}
	if c.NewLine == "" {
		return "\n"
	}
	return c.NewLine
}

func (c *SessionConfig) separator() rune {
	if c.Separator == 0 {
		return DefaultSeparator
	}
	return c.Separator
}

// Validate checks the settings and returns a *ConfigError on failure.
func (c *SessionConfig) Validate() error {
	invalid := func(format string, a ...any) error {
		return &ConfigError{Port: c.Port, Err: fmt.Errorf("%w: "+format, append([]any{gxcommon.ErrInvalidArgument}, a...)...)}
	}
	if strings.TrimSpace(c.Port) == "" {
		return invalid("no serial port selected")
	}
	if !isAllowedBaudRate(c.BaudRate) {
		return invalid("unsupported baud rate %d", int(c.BaudRate))
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return invalid("invalid databits %d (must be 5..8)", c.DataBits)
	}
	if c.StopBits < StopBitsOne || c.StopBits > StopBitsTwo {
		return invalid("invalid stop bits %d", int(c.StopBits))
	}
	if c.Framing == DelimiterTerminated && c.Delimiter == "" {
		return invalid("delimiter framing needs a delimiter")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return invalid("negative timeout")
	}
	return nil
}

func isAllowedBaudRate(b gxcommon.BaudRate) bool {
	for _, v := range AllowedBaudRates {
		if v == b {
			return true
		}
	}
	return false
}

// FileConfig is the YAML representation of a session and its surroundings.
type FileConfig struct {
	Driver       string        `yaml:"driver"`
	Port         string        `yaml:"port"`
	BaudRate     int           `yaml:"baudRate"`
	Parity       string        `yaml:"parity"`
	StopBits     string        `yaml:"stopBits"`
	DataBits     int           `yaml:"dataBits"`
	DtrEnable    bool          `yaml:"dtrEnable"`
	RtsEnable    bool          `yaml:"rtsEnable"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	Framing      string        `yaml:"framing"`
	Delimiter    string        `yaml:"delimiter"`
	NewLine      string        `yaml:"newLine"`
	Separator    string        `yaml:"separator"`
	LoopMethod   string        `yaml:"loopMethod"`
	OpenOnStart  bool          `yaml:"openOnStart"`
	ShowDebugs   bool          `yaml:"showDebugs"`
	Ports        []string      `yaml:"ports"`
	BaudRates    []int         `yaml:"baudRates"`
	AutoDetect   struct {
		Enabled     bool          `yaml:"enabled"`
		Probe       string        `yaml:"probe"`
		Reply       string        `yaml:"reply"`
		Timeout     time.Duration `yaml:"timeout"`
		ReplyInLoop bool          `yaml:"replyInLoop"`
	} `yaml:"autoDetect"`
	MQTT struct {
		Broker         string        `yaml:"broker"`
		ClientID       string        `yaml:"clientId"`
		Prefix         string        `yaml:"prefix"`
		QoS            byte          `yaml:"qos"`
		ConnectTimeout time.Duration `yaml:"connectTimeout"`
	} `yaml:"mqtt"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration data.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fc, nil
}

// SessionConfig converts the file settings, filling defaults for missing
// values.
func (fc *FileConfig) SessionConfig() (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	cfg.Port = fc.Port
	if fc.BaudRate != 0 {
		cfg.BaudRate = gxcommon.BaudRate(fc.BaudRate)
	}
	var err error
	if cfg.Parity, err = ParseParity(fc.Parity); err != nil {
		return cfg, err
	}
	if cfg.StopBits, err = ParseStopBits(fc.StopBits); err != nil {
		return cfg, err
	}
	if fc.DataBits != 0 {
		cfg.DataBits = fc.DataBits
	}
	cfg.DtrEnable = fc.DtrEnable
	cfg.RtsEnable = fc.RtsEnable
	if fc.ReadTimeout != 0 {
		cfg.ReadTimeout = fc.ReadTimeout
	}
	if fc.WriteTimeout != 0 {
		cfg.WriteTimeout = fc.WriteTimeout
	}
	switch strings.ToLower(fc.Framing) {
	case "", "line":
		cfg.Framing = LineTerminated
	case "delimiter":
		cfg.Framing = DelimiterTerminated
	default:
		return cfg, fmt.Errorf("unknown framing %q", fc.Framing)
	}
	cfg.Delimiter = fc.Delimiter
	if fc.NewLine != "" {
		cfg.NewLine = fc.NewLine
	}
	if fc.Separator != "" {
		r, size := utf8.DecodeRuneInString(fc.Separator)
		if size != len(fc.Separator) {
			return cfg, errors.New("separator must be a single character")
		}
		cfg.Separator = r
	}
	if cfg.LoopMethod, err = ParseLoopMethod(fc.LoopMethod); err != nil {
		return cfg, err
	}
	cfg.Handshake.Probe = fc.AutoDetect.Probe
	cfg.Handshake.Reply = fc.AutoDetect.Reply
	cfg.Handshake.ReplyInLoop = fc.AutoDetect.ReplyInLoop
	if fc.AutoDetect.Timeout != 0 {
		cfg.Handshake.Timeout = fc.AutoDetect.Timeout
	}
	return cfg, nil
}
