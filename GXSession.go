package gxserialline

// --------------------------------------------------------------------------
//
//	Gurux Ltd
//
// Filename:        $HeadURL$
//
// Version:         $Revision$,
//
//	$Date$
//	$Author$
//
// # Copyright (c) Gurux Ltd
//
// ---------------------------------------------------------------------------
//
//	DESCRIPTION
//
// This file is a part of Gurux Device Framework.
//
// Gurux Device Framework is Open Source software; you can redistribute it
// and/or modify it under the terms of the GNU General Public License
// as published by the Free Software Foundation; version 2 of the License.
// Gurux Device Framework is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU General Public License for more details.
//
// More information of Gurux products: https://www.gurux.org
//
// This code is licensed under the GNU General Public License v2.
// Full text may be retrieved at http://www.gnu.org/licenses/gpl-2.0.txt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// SessionState is the connection state of a session.
type SessionState int32

const (
	// Closed means no port is open.
	Closed SessionState = iota
	// Open means a port is open and the read loop is running.
	Open
)

func (s SessionState) String() string {
	if s == Open {
		return "Open"
	}
	return "Closed"
}

// Stats holds the counters of a session.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	Frames        uint64
	Faults        uint64
}

// TraceHandler receives trace lines allowed by the trace level.
type TraceHandler func(traceType gxcommon.TraceTypes, message string)

// Option configures a GXSession.
type Option func(s *GXSession)

// WithDriver sets the driver used to open ports.
func WithDriver(d Driver) Option {
	return func(s *GXSession) {
		s.driver = d
	}
}

// WithLogger sets the logger. The default logger discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *GXSession) {
		s.log = l
	}
}

// WithRegistry sets the candidate port and baud rate lists.
func WithRegistry(r *GXPortRegistry) Option {
	return func(s *GXSession) {
		s.registry = r
	}
}

// WithGracePeriod sets how long Close waits for the read loop.
func WithGracePeriod(d time.Duration) Option {
	return func(s *GXSession) {
		s.grace = d
	}
}

// WithEventHub shares an event hub between sessions and other components.
func WithEventHub(h *GXEventHub) Option {
	return func(s *GXSession) {
		s.hub = h
	}
}

// GXSession owns one serial connection, reads lines from it and publishes
// them through its event hub.
type GXSession struct {
	// Serializes Open, Close, Send, UpdatePort, UpdateBaudRate and AutoOpen.
	mu sync.Mutex

	driver   Driver
	registry *GXPortRegistry
	detector *GXAutoDetector
	hub      *GXEventHub
	log      zerolog.Logger
	grace    time.Duration

	cfg  SessionConfig
	port *countingPort
	loop *readLoop

	state    atomic.Int32
	rawData  atomic.String
	status   atomic.String
	frame    atomic.Value
	stepping atomic.Bool

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	frames        atomic.Uint64
	faults        atomic.Uint64

	showDebugs atomic.Bool

	cbMu       sync.RWMutex
	traceLevel gxcommon.TraceLevel
	onTrace    TraceHandler
	onFault    func(err error)
	// Printer for localized messages.
	p *message.Printer
}

// NewGXSession creates a closed session.
func NewGXSession(opts ...Option) *GXSession {
	s := &GXSession{
		driver: BugstDriver{},
		log:    zerolog.Nop(),
		grace:  DefaultGracePeriod,
		cfg:    DefaultSessionConfig(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = NewGXPortRegistry()
	}
	if s.hub == nil {
		s.hub = NewGXEventHub()
	}
	s.hub.SetOnFault(s.fault)
	s.detector = NewGXAutoDetector(s.driver, s.registry, s.log)
	s.Localize(language.AmericanEnglish)
	return s
}

// Localize messages for the specified language.
// No errors is returned if language is not supported.
func (s *GXSession) Localize(tag language.Tag) {
	s.cbMu.Lock()
	s.p = message.NewPrinter(tag)
	s.cbMu.Unlock()
}

func (s *GXSession) sprintf(key string, a ...any) string {
	s.cbMu.RLock()
	p := s.p
	s.cbMu.RUnlock()
	return p.Sprintf(key, a...)
}

// Hub returns the event hub of the session.
func (s *GXSession) Hub() *GXEventHub {
	return s.hub
}

// Registry returns the candidate port and baud rate lists.
func (s *GXSession) Registry() *GXPortRegistry {
	return s.registry
}

// Subscribe registers fn for the events of ch.
func (s *GXSession) Subscribe(ch Channel, fn Handler) Handle {
	return s.hub.Subscribe(ch, fn)
}

// Unsubscribe removes a subscription made with Subscribe.
func (s *GXSession) Unsubscribe(h Handle) {
	s.hub.Unsubscribe(h)
}

// State returns the connection state.
func (s *GXSession) State() SessionState {
	return SessionState(s.state.Load())
}

// IsOpen reports whether a port is open.
func (s *GXSession) IsOpen() bool {
	return s.State() == Open
}

// RawData returns the last line received.
func (s *GXSession) RawData() string {
	return s.rawData.Load()
}

// Status returns the latest status message.
func (s *GXSession) Status() string {
	return s.status.Load()
}

// Fields returns the fields of the last line received.
func (s *GXSession) Fields() []string {
	f, ok := s.frame.Load().(Frame)
	if !ok {
		return nil
	}
	return f.Clone().Fields
}

// Stats returns the counters of the session.
func (s *GXSession) Stats() Stats {
	return Stats{
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesReceived.Load(),
		Frames:        s.frames.Load(),
		Faults:        s.faults.Load(),
	}
}

// ResetStats clears the counters.
func (s *GXSession) ResetStats() {
	s.bytesSent.Store(0)
	s.bytesReceived.Store(0)
	s.frames.Store(0)
	s.faults.Store(0)
}

// Config returns the settings of the open session, or the settings that
// the next AutoOpen uses when the session is closed.
func (s *GXSession) Config() SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig stores settings for AutoOpen, UpdatePort and UpdateBaudRate.
// An open session is not affected.
func (s *GXSession) SetConfig(cfg SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// ShowDebugs logs every status change at info level instead of debug.
func (s *GXSession) ShowDebugs(value bool) {
	s.showDebugs.Store(value)
}

// GetTrace returns the trace level.
func (s *GXSession) GetTrace() gxcommon.TraceLevel {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.traceLevel
}

// SetTrace sets which trace lines are emitted.
func (s *GXSession) SetTrace(traceLevel gxcommon.TraceLevel) {
	s.cbMu.Lock()
	s.traceLevel = traceLevel
	s.cbMu.Unlock()
}

// SetOnTrace sets the function that receives trace lines.
func (s *GXSession) SetOnTrace(value TraceHandler) {
	s.cbMu.Lock()
	s.onTrace = value
	s.cbMu.Unlock()
}

// SetOnFault sets the function that receives read faults and subscriber
// failures. Faults are never returned to the caller.
func (s *GXSession) SetOnFault(value func(err error)) {
	s.cbMu.Lock()
	s.onFault = value
	s.cbMu.Unlock()
}

// Open opens the port described by cfg and starts the read loop.
// An open port is closed first. A failure leaves the session closed and
// returns a *ConfigError.
//
// PortOpened is published after the session lock is released. A Close
// running on another goroutine at the same time may therefore deliver its
// PortClosed before this PortOpened. Callers that open and close from
// different goroutines should order those calls themselves.
func (s *GXSession) Open(cfg SessionConfig) error {
	s.mu.Lock()
	closed, wasOpen := s.closeLocked()
	s.cfg = cfg
	err := cfg.Validate()
	var port Port
	if err == nil {
		s.tracef(gxcommon.TraceTypesInfo, "Opening %s %d", cfg.Port, int(cfg.BaudRate))
		port, err = s.driver.Open(&cfg)
	}
	if err != nil {
		var ce *ConfigError
		if !errors.As(err, &ce) {
			err = &ConfigError{Port: cfg.Port, Err: err}
		}
		s.setStatus(s.sprintf("msg.open_failed", cfg.Port, err))
		s.tracef(gxcommon.TraceTypesError, "Open %s failed: %v", cfg.Port, err)
		s.mu.Unlock()
		if wasOpen {
			s.publish(Event{Channel: PortClosed, Port: closed})
		}
		return err
	}
	loop := s.startLocked(cfg, port, nil)
	s.mu.Unlock()
	if wasOpen {
		s.publish(Event{Channel: PortClosed, Port: closed})
	}
	s.publish(Event{Channel: PortOpened, Port: cfg.Port})
	loop.arm()
	return nil
}

// AutoOpen probes the candidate ports with the configured handshake and
// opens the port where the device answered. ErrNoDevice is returned when
// no candidate answered; the session stays closed.
//
// Bytes that followed the probe line are parsed as the first lines of the
// session. Events are ordered as for Open.
func (s *GXSession) AutoOpen(ctx context.Context) error {
	s.mu.Lock()
	closed, wasOpen := s.closeLocked()
	cfg := s.cfg
	err := s.validateHandshake(&cfg)
	var found Detection
	if err == nil {
		found, err = s.detector.Detect(ctx, cfg)
	}
	if err != nil {
		s.setStatus(s.sprintf("msg.no_device", err))
		s.tracef(gxcommon.TraceTypesError, "Auto-detect failed: %v", err)
		s.mu.Unlock()
		if wasOpen {
			s.publish(Event{Channel: PortClosed, Port: closed})
		}
		return err
	}
	cfg.Port = found.Name
	s.cfg = cfg
	loop := s.startLocked(cfg, found.Port, found.Pending)
	s.mu.Unlock()
	if wasOpen {
		s.publish(Event{Channel: PortClosed, Port: closed})
	}
	s.publish(Event{Channel: PortOpened, Port: found.Name})
	loop.arm()
	return nil
}

func (s *GXSession) validateHandshake(cfg *SessionConfig) error {
	if cfg.Handshake.Probe == "" {
		return &ConfigError{Err: fmt.Errorf("%w: no handshake probe", gxcommon.ErrInvalidArgument)}
	}
	if cfg.Handshake.Timeout <= 0 {
		return &ConfigError{Err: fmt.Errorf("%w: handshake timeout %s", gxcommon.ErrInvalidArgument, cfg.Handshake.Timeout)}
	}
	// The port is chosen by the detector.
	tmp := *cfg
	tmp.Port = "auto"
	return tmp.Validate()
}

// startLocked takes ownership of an opened port. s.mu must be held.
// pending holds bytes already read from the port that the loop reads first.
func (s *GXSession) startLocked(cfg SessionConfig, port Port, pending []byte) *readLoop {
	s.port = &countingPort{Port: port, s: s, gate: newWriteGate()}
	s.bytesReceived.Add(uint64(len(pending)))
	s.loop = newReadLoop(s, s.port, cfg, pending)
	s.state.Store(int32(Open))
	s.loop.start()
	s.setStatus(s.sprintf("msg.port_open"))
	s.tracef(gxcommon.TraceTypesInfo, "Opened %s", cfg.Port)
	return s.loop
}

// Close stops the read loop and releases the port. Closing a closed
// session does nothing.
func (s *GXSession) Close() error {
	s.mu.Lock()
	name, wasOpen := s.closeLocked()
	s.mu.Unlock()
	if wasOpen {
		s.publish(Event{Channel: PortClosed, Port: name})
	}
	return nil
}

// closeLocked releases the open port. s.mu must be held.
// It returns the name of the port that was closed.
func (s *GXSession) closeLocked() (string, bool) {
	if s.port == nil {
		return "", false
	}
	name := s.loop.name
	if !s.loop.stop(s.grace) {
		s.log.Debug().Str("port", name).Dur("grace", s.grace).Msg("read loop still running, releasing port")
	}
	s.loop.released.Store(true)
	if err := s.port.Close(); err != nil && !isClosedError(err) {
		s.setStatus(s.sprintf("msg.close_failed", name, err))
		s.tracef(gxcommon.TraceTypesError, "Close %s failed: %v", name, err)
	}
	s.port = nil
	s.loop = nil
	s.state.Store(int32(Closed))
	s.setStatus(s.sprintf("msg.port_closed"))
	s.tracef(gxcommon.TraceTypesInfo, "Closed %s", name)
	return name, true
}

// Send writes data to the port. When asLine is set the new line is
// appended. ErrNotConnected is returned when the session is closed.
func (s *GXSession) Send(data string, asLine bool) error {
	s.mu.Lock()
	if s.port == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	name := s.cfg.Port
	var err error
	if asLine {
		err = s.writeLine(s.port, data, &s.cfg)
	} else {
		err = s.write(s.port, data, &s.cfg)
	}
	s.mu.Unlock()
	if err != nil {
		err = &IoFault{Port: name, Op: "write", Err: err}
		s.setStatus(s.sprintf("msg.send_failed", name, err))
		return err
	}
	ch := DataSent
	if asLine {
		ch = LineSent
		s.setStatus(s.sprintf("msg.sent_line", data))
	} else {
		s.setStatus(s.sprintf("msg.sent_data", data))
	}
	s.publish(Event{Channel: ch, Port: name, Data: data})
	return nil
}

// write passes data through the write gate of p. A write that timed out
// keeps the gate, so a later write waits for it or times out unwritten.
func (s *GXSession) write(p *countingPort, data string, cfg *SessionConfig) error {
	s.tracef(gxcommon.TraceTypesSent, "TX: %s", data)
	return p.gate.write(p, []byte(data), cfg.WriteTimeout)
}

func (s *GXSession) writeLine(p *countingPort, data string, cfg *SessionConfig) error {
	nl := cfg.NewLine
	if nl == "" {
		nl = "\n"
	}
	return s.write(p, data+nl, cfg)
}

// UpdatePort closes the session and selects the next candidate port.
// The port is not reopened.
func (s *GXSession) UpdatePort() (string, error) {
	s.mu.Lock()
	closed, wasOpen := s.closeLocked()
	next, err := s.registry.NextPort(s.cfg.Port)
	if err == nil {
		s.cfg.Port = next
		s.setStatus(s.sprintf("msg.port_set", next))
	}
	s.mu.Unlock()
	if wasOpen {
		s.publish(Event{Channel: PortClosed, Port: closed})
	}
	return next, err
}

// UpdateBaudRate closes the session and selects the next candidate baud
// rate. The port is not reopened.
func (s *GXSession) UpdateBaudRate() (gxcommon.BaudRate, error) {
	s.mu.Lock()
	closed, wasOpen := s.closeLocked()
	next, err := s.registry.NextBaudRate(s.cfg.BaudRate)
	if err == nil {
		s.cfg.BaudRate = next
		s.setStatus(s.sprintf("msg.baud_set", strconv.Itoa(int(next))))
	}
	s.mu.Unlock()
	if wasOpen {
		s.publish(Event{Channel: PortClosed, Port: closed})
	}
	return next, err
}

// RefreshPorts fills the candidate port list from the driver.
func (s *GXSession) RefreshPorts() ([]string, error) {
	ports, err := s.registry.Refresh(s.driver)
	if err != nil {
		s.setStatus(s.sprintf("msg.list_failed", err))
		return nil, err
	}
	s.setStatus(s.sprintf("msg.ports_populated"))
	return ports, nil
}

// Step runs one read loop iteration when the loop method is
// LoopCooperative. It must not be called from an event handler.
func (s *GXSession) Step() error {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop == nil {
		return ErrNotConnected
	}
	if loop.cfg.LoopMethod != LoopCooperative {
		return fmt.Errorf("%w: loop method is %s", ErrConfiguration, loop.cfg.LoopMethod)
	}
	if !s.stepping.CompareAndSwap(false, true) {
		return errStepBusy
	}
	defer s.stepping.Store(false)
	return loop.step()
}

// received handles a line read by the loop.
func (s *GXSession) received(port, line string, sep rune) {
	s.rawData.Store(line)
	frame, err := ParseLine(line, sep)
	if err != nil {
		return
	}
	s.frame.Store(frame.Clone())
	s.frames.Inc()
	s.tracef(gxcommon.TraceTypesReceived, "RX: %s", line)
	s.publish(Event{Channel: DataParsed, Port: port, Frame: frame})
}

func (s *GXSession) publish(e Event) {
	s.hub.Publish(e)
}

func (s *GXSession) setStatus(msg string) {
	s.status.Store(msg)
	if s.showDebugs.Load() {
		s.log.Info().Msg(msg)
	} else {
		s.log.Debug().Msg(msg)
	}
}

func (s *GXSession) fault(err error) {
	s.faults.Inc()
	s.setStatus(s.sprintf("msg.fault", err))
	s.log.Error().Err(err).Msg("serial fault")
	s.tracef(gxcommon.TraceTypesError, "%v", err)
	s.cbMu.RLock()
	cb := s.onFault
	s.cbMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

func (s *GXSession) tracef(traceType gxcommon.TraceTypes, fmtStr string, a ...any) {
	s.cbMu.RLock()
	trace := !(int(s.traceLevel) < int(traceType))
	cb := s.onTrace
	s.cbMu.RUnlock()
	if !trace {
		return
	}
	msg := fmt.Sprintf(fmtStr, a...)
	s.log.Debug().Int("traceType", int(traceType)).Msg(msg)
	if cb != nil {
		cb(traceType, msg)
	}
}

// countingPort counts the bytes that pass through a port.
type countingPort struct {
	Port
	s    *GXSession
	gate *writeGate
}

func (c *countingPort) Read(b []byte) (int, error) {
	n, err := c.Port.Read(b)
	if n > 0 {
		c.s.bytesReceived.Add(uint64(n))
	}
	return n, err
}

func (c *countingPort) Write(b []byte) (int, error) {
	n, err := c.Port.Write(b)
	if n > 0 {
		c.s.bytesSent.Add(uint64(n))
	}
	return n, err
}

//nolint:errcheck
func init() {
	// --- English (default) ---
	message.SetString(language.AmericanEnglish, "msg.port_open", "The serialport is now open!")
	message.SetString(language.AmericanEnglish, "msg.port_closed", "Serial port closed!")
	message.SetString(language.AmericanEnglish, "msg.open_failed", "Failed to open %s: %v")
	message.SetString(language.AmericanEnglish, "msg.close_failed", "Failed to close %s: %v")
	message.SetString(language.AmericanEnglish, "msg.send_failed", "Failed to send to %s: %v")
	message.SetString(language.AmericanEnglish, "msg.sent_data", "Sent data: %s")
	message.SetString(language.AmericanEnglish, "msg.sent_line", "Sent data as line: %s")
	message.SetString(language.AmericanEnglish, "msg.port_set", "ComPort set to: %s")
	message.SetString(language.AmericanEnglish, "msg.baud_set", "Baud rate set to: %s")
	message.SetString(language.AmericanEnglish, "msg.ports_populated", "ComPort list population complete")
	message.SetString(language.AmericanEnglish, "msg.list_failed", "Listing serial ports failed: %v")
	message.SetString(language.AmericanEnglish, "msg.ending_thread", "Ending Serial Thread!")
	message.SetString(language.AmericanEnglish, "msg.ending_coroutine", "Ending Coroutine!")
	message.SetString(language.AmericanEnglish, "msg.no_device", "No device found: %v")
	message.SetString(language.AmericanEnglish, "msg.fault", "Serial fault: %v")

	// --- German (de) ---
	message.SetString(language.German, "msg.port_open", "Der serielle Port ist jetzt geöffnet!")
	message.SetString(language.German, "msg.port_closed", "Serieller Port geschlossen!")
	message.SetString(language.German, "msg.open_failed", "Öffnen von %s fehlgeschlagen: %v")
	message.SetString(language.German, "msg.close_failed", "Schließen von %s fehlgeschlagen: %v")
	message.SetString(language.German, "msg.send_failed", "Senden an %s fehlgeschlagen: %v")
	message.SetString(language.German, "msg.sent_data", "Daten gesendet: %s")
	message.SetString(language.German, "msg.sent_line", "Daten als Zeile gesendet: %s")
	message.SetString(language.German, "msg.port_set", "ComPort gesetzt auf: %s")
	message.SetString(language.German, "msg.baud_set", "Baudrate gesetzt auf: %s")
	message.SetString(language.German, "msg.ports_populated", "ComPort-Liste vollständig")
	message.SetString(language.German, "msg.list_failed", "Auflisten der seriellen Ports fehlgeschlagen: %v")
	message.SetString(language.German, "msg.ending_thread", "Serieller Thread wird beendet!")
	message.SetString(language.German, "msg.ending_coroutine", "Koroutine wird beendet!")
	message.SetString(language.German, "msg.no_device", "Kein Gerät gefunden: %v")
	message.SetString(language.German, "msg.fault", "Serieller Fehler: %v")

	// --- Finnish (fi) ---
	message.SetString(language.Finnish, "msg.port_open", "Sarjaportti on nyt auki!")
	message.SetString(language.Finnish, "msg.port_closed", "Sarjaportti suljettu!")
	message.SetString(language.Finnish, "msg.open_failed", "Portin %s avaaminen epäonnistui: %v")
	message.SetString(language.Finnish, "msg.close_failed", "Portin %s sulkeminen epäonnistui: %v")
	message.SetString(language.Finnish, "msg.send_failed", "Lähetys porttiin %s epäonnistui: %v")
	message.SetString(language.Finnish, "msg.sent_data", "Lähetetty data: %s")
	message.SetString(language.Finnish, "msg.sent_line", "Lähetetty rivi: %s")
	message.SetString(language.Finnish, "msg.port_set", "Portiksi asetettu: %s")
	message.SetString(language.Finnish, "msg.baud_set", "Nopeudeksi asetettu: %s")
	message.SetString(language.Finnish, "msg.ports_populated", "Porttilista päivitetty")
	message.SetString(language.Finnish, "msg.list_failed", "Sarjaporttien listaus epäonnistui: %v")
	message.SetString(language.Finnish, "msg.ending_thread", "Lukusäie lopetetaan!")
	message.SetString(language.Finnish, "msg.ending_coroutine", "Korutiini lopetetaan!")
	message.SetString(language.Finnish, "msg.no_device", "Laitetta ei löytynyt: %v")
	message.SetString(language.Finnish, "msg.fault", "Sarjaporttivirhe: %v")
}
