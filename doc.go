// Package gxserialline manages one line based serial connection.
// It opens a serial port, reads newline or delimiter terminated text lines
// on a background loop, splits each line into fields and publishes the
// result to subscribers. Outbound text is written as raw data or as a line.
//
// Features
//
//   - Serial settings (port, baud rate, data bits, parity, stop bits, DTR/RTS)
//     validated before the port is opened.
//   - Framing: new line or custom delimiter, single character field separator.
//   - Events: DataParsed, PortOpened, PortClosed, DataSent and LineSent with
//     explicit subscribe/unsubscribe handles.
//   - Read loop: free running goroutine or cooperative stepping.
//   - Auto-detect: probe candidate ports for a device that sends a known line.
//   - Candidate port and baud rate lists that wrap around.
//   - Drivers: go.bug.st/serial (default), github.com/tarm/serial and a Linux
//     termios driver.
//   - Tracing: configurable trace level for sent/received/error/info.
//
// # Construction
//
// Use NewGXSession to create a session. Options select the driver, the
// logger and the candidate lists.
//
// Example
//
//	s := gxserialline.NewGXSession(gxserialline.WithLogger(log))
//	s.Subscribe(gxserialline.DataParsed, func(e gxserialline.Event) {
//	    // handle e.Frame.Fields
//	})
//	cfg := gxserialline.DefaultSessionConfig()
//	cfg.Port = "/dev/ttyUSB0"
//	cfg.BaudRate = 9600
//	if err := s.Open(cfg); err != nil {
//	    // handle configuration error
//	}
//	defer s.Close()
//	_ = s.Send("PING", true)
//
// # Errors and timeouts
//
// Open returns a *ConfigError and Send returns ErrNotConnected or an
// *IoFault. Errors of the read loop are not returned; they are reported
// through Status, the logger and the fault handler. A read timeout is not
// an error.
//
// # Notes
//
// The zero value of GXSession is not ready for use; always construct via
// NewGXSession. Event handlers run on the goroutine that publishes the
// event. Long-running work in event handlers should be offloaded to a
// separate goroutine to avoid delaying the read loop.
package gxserialline
