package gxserialline

import (
	"errors"
	"sync"
	"time"
)

// fakePort is an in-memory Port. Data queued with feed is returned by Read.
type fakePort struct {
	mu         sync.Mutex
	in         chan []byte
	pending    []byte
	written    []byte
	readErr    error
	timeout    time.Duration
	closed     chan struct{}
	closeCount int
	dtr, rts   bool
	// Writes wait for hold to be closed when it is set.
	hold        chan struct{}
	writers     int
	maxWriters  int
	timeoutSets int
}

func newFakePort() *fakePort {
	return &fakePort{
		in:      make(chan []byte, 64),
		closed:  make(chan struct{}),
		timeout: 10 * time.Millisecond,
	}
}

func (p *fakePort) feed(s string) {
	p.in <- []byte(s)
}

// failNext makes the next Read return err.
func (p *fakePort) failNext(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.written)
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.isClosed() {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if err := p.readErr; err != nil {
		p.readErr = nil
		p.mu.Unlock()
		return 0, err
	}
	if len(p.pending) != 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	timeout := p.timeout
	p.mu.Unlock()

	select {
	case d := <-p.in:
		p.mu.Lock()
		defer p.mu.Unlock()
		p.pending = append(p.pending, d...)
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	case <-p.closed:
		return 0, ErrPortClosed
	case <-time.After(timeout):
		return 0, nil
	}
}

// holdWrites makes every Write block until the returned function is called.
func (p *fakePort) holdWrites() (release func()) {
	hold := make(chan struct{})
	p.mu.Lock()
	p.hold = hold
	p.mu.Unlock()
	return func() { close(hold) }
}

// MaxWriters returns the most Write calls that were running at once.
func (p *fakePort) MaxWriters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxWriters
}

func (p *fakePort) TimeoutSets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeoutSets
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	hold := p.hold
	p.writers++
	if p.writers > p.maxWriters {
		p.maxWriters = p.writers
	}
	p.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-p.closed:
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers--
	if p.isClosed() {
		return 0, ErrPortClosed
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeoutSets++
	p.timeout = readTimeout(t)
	return nil
}

func (p *fakePort) SetDTR(on bool) error {
	p.mu.Lock()
	p.dtr = on
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetRTS(on bool) error {
	p.mu.Lock()
	p.rts = on
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCount++
	if p.isClosed() {
		return ErrPortClosed
	}
	close(p.closed)
	return nil
}

func (p *fakePort) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

// fakeDriver opens fakePorts for the names it knows.
type fakeDriver struct {
	mu     sync.Mutex
	names  []string
	ports  map[string]*fakePort
	opened []string
	// onOpen is called with every port that was opened.
	onOpen func(name string, p *fakePort)
}

func newFakeDriver(names ...string) *fakeDriver {
	return &fakeDriver{names: names, ports: map[string]*fakePort{}}
}

func (d *fakeDriver) Open(cfg *SessionConfig) (Port, error) {
	d.mu.Lock()
	known := false
	for _, n := range d.names {
		if n == cfg.Port {
			known = true
			break
		}
	}
	if !known {
		d.mu.Unlock()
		return nil, &ConfigError{Port: cfg.Port, Err: errors.New("no such port")}
	}
	d.opened = append(d.opened, cfg.Port)
	p := newFakePort()
	p.timeout = readTimeout(cfg.ReadTimeout)
	d.ports[cfg.Port] = p
	onOpen := d.onOpen
	d.mu.Unlock()
	if onOpen != nil {
		onOpen(cfg.Port, p)
	}
	return p, nil
}

func (d *fakeDriver) PortNames() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.names...), nil
}

// port returns the port opened last for name.
func (d *fakeDriver) port(name string) *fakePort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ports[name]
}

func (d *fakeDriver) Opened() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.opened...)
}

// recorder collects the events of every channel.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(s *GXSession) *recorder {
	r := &recorder{}
	for _, ch := range Channels {
		s.Subscribe(ch, r.handle)
	}
	return r
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) on(ch Channel) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []Event
	for _, e := range r.events {
		if e.Channel == ch {
			ret = append(ret, e)
		}
	}
	return ret
}

func (r *recorder) channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]Channel, 0, len(r.events))
	for _, e := range r.events {
		ret = append(ret, e.Channel)
	}
	return ret
}

func testConfig(port string) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Port = port
	cfg.BaudRate = 9600
	cfg.ReadTimeout = 10 * time.Millisecond
	cfg.WriteTimeout = 200 * time.Millisecond
	return cfg
}
