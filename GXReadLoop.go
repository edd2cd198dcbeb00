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
	"strings"
	"time"

	"go.uber.org/atomic"
)

// LoopMethod selects how the read loop is driven.
type LoopMethod int

const (
	// LoopThreading runs the read loop freely on its own goroutine.
	LoopThreading LoopMethod = iota
	// LoopCooperative runs one read loop iteration for every call of
	// GXSession.Step.
	LoopCooperative
)

func (m LoopMethod) String() string {
	if m == LoopCooperative {
		return "Cooperative"
	}
	return "Threading"
}

// ParseLoopMethod parses "threading", "cooperative" or "coroutine".
func ParseLoopMethod(value string) (LoopMethod, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "threading", "thread":
		return LoopThreading, nil
	case "cooperative", "coroutine":
		return LoopCooperative, nil
	}
	return LoopThreading, fmt.Errorf("unknown loop method %q", value)
}

// DefaultGracePeriod is how long Close waits for the read loop to exit
// before the port is released anyway.
const DefaultGracePeriod = 100 * time.Millisecond

var errStepBusy = errors.New("step already in progress")

// readLoop reads lines from one opened port and publishes them.
type readLoop struct {
	s      *GXSession
	port   *countingPort
	name   string
	cfg    SessionConfig
	lines  *lineBuffer
	ctx    context.Context
	cancel context.CancelFunc
	// Closed when PortOpened has been published.
	armed chan struct{}
	// Closed when the loop goroutine has returned.
	done chan struct{}
	// Cooperative mode hand-off.
	resume  chan struct{}
	yielded chan struct{}
	// Set before the port is closed.
	released atomic.Bool
}

func newReadLoop(s *GXSession, port *countingPort, cfg SessionConfig, pending []byte) *readLoop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &readLoop{
		s:       s,
		port:    port,
		name:    cfg.Port,
		cfg:     cfg,
		lines:   newLineBuffer(),
		ctx:     ctx,
		cancel:  cancel,
		armed:   make(chan struct{}),
		done:    make(chan struct{}),
		resume:  make(chan struct{}),
		yielded: make(chan struct{}),
	}
	l.lines.Append(pending)
	return l
}

func (l *readLoop) start() {
	go l.run()
}

func (l *readLoop) arm() {
	close(l.armed)
}

func (l *readLoop) run() {
	defer close(l.done)
	defer func() {
		// A released loop must not overwrite the status of a later Close.
		if !l.released.Load() {
			l.s.setStatus(l.exitMessage())
		}
	}()

	select {
	case <-l.armed:
	case <-l.ctx.Done():
		return
	}
	if l.cfg.LoopMethod == LoopCooperative {
		for {
			select {
			case <-l.resume:
			case <-l.ctx.Done():
				return
			}
			if !l.iterate() {
				return
			}
			select {
			case l.yielded <- struct{}{}:
			case <-l.ctx.Done():
				return
			}
		}
	}
	for l.iterate() {
	}
}

func (l *readLoop) exitMessage() string {
	if l.cfg.LoopMethod == LoopCooperative {
		return l.s.sprintf("msg.ending_coroutine")
	}
	return l.s.sprintf("msg.ending_thread")
}

// iterate runs one read. It returns false when the loop must exit.
func (l *readLoop) iterate() bool {
	if l.ctx.Err() != nil || l.released.Load() {
		return false
	}
	line, err := l.lines.ReadTo(l.ctx, l.port, l.cfg.Terminator(), l.cfg.ReadTimeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return true
		}
		if l.ctx.Err() != nil || l.released.Load() {
			return false
		}
		l.s.fault(&IoFault{Port: l.name, Op: "read", Err: err})
		// Do not spin on a port that fails every read.
		select {
		case <-time.After(readTimeout(l.cfg.ReadTimeout)):
		case <-l.ctx.Done():
			return false
		}
		return true
	}
	if line == "" {
		return true
	}
	l.s.received(l.name, line, l.cfg.separator())
	hs := l.cfg.Handshake
	if hs.ReplyInLoop && hs.Probe != "" && line == hs.Probe {
		if err := l.s.writeLine(l.port, hs.Reply, &l.cfg); err != nil && !l.released.Load() {
			l.s.fault(&IoFault{Port: l.name, Op: "handshake", Err: err})
		}
	}
	return true
}

// step runs one cooperative iteration and waits until it has finished.
func (l *readLoop) step() error {
	select {
	case l.resume <- struct{}{}:
	case <-l.done:
		return ErrNotConnected
	}
	select {
	case <-l.yielded:
		return nil
	case <-l.done:
		return ErrNotConnected
	}
}

// stop requests the loop to exit and waits at most grace for it.
// It reports whether the loop exited in time.
func (l *readLoop) stop(grace time.Duration) bool {
	l.cancel()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-l.done:
		return true
	case <-timer.C:
		return false
	}
}
