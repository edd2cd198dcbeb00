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
	"bytes"
	"context"
	"fmt"
	"time"
)

// maxPending is the most bytes kept while waiting for a terminator.
const maxPending = 64 * 1024

// lineBuffer collects bytes read from a port until a terminator is found.
// Bytes after the terminator stay in the buffer for the next line.
// It is used only by the goroutine that reads the port.
type lineBuffer struct {
	buf   []byte
	chunk []byte
	// Offset from where the next terminator search starts.
	lastStart int
}

func newLineBuffer() *lineBuffer {
	return &lineBuffer{chunk: make([]byte, 512)}
}

// Append adds received bytes to the buffer.
func (b *lineBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Len returns the number of pending bytes.
func (b *lineBuffer) Len() int {
	return len(b.buf)
}

// Pending returns a copy of the bytes not yet returned as a line.
func (b *lineBuffer) Pending() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	return append([]byte(nil), b.buf...)
}

// Reset drops pending bytes.
func (b *lineBuffer) Reset() {
	b.buf = b.buf[:0]
	b.lastStart = 0
}

// next returns the first complete line without its terminator.
func (b *lineBuffer) next(terminator []byte) (string, bool) {
	start := b.lastStart
	if start > len(b.buf) {
		start = len(b.buf)
	}
	if i := bytes.Index(b.buf[start:], terminator); i >= 0 {
		pos := start + i
		line := string(b.buf[:pos])
		b.buf = append(b.buf[:0], b.buf[pos+len(terminator):]...)
		b.lastStart = 0
		return line, true
	}
	// Keep the last bytes that may be the beginning of the terminator.
	next := len(b.buf) - (len(terminator) - 1)
	if next < 0 {
		next = 0
	}
	b.lastStart = next
	return "", false
}

// ReadTo reads from p until terminator is received or timeout elapses.
// Each port read is bounded by the read timeout of the port. On timeout
// ErrTimeout is returned and the partial line is kept for the next call.
func (b *lineBuffer) ReadTo(ctx context.Context, p Port, terminator string, timeout time.Duration) (string, error) {
	if terminator == "" {
		return "", fmt.Errorf("%w: empty terminator", ErrConfiguration)
	}
	term := []byte(terminator)
	if line, ok := b.next(term); ok {
		return line, nil
	}
	deadline := time.Now().Add(readTimeout(timeout))
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := p.Read(b.chunk)
		if n > 0 {
			b.Append(b.chunk[:n])
			if line, ok := b.next(term); ok {
				return line, nil
			}
			if len(b.buf) > maxPending {
				size := len(b.buf)
				b.Reset()
				return "", fmt.Errorf("no terminator in %d bytes", size)
			}
		}
		if err != nil {
			return "", err
		}
		if n == 0 || !time.Now().Before(deadline) {
			return "", ErrTimeout
		}
	}
}
