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
	"fmt"
	"sync"
)

// Channel identifies one of the notification channels of the hub.
type Channel int

const (
	// DataParsed is published for every parsed frame.
	DataParsed Channel = iota
	// PortOpened is published after the port was opened.
	PortOpened
	// PortClosed is published after an open port was closed.
	PortClosed
	// DataSent is published after data was written without a terminator.
	DataSent
	// LineSent is published after data was written as a line.
	LineSent
	channelCount
)

// Channels lists every channel in publish order.
var Channels = []Channel{DataParsed, PortOpened, PortClosed, DataSent, LineSent}

func (c Channel) String() string {
	switch c {
	case DataParsed:
		return "DataParsed"
	case PortOpened:
		return "PortOpened"
	case PortClosed:
		return "PortClosed"
	case DataSent:
		return "DataSent"
	case LineSent:
		return "LineSent"
	}
	return fmt.Sprintf("Channel(%d)", int(c))
}

// Event is the payload delivered to subscribers.
type Event struct {
	Channel Channel
	// Port is the port the event belongs to.
	Port string
	// Frame is set for DataParsed.
	Frame Frame
	// Data is set for DataSent and LineSent. It never contains the line
	// terminator.
	Data string
}

// Handler receives events. Handlers run on the publishing goroutine.
type Handler func(e Event)

// Handle identifies a subscription. The zero Handle is never registered.
type Handle struct {
	ch Channel
	id uint64
}

// Channel returns the channel the handle was registered for.
func (h Handle) Channel() Channel {
	return h.ch
}

// Valid reports whether the handle came from Subscribe.
func (h Handle) Valid() bool {
	return h.id != 0
}

type subscriber struct {
	id uint64
	fn Handler
}

// GXEventHub delivers events to the subscribers of each channel.
// It is safe for concurrent use. Subscribers may subscribe and unsubscribe
// from inside a handler; the change applies to the next publish.
type GXEventHub struct {
	mu      sync.RWMutex
	next    uint64
	subs    [channelCount][]subscriber
	onFault func(err error)
}

// NewGXEventHub returns an empty hub.
func NewGXEventHub() *GXEventHub {
	return &GXEventHub{}
}

// SetOnFault sets the function that receives failures of subscribers.
func (h *GXEventHub) SetOnFault(value func(err error)) {
	h.mu.Lock()
	h.onFault = value
	h.mu.Unlock()
}

// Subscribe registers fn for ch and returns its handle.
func (h *GXEventHub) Subscribe(ch Channel, fn Handler) Handle {
	if fn == nil || ch < 0 || ch >= channelCount {
		return Handle{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.subs[ch] = append(h.subs[ch], subscriber{id: h.next, fn: fn})
	return Handle{ch: ch, id: h.next}
}

// Unsubscribe removes the subscription. Unknown handles are ignored.
func (h *GXEventHub) Unsubscribe(handle Handle) {
	if !handle.Valid() || handle.ch < 0 || handle.ch >= channelCount {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[handle.ch]
	for i, s := range list {
		if s.id == handle.id {
			// Copy so that a snapshot taken by a running publish stays intact.
			n := make([]subscriber, 0, len(list)-1)
			n = append(n, list[:i]...)
			h.subs[handle.ch] = append(n, list[i+1:]...)
			return
		}
	}
}

// Count returns the number of subscribers of ch.
func (h *GXEventHub) Count(ch Channel) int {
	if ch < 0 || ch >= channelCount {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[ch])
}

// Publish delivers e to every subscriber of e.Channel in subscription order.
// A panicking subscriber is reported to the fault handler and the delivery
// continues with the next one.
func (h *GXEventHub) Publish(e Event) {
	if e.Channel < 0 || e.Channel >= channelCount {
		return
	}
	h.mu.RLock()
	list := h.subs[e.Channel]
	onFault := h.onFault
	h.mu.RUnlock()

	for _, s := range list {
		ev := e
		if e.Channel == DataParsed {
			ev.Frame = e.Frame.Clone()
		}
		if err := h.deliver(s.fn, ev); err != nil && onFault != nil {
			onFault(err)
		}
	}
}

func (h *GXEventHub) deliver(fn Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s subscriber failed: %v", e.Channel, r)
		}
	}()
	fn(e)
	return nil
}
