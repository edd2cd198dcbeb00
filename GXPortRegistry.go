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
	"sync"

	"github.com/Gurux/gxcommon-go"
)

// DefaultBaudRates are the baud rate candidates of a new registry.
var DefaultBaudRates = []gxcommon.BaudRate{
	300, 600, 1200, 2400, 4800, 9600, 14400, 19200, 28800, 38400, 57600, 115200,
}

// Cycle is an ordered list of candidates that wraps around.
// It is not safe for concurrent use.
type Cycle[T comparable] struct {
	items []T
}

// NewCycle returns a cycle over items.
func NewCycle[T comparable](items ...T) *Cycle[T] {
	c := &Cycle[T]{}
	c.Set(items)
	return c
}

// Set replaces the candidates.
func (c *Cycle[T]) Set(items []T) {
	c.items = append([]T(nil), items...)
}

// Items returns a copy of the candidates.
func (c *Cycle[T]) Items() []T {
	return append([]T(nil), c.items...)
}

// Len returns the number of candidates.
func (c *Cycle[T]) Len() int {
	return len(c.items)
}

// Next returns the candidate after current. The first candidate is returned
// when current is the last one or is not in the list.
func (c *Cycle[T]) Next(current T) (T, error) {
	var zero T
	if len(c.items) == 0 {
		return zero, ErrNoCandidates
	}
	for i, v := range c.items {
		if v == current {
			return c.items[(i+1)%len(c.items)], nil
		}
	}
	return c.items[0], nil
}

// GXPortRegistry holds the candidate ports and baud rates of a session.
type GXPortRegistry struct {
	mu    sync.RWMutex
	ports Cycle[string]
	bauds Cycle[gxcommon.BaudRate]
}

// NewGXPortRegistry returns a registry with no ports and DefaultBaudRates.
func NewGXPortRegistry() *GXPortRegistry {
	r := &GXPortRegistry{}
	r.bauds.Set(DefaultBaudRates)
	return r
}

// Ports returns the candidate ports.
func (r *GXPortRegistry) Ports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ports.Items()
}

// SetPorts replaces the candidate ports.
func (r *GXPortRegistry) SetPorts(ports []string) {
	r.mu.Lock()
	r.ports.Set(ports)
	r.mu.Unlock()
}

// BaudRates returns the candidate baud rates.
func (r *GXPortRegistry) BaudRates() []gxcommon.BaudRate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bauds.Items()
}

// SetBaudRates replaces the candidate baud rates.
func (r *GXPortRegistry) SetBaudRates(bauds []gxcommon.BaudRate) {
	r.mu.Lock()
	r.bauds.Set(bauds)
	r.mu.Unlock()
}

// NextPort returns the candidate port after current.
func (r *GXPortRegistry) NextPort(current string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ports.Next(current)
}

// NextBaudRate returns the candidate baud rate after current.
func (r *GXPortRegistry) NextBaudRate(current gxcommon.BaudRate) (gxcommon.BaudRate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bauds.Next(current)
}

// Refresh replaces the candidate ports with the ports listed by d.
func (r *GXPortRegistry) Refresh(d Driver) ([]string, error) {
	ports, err := d.PortNames()
	if err != nil {
		return nil, err
	}
	r.SetPorts(ports)
	return append([]string(nil), ports...), nil
}

// DetailedPorts lists the ports of the system with their USB details.
func (r *GXPortRegistry) DetailedPorts() ([]PortDetails, error) {
	return DetailedPortNames()
}
