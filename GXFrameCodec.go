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
	"strings"
)

// DefaultSeparator splits fields when the configuration does not name one.
const DefaultSeparator = ','

// Frame is one parsed line received from the serial port.
type Frame struct {
	// Raw is the received line without the terminator.
	Raw string
	// Fields are the parts of Raw split by the separator.
	Fields []string
}

// ParseLine splits raw into fields by sep.
// Fields are not trimmed and there is no escape syntax, so joining the
// fields with sep gives back raw. An empty raw yields a frame with a single
// empty field and ErrEmptyLine; such a frame must not be published.
func ParseLine(raw string, sep rune) (Frame, error) {
	f := Frame{Raw: raw, Fields: strings.Split(raw, string(sep))}
	if raw == "" {
		return f, ErrEmptyLine
	}
	return f, nil
}

// Join returns the fields joined by sep.
func (f Frame) Join(sep rune) string {
	return strings.Join(f.Fields, string(sep))
}

// Clone returns a copy that does not share the field slice.
func (f Frame) Clone() Frame {
	fields := make([]string, len(f.Fields))
	copy(fields, f.Fields)
	return Frame{Raw: f.Raw, Fields: fields}
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return f.Raw
}
