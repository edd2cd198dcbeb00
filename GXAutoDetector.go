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
	"time"

	"github.com/rs/zerolog"
)

// GXAutoDetector finds the port of a device that identifies itself by
// sending a probe line.
type GXAutoDetector struct {
	driver   Driver
	registry *GXPortRegistry
	log      zerolog.Logger
}

// NewGXAutoDetector returns a detector that probes the ports of registry.
func NewGXAutoDetector(driver Driver, registry *GXPortRegistry, log zerolog.Logger) *GXAutoDetector {
	return &GXAutoDetector{driver: driver, registry: registry, log: log}
}

// Detection is the port found by Detect.
type Detection struct {
	Port Port
	Name string
	// Pending holds the bytes that followed the probe line in the same
	// reads. They belong to the first lines of the device.
	Pending []byte
}

// Detect opens every candidate port in turn and waits for one line.
// When the line is the handshake probe, the reply is written, the read
// timeout is set back to cfg.ReadTimeout and the open port is returned with
// its name. Every other trial port is closed. ErrNoDevice is returned when
// no candidate answered.
func (d *GXAutoDetector) Detect(ctx context.Context, cfg SessionConfig) (Detection, error) {
	candidates := d.registry.Ports()
	if len(candidates) == 0 {
		var err error
		if candidates, err = d.registry.Refresh(d.driver); err != nil {
			return Detection{}, fmt.Errorf("%w: %w", ErrNoDevice, err)
		}
	}
	if len(candidates) == 0 {
		return Detection{}, fmt.Errorf("%w: %w", ErrNoDevice, ErrNoCandidates)
	}
	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return Detection{}, err
		}
		found, err := d.probe(ctx, cfg, name)
		if err == nil {
			d.log.Info().Str("port", name).Int("pending", len(found.Pending)).Msg("device answered handshake")
			return found, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Detection{}, err
		}
		d.log.Debug().Str("port", name).Err(err).Msg("no handshake")
	}
	return Detection{}, ErrNoDevice
}

// probe opens one candidate. The port is closed unless the probe matched.
func (d *GXAutoDetector) probe(ctx context.Context, cfg SessionConfig, name string) (found Detection, err error) {
	trial := cfg
	trial.Port = name
	// Open with the session read timeout when it fits in the handshake so
	// that the port needs no new timeout afterwards. Some drivers reopen the
	// device for that, which resets boards that reboot on DTR.
	if readTimeout(cfg.ReadTimeout) > cfg.Handshake.Timeout {
		trial.ReadTimeout = cfg.Handshake.Timeout
	}
	p, err := d.driver.Open(&trial)
	if err != nil {
		return Detection{}, err
	}
	defer func() {
		if err != nil {
			_ = p.Close()
			found = Detection{}
		}
	}()
	lines := newLineBuffer()
	var line string
	deadline := time.Now().Add(cfg.Handshake.Timeout)
	for {
		line, err = lines.ReadTo(ctx, p, trial.Terminator(), time.Until(deadline))
		if !errors.Is(err, ErrTimeout) || !time.Now().Before(deadline) {
			break
		}
	}
	if err != nil {
		return Detection{}, err
	}
	if line != cfg.Handshake.Probe {
		return Detection{}, fmt.Errorf("unexpected handshake %q", line)
	}
	nl := cfg.NewLine
	if nl == "" {
		nl = "\n"
	}
	if err = writeWithTimeout(p, []byte(cfg.Handshake.Reply+nl), cfg.WriteTimeout); err != nil {
		return Detection{}, err
	}
	if trial.ReadTimeout != cfg.ReadTimeout {
		if err = p.SetReadTimeout(readTimeout(cfg.ReadTimeout)); err != nil {
			return Detection{}, err
		}
	}
	return Detection{Port: p, Name: name, Pending: lines.Pending()}, nil
}
