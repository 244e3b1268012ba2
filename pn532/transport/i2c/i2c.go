// Copyright 2026 The Offene Werkstatt Wädenswil Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package i2c provides an I2C byte-stream transport for the PN532 using
// periph.io. Every I2C read from the controller is prefixed with a ready
// byte; the transport strips it so the exchange state machine sees the
// same byte stream as over UART.
package i2c

import (
	"fmt"
	"strings"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/werkstattwaedi/machine-auth-sub001/pn532"
)

const (
	// pn532Addr is the controller's fixed 7-bit I2C address.
	pn532Addr = 0x24

	// rdyMask is bit 0 of the leading status byte on every read: set when
	// the controller has response bytes ready.
	rdyMask = 0x01

	// readChunk bounds how many payload bytes a single ReadAvailable
	// transaction fetches.
	readChunk = 32

	// drainRounds bounds DrainReceive so a chattering bus cannot hang it.
	drainRounds = 16
)

// Transport implements pn532.Transport over an I2C bus.
type Transport struct {
	dev     *i2c.Dev
	bus     i2c.BusCloser // held so Close can release the OS descriptor
	busName string

	mu     sync.Mutex
	closed bool
}

// parseBusPath accepts both "/dev/i2c-1" and i2creg names like "1".
func parseBusPath(path string) string {
	if name, ok := strings.CutPrefix(path, "/dev/i2c-"); ok {
		return name
	}
	return path
}

// New initializes the periph host layer and opens the given bus.
func New(busName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	bus, err := i2creg.Open(parseBusPath(busName))
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}
	return &Transport{
		dev:     &i2c.Dev{Addr: pn532Addr, Bus: bus},
		bus:     bus,
		busName: busName,
	}, nil
}

// WriteBytes writes the data as a single I2C transaction.
func (t *Transport) WriteBytes(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pn532.ErrTransportClosed
	}
	if err := t.dev.Tx(data, nil); err != nil {
		return pn532.NewTransportError("write", t.busName, err, pn532.ErrorTypeTransient)
	}
	return nil
}

// ReadAvailable probes the ready bit and, when set, fetches one chunk of
// response bytes. The leading status byte is stripped.
func (t *Transport) ReadAvailable(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, pn532.ErrTransportClosed
	}
	want := len(buf)
	if want > readChunk {
		want = readChunk
	}
	tmp := make([]byte, want+1)
	if err := t.dev.Tx(nil, tmp); err != nil {
		return 0, pn532.NewTransportError("read", t.busName, err, pn532.ErrorTypeTransient)
	}
	if tmp[0]&rdyMask == 0 {
		return 0, nil
	}
	return copy(buf, tmp[1:]), nil
}

// DrainReceive reads and discards pending bytes until the ready bit
// clears or the round limit is hit.
func (t *Transport) DrainReceive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pn532.ErrTransportClosed
	}
	tmp := make([]byte, readChunk+1)
	for n := 0; n < drainRounds; n++ {
		if err := t.dev.Tx(nil, tmp); err != nil {
			return pn532.NewTransportError("drain", t.busName, err, pn532.ErrorTypeTransient)
		}
		if tmp[0]&rdyMask == 0 {
			return nil
		}
	}
	return nil
}

// Close releases the bus.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.bus.Close(); err != nil {
		return fmt.Errorf("failed to close I2C bus %s: %w", t.busName, err)
	}
	return nil
}

// IsConnected reports whether the bus is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Type returns the I2C transport type.
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportI2C
}

// Port returns the bus name.
func (t *Transport) Port() string {
	return t.busName
}

var _ pn532.Transport = (*Transport)(nil)
