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

// Package uart provides a serial byte-stream transport for the PN532,
// using the controller's High Speed UART interface at 115200 8N1.
package uart

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/werkstattwaedi/machine-auth-sub001/pn532"
)

const (
	defaultBaudRate = 115200

	// readProbeTimeout bounds a single ReadAvailable call. The exchange
	// state machine polls, so reads must return quickly whether or not
	// bytes arrived.
	readProbeTimeout = time.Millisecond
)

// Transport implements pn532.Transport over a serial port.
type Transport struct {
	port      serial.Port
	portName  string
	connected atomic.Bool
}

// New opens the serial port and configures it for the PN532's HSU mode.
func New(portName string) (*Transport, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: defaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(readProbeTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}

	t := &Transport{port: port, portName: portName}
	t.connected.Store(true)
	return t, nil
}

// WriteBytes writes the data in one shot.
func (t *Transport) WriteBytes(data []byte) error {
	if !t.connected.Load() {
		return pn532.ErrTransportClosed
	}
	n, err := t.port.Write(data)
	if err != nil {
		return pn532.NewTransportError("write", t.portName, err, pn532.ErrorTypeTransient)
	}
	if n != len(data) {
		return pn532.NewTransportError("write", t.portName,
			fmt.Errorf("short write: %d of %d bytes", n, len(data)), pn532.ErrorTypeTransient)
	}
	return nil
}

// ReadAvailable returns whatever bytes the port has buffered. The short
// read timeout makes a silent line look like (0, nil) rather than a block.
func (t *Transport) ReadAvailable(buf []byte) (int, error) {
	if !t.connected.Load() {
		return 0, pn532.ErrTransportClosed
	}
	n, err := t.port.Read(buf)
	if err != nil {
		return 0, pn532.NewTransportError("read", t.portName, err, pn532.ErrorTypeTransient)
	}
	return n, nil
}

// DrainReceive discards the OS receive buffer.
func (t *Transport) DrainReceive() error {
	if !t.connected.Load() {
		return pn532.ErrTransportClosed
	}
	if err := t.port.ResetInputBuffer(); err != nil {
		return pn532.NewTransportError("drain", t.portName, err, pn532.ErrorTypeTransient)
	}
	return nil
}

// Close closes the serial port.
func (t *Transport) Close() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("failed to close port %s: %w", t.portName, err)
	}
	return nil
}

// IsConnected reports whether the port is open.
func (t *Transport) IsConnected() bool {
	return t.connected.Load()
}

// Type returns the UART transport type.
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportUART
}

// Port returns the serial device path.
func (t *Transport) Port() string {
	return t.portName
}

var _ pn532.Transport = (*Transport)(nil)
