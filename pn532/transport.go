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

package pn532

// TransportType identifies the transport variant in use
type TransportType string

const (
	// TransportUART represents UART transport type
	TransportUART TransportType = "uart"
	// TransportI2C represents I2C transport type
	TransportI2C TransportType = "i2c"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// Transport is the byte-stream interface the exchange state machine runs
// on. It is deliberately dumber than a request/response transport: framing,
// ACK handling and timeouts all live in the state machine so that a single
// scripted implementation can drive every test scenario.
//
// ReadAvailable must never block: it returns whatever bytes the link has
// buffered, possibly none. Blocking and deadlines are the caller's job.
type Transport interface {
	// WriteBytes writes the given bytes to the controller in one shot.
	WriteBytes(data []byte) error

	// ReadAvailable copies buffered bytes into buf and returns the count.
	// A return of (0, nil) means no data yet.
	ReadAvailable(buf []byte) (int, error)

	// DrainReceive discards all buffered receive bytes. Used by desync
	// recovery to re-establish frame alignment.
	DrainReceive() error

	// Close closes the underlying link.
	Close() error

	// IsConnected reports whether the link is usable.
	IsConnected() bool

	// Type returns the transport variant.
	Type() TransportType

	// Port returns a human-readable identifier for error messages.
	Port() string
}
