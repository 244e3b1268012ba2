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

// Package nfctest provides scripted transports and a crypto-correct
// simulated NTAG424 tag for exercising the reader stack without hardware.
package nfctest

import (
	"bytes"
	"errors"
	"sync"

	"github.com/werkstattwaedi/machine-auth-sub001/internal/frame"
	"github.com/werkstattwaedi/machine-auth-sub001/pn532"
)

// ErrClosed is returned by transport methods after Close.
var ErrClosed = errors.New("scripted transport closed")

// ScriptedTransport is a pn532.Transport backed by in-memory buffers.
// Tests either pre-queue the bytes the "controller" will send, or install
// an OnWrite hook that inspects each written frame and queues a reply,
// which is how the simulated tag is wired up.
type ScriptedTransport struct {
	mu     sync.Mutex
	rx     bytes.Buffer
	writes [][]byte

	// OnWrite, if set, runs after each WriteBytes with a copy of the
	// written data. It may queue response bytes.
	OnWrite func(data []byte)

	// ChunkSize caps bytes returned per ReadAvailable call so tests can
	// exercise partial frame delivery. Zero means unlimited.
	ChunkSize int

	writeErr error
	readErr  error
	closed   bool
	drains   int
}

// NewScriptedTransport creates an empty scripted transport.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{}
}

// WriteBytes records the written data and triggers the OnWrite hook.
func (t *ScriptedTransport) WriteBytes(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.writes = append(t.writes, cp)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(cp)
	}
	return nil
}

// ReadAvailable pops buffered controller bytes, honoring ChunkSize.
func (t *ScriptedTransport) ReadAvailable(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	if t.readErr != nil {
		return 0, t.readErr
	}
	limit := len(buf)
	if t.ChunkSize > 0 && limit > t.ChunkSize {
		limit = t.ChunkSize
	}
	n, _ := t.rx.Read(buf[:limit])
	return n, nil
}

// DrainReceive discards everything queued for the host to read.
func (t *ScriptedTransport) DrainReceive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.rx.Reset()
	t.drains++
	return nil
}

// Close marks the transport unusable.
func (t *ScriptedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// IsConnected reports whether Close has not been called.
func (t *ScriptedTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Type returns the mock transport type.
func (*ScriptedTransport) Type() pn532.TransportType {
	return pn532.TransportMock
}

// Port returns a fixed identifier for error messages.
func (*ScriptedTransport) Port() string {
	return "mock"
}

// QueueBytes appends raw bytes for the host to read.
func (t *ScriptedTransport) QueueBytes(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx.Write(data)
}

// QueueAck queues the controller's ACK frame.
func (t *ScriptedTransport) QueueAck() {
	t.QueueBytes(frame.AckFrame)
}

// QueueResponse queues a well-formed controller response frame for the
// given command (the response command byte is cmd+1).
func (t *ScriptedTransport) QueueResponse(cmd byte, data []byte) {
	t.QueueBytes(BuildControllerFrame(cmd+1, data))
}

// SetWriteError makes subsequent WriteBytes calls fail.
func (t *ScriptedTransport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// SetReadError makes subsequent ReadAvailable calls fail.
func (t *ScriptedTransport) SetReadError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
}

// Writes returns copies of everything written so far.
func (t *ScriptedTransport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// LastWrite returns the most recent write, or nil.
func (t *ScriptedTransport) LastWrite() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.writes) == 0 {
		return nil
	}
	return t.writes[len(t.writes)-1]
}

// DrainCount returns how many times DrainReceive ran.
func (t *ScriptedTransport) DrainCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drains
}

// Pending returns how many queued bytes the host has not read yet.
func (t *ScriptedTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rx.Len()
}

// BuildControllerFrame assembles a PN532-to-host information frame with
// the given response command byte and data.
func BuildControllerFrame(responseCmd byte, data []byte) []byte {
	payloadLen := 2 + len(data)
	out := []byte{frame.Preamble, frame.StartCode1, frame.StartCode2,
		byte(payloadLen), ^byte(payloadLen) + 1, frame.Pn532ToHost, responseCmd}
	out = append(out, data...)
	out = append(out, frame.ChecksumByte(out[5:]), frame.Postamble)
	return out
}

// ParseHostFrame extracts (command, params) from a host-to-controller
// frame written by the stack. ACK frames and wakeup noise return ok=false.
func ParseHostFrame(wire []byte) (cmd byte, params []byte, ok bool) {
	start := frame.FindFrameStart(wire)
	if start < 0 || len(wire) < start+4 {
		return 0, nil, false
	}
	length := int(wire[start+2])
	if wire[start+2]+wire[start+3] != 0 || length < 2 {
		return 0, nil, false
	}
	payloadStart := start + 4
	if len(wire) < payloadStart+length+1 || wire[payloadStart] != frame.HostToPn532 {
		return 0, nil, false
	}
	cmd = wire[payloadStart+1]
	params = make([]byte, length-2)
	copy(params, wire[payloadStart+2:payloadStart+length])
	return cmd, params, true
}
