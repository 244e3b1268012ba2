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

import (
	"errors"
	"fmt"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub001/internal/frame"
)

// exchangeState tracks where a command/ACK/response cycle currently is.
type exchangeState int

const (
	stateSending exchangeState = iota
	stateWaitingAck
	stateWaitingResponse
	stateDone
)

func (s exchangeState) String() string {
	switch s {
	case stateSending:
		return "Sending"
	case stateWaitingAck:
		return "WaitingAck"
	case stateWaitingResponse:
		return "WaitingResponse"
	case stateDone:
		return "Done"
	default:
		return fmt.Sprintf("exchangeState(%d)", int(s))
	}
}

// exchange drives one command/ACK/response cycle as a resumable state
// machine. poll never blocks: it consumes whatever bytes the transport has
// buffered and reports whether the cycle finished. Buffers are fixed-size
// and reused across polls so steady-state polling does not allocate.
type exchange struct {
	transport Transport
	trace     *TraceBuffer

	cmd      byte
	txFrame  []byte
	deadline time.Time

	state  exchangeState
	ackBuf []byte // accumulates the 6 ACK bytes
	rxBuf  []byte // accumulates the response frame
	ackLen int
	rxLen  int

	payload []byte
	err     error
}

// newExchange builds the wire frame up front so frame-size errors surface
// before anything is written.
func newExchange(t Transport, trace *TraceBuffer, cmd byte, params []byte, timeout time.Duration) (*exchange, error) {
	txFrame, err := frame.BuildFrame(cmd, params)
	if err != nil {
		return nil, NewTransportError("buildFrame", t.Port(), err, ErrorTypePermanent)
	}
	return &exchange{
		transport: t,
		trace:     trace,
		cmd:       cmd,
		txFrame:   txFrame,
		deadline:  time.Now().Add(timeout),
		state:     stateSending,
		ackBuf:    frame.GetBuffer(frame.SmallBufferSize),
		rxBuf:     frame.GetRxBuffer(),
	}, nil
}

// poll advances the state machine. It returns true once the exchange has
// finished, after which result() holds the outcome. Calling poll after
// completion is a no-op.
func (e *exchange) poll() bool {
	if e.state == stateDone {
		return true
	}

	// Deadline first, every poll: a stuck controller must not be able to
	// wedge the caller in any state.
	if time.Now().After(e.deadline) {
		e.trace.RecordEvent(fmt.Sprintf("timeout in %s", e.state))
		e.finish(nil, NewTimeoutError(fmt.Sprintf("exchange(0x%02X) %s", e.cmd, e.state), e.transport.Port()))
		return true
	}

	switch e.state {
	case stateSending:
		e.pollSending()
	case stateWaitingAck:
		e.pollWaitingAck()
	case stateWaitingResponse:
		e.pollWaitingResponse()
	case stateDone:
	}
	return e.state == stateDone
}

// result returns the response payload once poll has reported completion.
func (e *exchange) result() ([]byte, error) {
	return e.payload, e.err
}

func (e *exchange) finish(payload []byte, err error) {
	e.payload = payload
	e.err = err
	e.state = stateDone
	e.releaseBuffers()
}

func (e *exchange) releaseBuffers() {
	if e.ackBuf != nil {
		frame.PutBuffer(e.ackBuf)
		e.ackBuf = nil
	}
	if e.rxBuf != nil {
		frame.PutBuffer(e.rxBuf)
		e.rxBuf = nil
	}
}

func (e *exchange) pollSending() {
	if err := e.transport.WriteBytes(e.txFrame); err != nil {
		e.finish(nil, NewTransportError("writeFrame", e.transport.Port(), err, ErrorTypeTransient))
		return
	}
	e.trace.RecordTX(e.txFrame, "")
	Debugf("tx cmd 0x%02X: % X", e.cmd, e.txFrame)
	e.state = stateWaitingAck
}

func (e *exchange) pollWaitingAck() {
	n, err := e.transport.ReadAvailable(e.ackBuf[e.ackLen:len(frame.AckFrame)])
	if err != nil {
		e.finish(nil, NewTransportError("readAck", e.transport.Port(), err, ErrorTypeTransient))
		return
	}
	if n == 0 {
		return
	}
	e.trace.RecordRX(e.ackBuf[e.ackLen:e.ackLen+n], "ack")
	e.ackLen += n
	if e.ackLen < len(frame.AckFrame) {
		return
	}

	// Full ACK-sized pattern present. Anything but the exact ACK bytes
	// means the link is out of step; retrying without recovery would only
	// misparse further bytes.
	if !frame.IsAck(e.ackBuf[:len(frame.AckFrame)]) {
		err := NewIntegrityError("readAck", e.transport.Port(),
			fmt.Errorf("unexpected ack bytes % X", e.ackBuf[:len(frame.AckFrame)]))
		e.finish(nil, e.trace.WrapError(err))
		return
	}
	e.state = stateWaitingResponse
}

func (e *exchange) pollWaitingResponse() {
	n, err := e.transport.ReadAvailable(e.rxBuf[e.rxLen:])
	if err != nil {
		e.finish(nil, NewTransportError("readResponse", e.transport.Port(), err, ErrorTypeTransient))
		return
	}
	if n == 0 {
		return
	}
	e.trace.RecordRX(e.rxBuf[e.rxLen:e.rxLen+n], "")
	e.rxLen += n

	if !frame.ResponseComplete(e.rxBuf[:e.rxLen]) {
		if e.rxLen == len(e.rxBuf) {
			// Buffer exhausted without a decodable frame: pure noise.
			err := NewIntegrityError("readResponse", e.transport.Port(),
				errors.New("receive buffer filled without frame start"))
			e.finish(nil, e.trace.WrapError(err))
		}
		return
	}

	payload, perr := frame.ParseResponse(e.cmd, e.rxBuf[:e.rxLen])
	if perr != nil {
		if errors.Is(perr, frame.ErrIncomplete) {
			return
		}
		if errors.Is(perr, frame.ErrControllerError) {
			e.finish(nil, fmt.Errorf("%w: %w", ErrControllerError, perr))
			return
		}
		e.finish(nil, e.trace.WrapError(NewIntegrityError("parseResponse", e.transport.Port(), perr)))
		return
	}
	Debugf("rx cmd 0x%02X: % X", e.cmd, e.rxBuf[:e.rxLen])
	e.finish(payload, nil)
}
