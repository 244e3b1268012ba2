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
	"strings"
	"sync"
	"time"
)

// Sentinel errors for reader operations.
var (
	// ErrNoTagDetected means the detection command completed but no tag
	// is in the field. Expected steady-state polling result, never logged
	// as an error.
	ErrNoTagDetected = errors.New("no tag detected")

	// ErrTimeout means the operation deadline elapsed while waiting for
	// bytes from the controller.
	ErrTimeout = errors.New("operation timed out")

	// ErrDataIntegrity means a checksum, frame identifier, ACK pattern or
	// command echo failed validation. The link byte alignment is suspect
	// and RecoverFromDesync must run before the next operation.
	ErrDataIntegrity = errors.New("frame data integrity check failed")

	// ErrControllerError means the controller answered with its dedicated
	// error frame or a nonzero command status.
	ErrControllerError = errors.New("controller reported an error")

	// ErrOperationPending means an operation of the same kind is already
	// in flight. The controller accepts only one outstanding command;
	// this is a caller contract violation, not a queueing request.
	ErrOperationPending = errors.New("operation already in flight")

	// ErrTransportClosed means the byte stream is no longer usable.
	ErrTransportClosed = errors.New("transport closed")

	// ErrNotInitialized means the reader init sequence has not completed.
	ErrNotInitialized = errors.New("reader not initialized")

	// ErrInvalidParameter indicates invalid input parameters.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// TransportError provides detailed error information for transport operations
type TransportError struct {
	Err       error
	Op        string
	Port      string
	Type      ErrorType
	Retryable bool
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s on %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error with the given details
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTimeoutError creates a timeout transport error
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTimeout, ErrorTypeTimeout)
}

// NewIntegrityError creates a data-integrity transport error wrapping the
// codec-level cause.
func NewIntegrityError(op, port string, cause error) *TransportError {
	return NewTransportError(op, port, fmt.Errorf("%w: %w", ErrDataIntegrity, cause), ErrorTypeTransient)
}

// IsNotFound reports whether err is the expected "no tag in field" result.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoTagDetected)
}

// IsTimeout reports whether err is a deadline expiry rather than a
// protocol failure.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te) && te.Type == ErrorTypeTimeout
}

// IsDataIntegrity reports whether err indicates corrupt bytes on the link.
// Callers must run desync recovery before issuing the next command.
func IsDataIntegrity(err error) bool {
	return errors.Is(err, ErrDataIntegrity)
}

// IsRetryable determines if an error is worth retrying with a fresh frame
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return IsTimeout(err) || IsDataIntegrity(err)
}

// IsFatal determines if an error indicates the transport itself is gone
func IsFatal(err error) bool {
	if errors.Is(err, ErrTransportClosed) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}
	return false
}

// TraceDirection indicates which way bytes moved on the wire
type TraceDirection string

const (
	// TraceTX marks bytes written to the controller
	TraceTX TraceDirection = "TX"
	// TraceRX marks bytes read from the controller
	TraceRX TraceDirection = "RX"
	// TraceEvent marks a non-data event such as a timeout
	TraceEvent TraceDirection = "--"
)

// TraceEntry is a single wire-level event in a trace buffer
type TraceEntry struct {
	Time time.Time
	Dir  TraceDirection
	Note string
	Data []byte
}

func (e TraceEntry) String() string {
	if len(e.Data) == 0 {
		return fmt.Sprintf("%s %s %s", e.Time.Format("15:04:05.000"), e.Dir, e.Note)
	}
	return fmt.Sprintf("%s %s % X %s", e.Time.Format("15:04:05.000"), e.Dir, e.Data, e.Note)
}

// TraceBuffer keeps a bounded ring of recent wire events. It is attached
// to integrity errors so a single log line can show the bytes that led to
// the failure.
type TraceBuffer struct {
	port    string
	entries []TraceEntry
	next    int
	full    bool
	mu      sync.Mutex
}

// NewTraceBuffer creates a trace buffer holding up to maxSize entries.
func NewTraceBuffer(port string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = 32
	}
	return &TraceBuffer{
		port:    port,
		entries: make([]TraceEntry, maxSize),
	}
}

// RecordTX records bytes written to the controller.
func (tb *TraceBuffer) RecordTX(data []byte, note string) {
	tb.record(TraceTX, data, note)
}

// RecordRX records bytes read from the controller.
func (tb *TraceBuffer) RecordRX(data []byte, note string) {
	tb.record(TraceRX, data, note)
}

// RecordEvent records a non-data event (timeout, state change).
func (tb *TraceBuffer) RecordEvent(note string) {
	tb.record(TraceEvent, nil, note)
}

func (tb *TraceBuffer) record(dir TraceDirection, data []byte, note string) {
	if tb == nil {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	var cp []byte
	if len(data) > 0 {
		cp = make([]byte, len(data))
		copy(cp, data)
	}
	tb.entries[tb.next] = TraceEntry{Time: time.Now(), Dir: dir, Data: cp, Note: note}
	tb.next = (tb.next + 1) % len(tb.entries)
	if tb.next == 0 {
		tb.full = true
	}
}

// Clear discards all recorded entries.
func (tb *TraceBuffer) Clear() {
	if tb == nil {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for i := range tb.entries {
		tb.entries[i] = TraceEntry{}
	}
	tb.next = 0
	tb.full = false
}

// Format renders the trace oldest-first for logging.
func (tb *TraceBuffer) Format() string {
	if tb == nil {
		return ""
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "wire trace (%s):\n", tb.port)
	appendRange := func(from, to int) {
		for i := from; i < to; i++ {
			if tb.entries[i].Dir == "" {
				continue
			}
			sb.WriteString("  ")
			sb.WriteString(tb.entries[i].String())
			sb.WriteByte('\n')
		}
	}
	if tb.full {
		appendRange(tb.next, len(tb.entries))
	}
	appendRange(0, tb.next)
	return sb.String()
}

// TraceableError couples an error with the wire trace leading up to it.
type TraceableError struct {
	Err   error
	Trace string
}

func (e *TraceableError) Error() string {
	return e.Err.Error()
}

func (e *TraceableError) Unwrap() error {
	return e.Err
}

// WrapError attaches the current trace contents to err.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil || tb == nil {
		return err
	}
	return &TraceableError{Err: err, Trace: tb.Format()}
}

// GetTrace extracts an attached wire trace from err, if any.
func GetTrace(err error) (string, bool) {
	var te *TraceableError
	if errors.As(err, &te) {
		return te.Trace, true
	}
	return "", false
}
