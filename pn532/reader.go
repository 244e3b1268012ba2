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

// Package pn532 drives an NXP PN532 NFC front-end over a byte-stream
// transport. It sequences tag detection, presence checks and data
// exchanges as independently pollable operations while enforcing the
// controller's one-command-in-flight constraint.
package pn532

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub001/internal/frame"
	"github.com/werkstattwaedi/machine-auth-sub001/internal/syncutil"
)

// Default timing parameters. These are the only externally tunable knobs;
// everything else about the protocol is fixed.
const (
	DefaultDetectTimeout    = 500 * time.Millisecond
	DefaultExchangeTimeout  = 1 * time.Second
	DefaultPresenceTimeout  = 100 * time.Millisecond
	DefaultPresenceInterval = 250 * time.Millisecond

	// pollInterval is the sleep between polls in the blocking wrappers.
	// At 115200 baud a frame byte takes ~87µs, so half a millisecond
	// keeps latency low without spinning.
	pollInterval = 500 * time.Microsecond
)

// wakeupSequence rouses the PN532 from low-power mode before the first
// frame. The 0x55 bytes give the UART edge detector something to lock on;
// the trailing zeros pad out the required wake time.
var wakeupSequence = []byte{
	frame.WakeupByte, frame.WakeupByte,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Reader owns the transport and the single-operation-in-flight guard.
type Reader struct {
	transport Transport
	trace     *TraceBuffer

	detectTimeout    time.Duration
	exchangeTimeout  time.Duration
	presenceTimeout  time.Duration
	presenceInterval time.Duration

	inFlight    atomic.Bool
	initialized atomic.Bool

	mu       syncutil.Mutex
	firmware *FirmwareVersion
}

// Option configures a Reader.
type Option func(*Reader)

// WithDetectTimeout sets the deadline for a single detection attempt.
func WithDetectTimeout(d time.Duration) Option {
	return func(r *Reader) { r.detectTimeout = d }
}

// WithExchangeTimeout sets the default deadline for data exchanges.
func WithExchangeTimeout(d time.Duration) Option {
	return func(r *Reader) { r.exchangeTimeout = d }
}

// WithPresenceTimeout sets the deadline for a presence check.
func WithPresenceTimeout(d time.Duration) Option {
	return func(r *Reader) { r.presenceTimeout = d }
}

// WithPresenceInterval sets the pause between scheduled presence checks.
func WithPresenceInterval(d time.Duration) Option {
	return func(r *Reader) { r.presenceInterval = d }
}

// WithTraceBuffer attaches a wire trace ring for diagnostics.
func WithTraceBuffer(tb *TraceBuffer) Option {
	return func(r *Reader) { r.trace = tb }
}

// NewReader creates a reader on the given transport. Call Init before any
// tag operation.
func NewReader(t Transport, opts ...Option) *Reader {
	r := &Reader{
		transport:        t,
		detectTimeout:    DefaultDetectTimeout,
		exchangeTimeout:  DefaultExchangeTimeout,
		presenceTimeout:  DefaultPresenceTimeout,
		presenceInterval: DefaultPresenceInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PresenceInterval returns the configured pause between presence checks.
func (r *Reader) PresenceInterval() time.Duration {
	return r.presenceInterval
}

// Transport returns the underlying byte stream.
func (r *Reader) Transport() Transport {
	return r.transport
}

// Idle reports whether no operation is currently in flight. Callers that
// need exclusivity poll this before starting an operation.
func (r *Reader) Idle() bool {
	return !r.inFlight.Load()
}

// acquireOp claims the single in-flight operation slot. The controller
// cannot handle a second command while one is pending, so a conflict is a
// caller bug, not a condition to wait out.
func (r *Reader) acquireOp(kind string) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", kind, ErrOperationPending)
	}
	return nil
}

func (r *Reader) releaseOp() {
	r.inFlight.Store(false)
}

// Init wakes the controller and runs the fixed bring-up sequence:
// SAMConfiguration (normal mode), firmware version check, and RF retry
// configuration so detection attempts return promptly.
func (r *Reader) Init(ctx context.Context) error {
	if err := r.transport.WriteBytes(wakeupSequence); err != nil {
		return NewTransportError("wakeup", r.transport.Port(), err, ErrorTypeTransient)
	}
	r.trace.RecordTX(wakeupSequence, "wakeup")
	// The wakeup bytes may elicit garbage; start from a clean buffer.
	if err := r.transport.DrainReceive(); err != nil {
		return NewTransportError("wakeup drain", r.transport.Port(), err, ErrorTypeTransient)
	}

	// SAMConfiguration: normal mode, timeout 0x14 (1s), use IRQ.
	if _, err := r.command(ctx, cmdSamConfiguration, []byte{samModeNormal, 0x14, 0x01}, r.exchangeTimeout); err != nil {
		return fmt.Errorf("SAMConfiguration: %w", err)
	}

	fw, err := r.queryFirmwareVersion(ctx)
	if err != nil {
		return fmt.Errorf("GetFirmwareVersion: %w", err)
	}
	if fw.IC != 0x32 {
		return fmt.Errorf("%w: unexpected IC 0x%02X", ErrControllerError, fw.IC)
	}
	r.mu.Lock()
	r.firmware = fw
	r.mu.Unlock()

	// MxRtyATR default, MxRtyPSL 1, MxRtyPassiveActivation 1: a single
	// detection attempt per command, host-side loops do the polling.
	if _, err := r.command(ctx, cmdRFConfiguration, []byte{rfItemMaxRetries, 0xFF, 0x01, 0x01}, r.exchangeTimeout); err != nil {
		return fmt.Errorf("RFConfiguration: %w", err)
	}

	r.initialized.Store(true)
	return nil
}

// SelfTest runs the communication-line diagnostic: the controller must
// echo the test pattern back unchanged.
func (r *Reader) SelfTest(ctx context.Context) error {
	pattern := []byte{diagCommunicationTest, 0x6F, 0x77, 0x77, 0x6D, 0x61, 0x63, 0x6F}
	payload, err := r.command(ctx, cmdDiagnose, pattern, r.exchangeTimeout)
	if err != nil {
		return fmt.Errorf("diagnose: %w", err)
	}
	if len(payload) != len(pattern) {
		return fmt.Errorf("%w: diagnose echo length %d", ErrDataIntegrity, len(payload))
	}
	for i, b := range pattern {
		if payload[i] != b {
			return fmt.Errorf("%w: diagnose echo mismatch", ErrDataIntegrity)
		}
	}
	return nil
}

// RecoverFromDesync re-establishes byte alignment after an integrity
// failure: an ACK frame aborts whatever command the controller thinks is
// in progress, then the receive buffer is discarded wholesale. Must be
// called before the next operation whenever IsDataIntegrity(err) or a
// mid-exchange timeout occurred.
func (r *Reader) RecoverFromDesync() error {
	if err := r.transport.WriteBytes(frame.BuildAckFrame()); err != nil {
		return NewTransportError("desync abort", r.transport.Port(), err, ErrorTypeTransient)
	}
	r.trace.RecordTX(frame.AckFrame, "desync abort")
	if err := r.transport.DrainReceive(); err != nil {
		return NewTransportError("desync drain", r.transport.Port(), err, ErrorTypeTransient)
	}
	r.trace.RecordEvent("receive buffer drained")
	return nil
}

// Close releases the transport.
func (r *Reader) Close() error {
	r.initialized.Store(false)
	if err := r.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// command runs a full exchange under the in-flight guard, blocking until
// completion, deadline or context cancellation. Init-sequence and simple
// one-shot commands use this directly; tag operations go through the
// pollable operation types instead.
func (r *Reader) command(ctx context.Context, cmd byte, params []byte, timeout time.Duration) ([]byte, error) {
	if err := r.acquireOp(fmt.Sprintf("command 0x%02X", cmd)); err != nil {
		return nil, err
	}
	defer r.releaseOp()

	ex, err := newExchange(r.transport, r.trace, cmd, params, timeout)
	if err != nil {
		return nil, err
	}
	return r.await(ctx, ex)
}

// await polls an exchange to completion. Context cancellation abandons
// the exchange mid-frame; the link alignment is then unknown and the
// caller must run RecoverFromDesync before reuse.
func (r *Reader) await(ctx context.Context, ex *exchange) ([]byte, error) {
	for !ex.poll() {
		select {
		case <-ctx.Done():
			ex.finish(nil, ctx.Err())
			return nil, fmt.Errorf("exchange abandoned: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
	return ex.result()
}
