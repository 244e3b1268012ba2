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
	"context"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxUIDLength is the longest NFCID1 the detection response may carry.
const MaxUIDLength = 10

// sakISO14443v4 is bit 5 of SAK: the tag speaks ISO 14443-4 (required for
// the NTAG424 command set).
const sakISO14443v4 = 0x20

// TagInfo describes a tag found by detection. The Target number is the
// controller-assigned handle for this tap and is only valid until the tag
// leaves the field or is released.
type TagInfo struct {
	UID        []byte
	ATQ        [2]byte
	SAK        byte
	Target     byte
	ISO14443v4 bool
}

// UIDString returns the UID as lowercase hex.
func (t *TagInfo) UIDString() string {
	return hex.EncodeToString(t.UID)
}

// DetectOp is a pollable tag detection. Created by StartDetect; call Poll
// until it reports done, then Result.
type DetectOp struct {
	reader *Reader
	ex     *exchange

	tag  *TagInfo
	err  error
	done bool
}

// StartDetect issues InListPassiveTarget for one 106 kbps type A target.
// Fails with ErrOperationPending if any operation is in flight.
func (r *Reader) StartDetect(timeout time.Duration) (*DetectOp, error) {
	if err := r.acquireOp("detect"); err != nil {
		return nil, err
	}
	ex, err := newExchange(r.transport, r.trace, cmdInListPassiveTarget, []byte{0x01, brTy106kbpsTypeA}, timeout)
	if err != nil {
		r.releaseOp()
		return nil, err
	}
	return &DetectOp{reader: r, ex: ex}, nil
}

// Poll advances the detection. Returns true once a result is available.
func (o *DetectOp) Poll() bool {
	if o.done {
		return true
	}
	if !o.ex.poll() {
		return false
	}
	o.done = true
	o.reader.releaseOp()

	payload, err := o.ex.result()
	if err != nil {
		// No response inside the deadline means no tag answered the
		// field, which is the expected idle result, not a failure.
		if IsTimeout(err) {
			o.err = ErrNoTagDetected
		} else {
			o.err = err
		}
		return true
	}
	o.tag, o.err = parseDetection(payload)
	return true
}

// Result returns the detected tag once Poll has reported completion.
func (o *DetectOp) Result() (*TagInfo, error) {
	return o.tag, o.err
}

// abandon finishes the detection without a result and releases the
// in-flight slot exactly once.
func (o *DetectOp) abandon(err error) {
	if o.done {
		return
	}
	o.done = true
	o.err = err
	o.ex.finish(nil, err)
	o.reader.releaseOp()
}

// parseDetection decodes an InListPassiveTarget response:
// [NbTg] [Tg] [SENS_RES(2)] [SEL_RES] [NFCIDLength] [NFCID1...]
func parseDetection(payload []byte) (*TagInfo, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty detection response", ErrDataIntegrity)
	}
	if payload[0] == 0 {
		return nil, ErrNoTagDetected
	}
	if len(payload) < 6 {
		return nil, fmt.Errorf("%w: truncated detection response (%d bytes)", ErrDataIntegrity, len(payload))
	}

	uidLen := int(payload[5])
	if uidLen > MaxUIDLength || len(payload) < 6+uidLen {
		return nil, fmt.Errorf("%w: bad UID length %d", ErrDataIntegrity, uidLen)
	}

	tag := &TagInfo{
		Target: payload[1],
		ATQ:    [2]byte{payload[2], payload[3]},
		SAK:    payload[4],
		UID:    make([]byte, uidLen),
	}
	copy(tag.UID, payload[6:6+uidLen])
	tag.ISO14443v4 = tag.SAK&sakISO14443v4 != 0
	return tag, nil
}

// DetectTag is the blocking form of StartDetect/Poll. A zero timeout uses
// the configured detect timeout.
func (r *Reader) DetectTag(ctx context.Context, timeout time.Duration) (*TagInfo, error) {
	if timeout <= 0 {
		timeout = r.detectTimeout
	}
	op, err := r.StartDetect(timeout)
	if err != nil {
		return nil, err
	}
	if err := r.awaitOp(ctx, op); err != nil {
		return nil, err
	}
	return op.Result()
}

// TransceiveOp is a pollable InDataExchange with a detected target.
type TransceiveOp struct {
	reader *Reader
	ex     *exchange

	data []byte
	err  error
	done bool
}

// Poll advances the exchange. Returns true once a result is available.
func (o *TransceiveOp) Poll() bool {
	if o.done {
		return true
	}
	if !o.ex.poll() {
		return false
	}
	o.done = true
	o.reader.releaseOp()

	payload, err := o.ex.result()
	if err != nil {
		o.err = err
		return true
	}
	o.data, o.err = parseExchangeStatus(payload)
	return true
}

// Result returns the response data (status byte stripped) once Poll has
// reported completion.
func (o *TransceiveOp) Result() ([]byte, error) {
	return o.data, o.err
}

// abandon finishes the exchange without a result and releases the
// in-flight slot exactly once.
func (o *TransceiveOp) abandon(err error) {
	if o.done {
		return
	}
	o.done = true
	o.err = err
	o.ex.finish(nil, err)
	o.reader.releaseOp()
}

// StartTransceive issues InDataExchange for the target. Fails with
// ErrOperationPending if any operation is in flight.
func (r *Reader) StartTransceive(target byte, command []byte, timeout time.Duration) (*TransceiveOp, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidParameter)
	}
	if err := r.acquireOp("transceive"); err != nil {
		return nil, err
	}
	params := make([]byte, 0, len(command)+1)
	params = append(params, target)
	params = append(params, command...)

	ex, err := newExchange(r.transport, r.trace, cmdInDataExchange, params, timeout)
	if err != nil {
		r.releaseOp()
		return nil, err
	}
	return &TransceiveOp{reader: r, ex: ex}, nil
}

// parseExchangeStatus maps the leading status byte of an InDataExchange
// response. 0x01 is the target-no-answer code and becomes ErrTimeout so
// callers can distinguish a mute tag from a broken link.
func parseExchangeStatus(payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty exchange response", ErrDataIntegrity)
	}
	switch status := payload[0] & statusMask; status {
	case statusOK:
		data := make([]byte, len(payload)-1)
		copy(data, payload[1:])
		return data, nil
	case statusTimeout:
		return nil, fmt.Errorf("target did not answer: %w", ErrTimeout)
	default:
		return nil, fmt.Errorf("%w: exchange status 0x%02X", ErrControllerError, status)
	}
}

// Transceive is the blocking form of StartTransceive/Poll. A zero timeout
// uses the configured exchange timeout.
func (r *Reader) Transceive(ctx context.Context, target byte, command []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = r.exchangeTimeout
	}
	op, err := r.StartTransceive(target, command, timeout)
	if err != nil {
		return nil, err
	}
	if err := r.awaitOp(ctx, op); err != nil {
		return nil, err
	}
	return op.Result()
}

// PresenceOp is a pollable attention-request check for a tag still being
// in the field.
type PresenceOp struct {
	reader *Reader
	ex     *exchange

	present bool
	err     error
	done    bool
}

// StartPresenceCheck issues the attention-request diagnostic. Much cheaper
// than a full detection cycle, and does not disturb the tag's state.
func (r *Reader) StartPresenceCheck(timeout time.Duration) (*PresenceOp, error) {
	if err := r.acquireOp("presence check"); err != nil {
		return nil, err
	}
	ex, err := newExchange(r.transport, r.trace, cmdDiagnose, []byte{diagAttentionRequest}, timeout)
	if err != nil {
		r.releaseOp()
		return nil, err
	}
	return &PresenceOp{reader: r, ex: ex}, nil
}

// Poll advances the presence check. Returns true once a result is available.
func (o *PresenceOp) Poll() bool {
	if o.done {
		return true
	}
	if !o.ex.poll() {
		return false
	}
	o.done = true
	o.reader.releaseOp()

	payload, err := o.ex.result()
	if err != nil {
		o.err = err
		return true
	}
	if len(payload) < 1 {
		o.err = fmt.Errorf("%w: empty diagnose response", ErrDataIntegrity)
		return true
	}
	switch payload[0] & statusMask {
	case statusOK:
		o.present = true
	case statusTargetRemoved:
		o.present = false
	default:
		o.err = fmt.Errorf("%w: diagnose status 0x%02X", ErrControllerError, payload[0])
	}
	return true
}

// Result returns whether the tag is still present once Poll has reported
// completion.
func (o *PresenceOp) Result() (bool, error) {
	return o.present, o.err
}

// abandon finishes the check without a result and releases the in-flight
// slot exactly once.
func (o *PresenceOp) abandon(err error) {
	if o.done {
		return
	}
	o.done = true
	o.err = err
	o.ex.finish(nil, err)
	o.reader.releaseOp()
}

// CheckTagPresent is the blocking form of StartPresenceCheck/Poll.
func (r *Reader) CheckTagPresent(ctx context.Context) (bool, error) {
	op, err := r.StartPresenceCheck(r.presenceTimeout)
	if err != nil {
		return false, err
	}
	if err := r.awaitOp(ctx, op); err != nil {
		return false, err
	}
	return op.Result()
}

// ReleaseTag tells the controller to release the target so it can be
// re-detected. Target 0 releases all.
func (r *Reader) ReleaseTag(ctx context.Context, target byte) error {
	payload, err := r.command(ctx, cmdInRelease, []byte{target}, r.exchangeTimeout)
	if err != nil {
		return fmt.Errorf("release target %d: %w", target, err)
	}
	if len(payload) >= 1 && payload[0]&statusMask != statusOK {
		return fmt.Errorf("%w: release status 0x%02X", ErrControllerError, payload[0])
	}
	return nil
}

// pollableOp is the part of an in-flight operation the blocking wrappers
// drive.
type pollableOp interface {
	Poll() bool
	abandon(err error)
}

// awaitOp drives a pollable operation to completion under ctx. On
// cancellation the operation is abandoned, not merely dropped: it is
// marked done first so a stale Poll cannot release a slot that a newer
// operation has since acquired.
func (r *Reader) awaitOp(ctx context.Context, op pollableOp) error {
	for !op.Poll() {
		select {
		case <-ctx.Done():
			// The controller may still answer; alignment is unknown
			// until desync recovery runs.
			op.abandon(ctx.Err())
			return fmt.Errorf("operation abandoned: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
	return nil
}
