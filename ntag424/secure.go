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

package ntag424

import (
	"context"
	"fmt"
)

// CommMode is the per-command protection level.
type CommMode int

const (
	// CommPlain sends and receives without protection. Only valid while
	// the file's own access settings are plain.
	CommPlain CommMode = iota
	// CommMAC leaves data in the clear but MAC-protects both directions.
	CommMAC
	// CommFull encrypts the data field and MAC-protects both directions.
	CommFull
)

func (m CommMode) String() string {
	switch m {
	case CommPlain:
		return "plain"
	case CommMAC:
		return "mac"
	case CommFull:
		return "full"
	default:
		return fmt.Sprintf("CommMode(%d)", int(m))
	}
}

var (
	ivPrefixCommand  = [2]byte{0xA5, 0x5A}
	ivPrefixResponse = [2]byte{0x5A, 0xA5}
)

// sessionIV derives the CBC IV for one command or response: the prefix,
// transaction id and command counter are encrypted under the session
// encryption key so each direction of each command gets a unique IV.
func sessionIV(st *sessionState, prefix [2]byte) ([]byte, error) {
	ctr := st.counterBytes()
	input := make([]byte, BlockSize)
	input[0], input[1] = prefix[0], prefix[1]
	copy(input[2:6], st.ti[:])
	input[6], input[7] = ctr[0], ctr[1]
	return aesEncryptBlock(st.keys.Enc[:], input)
}

// commandMAC computes the truncated MAC over
// ins ‖ ctr(LE16) ‖ TI ‖ header ‖ data.
func commandMAC(st *sessionState, ins byte, header, data []byte) ([]byte, error) {
	ctr := st.counterBytes()
	input := make([]byte, 0, 7+len(header)+len(data))
	input = append(input, ins, ctr[0], ctr[1])
	input = append(input, st.ti[:]...)
	input = append(input, header...)
	input = append(input, data...)

	full, err := aesCMAC(st.keys.Mac[:], input)
	if err != nil {
		return nil, err
	}
	return truncateMAC(full), nil
}

// responseMAC computes the truncated MAC the tag must have appended:
// rc ‖ ctr(LE16) ‖ TI ‖ data, with the counter already incremented for
// the command just sent.
func responseMAC(st *sessionState, rc byte, data []byte) ([]byte, error) {
	ctr := st.counterBytes()
	input := make([]byte, 0, 7+len(data))
	input = append(input, rc, ctr[0], ctr[1])
	input = append(input, st.ti[:]...)
	input = append(input, data...)

	full, err := aesCMAC(st.keys.Mac[:], input)
	if err != nil {
		return nil, err
	}
	return truncateMAC(full), nil
}

// cmdSpec describes one native command for runCommand.
type cmdSpec struct {
	ins    byte
	header []byte // command header, MACed but never encrypted
	data   []byte // command data, encrypted in CommFull
	mode   CommMode

	// skipRespVerify drops response MAC verification; only ChangeKey on
	// the authentication key itself needs this, because that command
	// destroys the session that would verify it.
	skipRespVerify bool
}

// runCommand applies the communication mode, sends the command and
// validates/decodes the response. The returned error is
// errAdditionalFrame when the tag signalled a chained response; the data
// returned alongside is valid in that case.
func (t *Tag) runCommand(ctx context.Context, spec cmdSpec) ([]byte, error) {
	st := t.session
	protected := spec.mode != CommPlain

	if protected {
		if st == nil {
			return nil, fmt.Errorf("%w: %s command without session", ErrUnauthenticated, spec.mode)
		}
		// Reject before any frame is sent: the counter is MAC input and
		// must never wrap within a session.
		if st.exhausted() {
			return nil, ErrSessionExhausted
		}
	}

	field, err := t.buildCommandField(spec, st)
	if err != nil {
		return nil, err
	}

	resp, err := t.exchangeAPDU(ctx, apduNative(spec.ins, field))
	if err != nil {
		return nil, err
	}

	// The command reached the tag; it counts against the session whether
	// or not the response verifies.
	if protected {
		st.counter++
	}

	body, sw, err := splitStatus(resp)
	if err != nil {
		return nil, err
	}
	swErr := statusError(sw)
	if swErr != nil && swErr != errAdditionalFrame {
		return nil, swErr
	}

	if !protected || spec.skipRespVerify {
		return body, swErr
	}

	data, err := t.verifyResponse(st, spec.mode, byte(sw&0xFF), body)
	if err != nil {
		return nil, err
	}
	return data, swErr
}

// buildCommandField assembles header ‖ data' ‖ mac per the comm mode.
func (t *Tag) buildCommandField(spec cmdSpec, st *sessionState) ([]byte, error) {
	switch spec.mode {
	case CommPlain:
		field := make([]byte, 0, len(spec.header)+len(spec.data))
		field = append(field, spec.header...)
		field = append(field, spec.data...)
		return field, nil

	case CommMAC:
		mac, err := commandMAC(st, spec.ins, spec.header, spec.data)
		if err != nil {
			return nil, err
		}
		field := make([]byte, 0, len(spec.header)+len(spec.data)+len(mac))
		field = append(field, spec.header...)
		field = append(field, spec.data...)
		field = append(field, mac...)
		return field, nil

	case CommFull:
		ciphertext := []byte{}
		if len(spec.data) > 0 {
			iv, err := sessionIV(st, ivPrefixCommand)
			if err != nil {
				return nil, err
			}
			padded := padCommand(spec.data)
			defer SecureZero(padded)
			ciphertext, err = aesCBCEncrypt(st.keys.Enc[:], iv, padded)
			if err != nil {
				return nil, err
			}
		}
		mac, err := commandMAC(st, spec.ins, spec.header, ciphertext)
		if err != nil {
			return nil, err
		}
		field := make([]byte, 0, len(spec.header)+len(ciphertext)+len(mac))
		field = append(field, spec.header...)
		field = append(field, ciphertext...)
		field = append(field, mac...)
		return field, nil

	default:
		return nil, fmt.Errorf("%w: unknown comm mode %d", ErrParameter, int(spec.mode))
	}
}

// verifyResponse checks the response MAC and, for CommFull, decrypts and
// unpads the data. The MAC covers the post-increment counter value, so a
// replayed response from earlier in the session cannot verify.
func (t *Tag) verifyResponse(st *sessionState, mode CommMode, rc byte, body []byte) ([]byte, error) {
	if len(body) < macLength {
		return nil, fmt.Errorf("%w: protected response without MAC (%d bytes)", ErrIntegrity, len(body))
	}
	data := body[:len(body)-macLength]
	gotMAC := body[len(body)-macLength:]

	wantMAC, err := responseMAC(st, rc, data)
	if err != nil {
		return nil, err
	}
	if !macEqual(wantMAC, gotMAC) {
		return nil, fmt.Errorf("%w: response MAC mismatch", ErrIntegrity)
	}

	if mode != CommFull || len(data) == 0 {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	iv, err := sessionIV(st, ivPrefixResponse)
	if err != nil {
		return nil, err
	}
	plain, err := aesCBCDecrypt(st.keys.Enc[:], iv, data)
	if err != nil {
		return nil, err
	}
	return unpadResponse(plain)
}

// macLength is the truncated MAC size appended to protected commands and
// responses.
const macLength = 8
