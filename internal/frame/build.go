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

// Package frame implements the PN532 host frame codec: building command
// frames and parsing response frames, including all checksum validation.
// The codec is pure and performs no I/O.
package frame

import (
	"bytes"
	"fmt"
)

// BuildFrame assembles a complete information frame for the given command
// and parameter bytes:
//
//	[preamble][00 FF][LEN][LCS][TFI=D4][cmd][params...][DCS][postamble]
//
// LEN covers TFI + cmd + params and must fit in one byte.
func BuildFrame(cmd byte, params []byte) ([]byte, error) {
	payloadLen := 2 + len(params) // TFI + cmd + params
	if payloadLen > MaxPayloadLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payloadLen)
	}

	out := make([]byte, 0, payloadLen+7)
	out = append(out, Preamble, StartCode1, StartCode2)
	out = append(out, byte(payloadLen), ^byte(payloadLen)+1)
	out = append(out, HostToPn532, cmd)
	out = append(out, params...)
	out = append(out, ChecksumByte(out[5:]), Postamble)
	return out, nil
}

// BuildAckFrame returns a fresh copy of the ACK frame. Writing an ACK to
// the controller aborts the command in progress, which is the documented
// way to re-establish frame alignment after a desync.
func BuildAckFrame() []byte {
	out := make([]byte, len(AckFrame))
	copy(out, AckFrame)
	return out
}

// IsAck reports whether buf begins with a well-formed ACK frame.
func IsAck(buf []byte) bool {
	return len(buf) >= len(AckFrame) && bytes.Equal(buf[:len(AckFrame)], AckFrame)
}

// IsNack reports whether buf begins with a well-formed NACK frame.
func IsNack(buf []byte) bool {
	return len(buf) >= len(NackFrame) && bytes.Equal(buf[:len(NackFrame)], NackFrame)
}
