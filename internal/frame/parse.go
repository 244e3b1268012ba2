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

package frame

import (
	"errors"
	"fmt"
)

// Codec sentinel errors. Callers map these onto their own error taxonomy;
// everything except ErrIncomplete indicates a data-integrity failure or a
// controller-reported error, never a condition to ignore.
var (
	// ErrFrameTooLarge means the command payload exceeds the one-byte LEN field.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrIncomplete means no complete frame is present in the buffer yet.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrLengthChecksum means LEN and LCS do not sum to zero.
	ErrLengthChecksum = errors.New("length checksum mismatch")
	// ErrDataChecksum means the payload checksum (DCS) failed.
	ErrDataChecksum = errors.New("data checksum mismatch")
	// ErrBadTFI means the frame identifier byte was not PN532-to-host.
	ErrBadTFI = errors.New("unexpected frame identifier")
	// ErrCommandEcho means the response command did not match command+1.
	ErrCommandEcho = errors.New("response command mismatch")
	// ErrControllerError means the controller sent its dedicated error frame.
	ErrControllerError = errors.New("controller error frame")
)

// FindFrameStart returns the index of the first 00 FF start marker in buf,
// or -1 if none is present. Frames may be preceded by preamble bytes or
// line noise; everything before the marker is ignored.
func FindFrameStart(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == StartCode1 && buf[i+1] == StartCode2 {
			return i
		}
	}
	return -1
}

// ResponseComplete reports whether buf contains enough bytes for
// ParseResponse to reach a verdict. A frame whose length checksum is
// already known to be bad counts as complete so the parser can report the
// integrity failure instead of the caller waiting out its deadline.
func ResponseComplete(buf []byte) bool {
	start := FindFrameStart(buf)
	if start < 0 {
		return false
	}
	// Need LEN and LCS.
	if len(buf) < start+4 {
		return false
	}
	if buf[start+2]+buf[start+3] != 0 {
		return true
	}
	// start marker(2) + LEN + LCS + payload + DCS
	return len(buf) >= start+4+int(buf[start+2])+1
}

// ParseResponse locates and validates a response frame for expectedCmd and
// returns a copy of its payload (the bytes after TFI and response command,
// excluding the checksum). The response command must equal expectedCmd+1.
func ParseResponse(expectedCmd byte, buf []byte) ([]byte, error) {
	start := FindFrameStart(buf)
	if start < 0 || len(buf) < start+4 {
		return nil, ErrIncomplete
	}

	length := int(buf[start+2])
	if buf[start+2]+buf[start+3] != 0 {
		return nil, ErrLengthChecksum
	}

	if length < 1 {
		// LEN 0 with a valid LCS is an ACK/NACK shape, not an
		// information frame; in response position it is corruption.
		return nil, fmt.Errorf("%w: empty frame", ErrLengthChecksum)
	}

	payloadStart := start + 4
	if len(buf) < payloadStart+length+1 {
		return nil, ErrIncomplete
	}

	tfi := buf[payloadStart]
	// The syntax-error frame carries TFI 0x7F and no command byte.
	if tfi == ErrorTFI {
		return nil, ErrControllerError
	}
	if tfi != Pn532ToHost {
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadTFI, tfi)
	}
	if length < 2 {
		return nil, fmt.Errorf("%w: impossible length %d", ErrLengthChecksum, length)
	}

	// DCS covers TFI + cmd + data; including the checksum byte the sum
	// must be zero.
	if !ChecksumValid(buf, payloadStart, payloadStart+length+1) {
		return nil, ErrDataChecksum
	}

	if buf[payloadStart+1] != expectedCmd+1 {
		return nil, fmt.Errorf("%w: got 0x%02X, want 0x%02X",
			ErrCommandEcho, buf[payloadStart+1], expectedCmd+1)
	}

	data := make([]byte, length-2)
	copy(data, buf[payloadStart+2:payloadStart+length])
	return data, nil
}
