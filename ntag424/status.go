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
	"errors"
	"fmt"
)

// Tag-level sentinel errors.
var (
	// ErrUnauthenticated means the tag failed to prove key knowledge, an
	// operation ran without a valid session, or a presented session token
	// is stale. Never retried with the same challenge material.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrIntegrity means a response MAC, padding or cryptogram check
	// failed: the bytes are not what the session keys say they must be.
	ErrIntegrity = errors.New("secure messaging integrity check failed")

	// ErrSessionExhausted means the command counter reached its ceiling;
	// the session must be re-established by a fresh authentication.
	ErrSessionExhausted = errors.New("session command counter exhausted")

	// ErrNoSuchKey means the addressed key slot does not exist on the tag.
	ErrNoSuchKey = errors.New("no such key")

	// ErrPermissionDenied means the file or command access rights do not
	// allow the operation under the current authentication state.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrParameter means the tag rejected command length or parameters.
	ErrParameter = errors.New("invalid command parameter")

	// ErrBoundary means an offset/length reached past the end of a file.
	ErrBoundary = errors.New("boundary error")

	// ErrAborted means the tag aborted a chained command sequence.
	ErrAborted = errors.New("command aborted")

	// ErrMemory means the tag reported a non-volatile memory failure.
	ErrMemory = errors.New("tag memory error")

	// ErrProtocol covers malformed responses and unexpected status words.
	ErrProtocol = errors.New("protocol error")
)

// Status words (SW1 SW2) used by the NTAG 424 command set.
const (
	swOKNative     = 0x9100 // native command completed
	swOKISO        = 0x9000 // ISO wrapper completed
	swAdditional   = 0x91AF // additional frame expected
	swAuthError    = 0x91AE
	swIntegrity    = 0x911E
	swNoSuchKey    = 0x9140
	swPermission   = 0x919D
	swLengthError  = 0x917E
	swParameter    = 0x919E
	swBoundary     = 0x91BE
	swAborted      = 0x91CA
	swMemoryError  = 0x91EE
	swFileNotFound = 0x91F0
	swIllegalCmd   = 0x911C
)

// errAdditionalFrame is internal flow control for chained responses; it
// never escapes the package.
var errAdditionalFrame = errors.New("additional frame expected")

// statusError maps a status word to the package error taxonomy. nil means
// success; errAdditionalFrame means the caller must continue the chain.
func statusError(sw uint16) error {
	switch sw {
	case swOKNative, swOKISO:
		return nil
	case swAdditional:
		return errAdditionalFrame
	case swAuthError:
		return fmt.Errorf("%w: tag rejected authentication state (91AE)", ErrUnauthenticated)
	case swIntegrity:
		return fmt.Errorf("%w: tag reported integrity error (911E)", ErrIntegrity)
	case swNoSuchKey:
		return ErrNoSuchKey
	case swPermission:
		return ErrPermissionDenied
	case swLengthError:
		return fmt.Errorf("%w: length error (917E)", ErrParameter)
	case swParameter:
		return fmt.Errorf("%w: parameter error (919E)", ErrParameter)
	case swBoundary:
		return ErrBoundary
	case swAborted:
		return ErrAborted
	case swMemoryError:
		return ErrMemory
	case swFileNotFound:
		return fmt.Errorf("%w: file not found (91F0)", ErrParameter)
	case swIllegalCmd:
		return fmt.Errorf("%w: illegal command (911C)", ErrProtocol)
	default:
		return fmt.Errorf("%w: unexpected status word %04X", ErrProtocol, sw)
	}
}

// splitStatus separates an APDU response into payload and status word.
func splitStatus(resp []byte) ([]byte, uint16, error) {
	if len(resp) < 2 {
		return nil, 0, fmt.Errorf("%w: response too short (%d bytes)", ErrProtocol, len(resp))
	}
	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	return resp[:len(resp)-2], sw, nil
}
