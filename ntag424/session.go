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

import "encoding/binary"

// counterCeiling is the last usable command counter value. A session at
// the ceiling must be re-established, never wrapped: the counter is MAC
// input and a wrap would reopen replay of early commands.
const counterCeiling = 0xFFFF

// Session is the opaque proof of a completed authentication: the key slot
// that was proven and a serial number tying the token to one session
// generation on the tag. It carries no key material; the tag object owns
// the real session state. A token presented after the tag's state was
// cleared or replaced fails closed.
type Session struct {
	keyNo  byte
	serial uint64
}

// KeyNo returns the key slot this session authenticated against.
func (s *Session) KeyNo() byte {
	return s.keyNo
}

// sessionState is the live secure-messaging state owned by the tag
// object: session keys, transaction identifier and command counter.
type sessionState struct {
	keys    SessionKeys
	ti      [4]byte
	counter uint16
	keyNo   byte
}

// counterBytes returns the command counter in its wire form (LE16).
func (s *sessionState) counterBytes() [2]byte {
	var out [2]byte
	binary.LittleEndian.PutUint16(out[:], s.counter)
	return out
}

// exhausted reports whether the counter has reached its ceiling.
func (s *sessionState) exhausted() bool {
	return s.counter >= counterCeiling
}

// zero wipes the session key material.
func (s *sessionState) zero() {
	s.keys.Zero()
	for i := range s.ti {
		s.ti[i] = 0
	}
	s.counter = 0
}
