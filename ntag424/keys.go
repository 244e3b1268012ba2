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

// Key slot assignments. These are protocol constants for the deployment,
// not runtime configuration.
const (
	// KeyApplication is the PICC master key (slot 0).
	KeyApplication byte = 0
	// KeyTerminal authenticates terminals for machine checkout (slot 1).
	KeyTerminal byte = 1
	// KeyAuthorization protects the authorization file (slot 2).
	KeyAuthorization byte = 2
	// KeySDMMac signs SDM mirror reads (slot 3).
	KeySDMMac byte = 3
	// KeyReserved2 is unassigned (slot 4).
	KeyReserved2 byte = 4

	// KeySlotCount is the number of key slots on the tag.
	KeySlotCount = 5
)

// KeyProvider produces the Part-2 authentication cryptogram and the
// session keys. Abstracting this one step keeps the authentication state
// machine agnostic to where key bytes live: a LocalKeyProvider holds them
// in memory, a gateway-backed provider can forward the challenge to a
// remote authority without the terminal ever seeing the key.
type KeyProvider interface {
	// ComputeAuthResponse receives the terminal challenge rndA and the
	// tag's encrypted challenge encRndB (16 bytes each) and must:
	// decrypt RndB, rotate it to RndB', encrypt RndA‖RndB' into the
	// 32-byte Part-2 response, and derive the session keys.
	ComputeAuthResponse(ctx context.Context, keyNo byte, rndA, encRndB []byte) ([]byte, SessionKeys, error)
}

// LocalKeyProvider implements KeyProvider with key bytes held in memory.
type LocalKeyProvider struct {
	keys map[byte][KeySize]byte
}

// NewLocalKeyProvider creates an empty provider. Keys are copied in via
// SetKey so callers can wipe their own buffers afterwards.
func NewLocalKeyProvider() *LocalKeyProvider {
	return &LocalKeyProvider{keys: make(map[byte][KeySize]byte)}
}

// SetKey stores the key for a slot.
func (p *LocalKeyProvider) SetKey(keyNo byte, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("key %d: need %d bytes, got %d", keyNo, KeySize, len(key))
	}
	var k [KeySize]byte
	copy(k[:], key)
	p.keys[keyNo] = k
	return nil
}

// Destroy wipes all held key material.
func (p *LocalKeyProvider) Destroy() {
	for no, k := range p.keys {
		SecureZero(k[:])
		p.keys[no] = k
		delete(p.keys, no)
	}
}

// ComputeAuthResponse implements KeyProvider with local key bytes.
func (p *LocalKeyProvider) ComputeAuthResponse(
	_ context.Context, keyNo byte, rndA, encRndB []byte,
) ([]byte, SessionKeys, error) {
	var none SessionKeys
	key, ok := p.keys[keyNo]
	if !ok {
		return nil, none, fmt.Errorf("%w: no local key for slot %d", ErrNoSuchKey, keyNo)
	}
	defer SecureZero(key[:])

	if len(rndA) != BlockSize || len(encRndB) != BlockSize {
		return nil, none, fmt.Errorf("compute auth response: bad challenge length")
	}

	rndB, err := aesCBCDecrypt(key[:], zeroIV[:], encRndB)
	if err != nil {
		return nil, none, err
	}
	defer SecureZero(rndB)

	rndBPrime := RotateLeft1(rndB)
	defer SecureZero(rndBPrime)

	plain := make([]byte, 0, 2*BlockSize)
	plain = append(plain, rndA...)
	plain = append(plain, rndBPrime...)
	defer SecureZero(plain)

	response, err := aesCBCEncrypt(key[:], zeroIV[:], plain)
	if err != nil {
		return nil, none, err
	}

	keys, err := DeriveSessionKeys(key[:], rndA, rndB)
	if err != nil {
		SecureZero(response)
		return nil, none, err
	}
	return response, keys, nil
}
