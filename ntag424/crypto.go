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

// Package ntag424 implements the NTAG 424 DNA EV2 mutual authentication
// protocol and secure messaging on top of a PN532 reader: AES session-key
// derivation, per-command encryption and MAC protection, and the file
// command set the access terminal uses.
package ntag424

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"github.com/aead/cmac"
)

// KeySize is the AES-128 key length used throughout the protocol.
const KeySize = 16

// BlockSize is the AES block length; all encrypted payloads are padded to
// a multiple of it.
const BlockSize = 16

var zeroIV [BlockSize]byte

// SecureZero wipes key or session material in place.
func SecureZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// aesCBCEncrypt encrypts whole blocks in place-safe fashion with the
// given IV. Payloads are pre-sized; there is no padding here.
func aesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("cbc encrypt: %d bytes not block aligned", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cbc encrypt: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("cbc decrypt: %d bytes not block aligned", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cbc decrypt: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// aesEncryptBlock encrypts a single block in ECB fashion, used only for
// session IV derivation.
func aesEncryptBlock(key, blockIn []byte) ([]byte, error) {
	if len(blockIn) != BlockSize {
		return nil, fmt.Errorf("ecb encrypt: input must be one block")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ecb encrypt: %w", err)
	}
	out := make([]byte, BlockSize)
	block.Encrypt(out, blockIn)
	return out, nil
}

// aesCMAC computes the full 16-byte AES-CMAC of msg.
func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}
	mac, err := cmac.Sum(msg, block, BlockSize)
	if err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}
	return mac, nil
}

// truncateMAC reduces a full CMAC to the 8-byte transmitted form: the
// odd-index bytes.
func truncateMAC(full []byte) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = full[1+i*2]
	}
	return out
}

// macEqual compares MACs in constant time.
func macEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// RotateLeft1 returns in with its first byte moved to the end; the
// protocol derives RndB' (and expects RndA') this way.
func RotateLeft1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

// VerifyRndAPrime checks that candidate equals rndA rotated left by one
// byte. This is the proof that the tag decrypted the terminal's
// challenge; comparison is constant time.
func VerifyRndAPrime(rndA, candidate []byte) bool {
	if len(rndA) != BlockSize || len(candidate) != BlockSize {
		return false
	}
	expected := RotateLeft1(rndA)
	defer SecureZero(expected)
	return subtle.ConstantTimeCompare(expected, candidate) == 1
}

// SessionKeys is the per-session key pair derived from a successful
// authentication.
type SessionKeys struct {
	Enc [KeySize]byte
	Mac [KeySize]byte
}

// Zero wipes both keys.
func (k *SessionKeys) Zero() {
	SecureZero(k.Enc[:])
	SecureZero(k.Mac[:])
}

// buildSessionVector assembles the 32-byte derivation input:
//
//	[0:2]   prefix (A5 5A for SV1, 5A A5 for SV2)
//	[2:6]   00 01 00 80
//	[6:8]   RndA[0:2]
//	[8:14]  RndB[0:6] xor RndA[2:8]
//	[14:24] RndB[6:16]
//	[24:32] RndA[8:16]
func buildSessionVector(prefix [2]byte, rndA, rndB []byte) []byte {
	sv := make([]byte, 32)
	sv[0], sv[1] = prefix[0], prefix[1]
	sv[2], sv[3], sv[4], sv[5] = 0x00, 0x01, 0x00, 0x80
	copy(sv[6:8], rndA[0:2])
	for i := 0; i < 6; i++ {
		sv[8+i] = rndB[i] ^ rndA[2+i]
	}
	copy(sv[14:24], rndB[6:16])
	copy(sv[24:32], rndA[8:16])
	return sv
}

var (
	sv1Prefix = [2]byte{0xA5, 0x5A}
	sv2Prefix = [2]byte{0x5A, 0xA5}
)

// DeriveSessionKeys computes the session encryption and MAC keys from the
// authentication key and both challenges: SesEncKey = CMAC(key, SV1),
// SesMacKey = CMAC(key, SV2).
func DeriveSessionKeys(authKey, rndA, rndB []byte) (SessionKeys, error) {
	var keys SessionKeys
	if len(authKey) != KeySize || len(rndA) != BlockSize || len(rndB) != BlockSize {
		return keys, fmt.Errorf("derive session keys: bad input length")
	}

	sv1 := buildSessionVector(sv1Prefix, rndA, rndB)
	sv2 := buildSessionVector(sv2Prefix, rndA, rndB)
	defer SecureZero(sv1)
	defer SecureZero(sv2)

	enc, err := aesCMAC(authKey, sv1)
	if err != nil {
		return keys, err
	}
	mac, err := aesCMAC(authKey, sv2)
	if err != nil {
		SecureZero(enc)
		return keys, err
	}
	copy(keys.Enc[:], enc)
	copy(keys.Mac[:], mac)
	SecureZero(enc)
	SecureZero(mac)
	return keys, nil
}

// padCommand applies ISO/IEC 9797-1 padding method 2: 0x80 then zeros to
// the block boundary. Padding is always added, even on aligned input.
func padCommand(data []byte) []byte {
	padLen := BlockSize - (len(data) % BlockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// unpadResponse strips ISO/IEC 9797-1 method 2 padding.
func unpadResponse(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, fmt.Errorf("%w: bad response padding", ErrIntegrity)
	}
	return data[:idx], nil
}

// crc32nk is the key-change checksum: CRC-32 with the reflected
// 0x04C11DB7 polynomial, initial value 0xFFFFFFFF and no final inversion
// (JAMCRC), transmitted little-endian.
func crc32nk(data []byte) [4]byte {
	const poly = 0xEDB88320 // 0x04C11DB7 reflected
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for n := 0; n < 8; n++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
	}
	return [4]byte{byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24)}
}
