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

package nfctest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"sync"

	"github.com/aead/cmac"
)

// SimTag is a behavioural model of an NTAG 424 DNA: it runs the real EV2
// handshake and secure-messaging crypto against its own key material, so
// tests exercise the production protocol code against a peer that
// actually verifies MACs and cryptograms instead of replaying canned
// bytes. The crypto here is implemented independently of the production
// package; the two meeting in the middle is the point.
type SimTag struct {
	mu sync.Mutex

	uid   [7]byte
	keys  [5][16]byte
	files map[byte]*simFile

	selected bool

	// three-pass handshake in progress
	pendingKeyNo byte
	pendingRndB  []byte

	// established session
	authenticated bool
	authKeyNo     byte
	sesEnc        [16]byte
	sesMac        [16]byte
	ti            [4]byte
	ctr           uint16

	versionStep int

	// FlipRndAPrime corrupts one bit of the RndA' proof in the Part-2
	// confirmation, simulating a tag that does not know the key.
	FlipRndAPrime bool

	// FixedTI, if set, is used instead of a random transaction id.
	FixedTI []byte

	// FixedRndB, if set, replaces the random tag challenge.
	FixedRndB []byte
}

type simFile struct {
	data []byte
	mode byte // 0 plain, 1 MAC, 3 full
}

// NewSimTag creates a factory-state tag: all-zero keys, standard files.
func NewSimTag() *SimTag {
	t := &SimTag{
		uid: [7]byte{0x04, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x42},
		files: map[byte]*simFile{
			0x01: {data: make([]byte, 32)},
			0x02: {data: make([]byte, 256)},
			0x03: {data: make([]byte, 128), mode: 3},
		},
	}
	return t
}

// UID returns the tag's real UID.
func (t *SimTag) UID() []byte {
	return append([]byte(nil), t.uid[:]...)
}

// SetKey loads a key slot.
func (t *SimTag) SetKey(slot byte, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.keys[slot][:], key)
}

// SetFileMode sets a file's required protection: 0 plain, 1 MAC, 3 full.
func (t *SimTag) SetFileMode(fileNo, mode byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f := t.files[fileNo]; f != nil {
		f.mode = mode
	}
}

// FileData returns a copy of a file's contents.
func (t *SimTag) FileData(fileNo byte) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.files[fileNo]
	if f == nil {
		return nil
	}
	return append([]byte(nil), f.data...)
}

// Authenticated reports whether a session is established on the tag side.
func (t *SimTag) Authenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authenticated
}

// CommandCounter returns the tag-side command counter.
func (t *SimTag) CommandCounter() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctr
}

// Key returns a copy of a key slot, for asserting ChangeKey results.
func (t *SimTag) Key(slot byte) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.keys[slot][:]...)
}

// Status words the model emits.
const (
	simSWOK         = 0x9100
	simSWOKISO      = 0x9000
	simSWAdditional = 0x91AF
	simSWAuthError  = 0x91AE
	simSWIntegrity  = 0x911E
	simSWLength     = 0x917E
	simSWParameter  = 0x919E
	simSWIllegal    = 0x911C
	simSWNotFound   = 0x6A82
)

func withSW(data []byte, sw uint16) []byte {
	return append(append([]byte(nil), data...), byte(sw>>8), byte(sw))
}

var simDFName = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

// ProcessAPDU handles one command APDU and returns the full response
// including the status word.
func (t *SimTag) ProcessAPDU(apdu []byte) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(apdu) < 4 {
		return withSW(nil, simSWIllegal)
	}

	// ISO SELECT by DF name.
	if apdu[0] == 0x00 && apdu[1] == 0xA4 {
		if len(apdu) < 5+len(simDFName) || !bytesEqual(apdu[5:5+len(simDFName)], simDFName) {
			return withSW(nil, simSWNotFound)
		}
		t.selected = true
		t.resetHandshake()
		return withSW(nil, simSWOKISO)
	}

	if apdu[0] != 0x90 {
		return withSW(nil, simSWIllegal)
	}

	ins := apdu[1]
	var field []byte
	if len(apdu) > 5 {
		lc := int(apdu[4])
		if len(apdu) < 5+lc+1 {
			return withSW(nil, simSWLength)
		}
		field = apdu[5 : 5+lc]
	}

	switch ins {
	case 0x71:
		return t.handleAuthFirst(field)
	case 0xAF:
		if t.pendingRndB != nil {
			return t.handleAuthPart2(field)
		}
		return t.handleVersionChain()
	case 0x60:
		t.versionStep = 0
		return t.handleVersionChain()
	case 0x51:
		return t.handleGetCardUID(field)
	case 0xF5:
		return t.handleGetFileSettings(field)
	case 0xAD:
		return t.handleReadData(field)
	case 0x8D:
		return t.handleWriteData(field)
	case 0xC4:
		return t.handleChangeKey(field)
	case 0x5C:
		return t.handleSetConfiguration(field)
	default:
		return withSW(nil, simSWIllegal)
	}
}

func (t *SimTag) resetHandshake() {
	t.pendingRndB = nil
	t.authenticated = false
	t.ctr = 0
}

func (t *SimTag) handleAuthFirst(field []byte) []byte {
	if !t.selected {
		return withSW(nil, simSWIllegal)
	}
	if len(field) < 1 {
		return withSW(nil, simSWLength)
	}
	keyNo := field[0]
	if int(keyNo) >= len(t.keys) {
		return withSW(nil, simSWParameter)
	}
	t.resetHandshake()

	rndB := make([]byte, 16)
	if t.FixedRndB != nil {
		copy(rndB, t.FixedRndB)
	} else if _, err := rand.Read(rndB); err != nil {
		return withSW(nil, simSWIllegal)
	}
	t.pendingKeyNo = keyNo
	t.pendingRndB = rndB

	encRndB := simCBC(t.keys[keyNo][:], nil, rndB, true)
	return withSW(encRndB, simSWAdditional)
}

func (t *SimTag) handleAuthPart2(field []byte) []byte {
	rndB := t.pendingRndB
	keyNo := t.pendingKeyNo
	t.pendingRndB = nil

	if len(field) != 32 {
		return withSW(nil, simSWLength)
	}
	plain := simCBC(t.keys[keyNo][:], nil, field, false)
	rndA := plain[:16]
	rndBPrimeGot := plain[16:]

	// The terminal must have sent RndB rotated left by one byte.
	if !bytesEqual(rndBPrimeGot, simRotate(rndB)) {
		return withSW(nil, simSWAuthError)
	}

	t.deriveSession(t.keys[keyNo][:], rndA, rndB)
	t.authKeyNo = keyNo
	t.authenticated = true
	t.ctr = 0

	if t.FixedTI != nil {
		copy(t.ti[:], t.FixedTI)
	} else if _, err := rand.Read(t.ti[:]); err != nil {
		return withSW(nil, simSWIllegal)
	}

	confirm := make([]byte, 0, 32)
	confirm = append(confirm, t.ti[:]...)
	confirm = append(confirm, simRotate(rndA)...)
	confirm = append(confirm, make([]byte, 12)...) // PDcap2 ‖ PCDcap2
	if t.FlipRndAPrime {
		confirm[4] ^= 0x01
	}

	enc := simCBC(t.sesEnc[:], nil, confirm, true)
	return withSW(enc, simSWOK)
}

func (t *SimTag) handleVersionChain() []byte {
	switch t.versionStep {
	case 0:
		t.versionStep = 1
		// HW: vendor NXP, type/subtype, version 4.2, storage, protocol
		return withSW([]byte{0x04, 0x04, 0x02, 0x30, 0x00, 0x11, 0x05}, simSWAdditional)
	case 1:
		t.versionStep = 2
		return withSW([]byte{0x04, 0x04, 0x02, 0x01, 0x02, 0x11, 0x05}, simSWAdditional)
	default:
		t.versionStep = 0
		prod := append(append([]byte(nil), t.uid[:]...), 0xBA, 0x14, 0x20, 0x26, 0x01, 0x02, 0x03)
		return withSW(prod, simSWOK)
	}
}

// verifyCommand checks a protected command field, splits off the MAC and
// advances the counter. Returns the field without the MAC and whether
// verification passed. The counter advances even on a bad MAC so the
// model stays aligned with a terminal that counts sent commands.
func (t *SimTag) verifyCommand(ins byte, field []byte) ([]byte, bool) {
	if !t.authenticated || len(field) < 8 {
		return nil, false
	}
	body := field[:len(field)-8]
	mac := field[len(field)-8:]

	input := make([]byte, 0, 7+len(body))
	input = append(input, ins, byte(t.ctr), byte(t.ctr>>8))
	input = append(input, t.ti[:]...)
	input = append(input, body...)
	want := simTruncMAC(simCMAC(t.sesMac[:], input))
	t.ctr++
	return body, bytesEqual(mac, want)
}

// protectResponse MACs (and for full mode encrypts) response data using
// the already-incremented counter.
func (t *SimTag) protectResponse(data []byte, full bool) []byte {
	out := data
	if full && len(data) > 0 {
		padded := append(append([]byte(nil), data...), 0x80)
		for len(padded)%16 != 0 {
			padded = append(padded, 0x00)
		}
		out = simCBC(t.sesEnc[:], t.responseIV(), padded, true)
	}
	input := make([]byte, 0, 7+len(out))
	input = append(input, 0x00, byte(t.ctr), byte(t.ctr>>8))
	input = append(input, t.ti[:]...)
	input = append(input, out...)
	mac := simTruncMAC(simCMAC(t.sesMac[:], input))
	return append(append([]byte(nil), out...), mac...)
}

func (t *SimTag) commandIV() []byte {
	return t.sessionIV(0xA5, 0x5A)
}

func (t *SimTag) responseIV() []byte {
	return t.sessionIV(0x5A, 0xA5)
}

func (t *SimTag) sessionIV(p0, p1 byte) []byte {
	input := make([]byte, 16)
	input[0], input[1] = p0, p1
	copy(input[2:6], t.ti[:])
	input[6], input[7] = byte(t.ctr), byte(t.ctr>>8)
	block, _ := aes.NewCipher(t.sesEnc[:])
	out := make([]byte, 16)
	block.Encrypt(out, input)
	return out
}

func (t *SimTag) handleGetCardUID(field []byte) []byte {
	// No header, no data: the field is just the command MAC.
	if _, ok := t.verifyCommand(0x51, field); !ok {
		return withSW(nil, simSWAuthError)
	}
	return withSW(t.protectResponse(t.uid[:], true), simSWOK)
}

func (t *SimTag) handleGetFileSettings(field []byte) []byte {
	var fileNo byte
	protected := t.authenticated
	if protected {
		body, ok := t.verifyCommand(0xF5, field)
		if !ok || len(body) != 1 {
			return withSW(nil, simSWIntegrity)
		}
		fileNo = body[0]
	} else {
		if len(field) != 1 {
			return withSW(nil, simSWLength)
		}
		fileNo = field[0]
	}
	f := t.files[fileNo]
	if f == nil {
		return withSW(nil, simSWParameter)
	}
	settings := []byte{
		0x00, f.mode, 0xE0, 0xEE,
		byte(len(f.data)), byte(len(f.data) >> 8), byte(len(f.data) >> 16),
	}
	if protected {
		return withSW(t.protectResponse(settings, false), simSWOK)
	}
	return withSW(settings, simSWOK)
}

func le3(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

func (t *SimTag) handleReadData(field []byte) []byte {
	var header []byte
	protected := false

	if t.authenticated && len(field) == 7+8 {
		protected = true
		body, ok := t.verifyCommand(0xAD, field)
		if !ok {
			return withSW(nil, simSWIntegrity)
		}
		header = body
	} else {
		if len(field) != 7 {
			return withSW(nil, simSWLength)
		}
		header = field
	}

	f := t.files[header[0]]
	if f == nil {
		return withSW(nil, simSWParameter)
	}
	full := f.mode == 3
	offset, length := le3(header[1:4]), le3(header[4:7])
	if offset > len(f.data) {
		return withSW(nil, simSWParameter)
	}
	if length == 0 || offset+length > len(f.data) {
		length = len(f.data) - offset
	}
	data := append([]byte(nil), f.data[offset:offset+length]...)

	if protected {
		return withSW(t.protectResponse(data, full), simSWOK)
	}
	return withSW(data, simSWOK)
}

func (t *SimTag) handleWriteData(field []byte) []byte {
	var header, data []byte

	if t.authenticated {
		body, ok := t.verifyCommand(0x8D, field)
		if !ok || len(body) < 7 {
			return withSW(nil, simSWIntegrity)
		}
		header = body[:7]
		payload := body[7:]

		f := t.files[header[0]]
		if f == nil {
			return withSW(nil, simSWParameter)
		}
		if f.mode == 3 {
			// Full mode: the payload is ciphertext with the pre-increment
			// counter's command IV.
			t.ctr--
			iv := t.commandIV()
			t.ctr++
			if len(payload)%16 != 0 {
				return withSW(nil, simSWLength)
			}
			plain := simCBC(t.sesEnc[:], iv, payload, false)
			unpadded, ok := simUnpad(plain)
			if !ok {
				return withSW(nil, simSWIntegrity)
			}
			data = unpadded
		} else {
			data = payload
		}
	} else {
		if len(field) < 7 {
			return withSW(nil, simSWLength)
		}
		header = field[:7]
		data = field[7:]
	}

	f := t.files[header[0]]
	if f == nil {
		return withSW(nil, simSWParameter)
	}
	offset, length := le3(header[1:4]), le3(header[4:7])
	if length != len(data) || offset+length > len(f.data) {
		return withSW(nil, simSWLength)
	}
	copy(f.data[offset:], data)

	if t.authenticated {
		return withSW(t.protectResponse(nil, false), simSWOK)
	}
	return withSW(nil, simSWOK)
}

func (t *SimTag) handleChangeKey(field []byte) []byte {
	body, ok := t.verifyCommand(0xC4, field)
	if !ok || len(body) < 1 {
		return withSW(nil, simSWAuthError)
	}
	keyNo := body[0]
	if int(keyNo) >= len(t.keys) {
		return withSW(nil, simSWParameter)
	}
	ct := body[1:]
	if len(ct) == 0 || len(ct)%16 != 0 {
		return withSW(nil, simSWLength)
	}
	t.ctr--
	iv := t.commandIV()
	t.ctr++
	plain := simCBC(t.sesEnc[:], iv, ct, false)
	cryptogram, ok := simUnpad(plain)
	if !ok {
		return withSW(nil, simSWIntegrity)
	}

	if keyNo == t.authKeyNo {
		if len(cryptogram) != 17 {
			return withSW(nil, simSWLength)
		}
		copy(t.keys[keyNo][:], cryptogram[:16])
		// Session keys derived from the replaced key die with it.
		t.authenticated = false
		return withSW(nil, simSWOK)
	}

	if len(cryptogram) != 21 {
		return withSW(nil, simSWLength)
	}
	newKey := make([]byte, 16)
	for i := range newKey {
		newKey[i] = cryptogram[i] ^ t.keys[keyNo][i]
	}
	if !bytesEqual(cryptogram[17:21], simCRC32NK(newKey)) {
		return withSW(nil, simSWIntegrity)
	}
	copy(t.keys[keyNo][:], newKey)
	return withSW(t.protectResponse(nil, false), simSWOK)
}

func (t *SimTag) handleSetConfiguration(field []byte) []byte {
	body, ok := t.verifyCommand(0x5C, field)
	if !ok || len(body) < 1 {
		return withSW(nil, simSWAuthError)
	}
	return withSW(t.protectResponse(nil, false), simSWOK)
}

// --- independent crypto helpers -------------------------------------

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func simCBC(key, iv, data []byte, encrypt bool) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	if iv == nil {
		iv = make([]byte, 16)
	}
	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out
}

func simCMAC(key, msg []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	mac, err := cmac.Sum(msg, block, 16)
	if err != nil {
		panic(err)
	}
	return mac
}

func simTruncMAC(full []byte) []byte {
	out := make([]byte, 8)
	for i := range out {
		out[i] = full[1+i*2]
	}
	return out
}

func simRotate(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

func simUnpad(data []byte) ([]byte, bool) {
	i := len(data) - 1
	for i >= 0 && data[i] == 0x00 {
		i--
	}
	if i < 0 || data[i] != 0x80 {
		return nil, false
	}
	return data[:i], true
}

func (t *SimTag) deriveSession(key, rndA, rndB []byte) {
	sv := func(p0, p1 byte) []byte {
		v := make([]byte, 32)
		v[0], v[1] = p0, p1
		v[2], v[3], v[4], v[5] = 0x00, 0x01, 0x00, 0x80
		copy(v[6:8], rndA[0:2])
		for i := 0; i < 6; i++ {
			v[8+i] = rndB[i] ^ rndA[2+i]
		}
		copy(v[14:24], rndB[6:16])
		copy(v[24:32], rndA[8:16])
		return v
	}
	copy(t.sesEnc[:], simCMAC(key, sv(0xA5, 0x5A)))
	copy(t.sesMac[:], simCMAC(key, sv(0x5A, 0xA5)))
}

func simCRC32NK(data []byte) []byte {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for n := 0; n < 8; n++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
	}
	return []byte{byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24)}
}
