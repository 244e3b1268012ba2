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

// Standard file numbers of the NTAG 424 DNA application.
const (
	FileCC          byte = 0x01
	FileNDEF        byte = 0x02
	FileProprietary byte = 0x03
)

// maxWriteChunk is the largest data slice a single WriteData exchange may
// carry in the given mode. The wire frame LEN byte caps the whole
// InDataExchange payload at 255 bytes; after the target byte, the APDU
// envelope, the 7-byte command header and the 8-byte MAC there is room
// for 231 bytes of command field. Plain and MAC commands carry the data
// as-is and chunk at 14 blocks. Full mode encrypts with mandatory
// padding, which rounds an aligned chunk up by a whole block, so its
// ceiling is one block lower. Multi-chunk writes are not atomic: a
// failure mid-sequence leaves the file partially written, so callers must
// re-apply idempotently.
func maxWriteChunk(mode CommMode) int {
	if mode == CommFull {
		return 13 * BlockSize
	}
	return 14 * BlockSize
}

// putLE3 appends a 24-bit little-endian value.
func putLE3(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16))
}

// GetCardUID reads the tag's real 7-byte UID. Requires an authenticated
// session; the response is always fully encrypted, which is what makes
// the command useful on random-UID tags.
func (t *Tag) GetCardUID(ctx context.Context) ([]byte, error) {
	data, err := t.runCommand(ctx, cmdSpec{ins: insGetCardUID, mode: CommFull})
	if err != nil {
		return nil, fmt.Errorf("get card uid: %w", err)
	}
	if len(data) != 7 {
		return nil, fmt.Errorf("%w: card uid is %d bytes", ErrProtocol, len(data))
	}
	return data, nil
}

// ReadData reads length bytes from a file starting at offset.
func (t *Tag) ReadData(ctx context.Context, fileNo byte, offset, length uint32, mode CommMode) ([]byte, error) {
	header := make([]byte, 0, 7)
	header = append(header, fileNo)
	header = putLE3(header, offset)
	header = putLE3(header, length)

	data, err := t.runCommand(ctx, cmdSpec{ins: insReadData, header: header, mode: mode})
	if err != nil {
		return nil, fmt.Errorf("read file %d: %w", fileNo, err)
	}
	if mode == CommFull && length > 0 && uint32(len(data)) > length {
		// Padding rounds encrypted reads up to the block boundary.
		data = data[:length]
	}
	return data, nil
}

// WriteData writes data to a file starting at offset, splitting into
// chunks below the per-exchange payload ceiling.
func (t *Tag) WriteData(ctx context.Context, fileNo byte, offset uint32, data []byte, mode CommMode) error {
	limit := maxWriteChunk(mode)
	for len(data) > 0 {
		chunk := data
		if len(chunk) > limit {
			chunk = chunk[:limit]
		}

		header := make([]byte, 0, 7)
		header = append(header, fileNo)
		header = putLE3(header, offset)
		header = putLE3(header, uint32(len(chunk)))

		if _, err := t.runCommand(ctx, cmdSpec{
			ins:    insWriteData,
			header: header,
			data:   chunk,
			mode:   mode,
		}); err != nil {
			return fmt.Errorf("write file %d at %d: %w", fileNo, offset, err)
		}

		offset += uint32(len(chunk))
		data = data[len(chunk):]
	}
	return nil
}

// FileSettings is the decoded GetFileSettings response.
type FileSettings struct {
	FileType     byte
	Options      byte
	AccessRights [2]byte
	Size         uint32
}

// CommMode returns the communication mode the file's settings require.
func (s *FileSettings) CommMode() CommMode {
	switch s.Options & 0x03 {
	case 0x00:
		return CommPlain
	case 0x01:
		return CommMAC
	default:
		return CommFull
	}
}

// GetFileSettings reads and decodes a file's settings. MAC-protected when
// a session is established, plain otherwise.
func (t *Tag) GetFileSettings(ctx context.Context, fileNo byte) (*FileSettings, error) {
	mode := CommPlain
	if t.session != nil {
		mode = CommMAC
	}
	data, err := t.runCommand(ctx, cmdSpec{ins: insGetFileSet, header: []byte{fileNo}, mode: mode})
	if err != nil {
		return nil, fmt.Errorf("get file settings %d: %w", fileNo, err)
	}
	if len(data) < 7 {
		return nil, fmt.Errorf("%w: file settings %d bytes", ErrProtocol, len(data))
	}
	return &FileSettings{
		FileType:     data[0],
		Options:      data[1],
		AccessRights: [2]byte{data[2], data[3]},
		Size:         uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16,
	}, nil
}

// ChangeFileSettings rewrites a file's access settings. Always fully
// protected; changing access rights in the clear would defeat them.
func (t *Tag) ChangeFileSettings(ctx context.Context, fileNo byte, settings []byte) error {
	if _, err := t.runCommand(ctx, cmdSpec{
		ins:    insChangeFileSet,
		header: []byte{fileNo},
		data:   settings,
		mode:   CommFull,
	}); err != nil {
		return fmt.Errorf("change file settings %d: %w", fileNo, err)
	}
	return nil
}

// ChangeKey replaces the key in a slot. The cryptogram format depends on
// whether the slot is the one this session authenticated with:
//
//   - same slot: NewKey ‖ KeyVersion. The session dies with the old key,
//     so the response carries no MAC to verify and the local session is
//     cleared on success.
//   - other slot: (NewKey ⊕ OldKey) ‖ KeyVersion ‖ CRC32NK(NewKey), so
//     the tag can prove the caller knew the old key before committing.
func (t *Tag) ChangeKey(ctx context.Context, keyNo byte, oldKey, newKey []byte, keyVersion byte) error {
	if t.session == nil {
		return fmt.Errorf("change key %d: %w", keyNo, ErrUnauthenticated)
	}
	if len(newKey) != KeySize {
		return fmt.Errorf("change key %d: %w: new key length %d", keyNo, ErrParameter, len(newKey))
	}

	sameSlot := keyNo == t.session.keyNo

	var data []byte
	if sameSlot {
		data = make([]byte, 0, KeySize+1)
		data = append(data, newKey...)
		data = append(data, keyVersion)
	} else {
		if len(oldKey) != KeySize {
			return fmt.Errorf("change key %d: %w: old key length %d", keyNo, ErrParameter, len(oldKey))
		}
		data = make([]byte, 0, KeySize+5)
		for i := 0; i < KeySize; i++ {
			data = append(data, newKey[i]^oldKey[i])
		}
		data = append(data, keyVersion)
		crc := crc32nk(newKey)
		data = append(data, crc[:]...)
	}
	defer SecureZero(data)

	_, err := t.runCommand(ctx, cmdSpec{
		ins:            insChangeKey,
		header:         []byte{keyNo},
		data:           data,
		mode:           CommFull,
		skipRespVerify: sameSlot,
	})
	if err != nil {
		return fmt.Errorf("change key %d: %w", keyNo, err)
	}
	if sameSlot {
		// The old session keys are derived from the key just replaced.
		t.ClearSession()
	}
	return nil
}

// SetConfiguration writes a PICC configuration option. Fully protected.
func (t *Tag) SetConfiguration(ctx context.Context, option byte, data []byte) error {
	if _, err := t.runCommand(ctx, cmdSpec{
		ins:    insSetConfig,
		header: []byte{option},
		data:   data,
		mode:   CommFull,
	}); err != nil {
		return fmt.Errorf("set configuration %02X: %w", option, err)
	}
	return nil
}

// EnableRandomUID turns on random UID reporting during anticollision.
// Irreversible on real tags.
func (t *Tag) EnableRandomUID(ctx context.Context) error {
	return t.SetConfiguration(ctx, 0x00, []byte{0x02})
}

// Version is the decoded three-part GetVersion response.
type Version struct {
	HWVendor   byte
	HWType     byte
	HWSubType  byte
	HWMajor    byte
	HWMinor    byte
	HWStorage  byte
	HWProtocol byte
	SWMajor    byte
	SWMinor    byte
	Production []byte // UID, batch and production date, raw
}

// GetVersion reads the tag's hardware/software identification using the
// additional-frame chaining the command requires.
func (t *Tag) GetVersion(ctx context.Context) (*Version, error) {
	var parts [][]byte
	data, err := t.runCommand(ctx, cmdSpec{ins: insGetVersion, mode: CommPlain})
	for err == errAdditionalFrame {
		parts = append(parts, data)
		data, err = t.runCommand(ctx, cmdSpec{ins: insAdditionalData, mode: CommPlain})
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	parts = append(parts, data)

	if len(parts) != 3 || len(parts[0]) < 7 || len(parts[1]) < 7 {
		return nil, fmt.Errorf("%w: unexpected version structure", ErrProtocol)
	}
	hw, sw := parts[0], parts[1]
	return &Version{
		HWVendor:   hw[0],
		HWType:     hw[1],
		HWSubType:  hw[2],
		HWMajor:    hw[3],
		HWMinor:    hw[4],
		HWStorage:  hw[5],
		HWProtocol: hw[6],
		SWMajor:    sw[3],
		SWMinor:    sw[4],
		Production: append([]byte(nil), parts[2]...),
	}, nil
}
