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
	"fmt"
)

// FirmwareVersion holds the controller's identification response.
type FirmwareVersion struct {
	IC      byte // chip identifier, 0x32 for the PN532
	Ver     byte
	Rev     byte
	Support byte // bit 0: ISO14443A, bit 1: ISO14443B, bit 2: ISO18092
}

// SupportsISO14443A reports type A support (always set on a PN532).
func (f *FirmwareVersion) SupportsISO14443A() bool {
	return f.Support&0x01 != 0
}

func (f *FirmwareVersion) String() string {
	return fmt.Sprintf("PN5%02X v%d.%d", f.IC, f.Ver, f.Rev)
}

// FirmwareVersion returns the version captured during Init, or nil before
// initialization.
func (r *Reader) FirmwareVersion() *FirmwareVersion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firmware
}

// queryFirmwareVersion issues GetFirmwareVersion and decodes the
// [IC][Ver][Rev][Support] payload.
func (r *Reader) queryFirmwareVersion(ctx context.Context) (*FirmwareVersion, error) {
	payload, err := r.command(ctx, cmdGetFirmwareVersion, nil, r.exchangeTimeout)
	if err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: firmware response %d bytes", ErrDataIntegrity, len(payload))
	}
	return &FirmwareVersion{
		IC:      payload[0],
		Ver:     payload[1],
		Rev:     payload[2],
		Support: payload[3],
	}, nil
}
