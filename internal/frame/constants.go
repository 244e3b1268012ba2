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

// Frame direction constants - these indicate the direction of data flow
const (
	HostToPn532 = 0xD4 // Commands from host to PN532
	Pn532ToHost = 0xD5 // Responses from PN532 to host
	ErrorTFI    = 0x7F // Application-level error frame identifier
)

// Frame markers and control bytes
const (
	Preamble   = 0x00 // Frame preamble byte
	StartCode1 = 0x00 // Start code byte 1
	StartCode2 = 0xFF // Start code byte 2
	Postamble  = 0x00 // Frame postamble byte
	WakeupByte = 0x55 // Sent on the wire to wake the PN532 from power-down
)

// Frame size limits
const (
	// MaxPayloadLength is the maximum LEN field value for a normal
	// information frame: TFI + command + params must fit in one byte.
	MaxPayloadLength = 255
	// MaxFrameLength is the worst-case wire size of a single frame:
	// preamble + start(2) + len + lcs + payload + dcs + postamble.
	MaxFrameLength = MaxPayloadLength + 7
	// MinFrameLength is the smallest parseable frame (ACK-sized).
	MinFrameLength = 6
)

// ACK and NACK frames - these are used for flow control
var (
	AckFrame  = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}
	NackFrame = []byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00}
)
