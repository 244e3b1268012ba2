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

// PN532 Command codes
const (
	cmdDiagnose            = 0x00
	cmdGetFirmwareVersion  = 0x02
	cmdGetGeneralStatus    = 0x04
	cmdSamConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInListPassiveTarget = 0x4A
	cmdInDataExchange      = 0x40
	cmdInRelease           = 0x52
)

// Diagnose test numbers
const (
	diagCommunicationTest = 0x00
	diagAttentionRequest  = 0x06
)

// SAMConfiguration modes
const (
	samModeNormal = 0x01
)

// RFConfiguration items
const (
	rfItemMaxRetries = 0x05
)

// InListPassiveTarget baud/modulation types
const (
	brTy106kbpsTypeA = 0x00
)

// Status byte returned as the first byte of InDataExchange and attention
// request responses. Low 6 bits carry the error code.
const (
	statusOK            = 0x00
	statusTimeout       = 0x01 // target did not answer in time
	statusTargetRemoved = 0x01 // attention request: target gone
	statusMask          = 0x3F
)
