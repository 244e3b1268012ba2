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

// CalculateChecksum computes the checksum for a data buffer
// This is a simple sum of all bytes in the provided data
func CalculateChecksum(data []byte) byte {
	chk := byte(0)
	for _, b := range data {
		chk += b
	}
	return chk
}

// ChecksumByte returns the byte that makes sum(data) + result == 0 mod 256.
// Both the length checksum (LCS) and data checksum (DCS) use this form.
func ChecksumByte(data []byte) byte {
	return ^CalculateChecksum(data) + 1
}

// ChecksumValid reports whether buf[start:end] sums to zero, i.e. the
// covered bytes already include their checksum byte.
func ChecksumValid(buf []byte, start, end int) bool {
	if start < 0 || end < start || end > len(buf) {
		return false
	}
	return CalculateChecksum(buf[start:end]) == 0
}
