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
	"fmt"
	"os"
	"sync/atomic"
)

// debugSink receives formatted debug lines when debugging is enabled.
// Holds a func(string); swapped atomically so hot paths need no lock.
var debugSink atomic.Value

var debugEnabled atomic.Bool

func init() {
	if os.Getenv("PN532_DEBUG") != "" {
		debugEnabled.Store(true)
	}
}

// SetDebugEnabled switches wire-level debug output on or off. Off by
// default unless the PN532_DEBUG environment variable is set.
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
}

// SetDebugLogger routes debug output to fn instead of standard error and
// enables debugging. A nil fn restores the default destination.
func SetDebugLogger(fn func(msg string)) {
	debugSink.Store(fn)
	if fn != nil {
		debugEnabled.Store(true)
	}
}

// Debugf emits one debug line when debugging is enabled. Frame dumps go
// through here so a misbehaving link can be inspected in the field.
func Debugf(format string, args ...any) {
	if !debugEnabled.Load() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if fn, ok := debugSink.Load().(func(msg string)); ok && fn != nil {
		fn(msg)
		return
	}
	fmt.Fprintf(os.Stderr, "pn532: %s\n", msg)
}
