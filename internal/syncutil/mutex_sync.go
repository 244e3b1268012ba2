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

//go:build !deadlock

// Package syncutil provides the mutex types used across the reader and
// monitor. The default build uses plain sync primitives; building with
// -tags=deadlock swaps in go-deadlock's detecting variants.
package syncutil

import "sync"

// Mutex is a plain sync.Mutex in the default build.
type Mutex struct {
	sync.Mutex
}

// RWMutex is a plain sync.RWMutex in the default build.
type RWMutex struct {
	sync.RWMutex
}
