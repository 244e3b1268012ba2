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

import "sync"

// Buffer size categories for the pool.
const (
	// SmallBufferSize covers ACK accumulation and short responses.
	SmallBufferSize = 16
	// RxBufferSize covers a complete response frame with overhead.
	RxBufferSize = MaxFrameLength
)

// BufferPool manages reusable byte slices for frame processing. Exchange
// state machines hold one receive buffer for their whole lifetime, so the
// pool keeps steady-state polling free of per-poll allocations.
type BufferPool struct {
	smallPool sync.Pool
	rxPool    sync.Pool
}

var defaultPool = NewBufferPool()

// NewBufferPool creates a buffer pool for the two frame size categories.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		smallPool: sync.Pool{
			New: func() any {
				buf := make([]byte, SmallBufferSize)
				return &buf
			},
		},
		rxPool: sync.Pool{
			New: func() any {
				buf := make([]byte, RxBufferSize)
				return &buf
			},
		},
	}
}

// GetBuffer acquires a buffer of at least size bytes. Oversized requests
// are allocated directly so they never pollute the pools.
func (p *BufferPool) GetBuffer(size int) []byte {
	switch {
	case size <= SmallBufferSize:
		bufPtr, ok := p.smallPool.Get().(*[]byte)
		if !ok {
			return make([]byte, size)
		}
		return (*bufPtr)[:size]
	case size <= RxBufferSize:
		bufPtr, ok := p.rxPool.Get().(*[]byte)
		if !ok {
			return make([]byte, size)
		}
		return (*bufPtr)[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer clears a buffer and returns it to its pool. Buffers may carry
// session-protected payloads, so they are always zeroed before reuse.
func (p *BufferPool) PutBuffer(buf []byte) {
	if buf == nil {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	switch cap(buf) {
	case SmallBufferSize:
		fullBuf := buf[:SmallBufferSize]
		p.smallPool.Put(&fullBuf)
	case RxBufferSize:
		fullBuf := buf[:RxBufferSize]
		p.rxPool.Put(&fullBuf)
	default:
		// Directly allocated, let GC take it.
	}
}

// GetBuffer acquires a buffer from the default pool.
func GetBuffer(size int) []byte {
	return defaultPool.GetBuffer(size)
}

// PutBuffer returns a buffer to the default pool.
func PutBuffer(buf []byte) {
	defaultPool.PutBuffer(buf)
}

// GetRxBuffer gets a response-frame-sized buffer from the default pool.
func GetRxBuffer() []byte {
	return defaultPool.GetBuffer(RxBufferSize)
}
